package compressor

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"media-recompressor/internal/codec"
	"media-recompressor/internal/config"
	"media-recompressor/internal/eventlog"
	"media-recompressor/internal/failure"
	"media-recompressor/internal/logger"
	"media-recompressor/internal/quality"
	"media-recompressor/internal/registry"
	"media-recompressor/internal/statistics"
	"media-recompressor/internal/transaction"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// MetadataCopier copies descriptive metadata between two files on disk.
type MetadataCopier interface {
	Copy(src, dst string) error
}

// Deps wires a Service.
type Deps struct {
	Registry     registry.Registry
	Events       eventlog.Log
	Adapters     *codec.Set
	Transactions *transaction.Manager
	Fs           afero.Fs
	Settings     config.CompressionConfig
	Stats        *statistics.Statistics
	// Metadata is optional. It is only used for JPEG output when
	// Settings.PreserveMetadata is on.
	Metadata MetadataCopier
	Logger   *logrus.Logger
}

// Service recompresses single assets in place.
type Service struct {
	registry registry.Registry
	events   eventlog.Log
	adapters *codec.Set
	tx       *transaction.Manager
	fs       afero.Fs
	settings config.CompressionConfig
	alg      quality.Algorithm
	stats    *statistics.Statistics
	metadata MetadataCopier
	logger   *logrus.Logger
	now      func() time.Time

	onCompressed func(*Outcome)
}

// New creates a Service.
func New(d Deps) *Service {
	stats := d.Stats
	if stats == nil {
		stats = statistics.NewStatistics()
	}
	if !d.Settings.CompressOriginal && d.Logger != nil {
		d.Logger.Warn("compress_original is off but originals are always replaced in place")
	}
	return &Service{
		registry: d.Registry,
		events:   d.Events,
		adapters: d.Adapters,
		tx:       d.Transactions,
		fs:       d.Fs,
		settings: d.Settings,
		alg:      d.Settings.QualityAlgorithm(),
		stats:    stats,
		metadata: d.Metadata,
		logger:   d.Logger,
		now:      time.Now,
	}
}

// OnCompressed registers a callback for every successful outcome. It must be
// set before the service is used.
func (s *Service) OnCompressed(fn func(*Outcome)) {
	s.onCompressed = fn
}

// Stats returns the process-local counters.
func (s *Service) Stats() *statistics.Statistics {
	return s.stats
}

// CompressAsset recompresses one asset. Per-asset problems are reported in
// the Outcome; the error is only set when the registry itself fails.
func (s *Service) CompressAsset(ctx context.Context, id uint, trigger Trigger) (*Outcome, error) {
	asset, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	log := logger.WithAsset(s.logger, id, asset.Path).WithField("trigger", trigger)

	format := codec.FormatForMIME(asset.MIMEType)
	if !format.IsSupported() {
		err := failure.New(failure.KindUnsupportedFormat, "compress", asset.Path, fmt.Errorf("mime type %q", asset.MIMEType))
		return s.fail(ctx, asset, 0, err), nil
	}

	rec, done, err := s.storedRecord(ctx, id, log)
	if err != nil {
		return nil, err
	}
	if done {
		log.Debug("Asset already compressed")
		out := recordOutcome(id, asset.Path, rec, StatusUnchanged)
		out.Message = "Asset already compressed"
		return out, nil
	}

	adapter, err := s.adapters.For(format)
	if err != nil {
		return s.fail(ctx, asset, 0, err), nil
	}

	info, err := s.fs.Stat(asset.Path)
	if err != nil {
		return s.fail(ctx, asset, 0, failure.New(failure.KindSourceUnreadable, "stat source", asset.Path, err)), nil
	}
	param := s.param(format, info.Size())
	if pr, ok := adapter.(codec.ParamReporter); ok && !pr.UsesParam() {
		param = 0
	}

	plan := transaction.Plan{
		Path:  asset.Path,
		Token: strconv.FormatUint(uint64(id), 10),
		Encode: func(src io.Reader, dst io.Writer) error {
			return adapter.Encode(src, dst, param)
		},
	}
	if in, ok := adapter.(codec.Inspector); ok {
		plan.Inspect = in.Inspect
	}
	if rn, ok := adapter.(codec.Renamer); ok {
		plan.TargetPath = rn.TargetPath(asset.Path)
		plan.Relocated = func(finalPath string) error {
			return s.registry.SetPath(ctx, id, finalPath, codec.MIMEForExtension(finalPath))
		}
	}
	if s.metadata != nil && s.settings.PreserveMetadata && format == codec.FormatJPEG {
		plan.Finish = func(tempPath, backupPath string) error {
			return s.metadata.Copy(backupPath, tempPath)
		}
	}

	log.WithFields(logrus.Fields{"format": format, "param": param}).Debug("Recompressing asset")
	res, err := s.tx.Run(ctx, plan)
	if err != nil {
		return s.fail(ctx, asset, info.Size(), err), nil
	}

	return s.succeed(ctx, asset, format, trigger, param, res, log)
}

// MarkForRecompression flags an asset so the next batch picks it up again.
func (s *Service) MarkForRecompression(ctx context.Context, id uint) error {
	if _, err := s.registry.Get(ctx, id); err != nil {
		return err
	}
	if err := s.registry.SetMetadata(ctx, id, registry.FlagKey, "1"); err != nil {
		return err
	}
	s.logger.WithField("asset_id", id).Info("Asset marked for recompression")
	return nil
}

// storedRecord returns the existing record and true when the asset needs no
// work: it has a record and no reprocessing flag.
func (s *Service) storedRecord(ctx context.Context, id uint, log *logrus.Entry) (Record, bool, error) {
	raw, ok, err := s.registry.GetMetadata(ctx, id, registry.RecordKey)
	if err != nil || !ok {
		return Record{}, false, err
	}
	flag, _, err := s.registry.GetMetadata(ctx, id, registry.FlagKey)
	if err != nil {
		return Record{}, false, err
	}
	if flag == "1" {
		return Record{}, false, nil
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		log.WithError(err).Warn("Ignoring unreadable compression record")
		return Record{}, false, nil
	}
	return rec, true, nil
}

// param picks the encode parameter for a format.
func (s *Service) param(format codec.Format, size int64) int {
	switch format {
	case codec.FormatPNG:
		return s.settings.PNGCompression
	case codec.FormatWebP:
		return quality.Clamp(s.settings.WebPQuality)
	case codec.FormatGIF, codec.FormatICO:
		return 0
	default:
		return quality.For(size, s.settings.JPEGQuality, s.alg)
	}
}

func (s *Service) succeed(ctx context.Context, asset *registry.Asset, format codec.Format, trigger Trigger, param int, res *transaction.Result, log *logrus.Entry) (*Outcome, error) {
	rec := Record{
		OriginalSize:   res.OriginalSize,
		CompressedSize: res.CompressedSize,
		QualityUsed:    param,
		Timestamp:      s.now().UTC(),
		Status:         string(res.Status),
	}
	raw, err := rec.encode()
	if err != nil {
		return nil, fmt.Errorf("encode record of asset %d: %w", asset.ID, err)
	}
	if err := s.registry.SetMetadata(ctx, asset.ID, registry.RecordKey, raw); err != nil {
		return nil, err
	}
	if err := s.registry.DeleteMetadata(ctx, asset.ID, registry.FlagKey); err != nil {
		return nil, err
	}

	out := recordOutcome(asset.ID, res.FinalPath, rec, string(res.Status))
	out.Message = successMessage(res)
	if res.Reason != nil {
		out.Kind = failure.KindOf(res.Reason).String()
	}

	switch res.Status {
	case transaction.StatusCompressed:
		s.stats.RecordCompressed(format.String(), res.OriginalSize, res.CompressedSize)
	case transaction.StatusKeptOriginal:
		s.stats.RecordKeptOriginal(format.String(), res.OriginalSize)
	case transaction.StatusAlreadyOptimal:
		s.stats.RecordAlreadyOptimal(format.String())
	}

	entry := eventlog.Entry{
		Category:       trigger.Category(),
		Message:        out.Message,
		FilePath:       res.FinalPath,
		OriginalSize:   res.OriginalSize,
		CompressedSize: res.CompressedSize,
	}
	if err := s.events.Append(ctx, entry); err != nil {
		log.WithError(err).Error("Failed to append compression event")
	}

	log.WithFields(logrus.Fields{
		"status":          res.Status,
		"original_size":   res.OriginalSize,
		"compressed_size": res.CompressedSize,
		"quality":         param,
	}).Info(out.Message)

	if s.onCompressed != nil {
		s.onCompressed(out)
	}
	return out, nil
}

func (s *Service) fail(ctx context.Context, asset *registry.Asset, size int64, err error) *Outcome {
	out := failedOutcome(asset.ID, asset.Path, err)
	out.OriginalSize = size
	log := logger.WithAsset(s.logger, asset.ID, asset.Path).WithField("kind", out.Kind)

	if !out.Applicable {
		s.stats.IncrementSkipped()
		log.WithError(err).Info("Asset not applicable")
		return out
	}

	s.stats.RecordFailure(asset.Path, "compress", err.Error())
	log.WithError(err).Warn("Compression failed, asset left unchanged")

	entry := eventlog.Entry{
		Category:     eventlog.CategoryError,
		Message:      fmt.Sprintf("Failed to compress %s: %v", filepath.Base(asset.Path), err),
		FilePath:     asset.Path,
		OriginalSize: size,
	}
	if aerr := s.events.Append(ctx, entry); aerr != nil {
		log.WithError(aerr).Error("Failed to append error event")
	}
	return out
}

func recordOutcome(id uint, path string, rec Record, status string) *Outcome {
	return &Outcome{
		AssetID:        id,
		Success:        true,
		Applicable:     true,
		Status:         status,
		Path:           path,
		OriginalSize:   rec.OriginalSize,
		CompressedSize: rec.CompressedSize,
		SavedPercent:   eventlog.SavedPercent(rec.OriginalSize, rec.CompressedSize),
		QualityUsed:    rec.QualityUsed,
	}
}

func successMessage(res *transaction.Result) string {
	name := filepath.Base(res.FinalPath)
	switch res.Status {
	case transaction.StatusKeptOriginal:
		return fmt.Sprintf("Kept original %s: re-encoded file was not smaller", name)
	case transaction.StatusAlreadyOptimal:
		return fmt.Sprintf("%s is already optimal", name)
	default:
		return fmt.Sprintf("Compressed %s: %s -> %s (%.2f%% saved)",
			name,
			statistics.FormatBytes(res.OriginalSize),
			statistics.FormatBytes(res.CompressedSize),
			eventlog.SavedPercent(res.OriginalSize, res.CompressedSize))
	}
}
