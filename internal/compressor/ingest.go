package compressor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"media-recompressor/internal/codec"
	"media-recompressor/internal/failure"
	"media-recompressor/internal/logger"

	"github.com/h2non/filetype"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// sniffLen is how much of a file the content matcher needs.
const sniffLen = 262

// DetectMIME picks the MIME type of a file. A recognised sniffed type wins over
// the declared one, which wins over the extension.
func DetectMIME(fs afero.Fs, path, declared string) string {
	if sniffed := sniffMIME(fs, path); sniffed != "" {
		return sniffed
	}
	if declared != "" {
		return strings.ToLower(strings.TrimSpace(declared))
	}
	return codec.MIMEForExtension(path)
}

func sniffMIME(fs afero.Fs, path string) string {
	f, err := fs.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return ""
	}
	kind, err := filetype.Match(head[:n])
	if err != nil || kind == filetype.Unknown {
		return ""
	}
	return kind.MIME.Value
}

// Ingest handles a freshly uploaded file. Files are compressed synchronously
// when auto compression is on, the file is over the size threshold and its
// type is one of the explicitly supported ones.
func (s *Service) Ingest(ctx context.Context, up Upload) (*Outcome, error) {
	log := s.logger.WithField("file", up.Path)
	skipped := func(msg string) *Outcome {
		log.Debug(msg)
		return &Outcome{Success: true, Applicable: false, Status: StatusSkipped, Path: up.Path, OriginalSize: up.Size, Message: msg}
	}

	if !s.settings.AutoCompress {
		return skipped("Auto compression disabled"), nil
	}

	size := up.Size
	if size <= 0 {
		info, err := s.fs.Stat(up.Path)
		if err != nil {
			return nil, failure.New(failure.KindSourceUnreadable, "stat upload", up.Path, err)
		}
		size = info.Size()
	}
	if size <= s.settings.ThresholdBytes() {
		out := skipped(fmt.Sprintf("Below threshold of %d KB", s.settings.ThresholdSizeKB))
		out.OriginalSize = size
		return out, nil
	}

	mime := DetectMIME(s.fs, up.Path, up.DeclaredType)
	if up.DeclaredType != "" && !strings.EqualFold(mime, up.DeclaredType) {
		log.WithFields(logrus.Fields{"declared": up.DeclaredType, "detected": mime}).Warn("Declared type does not match content")
	}
	if !codec.IsListedMIME(mime) {
		out := skipped(fmt.Sprintf("Unsupported type %q", mime))
		out.OriginalSize = size
		return out, nil
	}

	asset, err := s.registry.Register(ctx, up.Path, mime)
	if err != nil {
		return nil, err
	}
	return s.CompressAsset(ctx, asset.ID, TriggerAuto)
}

// ImportTree registers every image file under root. Scratch files left by the
// transaction layer and the named directories are skipped. It returns the
// number of assets registered.
func (s *Service) ImportTree(ctx context.Context, root string, skipDirs ...string) (int, error) {
	skip := make(map[string]bool, len(skipDirs))
	for _, d := range skipDirs {
		skip[filepath.Clean(d)] = true
	}

	count := 0
	err := afero.Walk(s.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			s.logger.Warnf("Error accessing path %s: %v", path, err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() {
			if skip[filepath.Clean(path)] {
				return filepath.SkipDir
			}
			return nil
		}
		if isScratchFile(info.Name()) {
			return nil
		}

		mime := DetectMIME(s.fs, path, "")
		if codec.FormatForMIME(mime) == codec.FormatUnknown {
			return nil
		}
		if _, err := s.registry.Register(ctx, path, mime); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("import %s: %w", root, err)
	}

	logger.WithOperation(s.logger, "import").WithFields(logrus.Fields{"root": root, "registered": count}).Info("Import completed")
	return count, nil
}

func isScratchFile(name string) bool {
	return strings.HasSuffix(name, ".bak") ||
		(strings.HasPrefix(name, ".recompress-") && strings.HasSuffix(name, ".tmp"))
}
