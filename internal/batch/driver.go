package batch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"media-recompressor/internal/compressor"
	"media-recompressor/internal/eventlog"
	"media-recompressor/internal/registry"
	"media-recompressor/internal/selector"
	"media-recompressor/internal/statistics"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Source yields batches of pending assets.
type Source interface {
	SelectBatch(ctx context.Context, c selector.Cursor) ([]registry.Asset, error)
	CountRemaining(ctx context.Context) (int64, error)
	CountSelected(ctx context.Context, since time.Time) (int64, error)
}

// ErrRunStartRequired is returned when a step past the first one does not
// carry the start time of its run. Without it the page offsets no longer
// line up with the pending set and assets would be skipped.
var ErrRunStartRequired = errors.New("run_started is required when batch_index is greater than 0")

// ProgressHook receives every step report, for example to push it to
// WebSocket clients.
type ProgressHook func(*Progress)

// Request identifies one step of a run.
type Request struct {
	BatchIndex int       `json:"batch_index"`
	RunStarted time.Time `json:"run_started"`
}

// Progress is the report of one step.
type Progress struct {
	BatchIndex      int                   `json:"batch_index"`
	NextIndex       int                   `json:"next_index"`
	Done            bool                  `json:"done"`
	Processed       int                   `json:"processed"`
	Failed          int                   `json:"failed"`
	TotalProcessed  int                   `json:"total_processed"`
	Remaining       int                   `json:"remaining"`
	Total           int                   `json:"total"`
	ProgressPercent int                   `json:"progress_percent"`
	RunStarted      time.Time             `json:"run_started"`
	Message         string                `json:"message"`
	Results         []*compressor.Outcome `json:"results,omitempty"`
}

// Driver runs one batch per Step call. It keeps no state between calls; the
// caller carries the batch index and run start forward.
type Driver struct {
	source      Source
	compressor  compressor.AssetCompressor
	events      eventlog.Log
	stats       *statistics.Statistics
	logger      *logrus.Logger
	batchSize   int
	concurrency int
	now         func() time.Time

	hook ProgressHook
}

// NewDriver returns a new Driver. events and stats may be nil.
func NewDriver(
	source Source,
	c compressor.AssetCompressor,
	events eventlog.Log,
	stats *statistics.Statistics,
	logger *logrus.Logger,
	batchSize, concurrency int,
) *Driver {
	if batchSize <= 0 {
		batchSize = 5
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Driver{
		source:      source,
		compressor:  c,
		events:      events,
		stats:       stats,
		logger:      logger,
		batchSize:   batchSize,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// OnProgress sets the progress hook.
func (d *Driver) OnProgress(hook ProgressHook) {
	d.hook = hook
}

// BatchSize returns the configured page size.
func (d *Driver) BatchSize() int {
	return d.batchSize
}

// Step selects the page at req.BatchIndex, compresses it and reports
// progress. Only a failing selector is returned as an error; per-asset
// failures are counted in the report.
func (d *Driver) Step(ctx context.Context, req Request) (*Progress, error) {
	if req.BatchIndex < 0 {
		req.BatchIndex = 0
	}
	if req.RunStarted.IsZero() {
		if req.BatchIndex > 0 {
			return nil, ErrRunStartRequired
		}
		req.RunStarted = d.now()
	}
	log := d.logger.WithFields(logrus.Fields{"batch_index": req.BatchIndex, "batch_size": d.batchSize})

	before, err := d.source.CountRemaining(ctx)
	if err != nil {
		return nil, fmt.Errorf("count remaining: %w", err)
	}

	cursor := selector.Cursor{Index: req.BatchIndex, Size: d.batchSize, Since: req.RunStarted}
	assets, err := d.source.SelectBatch(ctx, cursor)
	if err != nil {
		return nil, fmt.Errorf("select batch %d: %w", req.BatchIndex, err)
	}

	done := cursor.Offset()
	if len(assets) == 0 {
		// Failed assets stay pending, so the last page can come back short
		// and the offset overshoots the run.
		selected, err := d.source.CountSelected(ctx, req.RunStarted)
		if err != nil {
			return nil, fmt.Errorf("count selected: %w", err)
		}
		done = min(done, int(selected))
		p := &Progress{
			BatchIndex:      req.BatchIndex,
			NextIndex:       req.BatchIndex,
			Done:            true,
			TotalProcessed:  done,
			Total:           done,
			ProgressPercent: 100,
			RunStarted:      req.RunStarted,
			Message:         fmt.Sprintf("All done: %d assets processed", done),
		}
		d.finish(ctx, p, log)
		return p, nil
	}

	results := d.process(ctx, assets, log)

	p := &Progress{
		BatchIndex: req.BatchIndex,
		Processed:  len(assets),
		RunStarted: req.RunStarted,
		Results:    results,
	}
	for _, r := range results {
		if !r.Success && r.Applicable {
			p.Failed++
		}
	}
	p.TotalProcessed = done + p.Processed
	p.Remaining = max(0, int(before)-p.Processed)
	p.Total = p.TotalProcessed + p.Remaining
	p.ProgressPercent = percent(p.TotalProcessed, p.Total)
	p.Done = p.Remaining == 0
	p.NextIndex = req.BatchIndex
	if !p.Done {
		p.NextIndex++
	}

	if d.stats != nil {
		d.stats.IncrementBatches()
	}

	if p.Done {
		p.Message = fmt.Sprintf("All done: %d assets processed", p.TotalProcessed)
		d.finish(ctx, p, log)
		return p, nil
	}

	p.Message = fmt.Sprintf("Processed %d of %d assets (%d%%)", p.TotalProcessed, p.Total, p.ProgressPercent)
	log.WithFields(logrus.Fields{
		"processed": p.Processed,
		"failed":    p.Failed,
		"remaining": p.Remaining,
	}).Info("Batch completed")
	d.notify(p)
	return p, nil
}

// Run drives steps until the run is done or ctx is cancelled, sleeping delay
// between steps. Cancellation is only observed between steps.
func (d *Driver) Run(ctx context.Context, delay time.Duration) (*Progress, error) {
	req := Request{RunStarted: d.now()}
	for {
		p, err := d.Step(ctx, req)
		if err != nil {
			return nil, err
		}
		if p.Done {
			return p, nil
		}
		req = Request{BatchIndex: p.NextIndex, RunStarted: p.RunStarted}

		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// process compresses assets with bounded parallelism. Results keep the
// order of assets.
func (d *Driver) process(ctx context.Context, assets []registry.Asset, log *logrus.Entry) []*compressor.Outcome {
	results := make([]*compressor.Outcome, len(assets))

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, a := range assets {
		i, a := i, a
		g.Go(func() error {
			out, err := d.compressor.CompressAsset(ctx, a.ID, compressor.TriggerManual)
			if err != nil {
				log.WithError(err).WithField("asset_id", a.ID).Error("Asset compression aborted")
				out = &compressor.Outcome{
					AssetID:    a.ID,
					Applicable: true,
					Status:     compressor.StatusFailed,
					Path:       a.Path,
					Message:    err.Error(),
				}
			}
			results[i] = out
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Driver) finish(ctx context.Context, p *Progress, log *logrus.Entry) {
	log.WithField("total_processed", p.TotalProcessed).Info("Batch run finished")
	if d.events != nil {
		entry := eventlog.Entry{Category: eventlog.CategoryInfo, Message: p.Message}
		if err := d.events.Append(ctx, entry); err != nil {
			log.WithError(err).Warn("Failed to record batch completion")
		}
	}
	d.notify(p)
}

func (d *Driver) notify(p *Progress) {
	if d.hook != nil {
		d.hook(p)
	}
}

func percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}
