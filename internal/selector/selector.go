package selector

import (
	"context"
	"time"

	"media-recompressor/internal/codec"
	"media-recompressor/internal/registry"
)

// Cursor addresses one page of a batch run. It is rebuilt from the caller's
// batch index on every step; nothing is kept server side.
type Cursor struct {
	Index int
	Size  int
	// Since is when the run started. Assets compressed during the run stay
	// in the paged set so later offsets do not skip unprocessed assets.
	Since time.Time
}

// Offset returns the first row of the page.
func (c Cursor) Offset() int {
	return c.Index * c.Size
}

// Selector picks assets that still need recompression.
type Selector struct {
	registry  registry.Registry
	mimeTypes []string
}

// New creates a Selector over the supported image types.
func New(reg registry.Registry) *Selector {
	return &Selector{registry: reg, mimeTypes: codec.SupportedMIMETypes()}
}

// SelectBatch returns up to c.Size candidates in registry order.
func (s *Selector) SelectBatch(ctx context.Context, c Cursor) ([]registry.Asset, error) {
	if c.Size <= 0 {
		return nil, nil
	}
	q := s.query(c.Since)
	return s.registry.Find(ctx, q, c.Offset(), c.Size)
}

// CountRemaining counts assets still pending. The value is advisory.
func (s *Selector) CountRemaining(ctx context.Context) (int64, error) {
	return s.registry.Count(ctx, s.query(time.Time{}))
}

// CountSelected counts every asset the run started at since pages over:
// the pending ones and those compressed since the run began.
func (s *Selector) CountSelected(ctx context.Context, since time.Time) (int64, error) {
	return s.registry.Count(ctx, s.query(since))
}

func (s *Selector) query(since time.Time) registry.Query {
	return registry.Query{
		MIMETypes: s.mimeTypes,
		Pending: &registry.Pending{
			RecordKey: registry.RecordKey,
			FlagKey:   registry.FlagKey,
			Since:     since,
		},
	}
}
