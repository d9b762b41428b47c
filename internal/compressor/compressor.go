package compressor

import (
	"context"
	"encoding/json"
	"time"

	"media-recompressor/internal/eventlog"
	"media-recompressor/internal/failure"
)

// Trigger says what started a compression.
type Trigger string

const (
	TriggerAuto   Trigger = "auto"
	TriggerManual Trigger = "manual"
)

// Category returns the event log category for successes of this trigger.
func (t Trigger) Category() eventlog.Category {
	if t == TriggerAuto {
		return eventlog.CategoryAuto
	}
	return eventlog.CategoryManual
}

// Outcome statuses beyond the transaction's own.
const (
	StatusUnchanged     = "unchanged"
	StatusNotApplicable = "not_applicable"
	StatusSkipped       = "skipped"
	StatusFailed        = "failed"
)

// Record is the stored result of the last successful compression of an asset.
type Record struct {
	OriginalSize   int64     `json:"original_size"`
	CompressedSize int64     `json:"compressed_size"`
	QualityUsed    int       `json:"quality_used"`
	Timestamp      time.Time `json:"timestamp"`
	Status         string    `json:"status,omitempty"`
}

func (r Record) encode() (string, error) {
	b, err := json.Marshal(r)
	return string(b), err
}

func decodeRecord(s string) (Record, error) {
	var r Record
	err := json.Unmarshal([]byte(s), &r)
	return r, err
}

// Outcome describes what happened to one asset.
type Outcome struct {
	AssetID        uint    `json:"asset_id"`
	Success        bool    `json:"success"`
	Applicable     bool    `json:"applicable"`
	Status         string  `json:"status"`
	Path           string  `json:"path"`
	OriginalSize   int64   `json:"original_size"`
	CompressedSize int64   `json:"compressed_size"`
	SavedPercent   float64 `json:"saved_percent"`
	QualityUsed    int     `json:"quality_used"`
	Message        string  `json:"message"`
	Kind           string  `json:"kind,omitempty"`
	Retryable      bool    `json:"retryable,omitempty"`
}

// Upload describes a newly landed file for the ingestion hook.
type Upload struct {
	Path         string
	Size         int64
	DeclaredType string
}

// AssetCompressor is what the batch driver and control surface need.
type AssetCompressor interface {
	CompressAsset(ctx context.Context, id uint, trigger Trigger) (*Outcome, error)
}

func failedOutcome(id uint, path string, err error) *Outcome {
	kind := failure.KindOf(err)
	return &Outcome{
		AssetID:    id,
		Success:    false,
		Applicable: !kind.NotApplicable(),
		Status:     outcomeStatus(kind),
		Path:       path,
		Message:    err.Error(),
		Kind:       kind.String(),
		Retryable:  kind.Retryable(),
	}
}

func outcomeStatus(kind failure.Kind) string {
	if kind.NotApplicable() {
		return StatusNotApplicable
	}
	return StatusFailed
}
