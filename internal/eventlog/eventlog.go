package eventlog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Category classifies an event.
type Category string

const (
	CategoryAuto   Category = "auto"
	CategoryManual Category = "manual"
	CategoryError  Category = "error"
	CategoryInfo   Category = "info"
)

// IsSuccess reports whether the category records a completed compression.
func (c Category) IsSuccess() bool {
	return c == CategoryAuto || c == CategoryManual
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryAuto, CategoryManual, CategoryError, CategoryInfo:
		return true
	default:
		return false
	}
}

// Event is one append-only log row.
type Event struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	CreatedAt      time.Time `gorm:"not null;index" json:"created_at"`
	Category       Category  `gorm:"type:text;not null;index" json:"category"`
	Message        string    `gorm:"type:text;not null" json:"message"`
	FilePath       string    `gorm:"type:text" json:"file_path,omitempty"`
	OriginalSize   int64     `gorm:"not null;default:0" json:"original_size"`
	CompressedSize int64     `gorm:"not null;default:0" json:"compressed_size"`
	SavedPercent   float64   `gorm:"not null;default:0" json:"saved_percent"`
}

func (Event) TableName() string { return "events" }

// Counters holds lifetime totals. There is exactly one row.
type Counters struct {
	ID                  uint      `gorm:"primaryKey" json:"-"`
	Compressions        int64     `gorm:"not null;default:0" json:"compressions"`
	TotalOriginalSize   int64     `gorm:"not null;default:0" json:"total_original_size"`
	TotalCompressedSize int64     `gorm:"not null;default:0" json:"total_compressed_size"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Saved returns the bytes saved over the lifetime of the library.
func (c Counters) Saved() int64 {
	return c.TotalOriginalSize - c.TotalCompressedSize
}

const countersID = 1

// Models lists the tables the event log needs migrated.
func Models() []interface{} {
	return []interface{}{&Event{}, &Counters{}}
}

// Entry is what callers append.
type Entry struct {
	Category       Category
	Message        string
	FilePath       string
	OriginalSize   int64
	CompressedSize int64
}

// Aggregate summarises successful compression events.
type Aggregate struct {
	Count           int64      `json:"count"`
	TotalOriginal   int64      `json:"total_original"`
	TotalCompressed int64      `json:"total_compressed"`
	TotalSaved      int64      `json:"total_saved"`
	AvgSavedPercent float64    `json:"avg_saved_percent"`
	LastTimestamp   *time.Time `json:"last_timestamp,omitempty"`
}

// Log is the event sink the core appends to.
type Log interface {
	Append(ctx context.Context, e Entry) error
}

// Store is the gorm backed event log and stats collaborator.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a Store on an already migrated database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SavedPercent returns (original-compressed)/original*100 rounded to two
// decimals, or 0 when original is 0.
func SavedPercent(original, compressed int64) float64 {
	if original <= 0 {
		return 0
	}
	p := float64(original-compressed) / float64(original) * 100
	return math.Round(p*100) / 100
}

// Append writes e. Successful compressions also bump the lifetime counters in
// the same database transaction.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if !e.Category.Valid() {
		return fmt.Errorf("append event: unknown category %q", e.Category)
	}

	ev := Event{
		CreatedAt:      s.now(),
		Category:       e.Category,
		Message:        e.Message,
		FilePath:       e.FilePath,
		OriginalSize:   e.OriginalSize,
		CompressedSize: e.CompressedSize,
		SavedPercent:   SavedPercent(e.OriginalSize, e.CompressedSize),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&ev).Error; err != nil {
			return err
		}
		if !e.Category.IsSuccess() || e.OriginalSize <= 0 {
			return nil
		}

		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"compressions":          gorm.Expr("compressions + 1"),
				"total_original_size":   gorm.Expr("total_original_size + ?", e.OriginalSize),
				"total_compressed_size": gorm.Expr("total_compressed_size + ?", e.CompressedSize),
				"updated_at":            ev.CreatedAt,
			}),
		}).Create(&Counters{
			ID:                  countersID,
			Compressions:        1,
			TotalOriginalSize:   e.OriginalSize,
			TotalCompressedSize: e.CompressedSize,
			UpdatedAt:           ev.CreatedAt,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("append %s event: %w", e.Category, err)
	}
	return nil
}

// Aggregate summarises every successful compression event on record.
func (s *Store) Aggregate(ctx context.Context) (*Aggregate, error) {
	return s.aggregate(ctx, time.Time{})
}

// AggregateSince summarises successful compression events at or after since.
func (s *Store) AggregateSince(ctx context.Context, since time.Time) (*Aggregate, error) {
	return s.aggregate(ctx, since)
}

func (s *Store) aggregate(ctx context.Context, since time.Time) (*Aggregate, error) {
	var row struct {
		Count           int64
		TotalOriginal   int64
		TotalCompressed int64
		AvgSavedPercent float64
	}

	tx := s.successEvents(ctx, since).Select(
		"COUNT(*) AS count, " +
			"COALESCE(SUM(original_size), 0) AS total_original, " +
			"COALESCE(SUM(compressed_size), 0) AS total_compressed, " +
			"COALESCE(AVG(saved_percent), 0) AS avg_saved_percent")
	if err := tx.Scan(&row).Error; err != nil {
		return nil, fmt.Errorf("aggregate events: %w", err)
	}

	agg := &Aggregate{
		Count:           row.Count,
		TotalOriginal:   row.TotalOriginal,
		TotalCompressed: row.TotalCompressed,
		TotalSaved:      row.TotalOriginal - row.TotalCompressed,
		AvgSavedPercent: math.Round(row.AvgSavedPercent*100) / 100,
	}
	if agg.Count == 0 {
		return agg, nil
	}

	var last Event
	if err := s.successEvents(ctx, since).Order("created_at DESC, id DESC").Take(&last).Error; err != nil {
		return nil, fmt.Errorf("last compression event: %w", err)
	}
	agg.LastTimestamp = &last.CreatedAt
	return agg, nil
}

func (s *Store) successEvents(ctx context.Context, since time.Time) *gorm.DB {
	tx := s.db.WithContext(ctx).Model(&Event{}).
		Where("category IN ? AND original_size > 0", []Category{CategoryAuto, CategoryManual})
	if !since.IsZero() {
		tx = tx.Where("created_at >= ?", since.UTC())
	}
	return tx
}

// Totals returns the lifetime counters.
func (s *Store) Totals(ctx context.Context) (*Counters, error) {
	var c Counters
	err := s.db.WithContext(ctx).Take(&c, countersID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Counters{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	return &c, nil
}

// Recent returns up to limit events, newest first, optionally of one category.
func (s *Store) Recent(ctx context.Context, limit int, category Category) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	tx := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit)
	if category != "" {
		tx = tx.Where("category = ?", category)
	}

	var events []Event
	if err := tx.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// Cleanup deletes events older than retentionDays and returns how many went.
// Lifetime counters are not affected.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("cleanup events: retention must be positive, got %d", retentionDays)
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays)

	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Event{})
	if res.Error != nil {
		return 0, fmt.Errorf("cleanup events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
