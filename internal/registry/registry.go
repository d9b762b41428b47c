package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Metadata keys the recompression core owns on each asset.
const (
	RecordKey = "compression_record"
	FlagKey   = "needs_recompression"
)

// ErrNotFound is returned when an asset id does not exist.
var ErrNotFound = errors.New("asset not found")

// Asset is a media file known to the library.
type Asset struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Path      string    `gorm:"type:text;not null;uniqueIndex" json:"path"`
	MIMEType  string    `gorm:"column:mime_type;type:text;not null;index" json:"mime_type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Meta is one entry of an asset's key/value metadata bag.
type Meta struct {
	AssetID   uint   `gorm:"primaryKey"`
	Name      string `gorm:"primaryKey;type:text"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt int64  `gorm:"not null;index"`
}

func (Meta) TableName() string { return "asset_meta" }

// Models lists the tables the registry needs migrated.
func Models() []interface{} {
	return []interface{}{&Asset{}, &Meta{}}
}

// Query selects assets. An asset matches when its MIME type is in MIMETypes
// (any type when empty) and, if Pending is set, when it satisfies Pending.
type Query struct {
	MIMETypes []string
	Pending   *Pending
}

// Pending matches assets that have no RecordKey entry, have FlagKey set to
// "1", or whose RecordKey entry was written at or after Since.
type Pending struct {
	RecordKey string
	FlagKey   string
	Since     time.Time
}

// Registry is the asset store the recompression core consumes.
type Registry interface {
	Find(ctx context.Context, q Query, offset, limit int) ([]Asset, error)
	Count(ctx context.Context, q Query) (int64, error)
	Get(ctx context.Context, id uint) (*Asset, error)
	GetMetadata(ctx context.Context, id uint, name string) (string, bool, error)
	SetMetadata(ctx context.Context, id uint, name, value string) error
	DeleteMetadata(ctx context.Context, id uint, name string) error
	SetPath(ctx context.Context, id uint, path, mimeType string) error
	Register(ctx context.Context, path, mimeType string) (*Asset, error)
}

// Store is the gorm implementation of Registry.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a Store on an already migrated database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Find(ctx context.Context, q Query, offset, limit int) ([]Asset, error) {
	var assets []Asset
	err := s.query(ctx, q).Order("assets.id").Offset(offset).Limit(limit).Find(&assets).Error
	if err != nil {
		return nil, fmt.Errorf("find assets: %w", err)
	}
	return assets, nil
}

func (s *Store) Count(ctx context.Context, q Query) (int64, error) {
	var n int64
	if err := s.query(ctx, q).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count assets: %w", err)
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, q Query) *gorm.DB {
	tx := s.db.WithContext(ctx).Model(&Asset{})
	if len(q.MIMETypes) > 0 {
		tx = tx.Where("assets.mime_type IN ?", q.MIMETypes)
	}

	p := q.Pending
	if p == nil {
		return tx
	}

	meta := func() *gorm.DB {
		return s.db.Model(&Meta{}).Select("1").Where("asset_meta.asset_id = assets.id")
	}
	cond := "NOT EXISTS (?) OR EXISTS (?)"
	args := []interface{}{
		meta().Where("asset_meta.name = ?", p.RecordKey),
		meta().Where("asset_meta.name = ? AND asset_meta.value = ?", p.FlagKey, "1"),
	}
	if !p.Since.IsZero() {
		cond += " OR EXISTS (?)"
		args = append(args, meta().Where("asset_meta.name = ? AND asset_meta.updated_at >= ?", p.RecordKey, p.Since.UnixNano()))
	}
	return tx.Where("("+cond+")", args...)
}

func (s *Store) Get(ctx context.Context, id uint) (*Asset, error) {
	var a Asset
	if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("asset %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get asset %d: %w", id, err)
	}
	return &a, nil
}

func (s *Store) GetMetadata(ctx context.Context, id uint, name string) (string, bool, error) {
	var m Meta
	err := s.db.WithContext(ctx).Where("asset_id = ? AND name = ?", id, name).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get metadata %q of asset %d: %w", name, id, err)
	}
	return m.Value, true, nil
}

// SetMetadata upserts one entry; the last writer wins.
func (s *Store) SetMetadata(ctx context.Context, id uint, name, value string) error {
	m := Meta{AssetID: id, Name: name, Value: value, UpdatedAt: s.now().UnixNano()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "asset_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("set metadata %q of asset %d: %w", name, id, err)
	}
	return nil
}

func (s *Store) DeleteMetadata(ctx context.Context, id uint, name string) error {
	err := s.db.WithContext(ctx).Where("asset_id = ? AND name = ?", id, name).Delete(&Meta{}).Error
	if err != nil {
		return fmt.Errorf("delete metadata %q of asset %d: %w", name, id, err)
	}
	return nil
}

// SetPath moves an asset to a new file path and declared type.
func (s *Store) SetPath(ctx context.Context, id uint, path, mimeType string) error {
	res := s.db.WithContext(ctx).Model(&Asset{ID: id}).Updates(map[string]interface{}{
		"path":      path,
		"mime_type": mimeType,
	})
	if res.Error != nil {
		return fmt.Errorf("set path of asset %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("asset %d: %w", id, ErrNotFound)
	}
	return nil
}

// Register adds the file at path, or returns the asset already registered there.
func (s *Store) Register(ctx context.Context, path, mimeType string) (*Asset, error) {
	a := Asset{}
	err := s.db.WithContext(ctx).
		Where(Asset{Path: path}).
		Attrs(Asset{MIMEType: mimeType}).
		FirstOrCreate(&a).Error
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", path, err)
	}
	return &a, nil
}
