package selector

import (
	"context"
	"io"
	"testing"
	"time"

	"media-recompressor/internal/database"
	"media-recompressor/internal/registry"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *registry.Store {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := database.Open(database.Memory, logger, registry.Models()...)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })
	return registry.NewStore(db)
}

func TestSelectBatch_FiltersAndPages(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	var ids []uint
	for i, mime := range []string{"image/jpeg", "image/png", "video/mp4", "image/gif", "image/svg+xml", "image/webp"} {
		a, err := reg.Register(ctx, "/lib/f"+string(rune('a'+i)), mime)
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}
	require.NoError(t, reg.SetMetadata(ctx, ids[1], registry.RecordKey, "{}"))

	s := New(reg)
	page, err := s.SelectBatch(ctx, Cursor{Index: 0, Size: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[0], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	page, err = s.SelectBatch(ctx, Cursor{Index: 1, Size: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[5], page[0].ID)

	n, err := s.CountRemaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSelectBatch_FlaggedAssetIsSelectedAgain(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	a, _ := reg.Register(ctx, "/lib/a.jpg", "image/jpeg")
	require.NoError(t, reg.SetMetadata(ctx, a.ID, registry.RecordKey, "{}"))

	s := New(reg)
	n, _ := s.CountRemaining(ctx)
	assert.Zero(t, n)

	require.NoError(t, reg.SetMetadata(ctx, a.ID, registry.FlagKey, "1"))
	page, err := s.SelectBatch(ctx, Cursor{Size: 5})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	require.NoError(t, reg.SetMetadata(ctx, a.ID, registry.FlagKey, "0"))
	n, _ = s.CountRemaining(ctx)
	assert.Zero(t, n)
}

func TestSelectBatch_RunStartKeepsOffsetsStable(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := reg.Register(ctx, "/lib/"+string(rune('a'+i))+".jpg", "image/jpeg")
		require.NoError(t, err)
	}

	s := New(reg)
	start := time.Now().Add(-time.Second)

	first, err := s.SelectBatch(ctx, Cursor{Index: 0, Size: 2, Since: start})
	require.NoError(t, err)
	for _, a := range first {
		require.NoError(t, reg.SetMetadata(ctx, a.ID, registry.RecordKey, "{}"))
	}

	second, err := s.SelectBatch(ctx, Cursor{Index: 1, Size: 2, Since: start})
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, "/lib/c.jpg", second[0].Path)
	assert.Equal(t, "/lib/d.jpg", second[1].Path)

	selected, err := s.CountSelected(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, int64(4), selected)

	pending, err := s.CountRemaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)
}

func TestSelectBatch_ZeroSize(t *testing.T) {
	s := New(newTestRegistry(t))
	page, err := s.SelectBatch(context.Background(), Cursor{Size: 0})
	require.NoError(t, err)
	assert.Empty(t, page)
}
