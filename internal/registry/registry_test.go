package registry

import (
	"context"
	"io"
	"testing"
	"time"

	"media-recompressor/internal/database"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := database.Open(database.Memory, logger, Models()...)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })
	return NewStore(db)
}

func TestRegister_IsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Register(ctx, "/lib/a.jpg", "image/jpeg")
	require.NoError(t, err)
	b, err := s.Register(ctx, "/lib/a.jpg", "image/png")
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "image/jpeg", b.MIMEType)
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMetadata_SetGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, _ := s.Register(ctx, "/lib/a.jpg", "image/jpeg")

	_, ok, err := s.GetMetadata(ctx, a.ID, "compression_record")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetMetadata(ctx, a.ID, "compression_record", "v1"))
	require.NoError(t, s.SetMetadata(ctx, a.ID, "compression_record", "v2"))
	v, ok, err := s.GetMetadata(ctx, a.ID, "compression_record")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)

	require.NoError(t, s.DeleteMetadata(ctx, a.ID, "compression_record"))
	_, ok, _ = s.GetMetadata(ctx, a.ID, "compression_record")
	assert.False(t, ok)
}

func TestSetPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, _ := s.Register(ctx, "/lib/fav.ico", "image/x-icon")

	require.NoError(t, s.SetPath(ctx, a.ID, "/lib/fav.png", "image/png"))
	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "/lib/fav.png", got.Path)
	assert.Equal(t, "image/png", got.MIMEType)

	assert.ErrorIs(t, s.SetPath(ctx, 999, "/x", "image/png"), ErrNotFound)
}

func TestFind_PendingPredicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	fresh, _ := s.Register(ctx, "/lib/fresh.jpg", "image/jpeg")
	done, _ := s.Register(ctx, "/lib/done.jpg", "image/jpeg")
	flagged, _ := s.Register(ctx, "/lib/flagged.png", "image/png")
	_, _ = s.Register(ctx, "/lib/doc.pdf", "application/pdf")

	require.NoError(t, s.SetMetadata(ctx, done.ID, "record", "{}"))
	require.NoError(t, s.SetMetadata(ctx, flagged.ID, "record", "{}"))
	require.NoError(t, s.SetMetadata(ctx, flagged.ID, "flag", "1"))

	q := Query{
		MIMETypes: []string{"image/jpeg", "image/png"},
		Pending:   &Pending{RecordKey: "record", FlagKey: "flag"},
	}
	got, err := s.Find(ctx, q, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, fresh.ID, got[0].ID)
	assert.Equal(t, flagged.ID, got[1].ID)

	n, err := s.Count(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// a record written at or after Since keeps the asset in the page set
	runStart := clock.Add(time.Minute)
	clock = runStart
	require.NoError(t, s.SetMetadata(ctx, fresh.ID, "record", "{}"))

	q.Pending.Since = runStart
	got, err = s.Find(ctx, q, 0, 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	q.Pending.Since = time.Time{}
	n, err = s.Count(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFind_Pagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, p := range []string{"/a.jpg", "/b.jpg", "/c.jpg", "/d.jpg", "/e.jpg"} {
		_, err := s.Register(ctx, p, "image/jpeg")
		require.NoError(t, err)
	}

	page, err := s.Find(ctx, Query{}, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "/c.jpg", page[0].Path)
	assert.Equal(t, "/d.jpg", page[1].Path)

	page, err = s.Find(ctx, Query{}, 4, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}
