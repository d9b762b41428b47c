package database

import (
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type note struct {
	ID   uint
	Text string
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestOpen_FileUsesWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "recompressor.db")
	db, err := Open(path, quietLogger(), &note{})
	require.NoError(t, err)
	defer Close(db)

	var mode string
	require.NoError(t, db.Raw("PRAGMA journal_mode").Scan(&mode).Error)
	assert.Equal(t, "wal", strings.ToLower(mode))

	require.NoError(t, db.Create(&note{Text: "hello"}).Error)
	var got note
	require.NoError(t, db.First(&got).Error)
	assert.Equal(t, "hello", got.Text)
}

func TestOpen_Memory(t *testing.T) {
	db, err := Open(Memory, quietLogger(), &note{})
	require.NoError(t, err)
	defer Close(db)

	var count int64
	require.NoError(t, db.Model(&note{}).Count(&count).Error)
	assert.Zero(t, count)
}
