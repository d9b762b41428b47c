package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"media-recompressor/internal/quality"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())

	assert.Equal(t, 500, c.Compression.ThresholdSizeKB)
	assert.Equal(t, 80, c.Compression.JPEGQuality)
	assert.Equal(t, 8, c.Compression.PNGCompression)
	assert.Equal(t, "adaptive", c.Compression.Algorithm)
	assert.Equal(t, 5, c.Batch.BatchSize)
	assert.Equal(t, filepath.Join(".", "recompressor-temp"), c.Storage.ScratchDirectory)
	assert.Equal(t, 15, c.EventLog.RetentionDays)
}

func TestValidate_ClampsAndDefaults(t *testing.T) {
	c := DefaultConfig()
	c.Compression.ThresholdSizeKB = 50
	c.Compression.JPEGQuality = 150
	c.Compression.PNGCompression = 12
	c.Compression.WebPQuality = -5
	c.Compression.Algorithm = "smart"
	c.Batch.BatchSize = 0
	c.Batch.Concurrency = 100
	c.Batch.Delay = -time.Second
	c.Storage.OrphanMaxAge = 0
	c.EventLog.RetentionDays = 99999
	c.Logging.Level = "TRACE"

	require.NoError(t, c.Validate())

	assert.Equal(t, 100, c.Compression.ThresholdSizeKB)
	assert.Equal(t, 100, c.Compression.JPEGQuality)
	assert.Equal(t, 9, c.Compression.PNGCompression)
	assert.Equal(t, 1, c.Compression.WebPQuality)
	assert.Equal(t, "adaptive", c.Compression.Algorithm)
	assert.Equal(t, 5, c.Batch.BatchSize)
	assert.Equal(t, 32, c.Batch.Concurrency)
	assert.Zero(t, c.Batch.Delay)
	assert.Equal(t, 24*time.Hour, c.Storage.OrphanMaxAge)
	assert.Equal(t, 3650, c.EventLog.RetentionDays)
	assert.Equal(t, "info", c.Logging.Level)
}

func TestValidate_PNGLevelZeroIsKept(t *testing.T) {
	c := DefaultConfig()
	c.Compression.PNGCompression = 0
	require.NoError(t, c.Validate())
	assert.Equal(t, 0, c.Compression.PNGCompression)
}

func TestValidate_EmptyDatabasePath(t *testing.T) {
	c := DefaultConfig()
	c.Storage.DatabasePath = " "
	assert.Error(t, c.Validate())
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
compression:
  jpeg_quality: 70
  algorithm: linear
batch:
  batch_size: 10
  delay: 250ms
storage:
  library_root: /srv/media
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))
	t.Setenv("RECOMPRESSOR_COMPRESSION_WEBP_QUALITY", "60")

	c, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 70, c.Compression.JPEGQuality)
	assert.Equal(t, "linear", c.Compression.Algorithm)
	assert.Equal(t, 60, c.Compression.WebPQuality)
	assert.Equal(t, 10, c.Batch.BatchSize)
	assert.Equal(t, 250*time.Millisecond, c.Batch.Delay)
	assert.Equal(t, "/srv/media/recompressor-temp", c.Storage.ScratchDirectory)
	assert.Equal(t, 500, c.Compression.ThresholdSizeKB)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestThresholdBytes(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, int64(500*1024), c.Compression.ThresholdBytes())
}

func TestQualityAlgorithm(t *testing.T) {
	c := DefaultConfig().Compression
	assert.Equal(t, quality.Adaptive, c.QualityAlgorithm())

	c.Algorithm = "linear"
	assert.Equal(t, quality.Linear, c.QualityAlgorithm())

	c.Algorithm = "bogus"
	assert.Equal(t, quality.Adaptive, c.QualityAlgorithm())
}
