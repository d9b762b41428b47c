package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"media-recompressor/internal/quality"

	"github.com/spf13/viper"
)

// Config represents the main configuration structure
type Config struct {
	Compression CompressionConfig `mapstructure:"compression"`
	Batch       BatchConfig       `mapstructure:"batch"`
	Storage     StorageConfig     `mapstructure:"storage"`
	EventLog    EventLogConfig    `mapstructure:"event_log"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// CompressionConfig contains the recompression settings
type CompressionConfig struct {
	ThresholdSizeKB  int    `mapstructure:"threshold_size_kb"`
	JPEGQuality      int    `mapstructure:"jpeg_quality"`
	PNGCompression   int    `mapstructure:"png_compression"`
	WebPQuality      int    `mapstructure:"webp_quality"`
	AutoCompress     bool   `mapstructure:"auto_compress"`
	CompressOriginal bool   `mapstructure:"compress_original"`
	Algorithm        string `mapstructure:"algorithm"`
	PreserveMetadata bool   `mapstructure:"preserve_metadata"`
}

// BatchConfig contains batch driver settings
type BatchConfig struct {
	BatchSize   int           `mapstructure:"batch_size"`
	Concurrency int           `mapstructure:"concurrency"`
	Delay       time.Duration `mapstructure:"delay"`
}

// StorageConfig contains file system and database locations
type StorageConfig struct {
	LibraryRoot      string        `mapstructure:"library_root"`
	DatabasePath     string        `mapstructure:"database_path"`
	ScratchDirectory string        `mapstructure:"scratch_directory"`
	OrphanMaxAge     time.Duration `mapstructure:"orphan_max_age"`
}

// EventLogConfig contains event log retention settings
type EventLogConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
	Console    bool   `mapstructure:"console"`
}

const (
	DefaultThresholdKB    = 500
	DefaultJPEGQuality    = 80
	DefaultPNGCompression = 8
	DefaultWebPQuality    = 80
	DefaultBatchSize      = 5
	DefaultRetentionDays  = 15
	DefaultPort           = 8080

	scratchDirName = "recompressor-temp"
)

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Compression: CompressionConfig{
			ThresholdSizeKB:  DefaultThresholdKB,
			JPEGQuality:      DefaultJPEGQuality,
			PNGCompression:   DefaultPNGCompression,
			WebPQuality:      DefaultWebPQuality,
			AutoCompress:     true,
			CompressOriginal: true,
			Algorithm:        string(quality.Adaptive),
			PreserveMetadata: false,
		},
		Batch: BatchConfig{
			BatchSize:   DefaultBatchSize,
			Concurrency: 1,
			Delay:       time.Second,
		},
		Storage: StorageConfig{
			LibraryRoot:  ".",
			DatabasePath: "recompressor.db",
			OrphanMaxAge: 24 * time.Hour,
		},
		EventLog: EventLogConfig{
			RetentionDays: DefaultRetentionDays,
		},
		Server: ServerConfig{
			Port: DefaultPort,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "recompressor.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
			Console:    true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()
	v := viper.New()

	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config file in current directory and home directory
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.recompressor")
		v.AddConfigPath("/etc/recompressor")
	}

	// Enable environment variable support
	v.SetEnvPrefix("RECOMPRESSOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v, config)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// bindEnvKeys registers every key so AutomaticEnv also applies to keys
// missing from the config file.
func bindEnvKeys(v *viper.Viper, c *Config) {
	defaults := map[string]interface{}{
		"compression.threshold_size_kb": c.Compression.ThresholdSizeKB,
		"compression.jpeg_quality":      c.Compression.JPEGQuality,
		"compression.png_compression":   c.Compression.PNGCompression,
		"compression.webp_quality":      c.Compression.WebPQuality,
		"compression.auto_compress":     c.Compression.AutoCompress,
		"compression.compress_original": c.Compression.CompressOriginal,
		"compression.algorithm":         c.Compression.Algorithm,
		"compression.preserve_metadata": c.Compression.PreserveMetadata,
		"batch.batch_size":              c.Batch.BatchSize,
		"batch.concurrency":             c.Batch.Concurrency,
		"batch.delay":                   c.Batch.Delay,
		"storage.library_root":          c.Storage.LibraryRoot,
		"storage.database_path":         c.Storage.DatabasePath,
		"storage.scratch_directory":     c.Storage.ScratchDirectory,
		"storage.orphan_max_age":        c.Storage.OrphanMaxAge,
		"event_log.retention_days":      c.EventLog.RetentionDays,
		"server.port":                   c.Server.Port,
		"logging.level":                 c.Logging.Level,
		"logging.file_path":             c.Logging.FilePath,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Validate normalizes the configuration. Out of range values are clamped and
// missing or unknown values fall back to their defaults; only settings that
// cannot be repaired are reported.
func (c *Config) Validate() error {
	d := DefaultConfig()

	cc := &c.Compression
	cc.ThresholdSizeKB = clampOrDefault(cc.ThresholdSizeKB, 100, 10000, d.Compression.ThresholdSizeKB)
	cc.JPEGQuality = clampOrDefault(cc.JPEGQuality, quality.MinQuality, quality.MaxQuality, d.Compression.JPEGQuality)
	cc.PNGCompression = clamp(cc.PNGCompression, 0, 9)
	cc.WebPQuality = clampOrDefault(cc.WebPQuality, quality.MinQuality, quality.MaxQuality, d.Compression.WebPQuality)
	alg, _ := quality.ParseAlgorithm(cc.Algorithm)
	cc.Algorithm = string(alg)

	c.Batch.BatchSize = clampOrDefault(c.Batch.BatchSize, 1, 100, d.Batch.BatchSize)
	c.Batch.Concurrency = clampOrDefault(c.Batch.Concurrency, 1, 32, d.Batch.Concurrency)
	if c.Batch.Delay < 0 {
		c.Batch.Delay = 0
	}

	if strings.TrimSpace(c.Storage.LibraryRoot) == "" {
		c.Storage.LibraryRoot = d.Storage.LibraryRoot
	}
	c.Storage.LibraryRoot = expandPath(c.Storage.LibraryRoot)
	if strings.TrimSpace(c.Storage.DatabasePath) == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	c.Storage.DatabasePath = expandPath(c.Storage.DatabasePath)
	if strings.TrimSpace(c.Storage.ScratchDirectory) == "" {
		c.Storage.ScratchDirectory = filepath.Join(c.Storage.LibraryRoot, scratchDirName)
	}
	c.Storage.ScratchDirectory = expandPath(c.Storage.ScratchDirectory)
	if c.Storage.OrphanMaxAge <= 0 {
		c.Storage.OrphanMaxAge = d.Storage.OrphanMaxAge
	}

	c.EventLog.RetentionDays = clampOrDefault(c.EventLog.RetentionDays, 1, 3650, d.EventLog.RetentionDays)
	c.Server.Port = clampOrDefault(c.Server.Port, 1, 65535, d.Server.Port)

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	if !validLogLevels[c.Logging.Level] {
		c.Logging.Level = d.Logging.Level
	}

	return nil
}

// QualityAlgorithm returns the parsed compression algorithm. Unknown names
// fall back to adaptive.
func (c *CompressionConfig) QualityAlgorithm() quality.Algorithm {
	alg, _ := quality.ParseAlgorithm(c.Algorithm)
	return alg
}

// ThresholdBytes returns the ingestion threshold in bytes.
func (c *CompressionConfig) ThresholdBytes() int64 {
	return int64(c.ThresholdSizeKB) * 1024
}

// Helper functions

func clamp(v, lo, hi int) int {
	return min(hi, max(lo, v))
}

// clampOrDefault treats zero as unset.
func clampOrDefault(v, lo, hi, def int) int {
	if v == 0 {
		return def
	}
	return clamp(v, lo, hi)
}

func expandPath(path string) string {
	expanded := os.ExpandEnv(path)
	if strings.HasPrefix(expanded, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			expanded = filepath.Join(home, expanded[1:])
		}
	}
	return expanded
}
