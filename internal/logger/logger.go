package logger

import (
	"io"
	"os"
	"path/filepath"

	"media-recompressor/internal/config"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerConfig defines the configuration for the logger.
type LoggerConfig struct {
	Level      string // Log level (e.g., "info", "debug", "error")
	FilePath   string // Path to the log file
	MaxSize    int    // Maximum size in megabytes before log rotation
	MaxBackups int    // Maximum number of old log files to retain
	MaxAge     int    // Maximum number of days to retain old log files
	Compress   bool   // Whether to compress rotated log files
	Console    bool   // Whether to also log to the console
}

// FromConfig converts the logging section of the application config.
func FromConfig(c config.LoggingConfig) LoggerConfig {
	return LoggerConfig{
		Level:      c.Level,
		FilePath:   c.FilePath,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
		Compress:   c.Compress,
		Console:    c.Console,
	}
}

// NewLogger returns a JSON logrus.Logger writing to a rotated file and, if
// asked or when no file is set, to stderr. Stdout is left to command output.
func NewLogger(cfg LoggerConfig) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
			logrus.FieldKeyFunc:  "function",
		},
	})

	var writers []io.Writer

	if cfg.FilePath != "" {
		dir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}

		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
	}

	if cfg.Console || cfg.FilePath == "" {
		writers = append(writers, os.Stderr)
	}

	if len(writers) > 1 {
		logger.SetOutput(io.MultiWriter(writers...))
	} else {
		logger.SetOutput(writers[0])
	}

	return logger, nil
}

// WithAsset returns a logger entry for one asset.
func WithAsset(logger *logrus.Logger, id uint, path string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"asset_id": id,
		"file":     path,
	})
}

// WithOperation returns a logger entry with the specified operation context.
func WithOperation(logger *logrus.Logger, operation string) *logrus.Entry {
	return logger.WithField("operation", operation)
}

// DefaultConfig returns the default LoggerConfig.
func DefaultConfig() LoggerConfig {
	return FromConfig(config.DefaultConfig().Logging)
}
