package logger

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 500 * time.Millisecond

// GormLogger forwards gorm's SQL logging to logrus.
type GormLogger struct {
	logger *logrus.Logger
	level  gormlogger.LogLevel
}

// NewGormLogger returns a gorm logger that reports errors and slow queries.
func NewGormLogger(logger *logrus.Logger) *GormLogger {
	return &GormLogger{logger: logger, level: gormlogger.Warn}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &GormLogger{logger: l.logger, level: level}
}

func (l *GormLogger) Info(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		l.logger.WithField("component", "gorm").Infof(msg, data...)
	}
}

func (l *GormLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.logger.WithField("component", "gorm").Warnf(msg, data...)
	}
}

func (l *GormLogger) Error(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		l.logger.WithField("component", "gorm").Errorf(msg, data...)
	}
}

func (l *GormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	entry := l.logger.WithFields(logrus.Fields{
		"component": "gorm",
		"elapsed":   elapsed.String(),
		"rows":      rows,
		"sql":       sql,
	})

	switch {
	case err != nil && l.level >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		entry.WithError(err).Error("Query failed")
	case elapsed > slowQueryThreshold && l.level >= gormlogger.Warn:
		entry.Warn("Slow query")
	case l.level >= gormlogger.Info:
		entry.Debug("Query")
	}
}
