package main

import (
	"fmt"

	"media-recompressor/internal/batch"
	"media-recompressor/internal/codec"
	"media-recompressor/internal/compressor"
	"media-recompressor/internal/config"
	"media-recompressor/internal/database"
	"media-recompressor/internal/eventlog"
	"media-recompressor/internal/registry"
	"media-recompressor/internal/selector"
	"media-recompressor/internal/statistics"
	"media-recompressor/internal/transaction"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gorm.io/gorm"
)

// app holds the wired components shared by all commands.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	db       *gorm.DB
	stats    *statistics.Statistics
	registry *registry.Store
	events   *eventlog.Store
	tx       *transaction.Manager
	service  *compressor.Service
	driver   *batch.Driver
	metadata *codec.MetadataPreserver
}

func newApp(cfg *config.Config, log *logrus.Logger) (*app, error) {
	models := append(registry.Models(), eventlog.Models()...)
	db, err := database.Open(cfg.Storage.DatabasePath, log, models...)
	if err != nil {
		return nil, err
	}

	fs := afero.NewOsFs()
	if err := fs.MkdirAll(cfg.Storage.ScratchDirectory, 0755); err != nil {
		database.Close(db)
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		stats:    statistics.NewStatistics(),
		registry: registry.NewStore(db),
		events:   eventlog.NewStore(db),
		tx:       transaction.NewManager(fs, cfg.Storage.ScratchDirectory, log),
	}

	codecs := codec.NativeOptions()
	if codecs.WebPEncoder == nil {
		log.Info("Built without native codecs: WebP assets are skipped with a capability error, TIFF is stored as Deflate")
	}

	deps := compressor.Deps{
		Registry:     a.registry,
		Events:       a.events,
		Adapters:     codec.NewSet(codecs),
		Transactions: a.tx,
		Fs:           fs,
		Settings:     cfg.Compression,
		Stats:        a.stats,
		Logger:       log,
	}
	if cfg.Compression.PreserveMetadata {
		mp, err := codec.NewMetadataPreserver(log)
		if err != nil {
			log.WithError(err).Warn("Metadata preservation disabled")
		} else {
			a.metadata = mp
			deps.Metadata = mp
		}
	}
	a.service = compressor.New(deps)

	a.driver = batch.NewDriver(
		selector.New(a.registry),
		a.service,
		a.events,
		a.stats,
		log,
		cfg.Batch.BatchSize,
		cfg.Batch.Concurrency,
	)
	return a, nil
}

func (a *app) Close() {
	if a.metadata != nil {
		if err := a.metadata.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to stop exiftool")
		}
	}
	if err := database.Close(a.db); err != nil {
		a.log.WithError(err).Warn("Failed to close database")
	}
}
