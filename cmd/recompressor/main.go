package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"media-recompressor/internal/batch"
	"media-recompressor/internal/compressor"
	"media-recompressor/internal/config"
	"media-recompressor/internal/eventlog"
	"media-recompressor/internal/logger"
	"media-recompressor/internal/selector"
	"media-recompressor/internal/statistics"
	"media-recompressor/internal/web"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	libraryRoot string
	verbose     bool
	quiet       bool
	port        int
	batchSize   int
	concurrency int
	delay       time.Duration
	declared    string
	logLimit    int
	logCategory string
	statsSince  time.Duration
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "recompressor",
	Short: "Recompress the images of a media library in place",
	Long: `Recompressor re-encodes the images of a media library to save disk space.
Every file is replaced through a backup, encode and rename sequence so a
library file is never left half written.

Features:
- JPEG, PNG, WebP, GIF, BMP, TIFF and ICO support
- Size dependent JPEG quality (adaptive, linear or fixed)
- Keeps the original whenever the re-encoded file is not smaller
- Resumable batch runs with progress reporting
- Event log with lifetime savings statistics`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP control surface",
	Long: `Starts the HTTP API used to drive batches, compress single assets and
read statistics. Progress is pushed to WebSocket clients on /ws.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var importCmd = &cobra.Command{
	Use:   "import [directory]",
	Short: "Register the images under a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runImport(args)
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Recompress every pending asset",
	Long: `Runs batches until no pending asset is left. Interrupting the command
stops it between two batches; already compressed assets are kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch()
	},
}

var compressCmd = &cobra.Command{
	Use:   "compress <asset-id>",
	Short: "Recompress a single asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(args[0])
	},
}

var recompressCmd = &cobra.Command{
	Use:   "recompress <asset-id>",
	Short: "Flag an asset so the next batch processes it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecompress(args[0])
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Run the upload hook on a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(args[0])
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show compression statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats()
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent compression events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLogs()
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove orphaned backups, stale temp files and expired events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&libraryRoot, "library", "", "library root directory")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	serveCmd.Flags().IntVar(&port, "port", 0, "port to run the server on (default from config)")

	batchCmd.Flags().IntVar(&batchSize, "batch-size", 0, "assets per batch (default from config)")
	batchCmd.Flags().IntVar(&concurrency, "concurrency", 0, "assets compressed in parallel (default from config)")
	batchCmd.Flags().DurationVar(&delay, "delay", -1, "pause between batches (default from config)")

	ingestCmd.Flags().StringVar(&declared, "type", "", "declared MIME type of the file")

	statsCmd.Flags().DurationVar(&statsSince, "since", 0, "only count compressions within this window (e.g. 24h)")

	logsCmd.Flags().IntVar(&logLimit, "limit", 20, "number of events to show")
	logsCmd.Flags().StringVar(&logCategory, "category", "", "only show events of this category (auto, manual, error, info)")

	rootCmd.AddCommand(serveCmd, importCmd, batchCmd, compressCmd, recompressCmd,
		ingestCmd, statsCmd, logsCmd, sweepCmd)
}

func runServe() error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	if port > 0 {
		a.cfg.Server.Port = port
	}

	server := web.NewServer(web.Deps{
		Config:  a.cfg,
		Batches: a.driver,
		Assets:  a.service,
		Events:  a.events,
		Sweeper: a.tx,
		Stats:   a.stats,
		Logger:  a.log,
	})
	a.driver.OnProgress(server.NotifyProgress)
	a.service.OnCompressed(server.NotifyCompressed)

	if n, err := a.tx.Sweep(a.cfg.Storage.OrphanMaxAge, a.cfg.Storage.LibraryRoot); err != nil {
		a.log.WithError(err).Warn("Startup sweep failed")
	} else if n > 0 {
		a.log.Infof("Removed %d orphaned transaction files", n)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Start(a.cfg.Server.Port); err != nil && err != http.ErrServerClosed {
			a.log.Fatalf("Server failed to start: %v", err)
		}
	}()

	fmt.Printf("Recompressor API listening on http://localhost:%d\n", a.cfg.Server.Port)
	fmt.Printf("Press Ctrl+C to stop the server\n\n")

	<-sigChan
	fmt.Println("\nShutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	fmt.Println("Server stopped")
	return nil
}

func runImport(args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	root := a.cfg.Storage.LibraryRoot
	if len(args) > 0 {
		root = args[0]
	}
	if !dirExists(root) {
		return fmt.Errorf("directory does not exist: %s", root)
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}

	ctx, stop := signalContext()
	defer stop()

	scratch := a.cfg.Storage.ScratchDirectory
	if abs, err := filepath.Abs(scratch); err == nil {
		scratch = abs
	}
	n, err := a.service.ImportTree(ctx, root, scratch)
	if err != nil {
		return err
	}
	printf("Registered %d images under %s\n", n, root)
	return nil
}

func runBatch() error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if batchSize > 0 {
		cfg.Batch.BatchSize = batchSize
	}
	if concurrency > 0 {
		cfg.Batch.Concurrency = concurrency
	}
	if delay >= 0 {
		cfg.Batch.Delay = delay
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	a.driver.OnProgress(func(p *batch.Progress) {
		printf("%s\n", p.Message)
	})

	ctx, stop := signalContext()
	defer stop()

	p, err := a.driver.Run(ctx, cfg.Batch.Delay)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("batch run failed: %w", err)
	}
	if p != nil && !p.Done {
		printf("Interrupted after %d assets; resume with another batch run\n", p.TotalProcessed)
	}

	if !quiet {
		fmt.Println("\n" + a.stats.GetSummary())
		fmt.Println("\n" + a.stats.GetFormatBreakdown())
		fmt.Println(a.stats.GetErrorSummary())
	}
	return nil
}

func runCompress(arg string) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.service.CompressAsset(context.Background(), id, compressor.TriggerManual)
	if err != nil {
		return err
	}
	printOutcome(out)
	if !out.Success && out.Applicable {
		return fmt.Errorf("asset %d was not compressed", id)
	}
	return nil
}

func runRecompress(arg string) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.service.MarkForRecompression(context.Background(), id); err != nil {
		return err
	}
	printf("Asset %d will be recompressed by the next batch\n", id)
	return nil
}

func runIngest(path string) error {
	if !fileExists(path) {
		return fmt.Errorf("file does not exist: %s", path)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.service.Ingest(context.Background(), compressor.Upload{Path: path, DeclaredType: declared})
	if err != nil {
		return err
	}
	printOutcome(out)
	return nil
}

func runStats() error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	var agg *eventlog.Aggregate
	if statsSince > 0 {
		agg, err = a.events.AggregateSince(ctx, time.Now().Add(-statsSince))
	} else {
		agg, err = a.events.Aggregate(ctx)
	}
	if err != nil {
		return err
	}
	totals, err := a.events.Totals(ctx)
	if err != nil {
		return err
	}
	pending, err := selector.New(a.registry).CountRemaining(ctx)
	if err != nil {
		return err
	}

	fmt.Println("==================================================")
	fmt.Println("COMPRESSION STATISTICS")
	fmt.Println("==================================================")
	fmt.Printf("Pending assets:       %d\n", pending)
	if statsSince > 0 {
		fmt.Printf("Window:               last %s\n", statsSince)
	}
	fmt.Printf("Logged compressions:  %d\n", agg.Count)
	fmt.Printf("Logged savings:       %s (%.2f%% on average)\n", statistics.FormatBytes(agg.TotalSaved), agg.AvgSavedPercent)
	if agg.LastTimestamp != nil {
		fmt.Printf("Last compression:     %s\n", agg.LastTimestamp.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Lifetime compressions: %d\n", totals.Compressions)
	fmt.Printf("Lifetime savings:     %s of %s\n", statistics.FormatBytes(totals.Saved()), statistics.FormatBytes(totals.TotalOriginalSize))
	return nil
}

func runLogs() error {
	category := eventlog.Category(logCategory)
	if category != "" && !category.Valid() {
		return fmt.Errorf("unknown category %q", logCategory)
	}
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	events, err := a.events.Recent(context.Background(), logLimit, category)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No events logged")
		return nil
	}
	for _, e := range events {
		fmt.Printf("[%s] %-6s %s\n", e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Category, e.Message)
	}
	return nil
}

func runSweep() error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	removed, err := a.tx.Sweep(a.cfg.Storage.OrphanMaxAge, a.cfg.Storage.LibraryRoot)
	if err != nil {
		return err
	}
	deleted, err := a.events.Cleanup(context.Background(), a.cfg.EventLog.RetentionDays)
	if err != nil {
		return err
	}
	printf("Removed %d orphaned transaction files and %d events older than %d days\n", removed, deleted, a.cfg.EventLog.RetentionDays)
	return nil
}

// setup loads the configuration and wires the application.
func setup() (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(cfg, log)
}

// loadConfig loads configuration and applies CLI overrides.
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if libraryRoot != "" {
		cfg.Storage.LibraryRoot = libraryRoot
		cfg.Storage.ScratchDirectory = ""
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	return cfg, setupLogger(cfg), nil
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.FromConfig(cfg.Logging)
	if quiet {
		loggerCfg.Console = false
		loggerCfg.Level = "error"
	}
	if verbose {
		loggerCfg.Level = "debug"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid asset id %q", s)
	}
	return uint(id), nil
}

func printOutcome(out *compressor.Outcome) {
	if out.Message != "" {
		printf("%s\n", out.Message)
	}
	if out.Success && out.OriginalSize > 0 {
		printf("  %s -> %s (%.2f%% saved, status %s)\n",
			statistics.FormatBytes(out.OriginalSize),
			statistics.FormatBytes(out.CompressedSize),
			out.SavedPercent,
			out.Status)
	}
}

func printf(format string, args ...interface{}) {
	if !quiet {
		fmt.Printf(format, args...)
	}
}

// fileExists returns true if the given path exists and is a file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// dirExists returns true if the given path exists and is a directory.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
