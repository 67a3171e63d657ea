package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandrodnm/domasync/config"
	"github.com/alejandrodnm/domasync/internal/adapters/notify"
	"github.com/alejandrodnm/domasync/internal/adapters/storage"
	"github.com/alejandrodnm/domasync/internal/domain"
	"github.com/alejandrodnm/domasync/internal/feed"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print full tables (default: compact 1-line)")
	once := flag.Bool("once", false, "full refresh, print the snapshot and exit")
	capture := flag.String("capture", "", "on|off: enable or disable capture and persist the choice")
	export := flag.String("export", "", "write the session capture to this file on exit")
	manifest := flag.String("replay", "", "replay a JSONL manifest instead of connecting")
	importPath := flag.String("import", "", "replay an exported capture file")
	speed := flag.Duration("speed", 0, "interval between captured events on replay (persisted)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	mode := "live"
	if *manifest != "" || *importPath != "" {
		mode = "replay"
	}
	slog.Info("domasync starting",
		"config", *configPath,
		"mode", mode,
		"ws", cfg.Feed.WSURL,
		"api", cfg.API.BaseURL,
		"once", *once,
	)

	db, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer db.Close()

	console := notify.NewConsole(*table)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if mode == "replay" {
		err = runReplay(ctx, cfg, db, console, replayOptions{
			manifest: *manifest,
			capture:  *importPath,
			speed:    *speed,
		})
	} else {
		err = runLive(ctx, cfg, db, console, liveOptions{
			once:    *once,
			capture: *capture,
			export:  *export,
		})
	}
	if err != nil {
		slog.Error("domasync exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("domasync stopped cleanly")
}

// feedConfig traduce la configuración de archivo a la del feed.
func feedConfig(cfg *config.Config) feed.Config {
	fc := feed.DefaultConfig()
	fc.Collections = cfg.API.Collections
	fc.CaptureMaxEvents = cfg.Feed.CaptureMaxEvents
	fc.CaptureEnabled = cfg.CaptureEnabled()
	fc.BackfillTimeout = cfg.BackfillTimeout()
	fc.RefreshInterval = cfg.RefreshInterval()
	fc.Timeouts = map[domain.OptimisticKind]time.Duration{
		domain.KindListing: seconds(cfg.Optimistic.ListingTimeoutSeconds),
		domain.KindOffer:   seconds(cfg.Optimistic.OfferTimeoutSeconds),
		domain.KindCancel:  seconds(cfg.Optimistic.CancelTimeoutSeconds),
		domain.KindBuy:     seconds(cfg.Optimistic.BuyTimeoutSeconds),
	}
	return fc
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
