package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/alejandrodnm/domasync/config"
	"github.com/alejandrodnm/domasync/internal/adapters/notify"
	"github.com/alejandrodnm/domasync/internal/adapters/storage"
	"github.com/alejandrodnm/domasync/internal/clock"
	"github.com/alejandrodnm/domasync/internal/feed"
	"github.com/alejandrodnm/domasync/internal/state"
)

type replayOptions struct {
	manifest string
	capture  string
	speed    time.Duration
}

// runReplay reproduce un manifest o una captura sobre un feed limpio, sin
// transport ni backfill. El estado final se imprime al terminar.
func runReplay(ctx context.Context, cfg *config.Config, db *storage.SQLiteStorage, console *notify.Console, opts replayOptions) error {
	src, err := loadSource(cfg, opts)
	if err != nil {
		return err
	}

	store := state.NewStore()
	f := feed.New(feedConfig(cfg), nil, store, nil, console, nil)
	defer f.Close()
	f.Subscribe(store.Handle)

	engine := feed.NewReplayEngine(clock.Real{}, f, replaySpeed(ctx, cfg, db, opts.speed), cfg.Replay.Scale)
	engine.OnProgress(console.Progress)

	if err := engine.Start(ctx, src); err != nil {
		return fmt.Errorf("replay start: %w", err)
	}

	select {
	case <-engine.Done():
	case <-ctx.Done():
		engine.Stop()
		slog.Info("replay: interrupted", "progress", engine.Progress())
	}

	f.Wait()
	console.PrintSnapshot(store.Snapshot(), f.State())
	return nil
}

func loadSource(cfg *config.Config, opts replayOptions) (feed.Source, error) {
	if opts.manifest != "" {
		file, err := os.Open(opts.manifest)
		if err != nil {
			return feed.Source{}, fmt.Errorf("open manifest: %w", err)
		}
		defer file.Close()

		lines, skipped, err := feed.ParseManifest(file)
		if err != nil {
			return feed.Source{}, fmt.Errorf("parse manifest: %w", err)
		}
		slog.Info("replay: manifest loaded", "path", opts.manifest, "events", len(lines), "skipped", skipped)
		return feed.ManifestSource(lines), nil
	}

	body, err := os.ReadFile(opts.capture)
	if err != nil {
		return feed.Source{}, fmt.Errorf("load capture: %w", err)
	}

	buf := feed.NewCaptureBuffer(cfg.Feed.CaptureMaxEvents)
	n, err := buf.Import(body)
	if err != nil {
		return feed.Source{}, fmt.Errorf("import capture: %w", err)
	}
	slog.Info("replay: capture loaded", "path", opts.capture, "events", n)
	return feed.CaptureSource(buf.All()), nil
}

// replaySpeed resuelve la velocidad: flag > preferencia guardada > config.
// Un valor de flag se persiste para la próxima sesión.
func replaySpeed(ctx context.Context, cfg *config.Config, db *storage.SQLiteStorage, flagSpeed time.Duration) time.Duration {
	if flagSpeed > 0 {
		if err := db.Set(ctx, feed.PrefReplaySpeedMS, strconv.FormatInt(flagSpeed.Milliseconds(), 10)); err != nil {
			slog.Warn("replay: could not persist speed", "err", err)
		}
		return flagSpeed
	}

	v, ok, err := db.Get(ctx, feed.PrefReplaySpeedMS)
	if err != nil {
		slog.Warn("replay: could not read speed preference", "err", err)
	}
	if ok {
		if ms, perr := strconv.ParseInt(v, 10, 64); perr == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return cfg.ReplaySpeed()
}
