package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/alejandrodnm/domasync/config"
	"github.com/alejandrodnm/domasync/internal/adapters/doma"
	"github.com/alejandrodnm/domasync/internal/adapters/notify"
	"github.com/alejandrodnm/domasync/internal/adapters/storage"
	"github.com/alejandrodnm/domasync/internal/adapters/ws"
	"github.com/alejandrodnm/domasync/internal/feed"
	"github.com/alejandrodnm/domasync/internal/ports"
	"github.com/alejandrodnm/domasync/internal/state"
)

const snapshotInterval = 10 * time.Second

type liveOptions struct {
	once    bool
	capture string // "", "on" u "off"
	export  string
}

// subscribeMessage se envía en cada (re)conexión para reanudar desde el cursor.
type subscribeMessage struct {
	Type        string   `json:"type"`
	Collections []string `json:"collections"`
	SinceSeq    int64    `json:"since_seq"`
}

func runLive(ctx context.Context, cfg *config.Config, db *storage.SQLiteStorage, console *notify.Console, opts liveOptions) error {
	client := doma.NewClient(cfg.API.BaseURL)
	store := state.NewStore()

	f := feed.New(feedConfig(cfg), client, store, db, console, nil)
	defer f.Close()
	f.Subscribe(store.Handle)

	if err := f.Restore(ctx); err != nil {
		slog.Warn("live: could not restore preferences", "err", err)
	}
	if opts.capture != "" {
		if err := f.SetCapture(ctx, opts.capture == "on"); err != nil {
			slog.Warn("live: could not persist capture flag", "err", err)
		}
	}

	if opts.once {
		if err := f.Refresh(ctx); err != nil {
			return fmt.Errorf("initial refresh: %w", err)
		}
		console.PrintSnapshot(store.Snapshot(), f.State())
		return nil
	}

	wsCfg := ws.DefaultConfig()
	wsCfg.ReadTimeout = cfg.ReadTimeout()
	transport := ws.NewClient(cfg.Feed.WSURL, &wsCfg)
	transport.OnConnect(func() []byte {
		msg, err := json.Marshal(subscribeMessage{
			Type:        "subscribe",
			Collections: cfg.API.Collections,
			SinceSeq:    f.State().LastAppliedSeq,
		})
		if err != nil {
			slog.Warn("live: could not build subscribe message", "err", err)
			return nil
		}
		return msg
	})

	slog.Info("live: starting",
		"capture", f.Capture().Enabled(),
		"last_seq", f.State().LastAppliedSeq,
		"refresh", cfg.RefreshInterval(),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pump(ctx, transport, f); err != nil {
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = feed.NewRefresher(f, cfg.RefreshInterval()).Run(ctx, true)
	}()

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-errCh:
			runErr = fmt.Errorf("transport: %w", err)
			break loop
		case <-ticker.C:
			console.PrintSnapshot(store.Snapshot(), f.State())
		}
	}

	cancel()
	wg.Wait()
	console.PrintSnapshot(store.Snapshot(), f.State())
	if opts.export != "" {
		exportCapture(f.Capture(), opts.export)
	}
	return runErr
}

// pump conecta el transport al feed: cada mensaje entra por IngestRaw y los
// cambios de conexión disparan el catch-up.
func pump(ctx context.Context, t ports.Transport, f *feed.Feed) error {
	return t.Run(ctx,
		func(data []byte) {
			if _, err := f.IngestRaw(ctx, data); err != nil {
				slog.Debug("live: dropping message", "err", err)
			}
		},
		f.SetConnected,
	)
}

// exportCapture escribe la captura de la sesión en path.
func exportCapture(buf *feed.CaptureBuffer, path string) {
	body, err := buf.Export()
	if err != nil {
		slog.Warn("live: could not export capture", "err", err)
		return
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		slog.Warn("live: could not write capture", "path", path, "err", err)
		return
	}
	slog.Info("live: capture exported", "path", path, "events", buf.Len())
}
