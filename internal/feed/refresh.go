package feed

import (
	"context"
	"log/slog"
	"time"
)

// Refresher hace un full refresh periódico de las colecciones. Es la red de
// seguridad cuando el transport se cuelga sin cerrar o un backfill falla.
type Refresher struct {
	feed     *Feed
	interval time.Duration
}

// NewRefresher crea un Refresher. interval <= 0 usa 30s.
func NewRefresher(f *Feed, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Refresher{feed: f, interval: interval}
}

// Run ejecuta el loop hasta que el contexto se cancele.
// Si initial está activo, hace un refresh antes del primer tick.
func (r *Refresher) Run(ctx context.Context, initial bool) error {
	slog.Info("refresher starting", "interval", r.interval)

	if initial {
		r.refresh(ctx)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("refresher stopped")
			return nil
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	start := time.Now()
	if err := r.feed.Refresh(ctx); err != nil {
		slog.Warn("refresh failed", "err", err)
		return
	}
	slog.Debug("refresh complete", "duration", time.Since(start).Round(time.Millisecond))
}
