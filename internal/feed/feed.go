// Package feed es el núcleo de reconciliación del feed en tiempo real:
// gate de secuencia, backfill de gaps, buffer de captura, reconciliación
// optimista y replay, todos detrás de una única entrada (Feed.Ingest).
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/alejandrodnm/domasync/internal/clock"
	"github.com/alejandrodnm/domasync/internal/domain"
	"github.com/alejandrodnm/domasync/internal/ports"
)

// Keys de las preferencias persistidas.
const (
	PrefLastSeq        = "last_seq"
	PrefCaptureEnabled = "capture_enabled"
	PrefReplaySpeedMS  = "replay_speed_ms"
)

// ErrClosed se devuelve al usar un Feed ya cerrado.
var ErrClosed = errors.New("feed closed")

// LocalState es el estado local que el feed mantiene reconciliado.
type LocalState interface {
	Merger
	Placeholders
}

// Config contiene la configuración del feed.
type Config struct {
	Collections      []string
	CaptureMaxEvents int
	CaptureEnabled   bool
	BackfillTimeout  time.Duration
	RefreshInterval  time.Duration
	Timeouts         map[domain.OptimisticKind]time.Duration
}

// DefaultConfig devuelve una configuración sensata para producción.
func DefaultConfig() Config {
	return Config{
		Collections:      []string{"listings", "offers"},
		CaptureMaxEvents: DefaultMaxEvents,
		CaptureEnabled:   true,
		BackfillTimeout:  15 * time.Second,
		RefreshInterval:  30 * time.Second,
		Timeouts:         DefaultTimeouts(),
	}
}

// Feed orquesta el camino de aplicación de eventos. Live (transport) y
// replay entran por Ingest; los consumers se suscriben con Subscribe.
type Feed struct {
	cfg   Config
	prefs ports.Preferences

	mu        sync.Mutex
	gate      *SequenceGate
	connected bool
	dropped   bool // hubo una desconexión desde la última conexión
	closed    bool

	capture    *CaptureBuffer
	bus        *Bus
	optimistic *OptimisticManager
	backfill   *BackfillCoordinator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New crea un Feed con todas las dependencias inyectadas.
// provider, prefs y notifier pueden ser nil; sin provider los gaps se
// cierran sin datos nuevos (replay offline).
func New(
	cfg Config,
	provider ports.BackfillProvider,
	local LocalState,
	prefs ports.Preferences,
	notifier ports.Notifier,
	clk clock.Clock,
) *Feed {
	if clk == nil {
		clk = clock.Real{}
	}
	if len(cfg.Collections) == 0 {
		cfg.Collections = DefaultConfig().Collections
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		cfg:     cfg,
		prefs:   prefs,
		capture: NewCaptureBuffer(cfg.CaptureMaxEvents),
		bus:     NewBus(),
		ctx:     ctx,
		cancel:  cancel,
	}
	f.capture.SetCapture(cfg.CaptureEnabled)
	f.gate = NewSequenceGate(0, f.checkpoint)
	f.optimistic = NewOptimisticManager(clk, local, notifier, cfg.Timeouts)
	f.backfill = NewBackfillCoordinator(provider, local, cfg.Collections, cfg.BackfillTimeout, f.completeGap)
	return f
}

// Restore carga el cursor y el flag de captura persistidos. Un valor
// ilegible se ignora: las preferencias son cache, no fuente de verdad.
func (f *Feed) Restore(ctx context.Context) error {
	if f.prefs == nil {
		return nil
	}

	v, ok, err := f.prefs.Get(ctx, PrefLastSeq)
	if err != nil {
		return fmt.Errorf("feed.Restore: %s: %w", PrefLastSeq, err)
	}
	if ok {
		if seq, perr := strconv.ParseInt(v, 10, 64); perr == nil && seq > 0 {
			f.mu.Lock()
			f.gate = NewSequenceGate(seq, f.checkpoint)
			f.mu.Unlock()
			slog.Info("feed: resumed cursor", "last_seq", seq)
		}
	}

	v, ok, err = f.prefs.Get(ctx, PrefCaptureEnabled)
	if err != nil {
		return fmt.Errorf("feed.Restore: %s: %w", PrefCaptureEnabled, err)
	}
	if ok {
		if enabled, perr := strconv.ParseBool(v); perr == nil {
			f.capture.SetCapture(enabled)
		}
	}
	return nil
}

// Ingest pasa ev por el gate y, si pasa, lo graba, reconcilia las entradas
// optimistas y lo publica a los consumers. Un GapDetected lanza el backfill
// en segundo plano; el evento se entrega sin esperar a que termine.
//
// Los handlers del bus corren dentro de Ingest y no deben llamarlo.
func (f *Feed) Ingest(_ context.Context, ev domain.Event) domain.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return domain.Ignored
	}
	if ev.Type == domain.EventHello {
		slog.Debug("feed: hello")
		return domain.Ignored
	}

	before := f.gate.State()
	d := f.gate.Apply(ev)
	seq, _ := ev.SeqValue()
	if !d.Passes() {
		slog.Debug("feed: stale event", "type", ev.Type, "seq", seq, "last_seq", before.LastAppliedSeq)
		return d
	}

	f.capture.Push(ev)
	f.optimistic.Observe(ev)
	f.bus.Publish(ev)

	if d == domain.GapDetected {
		slog.Info("feed: gap detected", "seq", seq, "last_seq", before.LastAppliedSeq)
		f.startBackfillLocked(before.LastAppliedSeq)
	}
	return d
}

// IngestRaw parsea un mensaje del transport y lo pasa a Ingest.
func (f *Feed) IngestRaw(ctx context.Context, data []byte) (domain.Decision, error) {
	ev, err := domain.ParseEvent(data)
	if err != nil {
		return domain.Ignored, fmt.Errorf("feed.IngestRaw: %w", err)
	}
	return f.Ingest(ctx, ev), nil
}

// Subscribe registra un consumer para los tipos dados (todos si no hay).
func (f *Feed) Subscribe(h Handler, types ...string) func() {
	return f.bus.Subscribe(h, types...)
}

// SetConnected recibe el estado del transport. Al reconectar tras una caída
// se lanza un backfill desde el cursor para cubrir lo perdido.
func (f *Feed) SetConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if connected == f.connected {
		return
	}
	f.connected = connected
	if !connected {
		f.dropped = true
		slog.Warn("feed: transport disconnected")
		return
	}

	slog.Info("feed: transport connected")
	if f.dropped {
		f.dropped = false
		f.startBackfillLocked(f.gate.State().LastAppliedSeq)
	}
}

// Connected devuelve el último estado conocido del transport.
func (f *Feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Register registra una mutación optimista y muestra su placeholder.
func (f *Feed) Register(entry domain.OptimisticEntry, p domain.Placeholder) (string, error) {
	if f.isClosed() {
		return "", ErrClosed
	}
	return f.optimistic.Register(entry, p)
}

// PendingOptimistic devuelve los tempIDs sin resolver.
func (f *Feed) PendingOptimistic() []string {
	return f.optimistic.Pending()
}

// Capture devuelve el buffer de captura.
func (f *Feed) Capture() *CaptureBuffer { return f.capture }

// SetCapture activa o desactiva la captura y lo persiste.
func (f *Feed) SetCapture(ctx context.Context, enabled bool) error {
	f.capture.SetCapture(enabled)
	if f.prefs == nil {
		return nil
	}
	if err := f.prefs.Set(ctx, PrefCaptureEnabled, strconv.FormatBool(enabled)); err != nil {
		return fmt.Errorf("feed.SetCapture: %w", err)
	}
	return nil
}

// State devuelve el estado del gate.
func (f *Feed) State() domain.SequenceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gate.State()
}

// BackfillRuns devuelve cuántos backfills de gap se han lanzado.
func (f *Feed) BackfillRuns() int64 { return f.backfill.Runs() }

// Refresh hace un full refresh de todas las colecciones.
func (f *Feed) Refresh(ctx context.Context) error {
	if f.isClosed() {
		return ErrClosed
	}
	_, err := f.backfill.Refresh(ctx)
	return err
}

// ResetSequence vuelve el gate a cero para reproducir una sesión desde el
// principio. No toca el cursor persistido.
func (f *Feed) ResetSequence() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = NewSequenceGate(0, f.checkpoint)
}

// Wait espera a que terminen los backfills en curso.
func (f *Feed) Wait() {
	f.wg.Wait()
}

// Close cancela los backfills y timeouts pendientes. Idempotente.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	f.cancel()
	f.optimistic.Close()
	f.wg.Wait()
}

func (f *Feed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// startBackfillLocked lanza el backfill si no hay otro en curso. Cubre hasta
// el mayor seq visto ahora; lo que llegue después lo cubre el siguiente.
// Requiere f.mu.
func (f *Feed) startBackfillLocked(fromSeq int64) {
	if f.closed || !f.backfill.TryAcquire() {
		return
	}
	upTo := f.gate.State().HighestSeen
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if _, err := f.backfill.Reconcile(f.ctx, fromSeq, upTo); err != nil {
			slog.Warn("feed: backfill failed", "since_seq", fromSeq, "err", err)
		}
	}()
}

// completeGap cierra el gap en el gate al terminar un backfill y lanza otro
// si durante el fetch se abrió un hueco nuevo.
func (f *Feed) completeGap(upTo int64, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.gate.CompleteGap(upTo, ok) {
		return
	}
	st := f.gate.State()
	slog.Info("feed: gap remains after backfill", "last_seq", st.LastAppliedSeq, "highest_seen", st.HighestSeen)
	f.startBackfillLocked(st.LastAppliedSeq)
}

// checkpoint persiste el cursor. Se llama con f.mu tomado, desde el gate.
func (f *Feed) checkpoint(seq int64) {
	if f.prefs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(f.ctx, 2*time.Second)
	defer cancel()
	if err := f.prefs.Set(ctx, PrefLastSeq, strconv.FormatInt(seq, 10)); err != nil {
		slog.Warn("feed: checkpoint failed", "seq", seq, "err", err)
	}
}
