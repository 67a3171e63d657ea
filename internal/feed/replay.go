package feed

// replay.go — re-despacho determinista de una captura o de un manifest.
//
// Los eventos entran por el mismo Ingest que el transport en vivo, así que
// para el resto de la aplicación un replay es indistinguible de una sesión
// real. Solo hay un timer pendiente a la vez: cada disparo programa el
// siguiente, lo que mantiene el orden aunque dos líneas tengan el mismo delay.

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/domasync/internal/clock"
	"github.com/alejandrodnm/domasync/internal/domain"
)

// ErrReplayRunning se devuelve al llamar a Start con un replay en marcha.
var ErrReplayRunning = errors.New("replay already running")

// DefaultReplaySpeed es el intervalo entre eventos al reproducir una captura.
const DefaultReplaySpeed = 400 * time.Millisecond

// Dispatcher es la entrada única de eventos (Feed.Ingest).
type Dispatcher interface {
	Ingest(ctx context.Context, ev domain.Event) domain.Decision
}

// Source es lo que se reproduce: un manifest temporizado o una captura.
type Source struct {
	Manifest []domain.ManifestLine
	Events   []domain.Event
}

// ManifestSource envuelve un manifest.
func ManifestSource(lines []domain.ManifestLine) Source { return Source{Manifest: lines} }

// CaptureSource envuelve los eventos de un CaptureBuffer.
func CaptureSource(events []domain.Event) Source { return Source{Events: events} }

// step es un evento con su instante relativo al inicio del replay.
type step struct {
	at    time.Duration
	ev    domain.Event
	pct   int
	final bool
}

// ReplayEngine reproduce una Source a través de un Dispatcher.
type ReplayEngine struct {
	mu       sync.Mutex
	clock    clock.Clock
	dispatch Dispatcher
	speed    time.Duration
	scale    float64

	playing  bool
	progress int
	gen      int
	started  time.Time
	steps    []step
	next     int
	task     *clock.Task
	done     chan struct{}

	onProgress func(pct int)
}

// NewReplayEngine crea un motor de replay. speed es el intervalo entre eventos
// de captura; scale acelera (>1) o ralentiza (<1) los delays de manifest.
func NewReplayEngine(clk clock.Clock, dispatch Dispatcher, speed time.Duration, scale float64) *ReplayEngine {
	if speed <= 0 {
		speed = DefaultReplaySpeed
	}
	if scale <= 0 {
		scale = 1
	}
	done := make(chan struct{})
	close(done)
	return &ReplayEngine{
		clock:    clk,
		dispatch: dispatch,
		speed:    speed,
		scale:    scale,
		done:     done,
	}
}

// OnProgress registra un callback con el progreso (0..100) tras cada evento.
func (e *ReplayEngine) OnProgress(fn func(pct int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onProgress = fn
}

// SetSpeed cambia el intervalo entre eventos de captura para el próximo Start.
func (e *ReplayEngine) SetSpeed(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speed = d
}

// Speed devuelve el intervalo entre eventos de captura.
func (e *ReplayEngine) Speed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

// Start empieza a reproducir src. ctx se pasa a cada Ingest.
func (e *ReplayEngine) Start(ctx context.Context, src Source) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.playing {
		return ErrReplayRunning
	}

	steps := e.plan(src)
	e.gen++
	e.steps = steps
	e.next = 0
	e.progress = 0
	e.started = e.clock.Now()
	e.done = make(chan struct{})

	if len(steps) == 0 {
		e.progress = 100
		close(e.done)
		return nil
	}

	e.playing = true
	e.scheduleLocked(ctx, e.gen)

	slog.Info("replay: started", "events", len(steps), "manifest", len(src.Manifest) > 0)
	return nil
}

// Stop cancela el timer pendiente. Ningún evento se despacha después de Stop.
func (e *ReplayEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

// Reset para el replay y pone el progreso a cero.
func (e *ReplayEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
	e.progress = 0
	e.steps = nil
	e.next = 0
}

// Playing devuelve si hay un replay en marcha.
func (e *ReplayEngine) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

// Progress devuelve el progreso del replay actual (0..100).
func (e *ReplayEngine) Progress() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// Done devuelve un canal que se cierra cuando el replay termina o se para.
func (e *ReplayEngine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// plan convierte la Source en pasos ordenados con su instante y progreso.
func (e *ReplayEngine) plan(src Source) []step {
	if len(src.Manifest) > 0 {
		lines := make([]domain.ManifestLine, len(src.Manifest))
		copy(lines, src.Manifest)
		sort.SliceStable(lines, func(i, j int) bool { return lines[i].DelayMS < lines[j].DelayMS })

		maxDelay := lines[len(lines)-1].DelayMS
		steps := make([]step, len(lines))
		for i, l := range lines {
			pct := 100
			if maxDelay > 0 {
				pct = int(l.DelayMS * 100 / maxDelay)
			}
			at := time.Duration(float64(time.Duration(l.DelayMS)*time.Millisecond) / e.scale)
			steps[i] = step{at: at, ev: l.Event, pct: pct}
		}
		steps[len(steps)-1].final = true
		return steps
	}

	steps := make([]step, len(src.Events))
	for i, ev := range src.Events {
		steps[i] = step{
			at:  time.Duration(i+1) * e.speed,
			ev:  ev,
			pct: (i + 1) * 100 / len(src.Events),
		}
	}
	if len(steps) > 0 {
		steps[len(steps)-1].final = true
	}
	return steps
}

// scheduleLocked programa el siguiente paso relativo al inicio. Requiere e.mu.
func (e *ReplayEngine) scheduleLocked(ctx context.Context, gen int) {
	s := e.steps[e.next]
	wait := s.at - e.clock.Now().Sub(e.started)
	if wait < 0 {
		wait = 0
	}
	e.task = e.clock.AfterFunc(wait, func() { e.fire(ctx, gen) })
}

// fire despacha el paso actual. El despacho ocurre con e.mu tomado para que
// Stop no pueda intercalarse entre la comprobación y el Ingest.
func (e *ReplayEngine) fire(ctx context.Context, gen int) {
	e.mu.Lock()
	if !e.playing || gen != e.gen || e.next >= len(e.steps) {
		e.mu.Unlock()
		return
	}

	s := e.steps[e.next]
	e.next++
	d := e.dispatch.Ingest(ctx, s.ev)
	e.progress = s.pct
	slog.Debug("replay: dispatched", "type", s.ev.Type, "decision", d, "progress", s.pct)

	if s.final || e.next >= len(e.steps) {
		e.progress = 100
		e.playing = false
		e.task = nil
		close(e.done)
		slog.Info("replay: finished", "events", len(e.steps))
	} else {
		e.scheduleLocked(ctx, gen)
	}
	onProgress, pct := e.onProgress, e.progress
	e.mu.Unlock()

	if onProgress != nil {
		onProgress(pct)
	}
}

// stopLocked requiere e.mu.
func (e *ReplayEngine) stopLocked() {
	if e.task != nil {
		e.task.Cancel()
		e.task = nil
	}
	if e.playing {
		e.playing = false
		close(e.done)
		slog.Info("replay: stopped", "progress", e.progress)
	}
}
