package feed

// capture.go — ring buffer acotado con todo lo que pasa el gate.
//
// Graba independientemente de lo que hagan los consumers, para poder
// exportar la sesión y reproducirla después con el ReplayEngine.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alejandrodnm/domasync/internal/domain"
)

const (
	// DefaultMaxEvents es la capacidad por defecto del buffer de captura.
	DefaultMaxEvents = 300

	exportVersion = 1
)

// captureExport es el formato de export/import.
type captureExport struct {
	Version int            `json:"version"`
	Count   int            `json:"count"`
	Events  []domain.Event `json:"events"`
}

// CaptureBuffer es un FIFO acotado de eventos. Seguro para uso concurrente.
type CaptureBuffer struct {
	mu        sync.RWMutex
	max       int
	enabled   bool
	events    []domain.Event
	listeners []func(n int)
}

// NewCaptureBuffer crea un buffer vacío con capacidad max y la captura activa.
func NewCaptureBuffer(max int) *CaptureBuffer {
	if max <= 0 {
		max = DefaultMaxEvents
	}
	return &CaptureBuffer{max: max, enabled: true}
}

// Push añade ev si la captura está activa, descartando los más antiguos si
// se supera la capacidad.
func (b *CaptureBuffer) Push(ev domain.Event) {
	b.mu.Lock()
	if !b.enabled {
		b.mu.Unlock()
		return
	}
	b.events = append(b.events, ev)
	if over := len(b.events) - b.max; over > 0 {
		b.events = append(b.events[:0:0], b.events[over:]...)
	}
	n := len(b.events)
	b.mu.Unlock()

	b.notify(n)
}

// All devuelve una copia de los eventos, del más antiguo al más nuevo.
func (b *CaptureBuffer) All() []domain.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Event, len(b.events))
	copy(out, b.events)
	return out
}

// Len devuelve el número de eventos capturados.
func (b *CaptureBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}

// Cap devuelve la capacidad del buffer.
func (b *CaptureBuffer) Cap() int { return b.max }

// Clear vacía el buffer.
func (b *CaptureBuffer) Clear() {
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
	b.notify(0)
}

// SetCapture activa o desactiva la captura. Desactivarla no borra lo grabado.
func (b *CaptureBuffer) SetCapture(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
}

// Enabled devuelve si la captura está activa.
func (b *CaptureBuffer) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

// Export serializa el buffer como {"version":1,"count":N,"events":[...]}.
func (b *CaptureBuffer) Export() ([]byte, error) {
	events := b.All()
	out, err := json.MarshalIndent(captureExport{
		Version: exportVersion,
		Count:   len(events),
		Events:  events,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("feed.CaptureBuffer.Export: %w", err)
	}
	return out, nil
}

// Import sustituye el buffer por los eventos de data. Acepta el formato de
// Export o un array de eventos suelto. Las entradas sin "type" string se
// descartan y, si sobran, se conservan las últimas. Si data no es JSON válido
// devuelve error y deja el buffer como estaba.
func (b *CaptureBuffer) Import(data []byte) (int, error) {
	raws, err := importEntries(data)
	if err != nil {
		return 0, fmt.Errorf("feed.CaptureBuffer.Import: %w", err)
	}

	events := make([]domain.Event, 0, len(raws))
	skipped := 0
	for _, raw := range raws {
		ev, err := domain.ParseEvent(raw)
		if err != nil {
			skipped++
			continue
		}
		events = append(events, ev)
	}
	if skipped > 0 {
		slog.Debug("capture: skipped malformed entries", "skipped", skipped)
	}

	b.mu.Lock()
	if over := len(events) - b.max; over > 0 {
		events = events[over:]
	}
	b.events = events
	n := len(b.events)
	b.mu.Unlock()

	b.notify(n)
	return n, nil
}

// Subscribe registra fn para recibir la longitud del buffer tras cada cambio.
func (b *CaptureBuffer) Subscribe(fn func(n int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

func (b *CaptureBuffer) notify(n int) {
	b.mu.RLock()
	ls := make([]func(int), len(b.listeners))
	copy(ls, b.listeners)
	b.mu.RUnlock()
	for _, fn := range ls {
		fn(n)
	}
}

// importEntries extrae las entradas crudas de un export o de un array.
func importEntries(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, err
		}
		return raws, nil
	}

	var doc struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, err
	}
	return doc.Events, nil
}
