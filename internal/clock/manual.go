package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual es un Clock que solo avanza con Advance. Los callbacks vencidos se
// ejecutan en orden de vencimiento en la goroutine que llama a Advance.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	when time.Time
	seq  int
	task *Task
	f    func()
}

// NewManual crea un reloj manual parado en start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now implementa Clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc implementa Clock.
func (m *Manual) AfterFunc(d time.Duration, f func()) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &Task{}
	m.seq++
	m.timers = append(m.timers, &manualTimer{when: m.now.Add(d), seq: m.seq, task: t, f: f})
	return t
}

// Advance mueve el reloj d hacia delante ejecutando los callbacks vencidos,
// incluidos los que programen otros callbacks dentro de la ventana.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.popDue(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = next.when
		m.mu.Unlock()

		next.task.fire(next.f)
	}
}

// Pending devuelve el número de callbacks programados y no cancelados.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if t.task.Pending() {
			n++
		}
	}
	return n
}

// popDue saca el timer pendiente más temprano con vencimiento <= target.
// Los cancelados se descartan por el camino. Requiere m.mu.
func (m *Manual) popDue(target time.Time) *manualTimer {
	live := m.timers[:0]
	for _, t := range m.timers {
		if t.task.Pending() {
			live = append(live, t)
		}
	}
	m.timers = live
	if len(m.timers) == 0 {
		return nil
	}

	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].when.Equal(m.timers[j].when) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].when.Before(m.timers[j].when)
	})
	first := m.timers[0]
	if first.when.After(target) {
		return nil
	}
	m.timers = m.timers[1:]
	return first
}
