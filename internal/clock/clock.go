// Package clock abstrae el tiempo para que los timers del core (timeouts
// optimistas, replay) se puedan cancelar y testear de forma determinista.
package clock

import (
	"sync"
	"time"
)

// Clock da la hora actual y programa callbacks cancelables.
type Clock interface {
	Now() time.Time
	// AfterFunc ejecuta f en su propia goroutine pasado d.
	AfterFunc(d time.Duration, f func()) *Task
}

type taskState int

const (
	taskPending taskState = iota
	taskFired
	taskCancelled
)

// Task es el handle de un callback programado. Una vez cancelado, el
// callback no se ejecuta aunque el timer subyacente ya haya vencido.
type Task struct {
	mu    sync.Mutex
	state taskState
	stop  func() bool
}

// Cancel cancela la tarea. Devuelve true si la tarea seguía pendiente.
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	if t.state != taskPending {
		t.mu.Unlock()
		return false
	}
	t.state = taskCancelled
	stop := t.stop
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
	return true
}

// Pending devuelve true si la tarea no se ha ejecutado ni cancelado.
func (t *Task) Pending() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == taskPending
}

// fire marca la tarea como ejecutada y corre f, salvo que se haya cancelado.
func (t *Task) fire(f func()) {
	t.mu.Lock()
	if t.state != taskPending {
		t.mu.Unlock()
		return
	}
	t.state = taskFired
	t.mu.Unlock()
	f()
}

// Real es el Clock de producción basado en time.AfterFunc.
type Real struct{}

// Now implementa Clock.
func (Real) Now() time.Time { return time.Now() }

// AfterFunc implementa Clock.
func (Real) AfterFunc(d time.Duration, f func()) *Task {
	t := &Task{}
	t.mu.Lock()
	timer := time.AfterFunc(d, func() { t.fire(f) })
	t.stop = timer.Stop
	t.mu.Unlock()
	return t
}
