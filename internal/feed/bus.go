package feed

import (
	"sync"

	"github.com/alejandrodnm/domasync/internal/domain"
)

// Handler recibe los eventos que pasan el gate.
type Handler func(domain.Event)

type subscription struct {
	id    int
	types map[string]struct{} // vacío = todos los tipos
	h     Handler
}

// Bus es el canal pub/sub en proceso por el que salen los eventos del feed.
// Live y replay publican por aquí, así los consumers no distinguen el origen.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

// NewBus crea un Bus sin suscriptores.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registra h para los tipos dados (todos si no se pasa ninguno).
// Devuelve la función para darse de baja.
func (b *Bus) Subscribe(h Handler, types ...string) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := subscription{id: b.nextID, h: h}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.subs = append(b.subs, sub)

	id := sub.id
	return func() { b.unsubscribe(id) }
}

// Publish entrega ev a los suscriptores en orden de suscripción.
func (b *Bus) Publish(ev domain.Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.types != nil {
			if _, ok := s.types[ev.Type]; !ok {
				continue
			}
		}
		s.h(ev)
	}
}

// Len devuelve el número de suscriptores.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}
