package feed

// optimistic.go — reconciliación de mutaciones optimistas.
//
// Cada acción local (crear listing, ofertar, cancelar, comprar) muestra un
// placeholder al instante y registra una entrada con timeout. La entrada se
// resuelve exactamente una vez: o llega el evento autoritativo que la confirma,
// o vence el timeout y se avisa al usuario. Nunca las dos cosas.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/domasync/internal/clock"
	"github.com/alejandrodnm/domasync/internal/domain"
	"github.com/alejandrodnm/domasync/internal/ports"
	"github.com/google/uuid"
)

// ErrAlreadyResolved indica un intento de resolver dos veces la misma entrada.
var ErrAlreadyResolved = errors.New("optimistic entry already resolved")

// Timeouts por defecto según el riesgo de la acción.
const (
	DefaultListingTimeout = 30 * time.Second
	DefaultOfferTimeout   = 30 * time.Second
	DefaultCancelTimeout  = 15 * time.Second
	DefaultBuyTimeout     = 20 * time.Second
)

// DefaultTimeouts devuelve los timeouts por defecto de cada tipo de acción.
func DefaultTimeouts() map[domain.OptimisticKind]time.Duration {
	return map[domain.OptimisticKind]time.Duration{
		domain.KindListing: DefaultListingTimeout,
		domain.KindOffer:   DefaultOfferTimeout,
		domain.KindCancel:  DefaultCancelTimeout,
		domain.KindBuy:     DefaultBuyTimeout,
	}
}

// Placeholders es el lado del estado local que muestra y retira placeholders.
type Placeholders interface {
	AddPlaceholder(tempID string, p domain.Placeholder)
	ConfirmPlaceholder(tempID string, ev domain.Event)
	DropPlaceholder(tempID string)
}

type pendingEntry struct {
	entry    domain.OptimisticEntry
	task     *clock.Task
	resolved bool
}

// OptimisticManager lleva las entradas optimistas pendientes.
type OptimisticManager struct {
	mu       sync.Mutex
	clock    clock.Clock
	local    Placeholders
	notifier ports.Notifier
	timeouts map[domain.OptimisticKind]time.Duration

	order []string // tempIDs en orden de registro
	byID  map[string]*pendingEntry
}

// NewOptimisticManager crea un manager. notifier puede ser nil.
func NewOptimisticManager(clk clock.Clock, local Placeholders, notifier ports.Notifier, timeouts map[domain.OptimisticKind]time.Duration) *OptimisticManager {
	t := DefaultTimeouts()
	for k, v := range timeouts {
		if v > 0 {
			t[k] = v
		}
	}
	return &OptimisticManager{
		clock:    clk,
		local:    local,
		notifier: notifier,
		timeouts: t,
		byID:     make(map[string]*pendingEntry),
	}
}

// Register muestra el placeholder y arma el timeout. Si entry.TempID está
// vacío se genera uno. Devuelve el tempID.
func (m *OptimisticManager) Register(entry domain.OptimisticEntry, p domain.Placeholder) (string, error) {
	if entry.Match == nil {
		return "", fmt.Errorf("feed.OptimisticManager.Register: %s entry without matcher", entry.Kind)
	}
	if entry.TempID == "" {
		entry.TempID = uuid.NewString()
	}
	if entry.Timeout <= 0 {
		entry.Timeout = m.timeouts[entry.Kind]
	}
	if entry.Timeout <= 0 {
		entry.Timeout = DefaultListingTimeout
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.clock.Now()
	}
	p.Kind = entry.Kind

	// todo bajo m.mu: Observe no ve la entrada hasta que el placeholder está
	// puesto y el timer armado
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byID[entry.TempID]; dup {
		return "", fmt.Errorf("feed.OptimisticManager.Register: duplicate temp id %s", entry.TempID)
	}

	if m.local != nil {
		m.local.AddPlaceholder(entry.TempID, p)
	}

	tempID := entry.TempID
	pe := &pendingEntry{entry: entry}
	pe.task = m.clock.AfterFunc(entry.Timeout, func() {
		if err := m.expire(tempID); err != nil && !errors.Is(err, ErrAlreadyResolved) {
			slog.Warn("optimistic: expire failed", "temp_id", tempID, "err", err)
		}
	})
	m.byID[tempID] = pe
	m.order = append(m.order, tempID)

	slog.Debug("optimistic: registered", "temp_id", tempID, "kind", entry.Kind, "timeout", entry.Timeout)
	return tempID, nil
}

// Observe comprueba ev contra las entradas pendientes en orden de registro.
// La primera que casa se confirma y su placeholder se sustituye por la
// entidad autoritativa. Devuelve el tempID confirmado, si alguno.
func (m *OptimisticManager) Observe(ev domain.Event) (string, bool) {
	m.mu.Lock()
	var matched *pendingEntry
	for _, id := range m.order {
		pe := m.byID[id]
		if pe == nil || pe.resolved {
			continue
		}
		if pe.entry.Match(ev) {
			matched = pe
			break
		}
	}
	if matched == nil {
		m.mu.Unlock()
		return "", false
	}
	tempID := matched.entry.TempID
	if err := m.resolveLocked(matched); err != nil {
		m.mu.Unlock()
		slog.Error("optimistic: double resolution", "temp_id", tempID, "err", err)
		return "", false
	}
	m.mu.Unlock()

	if m.local != nil {
		m.local.ConfirmPlaceholder(tempID, ev)
	}
	slog.Debug("optimistic: confirmed", "temp_id", tempID, "event", ev.Type)
	return tempID, true
}

// Pending devuelve los tempIDs sin resolver en orden de registro.
func (m *OptimisticManager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Close cancela todos los timeouts sin avisar. Los placeholders se quedan.
func (m *OptimisticManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		if pe := m.byID[id]; pe != nil {
			pe.task.Cancel()
		}
	}
}

// expire retira el placeholder de tempID y emite el aviso al usuario.
func (m *OptimisticManager) expire(tempID string) error {
	m.mu.Lock()
	pe, ok := m.byID[tempID]
	if !ok {
		m.mu.Unlock()
		return ErrAlreadyResolved
	}
	if err := m.resolveLocked(pe); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	if m.local != nil {
		m.local.DropPlaceholder(tempID)
	}

	w := domain.Warning{
		TempID:  tempID,
		Kind:    pe.entry.Kind,
		Message: fmt.Sprintf("%s not confirmed after %s", pe.entry.Kind, pe.entry.Timeout),
		At:      m.clock.Now(),
	}
	slog.Warn("optimistic: expired", "temp_id", tempID, "kind", pe.entry.Kind)
	if m.notifier != nil {
		if err := m.notifier.Warn(context.Background(), w); err != nil {
			slog.Warn("optimistic: notifier error", "err", err)
		}
	}
	return nil
}

// resolveLocked marca la entrada como resuelta y la saca de la lista.
// Requiere m.mu.
func (m *OptimisticManager) resolveLocked(pe *pendingEntry) error {
	if pe.resolved {
		return ErrAlreadyResolved
	}
	pe.resolved = true
	pe.task.Cancel()
	delete(m.byID, pe.entry.TempID)
	for i, id := range m.order {
		if id == pe.entry.TempID {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// --- matchers ---

// ListingMatcher casa con el listing_created del mismo contract + tokenId.
func ListingMatcher(contract, tokenID string) func(domain.Event) bool {
	return assetMatcher(domain.EventListingCreated, contract, tokenID)
}

// OfferMatcher casa con el offer_created del mismo contract + tokenId.
func OfferMatcher(contract, tokenID string) func(domain.Event) bool {
	return assetMatcher(domain.EventOfferCreated, contract, tokenID)
}

// CancelMatcher casa con la cancelación del listing u oferta con ese id.
func CancelMatcher(id string) func(domain.Event) bool {
	return func(ev domain.Event) bool {
		return ev.ID == id &&
			(ev.Type == domain.EventListingCancelled || ev.Type == domain.EventOfferCancelled)
	}
}

// BuyMatcher casa con el listing_filled del listing comprado.
func BuyMatcher(listingID string) func(domain.Event) bool {
	return func(ev domain.Event) bool {
		return ev.Type == domain.EventListingFilled && ev.ID == listingID
	}
}

func assetMatcher(eventType, contract, tokenID string) func(domain.Event) bool {
	return func(ev domain.Event) bool {
		if ev.Type != eventType {
			return false
		}
		var a struct {
			Contract string `json:"contract"`
			TokenID  string `json:"token_id"`
		}
		if ev.Decode(&a) != nil {
			return false
		}
		// addresses hex: comparar sin distinguir mayúsculas
		return strings.EqualFold(a.Contract, contract) && a.TokenID == tokenID
	}
}
