// Package state es el consumer de referencia del feed: mantiene las
// colecciones locales de listings, offers y leaderboard que lee la UI.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/alejandrodnm/domasync/internal/domain"
)

// Colecciones con endpoint de backfill.
const (
	CollectionListings = "listings"
	CollectionOffers   = "offers"
)

// Store es el estado local derivado del feed. Todas las lecturas devuelven
// copias: se pueden leer mientras el feed sigue aplicando eventos.
type Store struct {
	mu sync.RWMutex

	listings    map[string]domain.Listing // id → listing autoritativo
	offers      map[string]domain.Offer
	leaderboard map[string]domain.LeaderboardEntry // address → fila
	trades      int

	// ids cerrados por un evento autoritativo (filled, cancelled, accepted).
	// El backfill no los resucita aunque el snapshot REST llegue atrasado.
	closed map[string]struct{}

	placeholders map[string]domain.Placeholder // tempID → placeholder

	// rev cuenta los eventos aplicados; touched guarda la última revisión
	// que tocó cada entidad (listingKey/offerKey).
	rev     uint64
	touched map[string]uint64
}

// Snapshot es una copia inmutable del estado, ordenada por id.
type Snapshot struct {
	Listings    []domain.Listing
	Offers      []domain.Offer
	Leaderboard []domain.LeaderboardEntry
	Trades      int
}

// NewStore crea un Store vacío.
func NewStore() *Store {
	return &Store{
		listings:     make(map[string]domain.Listing),
		offers:       make(map[string]domain.Offer),
		leaderboard:  make(map[string]domain.LeaderboardEntry),
		closed:       make(map[string]struct{}),
		placeholders: make(map[string]domain.Placeholder),
		touched:      make(map[string]uint64),
	}
}

// Handle aplica un evento autoritativo. Es el handler que se suscribe al bus.
func (s *Store) Handle(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply(ev)
}

// apply requiere s.mu.
func (s *Store) apply(ev domain.Event) {
	s.rev++
	switch ev.Type {
	case domain.EventListingCreated:
		l, err := domain.ListingFromEvent(ev)
		if err != nil {
			slog.Debug("state: bad listing event", "err", err)
			return
		}
		if _, gone := s.closed[listingKey(l.ID)]; gone {
			return
		}
		if _, ok := s.listings[l.ID]; ok {
			return // re-entrega: (type, id) ya aplicado
		}
		s.listings[l.ID] = l
		s.touched[listingKey(l.ID)] = s.rev

	case domain.EventListingFilled, domain.EventListingCancelled:
		if ev.ID == "" {
			return
		}
		delete(s.listings, ev.ID)
		s.closed[listingKey(ev.ID)] = struct{}{}
		s.touched[listingKey(ev.ID)] = s.rev

	case domain.EventOfferCreated:
		o, err := domain.OfferFromEvent(ev)
		if err != nil {
			slog.Debug("state: bad offer event", "err", err)
			return
		}
		if _, gone := s.closed[offerKey(o.ID)]; gone {
			return
		}
		if _, ok := s.offers[o.ID]; ok {
			return
		}
		s.offers[o.ID] = o
		s.touched[offerKey(o.ID)] = s.rev

	case domain.EventOfferAccepted, domain.EventOfferCancelled:
		if ev.ID == "" {
			return
		}
		delete(s.offers, ev.ID)
		s.closed[offerKey(ev.ID)] = struct{}{}
		s.touched[offerKey(ev.ID)] = s.rev

	case domain.EventLeaderboardUpdate:
		e, err := domain.LeaderboardFromEvent(ev)
		if err != nil {
			slog.Debug("state: bad leaderboard event", "err", err)
			return
		}
		s.leaderboard[e.Address] = e

	case domain.EventTrade:
		s.trades++
	}
}

// --- backfill ---

// MergeBackfill inserta las filas de una colección cuyo id no se conoce.
// Los ids existentes no se tocan y las filas inactivas se descartan.
func (s *Store) MergeBackfill(collection string, recs []domain.BackfillRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	switch collection {
	case CollectionListings:
		for _, r := range recs {
			if !r.Active {
				continue
			}
			if _, ok := s.listings[r.ID]; ok {
				continue
			}
			if _, gone := s.closed[listingKey(r.ID)]; gone {
				continue
			}
			l, err := decodeListing(r)
			if err != nil {
				slog.Debug("state: skip listing row", "id", r.ID, "err", err)
				continue
			}
			s.listings[l.ID] = l
			inserted++
		}
	case CollectionOffers:
		for _, r := range recs {
			if !r.Active {
				continue
			}
			if _, ok := s.offers[r.ID]; ok {
				continue
			}
			if _, gone := s.closed[offerKey(r.ID)]; gone {
				continue
			}
			o, err := decodeOffer(r)
			if err != nil {
				slog.Debug("state: skip offer row", "id", r.ID, "err", err)
				continue
			}
			s.offers[o.ID] = o
			inserted++
		}
	default:
		return 0, fmt.Errorf("state.MergeBackfill: unknown collection %q", collection)
	}
	return inserted, nil
}

// Mark devuelve la revisión actual. Se toma antes de pedir un snapshot
// completo y se pasa a ReplaceCollection.
func (s *Store) Mark() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rev
}

// ReplaceCollection sustituye la parte autoritativa de una colección por las
// filas activas dadas (full refresh). Las entidades que un evento tocó después
// de since (alta, fill, cancel) mantienen su estado local: el snapshot es más
// viejo que ellas. Los placeholders optimistas se conservan.
func (s *Store) ReplaceCollection(collection string, recs []domain.BackfillRecord, since uint64) (int, error) {
	switch collection {
	case CollectionListings:
		rows := make(map[string]domain.Listing, len(recs))
		for _, r := range recs {
			if !r.Active {
				continue
			}
			l, err := decodeListing(r)
			if err != nil {
				continue
			}
			rows[l.ID] = l
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		next := make(map[string]domain.Listing, len(rows))
		for id, l := range rows {
			if s.touched[listingKey(id)] <= since {
				next[id] = l
			}
		}
		for id, l := range s.listings {
			if s.touched[listingKey(id)] > since {
				next[id] = l
			}
		}
		s.listings = next
		s.forgetBefore("listing:", since)
		return len(next), nil

	case CollectionOffers:
		rows := make(map[string]domain.Offer, len(recs))
		for _, r := range recs {
			if !r.Active {
				continue
			}
			o, err := decodeOffer(r)
			if err != nil {
				continue
			}
			rows[o.ID] = o
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		next := make(map[string]domain.Offer, len(rows))
		for id, o := range rows {
			if s.touched[offerKey(id)] <= since {
				next[id] = o
			}
		}
		for id, o := range s.offers {
			if s.touched[offerKey(id)] > since {
				next[id] = o
			}
		}
		s.offers = next
		s.forgetBefore("offer:", since)
		return len(next), nil
	}
	return 0, fmt.Errorf("state.ReplaceCollection: unknown collection %q", collection)
}

// --- placeholders optimistas ---

// AddPlaceholder muestra una entidad optimista bajo tempID.
func (s *Store) AddPlaceholder(tempID string, p domain.Placeholder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Listing != nil {
		l := *p.Listing
		l.Origin, l.TempID = domain.OriginOptimistic, tempID
		p.Listing = &l
	}
	if p.Offer != nil {
		o := *p.Offer
		o.Origin, o.TempID = domain.OriginOptimistic, tempID
		p.Offer = &o
	}
	s.placeholders[tempID] = p
}

// ConfirmPlaceholder sustituye el placeholder por el evento autoritativo en
// un solo paso, sin ventana en la que se vean los dos o ninguno.
func (s *Store) ConfirmPlaceholder(tempID string, ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.placeholders, tempID)
	s.apply(ev)
}

// DropPlaceholder quita el placeholder (timeout sin confirmación).
func (s *Store) DropPlaceholder(tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.placeholders, tempID)
}

// --- lecturas ---

// Listings devuelve los listings visibles ordenados por id: autoritativos no
// ocultos por una acción optimista, más los placeholders.
func (s *Store) Listings() []domain.Listing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listingsLocked()
}

// Offers devuelve las ofertas visibles ordenadas por id.
func (s *Store) Offers() []domain.Offer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offersLocked()
}

// Listing devuelve un listing autoritativo por id.
func (s *Store) Listing(id string) (domain.Listing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	return l, ok
}

// Leaderboard devuelve el leaderboard ordenado por rank.
func (s *Store) Leaderboard() []domain.LeaderboardEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leaderboardLocked()
}

// Snapshot devuelve una copia consistente de todo el estado.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Listings:    s.listingsLocked(),
		Offers:      s.offersLocked(),
		Leaderboard: s.leaderboardLocked(),
		Trades:      s.trades,
	}
}

// Reset vacía el estado (replay sobre sesión limpia).
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings = make(map[string]domain.Listing)
	s.offers = make(map[string]domain.Offer)
	s.leaderboard = make(map[string]domain.LeaderboardEntry)
	s.closed = make(map[string]struct{})
	s.placeholders = make(map[string]domain.Placeholder)
	s.touched = make(map[string]uint64)
	s.trades = 0
}

func (s *Store) listingsLocked() []domain.Listing {
	hidden := s.hiddenLocked()
	out := make([]domain.Listing, 0, len(s.listings)+len(s.placeholders))
	for id, l := range s.listings {
		if _, ok := hidden[id]; ok {
			continue
		}
		out = append(out, l)
	}
	for _, p := range s.placeholders {
		if p.Listing != nil {
			out = append(out, *p.Listing)
		}
	}
	sort.Slice(out, func(i, j int) bool { return sortKey(out[i].ID, out[i].TempID) < sortKey(out[j].ID, out[j].TempID) })
	return out
}

func (s *Store) offersLocked() []domain.Offer {
	hidden := s.hiddenLocked()
	out := make([]domain.Offer, 0, len(s.offers)+len(s.placeholders))
	for id, o := range s.offers {
		if _, ok := hidden[id]; ok {
			continue
		}
		out = append(out, o)
	}
	for _, p := range s.placeholders {
		if p.Offer != nil {
			out = append(out, *p.Offer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return sortKey(out[i].ID, out[i].TempID) < sortKey(out[j].ID, out[j].TempID) })
	return out
}

func (s *Store) leaderboardLocked() []domain.LeaderboardEntry {
	out := make([]domain.LeaderboardEntry, 0, len(s.leaderboard))
	for _, e := range s.leaderboard {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank == out[j].Rank {
			return out[i].Address < out[j].Address
		}
		return out[i].Rank < out[j].Rank
	})
	return out
}

// hiddenLocked devuelve los ids ocultos por un cancel/buy optimista.
func (s *Store) hiddenLocked() map[string]struct{} {
	hidden := make(map[string]struct{})
	for _, p := range s.placeholders {
		if p.TargetID != "" {
			hidden[p.TargetID] = struct{}{}
		}
	}
	return hidden
}

// forgetBefore olvida tombstones y revisiones con el prefijo dado que son
// anteriores a since: el snapshot ya los refleja. Requiere s.mu.
func (s *Store) forgetBefore(prefix string, since uint64) {
	for k, rev := range s.touched {
		if rev <= since && strings.HasPrefix(k, prefix) {
			delete(s.touched, k)
			delete(s.closed, k)
		}
	}
}

func decodeListing(r domain.BackfillRecord) (domain.Listing, error) {
	var l domain.Listing
	if err := decodeRow(r.Raw, &l); err != nil {
		return domain.Listing{}, err
	}
	l.ID, l.Active, l.Origin = r.ID, true, domain.OriginAuthoritative
	return l, nil
}

func decodeOffer(r domain.BackfillRecord) (domain.Offer, error) {
	var o domain.Offer
	if err := decodeRow(r.Raw, &o); err != nil {
		return domain.Offer{}, err
	}
	o.ID, o.Active, o.Origin = r.ID, true, domain.OriginAuthoritative
	return o, nil
}

// decodeRow decodifica una fila de backfill. Un id numérico no es error:
// el id ya viene normalizado en el BackfillRecord.
func decodeRow(raw []byte, v any) error {
	err := json.Unmarshal(raw, v)
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) && te.Field == "id" {
		return nil
	}
	return err
}

func listingKey(id string) string { return "listing:" + id }
func offerKey(id string) string   { return "offer:" + id }

// sortKey ordena placeholders (sin id) al final, por tempID.
func sortKey(id, tempID string) string {
	if id == "" {
		return "~" + tempID
	}
	return id
}
