package feed_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alejandrodnm/domasync/internal/clock"
	"github.com/alejandrodnm/domasync/internal/domain"
	"github.com/alejandrodnm/domasync/internal/feed"
	"github.com/alejandrodnm/domasync/internal/state"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// --- helpers ---

func listingCreated(id string, seq int64) domain.Event {
	return domain.NewEvent(domain.EventListingCreated, map[string]any{
		"id":       id,
		"contract": "0xabc",
		"token_id": id,
		"price":    "1000",
		"currency": "USDC",
		"seller":   "0xseller",
	}).WithSeq(seq)
}

func listingFilled(id string, seq int64) domain.Event {
	return domain.NewEvent(domain.EventListingFilled, map[string]any{"id": id}).WithSeq(seq)
}

func listingRecord(id string, active bool) domain.BackfillRecord {
	raw := fmt.Sprintf(`{"id":%q,"contract":"0xabc","token_id":%q,"price":"1000","currency":"USDC","seller":"0xseller","active":%t}`, id, id, active)
	return domain.BackfillRecord{ID: id, Active: active, Raw: []byte(raw)}
}

func listingIDs(ls []domain.Listing) []string {
	ids := make([]string, 0, len(ls))
	for _, l := range ls {
		ids = append(ids, l.ID)
	}
	return ids
}

// newTestFeed monta un Feed con Store y reloj manual, suscrito al bus.
func newTestFeed(provider *mockProvider) (*feed.Feed, *state.Store, *clock.Manual, *mockNotifier) {
	store := state.NewStore()
	clk := clock.NewManual(t0)
	notifier := &mockNotifier{}
	f := feed.New(feed.DefaultConfig(), provider, store, nil, notifier, clk)
	f.Subscribe(store.Handle)
	return f, store, clk, notifier
}

// --- mocks ---

type fetchCall struct {
	collection string
	sinceSeq   int64
}

type mockProvider struct {
	mu      sync.Mutex
	records map[string][]domain.BackfillRecord
	errs    map[string]error
	calls   []fetchCall
	release chan struct{} // si no es nil, FetchSince espera a que se cierre
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		records: make(map[string][]domain.BackfillRecord),
		errs:    make(map[string]error),
	}
}

func (m *mockProvider) FetchSince(ctx context.Context, collection string, sinceSeq int64) ([]domain.BackfillRecord, error) {
	m.mu.Lock()
	m.calls = append(m.calls, fetchCall{collection: collection, sinceSeq: sinceSeq})
	release := m.release
	m.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[collection]; err != nil {
		return nil, err
	}
	return m.records[collection], nil
}

func (m *mockProvider) Calls() []fetchCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]fetchCall, len(m.calls))
	copy(out, m.calls)
	return out
}

type mockNotifier struct {
	mu       sync.Mutex
	warnings []domain.Warning
}

func (m *mockNotifier) Warn(_ context.Context, w domain.Warning) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnings = append(m.warnings, w)
	return nil
}

func (m *mockNotifier) Warnings() []domain.Warning {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Warning, len(m.warnings))
	copy(out, m.warnings)
	return out
}

type mockPrefs struct {
	mu     sync.Mutex
	values map[string]string
	sets   int
}

func newMockPrefs() *mockPrefs {
	return &mockPrefs{values: make(map[string]string)}
}

func (m *mockPrefs) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *mockPrefs) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.sets++
	return nil
}

func (m *mockPrefs) Value(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key]
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (d *recordingDispatcher) Ingest(_ context.Context, ev domain.Event) domain.Decision {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return domain.Applied
}

func (d *recordingDispatcher) Types() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.events))
	for _, ev := range d.events {
		out = append(out, ev.Type)
	}
	return out
}

func (d *recordingDispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}
