package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejandrodnm/domasync/internal/adapters/ws"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig() *ws.Config {
	return &ws.Config{
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
		PingInterval:      time.Hour,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      time.Second,
		HandshakeTimeout:  time.Second,
	}
}

// recorder junta mensajes y cambios de estado del transport.
type recorder struct {
	mu     sync.Mutex
	msgs   []string
	states []bool
	got    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 100)}
}

func (r *recorder) onMessage(b []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, string(b))
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) onState(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, connected)
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for message %d", i+1)
		}
	}
}

func (r *recorder) snapshot() ([]string, []bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...), append([]bool(nil), r.states...)
}

func TestClient_DeliversAndReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		if conns.Add(1) == 1 {
			// primera conexión: dos mensajes y se corta
			c.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`))
			c.WriteMessage(websocket.TextMessage, []byte(`{"type":"trade","seq":1}`))
			return
		}
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"trade","seq":2}`))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- ws.NewClient(wsURL(srv), testConfig()).Run(ctx, rec.onMessage, rec.onState)
	}()

	rec.wait(t, 3)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	msgs, states := rec.snapshot()
	assert.Equal(t, []string{`{"type":"hello"}`, `{"type":"trade","seq":1}`, `{"type":"trade","seq":2}`}, msgs)
	assert.Equal(t, []bool{true, false, true, false}, states)
	assert.Equal(t, int32(2), conns.Load())
}

func TestClient_SendsSubscribeOnConnect(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		received <- string(msg)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := ws.NewClient(wsURL(srv), testConfig())
	client.OnConnect(func() []byte { return []byte(`{"type":"subscribe","since_seq":41}`) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx, func([]byte) {}, nil)

	select {
	case msg := <-received:
		assert.Equal(t, `{"type":"subscribe","since_seq":41}`, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe not received")
	}
}

func TestClient_StalledConnectionIsDropped(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		conns.Add(1)
		// no envía nada; solo espera a que el cliente corte
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.ReadTimeout = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ws.NewClient(wsURL(srv), cfg).Run(ctx, func([]byte) {}, nil)

	assert.Eventually(t, func() bool { return conns.Load() >= 2 }, 5*time.Second, 20*time.Millisecond)
}

func TestClient_DialFailureRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := newRecorder()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := ws.NewClient(wsURL(srv), testConfig()).Run(ctx, rec.onMessage, rec.onState)

	require.NoError(t, err)
	_, states := rec.snapshot()
	assert.Empty(t, states)
}

func TestClient_EmptyEndpoint(t *testing.T) {
	err := ws.NewClient("", nil).Run(context.Background(), func([]byte) {}, nil)
	assert.Error(t, err)
}
