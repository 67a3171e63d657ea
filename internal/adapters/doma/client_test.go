package doma_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejandrodnm/domasync/internal/adapters/doma"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(srv *httptest.Server) *doma.Client {
	return doma.NewClient(srv.URL, doma.WithRetryWait(time.Millisecond))
}

func TestFetchSince_Success(t *testing.T) {
	data, err := os.ReadFile("../../../testdata/fixtures/doma_listings.json")
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/listings", r.URL.Path)
		assert.Equal(t, "41", r.URL.Query().Get("since_seq"))
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}))
	defer srv.Close()

	recs, err := newTestClient(srv).FetchSince(context.Background(), "listings", 41)

	require.NoError(t, err)
	// la fila sin id y la fila sin active se descartan
	require.Len(t, recs, 2)
	assert.Equal(t, "L1", recs[0].ID)
	assert.True(t, recs[0].Active)
	assert.Equal(t, "2", recs[1].ID)
	assert.False(t, recs[1].Active)

	var row map[string]any
	require.NoError(t, json.Unmarshal(recs[0].Raw, &row))
	assert.Equal(t, "1500000000", row["price"])
}

func TestFetchSince_FollowsCursor(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "" {
			w.Write([]byte(`{"data":[{"id":"O1","active":true}],"next_cursor":"p2"}`))
			return
		}
		assert.Equal(t, "p2", r.URL.Query().Get("cursor"))
		w.Write([]byte(`{"data":[{"id":"O2","active":true}],"next_cursor":""}`))
	}))
	defer srv.Close()

	recs, err := newTestClient(srv).FetchSince(context.Background(), "offers", 0)

	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "O2", recs[1].ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchSince_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	recs, err := newTestClient(srv).FetchSince(context.Background(), "listings", 5)

	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchSince_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchSince(context.Background(), "listings", 0)
	assert.Error(t, err)
}

func TestFetchSince_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`unknown collection`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchSince(context.Background(), "nfts", 0)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "unknown collection")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchSince_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"nope"`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchSince(context.Background(), "listings", 0)
	assert.Error(t, err)
}

func TestFetchSince_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(srv).FetchSince(ctx, "listings", 0)
	assert.Error(t, err)
}

func TestFetchSince_HonorsRetryAfter(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter string
	}{
		{"seconds", "0"},
		{"http date", time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) == 1 {
					w.Header().Set("Retry-After", tt.retryAfter)
					w.WriteHeader(http.StatusTooManyRequests)
					return
				}
				w.Write([]byte(`[]`))
			}))
			defer srv.Close()

			// con el backoff de una hora el test solo termina si se usa la cabecera
			client := doma.NewClient(srv.URL, doma.WithRetryWait(time.Hour))
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			recs, err := client.FetchSince(ctx, "listings", 0)

			require.NoError(t, err)
			assert.Empty(t, recs)
			assert.Equal(t, int32(2), calls.Load())
		})
	}
}

func TestFetchSince_RateLimitedGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchSince(context.Background(), "listings", 0)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Equal(t, int32(4), calls.Load())
}
