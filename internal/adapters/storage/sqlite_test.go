package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alejandrodnm/domasync/internal/adapters/storage"
	"github.com/alejandrodnm/domasync/internal/domain"
	"github.com/alejandrodnm/domasync/internal/feed"
	"github.com/alejandrodnm/domasync/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStorage_SetAndGet(t *testing.T) {
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	_, ok, err := db.Get(ctx, "last_seq")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.Set(ctx, "last_seq", "10"))
	require.NoError(t, db.Set(ctx, "last_seq", "11"))

	v, ok, err := db.Get(ctx, "last_seq")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "11", v)

	require.NoError(t, db.Delete(ctx, "last_seq"))
	require.NoError(t, db.Delete(ctx, "last_seq"))
	_, ok, err = db.Get(ctx, "last_seq")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStorage_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domasync.db")
	ctx := context.Background()

	db, err := storage.NewSQLiteStorage(path)
	require.NoError(t, err)
	require.NoError(t, db.Set(ctx, "capture_enabled", "false"))
	require.NoError(t, db.Close())

	db, err = storage.NewSQLiteStorage(path)
	require.NoError(t, err)
	defer db.Close()

	v, ok, err := db.Get(ctx, "capture_enabled")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "false", v)
}

func TestSQLiteStorage_FeedCursorRoundTrip(t *testing.T) {
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	store := state.NewStore()
	f := feed.New(feed.DefaultConfig(), nil, store, db, nil, nil)
	f.Ingest(ctx, domain.NewEvent("x", nil).WithSeq(1))
	f.Ingest(ctx, domain.NewEvent("x", nil).WithSeq(2))
	f.Close()

	v, ok, err := db.Get(ctx, feed.PrefLastSeq)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", v)

	resumed := feed.New(feed.DefaultConfig(), nil, state.NewStore(), db, nil, nil)
	defer resumed.Close()
	require.NoError(t, resumed.Restore(ctx))
	assert.Equal(t, int64(2), resumed.State().LastAppliedSeq)
}
