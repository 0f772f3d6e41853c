package transcript

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "transcript.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenSQLiteEmptyPath(t *testing.T) {
	_, err := OpenSQLite("  ")
	assert.Error(t, err)
}

func TestAppendAndFetchTailOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendMessage(ctx, "s1", "m1", "user", "first"))
	require.NoError(t, store.AppendMessage(ctx, "s1", "m2", "assistant", "second"))
	require.NoError(t, store.AppendMessage(ctx, "s1", "m3", "user", "third"))

	items, err := store.FetchTail(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "first", items[0].Text)
	assert.Equal(t, "third", items[2].Text)

	// Tail limit keeps the newest, still oldest-first.
	items, err = store.FetchTail(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "second", items[0].Text)
	assert.Equal(t, "third", items[1].Text)
}

func TestAppendMessageIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendMessage(ctx, "s1", "dup", "user", "once"))
	require.NoError(t, store.AppendMessage(ctx, "s1", "dup", "user", "twice"))

	items, err := store.FetchTail(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "once", items[0].Text)
}

func TestFetchTailExcludesEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendMessage(ctx, "s1", "m1", "user", "hello"))
	require.NoError(t, store.AppendEvent(ctx, "s1", "e1", "tool_call", []byte(`{"toolCallId":"c1"}`)))

	items, err := store.FetchTail(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "hello", items[0].Text)
}

func TestFetchTailSessionIsolation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendMessage(ctx, "s1", "m1", "user", "mine"))
	require.NoError(t, store.AppendMessage(ctx, "s2", "m1", "user", "theirs"))

	items, err := store.FetchTail(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "mine", items[0].Text)
}

func TestWatermarkRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	wm, err := store.Watermark(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, wm.Fingerprint)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.SaveWatermark(ctx, "s1", Watermark{Fingerprint: "fp-1", UpdatedAt: at}))

	wm, err = store.Watermark(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "fp-1", wm.Fingerprint)
	assert.True(t, wm.UpdatedAt.Equal(at))

	// Upsert replaces.
	require.NoError(t, store.SaveWatermark(ctx, "s1", Watermark{Fingerprint: "fp-2"}))
	wm, err = store.Watermark(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "fp-2", wm.Fingerprint)
}
