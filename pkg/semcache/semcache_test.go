package semcache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themisdb/pkg/kv"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestPutQueryRoundTrip(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put("hello", map[string]any{"temp": 0.2}, []byte(`"world"`), nil, -1))

	entry, ok, err := c.Query("hello", map[string]any{"temp": 0.2})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"world"`, string(entry.Response))
}

func TestQueryMissForDifferentParams(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put("hello", map[string]any{"temp": 0.2}, []byte(`"world"`), nil, -1))

	_, ok, err := c.Query("hello", map[string]any{"temp": 0.9})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiredEntryIsMiss(t *testing.T) {
	c := newTestCache(t)
	key, err := cacheKey("p", nil)
	require.NoError(t, err)
	entry := Entry{Response: []byte(`"x"`), TimestampMs: time.Now().Add(-time.Hour).UnixMilli(), TTLSeconds: 1}
	raw, err := marshalEntry(entry)
	require.NoError(t, err)
	_, err = c.db.Put(kv.CFDefault, key, raw)
	require.NoError(t, err)

	_, ok, err := c.Query("p", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearExpiredRemovesOnlyExpired(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put("keep", nil, []byte(`1`), nil, -1))
	require.NoError(t, c.Put("drop", nil, []byte(`1`), nil, 1))

	key, err := cacheKey("drop", nil)
	require.NoError(t, err)
	raw, err := c.db.Get(kv.CFDefault, key)
	require.NoError(t, err)
	var e Entry
	require.NoError(t, unmarshalEntry(raw, &e))
	e.TimestampMs = time.Now().Add(-time.Hour).UnixMilli()
	raw2, err := marshalEntry(e)
	require.NoError(t, err)
	_, err = c.db.Put(kv.CFDefault, key, raw2)
	require.NoError(t, err)

	removed, err := c.ClearExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, err := c.Query("keep", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStatsTracksHitsAndMisses(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put("a", nil, []byte(`1`), nil, -1))

	_, _, _ = c.Query("a", nil)
	_, _, _ = c.Query("b", nil)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
	assert.Equal(t, 1, stats.Entries)
}
