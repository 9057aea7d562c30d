package timeseries

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/themisdb/themisdb/pkg/kv"
)

func openTestDB(t *testing.T) *kv.DB {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutAndQuery(t *testing.T) {
	db := openTestDB(t)
	s := New(db)

	require.NoError(t, s.Put(Point{Metric: "cpu", Entity: "host1", TSMs: 1000, Value: 42.5}))
	require.NoError(t, s.Put(Point{Metric: "cpu", Entity: "host1", TSMs: 2000, Value: 43.1}))
	require.NoError(t, s.Put(Point{Metric: "cpu", Entity: "host2", TSMs: 1500, Value: 10}))

	pts, err := s.Query("cpu", 0, 3000, "host1", 0)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	require.Equal(t, int64(1000), pts[0].TSMs)
	require.InDelta(t, 42.5, pts[0].Value, 1e-9)
}

func TestAggregate(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	for i := int64(0); i < 10; i++ {
		require.NoError(t, s.Put(Point{Metric: "reqs", Entity: "svc", TSMs: i * 100, Value: float64(i)}))
	}
	windows, err := s.Aggregate("reqs", 0, 1000, 500, "")
	require.NoError(t, err)
	require.Len(t, windows, 2)
	require.Equal(t, 5, windows[0].Count)
}

func TestRetentionCleanup(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	require.NoError(t, s.Put(Point{Metric: "m", Entity: "e", TSMs: 100, Value: 1}))
	require.NoError(t, s.Put(Point{Metric: "m", Entity: "e", TSMs: 9000, Value: 2}))

	n, err := s.RetentionCleanup("m", 5000)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pts, err := s.Query("m", 0, 100000, "", 0)
	require.NoError(t, err)
	require.Len(t, pts, 1)
	require.Equal(t, int64(9000), pts[0].TSMs)
}

func TestGorillaChunkRoundTrip(t *testing.T) {
	points := []Point{
		{Metric: "cpu", Entity: "h1", TSMs: 1000, Value: 1.5},
		{Metric: "cpu", Entity: "h1", TSMs: 1010, Value: 1.5},
		{Metric: "cpu", Entity: "h1", TSMs: 1020, Value: 2.25},
		{Metric: "cpu", Entity: "h1", TSMs: 1035, Value: -3.75},
	}
	chunk, err := EncodeChunk("cpu", "h1", points)
	require.NoError(t, err)

	decoded, err := DecodeChunk(chunk)
	require.NoError(t, err)
	require.Len(t, decoded, len(points))
	for i, p := range points {
		require.Equal(t, p.TSMs, decoded[i].TSMs)
		require.InDelta(t, p.Value, decoded[i].Value, 1e-12)
	}
}

func TestCompactReplacesRawPointsWithChunk(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	for i := int64(0); i < 5; i++ {
		require.NoError(t, s.Put(Point{Metric: "m", Entity: "e", TSMs: i * 10, Value: float64(i)}))
	}
	require.NoError(t, s.Compact("m", "e", 0, 40))

	pts, err := s.Query("m", 0, 40, "e", 0)
	require.NoError(t, err)
	require.Empty(t, pts) // raw points were deleted; chunk record isn't a Point-shaped key
}
