package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themisdb/pkg/entity"
	"github.com/themisdb/themisdb/pkg/kv"
)

func newTestManager(t *testing.T) (*Manager, *kv.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := kv.Open(filepath.Join(dir, "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, filepath.Join(dir, "fulltext")), db
}

func putEntity(t *testing.T, db *kv.DB, m *Manager, table, pk string, fields map[string]entity.Value) *entity.Entity {
	t.Helper()
	fullPK := table + ":" + pk
	e := entity.New(fullPK)
	for k, v := range fields {
		e.SetField(k, v)
	}
	indexOps, err := m.PutOps(table, fullPK, nil, e)
	require.NoError(t, err)
	data, err := e.Marshal()
	require.NoError(t, err)
	ops := append([]kv.Op{kv.PutOp(kv.CFDefault, []byte(fullPK), data)}, indexOps...)
	_, err = db.WriteBatch(ops)
	require.NoError(t, err)
	require.NoError(t, m.ApplyFulltext(table, fullPK, nil, e))
	return e
}

func TestEqualityIndexScan(t *testing.T) {
	m, db := newTestManager(t)
	_, err := m.CreateIndex(Equality, "users", []string{"email"}, false)
	require.NoError(t, err)

	putEntity(t, db, m, "users", "alice", map[string]entity.Value{"email": entity.StringValue("a@x")})
	putEntity(t, db, m, "users", "bob", map[string]entity.Value{"email": entity.StringValue("b@x")})

	pks, err := m.ScanEqual("users", "email", entity.StringValue("a@x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"users:alice"}, pks)
}

func TestUniqueIndexRejectsDuplicate(t *testing.T) {
	m, db := newTestManager(t)
	_, err := m.CreateIndex(Equality, "users", []string{"email"}, true)
	require.NoError(t, err)

	putEntity(t, db, m, "users", "alice", map[string]entity.Value{"email": entity.StringValue("a@x")})

	e2 := entity.New("users:carol")
	e2.SetField("email", entity.StringValue("a@x"))
	_, err = m.PutOps("users", "users:carol", nil, e2)
	require.Error(t, err)
}

func TestCompositeIndexScan(t *testing.T) {
	m, db := newTestManager(t)
	_, err := m.CreateIndex(Composite, "orders", []string{"region", "status"}, false)
	require.NoError(t, err)

	putEntity(t, db, m, "orders", "o1", map[string]entity.Value{
		"region": entity.StringValue("us"), "status": entity.StringValue("open"),
	})
	putEntity(t, db, m, "orders", "o2", map[string]entity.Value{
		"region": entity.StringValue("us"), "status": entity.StringValue("closed"),
	})

	pks, err := m.ScanEqualComposite("orders", []string{"region", "status"},
		[]entity.Value{entity.StringValue("us"), entity.StringValue("open")})
	require.NoError(t, err)
	assert.Equal(t, []string{"orders:o1"}, pks)
}

func TestRangeIndexScan(t *testing.T) {
	m, db := newTestManager(t)
	_, err := m.CreateIndex(Range, "events", []string{"ts"}, false)
	require.NoError(t, err)

	for i := int64(0); i < 10; i++ {
		putEntity(t, db, m, "events", itoa(i), map[string]entity.Value{"ts": entity.Int64Value(i)})
	}

	lo := entity.Int64Value(3)
	hi := entity.Int64Value(6)
	pks, err := m.ScanRange("events", "ts", &lo, &hi, true, true, 0, false)
	require.NoError(t, err)
	assert.Len(t, pks, 4) // 3,4,5,6

	pksExcl, err := m.ScanRange("events", "ts", &lo, &hi, false, false, 0, false)
	require.NoError(t, err)
	assert.Len(t, pksExcl, 2) // 4,5
}

func TestRangeIndexScanOrdersStringsLexicographically(t *testing.T) {
	m, db := newTestManager(t)
	_, err := m.CreateIndex(Range, "users", []string{"name"}, false)
	require.NoError(t, err)

	putEntity(t, db, m, "users", "a", map[string]entity.Value{"name": entity.StringValue("apple")})
	putEntity(t, db, m, "users", "m", map[string]entity.Value{"name": entity.StringValue("m")})
	putEntity(t, db, m, "users", "z", map[string]entity.Value{"name": entity.StringValue("zebra")})

	lo := entity.StringValue("apple")
	hi := entity.StringValue("m")
	pks, err := m.ScanRange("users", "name", &lo, &hi, true, true, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"users:a", "users:m"}, pks)
}

func TestHasValueIndex(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateIndex(Equality, "users", []string{"email"}, false)
	require.NoError(t, err)
	_, err = m.CreateIndex(Composite, "orders", []string{"region", "status"}, false)
	require.NoError(t, err)

	assert.True(t, m.HasValueIndex("users", "email"))
	assert.False(t, m.HasValueIndex("users", "age"))
	assert.False(t, m.HasValueIndex("orders", "region"))
}

func itoa(i int64) string {
	digits := "0123456789"
	if i == 0 {
		return "0"
	}
	out := ""
	for i > 0 {
		out = string(digits[i%10]) + out
		i /= 10
	}
	return out
}

func TestSparseIndexSkipsAbsentColumn(t *testing.T) {
	m, db := newTestManager(t)
	_, err := m.CreateIndex(Sparse, "users", []string{"nickname"}, false)
	require.NoError(t, err)

	putEntity(t, db, m, "users", "alice", map[string]entity.Value{"nickname": entity.StringValue("al")})
	putEntity(t, db, m, "users", "bob", map[string]entity.Value{})

	pks, err := m.ScanEqual("users", "nickname", entity.StringValue("al"))
	require.NoError(t, err)
	assert.Equal(t, []string{"users:alice"}, pks)
}

func TestGeoIndexBBoxAndRadius(t *testing.T) {
	m, db := newTestManager(t)
	_, err := m.CreateIndex(Geo, "places", []string{"loc"}, false)
	require.NoError(t, err)

	putEntity(t, db, m, "places", "p1", map[string]entity.Value{
		"loc_lat": entity.StringValue("37.7749"), "loc_lon": entity.StringValue("-122.4194"),
	})
	putEntity(t, db, m, "places", "p2", map[string]entity.Value{
		"loc_lat": entity.StringValue("40.7128"), "loc_lon": entity.StringValue("-74.0060"),
	})

	hits, err := m.ScanGeoBBox("places", "loc", 37.0, -123.0, 38.0, -122.0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "places:p1", hits[0].PK)

	radiusHits, err := m.ScanGeoRadius("places", "loc", 37.7749, -122.4194, 0.5)
	require.NoError(t, err)
	require.Len(t, radiusHits, 1)
	assert.Equal(t, "places:p1", radiusHits[0].PK)
}

func TestGeoIndexSkipsInvalidCoordinates(t *testing.T) {
	m, db := newTestManager(t)
	_, err := m.CreateIndex(Geo, "places", []string{"loc"}, false)
	require.NoError(t, err)

	putEntity(t, db, m, "places", "bad", map[string]entity.Value{
		"loc_lat": entity.StringValue("not-a-number"), "loc_lon": entity.StringValue("-122.4194"),
	})

	hits, err := m.ScanGeoBBox("places", "loc", -90, -180, 90, 180)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestTTLCleanup(t *testing.T) {
	m, db := newTestManager(t)
	_, err := m.CreateIndex(TTL, "sessions", []string{"expires_at"}, false)
	require.NoError(t, err)

	putEntity(t, db, m, "sessions", "s1", map[string]entity.Value{"expires_at": entity.Int64Value(100)})
	putEntity(t, db, m, "sessions", "s2", map[string]entity.Value{"expires_at": entity.Int64Value(200)})

	removed, ops, err := m.CleanupTTL("sessions", "expires_at", 150)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sessions:s1"}, removed)
	require.NotEmpty(t, ops)
	_, err = db.WriteBatch(ops)
	require.NoError(t, err)
}

func TestFulltextScanANDSemantics(t *testing.T) {
	m, db := newTestManager(t)
	_, err := m.CreateIndex(Fulltext, "articles", []string{"body"}, false)
	require.NoError(t, err)

	putEntity(t, db, m, "articles", "a1", map[string]entity.Value{"body": entity.StringValue("the quick brown fox")})
	putEntity(t, db, m, "articles", "a2", map[string]entity.Value{"body": entity.StringValue("the lazy dog")})

	pks, err := m.ScanFulltext("articles", "body", "quick fox", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"articles:a1"}, pks)

	none, err := m.ScanFulltext("articles", "body", "quick dog", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRebuildIndex(t *testing.T) {
	m, db := newTestManager(t)
	def, err := m.CreateIndex(Equality, "users", []string{"email"}, false)
	require.NoError(t, err)

	fullPK := "users:alice"
	e := entity.New(fullPK)
	e.SetField("email", entity.StringValue("a@x"))
	data, err := e.Marshal()
	require.NoError(t, err)
	_, err = db.Put(kv.CFDefault, []byte(fullPK), data)
	require.NoError(t, err)

	require.NoError(t, m.RebuildIndex(def))

	pks, err := m.ScanEqual("users", "email", entity.StringValue("a@x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"users:alice"}, pks)
}
