package spatial

import (
	"encoding/binary"
	"math"
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
	return New(db), db
}

// ewkbPoint builds a little-endian, 2D (no Z/M/SRID) EWKB Point.
func ewkbPoint(x, y float64) []byte {
	buf := make([]byte, 21)
	buf[0] = 1 // little-endian
	binary.LittleEndian.PutUint32(buf[1:5], uint32(GeomPoint))
	binary.LittleEndian.PutUint64(buf[5:13], math.Float64bits(x))
	binary.LittleEndian.PutUint64(buf[13:21], math.Float64bits(y))
	return buf
}

func putGeom(t *testing.T, db *kv.DB, m *Manager, table, column, pk string, x, y float64) {
	t.Helper()
	fullPK := table + ":" + pk
	e := entity.New(fullPK)
	e.SetField(column, entity.VectorBytesValue(ewkbPoint(x, y)))
	ops, err := m.PutOps(table, column, fullPK, nil, e)
	require.NoError(t, err)
	data, err := e.Marshal()
	require.NoError(t, err)
	allOps := append([]kv.Op{kv.PutOp(kv.CFDefault, []byte(fullPK), data)}, ops...)
	_, err = db.WriteBatch(allOps)
	require.NoError(t, err)
}

func TestParseEWKBPoint(t *testing.T) {
	g, sc, err := ParseEWKB(ewkbPoint(1.5, -2.5))
	require.NoError(t, err)
	assert.Equal(t, GeomPoint, g.Type)
	assert.Equal(t, Point{X: 1.5, Y: -2.5}, sc.Centroid)
	assert.Equal(t, Rect{MinX: 1.5, MinY: -2.5, MaxX: 1.5, MaxY: -2.5}, sc.MBR)
}

func TestParseEWKBRejectsTruncated(t *testing.T) {
	_, _, err := ParseEWKB([]byte{1, 1, 0, 0, 0})
	assert.Error(t, err)
}

func TestSearchIntersectsFindsPointInBBox(t *testing.T) {
	m, db := newTestManager(t)
	m.RegisterColumn("places", "loc")

	putGeom(t, db, m, "places", "loc", "p1", 37.7749, -122.4194)
	putGeom(t, db, m, "places", "loc", "p2", 40.7128, -74.0060)

	hits, err := m.SearchIntersects("places", "loc", Rect{MinX: 37.0, MinY: -123.0, MaxX: 38.0, MaxY: -122.0})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "places:p1", hits[0].PK)
}

func TestSearchNearbyRespectsRadius(t *testing.T) {
	m, db := newTestManager(t)
	m.RegisterColumn("places", "loc")

	putGeom(t, db, m, "places", "loc", "near", 1.0, 1.0)
	putGeom(t, db, m, "places", "loc", "far", 50.0, 50.0)

	hits, err := m.SearchNearby("places", "loc", 1.0, 1.0, 0.5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "places:near", hits[0].PK)
}

func TestSearchKNNReturnsClosestK(t *testing.T) {
	m, db := newTestManager(t)
	m.RegisterColumn("places", "loc")

	putGeom(t, db, m, "places", "loc", "a", 0, 0)
	putGeom(t, db, m, "places", "loc", "b", 1, 0)
	putGeom(t, db, m, "places", "loc", "c", 10, 10)

	hits, err := m.SearchKNN("places", "loc", 0, 0, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "places:a", hits[0].PK)
	assert.Equal(t, "places:b", hits[1].PK)
}

func TestPutOpsRemovesStaleEntryOnMove(t *testing.T) {
	m, db := newTestManager(t)
	m.RegisterColumn("places", "loc")

	fullPK := "places:p1"
	e1 := entity.New(fullPK)
	e1.SetField("loc", entity.VectorBytesValue(ewkbPoint(0, 0)))
	ops, err := m.PutOps("places", "loc", fullPK, nil, e1)
	require.NoError(t, err)
	data, err := e1.Marshal()
	require.NoError(t, err)
	_, err = db.WriteBatch(append([]kv.Op{kv.PutOp(kv.CFDefault, []byte(fullPK), data)}, ops...))
	require.NoError(t, err)

	e2 := entity.New(fullPK)
	e2.SetField("loc", entity.VectorBytesValue(ewkbPoint(90, 90)))
	moveOps, err := m.PutOps("places", "loc", fullPK, e1, e2)
	require.NoError(t, err)
	data2, err := e2.Marshal()
	require.NoError(t, err)
	_, err = db.WriteBatch(append([]kv.Op{kv.PutOp(kv.CFDefault, []byte(fullPK), data2)}, moveOps...))
	require.NoError(t, err)

	hits, err := m.SearchNearby("places", "loc", 0, 0, 1)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = m.SearchNearby("places", "loc", 90, 90, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestDeleteOpsRemovesEntry(t *testing.T) {
	m, db := newTestManager(t)
	m.RegisterColumn("places", "loc")
	putGeom(t, db, m, "places", "loc", "p1", 5, 5)

	fullPK := "places:p1"
	oldEnt := entity.New(fullPK)
	oldEnt.SetField("loc", entity.VectorBytesValue(ewkbPoint(5, 5)))
	ops, err := m.DeleteOps("places", "loc", fullPK, oldEnt)
	require.NoError(t, err)
	require.NotEmpty(t, ops)
	_, err = db.WriteBatch(ops)
	require.NoError(t, err)

	hits, err := m.SearchNearby("places", "loc", 5, 5, 1)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestReindexRebuildsFromEntityScan(t *testing.T) {
	m, db := newTestManager(t)
	m.RegisterColumn("places", "loc")

	fullPK := "places:p1"
	e := entity.New(fullPK)
	e.SetField("loc", entity.VectorBytesValue(ewkbPoint(12, 34)))
	data, err := e.Marshal()
	require.NoError(t, err)
	_, err = db.Put(kv.CFDefault, []byte(fullPK), data)
	require.NoError(t, err)

	require.NoError(t, m.Reindex("places"))

	hits, err := m.SearchNearby("places", "loc", 12, 34, 0.5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "places:p1", hits[0].PK)
}

func TestColumnsReturnsRegistered(t *testing.T) {
	m, _ := newTestManager(t)
	m.RegisterColumn("places", "loc")
	m.RegisterColumn("places", "area")

	assert.ElementsMatch(t, []string{"loc", "area"}, m.Columns("places"))
	assert.Empty(t, m.Columns("other"))
}
