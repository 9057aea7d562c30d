package query

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themisdb/pkg/aql"
	"github.com/themisdb/themisdb/pkg/entity"
	"github.com/themisdb/themisdb/pkg/index"
	"github.com/themisdb/themisdb/pkg/kv"
	"github.com/themisdb/themisdb/pkg/spatial"
	"github.com/themisdb/themisdb/pkg/vector"
)

func newTestEngine(t *testing.T) (*Engine, *kv.DB, *index.Manager) {
	t.Helper()
	dir := t.TempDir()
	db, err := kv.Open(filepath.Join(dir, "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	idx := index.New(db, filepath.Join(dir, "fulltext"))
	sp := spatial.New(db)
	vectors := vector.NewRegistry(filepath.Join(dir, "vector"))
	return New(db, idx, sp, vectors, nil), db, idx
}

func putRow(t *testing.T, db *kv.DB, table, pk string, fields map[string]entity.Value) {
	t.Helper()
	fullPK := table + ":" + pk
	e := entity.New(fullPK)
	for k, v := range fields {
		e.SetField(k, v)
	}
	data, err := e.Marshal()
	require.NoError(t, err)
	_, err = db.Put(kv.CFDefault, []byte(fullPK), data)
	require.NoError(t, err)
}

func mustParse(t *testing.T, src string) *aql.Query {
	t.Helper()
	q, err := aql.Parse(src)
	require.NoError(t, err)
	return q
}

func TestExecuteFullScanWithFilter(t *testing.T) {
	e, db, _ := newTestEngine(t)
	putRow(t, db, "users", "alice", map[string]entity.Value{"name": entity.StringValue("Alice"), "age": entity.Int64Value(30)})
	putRow(t, db, "users", "bob", map[string]entity.Value{"name": entity.StringValue("Bob"), "age": entity.Int64Value(15)})

	q := mustParse(t, `FOR u IN users FILTER u.age >= 18 RETURN u.name`)
	res, err := e.Execute(context.Background(), q, Options{})
	require.NoError(t, err)
	assert.Equal(t, []any{"Alice"}, res.Rows)
}

func TestExecuteUsesEqualityIndexPlan(t *testing.T) {
	e, db, idx := newTestEngine(t)
	def, err := idx.CreateIndex(index.Equality, "users", []string{"email"}, false)
	require.NoError(t, err)

	putRow(t, db, "users", "alice", map[string]entity.Value{"email": entity.StringValue("a@x")})
	putRow(t, db, "users", "bob", map[string]entity.Value{"email": entity.StringValue("b@x")})
	require.NoError(t, idx.RebuildIndex(def))

	q := mustParse(t, `FOR u IN users FILTER u.email == "a@x" RETURN u.email`)
	res, err := e.Execute(context.Background(), q, Options{})
	require.NoError(t, err)
	assert.Equal(t, []any{"a@x"}, res.Rows)
	assert.Equal(t, PlanIndex, res.Plan.Kind)
}

func TestExecuteSortAndLimit(t *testing.T) {
	e, db, _ := newTestEngine(t)
	putRow(t, db, "items", "i1", map[string]entity.Value{"price": entity.DoubleValue(30)})
	putRow(t, db, "items", "i2", map[string]entity.Value{"price": entity.DoubleValue(10)})
	putRow(t, db, "items", "i3", map[string]entity.Value{"price": entity.DoubleValue(20)})

	q := mustParse(t, `FOR i IN items SORT i.price ASC LIMIT 0, 2 RETURN i.price`)
	res, err := e.Execute(context.Background(), q, Options{})
	require.NoError(t, err)
	assert.Equal(t, []any{10.0, 20.0}, res.Rows)
}

func TestExecuteWithCTE(t *testing.T) {
	e, db, _ := newTestEngine(t)
	putRow(t, db, "events", "e1", map[string]entity.Value{"kind": entity.StringValue("login")})
	putRow(t, db, "events", "e2", map[string]entity.Value{"kind": entity.StringValue("logout")})

	q := mustParse(t, `WITH logins AS (FOR e IN events FILTER e.kind == "login" RETURN e) FOR r IN logins RETURN r.kind`)
	res, err := e.Execute(context.Background(), q, Options{})
	require.NoError(t, err)
	assert.Equal(t, []any{"login"}, res.Rows)
}

func TestExecuteLetBinding(t *testing.T) {
	e, db, _ := newTestEngine(t)
	putRow(t, db, "orders", "o1", map[string]entity.Value{"price": entity.DoubleValue(3), "qty": entity.DoubleValue(4)})

	q := mustParse(t, `FOR o IN orders LET total = o.price * o.qty RETURN total`)
	res, err := e.Execute(context.Background(), q, Options{})
	require.NoError(t, err)
	assert.Equal(t, []any{12.0}, res.Rows)
}

func TestExecuteNoMatchesReturnsEmpty(t *testing.T) {
	e, db, _ := newTestEngine(t)
	putRow(t, db, "users", "alice", map[string]entity.Value{"age": entity.Int64Value(10)})

	q := mustParse(t, `FOR u IN users FILTER u.age >= 18 RETURN u`)
	res, err := e.Execute(context.Background(), q, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
}

func TestExecuteRejectsQueryWithoutForClause(t *testing.T) {
	e, _, _ := newTestEngine(t)
	q := &aql.Query{}
	_, err := e.Execute(context.Background(), q, Options{})
	assert.Error(t, err)
}

func TestIntersectPostingsAndsMultiplePredicates(t *testing.T) {
	a := []string{"x1", "x2", "x3"}
	b := []string{"x2", "x3", "x4"}
	got := IntersectPostings(a, b)
	assert.ElementsMatch(t, []string{"x2", "x3"}, got)
}

func TestIntersectPostingsEmptyWhenNoOverlap(t *testing.T) {
	a := []string{"x1"}
	b := []string{"x2"}
	assert.Empty(t, IntersectPostings(a, b))
}

func TestIntersectPostingsEmptyListForcesEmptyResult(t *testing.T) {
	a := []string{"x1", "x2"}
	var b []string
	assert.Empty(t, IntersectPostings(a, b))
}

func TestExecuteFiltersOnUnindexedFieldAlongsideIndexedPredicate(t *testing.T) {
	e, db, idx := newTestEngine(t)
	def, err := idx.CreateIndex(index.Equality, "users", []string{"email"}, false)
	require.NoError(t, err)

	putRow(t, db, "users", "alice", map[string]entity.Value{"email": entity.StringValue("a@x"), "age": entity.Int64Value(30)})
	putRow(t, db, "users", "bob", map[string]entity.Value{"email": entity.StringValue("a@x"), "age": entity.Int64Value(15)})
	require.NoError(t, idx.RebuildIndex(def))

	q := mustParse(t, `FOR u IN users FILTER u.email == "a@x" && u.age >= 18 RETURN u.age`)
	res, err := e.Execute(context.Background(), q, Options{})
	require.NoError(t, err)
	assert.Equal(t, []any{30.0}, res.Rows)
}
