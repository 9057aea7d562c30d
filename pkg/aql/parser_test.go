package aql

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSimpleForFilterReturn(t *testing.T) {
	q, err := Parse(`FOR u IN users FILTER u.age >= 18 RETURN u.name`)
	require.NoError(t, err)
	require.Len(t, q.For, 1)
	require.Equal(t, "u", q.For[0].Var)
	require.Equal(t, &Ident{Name: "users"}, q.For[0].Source)
	require.Len(t, q.Filters, 1)

	bin, ok := q.Filters[0].(*Binary)
	require.True(t, ok)
	require.Equal(t, ">=", bin.Op)

	ret, ok := q.Return.(*MemberAccess)
	require.True(t, ok)
	require.Equal(t, "name", ret.Field)
}

func TestParseBindVarAndLogicalOperators(t *testing.T) {
	q, err := Parse(`FOR d IN docs FILTER d.active == true AND (d.score > @min OR d.tag == "vip") RETURN d`)
	require.NoError(t, err)
	bin, ok := q.Filters[0].(*Binary)
	require.True(t, ok)
	require.Equal(t, "AND", bin.Op)

	right, ok := bin.Right.(*Binary)
	require.True(t, ok)
	require.Equal(t, "OR", right.Op)

	cmp, ok := right.Left.(*Binary)
	require.True(t, ok)
	bv, ok := cmp.Right.(*BindVar)
	require.True(t, ok)
	require.Equal(t, "min", bv.Name)
}

func TestParseLetCollectSortLimit(t *testing.T) {
	q, err := Parse(`
		FOR o IN orders
		LET total = o.price * o.qty
		COLLECT region = o.region AGGREGATE revenue = SUM(total)
		SORT revenue DESC
		LIMIT 10, 5
		RETURN { region, revenue }
	`)
	require.NoError(t, err)
	require.Len(t, q.Lets, 1)
	require.Equal(t, "total", q.Lets[0].Var)

	require.NotNil(t, q.Collect)
	require.Len(t, q.Collect.Keys, 1)
	require.Equal(t, "region", q.Collect.Keys[0].Var)
	require.Len(t, q.Collect.Aggregates, 1)
	require.Equal(t, "SUM", q.Collect.Aggregates[0].Func)

	require.Len(t, q.Sort, 1)
	require.True(t, q.Sort[0].Desc)

	require.NotNil(t, q.Limit)
	require.EqualValues(t, 10, q.Limit.Offset)
	require.EqualValues(t, 5, q.Limit.Count)

	obj, ok := q.Return.(*ObjectLiteral)
	require.True(t, ok)
	require.Equal(t, []string{"region", "revenue"}, obj.Keys)
}

func TestParseQuantifiedSatisfies(t *testing.T) {
	q, err := Parse(`FOR u IN users FILTER ANY t IN u.tags SATISFIES t == "admin" RETURN u`)
	require.NoError(t, err)
	quant, ok := q.Filters[0].(*Quantified)
	require.True(t, ok)
	require.Equal(t, "ANY", quant.Kind)
	require.Equal(t, "t", quant.Var)
}

func TestParseGraphTraversalOutbound(t *testing.T) {
	q, err := Parse(`FOR v, e IN OUTBOUND "users/1" GRAPH "social" RETURN v`)
	require.NoError(t, err)
	fc := q.For[0]
	require.Equal(t, "v", fc.Var)
	require.Equal(t, "e", fc.EdgeVar)
	require.Equal(t, "OUTBOUND", fc.Direction)
	require.Equal(t, "social", fc.GraphName)
}

func TestParseShortestPath(t *testing.T) {
	q, err := Parse(`FOR v IN OUTBOUND SHORTEST_PATH "users/1" TO "users/2" GRAPH "social" RETURN v`)
	require.NoError(t, err)
	fc := q.For[0]
	require.NotNil(t, fc.ShortestTo)
	lit, ok := fc.ShortestTo.(*Literal)
	require.True(t, ok)
	require.Equal(t, "users/2", lit.Value)
}

func TestParseSubqueryAndFirstOrNull(t *testing.T) {
	q, err := Parse(`FOR u IN users LET top = (FOR o IN orders FILTER o.user == u.id SORT o.total DESC LIMIT 1 RETURN o)[0] RETURN top`)
	require.NoError(t, err)
	require.Len(t, q.Lets, 1)
	fon, ok := q.Lets[0].Expr.(*FirstOrNull)
	require.True(t, ok)
	require.NotNil(t, fon.Source)
}

func TestParseWithCTE(t *testing.T) {
	q, err := Parse(`WITH recent AS (FOR e IN events FILTER e.ts > @since RETURN e) FOR r IN recent RETURN r`)
	require.NoError(t, err)
	require.Len(t, q.With, 1)
	require.Equal(t, "recent", q.With[0].Name)
	require.NotNil(t, q.With[0].Query)
}

func TestParseFulltextAndSimilarityCalls(t *testing.T) {
	q, err := Parse(`FOR d IN docs FILTER FULLTEXT(d.body, "fraud alert") AND SIMILARITY(d.embedding, @vec) > 0.8 RETURN d`)
	require.NoError(t, err)
	bin, ok := q.Filters[0].(*Binary)
	require.True(t, ok)
	require.Equal(t, "AND", bin.Op)
	call, ok := bin.Left.(*Call)
	require.True(t, ok)
	require.Equal(t, "FULLTEXT", call.Name)
	require.Len(t, call.Args, 2)
}

func TestParseErrorOnMalformedQuery(t *testing.T) {
	_, err := Parse(`FOR u IN users FILTER RETURN u`)
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestParseErrorOnMissingReturn(t *testing.T) {
	_, err := Parse(`FOR u IN users FILTER u.age > 1`)
	require.Error(t, err)
}
