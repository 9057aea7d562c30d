package query

import (
	"math"
	"strconv"
	"strings"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/pkg/aql"
)

// evalFulltextCall evaluates FULLTEXT(field, query) as a boolean
// expression (used outside the FILTER predicate-extraction fast path,
// e.g. inside RETURN projections) by checking token containment on the
// bound row rather than re-querying the bleve index.
func (e *Engine) evalFulltextCall(c *evalCtx, call *aql.Call) (any, error) {
	if len(call.Args) != 2 {
		return nil, errs.New(errs.Plan, "FULLTEXT requires (field, query)")
	}
	fieldVal, err := c.Eval(call.Args[0])
	if err != nil {
		return nil, err
	}
	queryVal, err := c.Eval(call.Args[1])
	if err != nil {
		return nil, err
	}
	text, _ := fieldVal.(string)
	query, _ := queryVal.(string)
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if !strings.Contains(strings.ToLower(text), tok) {
			return false, nil
		}
	}
	return true, nil
}

// evalSimilarityCall evaluates SIMILARITY(field, query) to a numeric
// cosine-similarity score for use in SORT/RETURN, outside the dedicated
// vector+geo predicate-extraction fast path.
func (e *Engine) evalSimilarityCall(c *evalCtx, call *aql.Call) (any, error) {
	if len(call.Args) != 2 {
		return nil, errs.New(errs.Plan, "SIMILARITY requires (field, query)")
	}
	fieldVal, err := c.Eval(call.Args[0])
	if err != nil {
		return nil, err
	}
	queryVal, err := c.Eval(call.Args[1])
	if err != nil {
		return nil, err
	}
	a, ok1 := nativeFloat32Vector(fieldVal)
	b, ok2 := nativeFloat32Vector(queryVal)
	if !ok1 || !ok2 || len(a) != len(b) {
		return 0.0, nil
	}
	return float64(cosineSimilarity(a, b)), nil
}

func cosineSimilarity(a, b []float32) float32 {
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / float32(math.Sqrt(float64(na))*math.Sqrt(float64(nb)))
}

// evalProximityCall evaluates PROXIMITY(field, point) to a planar
// Euclidean distance score for use in SORT/RETURN, matching the
// distance convention the spatial index's own range scans use.
func (e *Engine) evalProximityCall(c *evalCtx, call *aql.Call) (any, error) {
	if len(call.Args) != 2 {
		return nil, errs.New(errs.Plan, "PROXIMITY requires (field, point)")
	}
	lon1, lat1, ok1 := resolvePoint(c, call.Args[0])
	lon2, lat2, ok2 := resolvePoint(c, call.Args[1])
	if !ok1 || !ok2 {
		return 0.0, nil
	}
	dx, dy := lon2-lon1, lat2-lat1
	return math.Sqrt(dx*dx + dy*dy), nil
}

// resolvePoint extracts a (lon, lat) coordinate pair from expr. A
// "var.field" MemberAccess resolves via the "<field>_lon"/"<field>_lat"
// sibling-field convention the geo index writer uses (put.go's
// geoFields); anything else is evaluated directly and expected to be a
// two-element [lon, lat] array.
func resolvePoint(c *evalCtx, expr aql.Expr) (lon, lat float64, ok bool) {
	if m, isMember := expr.(*aql.MemberAccess); isMember && m.Field != "" {
		if target, err := c.Eval(m.Target); err == nil {
			lonF, ok1 := coordFloat(memberField(target, m.Field+"_lon"))
			latF, ok2 := coordFloat(memberField(target, m.Field+"_lat"))
			if ok1 && ok2 {
				return lonF, latF, true
			}
		}
	}
	v, err := c.Eval(expr)
	if err != nil {
		return 0, 0, false
	}
	arr, isArr := v.([]any)
	if !isArr || len(arr) != 2 {
		return 0, 0, false
	}
	lonF, ok1 := coordFloat(arr[0])
	latF, ok2 := coordFloat(arr[1])
	return lonF, latF, ok1 && ok2
}

func coordFloat(v any) (float64, bool) {
	switch vv := v.(type) {
	case float64:
		return vv, true
	case string:
		f, err := strconv.ParseFloat(vv, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
