// Package query implements ThemisDB's Query Engine: AST-to-plan
// compilation, conjunctive predicate extraction, index selection, a cost
// model, candidate-set intersection, batched materialization, and
// COLLECT/SORT/LIMIT/RETURN shaping, per spec.md §4.10.
package query

import (
	"github.com/themisdb/themisdb/pkg/aql"
)

// EqPred is an extracted "field == value" predicate.
type EqPred struct {
	Field string
	Value aql.Expr
}

// RangePred is an extracted range comparison ("field > value", etc).
type RangePred struct {
	Field string
	Op    string // <, <=, >, >=
	Value aql.Expr
}

// FulltextPred is an extracted FULLTEXT(field, query) predicate.
type FulltextPred struct {
	Field string
	Query aql.Expr
}

// SpatialPred is an extracted ST_WITHIN/ST_INTERSECTS/PROXIMITY-style
// predicate over a geometry or lat/lon field.
type SpatialPred struct {
	Func  string // ST_WITHIN, ST_INTERSECTS, PROXIMITY
	Field string
	Args  []aql.Expr
}

// VectorPred is an extracted SIMILARITY(field, query) predicate, found
// either in FILTER (as a threshold comparison) or in SORT (ranking).
type VectorPred struct {
	Field     string
	Query     aql.Expr
	Threshold aql.Expr // set when found as "SIMILARITY(...) > threshold"
	ThreshOp  string
}

// ConjunctiveQuery is the predicate-extraction result of spec.md §4.10
// step 1: every top-level AND-connected FILTER clause classified into
// one of the index-addressable predicate kinds, with anything that
// cannot be classified kept as a residual post-filter expression.
type ConjunctiveQuery struct {
	EqPreds       []EqPred
	RangePreds    []RangePred
	FulltextPred  *FulltextPred
	SpatialPred   *SpatialPred
	VectorPred    *VectorPred
	ResidualExprs []aql.Expr // non-conjunctive or unrecognized subtrees
}

var rangeOps = map[string]bool{"<": true, "<=": true, ">": true, ">=": true}

// ExtractConjunctive walks forVar's FILTER expressions, splitting the
// top-level AND chain into index-addressable predicates. Subtrees that
// are not a simple "field op literal/bindvar" comparison, or predicates
// referencing a different FOR variable, degrade to ResidualExprs and are
// evaluated during materialization instead.
func ExtractConjunctive(forVar string, filters []aql.Expr) *ConjunctiveQuery {
	cq := &ConjunctiveQuery{}
	var terms []aql.Expr
	for _, f := range filters {
		terms = append(terms, flattenAnd(f)...)
	}
	for _, t := range terms {
		if classifyTerm(forVar, t, cq) {
			continue
		}
		cq.ResidualExprs = append(cq.ResidualExprs, t)
	}
	return cq
}

// flattenAnd recursively splits a Binary "AND" tree into its leaf terms.
func flattenAnd(e aql.Expr) []aql.Expr {
	if bin, ok := e.(*aql.Binary); ok && bin.Op == "AND" {
		return append(flattenAnd(bin.Left), flattenAnd(bin.Right)...)
	}
	return []aql.Expr{e}
}

// classifyTerm attempts to fold one leaf term into cq; returns false if
// the term is not classifiable and should be kept as residual.
func classifyTerm(forVar string, e aql.Expr, cq *ConjunctiveQuery) bool {
	switch n := e.(type) {
	case *aql.Call:
		return classifyCall(forVar, n, cq)
	case *aql.Binary:
		if n.Op == "==" {
			if field, ok := fieldOf(forVar, n.Left); ok && isScalar(n.Right) {
				cq.EqPreds = append(cq.EqPreds, EqPred{Field: field, Value: n.Right})
				return true
			}
			if field, ok := fieldOf(forVar, n.Right); ok && isScalar(n.Left) {
				cq.EqPreds = append(cq.EqPreds, EqPred{Field: field, Value: n.Left})
				return true
			}
			return false
		}
		if rangeOps[n.Op] {
			if field, ok := fieldOf(forVar, n.Left); ok && isScalar(n.Right) {
				cq.RangePreds = append(cq.RangePreds, RangePred{Field: field, Op: n.Op, Value: n.Right})
				return true
			}
			if field, ok := fieldOf(forVar, n.Right); ok && isScalar(n.Left) {
				cq.RangePreds = append(cq.RangePreds, RangePred{Field: field, Op: flipOp(n.Op), Value: n.Left})
				return true
			}
			return false
		}
		if call, ok := n.Left.(*aql.Call); ok && call.Name == "SIMILARITY" && rangeOps[n.Op] {
			field, vq, ok := similarityArgs(forVar, call)
			if !ok {
				return false
			}
			cq.VectorPred = &VectorPred{Field: field, Query: vq, Threshold: n.Right, ThreshOp: n.Op}
			return true
		}
	}
	return false
}

func classifyCall(forVar string, c *aql.Call, cq *ConjunctiveQuery) bool {
	switch c.Name {
	case "FULLTEXT":
		if len(c.Args) != 2 {
			return false
		}
		field, ok := fieldOf(forVar, c.Args[0])
		if !ok {
			return false
		}
		cq.FulltextPred = &FulltextPred{Field: field, Query: c.Args[1]}
		return true
	case "ST_WITHIN", "ST_INTERSECTS", "PROXIMITY":
		if len(c.Args) < 1 {
			return false
		}
		field, ok := fieldOf(forVar, c.Args[0])
		if !ok {
			return false
		}
		cq.SpatialPred = &SpatialPred{Func: c.Name, Field: field, Args: c.Args[1:]}
		return true
	}
	return false
}

func similarityArgs(forVar string, c *aql.Call) (field string, q aql.Expr, ok bool) {
	if len(c.Args) != 2 {
		return "", nil, false
	}
	field, ok = fieldOf(forVar, c.Args[0])
	if !ok {
		return "", nil, false
	}
	return field, c.Args[1], true
}

// fieldOf recognizes "forVar.field" member access and returns field.
func fieldOf(forVar string, e aql.Expr) (string, bool) {
	m, ok := e.(*aql.MemberAccess)
	if !ok || m.Field == "" {
		return "", false
	}
	id, ok := m.Target.(*aql.Ident)
	if !ok || id.Name != forVar {
		return "", false
	}
	return m.Field, true
}

func isScalar(e aql.Expr) bool {
	switch e.(type) {
	case *aql.Literal, *aql.BindVar:
		return true
	}
	return false
}

func flipOp(op string) string {
	switch op {
	case "<":
		return ">"
	case "<=":
		return ">="
	case ">":
		return "<"
	case ">=":
		return "<="
	}
	return op
}
