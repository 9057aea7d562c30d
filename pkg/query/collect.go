package query

import (
	"fmt"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/pkg/aql"
)

// applyCollect groups rows by the COLLECT key expressions and reduces
// each group with any AGGREGATE accumulators, implementing spec.md
// §4.10 step 6's "hash groupby" shaping stage.
func (e *Engine) applyCollect(cc *aql.CollectClause, rows []Row, params map[string]any) ([]Row, error) {
	type group struct {
		key    Row
		values []Row
	}
	order := make([]string, 0)
	groups := make(map[string]*group)

	for _, row := range rows {
		keyRow := Row{}
		var keyParts string
		for _, k := range cc.Keys {
			ec := &evalCtx{engine: e, row: row, params: params}
			v, err := ec.Eval(k.Expr)
			if err != nil {
				return nil, err
			}
			keyRow[k.Var] = v
			keyParts += fmt.Sprintf("%v|", v)
		}
		g, ok := groups[keyParts]
		if !ok {
			g = &group{key: keyRow}
			groups[keyParts] = g
			order = append(order, keyParts)
		}
		g.values = append(g.values, row)
	}

	if len(cc.Keys) == 0 && len(rows) == 0 {
		// COLLECT AGGREGATE with no input rows still produces one group:
		// SUM and COUNT are 0, MIN, MAX and AVG are null.
		groups[""] = &group{key: Row{}}
		order = append(order, "")
	}

	out := make([]Row, 0, len(order))
	for _, k := range order {
		g := groups[k]
		result := Row{}
		for kk, vv := range g.key {
			result[kk] = vv
		}
		for _, agg := range cc.Aggregates {
			v, err := e.reduceAggregate(agg, g.values, params)
			if err != nil {
				return nil, err
			}
			result[agg.Var] = v
		}
		if cc.Into != "" {
			result[cc.Into] = rowsToAny(g.values)
		}
		out = append(out, result)
	}
	return out, nil
}

func (e *Engine) reduceAggregate(agg aql.CollectAggregate, values []Row, params map[string]any) (any, error) {
	nums := make([]float64, 0, len(values))
	for _, row := range values {
		ec := &evalCtx{engine: e, row: row, params: params}
		v, err := ec.Eval(agg.Expr)
		if err != nil {
			return nil, err
		}
		if f, ok := asFloat(v); ok {
			nums = append(nums, f)
		}
	}
	switch agg.Func {
	case "SUM":
		var s float64
		for _, n := range nums {
			s += n
		}
		return s, nil
	case "COUNT":
		return float64(len(values)), nil
	case "MIN":
		if len(nums) == 0 {
			return nil, nil
		}
		m := nums[0]
		for _, n := range nums[1:] {
			if n < m {
				m = n
			}
		}
		return m, nil
	case "MAX":
		if len(nums) == 0 {
			return nil, nil
		}
		m := nums[0]
		for _, n := range nums[1:] {
			if n > m {
				m = n
			}
		}
		return m, nil
	case "AVG":
		if len(nums) == 0 {
			return nil, nil
		}
		var s float64
		for _, n := range nums {
			s += n
		}
		return s / float64(len(nums)), nil
	default:
		return nil, errs.Newf(errs.Plan, "unsupported aggregate function %s", agg.Func)
	}
}
