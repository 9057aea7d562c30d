package query

import (
	"context"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/internal/obs/log"
	"github.com/themisdb/themisdb/internal/obs/metrics"
	"github.com/themisdb/themisdb/pkg/aql"
	"github.com/themisdb/themisdb/pkg/crypto"
	"github.com/themisdb/themisdb/pkg/entity"
	"github.com/themisdb/themisdb/pkg/index"
	"github.com/themisdb/themisdb/pkg/kv"
	"github.com/themisdb/themisdb/pkg/spatial"
	"github.com/themisdb/themisdb/pkg/vector"
)

// cteMaterializeThreshold is an estimated-row-count threshold for CTE
// materialization. Execute does not consult it: every WITH binding is
// materialized once and cached, and none is inlined.
const cteMaterializeThreshold = 10_000

// defaultCTECacheEntries bounds the in-memory CTE materialization cache;
// spec.md §4.10 names a 100 MiB default budget. The number of cached CTE
// results is bounded instead of their byte size, since Row values are
// heterogeneous Go values with no cheap exact size accounting.
const defaultCTECacheEntries = 4096

// Engine ties the AQL Parser's AST to the Secondary Index Manager,
// Spatial Index, Vector Index, and KV Substrate, executing the plan
// pipeline spec.md §4.10 describes.
type Engine struct {
	db      *kv.DB
	idx     *index.Manager
	spatial *spatial.Manager
	vectors *vector.Registry
	crypto  *crypto.Core
	logger  zerolog.Logger

	cteCache *lru.Cache[string, []any]
}

// New constructs a Query Engine over the given component managers.
// crypto may be nil if the caller never decrypts fields.
func New(db *kv.DB, idx *index.Manager, sp *spatial.Manager, vectors *vector.Registry, cryptoCore *crypto.Core) *Engine {
	cache, _ := lru.New[string, []any](defaultCTECacheEntries)
	return &Engine{
		db:       db,
		idx:      idx,
		spatial:  sp,
		vectors:  vectors,
		crypto:   cryptoCore,
		logger:   log.WithComponent("query"),
		cteCache: cache,
	}
}

// Options controls one Execute call.
type Options struct {
	Params     map[string]any
	Decrypt    bool
	DecryptCtx crypto.Context
	Deadline   time.Time
}

// Result is the shaped output of one query execution.
type Result struct {
	Rows []any
	Plan Plan
}

// Execute runs q to completion: predicate extraction, plan selection,
// candidate intersection, materialization, and COLLECT/SORT/LIMIT/RETURN
// shaping.
func (e *Engine) Execute(ctx context.Context, q *aql.Query, opts Options) (*Result, error) {
	if !opts.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, opts.Deadline)
		defer cancel()
	}
	params := opts.Params
	if params == nil {
		params = map[string]any{}
	}

	for _, cte := range q.With {
		rows, err := e.materializeCTE(ctx, cte.Name, cte.Query, params, opts)
		if err != nil {
			return nil, err
		}
		params["@cte:"+cte.Name] = rows
	}

	rows, plan, err := e.runPipeline(ctx, q, params, opts, nil)
	if err != nil {
		return nil, err
	}

	metrics.QueryPlanCost.WithLabelValues(string(plan.Kind)).Observe(plan.Cost.ExpandedEstimate + 1)

	out, err := e.shape(q, rows, params)
	if err != nil {
		return nil, err
	}
	return &Result{Rows: out, Plan: plan}, nil
}

// executeSub runs a nested Query as an expression (Subquery/WITH body),
// inheriting the outer row's bindings so correlated subqueries can
// reference the outer FOR variable, and applies the inner query's own
// COLLECT/SORT/LIMIT/RETURN shaping so the result matches what the
// AQL grammar's parenthesized-subquery-as-expression form promises.
func (e *Engine) executeSub(q *aql.Query, outer Row, params map[string]any) ([]any, error) {
	rows, _, err := e.runPipeline(context.Background(), q, params, Options{}, outer)
	if err != nil {
		return nil, err
	}
	return e.shape(q, rows, params)
}

func (e *Engine) materializeCTE(ctx context.Context, name string, q *aql.Query, params map[string]any, opts Options) ([]any, error) {
	key := cteCacheKey(name, q)
	if cached, ok := e.cteCache.Get(key); ok {
		metrics.QueryCacheHits.Inc()
		return cached, nil
	}
	metrics.QueryCacheMisses.Inc()
	rows, _, err := e.runPipeline(ctx, q, params, opts, nil)
	if err != nil {
		return nil, err
	}
	out, err := e.shape(q, rows, params)
	if err != nil {
		return nil, err
	}
	e.cteCache.Add(key, out)
	return out, nil
}

func cteCacheKey(name string, q *aql.Query) string {
	// The query's own identity (pointer address by way of name + source
	// variable names) is enough to key the cache within one process
	// lifetime; queries are re-parsed per request so no two distinct CTE
	// bodies share a name accidentally within a single Execute call.
	var b []byte
	b = append(b, name...)
	for _, f := range q.For {
		b = append(b, '|')
		b = append(b, f.Var...)
	}
	return string(b)
}

// runPipeline extracts predicates from q's outermost FOR/FILTER,
// selects a plan, fetches candidates, and materializes entities. It does
// not apply COLLECT/SORT/LIMIT/RETURN — callers needing the final shape
// should use Execute or executeSub. outer carries the enclosing row's
// bindings for correlated subqueries; nil for a top-level query.
func (e *Engine) runPipeline(ctx context.Context, q *aql.Query, params map[string]any, opts Options, outer Row) ([]Row, Plan, error) {
	if len(q.For) == 0 {
		return nil, Plan{}, errs.New(errs.Plan, "query has no FOR clause")
	}
	primary := q.For[0]

	if primary.Direction != "" {
		rows, err := e.runGraphTraversal(ctx, primary, params)
		mergeOuter(rows, outer)
		return rows, Plan{Kind: PlanGraphGeo}, err
	}

	table, ok := primary.Source.(*aql.Ident)
	if !ok {
		return nil, Plan{}, errs.New(errs.Plan, "only table-source or graph-traversal FOR clauses are supported")
	}

	var rows []Row
	var plan Plan
	var err error
	if cteRows, isCTE := params["@cte:"+table.Name]; isCTE {
		rows, err = e.scanCTE(cteRows, primary.Var, q.Filters, params)
		plan = Plan{Kind: PlanScan}
	} else {
		cq := ExtractConjunctive(primary.Var, q.Filters)
		// Bound parameters become literals so index scans can use them.
		for i, p := range cq.EqPreds {
			if bv, ok := p.Value.(*aql.BindVar); ok {
				if v, bound := params[bv.Name]; bound {
					cq.EqPreds[i].Value = &aql.Literal{Value: v}
				}
			}
		}
		for i, p := range cq.RangePreds {
			if bv, ok := p.Value.(*aql.BindVar); ok {
				if v, bound := params[bv.Name]; bound {
					cq.RangePreds[i].Value = &aql.Literal{Value: v}
				}
			}
		}
		plan = SelectPlan(cq,
			func(field string) bool { return e.hasEqIndex(table.Name, field) },
			func(field string) bool { return e.hasRangeIndex(table.Name, field) },
			1000,
		)

		var pks []string
		pks, err = e.candidatesFor(table.Name, primary.Var, cq, plan)
		if err != nil {
			return nil, plan, err
		}
		rows, err = e.materialize(table.Name, pks, primary.Var, cq.ResidualExprs, params, opts)
	}
	if err != nil {
		return nil, plan, err
	}
	mergeOuter(rows, outer)

	for _, lc := range q.Lets {
		for i := range rows {
			ec := &evalCtx{engine: e, row: rows[i], params: params}
			v, err := ec.Eval(lc.Expr)
			if err != nil {
				return nil, plan, err
			}
			rows[i][lc.Var] = v
		}
	}
	return rows, plan, nil
}

// scanCTE binds forVar to each row of a materialized WITH/CTE relation
// and applies the FOR clause's FILTER predicates in place, since a CTE
// relation has no KV-backed index to push predicates into.
func (e *Engine) scanCTE(cteRows any, forVar string, filters []aql.Expr, params map[string]any) ([]Row, error) {
	items, _ := cteRows.([]any)
	out := make([]Row, 0, len(items))
	for _, item := range items {
		fields, _ := item.(map[string]any)
		row := Row{forVar: fields}
		ec := &evalCtx{engine: e, row: row, params: params}
		match := true
		for _, f := range filters {
			v, err := ec.Eval(f)
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				match = false
				break
			}
		}
		if match {
			out = append(out, row)
		}
	}
	return out, nil
}

// mergeOuter copies outer's bindings into every row that doesn't already
// bind that name, so a correlated subquery's FILTER/LET/RETURN can
// reference the enclosing FOR variable by name.
func mergeOuter(rows []Row, outer Row) {
	if len(outer) == 0 {
		return
	}
	for _, row := range rows {
		for k, v := range outer {
			if _, exists := row[k]; !exists {
				row[k] = v
			}
		}
	}
}

func (e *Engine) hasEqIndex(table, field string) bool {
	return e.idx.HasValueIndex(table, field)
}

func (e *Engine) hasRangeIndex(table, field string) bool {
	return e.idx.HasValueIndex(table, field)
}

// candidatesFor fetches the PK postings for each index-addressable
// predicate and intersects them, per spec.md §4.10 step 4. A predicate
// whose (table, field) has no registered index definition cannot be
// index-scanned at all -- ScanEqual/ScanRange return an empty posting
// list for an unindexed field indistinguishably from "zero matches", so
// such predicates are instead demoted to residual post-filter
// expressions evaluated against a full table scan, per spec.md §4.10
// step 2. An empty ConjunctiveQuery (no index-addressable predicates at
// all) falls back to a full table scan too.
func (e *Engine) candidatesFor(table, forVar string, cq *ConjunctiveQuery, plan Plan) ([]string, error) {
	var lists [][]string

	for _, p := range cq.EqPreds {
		if !e.idx.HasValueIndex(table, p.Field) {
			cq.ResidualExprs = append(cq.ResidualExprs, equalityExpr(forVar, p))
			continue
		}
		v, err := literalValue(p.Value)
		if err != nil {
			return nil, err
		}
		pks, err := e.idx.ScanEqual(table, p.Field, v)
		if err != nil {
			return nil, err
		}
		lists = append(lists, pks)
	}
	for _, p := range cq.RangePreds {
		if !e.idx.HasValueIndex(table, p.Field) {
			cq.ResidualExprs = append(cq.ResidualExprs, rangeExpr(forVar, p))
			continue
		}
		v, err := literalValue(p.Value)
		if err != nil {
			return nil, err
		}
		var lo, hi *entity.Value
		inclLo, inclHi := true, true
		switch p.Op {
		case "<":
			hi, inclHi = &v, false
		case "<=":
			hi = &v
		case ">":
			lo, inclLo = &v, false
		case ">=":
			lo = &v
		}
		pks, err := e.idx.ScanRange(table, p.Field, lo, hi, inclLo, inclHi, 0, false)
		if err != nil {
			return nil, err
		}
		lists = append(lists, pks)
	}
	if cq.FulltextPred != nil {
		qv, err := literalValue(cq.FulltextPred.Query)
		if err != nil {
			return nil, err
		}
		pks, err := e.idx.ScanFulltext(table, cq.FulltextPred.Field, qv.Str, 0)
		if err != nil {
			return nil, err
		}
		lists = append(lists, pks)
	}
	if cq.SpatialPred != nil {
		pks, err := e.spatialCandidates(table, cq.SpatialPred)
		if err != nil {
			return nil, err
		}
		lists = append(lists, pks)
	}

	if len(lists) == 0 {
		return e.fullScan(table)
	}
	candidates := IntersectPostings(lists...)

	if cq.VectorPred != nil {
		return e.vectorFilter(table, cq.VectorPred, candidates)
	}
	return candidates, nil
}

// fieldExpr rebuilds the "forVar.field" MemberAccess a classified
// predicate was extracted from, so a demoted predicate can be
// re-evaluated as a residual expression during materialization.
func fieldExpr(forVar, field string) aql.Expr {
	return &aql.MemberAccess{Target: &aql.Ident{Name: forVar}, Field: field}
}

func equalityExpr(forVar string, p EqPred) aql.Expr {
	return &aql.Binary{Op: "==", Left: fieldExpr(forVar, p.Field), Right: p.Value}
}

func rangeExpr(forVar string, p RangePred) aql.Expr {
	return &aql.Binary{Op: p.Op, Left: fieldExpr(forVar, p.Field), Right: p.Value}
}

func (e *Engine) fullScan(table string) ([]string, error) {
	it, err := e.db.Iterator(kv.CFDefault, []byte(table+":"), false)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var pks []string
	for it.Next() {
		pks = append(pks, string(it.Key()))
	}
	return pks, nil
}

func (e *Engine) spatialCandidates(table string, pred *SpatialPred) ([]string, error) {
	rect, err := spatialRectFromArgs(pred.Args)
	if err != nil {
		return nil, err
	}
	hits, err := e.spatial.SearchIntersects(table, pred.Field, rect)
	if err != nil {
		return nil, err
	}
	pks := make([]string, len(hits))
	for i, h := range hits {
		pks[i] = h.PK
	}
	return pks, nil
}

func spatialRectFromArgs(args []aql.Expr) (spatial.Rect, error) {
	if len(args) < 4 {
		return spatial.Rect{}, errs.New(errs.Plan, "spatial predicate requires minX,minY,maxX,maxY arguments")
	}
	vals := make([]float64, 4)
	for i := 0; i < 4; i++ {
		lit, ok := args[i].(*aql.Literal)
		if !ok {
			return spatial.Rect{}, errs.New(errs.Plan, "spatial predicate arguments must be literal numbers")
		}
		f, ok := lit.Value.(float64)
		if !ok {
			return spatial.Rect{}, errs.New(errs.Plan, "spatial predicate arguments must be numeric")
		}
		vals[i] = f
	}
	return spatial.Rect{MinX: vals[0], MinY: vals[1], MaxX: vals[2], MaxY: vals[3]}, nil
}

func (e *Engine) vectorFilter(table string, pred *VectorPred, whitelist []string) ([]string, error) {
	idx, err := e.vectors.Get(table, pred.Field)
	if err != nil {
		return nil, err
	}
	vec, err := literalVector(pred.Query)
	if err != nil {
		return nil, err
	}
	allow := make(map[string]bool, len(whitelist))
	for _, pk := range whitelist {
		allow[pk] = true
	}
	matches, err := idx.SearchKNN(vec, len(whitelist), allow)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.PK
	}
	return out, nil
}

func literalValue(e aql.Expr) (entity.Value, error) {
	lit, ok := e.(*aql.Literal)
	if !ok {
		return entity.Value{}, errs.New(errs.Plan, "expected a literal predicate value")
	}
	switch v := lit.Value.(type) {
	case string:
		return entity.StringValue(v), nil
	case float64:
		return entity.DoubleValue(v), nil
	case bool:
		return entity.BoolValue(v), nil
	default:
		return entity.Value{}, errs.New(errs.Plan, "unsupported literal predicate value type")
	}
}

func literalVector(e aql.Expr) ([]float32, error) {
	arr, ok := e.(*aql.ArrayLiteral)
	if !ok {
		return nil, errs.New(errs.Plan, "vector query argument must be an array literal")
	}
	out := make([]float32, len(arr.Elements))
	for i, el := range arr.Elements {
		lit, ok := el.(*aql.Literal)
		if !ok {
			return nil, errs.New(errs.Plan, "vector literal elements must be numeric")
		}
		f, ok := lit.Value.(float64)
		if !ok {
			return nil, errs.New(errs.Plan, "vector literal elements must be numeric")
		}
		out[i] = float32(f)
	}
	return out, nil
}

// materialize batch-loads entities for pks, applies residual post-filter
// expressions, and optionally decrypts fields, per spec.md §4.10 step 5.
func (e *Engine) materialize(table string, pks []string, forVar string, residual []aql.Expr, params map[string]any, opts Options) ([]Row, error) {
	keys := make([][]byte, len(pks))
	for i, pk := range pks {
		keys[i] = []byte(pk)
	}
	blobs, err := e.db.MultiGet(kv.CFDefault, keys)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(pks))
	for i, blob := range blobs {
		if blob == nil {
			continue
		}
		ent, err := entity.Unmarshal(pks[i], blob)
		if err != nil || ent.IsTombstone() {
			continue
		}
		if opts.Decrypt && e.crypto != nil {
			if err := e.decryptFields(ent, opts.DecryptCtx); err != nil {
				return nil, err
			}
		}
		row := Row{forVar: entityFields(ent), "_pk": pks[i]}

		ok := true
		for _, r := range residual {
			ec := &evalCtx{engine: e, row: row, params: params}
			v, err := ec.Eval(r)
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// decryptFields restores every encrypted field on ent to plaintext in
// place, per spec.md §4.3's read-path transparent decryption contract.
func (e *Engine) decryptFields(ent *entity.Entity, ctx crypto.Context) error {
	const flagSuffix = "_enc"
	var fields []string
	for _, name := range ent.Fields() {
		if strings.HasSuffix(name, flagSuffix) {
			fields = append(fields, strings.TrimSuffix(name, flagSuffix))
		}
	}
	for _, field := range fields {
		if err := e.crypto.DecryptEntityField(ent, field, ctx); err != nil {
			return err
		}
	}
	return nil
}

// shape applies COLLECT/AGGREGATE, SORT, LIMIT, and RETURN projection to
// the materialized rows, per spec.md §4.10 step 6.
func (e *Engine) shape(q *aql.Query, rows []Row, params map[string]any) ([]any, error) {
	if q.Collect != nil {
		grouped, err := e.applyCollect(q.Collect, rows, params)
		if err != nil {
			return nil, err
		}
		rows = grouped
	}

	if len(q.Sort) > 0 {
		var sortErr error
		sort.SliceStable(rows, func(i, j int) bool {
			for _, term := range q.Sort {
				ei := &evalCtx{engine: e, row: rows[i], params: params}
				ej := &evalCtx{engine: e, row: rows[j], params: params}
				vi, err := ei.Eval(term.Expr)
				if err != nil {
					sortErr = err
					return false
				}
				vj, err := ej.Eval(term.Expr)
				if err != nil {
					sortErr = err
					return false
				}
				cmp := compareAny(vi, vj)
				if cmp == 0 {
					continue
				}
				if term.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
		if sortErr != nil {
			return nil, sortErr
		}
	}

	if q.Limit != nil {
		lo := int(q.Limit.Offset)
		hi := lo + int(q.Limit.Count)
		if lo > len(rows) {
			lo = len(rows)
		}
		if hi > len(rows) {
			hi = len(rows)
		}
		rows = rows[lo:hi]
	}

	out := make([]any, 0, len(rows))
	for _, row := range rows {
		ec := &evalCtx{engine: e, row: row, params: params}
		v, err := ec.Eval(q.Return)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func compareAny(a, b any) int {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
	return 0
}
