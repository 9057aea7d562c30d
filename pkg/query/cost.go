package query

// Cost records the per-plan attributes spec.md §4.10 step 3 requires be
// traceable: which access path the optimizer believes is cheapest and
// why, independent of whether that plan is ultimately chosen.
type Cost struct {
	SpatialFirstCost         float64
	VectorFirstCost          float64
	FulltextFirstCost        float64
	BranchingEstimate        float64
	ExpandedEstimate         float64
	CompositePrefilterApplied bool
}

// PlanKind names the chosen access strategy, used both for the
// QueryPlanCost metric label and for tracing.
type PlanKind string

const (
	PlanScan       PlanKind = "scan"
	PlanIndex      PlanKind = "index"
	PlanComposite  PlanKind = "composite"
	PlanFulltext   PlanKind = "fulltext"
	PlanSpatial    PlanKind = "spatial"
	PlanVector     PlanKind = "vector"
	PlanVectorGeo  PlanKind = "vector_geo"
	PlanContentGeo PlanKind = "content_geo"
	PlanGraphGeo   PlanKind = "graph_geo"
)

// maxGraphBranching is the estimated-expansion abort threshold spec.md
// §4.10 names for the graph+geo hybrid plan.
const maxGraphBranching = 1_000_000

// Plan is the chosen access strategy plus the cost attributes that led
// to it, for tracing and the QueryPlanCost histogram.
type Plan struct {
	Kind PlanKind
	Cost Cost
}

// SelectPlan chooses the cheapest access path across the predicates
// ExtractConjunctive found, per spec.md §4.10 steps 2-3. Index existence
// is consulted via the hasX callbacks so this package stays independent
// of the concrete index/spatial/vector manager types.
func SelectPlan(cq *ConjunctiveQuery, hasEqIndex, hasRangeIndex func(field string) bool, estimatedRows int) Plan {
	cost := Cost{
		ExpandedEstimate: float64(estimatedRows),
	}

	if cq.VectorPred != nil && cq.SpatialPred != nil {
		cost.VectorFirstCost = 1
		cost.SpatialFirstCost = 2
		return Plan{Kind: PlanVectorGeo, Cost: cost}
	}
	if cq.FulltextPred != nil && cq.SpatialPred != nil {
		cost.FulltextFirstCost = float64(estimatedRows) * 0.5
		cost.SpatialFirstCost = float64(estimatedRows) * 0.3
		return Plan{Kind: PlanContentGeo, Cost: cost}
	}
	if cq.SpatialPred != nil {
		cost.SpatialFirstCost = 1
		return Plan{Kind: PlanSpatial, Cost: cost}
	}
	if cq.VectorPred != nil {
		cost.VectorFirstCost = 1
		return Plan{Kind: PlanVector, Cost: cost}
	}
	if cq.FulltextPred != nil {
		cost.FulltextFirstCost = 1
		return Plan{Kind: PlanFulltext, Cost: cost}
	}

	widest := 0
	hasComposite := false
	for range cq.EqPreds {
		widest++
	}
	if widest >= 2 {
		allIndexed := true
		for _, p := range cq.EqPreds {
			if !hasEqIndex(p.Field) {
				allIndexed = false
				break
			}
		}
		if allIndexed {
			hasComposite = true
		}
	}
	if hasComposite {
		cost.CompositePrefilterApplied = true
		return Plan{Kind: PlanComposite, Cost: cost}
	}
	for _, p := range cq.EqPreds {
		if hasEqIndex(p.Field) {
			return Plan{Kind: PlanIndex, Cost: cost}
		}
	}
	for _, p := range cq.RangePreds {
		if hasRangeIndex(p.Field) {
			return Plan{Kind: PlanIndex, Cost: cost}
		}
	}
	return Plan{Kind: PlanScan, Cost: cost}
}
