package query

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
)

// candidateSpace maps a query's candidate PKs to dense uint32 ids so
// per-predicate postings lists can be intersected with a compressed
// bitmap rather than an O(n) set walk, per spec.md §4.10 step 4's
// "Secondary + Spatial candidates are intersected (set AND)" contract.
// Roaring bitmaps operate on uint32 ids, not arbitrary strings, so this
// assigns a dense id per distinct PK encountered while building postings
// for the current query only — it is not a persistent mapping.
type candidateSpace struct {
	idOf map[string]uint32
	pkOf []string
}

func newCandidateSpace() *candidateSpace {
	return &candidateSpace{idOf: make(map[string]uint32)}
}

func (s *candidateSpace) bitmapOf(pks []string) *roaring.Bitmap {
	bm := roaring.New()
	for _, pk := range pks {
		id, ok := s.idOf[pk]
		if !ok {
			id = uint32(len(s.pkOf))
			s.idOf[pk] = id
			s.pkOf = append(s.pkOf, pk)
		}
		bm.Add(id)
	}
	return bm
}

func (s *candidateSpace) pks(bm *roaring.Bitmap) []string {
	out := make([]string, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, s.pkOf[it.Next()])
	}
	sort.Strings(out)
	return out
}

// IntersectPostings intersects one or more PK postings lists (each from
// a different index's scan) and returns the resulting PK set, sorted.
// A single list is returned verbatim (sorted) without bitmap overhead.
// Any genuinely empty list forces an empty result -- conjunctive AND
// semantics require that a predicate with zero matches empties the
// whole intersection, not be skipped as if it had never run.
func IntersectPostings(lists ...[]string) []string {
	if len(lists) == 0 {
		return nil
	}
	for _, l := range lists {
		if len(l) == 0 {
			return nil
		}
	}
	if len(lists) == 1 {
		out := append([]string(nil), lists[0]...)
		sort.Strings(out)
		return out
	}
	space := newCandidateSpace()
	acc := space.bitmapOf(lists[0])
	for _, l := range lists[1:] {
		acc = roaring.And(acc, space.bitmapOf(l))
	}
	return space.pks(acc)
}
