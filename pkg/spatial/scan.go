package spatial

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/themisdb/themisdb/internal/obs/metrics"
	"github.com/themisdb/themisdb/pkg/kv"
)

// Hit is one spatial query result: a candidate PK plus its sidecar, as
// returned after broadphase-then-refine.
type Hit struct {
	PK      string
	Sidecar Sidecar
}

const (
	initialKNNRadius = 0.01
	maxKNNRadius     = 360.0
	maxKNNExpansions = 16
)

// SearchIntersects returns entities whose MBR intersects bbox: a Morton-
// range broadphase over candidate cells, refined by an exact MBR
// intersection test. Exact polygon/line intersection beyond the MBR is
// not evaluated — no computational-geometry backend is wired into
// ThemisDB, so this is the documented MBR-only fallback spec.md §4.5
// allows; callers needing exact geometry should re-parse via ParseEWKB
// and apply their own predicate to the narrowed candidate set.
func (m *Manager) SearchIntersects(table, column string, bbox Rect) ([]Hit, error) {
	metrics.IndexScansTotal.WithLabelValues("spatial_intersects").Inc()
	candidates, err := m.broadphase(table, column, bbox)
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, h := range candidates {
		if rectsIntersect(h.Sidecar.MBR, bbox) {
			out = append(out, h)
		}
	}
	return out, nil
}

// SearchWithin returns entities whose MBR lies entirely inside bbox,
// optionally also constrained to a Z range.
func (m *Manager) SearchWithin(table, column string, bbox Rect, zMin, zMax *float64) ([]Hit, error) {
	metrics.IndexScansTotal.WithLabelValues("spatial_within").Inc()
	candidates, err := m.broadphase(table, column, bbox)
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, h := range candidates {
		if !rectContains(bbox, h.Sidecar.MBR) {
			continue
		}
		if zMin != nil && h.Sidecar.ZMin < *zMin {
			continue
		}
		if zMax != nil && h.Sidecar.ZMax > *zMax {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// SearchNearby returns entities whose centroid lies within d of (x, y).
func (m *Manager) SearchNearby(table, column string, x, y, d float64) ([]Hit, error) {
	metrics.IndexScansTotal.WithLabelValues("spatial_nearby").Inc()
	bbox := Rect{MinX: x - d, MinY: y - d, MaxX: x + d, MaxY: y + d}
	candidates, err := m.broadphase(table, column, bbox)
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, h := range candidates {
		if euclidean(x, y, h.Sidecar.Centroid.X, h.Sidecar.Centroid.Y) <= d {
			out = append(out, h)
		}
	}
	return out, nil
}

// SearchKNN returns the k entities whose centroid is nearest (x, y),
// expanding the broadphase window until it holds at least k candidates
// or the expansion cap is reached.
func (m *Manager) SearchKNN(table, column string, x, y float64, k int) ([]Hit, error) {
	metrics.IndexScansTotal.WithLabelValues("spatial_knn").Inc()
	if k <= 0 {
		return nil, nil
	}
	radius := initialKNNRadius
	var candidates []Hit
	for i := 0; i < maxKNNExpansions; i++ {
		bbox := Rect{MinX: x - radius, MinY: y - radius, MaxX: x + radius, MaxY: y + radius}
		hits, err := m.broadphase(table, column, bbox)
		if err != nil {
			return nil, err
		}
		candidates = hits
		if len(hits) >= k || radius >= maxKNNRadius {
			break
		}
		radius *= 2
	}
	sort.Slice(candidates, func(i, j int) bool {
		return euclidean(x, y, candidates[i].Sidecar.Centroid.X, candidates[i].Sidecar.Centroid.Y) <
			euclidean(x, y, candidates[j].Sidecar.Centroid.X, candidates[j].Sidecar.Centroid.Y)
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func (m *Manager) broadphase(table, column string, bbox Rect) ([]Hit, error) {
	cellLo := mortonCell(Point{X: bbox.MinX, Y: bbox.MinY})
	cellHi := mortonCell(Point{X: bbox.MaxX, Y: bbox.MaxY})
	if cellHi < cellLo {
		cellLo, cellHi = cellHi, cellLo
	}
	prefix := fmt.Sprintf("spatial:%s:%s:", table, column)
	lower := []byte(fmt.Sprintf("%s%020d", prefix, cellLo))
	upper := []byte(fmt.Sprintf("%s%020d~", prefix, cellHi)) // '~' sorts after the pk separator ':'

	it, err := m.db.RangeIterator(kv.CFDefault, lower, upper, false)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var hits []Hit
	for it.Next() {
		var sc Sidecar
		if err := json.Unmarshal(it.Value(), &sc); err != nil {
			continue
		}
		pk := string(it.Key()[len(prefix)+21:]) // skip the 20-digit cell and its ':'
		hits = append(hits, Hit{PK: pk, Sidecar: sc})
	}
	return hits, nil
}

func rectsIntersect(a, b Rect) bool {
	return a.MinX <= b.MaxX && a.MaxX >= b.MinX && a.MinY <= b.MaxY && a.MaxY >= b.MinY
}

func rectContains(outer, inner Rect) bool {
	return inner.MinX >= outer.MinX && inner.MaxX <= outer.MaxX &&
		inner.MinY >= outer.MinY && inner.MaxY <= outer.MaxY
}

func euclidean(x1, y1, x2, y2 float64) float64 {
	dx, dy := x2-x1, y2-y1
	return math.Sqrt(dx*dx + dy*dy)
}
