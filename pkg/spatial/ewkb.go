// Package spatial implements ThemisDB's spatial index: EWKB geometry
// parsing, a precomputed MBR/centroid sidecar, and a Morton-bucketed
// broadphase-then-refine query layer over bbox/radius/kNN predicates.
package spatial

import (
	"encoding/binary"
	"math"

	"github.com/themisdb/themisdb/internal/errs"
)

// GeomType is the WKB base geometry type. ThemisDB parses the three
// shapes common to indexed entity geometry; curves, TINs and the other
// rarer WKB types are out of scope since an MBR/centroid sidecar is all
// indexing needs and none of those types change how that's computed.
type GeomType uint32

const (
	GeomPoint      GeomType = 1
	GeomLineString GeomType = 2
	GeomPolygon    GeomType = 3
)

const (
	ewkbZFlag    = 0x80000000
	ewkbMFlag    = 0x40000000
	ewkbSRIDFlag = 0x20000000
	ewkbTypeMask = 0x000000ff
)

// Point is a 2D coordinate.
type Point struct{ X, Y float64 }

// Rect is an axis-aligned bounding rectangle in (X, Y).
type Rect struct{ MinX, MinY, MaxX, MaxY float64 }

// Geometry is a parsed EWKB shape. Rings holds the point/linestring
// vertex list, or a polygon's exterior ring followed by its interior
// rings.
type Geometry struct {
	SRID  uint32
	Type  GeomType
	Rings [][]Point
}

// Sidecar is the precomputed index payload: MBR, centroid and Z extent,
// per spec.md §4.5's "{mbr, centroid, z_min, z_max}" contract.
type Sidecar struct {
	MBR      Rect
	Centroid Point
	ZMin     float64
	ZMax     float64
}

type ewkbReader struct {
	buf []byte
	bo  binary.ByteOrder
}

func (r *ewkbReader) uint32() (uint32, error) {
	if len(r.buf) < 4 {
		return 0, errs.New(errs.BadGeometry, "truncated ewkb: expected uint32")
	}
	v := r.bo.Uint32(r.buf[:4])
	r.buf = r.buf[4:]
	return v, nil
}

func (r *ewkbReader) float64() (float64, error) {
	if len(r.buf) < 8 {
		return 0, errs.New(errs.BadGeometry, "truncated ewkb: expected float64")
	}
	v := math.Float64frombits(r.bo.Uint64(r.buf[:8]))
	r.buf = r.buf[8:]
	return v, nil
}

// point reads an X/Y pair plus extraOrds trailing ordinates (Z and/or M,
// per the flags on the geometry type word). Only the first extra ordinate
// is kept, and only when hasZ — M is consumed but not indexed.
func (r *ewkbReader) point(extraOrds int, hasZ bool) (Point, float64, error) {
	x, err := r.float64()
	if err != nil {
		return Point{}, 0, err
	}
	y, err := r.float64()
	if err != nil {
		return Point{}, 0, err
	}
	var z float64
	for i := 0; i < extraOrds; i++ {
		v, err := r.float64()
		if err != nil {
			return Point{}, 0, err
		}
		if hasZ && i == 0 {
			z = v
		}
	}
	return Point{X: x, Y: y}, z, nil
}

func (r *ewkbReader) pointArray(extraOrds int, hasZ bool) ([]Point, []float64, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, nil, err
	}
	pts := make([]Point, 0, n)
	zs := make([]float64, 0, n)
	for i := uint32(0); i < n; i++ {
		p, z, err := r.point(extraOrds, hasZ)
		if err != nil {
			return nil, nil, err
		}
		pts = append(pts, p)
		zs = append(zs, z)
	}
	return pts, zs, nil
}

// ParseEWKB decodes a PostGIS-style Extended WKB byte string, returning
// both the parsed Geometry and its indexable Sidecar. Returns BadGeometry
// on any structural parse failure or an unsupported geometry type.
func ParseEWKB(b []byte) (*Geometry, *Sidecar, error) {
	if len(b) < 5 {
		return nil, nil, errs.New(errs.BadGeometry, "ewkb too short")
	}
	var bo binary.ByteOrder
	switch b[0] {
	case 0:
		bo = binary.BigEndian
	case 1:
		bo = binary.LittleEndian
	default:
		return nil, nil, errs.New(errs.BadGeometry, "invalid ewkb byte order marker")
	}

	r := &ewkbReader{buf: b[1:], bo: bo}
	rawType, err := r.uint32()
	if err != nil {
		return nil, nil, err
	}
	hasZ := rawType&ewkbZFlag != 0
	hasM := rawType&ewkbMFlag != 0
	hasSRID := rawType&ewkbSRIDFlag != 0
	baseType := GeomType(rawType & ewkbTypeMask)

	g := &Geometry{Type: baseType}
	if hasSRID {
		srid, err := r.uint32()
		if err != nil {
			return nil, nil, err
		}
		g.SRID = srid
	}

	extraOrds := 0
	if hasZ {
		extraOrds++
	}
	if hasM {
		extraOrds++
	}

	switch baseType {
	case GeomPoint:
		pt, z, err := r.point(extraOrds, hasZ)
		if err != nil {
			return nil, nil, err
		}
		g.Rings = [][]Point{{pt}}
		return g, sidecarFromRings(g.Rings, [][]float64{{z}}), nil

	case GeomLineString:
		pts, zs, err := r.pointArray(extraOrds, hasZ)
		if err != nil {
			return nil, nil, err
		}
		if len(pts) == 0 {
			return nil, nil, errs.New(errs.BadGeometry, "linestring has no points")
		}
		g.Rings = [][]Point{pts}
		return g, sidecarFromRings(g.Rings, [][]float64{zs}), nil

	case GeomPolygon:
		ringCount, err := r.uint32()
		if err != nil {
			return nil, nil, err
		}
		rings := make([][]Point, 0, ringCount)
		allZ := make([][]float64, 0, ringCount)
		for i := uint32(0); i < ringCount; i++ {
			pts, zs, err := r.pointArray(extraOrds, hasZ)
			if err != nil {
				return nil, nil, err
			}
			rings = append(rings, pts)
			allZ = append(allZ, zs)
		}
		if len(rings) == 0 || len(rings[0]) == 0 {
			return nil, nil, errs.New(errs.BadGeometry, "polygon has no exterior ring")
		}
		g.Rings = rings
		return g, sidecarFromRings(g.Rings, allZ), nil

	default:
		return nil, nil, errs.Newf(errs.BadGeometry, "unsupported ewkb geometry type %d", baseType)
	}
}

func sidecarFromRings(rings [][]Point, zs [][]float64) *Sidecar {
	mbr := Rect{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	var sumX, sumY float64
	var n int
	for _, ring := range rings {
		for _, p := range ring {
			if p.X < mbr.MinX {
				mbr.MinX = p.X
			}
			if p.Y < mbr.MinY {
				mbr.MinY = p.Y
			}
			if p.X > mbr.MaxX {
				mbr.MaxX = p.X
			}
			if p.Y > mbr.MaxY {
				mbr.MaxY = p.Y
			}
			sumX += p.X
			sumY += p.Y
			n++
		}
	}
	zMin, zMax := math.Inf(1), math.Inf(-1)
	for _, ring := range zs {
		for _, z := range ring {
			if z < zMin {
				zMin = z
			}
			if z > zMax {
				zMax = z
			}
		}
	}
	if n == 0 {
		return &Sidecar{}
	}
	if math.IsInf(zMin, 1) {
		zMin = 0
	}
	if math.IsInf(zMax, -1) {
		zMax = 0
	}
	return &Sidecar{
		MBR:      mbr,
		Centroid: Point{X: sumX / float64(n), Y: sumY / float64(n)},
		ZMin:     zMin,
		ZMax:     zMax,
	}
}
