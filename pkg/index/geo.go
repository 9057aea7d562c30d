package index

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/themisdb/themisdb/pkg/kv"
)

// geo indexing buckets (lat, lon) into a Z-order (Morton) cell over a
// fixed-precision integer grid, matching the broadphase bucketing
// strategy spec.md §4.5 uses for the spatial index proper. The geo
// secondary-index variant here is the simpler lat/lon-only cousin that
// operates on plain numeric-string fields rather than EWKB geometry.
const geoGridBits = 20 // ~0.0003 degree cell resolution over [-180,180]

func geoCell(lat, lon float64) uint64 {
	x := gridCoord(lon, -180, 180)
	y := gridCoord(lat, -90, 90)
	return interleave(x, y)
}

func gridCoord(v, lo, hi float64) uint32 {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	scale := float64(uint32(1)<<geoGridBits) - 1
	return uint32((v - lo) / (hi - lo) * scale)
}

func interleave(x, y uint32) uint64 {
	return spread(uint64(x)) | (spread(uint64(y)) << 1)
}

func spread(x uint64) uint64 {
	x &= 0x00000000FFFFFFFF
	x = (x | (x << 16)) & 0x0000FFFF0000FFFF
	x = (x | (x << 8)) & 0x00FF00FF00FF00FF
	x = (x | (x << 4)) & 0x0F0F0F0F0F0F0F0F
	x = (x | (x << 2)) & 0x3333333333333333
	x = (x | (x << 1)) & 0x5555555555555555
	return x
}

func geoKey(table, col string, lat, lon float64, pk string) []byte {
	cell := geoCell(lat, lon)
	return []byte(fmt.Sprintf("idx:geo:%s:%s:%020d:%s", table, col, cell, pk))
}

func encodeLatLon(lat, lon float64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], math.Float64bits(lat))
	binary.BigEndian.PutUint64(buf[8:], math.Float64bits(lon))
	return buf
}

func decodeLatLon(v []byte) (lat, lon float64) {
	lat = math.Float64frombits(binary.BigEndian.Uint64(v[:8]))
	lon = math.Float64frombits(binary.BigEndian.Uint64(v[8:]))
	return
}

// GeoHit is one candidate returned by a geo scan, refined by exact
// lat/lon distance/bbox checks after the Morton-bucket broadphase.
type GeoHit struct {
	PK       string
	Lat, Lon float64
}

// ScanGeoBBox returns entities whose indexed lat/lon fall within
// [minLat,maxLat] x [minLon,maxLon].
func (m *Manager) ScanGeoBBox(table, col string, minLat, minLon, maxLat, maxLon float64) ([]GeoHit, error) {
	cellLo := geoCell(minLat, minLon)
	cellHi := geoCell(maxLat, maxLon)
	if cellHi < cellLo {
		cellLo, cellHi = cellHi, cellLo
	}
	prefix := fmt.Sprintf("idx:geo:%s:%s:", table, col)
	lower := []byte(fmt.Sprintf("%s%020d", prefix, cellLo))
	upper := []byte(fmt.Sprintf("%s%020d~", prefix, cellHi)) // '~' sorts after pk separator ':'

	it, err := m.db.RangeIterator(kv.CFDefault, lower, upper, false)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var hits []GeoHit
	for it.Next() {
		lat, lon := decodeLatLon(it.Value())
		if lat < minLat || lat > maxLat || lon < minLon || lon > maxLon {
			continue
		}
		pk := string(it.Key()[len(prefix)+21:]) // skip the 20-digit cell and its ':'
		hits = append(hits, GeoHit{PK: pk, Lat: lat, Lon: lon})
	}
	return hits, nil
}

// ScanGeoRadius returns entities within d (same units as lat/lon,
// approximated via the equirectangular distance) of (lat, lon).
func (m *Manager) ScanGeoRadius(table, col string, lat, lon, d float64) ([]GeoHit, error) {
	// Broadphase over a bounding box that covers the radius, refine exactly.
	hits, err := m.ScanGeoBBox(table, col, lat-d, lon-d, lat+d, lon+d)
	if err != nil {
		return nil, err
	}
	out := hits[:0]
	for _, h := range hits {
		if haversineApprox(lat, lon, h.Lat, h.Lon) <= d {
			out = append(out, h)
		}
	}
	return out, nil
}

func haversineApprox(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := lat2 - lat1
	dLon := lon2 - lon1
	return math.Sqrt(dLat*dLat + dLon*dLon)
}

func pkAfterLastColon(k []byte) string {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == ':' {
			return string(k[i+1:])
		}
	}
	return ""
}
