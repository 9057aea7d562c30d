package spatial

// Morton (Z-order) bucketing for the broadphase scan: the same bit-
// interleaving technique pkg/index's geo secondary-index variant applies
// to lat/lon string fields, used here against full EWKB-derived
// centroids. A finer grid is used since spatial geometry coordinates are
// not limited to a lat/lon domain at double precision.
const mortonGridBits = 24

func gridCoord(v, lo, hi float64) uint32 {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	scale := float64(uint32(1)<<mortonGridBits) - 1
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

// mortonCell buckets a point into its Z-order cell over the WGS84-style
// [-180,180]x[-90,90] domain, which is just a convenient fixed domain for
// bucket sizing; it does not assume the geometry is actually lat/lon.
func mortonCell(p Point) uint64 {
	x := gridCoord(p.X, -180, 180)
	y := gridCoord(p.Y, -90, 90)
	return interleave(x, y)
}
