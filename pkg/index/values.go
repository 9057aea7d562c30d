package index

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/pkg/entity"
)

// encodeSortable renders v as a byte string whose lexicographic order
// matches its value order, so equality, composite, range and sparse
// indexes can all share the same sorted physical layout. Vector and JSON
// values are not indexable this way.
func encodeSortable(v entity.Value) ([]byte, error) {
	switch v.Kind {
	case entity.KindString:
		return []byte(v.Str), nil
	case entity.KindInt64:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v.Int)^(1<<63))
		return buf, nil
	case entity.KindDouble:
		if math.IsNaN(v.Double) {
			return nil, errs.New(errs.BadEncoding, "NaN is not indexable")
		}
		bits := math.Float64bits(v.Double)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, bits)
		return buf, nil
	case entity.KindBool:
		if v.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	default:
		return nil, errs.Newf(errs.BadEncoding, "value kind %d is not indexable", v.Kind)
	}
}

// appendOrderedSegment appends an order-preserving, self-delimiting
// encoding of seg to buf: every 0x00 byte in seg is escaped to 0x00 0xFF,
// and the segment is terminated with 0x00 0x00. Unlike a fixed-size
// length prefix, this keeps concatenated segments sorting
// lexicographically by (segment1, segment2, ...) regardless of each
// segment's length, which a length-prefixed encoding does not for
// variable-length values (two strings of different lengths sort by
// length first, not content) -- required for range scans per spec.md §8
// property 7.
func appendOrderedSegment(buf, seg []byte) []byte {
	for _, b := range seg {
		if b == 0x00 {
			buf = append(buf, 0x00, 0xFF)
		} else {
			buf = append(buf, b)
		}
	}
	return append(buf, 0x00, 0x00)
}

// splitOrderedSegment reads one appendOrderedSegment-encoded segment off
// the front of buf, returning the decoded segment and the remainder
// following its terminator.
func splitOrderedSegment(buf []byte) (seg, rest []byte) {
	out := make([]byte, 0, len(buf))
	for i := 0; i < len(buf); i++ {
		if buf[i] == 0x00 && i+1 < len(buf) {
			if buf[i+1] == 0x00 {
				return out, buf[i+2:]
			}
			if buf[i+1] == 0xFF {
				out = append(out, 0x00)
				i++
				continue
			}
		}
		out = append(out, buf[i])
	}
	return out, nil
}

// parseNumericString parses a decimal string field into a float64, used
// by the geo index's "<col>_lat"/"<col>_lon" contract.
func parseNumericString(v entity.Value) (float64, bool) {
	if v.Kind != entity.KindString {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.Str, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
