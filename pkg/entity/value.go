package entity

import (
	"encoding/binary"
	"math"

	"github.com/themisdb/themisdb/internal/errs"
)

// Kind tags the type carried by a Value, matching spec.md §3's
// string|int64|double|bool|vector<float>|vector<uint8>|json|absent union.
type Kind byte

const (
	KindAbsent Kind = iota
	KindString
	KindInt64
	KindDouble
	KindBool
	KindVectorFloat
	KindVectorBytes
	KindJSON
)

// Value is a tagged union over an entity field's possible representations.
// Exactly one of the typed accessors is meaningful for a given Kind.
type Value struct {
	Kind     Kind
	Str      string
	Int      int64
	Double   float64
	Bool     bool
	VecFloat []float32
	VecBytes []byte
	JSON     []byte // canonical, already-validated JSON bytes
}

// Absent is the zero value representing a field with no stored data.
var Absent = Value{Kind: KindAbsent}

func StringValue(s string) Value  { return Value{Kind: KindString, Str: s} }
func Int64Value(i int64) Value    { return Value{Kind: KindInt64, Int: i} }
func DoubleValue(f float64) Value { return Value{Kind: KindDouble, Double: f} }
func BoolValue(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func VectorFloatValue(v []float32) Value {
	return Value{Kind: KindVectorFloat, VecFloat: append([]float32(nil), v...)}
}
func VectorBytesValue(v []byte) Value {
	return Value{Kind: KindVectorBytes, VecBytes: append([]byte(nil), v...)}
}
func JSONValue(raw []byte) Value { return Value{Kind: KindJSON, JSON: append([]byte(nil), raw...)} }

// IsAbsent reports whether v carries no data.
func (v Value) IsAbsent() bool { return v.Kind == KindAbsent }

// encode appends the canonical length-prefixed encoding of v to buf.
func (v Value) encode(buf []byte) ([]byte, error) {
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case KindAbsent:
		// no payload
	case KindString:
		buf = appendLenPrefixed(buf, []byte(v.Str))
	case KindInt64:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(v.Int))
		buf = append(buf, tmp[:]...)
	case KindDouble:
		if math.IsNaN(v.Double) {
			return nil, errs.New(errs.BadEncoding, "NaN is not a representable double")
		}
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v.Double))
		buf = append(buf, tmp[:]...)
	case KindBool:
		if v.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case KindVectorFloat:
		var countBuf [4]byte
		binary.BigEndian.PutUint32(countBuf[:], uint32(len(v.VecFloat)))
		buf = append(buf, countBuf[:]...)
		for _, f := range v.VecFloat {
			if math.IsNaN(float64(f)) {
				return nil, errs.New(errs.BadEncoding, "NaN is not representable in vector<float>")
			}
			var tmp [4]byte
			binary.BigEndian.PutUint32(tmp[:], math.Float32bits(f))
			buf = append(buf, tmp[:]...)
		}
	case KindVectorBytes:
		buf = appendLenPrefixed(buf, v.VecBytes)
	case KindJSON:
		buf = appendLenPrefixed(buf, v.JSON)
	default:
		return nil, errs.Newf(errs.BadEncoding, "unknown value kind %d", v.Kind)
	}
	return buf, nil
}

func appendLenPrefixed(buf, data []byte) []byte {
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(data)))
	buf = append(buf, lb[:]...)
	buf = append(buf, data...)
	return buf
}

// decodeValue reads one canonical Value from buf, returning the remainder.
func decodeValue(buf []byte) (Value, []byte, error) {
	if len(buf) < 1 {
		return Value{}, nil, errs.New(errs.BadEncoding, "truncated value: missing kind byte")
	}
	kind := Kind(buf[0])
	buf = buf[1:]

	switch kind {
	case KindAbsent:
		return Value{Kind: KindAbsent}, buf, nil
	case KindString:
		s, rest, err := readLenPrefixed(buf)
		if err != nil {
			return Value{}, nil, err
		}
		return Value{Kind: KindString, Str: string(s)}, rest, nil
	case KindInt64:
		if len(buf) < 8 {
			return Value{}, nil, errs.New(errs.BadEncoding, "truncated int64")
		}
		i := int64(binary.BigEndian.Uint64(buf[:8]))
		return Value{Kind: KindInt64, Int: i}, buf[8:], nil
	case KindDouble:
		if len(buf) < 8 {
			return Value{}, nil, errs.New(errs.BadEncoding, "truncated double")
		}
		f := math.Float64frombits(binary.BigEndian.Uint64(buf[:8]))
		if math.IsNaN(f) {
			return Value{}, nil, errs.New(errs.BadEncoding, "NaN is not a representable double")
		}
		return Value{Kind: KindDouble, Double: f}, buf[8:], nil
	case KindBool:
		if len(buf) < 1 {
			return Value{}, nil, errs.New(errs.BadEncoding, "truncated bool")
		}
		return Value{Kind: KindBool, Bool: buf[0] != 0}, buf[1:], nil
	case KindVectorFloat:
		if len(buf) < 4 {
			return Value{}, nil, errs.New(errs.BadEncoding, "truncated vector<float> count")
		}
		n := binary.BigEndian.Uint32(buf[:4])
		buf = buf[4:]
		if uint64(len(buf)) < uint64(n)*4 {
			return Value{}, nil, errs.New(errs.BadEncoding, "truncated vector<float> payload")
		}
		vec := make([]float32, n)
		for i := uint32(0); i < n; i++ {
			vec[i] = math.Float32frombits(binary.BigEndian.Uint32(buf[:4]))
			buf = buf[4:]
		}
		return Value{Kind: KindVectorFloat, VecFloat: vec}, buf, nil
	case KindVectorBytes:
		b, rest, err := readLenPrefixed(buf)
		if err != nil {
			return Value{}, nil, err
		}
		return Value{Kind: KindVectorBytes, VecBytes: b}, rest, nil
	case KindJSON:
		b, rest, err := readLenPrefixed(buf)
		if err != nil {
			return Value{}, nil, err
		}
		return Value{Kind: KindJSON, JSON: b}, rest, nil
	default:
		return Value{}, nil, errs.Newf(errs.BadEncoding, "unknown value kind byte %d", kind)
	}
}

func readLenPrefixed(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, errs.New(errs.BadEncoding, "truncated length prefix")
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint64(len(buf)) < uint64(n) {
		return nil, nil, errs.New(errs.BadEncoding, "truncated length-prefixed payload")
	}
	return append([]byte(nil), buf[:n]...), buf[n:], nil
}
