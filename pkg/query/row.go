package query

import (
	"encoding/json"

	"github.com/themisdb/themisdb/pkg/entity"
)

// Row is one materialized result binding: variable name -> value. The
// primary FOR variable is bound to a field map (string -> native Go
// value); LET/COLLECT variables bind to whatever Eval produced.
type Row map[string]any

// entityFields converts an Entity's declared fields into the native Go
// value representation Eval operates over.
func entityFields(e *entity.Entity) map[string]any {
	out := make(map[string]any, len(e.Fields()))
	for _, name := range e.Fields() {
		out[name] = valueToNative(e.GetField(name))
	}
	return out
}

func valueToNative(v entity.Value) any {
	switch v.Kind {
	case entity.KindString:
		return v.Str
	case entity.KindInt64:
		return float64(v.Int)
	case entity.KindDouble:
		return v.Double
	case entity.KindBool:
		return v.Bool
	case entity.KindVectorFloat:
		out := make([]any, len(v.VecFloat))
		for i, f := range v.VecFloat {
			out[i] = float64(f)
		}
		return out
	case entity.KindVectorBytes:
		return v.VecBytes
	case entity.KindJSON:
		var decoded any
		if err := json.Unmarshal(v.JSON, &decoded); err == nil {
			return decoded
		}
		return string(v.JSON)
	default:
		return nil
	}
}

// nativeFloat32Vector coerces a []any of float64 (as produced by
// valueToNative for KindVectorFloat) or a []float32 literal into the
// []float32 form the Vector Index expects.
func nativeFloat32Vector(v any) ([]float32, bool) {
	switch vv := v.(type) {
	case []float32:
		return vv, true
	case []any:
		out := make([]float32, len(vv))
		for i, e := range vv {
			f, ok := e.(float64)
			if !ok {
				return nil, false
			}
			out[i] = float32(f)
		}
		return out, true
	default:
		return nil, false
	}
}
