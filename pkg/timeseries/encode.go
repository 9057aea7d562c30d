package timeseries

import (
	"bytes"
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"github.com/themisdb/themisdb/internal/errs"
)

// encodePoint renders a point's value+tags as a compact record: an 8-byte
// big-endian float64 bit pattern followed by "k=v,k=v" tag pairs. The
// timestamp and series identity live entirely in the key, so the value
// record never needs to repeat them.
func encodePoint(p Point) ([]byte, error) {
	var buf bytes.Buffer
	var fb [8]byte
	binary.BigEndian.PutUint64(fb[:], math.Float64bits(p.Value))
	buf.Write(fb[:])

	keys := make([]string, 0, len(p.Tags))
	for k := range p.Tags {
		keys = append(keys, k)
	}
	first := true
	for _, k := range keys {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(p.Tags[k])
	}
	return buf.Bytes(), nil
}

// decodePoint reconstructs a Point from its key ("ts:<metric>:<entity>:
// <ts_ms>") and value record written by encodePoint. value may be nil
// when the caller only needs the key-derived fields (metric/entity/ts).
func decodePoint(key, value []byte) (Point, error) {
	parts := strings.SplitN(string(key), ":", 4)
	if len(parts) != 4 || parts[0] != "ts" {
		return Point{}, errs.Newf(errs.BadEncoding, "malformed timeseries key %q", key)
	}
	tsMs, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Point{}, errs.Wrap(errs.BadEncoding, "parse ts_ms from key", err)
	}
	p := Point{Metric: parts[1], Entity: parts[2], TSMs: tsMs}
	if len(value) == 0 {
		return p, nil
	}
	if len(value) < 8 {
		return Point{}, errs.New(errs.BadEncoding, "truncated timeseries value record")
	}
	p.Value = math.Float64frombits(binary.BigEndian.Uint64(value[:8]))
	rest := string(value[8:])
	if rest != "" {
		p.Tags = make(map[string]string)
		for _, pair := range strings.Split(rest, ",") {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) == 2 {
				p.Tags[kv[0]] = kv[1]
			}
		}
	}
	return p, nil
}
