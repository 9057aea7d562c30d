package index

import (
	"github.com/themisdb/themisdb/internal/obs/metrics"
	"github.com/themisdb/themisdb/pkg/entity"
	"github.com/themisdb/themisdb/pkg/kv"
)

// prefixUpperBound returns the smallest key greater than every key
// sharing prefix, or nil if prefix is all 0xFF bytes.
func prefixUpperBound(prefix []byte) []byte {
	up := append([]byte(nil), prefix...)
	for i := len(up) - 1; i >= 0; i-- {
		if up[i] != 0xFF {
			up[i]++
			return up[:i+1]
		}
	}
	return nil
}

// ScanEqual returns the PKs of entities whose column equals val.
func (m *Manager) ScanEqual(table, col string, val entity.Value) ([]string, error) {
	metrics.IndexScansTotal.WithLabelValues("equality").Inc()
	return m.scanEqualCols(table, []string{col}, []entity.Value{val})
}

// ScanEqualComposite returns the PKs of entities matching all (cols[i],
// vals[i]) pairs of a composite index, in the index's declared column
// order.
func (m *Manager) ScanEqualComposite(table string, cols []string, vals []entity.Value) ([]string, error) {
	metrics.IndexScansTotal.WithLabelValues("composite").Inc()
	return m.scanEqualCols(table, cols, vals)
}

func (m *Manager) scanEqualCols(table string, cols []string, vals []entity.Value) ([]string, error) {
	prefix := fmtIndexPrefix("val", table, joinCols(cols))
	buf := append([]byte(nil), prefix...)
	for _, v := range vals {
		enc, err := encodeSortable(v)
		if err != nil {
			return nil, err
		}
		buf = appendOrderedSegment(buf, enc)
	}
	buf = append(buf, ':')

	it, err := m.db.Iterator(kv.CFDefault, buf, false)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var pks []string
	for it.Next() {
		pks = append(pks, string(it.Key()[len(buf):]))
	}
	return pks, nil
}

// ScanRange returns PKs of entities whose column falls in [lo, hi]
// (each bound inclusive per inclLo/inclHi), sorted ascending unless reverse
// is set, truncated to limit (0 = unlimited).
func (m *Manager) ScanRange(table, col string, lo, hi *entity.Value, inclLo, inclHi bool, limit int, reverse bool) ([]string, error) {
	metrics.IndexScansTotal.WithLabelValues("range").Inc()
	prefix := fmtIndexPrefix("val", table, col)

	lower := append([]byte(nil), prefix...)
	if lo != nil {
		enc, err := encodeSortable(*lo)
		if err != nil {
			return nil, err
		}
		lower = appendOrderedSegment(lower, enc)
		if !inclLo {
			lower = append(lower, 0xFF) // push past any pk suffix for this value
		}
	}

	var upper []byte
	if hi != nil {
		enc, err := encodeSortable(*hi)
		if err != nil {
			return nil, err
		}
		upper = appendOrderedSegment(append([]byte(nil), prefix...), enc)
		if inclHi {
			upper = append(upper, 0xFF)
		}
	} else {
		// No upper value bound: stay within this column's keyspace rather
		// than spilling into the next column/table's index entries.
		upper = prefixUpperBound(prefix)
	}

	it, err := m.db.RangeIterator(kv.CFDefault, lower, upper, reverse)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var pks []string
	for it.Next() {
		if limit > 0 && len(pks) >= limit {
			break
		}
		pks = append(pks, pkFromValueKey(it.Key(), prefix))
	}
	return pks, nil
}

func pkFromValueKey(k, prefix []byte) string {
	rest := k[len(prefix):]
	_, rest = splitOrderedSegment(rest)
	if len(rest) < 1 {
		return ""
	}
	return string(rest[1:]) // skip the ':' separator
}

// CleanupTTL finds every entity whose TTL column has expired as of
// nowUnix, per spec.md §4.4's
// "[ttlidx:<t>:<c>:<0>, ttlidx:<t>:<c>:<now>]" contract. It deletes
// nothing itself: it returns the expired PKs and the ops that delete
// their TTL index entries. Deleting the entities and their other index
// entries is the caller's responsibility, so it can be folded into the
// caller's own atomic batch.
func (m *Manager) CleanupTTL(table, col string, nowUnix int64) (removedPKs []string, ops []kv.Op, err error) {
	prefix := "ttlidx:" + table + ":" + col + ":"
	lower := []byte(prefix)
	upper := ttlKey(table, col, nowUnix, "\xff\xff\xff\xff") // inclusive of `now`, so push past

	it, ierr := m.db.RangeIterator(kv.CFDefault, lower, upper, false)
	if ierr != nil {
		return nil, nil, ierr
	}
	defer it.Close()

	for it.Next() {
		k := it.Key()
		pk := string(k[len(prefix)+21:]) // skip the 20-digit expiry and its ':'
		removedPKs = append(removedPKs, pk)
		ops = append(ops, kv.DeleteOp(kv.CFDefault, append([]byte(nil), k...)))
	}
	return removedPKs, ops, nil
}
