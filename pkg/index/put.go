package index

import (
	"fmt"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/pkg/entity"
	"github.com/themisdb/themisdb/pkg/kv"
)

// PutOps computes the index-maintenance ops for writing newEnt (replacing
// oldEnt, which may be nil on first insert). Ops must be appended to the
// same atomic WriteBatch as the entity write itself, per spec.md §4.1's
// ownership rule and §4.4's "writes are additive ... via delete-then-
// insert inside the same batch" contract. Unique-index violations are
// checked before any op is emitted, so a conflicting put writes nothing.
func (m *Manager) PutOps(table string, pk string, oldEnt, newEnt *entity.Entity) ([]kv.Op, error) {
	var ops []kv.Op
	for _, def := range m.definitionsFor(table) {
		// Fulltext has no physical KV entries; it is co-updated out-of-band
		// by ApplyFulltext after the batch commits.
		if def.Kind == Fulltext {
			continue
		}
		opsForDef, err := m.singleDefPutOps(def, pk, oldEnt, newEnt)
		if err != nil {
			return nil, err
		}
		ops = append(ops, opsForDef...)
	}
	return ops, nil
}

// DeleteOps computes the index-maintenance ops for removing oldEnt.
func (m *Manager) DeleteOps(table string, pk string, oldEnt *entity.Entity) ([]kv.Op, error) {
	return m.PutOps(table, pk, oldEnt, nil)
}

func (m *Manager) putValueIndexOps(def *Definition, pk string, oldEnt, newEnt *entity.Entity) ([]kv.Op, error) {
	var ops []kv.Op

	oldKey, oldOK, err := m.valueIndexKey(def, pk, oldEnt)
	if err != nil {
		return nil, err
	}
	newKey, newOK, err := m.valueIndexKey(def, pk, newEnt)
	if err != nil {
		return nil, err
	}
	if oldOK && (!newOK || string(oldKey) != string(newKey)) {
		ops = append(ops, kv.DeleteOp(kv.CFDefault, oldKey))
	}
	if !newOK {
		return ops, nil
	}
	if oldOK && string(oldKey) == string(newKey) {
		return ops, nil
	}

	if def.Unique {
		if err := m.checkUnique(def, pk, newEnt); err != nil {
			return nil, err
		}
	}
	ops = append(ops, kv.PutOp(kv.CFDefault, newKey, nil))
	return ops, nil
}

// valueIndexKey builds the physical key for def against ent. ok is false
// when the index should have no entry for ent (entity nil/tombstoned, or
// any indexed column absent). A column whose value kind is not indexable
// yields an error rather than ok=false.
func (m *Manager) valueIndexKey(def *Definition, pk string, ent *entity.Entity) (key []byte, ok bool, err error) {
	if ent == nil || ent.IsTombstone() {
		return nil, false, nil
	}
	segs := make([][]byte, 0, len(def.Columns))
	for _, col := range def.Columns {
		v := ent.GetField(col)
		if v.IsAbsent() {
			// Equality/range/composite indexes simply have no entry for a
			// missing column, the same behavior sparse indexes document
			// explicitly in spec.md §4.4.
			return nil, false, nil
		}
		enc, err := encodeSortable(v)
		if err != nil {
			return nil, false, err
		}
		segs = append(segs, enc)
	}
	key := indexValueKey(def, segs, pk)
	return key, true, nil
}

// indexValueKey renders "idx:val:<table>:<col1,col2,...>:<ordered
// segment-encoded values>:<pk>". appendOrderedSegment keeps composite
// keys unambiguous and preserves lexicographic ordering per segment,
// including for variable-length string values.
func indexValueKey(def *Definition, segs [][]byte, pk string) []byte {
	prefix := fmtIndexPrefix("val", def.Table, joinCols(def.Columns))
	buf := append([]byte(nil), prefix...)
	for _, s := range segs {
		buf = appendOrderedSegment(buf, s)
	}
	buf = append(buf, ':')
	buf = append(buf, []byte(pk)...)
	return buf
}

func joinCols(cols []string) string {
	out := cols[0]
	for _, c := range cols[1:] {
		out += "," + c
	}
	return out
}

func (m *Manager) checkUnique(def *Definition, pk string, ent *entity.Entity) error {
	segs := make([][]byte, 0, len(def.Columns))
	for _, col := range def.Columns {
		enc, err := encodeSortable(ent.GetField(col))
		if err != nil {
			return err
		}
		segs = append(segs, enc)
	}
	prefix := fmtIndexPrefix("val", def.Table, joinCols(def.Columns))
	valPrefix := append([]byte(nil), prefix...)
	for _, s := range segs {
		valPrefix = appendOrderedSegment(valPrefix, s)
	}
	valPrefix = append(valPrefix, ':')

	it, err := m.db.Iterator(kv.CFDefault, valPrefix, false)
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		existingPK := string(it.Key()[len(valPrefix):])
		if existingPK != pk {
			return errs.Newf(errs.UniqueViolation, "unique index violated on %s/%v", def.Table, def.Columns)
		}
	}
	return nil
}

func (m *Manager) putGeoOps(def *Definition, pk string, oldEnt, newEnt *entity.Entity) ([]kv.Op, error) {
	var ops []kv.Op
	col := def.column()

	if oldEnt != nil && !oldEnt.IsTombstone() {
		if lat, lon, ok := geoFields(oldEnt, col); ok {
			ops = append(ops, kv.DeleteOp(kv.CFDefault, geoKey(def.Table, col, lat, lon, pk)))
		}
	}
	if newEnt == nil || newEnt.IsTombstone() {
		return ops, nil
	}
	lat, lon, ok := geoFields(newEnt, col)
	if !ok {
		m.logger.Warn().Str("table", def.Table).Str("column", col).Str("pk", pk).
			Msg("skipping geo index: invalid or missing lat/lon fields")
		return ops, nil
	}
	ops = append(ops, kv.PutOp(kv.CFDefault, geoKey(def.Table, col, lat, lon, pk), encodeLatLon(lat, lon)))
	return ops, nil
}

func geoFields(ent *entity.Entity, col string) (lat, lon float64, ok bool) {
	lat, ok1 := parseNumericString(ent.GetField(col + "_lat"))
	lon, ok2 := parseNumericString(ent.GetField(col + "_lon"))
	return lat, lon, ok1 && ok2
}

func (m *Manager) putTTLOps(def *Definition, pk string, oldEnt, newEnt *entity.Entity) ([]kv.Op, error) {
	var ops []kv.Op
	col := def.column()

	if oldEnt != nil && !oldEnt.IsTombstone() {
		if old := oldEnt.GetField(col); old.Kind == entity.KindInt64 {
			ops = append(ops, kv.DeleteOp(kv.CFDefault, ttlKey(def.Table, col, old.Int, pk)))
		}
	}
	if newEnt == nil || newEnt.IsTombstone() {
		return ops, nil
	}
	v := newEnt.GetField(col)
	if v.IsAbsent() || v.Kind != entity.KindInt64 {
		return ops, nil
	}
	ops = append(ops, kv.PutOp(kv.CFDefault, ttlKey(def.Table, col, v.Int, pk), nil))
	return ops, nil
}

func ttlKey(table, col string, expiry int64, pk string) []byte {
	return []byte(fmt.Sprintf("ttlidx:%s:%s:%020d:%s", table, col, uint64(expiry)^(1<<63), pk))
}
