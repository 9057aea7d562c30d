package index

import (
	"github.com/themisdb/themisdb/internal/obs/metrics"
	"github.com/themisdb/themisdb/pkg/entity"
	"github.com/themisdb/themisdb/pkg/kv"
)

// rebuildBatchSize bounds how many entities are processed per physical
// WriteBatch during a rebuild, so a large table doesn't hold one giant
// bbolt transaction open.
const rebuildBatchSize = 500

// RebuildIndex recomputes the physical entries for a single (table,
// column-set) index from scratch, scanning the table's entities and
// replacing the prior range atomically per batch chunk, per spec.md
// §4.4's rebuild contract.
func (m *Manager) RebuildIndex(def *Definition) error {
	metrics.IndexRebuildsTotal.WithLabelValues(def.Table, joinCols(def.Columns)).Inc()

	if def.Kind == Fulltext {
		return m.rebuildFulltext(def)
	}

	if err := m.dropPhysicalEntries(def); err != nil {
		return err
	}

	entPrefix := []byte(def.Table + ":")
	it, err := m.db.Iterator(kv.CFDefault, entPrefix, false)
	if err != nil {
		return err
	}
	defer it.Close()

	var batch []kv.Op
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := m.db.WriteBatch(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for it.Next() {
		pk := string(it.Key())
		ent, err := entity.Unmarshal(pk, it.Value())
		if err != nil {
			continue // corrupt entity; skip rather than abort the whole rebuild
		}
		if ent.IsTombstone() {
			continue
		}
		ops, err := m.singleDefPutOps(def, pk, nil, ent)
		if err != nil {
			continue
		}
		batch = append(batch, ops...)
		if len(batch) >= rebuildBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// ReindexTable rebuilds every index defined on table.
func (m *Manager) ReindexTable(table string) error {
	for _, def := range m.definitionsFor(table) {
		if err := m.RebuildIndex(def); err != nil {
			return err
		}
	}
	return nil
}

// singleDefPutOps computes ops for one definition only, reusing the same
// per-kind logic PutOps dispatches across all of a table's definitions.
func (m *Manager) singleDefPutOps(def *Definition, pk string, oldEnt, newEnt *entity.Entity) ([]kv.Op, error) {
	switch def.Kind {
	case Equality, Composite, Range, Sparse:
		return m.putValueIndexOps(def, pk, oldEnt, newEnt)
	case Geo:
		return m.putGeoOps(def, pk, oldEnt, newEnt)
	case TTL:
		return m.putTTLOps(def, pk, oldEnt, newEnt)
	default:
		return nil, nil
	}
}

func (m *Manager) dropPhysicalEntries(def *Definition) error {
	var prefix []byte
	switch def.Kind {
	case Equality, Composite, Range, Sparse:
		prefix = fmtIndexPrefix("val", def.Table, joinCols(def.Columns))
	case Geo:
		prefix = []byte("idx:geo:" + def.Table + ":" + def.column() + ":")
	case TTL:
		prefix = []byte("ttlidx:" + def.Table + ":" + def.column() + ":")
	default:
		return nil
	}

	it, err := m.db.Iterator(kv.CFDefault, prefix, false)
	if err != nil {
		return err
	}
	var keys [][]byte
	for it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	it.Close()

	for start := 0; start < len(keys); start += rebuildBatchSize {
		end := start + rebuildBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		ops := make([]kv.Op, 0, end-start)
		for _, k := range keys[start:end] {
			ops = append(ops, kv.DeleteOp(kv.CFDefault, k))
		}
		if _, err := m.db.WriteBatch(ops); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) rebuildFulltext(def *Definition) error {
	col := def.column()
	if err := m.fulltext.drop(def.Table, col); err != nil {
		return err
	}

	entPrefix := []byte(def.Table + ":")
	it, err := m.db.Iterator(kv.CFDefault, entPrefix, false)
	if err != nil {
		return err
	}
	defer it.Close()

	for it.Next() {
		pk := string(it.Key())
		ent, err := entity.Unmarshal(pk, it.Value())
		if err != nil || ent.IsTombstone() {
			continue
		}
		if err := m.ApplyFulltext(def.Table, pk, nil, ent); err != nil {
			return err
		}
	}
	return nil
}
