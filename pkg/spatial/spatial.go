package spatial

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/internal/obs/log"
	"github.com/themisdb/themisdb/pkg/entity"
	"github.com/themisdb/themisdb/pkg/kv"
)

// Manager owns the set of (table, column) pairs carrying indexed EWKB
// geometry and maintains the physical spatial index entries alongside
// entity writes. Physical keys are
// "spatial:<table>:<column>:<morton cell>:<pk>", one entry per pk rather
// than a literal list value per cell — bbolt's sorted bucket already
// gives an efficient multi-value-per-cell scan, matching spec.md §4.5's
// "keys ... hold a list of (pk, sidecar)" contract without a second
// indirection layer.
type Manager struct {
	db     *kv.DB
	logger zerolog.Logger

	mu   sync.RWMutex
	cols map[string]map[string]bool
}

// New constructs a spatial Manager.
func New(db *kv.DB) *Manager {
	return &Manager{db: db, logger: log.WithComponent("spatial"), cols: make(map[string]map[string]bool)}
}

// RegisterColumn declares that table's column carries indexed EWKB
// geometry. Physical backfill for pre-existing rows is the caller's
// responsibility via Reindex.
func (m *Manager) RegisterColumn(table, column string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cols[table] == nil {
		m.cols[table] = make(map[string]bool)
	}
	m.cols[table][column] = true
	m.logger.Info().Str("table", table).Str("column", column).Msg("spatial column registered")
}

func (m *Manager) hasColumn(table, column string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cols[table] != nil && m.cols[table][column]
}

func (m *Manager) columnsFor(table string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.cols[table]))
	for c := range m.cols[table] {
		out = append(out, c)
	}
	return out
}

// Columns returns the registered spatial columns for table, for callers
// (e.g. the Orchestrator's entity-write coordinator) that need to fold
// PutOps/DeleteOps for every registered column into one batch.
func (m *Manager) Columns(table string) []string {
	return m.columnsFor(table)
}

// PutOps computes the spatial index ops for one registered column's
// geometry transition between oldEnt and newEnt (either may be nil). Ops
// must be appended to the caller's atomic entity-write batch, the same
// ownership rule spec.md §4.1 places on the Secondary Index Manager.
func (m *Manager) PutOps(table, column, pk string, oldEnt, newEnt *entity.Entity) ([]kv.Op, error) {
	if !m.hasColumn(table, column) {
		return nil, nil
	}
	var ops []kv.Op

	if oldEnt != nil && !oldEnt.IsTombstone() {
		key, _, ok, err := m.geomEntry(table, column, pk, oldEnt)
		if err != nil {
			m.logger.Warn().Str("table", table).Str("pk", pk).Err(err).
				Msg("skipping stale spatial index delete: prior geometry no longer parses")
		} else if ok {
			ops = append(ops, kv.DeleteOp(kv.CFDefault, key))
		}
	}
	if newEnt == nil || newEnt.IsTombstone() {
		return ops, nil
	}

	key, val, ok, err := m.geomEntry(table, column, pk, newEnt)
	if err != nil {
		return nil, err
	}
	if ok {
		ops = append(ops, kv.PutOp(kv.CFDefault, key, val))
	}
	return ops, nil
}

// DeleteOps computes the spatial index ops for removing oldEnt entirely.
func (m *Manager) DeleteOps(table, column, pk string, oldEnt *entity.Entity) ([]kv.Op, error) {
	return m.PutOps(table, column, pk, oldEnt, nil)
}

func (m *Manager) geomEntry(table, column, pk string, ent *entity.Entity) (key, value []byte, ok bool, err error) {
	v := ent.GetField(column)
	if v.IsAbsent() {
		return nil, nil, false, nil
	}
	if v.Kind != entity.KindVectorBytes {
		return nil, nil, false, errs.Newf(errs.BadGeometry, "column %q does not hold EWKB bytes", column)
	}
	_, sc, err := ParseEWKB(v.VecBytes)
	if err != nil {
		return nil, nil, false, err
	}
	cell := mortonCell(sc.Centroid)
	key = spatialKey(table, column, cell, pk)
	value, jerr := json.Marshal(sc)
	if jerr != nil {
		return nil, nil, false, errs.Wrap(errs.BadEncoding, "marshal spatial sidecar", jerr)
	}
	return key, value, true, nil
}

func spatialKey(table, column string, cell uint64, pk string) []byte {
	return []byte(fmt.Sprintf("spatial:%s:%s:%020d:%s", table, column, cell, pk))
}

func pkAfterLastColon(k []byte) string {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == ':' {
			return string(k[i+1:])
		}
	}
	return ""
}

// Reindex rebuilds every registered column's physical entries for table
// from scratch, scanning its current entities.
func (m *Manager) Reindex(table string) error {
	for _, column := range m.columnsFor(table) {
		if err := m.reindexColumn(table, column); err != nil {
			return err
		}
	}
	return nil
}

const reindexBatchSize = 500

func (m *Manager) reindexColumn(table, column string) error {
	prefix := []byte(fmt.Sprintf("spatial:%s:%s:", table, column))
	it, err := m.db.Iterator(kv.CFDefault, prefix, false)
	if err != nil {
		return err
	}
	var stale [][]byte
	for it.Next() {
		stale = append(stale, append([]byte(nil), it.Key()...))
	}
	it.Close()
	if err := m.flushDeletes(stale); err != nil {
		return err
	}

	entPrefix := []byte(table + ":")
	eit, err := m.db.Iterator(kv.CFDefault, entPrefix, false)
	if err != nil {
		return err
	}
	defer eit.Close()

	var batch []kv.Op
	for eit.Next() {
		pk := string(eit.Key())
		ent, uerr := entity.Unmarshal(pk, eit.Value())
		if uerr != nil || ent.IsTombstone() {
			continue
		}
		key, val, ok, gerr := m.geomEntry(table, column, pk, ent)
		if gerr != nil || !ok {
			continue
		}
		batch = append(batch, kv.PutOp(kv.CFDefault, key, val))
		if len(batch) >= reindexBatchSize {
			if _, werr := m.db.WriteBatch(batch); werr != nil {
				return werr
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if _, err := m.db.WriteBatch(batch); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) flushDeletes(keys [][]byte) error {
	for start := 0; start < len(keys); start += reindexBatchSize {
		end := start + reindexBatchSize
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
