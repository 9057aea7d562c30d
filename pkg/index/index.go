// Package index implements ThemisDB's Secondary Index Manager: the seven
// index variants (equality, composite, range, sparse, geo, ttl, fulltext)
// that keep derived lookup structures co-updated with entity writes in
// the same atomic batch the Orchestrator commits to the KV Substrate.
package index

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/internal/obs/log"
	"github.com/themisdb/themisdb/pkg/kv"
)

// Kind names one of the seven index variants of spec.md §4.4. Equality,
// range and sparse indexes share a single sorted physical layout; Kind
// only governs which operations the registry permits against a given
// (table, columns) pair, matching the "common IndexOps capability over a
// sum type" design note.
type Kind string

const (
	Equality Kind = "equality"
	Composite Kind = "composite"
	Range    Kind = "range"
	Sparse   Kind = "sparse"
	Geo      Kind = "geo"
	TTL      Kind = "ttl"
	Fulltext Kind = "fulltext"
)

// Definition describes one created index.
type Definition struct {
	Kind    Kind
	Table   string
	Columns []string
	Unique  bool
}

func (d Definition) key() string {
	return d.Table + "|" + string(d.Kind) + "|" + strings.Join(d.Columns, ",")
}

func (d Definition) column() string {
	if len(d.Columns) == 0 {
		return ""
	}
	return d.Columns[0]
}

// Manager owns the registry of created indexes and all index read/write
// operations. Equality/composite/range/sparse/geo/ttl indexes live as KV
// entries and are returned as Ops for the caller's atomic batch; fulltext
// indexes are backed by a separate bleve index per (table, column) since
// bleve manages its own on-disk store outside the bbolt transaction, the
// same externally-persisted pattern spec.md §4.6 documents for the
// vector index.
type Manager struct {
	db     *kv.DB
	logger zerolog.Logger

	mu      sync.RWMutex
	byTable map[string][]*Definition

	fulltext *fulltextStore
}

// New constructs a Manager. fulltextDir is the directory bleve indexes
// are persisted under (one subdirectory per table/column pair).
func New(db *kv.DB, fulltextDir string) *Manager {
	return &Manager{
		db:       db,
		logger:   log.WithComponent("index"),
		byTable:  make(map[string][]*Definition),
		fulltext: newFulltextStore(fulltextDir),
	}
}

// CreateIndex registers a new index definition. Physical backfill for
// pre-existing data is the caller's responsibility via RebuildIndex.
func (m *Manager) CreateIndex(kind Kind, table string, columns []string, unique bool) (*Definition, error) {
	if table == "" || len(columns) == 0 {
		return nil, errs.New(errs.Plan, "create_index requires a table and at least one column")
	}
	if kind == Composite && len(columns) < 2 {
		return nil, errs.New(errs.Plan, "composite index requires at least two columns")
	}
	def := &Definition{Kind: kind, Table: table, Columns: append([]string(nil), columns...), Unique: unique}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byTable[table] {
		if existing.key() == def.key() {
			return existing, nil
		}
	}
	m.byTable[table] = append(m.byTable[table], def)
	m.logger.Info().Str("table", table).Str("kind", string(kind)).Strs("columns", columns).Msg("index created")
	return def, nil
}

// DropIndex removes a definition. Already-written physical index entries
// are not deleted and stay in the keyspace unused; the one exception is a
// Fulltext index, whose bleve directory is removed.
func (m *Manager) DropIndex(kind Kind, table string, columns []string) error {
	def := Definition{Kind: kind, Table: table, Columns: columns}
	m.mu.Lock()
	defer m.mu.Unlock()
	defs := m.byTable[table]
	for i, d := range defs {
		if d.key() == def.key() {
			m.byTable[table] = append(defs[:i], defs[i+1:]...)
			if kind == Fulltext {
				return m.fulltext.drop(table, def.column())
			}
			return nil
		}
	}
	return errs.Newf(errs.NotFound, "no such index %s/%s/%v", table, kind, columns)
}

// HasValueIndex reports whether table has a single-column Equality, Range
// or Sparse index definition on field -- the physical layout ScanEqual/
// ScanRange actually read. A Composite definition's joined-column key
// never matches a bare single-column scan prefix, so it does not count.
func (m *Manager) HasValueIndex(table, field string) bool {
	for _, def := range m.definitionsFor(table) {
		if len(def.Columns) != 1 || def.Columns[0] != field {
			continue
		}
		switch def.Kind {
		case Equality, Range, Sparse:
			return true
		}
	}
	return false
}

func (m *Manager) definitionsFor(table string) []*Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Definition(nil), m.byTable[table]...)
}

// Definitions returns every created index definition across all tables,
// for callers that need to sweep by Kind (e.g. the Orchestrator's TTL
// cleanup worker) rather than by a single table.
func (m *Manager) Definitions() []*Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Definition
	for _, defs := range m.byTable {
		out = append(out, defs...)
	}
	return out
}

func fmtIndexPrefix(parts ...string) []byte {
	return []byte("idx:" + strings.Join(parts, ":") + ":")
}
