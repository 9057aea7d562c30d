package vector

import (
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/internal/obs/log"
)

// Registry owns every (table, field) Index the Orchestrator has opened,
// persisting them under a shared save root on Close, matching spec.md
// §4.6's per-(table,field) persistence and auto-save-on-shutdown policy.
type Registry struct {
	root   string
	logger zerolog.Logger

	mu      sync.RWMutex
	indexes map[string]*Index
}

// NewRegistry constructs a Registry rooted at saveRoot (e.g.
// config.VectorIndex.SavePath); each index persists to
// saveRoot/<table>__<field>/.
func NewRegistry(saveRoot string) *Registry {
	return &Registry{root: saveRoot, logger: log.WithComponent("vector"), indexes: make(map[string]*Index)}
}

func (r *Registry) dirFor(table, field string) string {
	if r.root == "" {
		return ""
	}
	return filepath.Join(r.root, table+"__"+field)
}

// Ensure returns the index for (table, field), opening (and loading any
// persisted state for) it on first use.
func (r *Registry) Ensure(table, field string, p Params) (*Index, error) {
	key := table + "|" + field
	r.mu.RLock()
	if idx, ok := r.indexes[key]; ok {
		r.mu.RUnlock()
		return idx, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := r.indexes[key]; ok {
		return idx, nil
	}
	idx, err := Open(table, field, p, r.dirFor(table, field))
	if err != nil {
		return nil, err
	}
	r.indexes[key] = idx
	return idx, nil
}

// Get returns an already-opened index, or NotFound.
func (r *Registry) Get(table, field string) (*Index, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.indexes[table+"|"+field]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "no vector index for %s.%s", table, field)
	}
	return idx, nil
}

// SaveAll flushes every open index to disk; called on Orchestrator
// shutdown (and available for an explicit checkpoint operation).
func (r *Registry) SaveAll() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key, idx := range r.indexes {
		if idx.SavePath == "" {
			continue
		}
		if err := idx.Save(idx.SavePath); err != nil {
			r.logger.Error().Str("index", key).Err(err).Msg("vector index save failed")
			return err
		}
	}
	return nil
}

// Degraded lists the (table, field) pairs currently running with an
// empty index due to a failed load, per SPEC_FULL.md §12's Open
// Question (b) health-flag decision.
func (r *Registry) Degraded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for key, idx := range r.indexes {
		if idx.Degraded() {
			out = append(out, key)
		}
	}
	return out
}
