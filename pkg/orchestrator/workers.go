package orchestrator

import (
	"time"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/pkg/index"
)

// sweepTTLIndexes finds every pk past its registered TTL column and
// removes it through the ordinary Delete coordinator, so the entity
// tombstone, every secondary/spatial index entry (TTL included) and a
// CDC delete event all land in the usual atomic path.
func (o *Orchestrator) sweepTTLIndexes() {
	now := time.Now().Unix()
	for _, def := range o.Index.Definitions() {
		if def.Kind != index.TTL {
			continue
		}
		col := def.Columns[0]
		pks, _, err := o.Index.CleanupTTL(def.Table, col, now)
		if err != nil {
			o.logger.Error().Str("table", def.Table).Str("column", col).Err(err).Msg("ttl cleanup scan failed")
			continue
		}
		for _, pk := range pks {
			if _, err := o.Delete(def.Table, pk); err != nil && !errs.Is(err, errs.NotFound) {
				o.logger.Error().Str("table", def.Table).Str("pk", pk).Err(err).Msg("ttl-expired delete failed")
			}
		}
	}
}

// sweepSemanticCache clears expired Semantic Cache entries.
func (o *Orchestrator) sweepSemanticCache() {
	n, err := o.SemCache.ClearExpired()
	if err != nil {
		o.logger.Error().Err(err).Msg("semantic cache sweep failed")
		return
	}
	if n > 0 {
		o.logger.Info().Int("removed", n).Msg("semantic cache sweep removed expired entries")
	}
}

// runContinuousAggregates is a placeholder hook: continuous aggregate
// configs are registered ad hoc by callers (there is no persisted
// registry of them yet), so this worker currently has nothing to do on
// its own and exists so the interval is already wired once one lands.
func (o *Orchestrator) runContinuousAggregates() {}
