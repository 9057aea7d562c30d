package orchestrator

import (
	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/pkg/cdc"
	"github.com/themisdb/themisdb/pkg/entity"
	"github.com/themisdb/themisdb/pkg/kv"
)

func fqpk(table, pk string) string { return table + ":" + pk }

// Get loads the entity at (table, pk). Tombstoned entities report
// errs.NotFound, matching the rest of the codebase's "a delete marker is
// not a record" convention.
func (o *Orchestrator) Get(table, pk string) (*entity.Entity, error) {
	raw, err := o.DB.Get(kv.CFDefault, []byte(fqpk(table, pk)))
	if err != nil {
		return nil, err
	}
	ent, err := entity.Unmarshal(fqpk(table, pk), raw)
	if err != nil {
		return nil, err
	}
	if ent.IsTombstone() {
		return nil, errs.Newf(errs.NotFound, "no such entity %s/%s", table, pk)
	}
	return ent, nil
}

// loadExisting returns the current entity at (table, pk), or nil if
// absent or tombstoned -- the shape index.PutOps/spatial.PutOps expect
// for "oldEnt".
func (o *Orchestrator) loadExisting(table, pk string) (*entity.Entity, error) {
	raw, err := o.DB.Get(kv.CFDefault, []byte(fqpk(table, pk)))
	if errs.Is(err, errs.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ent, err := entity.Unmarshal(fqpk(table, pk), raw)
	if err != nil {
		return nil, err
	}
	if ent.IsTombstone() {
		return nil, nil
	}
	return ent, nil
}

// Put replaces the entity at (table, pk) with the given fields,
// co-updating every registered secondary/spatial index and appending a
// change-data event to the same atomic batch as the entity write, per
// spec.md §8's "a single transaction commits the entity mutation, its
// index deltas and its CDC event together" invariant.
func (o *Orchestrator) Put(table, pk string, fields map[string]entity.Value) (uint64, error) {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	oldEnt, err := o.loadExisting(table, pk)
	if err != nil {
		return 0, err
	}
	newEnt := entity.New(fqpk(table, pk))
	for name, v := range fields {
		newEnt.SetField(name, v)
	}
	entBytes, err := newEnt.Marshal()
	if err != nil {
		return 0, err
	}

	ops, err := o.buildSecondaryOps(table, pk, oldEnt, newEnt)
	if err != nil {
		return 0, err
	}
	ops = append([]kv.Op{kv.PutOp(kv.CFDefault, []byte(fqpk(table, pk)), entBytes)}, ops...)

	seq, err := o.commitWithCDC(ops, cdc.EventPut, fqpk(table, pk), entBytes)
	if err != nil {
		return 0, err
	}
	if err := o.Index.ApplyFulltext(table, pk, oldEnt, newEnt); err != nil {
		o.logger.Error().Str("table", table).Str("pk", pk).Err(err).Msg("fulltext co-update failed after commit")
	}
	return seq, nil
}

// Delete tombstones the entity at (table, pk), removes its secondary and
// spatial index entries, and appends a DELETE change-data event, all in
// one atomic batch.
func (o *Orchestrator) Delete(table, pk string) (uint64, error) {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	oldEnt, err := o.loadExisting(table, pk)
	if err != nil {
		return 0, err
	}
	if oldEnt == nil {
		return 0, errs.Newf(errs.NotFound, "no such entity %s/%s", table, pk)
	}

	tomb := entity.New(fqpk(table, pk))
	tomb.MarkTombstone()
	tombBytes, err := tomb.Marshal()
	if err != nil {
		return 0, err
	}

	ops, err := o.buildSecondaryOps(table, pk, oldEnt, nil)
	if err != nil {
		return 0, err
	}
	ops = append([]kv.Op{kv.PutOp(kv.CFDefault, []byte(fqpk(table, pk)), tombBytes)}, ops...)

	seq, err := o.commitWithCDC(ops, cdc.EventDelete, fqpk(table, pk), nil)
	if err != nil {
		return 0, err
	}
	if err := o.Index.ApplyFulltext(table, pk, oldEnt, nil); err != nil {
		o.logger.Error().Str("table", table).Str("pk", pk).Err(err).Msg("fulltext co-update failed after commit")
	}
	return seq, nil
}

// buildSecondaryOps folds the Secondary Index Manager's and every
// registered spatial column's ops for the oldEnt->newEnt transition.
func (o *Orchestrator) buildSecondaryOps(table, pk string, oldEnt, newEnt *entity.Entity) ([]kv.Op, error) {
	var ops []kv.Op

	idxOps, err := o.Index.PutOps(table, pk, oldEnt, newEnt)
	if err != nil {
		return nil, err
	}
	ops = append(ops, idxOps...)

	for _, col := range o.Spatial.Columns(table) {
		spOps, err := o.Spatial.PutOps(table, col, pk, oldEnt, newEnt)
		if err != nil {
			return nil, err
		}
		ops = append(ops, spOps...)
	}
	return ops, nil
}

// commitWithCDC applies ops and a CDC event for (evType, key, value) in
// one atomic WriteBatch, using kv.DB.WriteBatchFunc so the event's
// Sequence field is exactly the commit sequence bbolt assigns -- without
// this, the event would need to embed a sequence number that isn't known
// until after (and possibly not matching) the commit that writes it.
func (o *Orchestrator) commitWithCDC(ops []kv.Op, evType cdc.EventType, key string, value []byte) (uint64, error) {
	var ev cdc.Event
	if !o.cfg.Features.CDC {
		return o.DB.WriteBatch(ops)
	}
	seq, err := o.DB.WriteBatchFunc(func(seq uint64) ([]kv.Op, error) {
		ev = cdc.NewEvent(seq, evType, key, value, nil)
		cdcOp, err := cdc.AppendOp(ev)
		if err != nil {
			return nil, err
		}
		return append(ops, cdcOp), nil
	})
	if err != nil {
		return 0, err
	}
	o.CDC.Notify(ev)
	return seq, nil
}
