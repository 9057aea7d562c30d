// Package cdc implements ThemisDB's Change-Data Log: a monotonic,
// append-only sequence of mutation events anchored to the KV Substrate's
// commit sequence, with prefix filtering, long-poll query and streaming
// with drop-oldest backpressure, per spec.md §4.8.
package cdc

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/internal/obs/log"
	"github.com/themisdb/themisdb/internal/obs/metrics"
	"github.com/themisdb/themisdb/pkg/kv"
)

// EventType distinguishes a PUT from a DELETE mutation.
type EventType string

const (
	EventPut    EventType = "PUT"
	EventDelete EventType = "DELETE"
)

// Event is one change-data record, keyed at rest under
// "changefeed:<sequence, 20-digit zero-padded>".
type Event struct {
	ID        string            `json:"id"`
	Sequence  uint64            `json:"sequence"`
	Type      EventType         `json:"type"`
	Key       string            `json:"key"`
	Value     []byte            `json:"value,omitempty"`
	TimestampMs int64           `json:"timestamp_ms"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func eventKey(seq uint64) []byte {
	// 20-digit zero-padded decimal, per spec.md §3's keyspace table.
	key := make([]byte, 0, len("changefeed:")+20)
	key = append(key, "changefeed:"...)
	key = append(key, []byte(padSeq(seq))...)
	return key
}

func padSeq(seq uint64) string {
	const width = 20
	s := uitoa(seq)
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Log owns event append, query, retention and streaming fan-out. Events
// are appended inside the same atomic WriteBatch as the entity/index
// mutation they describe (AppendOp), per spec.md §8's atomicity
// invariant; Append is a convenience wrapper for standalone use (tests,
// admin tooling).
type Log struct {
	db     *kv.DB
	logger zerolog.Logger

	mu        sync.Mutex
	listeners map[*subscriber]struct{}
}

// New constructs a Log over db.
func New(db *kv.DB) *Log {
	return &Log{db: db, logger: log.WithComponent("cdc"), listeners: make(map[*subscriber]struct{})}
}

// AppendOp builds the kv.Op for ev using the commit sequence the caller's
// batch will receive; callers append this alongside their entity/index
// ops so the WriteBatch commits all of them atomically. seq must be the
// same sequence number the batch's commit will return -- in practice
// the orchestrator builds ev with NewEvent inside kv.DB.WriteBatchFunc,
// which hands it the sequence its batch is about to commit under.
func AppendOp(ev Event) (kv.Op, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kv.Op{}, errs.Wrap(errs.BadEncoding, "marshal CDC event", err)
	}
	return kv.PutOp(kv.CFChangefeed, eventKey(ev.Sequence), data), nil
}

// NewEvent builds an Event for a mutation at commit sequence seq.
func NewEvent(seq uint64, typ EventType, key string, value []byte, metadata map[string]string) Event {
	return Event{
		ID: uuid.NewString(), Sequence: seq, Type: typ, Key: key, Value: value,
		TimestampMs: time.Now().UnixMilli(), Metadata: metadata,
	}
}

// Append writes a single event outside of any larger batch (used by
// standalone CDC producers and tests); production writes should instead
// fold AppendOp into the Orchestrator's entity-write batch.
func (l *Log) Append(typ EventType, key string, value []byte, metadata map[string]string) (Event, error) {
	seq, err := l.db.CommitSeq()
	if err != nil {
		return Event{}, err
	}
	ev := NewEvent(seq+1, typ, key, value, metadata)
	op, err := AppendOp(ev)
	if err != nil {
		return Event{}, err
	}
	actualSeq, err := l.db.WriteBatch([]kv.Op{op})
	if err != nil {
		return Event{}, err
	}
	ev.Sequence = actualSeq
	metrics.CDCAppendsTotal.Inc()
	l.fanOut(ev)
	return ev, nil
}

// Notify publishes an already-committed event to live subscribers. The
// Orchestrator calls this right after a WriteBatch that included the
// event's AppendOp commits, since streaming delivery itself is not part
// of the atomic commit.
func (l *Log) Notify(ev Event) {
	metrics.CDCAppendsTotal.Inc()
	l.fanOut(ev)
}

// Query returns up to limit events with sequence > fromSeq (exclusive
// resume semantics), optionally restricted to keys sharing keyPrefix. If
// longPoll > 0 and no events are immediately available, Query blocks up
// to longPoll waiting for at least one.
func (l *Log) Query(ctx context.Context, fromSeq uint64, limit int, keyPrefix string, longPoll time.Duration) ([]Event, error) {
	events, err := l.queryOnce(fromSeq, limit, keyPrefix)
	if err != nil || len(events) > 0 || longPoll <= 0 {
		return events, err
	}

	deadline := time.NewTimer(longPoll)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(errs.Timeout, "changefeed long-poll canceled", ctx.Err())
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
			events, err := l.queryOnce(fromSeq, limit, keyPrefix)
			if err != nil {
				return nil, err
			}
			if len(events) > 0 {
				return events, nil
			}
		}
	}
}

func (l *Log) queryOnce(fromSeq uint64, limit int, keyPrefix string) ([]Event, error) {
	lower := eventKey(fromSeq + 1)
	it, err := l.db.RangeIterator(kv.CFChangefeed, lower, nil, false)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []Event
	for it.Next() {
		var ev Event
		if err := json.Unmarshal(it.Value(), &ev); err != nil {
			return nil, errs.Wrap(errs.BadEncoding, "decode CDC event", err)
		}
		if keyPrefix != "" && !strings.HasPrefix(ev.Key, keyPrefix) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Retention deletes every event with sequence < beforeSeq.
func (l *Log) Retention(beforeSeq uint64) (int, error) {
	upper := eventKey(beforeSeq)
	it, err := l.db.RangeIterator(kv.CFChangefeed, nil, upper, false)
	if err != nil {
		return 0, err
	}
	var keys [][]byte
	for it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	it.Close()

	const chunk = 500
	for start := 0; start < len(keys); start += chunk {
		end := start + chunk
		if end > len(keys) {
			end = len(keys)
		}
		ops := make([]kv.Op, 0, end-start)
		for _, k := range keys[start:end] {
			ops = append(ops, kv.DeleteOp(kv.CFChangefeed, k))
		}
		if _, err := l.db.WriteBatch(ops); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
