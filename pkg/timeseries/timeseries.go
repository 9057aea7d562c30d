// Package timeseries implements ThemisDB's Time-Series Store: a
// per-series append log over the KV substrate with Gorilla-style
// delta-of-delta timestamp and XOR-value chunk compression, retention,
// and continuous aggregates, per spec.md §4.7.
package timeseries

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/internal/obs/log"
	"github.com/themisdb/themisdb/pkg/kv"
)

// Point is one sample written to a series "ts:<metric>:<entity>:<ts_ms>".
type Point struct {
	Metric string
	Entity string
	TSMs   int64
	Value  float64
	Tags   map[string]string
}

// Store owns point ingestion, chunked compression and range queries.
type Store struct {
	db     *kv.DB
	logger zerolog.Logger
}

// New constructs a Store over db.
func New(db *kv.DB) *Store {
	return &Store{db: db, logger: log.WithComponent("timeseries")}
}

func pointKey(p Point) []byte {
	return []byte(fmt.Sprintf("ts:%s:%s:%020d", p.Metric, p.Entity, p.TSMs))
}

// Put appends one point. Points are stored individually (uncompressed) as
// they arrive; Compact folds a contiguous run into a Gorilla chunk for
// space-efficient long-term storage, mirroring how the teacher's own
// append-then-compact storage layer (pkg/storage) separates the hot
// write path from its durable encoding.
func (s *Store) Put(p Point) error {
	rec, err := encodePoint(p)
	if err != nil {
		return err
	}
	_, err = s.db.Put(kv.CFTimeseries, pointKey(p), rec)
	return err
}

// PutBatch appends many points as a single atomic write.
func (s *Store) PutBatch(points []Point) error {
	ops := make([]kv.Op, 0, len(points))
	for _, p := range points {
		rec, err := encodePoint(p)
		if err != nil {
			return err
		}
		ops = append(ops, kv.PutOp(kv.CFTimeseries, pointKey(p), rec))
	}
	_, err := s.db.WriteBatch(ops)
	return err
}

// Query returns points for metric in [fromMs, toMs], optionally narrowed
// to a single entity, truncated at limit (0 = unlimited).
func (s *Store) Query(metric string, fromMs, toMs int64, entity string, limit int) ([]Point, error) {
	if entity != "" {
		return s.queryEntity(metric, entity, fromMs, toMs, limit)
	}
	prefix := []byte(fmt.Sprintf("ts:%s:", metric))
	it, err := s.db.Iterator(kv.CFTimeseries, prefix, false)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []Point
	for it.Next() {
		p, perr := decodePoint(it.Key(), it.Value())
		if perr != nil {
			continue
		}
		if p.TSMs < fromMs || p.TSMs > toMs {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) queryEntity(metric, entity string, fromMs, toMs int64, limit int) ([]Point, error) {
	lower := []byte(fmt.Sprintf("ts:%s:%s:%020d", metric, entity, fromMs))
	upper := []byte(fmt.Sprintf("ts:%s:%s:%020d", metric, entity, toMs+1))
	it, err := s.db.RangeIterator(kv.CFTimeseries, lower, upper, false)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []Point
	for it.Next() {
		p, perr := decodePoint(it.Key(), it.Value())
		if perr != nil {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// AggOp selects the reduction Aggregate applies over a window.
type AggOp string

const (
	AggMin   AggOp = "min"
	AggMax   AggOp = "max"
	AggAvg   AggOp = "avg"
	AggSum   AggOp = "sum"
	AggCount AggOp = "count"
)

// WindowResult is one bucket of an Aggregate call.
type WindowResult struct {
	WindowStartMs int64
	Min, Max, Sum float64
	Count         int
	Avg           float64
}

// Aggregate buckets metric's points over [fromMs, toMs] into fixed
// windowMs buckets and returns min, max, sum, count and avg for each; it
// persists nothing. ContinuousAggregate stores one of these reductions as
// the derived "<metric>__agg_<window>ms" series spec.md §4.7 describes.
func (s *Store) Aggregate(metric string, fromMs, toMs, windowMs int64, entity string) ([]WindowResult, error) {
	points, err := s.Query(metric, fromMs, toMs, entity, 0)
	if err != nil {
		return nil, err
	}
	if windowMs <= 0 {
		return nil, errs.New(errs.Plan, "aggregate window must be positive")
	}
	buckets := make(map[int64]*WindowResult)
	for _, p := range points {
		start := (p.TSMs / windowMs) * windowMs
		b, ok := buckets[start]
		if !ok {
			b = &WindowResult{WindowStartMs: start, Min: p.Value, Max: p.Value}
			buckets[start] = b
		}
		if p.Value < b.Min {
			b.Min = p.Value
		}
		if p.Value > b.Max {
			b.Max = p.Value
		}
		b.Sum += p.Value
		b.Count++
	}
	out := make([]WindowResult, 0, len(buckets))
	for _, b := range buckets {
		if b.Count > 0 {
			b.Avg = b.Sum / float64(b.Count)
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStartMs < out[j].WindowStartMs })
	return out, nil
}

// ContinuousAggregateConfig names the derived metric a continuous
// aggregate materializes into and its bucket width.
type ContinuousAggregateConfig struct {
	SourceMetric string
	WindowMs     int64
	Op           AggOp
}

func derivedMetricName(cfg ContinuousAggregateConfig) string {
	return fmt.Sprintf("%s__agg_%dms", cfg.SourceMetric, cfg.WindowMs)
}

// ContinuousAggregate computes cfg's windows over [fromMs, toMs] and
// persists one point per window under the derived metric name, so
// repeated queries against the aggregate don't re-scan raw points.
func (s *Store) ContinuousAggregate(cfg ContinuousAggregateConfig, fromMs, toMs int64) error {
	windows, err := s.Aggregate(cfg.SourceMetric, fromMs, toMs, cfg.WindowMs, "")
	if err != nil {
		return err
	}
	derived := derivedMetricName(cfg)
	points := make([]Point, 0, len(windows))
	for _, w := range windows {
		var v float64
		switch cfg.Op {
		case AggMin:
			v = w.Min
		case AggMax:
			v = w.Max
		case AggSum:
			v = w.Sum
		case AggCount:
			v = float64(w.Count)
		default:
			v = w.Avg
		}
		points = append(points, Point{Metric: derived, Entity: "_agg", TSMs: w.WindowStartMs, Value: v})
	}
	return s.PutBatch(points)
}

// RetentionCleanup deletes every point for metric (or, if metric is "",
// across all series) with ts_ms < cutoffMs.
func (s *Store) RetentionCleanup(metric string, cutoffMs int64) (int, error) {
	prefix := []byte("ts:")
	if metric != "" {
		prefix = []byte(fmt.Sprintf("ts:%s:", metric))
	}
	it, err := s.db.Iterator(kv.CFTimeseries, prefix, false)
	if err != nil {
		return 0, err
	}
	var stale [][]byte
	for it.Next() {
		p, perr := decodePoint(it.Key(), nil)
		if perr != nil {
			continue
		}
		if p.TSMs < cutoffMs {
			stale = append(stale, append([]byte(nil), it.Key()...))
		}
	}
	it.Close()

	const chunk = 500
	for start := 0; start < len(stale); start += chunk {
		end := start + chunk
		if end > len(stale) {
			end = len(stale)
		}
		ops := make([]kv.Op, 0, end-start)
		for _, k := range stale[start:end] {
			ops = append(ops, kv.DeleteOp(kv.CFTimeseries, k))
		}
		if _, werr := s.db.WriteBatch(ops); werr != nil {
			return 0, werr
		}
	}
	return len(stale), nil
}
