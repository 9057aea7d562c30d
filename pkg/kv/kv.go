// Package kv wraps an embedded LSM-ish key-value store (bbolt) behind the
// column-family, batch, iterator, snapshot and checkpoint primitives the
// rest of ThemisDB is built on. It is the only component with exclusive
// write access to on-disk state; every other component reaches the disk
// through here.
package kv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/internal/obs/log"
	"github.com/themisdb/themisdb/internal/obs/metrics"
)

// Column families required by spec.md §4.1. Components may additionally
// use arbitrary key prefixes within CFDefault; graph/vector/timeseries/
// changefeed/security_signatures get dedicated buckets because their
// access patterns (adjacency scans, ANN blobs, time-ordered points, CDC
// sequence scans, signature lookups) benefit from isolation.
const (
	CFDefault            = "default"
	CFGraph              = "graph"
	CFVector             = "vector"
	CFTimeseries         = "timeseries"
	CFSecuritySignatures = "security_signatures"
	CFChangefeed         = "changefeed"
)

// RequiredColumnFamilies lists the mandatory CF set opened on every DB.
var RequiredColumnFamilies = []string{
	CFDefault, CFGraph, CFVector, CFTimeseries, CFSecuritySignatures, CFChangefeed,
}

var metaBucket = []byte("__themis_meta__")
var seqKey = []byte("commit_seq")

// OpKind distinguishes a Put from a Delete inside a WriteBatch.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is a single mutation inside an atomic WriteBatch.
type Op struct {
	Kind  OpKind
	CF    string
	Key   []byte
	Value []byte
}

// PutOp builds a Put operation.
func PutOp(cf string, key, value []byte) Op { return Op{Kind: OpPut, CF: cf, Key: key, Value: value} }

// DeleteOp builds a Delete operation.
func DeleteOp(cf string, key []byte) Op { return Op{Kind: OpDelete, CF: cf, Key: key} }

// DB is the typed wrapper over the embedded store.
type DB struct {
	bolt   *bbolt.DB
	path   string
	logger zerolog.Logger

	commitMu sync.Mutex // serializes WriteBatch calls, the sole commit coordinator
}

// Open opens (creating if absent) the store at path with the given
// column-family set. cfs is unioned with RequiredColumnFamilies.
func Open(path string, cfs []string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(errs.IOError, "create storage directory", err)
	}
	bdb, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errs.Wrap(errs.StorageCorrupt, "open bbolt store", err)
	}

	all := unionCFs(RequiredColumnFamilies, cfs)
	err = bdb.Update(func(tx *bbolt.Tx) error {
		for _, cf := range all {
			if _, err := tx.CreateBucketIfNotExists([]byte(cf)); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, errs.Wrap(errs.StorageCorrupt, "initialize column families", err)
	}

	return &DB{bolt: bdb, path: path, logger: log.WithComponent("kv")}, nil
}

func unionCFs(required, extra []string) []string {
	seen := make(map[string]bool, len(required)+len(extra))
	out := make([]string, 0, len(required)+len(extra))
	for _, cf := range append(append([]string{}, required...), extra...) {
		if !seen[cf] {
			seen[cf] = true
			out = append(out, cf)
		}
	}
	return out
}

// Close closes the underlying store.
func (db *DB) Close() error {
	return db.bolt.Close()
}

// Flush forces the store's durable state to disk. bbolt fsyncs on every
// committed transaction, so this is a best-effort extra sync for callers
// that want an explicit durability point (e.g. before a checkpoint).
func (db *DB) Flush() error {
	return db.bolt.Sync()
}

// Get reads a single key from the latest committed state.
func (db *DB) Get(cf string, key []byte) ([]byte, error) {
	var out []byte
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(cf))
		if b == nil {
			return errs.Newf(errs.NotFound, "unknown column family %q", cf)
		}
		v := b.Get(key)
		if v == nil {
			return errs.Newf(errs.NotFound, "key not found in %s", cf)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MultiGet batch-reads several keys from the same column family within a
// single read transaction. Missing keys are nil in the result, in order.
func (db *DB) MultiGet(cf string, keys [][]byte) ([][]byte, error) {
	out := make([][]byte, len(keys))
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(cf))
		if b == nil {
			return errs.Newf(errs.NotFound, "unknown column family %q", cf)
		}
		for i, k := range keys {
			if v := b.Get(k); v != nil {
				out[i] = append([]byte(nil), v...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put writes a single key as a one-entry WriteBatch.
func (db *DB) Put(cf string, key, value []byte) (uint64, error) {
	return db.WriteBatch([]Op{PutOp(cf, key, value)})
}

// Delete removes a single key as a one-entry WriteBatch.
func (db *DB) Delete(cf string, key []byte) (uint64, error) {
	return db.WriteBatch([]Op{DeleteOp(cf, key)})
}

// WriteBatch is the only atomicity primitive: every op in ops is applied
// to the same bbolt transaction, which commits as a single fsync'd unit.
// The returned commit sequence is monotonic across the store's lifetime
// and is what the CDC log anchors events to.
func (db *DB) WriteBatch(ops []Op) (uint64, error) {
	db.commitMu.Lock()
	defer db.commitMu.Unlock()

	timer := metrics.NewTimer()
	var seq uint64
	err := db.bolt.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(metaBucket)
		seq = nextSeq(mb)

		for _, op := range ops {
			b := tx.Bucket([]byte(op.CF))
			if b == nil {
				return errs.Newf(errs.NotFound, "unknown column family %q", op.CF)
			}
			switch op.Kind {
			case OpPut:
				if err := b.Put(op.Key, op.Value); err != nil {
					return errs.Wrap(errs.IOError, "put", err)
				}
			case OpDelete:
				if err := b.Delete(op.Key); err != nil {
					return errs.Wrap(errs.IOError, "delete", err)
				}
			}
		}
		return mb.Put(seqKey, encodeSeq(seq))
	})
	if err != nil {
		return 0, err
	}
	timer.ObserveDuration(metrics.CommitLatency)
	metrics.CommitsTotal.Inc()
	return seq, nil
}

// WriteBatchFunc is like WriteBatch, but lets the caller build the op
// list from the commit sequence the batch is about to receive, needed
// when an op (e.g. a CDC event) must embed its own sequence number in
// its key or value. build runs inside the same transaction as the
// commit, so the returned ops are applied atomically with the sequence
// bump.
func (db *DB) WriteBatchFunc(build func(seq uint64) ([]Op, error)) (uint64, error) {
	db.commitMu.Lock()
	defer db.commitMu.Unlock()

	timer := metrics.NewTimer()
	var seq uint64
	err := db.bolt.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(metaBucket)
		seq = nextSeq(mb)

		ops, err := build(seq)
		if err != nil {
			return err
		}
		for _, op := range ops {
			b := tx.Bucket([]byte(op.CF))
			if b == nil {
				return errs.Newf(errs.NotFound, "unknown column family %q", op.CF)
			}
			switch op.Kind {
			case OpPut:
				if err := b.Put(op.Key, op.Value); err != nil {
					return errs.Wrap(errs.IOError, "put", err)
				}
			case OpDelete:
				if err := b.Delete(op.Key); err != nil {
					return errs.Wrap(errs.IOError, "delete", err)
				}
			}
		}
		return mb.Put(seqKey, encodeSeq(seq))
	})
	if err != nil {
		return 0, err
	}
	timer.ObserveDuration(metrics.CommitLatency)
	metrics.CommitsTotal.Inc()
	return seq, nil
}

func nextSeq(mb *bbolt.Bucket) uint64 {
	cur := uint64(0)
	if v := mb.Get(seqKey); v != nil {
		cur = binary.BigEndian.Uint64(v)
	}
	return cur + 1
}

func encodeSeq(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// CommitSeq returns the last committed sequence number.
func (db *DB) CommitSeq() (uint64, error) {
	var seq uint64
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(metaBucket)
		if v := mb.Get(seqKey); v != nil {
			seq = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return seq, err
}

// Iterator walks a column family's keyspace between a lower (inclusive)
// and upper (exclusive) bound, in forward or reverse order. A prefix scan
// is the special case lower=prefix, upper=prefixUpperBound(prefix); a
// range scan supplies arbitrary bounds directly.
type Iterator struct {
	tx      *bbolt.Tx
	cursor  *bbolt.Cursor
	lower   []byte // inclusive, nil = unbounded
	upper   []byte // exclusive, nil = unbounded
	reverse bool
	key     []byte
	value   []byte
	done    bool
	started bool
}

// Iterator opens a new iterator over cf restricted to keys sharing prefix
// (nil/empty prefix scans the whole column family). The iterator holds a
// read-only transaction open until Close is called.
func (db *DB) Iterator(cf string, prefix []byte, reverse bool) (*Iterator, error) {
	tx, err := db.bolt.Begin(false)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "begin read transaction", err)
	}
	b := tx.Bucket([]byte(cf))
	if b == nil {
		tx.Rollback()
		return nil, errs.Newf(errs.NotFound, "unknown column family %q", cf)
	}
	var lower []byte
	if len(prefix) > 0 {
		lower = prefix
	}
	return &Iterator{tx: tx, cursor: b.Cursor(), lower: lower, upper: prefixUpperBound(prefix), reverse: reverse}, nil
}

// RangeIterator opens an iterator over cf bounded by [lowerBound,
// upperBound), either of which may be nil for an open bound. Unlike
// Iterator, the bounds need not share a common prefix, which is what
// the Secondary Index Manager's scan_range needs.
func (db *DB) RangeIterator(cf string, lowerBound, upperBound []byte, reverse bool) (*Iterator, error) {
	tx, err := db.bolt.Begin(false)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "begin read transaction", err)
	}
	b := tx.Bucket([]byte(cf))
	if b == nil {
		tx.Rollback()
		return nil, errs.Newf(errs.NotFound, "unknown column family %q", cf)
	}
	return &Iterator{tx: tx, cursor: b.Cursor(), lower: lowerBound, upper: upperBound, reverse: reverse}, nil
}

// Next advances the iterator, returning false once exhausted.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	var k, v []byte
	if !it.started {
		it.started = true
		if it.reverse {
			if it.upper == nil {
				k, v = it.cursor.Last()
			} else if k, v = it.cursor.Seek(it.upper); k == nil {
				k, v = it.cursor.Last()
			} else {
				k, v = it.cursor.Prev()
			}
		} else {
			if it.lower == nil {
				k, v = it.cursor.First()
			} else {
				k, v = it.cursor.Seek(it.lower)
			}
		}
	} else if it.reverse {
		k, v = it.cursor.Prev()
	} else {
		k, v = it.cursor.Next()
	}

	if k == nil || !withinBounds(k, it.lower, it.upper) {
		it.done = true
		it.key, it.value = nil, nil
		return false
	}
	it.key = append([]byte(nil), k...)
	if v != nil {
		it.value = append([]byte(nil), v...)
	} else {
		it.value = nil
	}
	return true
}

func withinBounds(k, lower, upper []byte) bool {
	if lower != nil && bytes.Compare(k, lower) < 0 {
		return false
	}
	if upper != nil && bytes.Compare(k, upper) >= 0 {
		return false
	}
	return true
}

// prefixUpperBound returns the smallest key greater than every key sharing
// prefix, or nil if prefix is empty or all 0xFF bytes (no finite bound).
func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	up := append([]byte(nil), prefix...)
	for i := len(up) - 1; i >= 0; i-- {
		if up[i] != 0xFF {
			up[i]++
			return up[:i+1]
		}
	}
	return nil
}

// Key returns the current key. Valid only after Next returns true.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value. Valid only after Next returns true.
func (it *Iterator) Value() []byte { return it.value }

// Close releases the iterator's underlying read transaction. Iterators
// obtained from a Snapshot do not own a transaction (the snapshot does)
// and Close is a no-op for them.
func (it *Iterator) Close() error {
	if it.tx == nil {
		return nil
	}
	return it.tx.Rollback()
}

// Snapshot is a consistent, long-lived read-only view of the store,
// backed by a single bbolt read transaction.
type Snapshot struct {
	tx *bbolt.Tx
}

// Snapshot opens a new consistent read view.
func (db *DB) Snapshot() (*Snapshot, error) {
	tx, err := db.bolt.Begin(false)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "begin snapshot", err)
	}
	return &Snapshot{tx: tx}, nil
}

// Get reads key from cf as observed by the snapshot.
func (s *Snapshot) Get(cf string, key []byte) ([]byte, error) {
	b := s.tx.Bucket([]byte(cf))
	if b == nil {
		return nil, errs.Newf(errs.NotFound, "unknown column family %q", cf)
	}
	v := b.Get(key)
	if v == nil {
		return nil, errs.Newf(errs.NotFound, "key not found in %s", cf)
	}
	return append([]byte(nil), v...), nil
}

// Iterator opens a prefix iterator bound to the snapshot's view.
func (s *Snapshot) Iterator(cf string, prefix []byte, reverse bool) (*Iterator, error) {
	b := s.tx.Bucket([]byte(cf))
	if b == nil {
		return nil, errs.Newf(errs.NotFound, "unknown column family %q", cf)
	}
	var lower []byte
	if len(prefix) > 0 {
		lower = prefix
	}
	return &Iterator{cursor: b.Cursor(), lower: lower, upper: prefixUpperBound(prefix), reverse: reverse, tx: nil}, nil
}

// RangeIterator opens a range iterator bound to the snapshot's view.
func (s *Snapshot) RangeIterator(cf string, lowerBound, upperBound []byte, reverse bool) (*Iterator, error) {
	b := s.tx.Bucket([]byte(cf))
	if b == nil {
		return nil, errs.Newf(errs.NotFound, "unknown column family %q", cf)
	}
	return &Iterator{cursor: b.Cursor(), lower: lowerBound, upper: upperBound, reverse: reverse, tx: nil}, nil
}

// Close releases the snapshot's transaction.
func (s *Snapshot) Close() error {
	return s.tx.Rollback()
}

// Checkpoint writes a consistent full copy of the store to dir/<name>,
// suitable for backup. bbolt's single-file layout means this is a full
// copy rather than a filesystem hardlink, taken from a read transaction
// so it never blocks writers for more than the copy duration.
func (db *DB) Checkpoint(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.Wrap(errs.IOError, "create checkpoint directory", err)
	}
	name := fmt.Sprintf("checkpoint-%d.db", time.Now().UnixNano())
	dest := filepath.Join(dir, name)

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", errs.Wrap(errs.IOError, "create checkpoint file", err)
	}
	defer f.Close()

	err = db.bolt.View(func(tx *bbolt.Tx) error {
		_, copyErr := tx.WriteTo(f)
		return copyErr
	})
	if err != nil {
		os.Remove(dest)
		return "", errs.Wrap(errs.IOError, "copy checkpoint", err)
	}
	metrics.CheckpointsTotal.Inc()
	db.logger.Info().Str("path", dest).Msg("checkpoint written")
	return dest, nil
}

// Restore replaces the live store with a checkpoint file written by
// Checkpoint. The caller must ensure db is closed and no other process
// holds it open before calling this on the target path.
func Restore(checkpointPath, targetPath string) error {
	src, err := os.Open(checkpointPath)
	if err != nil {
		return errs.Wrap(errs.IOError, "open checkpoint", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return errs.Wrap(errs.IOError, "create target directory", err)
	}
	tmp := targetPath + ".restoring"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return errs.Wrap(errs.IOError, "create restore target", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return errs.Wrap(errs.IOError, "copy checkpoint data", err)
	}
	if err := dst.Close(); err != nil {
		return errs.Wrap(errs.IOError, "finalize restore", err)
	}
	return os.Rename(tmp, targetPath)
}
