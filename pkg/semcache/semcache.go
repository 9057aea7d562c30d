// Package semcache implements ThemisDB's Semantic Cache: a
// content-addressed prompt/response cache with TTL expiry and hit/miss
// statistics, per spec.md §4.12.
package semcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/internal/obs/log"
	"github.com/themisdb/themisdb/internal/obs/metrics"
	"github.com/themisdb/themisdb/pkg/kv"
)

func cacheKey(prompt string, params map[string]any) ([]byte, error) {
	canon, err := canonicalJSON(params)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(append([]byte(prompt), canon...))
	return []byte("semantic_cache:" + hex.EncodeToString(sum[:])), nil
}

// canonicalJSON renders params with sorted keys so the same logical
// params always hash to the same key regardless of map iteration order.
func canonicalJSON(params map[string]any) ([]byte, error) {
	if len(params) == 0 {
		return []byte("{}"), nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []byte("{")
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, errs.Wrap(errs.BadEncoding, "marshal param key", err)
		}
		vb, err := json.Marshal(params[k])
		if err != nil {
			return nil, errs.Wrap(errs.BadEncoding, "marshal param value", err)
		}
		out = append(out, kb...)
		out = append(out, ':')
		out = append(out, vb...)
	}
	out = append(out, '}')
	return out, nil
}

// Entry is the stored cache record, per spec.md §4.12.
type Entry struct {
	Response    json.RawMessage   `json:"response"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	TimestampMs int64             `json:"timestamp_ms"`
	TTLSeconds  int64             `json:"ttl_s"` // -1 = no expiry
}

func (e Entry) expired(now time.Time) bool {
	if e.TTLSeconds < 0 {
		return false
	}
	deadline := time.UnixMilli(e.TimestampMs).Add(time.Duration(e.TTLSeconds) * time.Second)
	return now.After(deadline)
}

// Stats mirrors spec.md §4.12's exposed counters.
type Stats struct {
	Hits        uint64
	Misses      uint64
	HitRate     float64
	AvgLookupMs float64
	Entries     int
	Bytes       int64
}

// Cache owns the content-addressed prompt/response store.
type Cache struct {
	db     *kv.DB
	logger zerolog.Logger

	mu          sync.Mutex
	hits        uint64
	misses      uint64
	lookupTotal time.Duration
	lookupCount uint64
}

func marshalEntry(e Entry) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, errs.Wrap(errs.BadEncoding, "marshal cache entry", err)
	}
	return raw, nil
}

func unmarshalEntry(raw []byte, e *Entry) error {
	if err := json.Unmarshal(raw, e); err != nil {
		return errs.Wrap(errs.BadEncoding, "unmarshal cache entry", err)
	}
	return nil
}

// New constructs a Cache over db.
func New(db *kv.DB) *Cache {
	return &Cache{db: db, logger: log.WithComponent("semcache")}
}

// Put stores response under the key derived from (prompt, params).
// ttlSeconds of -1 means no expiry.
func (c *Cache) Put(prompt string, params map[string]any, response json.RawMessage, metadata map[string]string, ttlSeconds int64) error {
	key, err := cacheKey(prompt, params)
	if err != nil {
		return err
	}
	entry := Entry{Response: response, Metadata: metadata, TimestampMs: time.Now().UnixMilli(), TTLSeconds: ttlSeconds}
	raw, err := json.Marshal(entry)
	if err != nil {
		return errs.Wrap(errs.BadEncoding, "marshal cache entry", err)
	}
	_, err = c.db.Put(kv.CFDefault, key, raw)
	return err
}

// Query returns a hit only if a non-expired entry exists for
// (prompt, params); expired entries are lazily removed as a side effect.
func (c *Cache) Query(prompt string, params map[string]any) (Entry, bool, error) {
	start := time.Now()
	key, err := cacheKey(prompt, params)
	if err != nil {
		return Entry{}, false, err
	}
	raw, err := c.db.Get(kv.CFDefault, key)
	c.recordLookup(time.Since(start))
	if errs.Is(err, errs.NotFound) {
		c.recordMiss()
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, errs.Wrap(errs.BadEncoding, "unmarshal cache entry", err)
	}
	if entry.expired(time.Now()) {
		c.db.Delete(kv.CFDefault, key)
		c.recordMiss()
		return Entry{}, false, nil
	}
	c.recordHit()
	return entry, true, nil
}

func (c *Cache) recordHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	metrics.SemCacheHits.Inc()
}

func (c *Cache) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	metrics.SemCacheMisses.Inc()
}

func (c *Cache) recordLookup(d time.Duration) {
	c.mu.Lock()
	c.lookupTotal += d
	c.lookupCount++
	c.mu.Unlock()
}

// ClearExpired sweeps the whole cache, removing expired entries and
// returning the count removed. Intended to be run periodically by the
// Orchestrator's background workers.
func (c *Cache) ClearExpired() (int, error) {
	it, err := c.db.Iterator(kv.CFDefault, []byte("semantic_cache:"), false)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	now := time.Now()
	var toDelete [][]byte
	for it.Next() {
		var entry Entry
		if err := json.Unmarshal(it.Value(), &entry); err != nil {
			continue
		}
		if entry.expired(now) {
			toDelete = append(toDelete, append([]byte(nil), it.Key()...))
		}
	}
	for _, k := range toDelete {
		if _, err := c.db.Delete(kv.CFDefault, k); err != nil {
			return 0, err
		}
	}
	return len(toDelete), nil
}

// Stats reports the running hit/miss counters plus a live scan of entry
// count and approximate byte size.
func (c *Cache) Stats() (Stats, error) {
	c.mu.Lock()
	hits, misses := c.hits, c.misses
	var avgLookupMs float64
	if c.lookupCount > 0 {
		avgLookupMs = float64(c.lookupTotal.Milliseconds()) / float64(c.lookupCount)
	}
	c.mu.Unlock()

	it, err := c.db.Iterator(kv.CFDefault, []byte("semantic_cache:"), false)
	if err != nil {
		return Stats{}, err
	}
	defer it.Close()

	var entries int
	var bytes int64
	for it.Next() {
		entries++
		bytes += int64(len(it.Value()))
	}

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Stats{Hits: hits, Misses: misses, HitRate: hitRate, AvgLookupMs: avgLookupMs, Entries: entries, Bytes: bytes}, nil
}
