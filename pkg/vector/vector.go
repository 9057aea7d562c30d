// Package vector implements ThemisDB's ANN Vector Index: a graph-based
// (HNSW) nearest-neighbor index per (table, field), with durable
// save/load, cosine/L2 metrics, and pre/post-filtered search over a PK
// whitelist, per spec.md §4.6.
package vector

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	faiss "github.com/blevesearch/go-faiss"
	"github.com/rs/zerolog"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/internal/obs/log"
	"github.com/themisdb/themisdb/internal/obs/metrics"
)

// Metric selects the distance function an Index was built with.
type Metric string

const (
	Cosine Metric = "cosine"
	L2     Metric = "l2"
)

// Params configures one (table, field) index, matching spec.md §4.6's
// {dim, metric, M, efConstruction, efSearch}.
type Params struct {
	Dim            int
	Metric         Metric
	M              int
	EfConstruction int
	EfSearch       int
}

// Match is one result of a knn or radius search.
type Match struct {
	PK   string
	Dist float32
}

// Index is a single (table, field) ANN index backed by a faiss HNSW
// graph, addressed by our own int64 labels so deletes and whitelist
// filtering never depend on faiss's internal reassignment of IDs.
type Index struct {
	Table, Field string
	Params       Params
	SavePath     string // directory holding index.bin/labels.bin/meta.json; "" disables persistence

	logger zerolog.Logger

	mu       sync.RWMutex
	faiss    faiss.Index
	nextID   int64
	pkToID   map[string]int64
	idToPK   map[int64]string
	deleted  map[int64]bool // tombstoned labels, compacted lazily on rebuild
	degraded bool           // set when Open's load failed; index runs empty
}

func factoryString(p Params) string {
	return fmt.Sprintf("IDMap2,HNSW%d", p.M)
}

func faissMetric(m Metric) int {
	if m == Cosine {
		// Cosine is implemented as inner-product search over normalized
		// vectors, the standard faiss idiom for cosine similarity.
		return faiss.MetricInnerProduct
	}
	return faiss.MetricL2
}

// New constructs an in-memory index with no persisted state.
func New(table, field string, p Params) (*Index, error) {
	if p.Dim <= 0 {
		return nil, errs.New(errs.Plan, "vector index dim must be positive")
	}
	if p.M <= 0 {
		p.M = 16
	}
	if p.EfConstruction <= 0 {
		p.EfConstruction = 200
	}
	if p.EfSearch <= 0 {
		p.EfSearch = 64
	}
	idx, err := faiss.IndexFactory(p.Dim, factoryString(p), faissMetric(p.Metric))
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "construct faiss HNSW index", err)
	}
	return &Index{
		Table: table, Field: field, Params: p,
		logger: log.WithComponent("vector").With().Str("table", table).Str("field", field).Logger(),
		faiss:  idx, nextID: 1,
		pkToID: make(map[string]int64), idToPK: make(map[int64]string),
		deleted: make(map[int64]bool),
	}, nil
}

// Open constructs an index and, if savePath already has persisted state,
// loads it before accepting queries. A corrupt or partial load reverts
// to an empty index and logs IndexCorrupt rather than failing Open,
// matching spec.md §4.6's fail-open policy and SPEC_FULL.md §12's Open
// Question (b) decision.
func Open(table, field string, p Params, savePath string) (*Index, error) {
	idx, err := New(table, field, p)
	if err != nil {
		return nil, err
	}
	idx.SavePath = savePath
	if savePath == "" {
		return idx, nil
	}
	if _, err := os.Stat(filepath.Join(savePath, "meta.json")); os.IsNotExist(err) {
		return idx, nil
	}
	if err := idx.load(savePath); err != nil {
		idx.logger.Warn().Err(err).Msg("vector index failed to load, running empty (IndexCorrupt)")
		metrics.VectorIndexDegraded.WithLabelValues(table, field).Set(1)
		idx.degraded = true
		fresh, ferr := faiss.IndexFactory(p.Dim, factoryString(p), faissMetric(p.Metric))
		if ferr != nil {
			return nil, errs.Wrap(errs.IOError, "reconstruct faiss index after corrupt load", ferr)
		}
		idx.faiss = fresh
		idx.nextID = 1
		idx.pkToID = make(map[string]int64)
		idx.idToPK = make(map[int64]string)
		idx.deleted = make(map[int64]bool)
	}
	return idx, nil
}

// Degraded reports whether this index is running empty due to a failed load.
func (idx *Index) Degraded() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.degraded
}

func normalize(v []float32) []float32 {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

func (idx *Index) prepare(v []float32) ([]float32, error) {
	if len(v) != idx.Params.Dim {
		return nil, errs.Newf(errs.Plan, "vector dim mismatch: index=%d got=%d", idx.Params.Dim, len(v))
	}
	if idx.Params.Metric == Cosine {
		return normalize(v), nil
	}
	return v, nil
}

// Add inserts or replaces the vector for pk.
func (idx *Index) Add(pk string, vec []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	v, err := idx.prepare(vec)
	if err != nil {
		return err
	}
	if oldID, ok := idx.pkToID[pk]; ok {
		idx.deleted[oldID] = true
		delete(idx.idToPK, oldID)
	}
	id := idx.nextID
	idx.nextID++
	if err := idx.faiss.AddWithIDs(v, []int64{id}); err != nil {
		return errs.Wrap(errs.IOError, "add vector to index", err)
	}
	idx.pkToID[pk] = id
	idx.idToPK[id] = pk
	return nil
}

// Delete removes pk's vector. faiss HNSW graphs cannot cheaply remove a
// single node in place, so deletion tombstones the label; tombstoned
// labels are filtered from every search result and reclaimed on the next
// Rebuild.
func (idx *Index) Delete(pk string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	id, ok := idx.pkToID[pk]
	if !ok {
		return nil
	}
	delete(idx.pkToID, pk)
	delete(idx.idToPK, id)
	idx.deleted[id] = true
	return nil
}

// Rebuild compacts the underlying faiss index, discarding tombstoned
// vectors. The Orchestrator does not call it; a caller invokes it once
// the deleted fraction grows large.
func (idx *Index) Rebuild(reload func(pk string) ([]float32, bool)) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	fresh, err := faiss.IndexFactory(idx.Params.Dim, factoryString(idx.Params), faissMetric(idx.Params.Metric))
	if err != nil {
		return errs.Wrap(errs.IOError, "construct faiss index for rebuild", err)
	}
	newPKToID := make(map[string]int64, len(idx.pkToID))
	newIDToPK := make(map[int64]string, len(idx.idToPK))
	var nextID int64 = 1
	for pk := range idx.pkToID {
		vec, ok := reload(pk)
		if !ok {
			continue
		}
		v, perr := idx.prepare(vec)
		if perr != nil {
			continue
		}
		id := nextID
		nextID++
		if err := fresh.AddWithIDs(v, []int64{id}); err != nil {
			return errs.Wrap(errs.IOError, "re-add vector during rebuild", err)
		}
		newPKToID[pk] = id
		newIDToPK[id] = pk
	}
	idx.faiss = fresh
	idx.pkToID = newPKToID
	idx.idToPK = newIDToPK
	idx.deleted = make(map[int64]bool)
	idx.nextID = nextID
	return nil
}

// SearchKNN returns the k nearest PKs to query, sorted by distance. If
// whitelist is non-nil, only PKs in it are eligible, and an empty
// non-nil whitelist returns no results, per spec.md §4.6.
func (idx *Index) SearchKNN(query []float32, k int, whitelist map[string]bool) ([]Match, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.VectorSearchLatency, idx.Table, idx.Field)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if whitelist != nil && len(whitelist) == 0 {
		return nil, nil
	}
	q, err := idx.prepare(query)
	if err != nil {
		return nil, err
	}
	if idx.faissCount() == 0 {
		return nil, nil
	}

	// Over-fetch to compensate for tombstoned and whitelist-excluded
	// candidates faiss has no native pre-filter for; widen geometrically
	// until satisfied or the index is exhausted.
	fetch := k
	if fetch < 1 {
		fetch = 1
	}
	var out []Match
	for attempt := 0; attempt < 6; attempt++ {
		if fetch > idx.faissCount() {
			fetch = idx.faissCount()
		}
		dists, labels, serr := idx.faiss.Search(q, int64(fetch))
		if serr != nil {
			return nil, errs.Wrap(errs.IOError, "faiss search", serr)
		}
		out = out[:0]
		for i, lbl := range labels {
			if lbl < 0 || idx.deleted[lbl] {
				continue
			}
			pk, ok := idx.idToPK[lbl]
			if !ok {
				continue
			}
			if whitelist != nil && !whitelist[pk] {
				continue
			}
			out = append(out, Match{PK: pk, Dist: dists[i]})
		}
		if len(out) >= k || fetch >= idx.faissCount() {
			break
		}
		fetch *= 4
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// SearchRadius returns every PK within eps of query, up to max results
// (0 = unlimited), sorted by distance.
func (idx *Index) SearchRadius(query []float32, eps float32, max int) ([]Match, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	q, err := idx.prepare(query)
	if err != nil {
		return nil, err
	}
	if idx.faissCount() == 0 {
		return nil, nil
	}
	res, rerr := idx.faiss.RangeSearch(q, eps)
	if rerr != nil {
		return nil, errs.Wrap(errs.IOError, "faiss range search", rerr)
	}
	lims, dists, labels := res.Lims(), res.Distances(), res.Labels()
	var out []Match
	for i := lims[0]; i < lims[1]; i++ {
		lbl := labels[i]
		if lbl < 0 || idx.deleted[lbl] {
			continue
		}
		pk, ok := idx.idToPK[lbl]
		if !ok {
			continue
		}
		out = append(out, Match{PK: pk, Dist: dists[i]})
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

func (idx *Index) faissCount() int {
	return int(idx.faiss.Ntotal())
}

type metaFile struct {
	Dim            int    `json:"dim"`
	Metric         Metric `json:"metric"`
	M              int    `json:"m"`
	EfConstruction int    `json:"ef_construction"`
	EfSearch       int    `json:"ef_search"`
	NextID         int64  `json:"next_id"`
}

// Save persists the graph, vectors and labels to dir atomically
// (temp-file + rename per file), matching spec.md §4.6.
func (idx *Index) Save(dir string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.saveLocked(dir)
}

func (idx *Index) saveLocked(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.IOError, "create vector index directory", err)
	}
	indexTmp := filepath.Join(dir, "index.bin.tmp")
	if err := faiss.WriteIndex(idx.faiss, indexTmp); err != nil {
		return errs.Wrap(errs.IOError, "write faiss index", err)
	}
	if err := os.Rename(indexTmp, filepath.Join(dir, "index.bin")); err != nil {
		return errs.Wrap(errs.IOError, "rename index.bin", err)
	}

	labelsTmp := filepath.Join(dir, "labels.bin.tmp")
	lf, err := os.OpenFile(labelsTmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return errs.Wrap(errs.IOError, "create labels.bin", err)
	}
	type labelRecord struct {
		IDToPK  map[int64]string
		Deleted map[int64]bool
		NextID  int64
	}
	if err := gob.NewEncoder(lf).Encode(labelRecord{IDToPK: idx.idToPK, Deleted: idx.deleted, NextID: idx.nextID}); err != nil {
		lf.Close()
		return errs.Wrap(errs.IOError, "encode labels.bin", err)
	}
	if err := lf.Close(); err != nil {
		return errs.Wrap(errs.IOError, "close labels.bin", err)
	}
	if err := os.Rename(labelsTmp, filepath.Join(dir, "labels.bin")); err != nil {
		return errs.Wrap(errs.IOError, "rename labels.bin", err)
	}

	metaTmp := filepath.Join(dir, "meta.json.tmp")
	meta := metaFile{Dim: idx.Params.Dim, Metric: idx.Params.Metric, M: idx.Params.M,
		EfConstruction: idx.Params.EfConstruction, EfSearch: idx.Params.EfSearch, NextID: idx.nextID}
	if err := writeJSONFile(metaTmp, meta); err != nil {
		return err
	}
	if err := os.Rename(metaTmp, filepath.Join(dir, "meta.json")); err != nil {
		return errs.Wrap(errs.IOError, "rename meta.json", err)
	}
	idx.logger.Info().Str("dir", dir).Msg("vector index saved")
	return nil
}

func (idx *Index) load(dir string) error {
	var meta metaFile
	if err := readJSONFile(filepath.Join(dir, "meta.json"), &meta); err != nil {
		return err
	}
	if meta.Dim != idx.Params.Dim {
		return errs.Newf(errs.IndexCorrupt, "persisted dim %d does not match configured dim %d", meta.Dim, idx.Params.Dim)
	}
	loaded, err := faiss.ReadIndex(filepath.Join(dir, "index.bin"), 0)
	if err != nil {
		return errs.Wrap(errs.IndexCorrupt, "read faiss index", err)
	}
	lf, err := os.Open(filepath.Join(dir, "labels.bin"))
	if err != nil {
		return errs.Wrap(errs.IndexCorrupt, "open labels.bin", err)
	}
	defer lf.Close()
	type labelRecord struct {
		IDToPK  map[int64]string
		Deleted map[int64]bool
		NextID  int64
	}
	var rec labelRecord
	if err := gob.NewDecoder(lf).Decode(&rec); err != nil {
		return errs.Wrap(errs.IndexCorrupt, "decode labels.bin", err)
	}

	idx.faiss = loaded
	idx.idToPK = rec.IDToPK
	idx.deleted = rec.Deleted
	if idx.deleted == nil {
		idx.deleted = make(map[int64]bool)
	}
	idx.nextID = rec.NextID
	idx.pkToID = make(map[string]int64, len(rec.IDToPK))
	for id, pk := range rec.IDToPK {
		idx.pkToID[pk] = id
	}
	idx.degraded = false
	return nil
}
