package index

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/internal/obs/metrics"
	"github.com/themisdb/themisdb/pkg/entity"
)

// fulltextStore owns one bleve index per (table, column) pair, persisted
// under baseDir. bleve is the real inverted-index/relevance engine behind
// scan_fulltext; the AND-over-tokens semantics spec.md §4.4 requires is
// built here as a conjunction of per-token match queries rather than
// relying on bleve's (OR-by-default) match query operator.
type fulltextStore struct {
	baseDir string

	mu      sync.Mutex
	indexes map[string]bleve.Index
}

func newFulltextStore(baseDir string) *fulltextStore {
	return &fulltextStore{baseDir: baseDir, indexes: make(map[string]bleve.Index)}
}

// fulltextDocID is the identity bleve stores a document under. pk is
// already the fully-qualified entity key (e.g. "articles:a1"), matching
// the convention every other scan in this package returns PKs in, so the
// document ID needs no further table-prefixing.
func fulltextDocID(pk string) string { return pk }

type fulltextDoc struct {
	Text string `json:"text"`
}

func (s *fulltextStore) path(table, col string) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("%s__%s.bleve", table, col))
}

func (s *fulltextStore) get(table, col string) (bleve.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := table + "|" + col
	if idx, ok := s.indexes[key]; ok {
		return idx, nil
	}
	path := s.path(table, col)
	idx, err := bleve.Open(path)
	if err == nil {
		s.indexes[key] = idx
		return idx, nil
	}
	mapping := bleve.NewIndexMapping()
	idx, err = bleve.New(path, mapping)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "create fulltext index", err)
	}
	s.indexes[key] = idx
	return idx, nil
}

// drop closes and permanently deletes the on-disk bleve index for
// (table, col). Without removing the directory, a later get() would
// transparently reopen the stale index via bleve.Open, leaving prior
// documents behind after a DropIndex/RebuildIndex.
func (s *fulltextStore) drop(table, col string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := table + "|" + col
	if idx, ok := s.indexes[key]; ok {
		idx.Close()
		delete(s.indexes, key)
	}
	if err := os.RemoveAll(s.path(table, col)); err != nil {
		return errs.Wrap(errs.IOError, "remove fulltext index directory", err)
	}
	return nil
}

// ApplyFulltext co-updates every fulltext index defined on table for the
// given entity transition, outside the KV atomic batch (bleve persists
// to its own files, the same externally-managed persistence model
// spec.md §4.6 documents for the vector index).
func (m *Manager) ApplyFulltext(table, pk string, oldEnt, newEnt *entity.Entity) error {
	for _, def := range m.definitionsFor(table) {
		if def.Kind != Fulltext {
			continue
		}
		col := def.column()
		idx, err := m.fulltext.get(table, col)
		if err != nil {
			return err
		}
		docID := fulltextDocID(pk)

		if newEnt == nil || newEnt.IsTombstone() || newEnt.GetField(col).IsAbsent() {
			if err := idx.Delete(docID); err != nil {
				return errs.Wrap(errs.IOError, "delete fulltext doc", err)
			}
			continue
		}
		v := newEnt.GetField(col)
		if v.Kind != entity.KindString {
			continue
		}
		if err := idx.Index(docID, fulltextDoc{Text: v.Str}); err != nil {
			return errs.Wrap(errs.IOError, "index fulltext doc", err)
		}
	}
	return nil
}

// ScanFulltext returns PKs matching all tokens of q over table/col, AND
// semantics, with a limit pushed down after postings intersection.
func (m *Manager) ScanFulltext(table, col, q string, limit int) ([]string, error) {
	metrics.IndexScansTotal.WithLabelValues("fulltext").Inc()
	idx, err := m.fulltext.get(table, col)
	if err != nil {
		return nil, err
	}
	tokens := tokenize(q)
	if len(tokens) == 0 {
		return nil, nil
	}
	queries := make([]query.Query, 0, len(tokens))
	for _, tok := range tokens {
		mq := bleve.NewMatchQuery(tok)
		mq.SetField("text")
		queries = append(queries, mq)
	}
	conj := bleve.NewConjunctionQuery(queries...)

	req := bleve.NewSearchRequest(conj)
	if limit > 0 {
		req.Size = limit
	} else {
		req.Size = 10000
	}
	result, err := idx.Search(req)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "fulltext search", err)
	}

	pks := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		pks = append(pks, hit.ID)
	}
	return pks, nil
}

// tokenize lowercases and splits on Unicode word boundaries, per
// spec.md §4.4's "lowercase ASCII + Unicode word split" contract.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()
	return tokens
}
