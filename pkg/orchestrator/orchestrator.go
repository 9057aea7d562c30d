// Package orchestrator wires every ThemisDB component into a single
// lifecycle: open the KV Substrate, verify protected resources, prime
// encryption keys, open the index/spatial/vector/time-series/CDC
// managers, and run the atomic entity-write coordinator on top of them,
// per spec.md §4.16.
package orchestrator

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/themisdb/themisdb/internal/config"
	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/internal/obs/log"
	"github.com/themisdb/themisdb/pkg/audit"
	"github.com/themisdb/themisdb/pkg/cdc"
	"github.com/themisdb/themisdb/pkg/content"
	"github.com/themisdb/themisdb/pkg/crypto"
	"github.com/themisdb/themisdb/pkg/index"
	"github.com/themisdb/themisdb/pkg/integrity"
	"github.com/themisdb/themisdb/pkg/kv"
	"github.com/themisdb/themisdb/pkg/query"
	"github.com/themisdb/themisdb/pkg/semcache"
	"github.com/themisdb/themisdb/pkg/spatial"
	"github.com/themisdb/themisdb/pkg/timeseries"
	"github.com/themisdb/themisdb/pkg/vector"
)

// Orchestrator owns every component manager and is the sole entry point
// for atomic entity mutation, per spec.md §4.16's "single dedicated
// commit-coordinator" requirement.
type Orchestrator struct {
	cfg    *config.Config
	logger zerolog.Logger

	DB         *kv.DB
	Crypto     *crypto.Core
	Index      *index.Manager
	Spatial    *spatial.Manager
	Vectors    *vector.Registry
	Timeseries *timeseries.Store
	CDC        *cdc.Log
	Query      *query.Engine
	Content    *content.Manager
	SemCache   *semcache.Cache
	Integrity  *integrity.Verifier
	Audit      *audit.Log

	// writeMu is the commit coordinator: it serializes Put/Delete end to
	// end (unique-index checks through commit), which is what actually
	// makes the atomic batch race-free -- kv.DB.commitMu alone only
	// protects the bbolt transaction itself, not the read-then-build step
	// index.PutOps and spatial.PutOps perform before it.
	writeMu sync.Mutex

	stop     chan struct{}
	workers  sync.WaitGroup
	started  bool
}

// Open brings up every component in dependency order and starts the
// configured background workers. AuditSigner may be nil if no audit
// category requires the encrypt-then-sign envelope.
func Open(cfg *config.Config, auditSigner audit.Signer) (*Orchestrator, error) {
	db, err := kv.Open(cfg.Storage.RocksdbPath, nil)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:       cfg,
		logger:    log.WithComponent("orchestrator"),
		DB:        db,
		Integrity: integrity.New(db, integrity.DefaultPolicy()),
		stop:      make(chan struct{}),
	}

	o.Crypto = crypto.New(db)
	if _, err := o.Crypto.EnsureKEK("themisdb"); err != nil {
		db.Close()
		return nil, err
	}
	if _, _, err := o.Crypto.EnsureDEK(); err != nil {
		db.Close()
		return nil, err
	}

	fulltextDir := filepath.Join(filepath.Dir(cfg.Storage.RocksdbPath), "fulltext")
	o.Index = index.New(db, fulltextDir)
	o.Spatial = spatial.New(db)
	o.Vectors = vector.NewRegistry(cfg.VectorIndex.SavePath)
	o.Timeseries = timeseries.New(db)
	o.CDC = cdc.New(db)
	o.Query = query.New(db, o.Index, o.Spatial, o.Vectors, o.Crypto)
	o.Content = content.New(db, o.Crypto, content.DefaultPolicy(), true)
	o.SemCache = semcache.New(db)

	o.Audit = audit.New(db, o.Crypto, auditSigner, audit.DefaultPolicy())
	if err := o.Audit.Open(); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.IntegrityViolation, "open audit log", err)
	}

	o.started = true
	o.startWorkers()
	o.logger.Info().Str("path", cfg.Storage.RocksdbPath).Msg("orchestrator started")
	return o, nil
}

// Close stops background workers, flushes every open vector index and
// closes the KV Substrate. Close is idempotent-safe to call once.
func (o *Orchestrator) Close() error {
	if !o.started {
		return nil
	}
	close(o.stop)
	o.workers.Wait()

	if err := o.Vectors.SaveAll(); err != nil {
		o.logger.Error().Err(err).Msg("vector index save failed during shutdown")
	}
	o.started = false
	return o.DB.Close()
}

// Checkpoint saves every vector index to its own save path, then writes
// a consistent point-in-time copy of the KV Substrate into dir (the
// vector files are not copied there), per spec.md's checkpoint operation
// (SPEC_FULL.md §12 supplemented CLI surface).
func (o *Orchestrator) Checkpoint(dir string) (string, error) {
	if err := o.Vectors.SaveAll(); err != nil {
		return "", err
	}
	return o.DB.Checkpoint(dir)
}

func (o *Orchestrator) startWorkers() {
	if o.cfg.Features.Timeseries {
		o.runEvery(5*time.Minute, o.runContinuousAggregates)
	}
	if o.cfg.Features.SemanticCache {
		o.runEvery(1*time.Minute, o.sweepSemanticCache)
	}
	o.runEvery(10*time.Minute, o.sweepTTLIndexes)
}

func (o *Orchestrator) runEvery(interval time.Duration, fn func()) {
	o.workers.Add(1)
	go func() {
		defer o.workers.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-o.stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}
