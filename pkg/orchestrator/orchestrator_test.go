package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themisdb/internal/config"
	"github.com/themisdb/themisdb/pkg/entity"
	"github.com/themisdb/themisdb/pkg/index"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.RocksdbPath = filepath.Join(dir, "themis.db")
	cfg.Storage.RollbackDir = filepath.Join(dir, "rollback")
	cfg.VectorIndex.SavePath = filepath.Join(dir, "vector")

	o, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o
}

func TestPutGetRoundTrip(t *testing.T) {
	o := newTestOrchestrator(t)

	seq, err := o.Put("users", "u1", map[string]entity.Value{
		"name": entity.StringValue("Ada"),
		"age":  entity.Int64Value(30),
	})
	require.NoError(t, err)
	assert.Greater(t, seq, uint64(0))

	ent, err := o.Get("users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", ent.GetField("name").Str)
}

func TestPutEmitsCDCEvent(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.Put("users", "u1", map[string]entity.Value{"name": entity.StringValue("Ada")})
	require.NoError(t, err)

	events, err := o.CDC.Query(context.Background(), 0, 10, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "users:u1", events[0].Key)
}

func TestDeleteRemovesEntityAndIndexes(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.Index.CreateIndex(index.Equality, "users", []string{"name"}, false)
	require.NoError(t, err)

	_, err = o.Put("users", "u1", map[string]entity.Value{"name": entity.StringValue("Ada")})
	require.NoError(t, err)

	hits, err := o.Index.ScanEqual("users", "name", entity.StringValue("Ada"))
	require.NoError(t, err)
	assert.Contains(t, hits, "u1")

	_, err = o.Delete("users", "u1")
	require.NoError(t, err)

	_, err = o.Get("users", "u1")
	assert.Error(t, err)

	hits, err = o.Index.ScanEqual("users", "name", entity.StringValue("Ada"))
	require.NoError(t, err)
	assert.NotContains(t, hits, "u1")
}

func TestUniqueIndexViolationLeavesNoPartialWrite(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.Index.CreateIndex(index.Equality, "users", []string{"email"}, true)
	require.NoError(t, err)

	_, err = o.Put("users", "u1", map[string]entity.Value{"email": entity.StringValue("a@example.com")})
	require.NoError(t, err)

	_, err = o.Put("users", "u2", map[string]entity.Value{"email": entity.StringValue("a@example.com")})
	require.Error(t, err)

	_, err = o.Get("users", "u2")
	assert.Error(t, err)
}

func TestCheckpointSucceeds(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.Put("users", "u1", map[string]entity.Value{"name": entity.StringValue("Ada")})
	require.NoError(t, err)

	dir := t.TempDir()
	_, err = o.Checkpoint(filepath.Join(dir, "snap"))
	require.NoError(t, err)
}
