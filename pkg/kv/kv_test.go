package kv

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetRoundTrip(t *testing.T) {
	db := openTestDB(t)

	seq, err := db.Put(CFDefault, []byte("users:alice"), []byte(`{"email":"a@x"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	v, err := db.Get(CFDefault, []byte("users:alice"))
	require.NoError(t, err)
	assert.Equal(t, `{"email":"a@x"}`, string(v))
}

func TestGetMissingIsNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Get(CFDefault, []byte("nope"))
	require.Error(t, err)
}

func TestWriteBatchAtomicity(t *testing.T) {
	db := openTestDB(t)

	seq, err := db.WriteBatch([]Op{
		PutOp(CFDefault, []byte("users:alice"), []byte("a")),
		PutOp(CFDefault, []byte("idx:users:email:a@x:users:alice"), []byte("")),
		PutOp(CFChangefeed, []byte("changefeed:00000000000000000001"), []byte("event")),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	for _, k := range []string{"users:alice", "idx:users:email:a@x:users:alice"} {
		_, err := db.Get(CFDefault, []byte(k))
		require.NoError(t, err)
	}
	_, err = db.Get(CFChangefeed, []byte("changefeed:00000000000000000001"))
	require.NoError(t, err)
}

func TestWriteBatchUnknownCFRollsBack(t *testing.T) {
	db := openTestDB(t)

	_, err := db.WriteBatch([]Op{
		PutOp(CFDefault, []byte("users:alice"), []byte("a")),
		PutOp("nonexistent", []byte("x"), []byte("y")),
	})
	require.Error(t, err)

	_, err = db.Get(CFDefault, []byte("users:alice"))
	require.Error(t, err, "partial batch must not be visible")
}

func TestMultiGet(t *testing.T) {
	db := openTestDB(t)
	_, err := db.WriteBatch([]Op{
		PutOp(CFDefault, []byte("a"), []byte("1")),
		PutOp(CFDefault, []byte("b"), []byte("2")),
	})
	require.NoError(t, err)

	vals, err := db.MultiGet(CFDefault, [][]byte{[]byte("a"), []byte("missing"), []byte("b")})
	require.NoError(t, err)
	require.Len(t, vals, 3)
	assert.Equal(t, "1", string(vals[0]))
	assert.Nil(t, vals[1])
	assert.Equal(t, "2", string(vals[2]))
}

func TestIteratorPrefixForwardAndReverse(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i < 5; i++ {
		_, err := db.Put(CFDefault, []byte(fmt.Sprintf("orders:%02d", i)), []byte("x"))
		require.NoError(t, err)
	}
	_, err := db.Put(CFDefault, []byte("users:alice"), []byte("y"))
	require.NoError(t, err)

	it, err := db.Iterator(CFDefault, []byte("orders:"), false)
	require.NoError(t, err)
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Close())
	assert.Equal(t, []string{"orders:00", "orders:01", "orders:02", "orders:03", "orders:04"}, keys)

	rit, err := db.Iterator(CFDefault, []byte("orders:"), true)
	require.NoError(t, err)
	var rkeys []string
	for rit.Next() {
		rkeys = append(rkeys, string(rit.Key()))
	}
	require.NoError(t, rit.Close())
	assert.Equal(t, []string{"orders:04", "orders:03", "orders:02", "orders:01", "orders:00"}, rkeys)
}

func TestSnapshotIsolatedFromLaterWrites(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Put(CFDefault, []byte("k"), []byte("v1"))
	require.NoError(t, err)

	snap, err := db.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	_, err = db.Put(CFDefault, []byte("k"), []byte("v2"))
	require.NoError(t, err)

	v, err := snap.Get(CFDefault, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))

	v2, err := db.Get(CFDefault, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v2))
}

func TestCheckpointAndRestore(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Put(CFDefault, []byte("k"), []byte("v"))
	require.NoError(t, err)

	ckptDir := t.TempDir()
	path, err := db.Checkpoint(ckptDir)
	require.NoError(t, err)

	restoreTarget := filepath.Join(t.TempDir(), "restored.db")
	require.NoError(t, Restore(path, restoreTarget))

	restored, err := Open(restoreTarget, nil)
	require.NoError(t, err)
	defer restored.Close()

	v, err := restored.Get(CFDefault, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

func TestCommitSeqMonotonic(t *testing.T) {
	db := openTestDB(t)
	var last uint64
	for i := 0; i < 10; i++ {
		seq, err := db.Put(CFDefault, []byte(fmt.Sprintf("k%d", i)), []byte("v"))
		require.NoError(t, err)
		assert.Greater(t, seq, last)
		last = seq
	}
	got, err := db.CommitSeq()
	require.NoError(t, err)
	assert.Equal(t, last, got)
}
