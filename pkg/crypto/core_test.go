package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themisdb/pkg/entity"
	"github.com/themisdb/themisdb/pkg/kv"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestEncryptDecryptFieldRoundTrip(t *testing.T) {
	c := newTestCore(t)
	ctx := Context{Type: ContextUser, UserID: "alice"}

	blob, err := c.EncryptField([]byte("secret value"), ctx, "ssn")
	require.NoError(t, err)
	assert.Equal(t, "dek", blob.KeyID)
	assert.Equal(t, 1, blob.KeyVersion)

	pt, err := c.DecryptField(blob, ctx, "ssn")
	require.NoError(t, err)
	assert.Equal(t, "secret value", string(pt))
}

func TestDecryptWithWrongFieldNameFails(t *testing.T) {
	c := newTestCore(t)
	ctx := Context{Type: ContextUser, UserID: "alice"}

	blob, err := c.EncryptField([]byte("secret"), ctx, "ssn")
	require.NoError(t, err)

	_, err = c.DecryptField(blob, ctx, "other_field")
	require.Error(t, err)
}

func TestDecryptWithWrongUserFails(t *testing.T) {
	c := newTestCore(t)

	blob, err := c.EncryptField([]byte("secret"), Context{Type: ContextUser, UserID: "alice"}, "ssn")
	require.NoError(t, err)

	_, err = c.DecryptField(blob, Context{Type: ContextUser, UserID: "bob"}, "ssn")
	require.Error(t, err)
}

func TestGroupFieldKeyIsSharedAcrossUsers(t *testing.T) {
	c := newTestCore(t)
	ctx := Context{Type: ContextGroup, Group: "team-x"}

	blob, err := c.EncryptField([]byte("shared secret"), ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, "group:team-x", blob.KeyID)

	pt, err := c.DecryptField(blob, ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, "shared secret", string(pt))
}

func TestRotateDEKBumpsVersionWithoutBreakingOldBlobs(t *testing.T) {
	c := newTestCore(t)
	ctx := Context{Type: ContextUser, UserID: "alice"}

	oldBlob, err := c.EncryptField([]byte("v1 data"), ctx, "f")
	require.NoError(t, err)
	require.Equal(t, 1, oldBlob.KeyVersion)

	newVersion, err := c.RotateDEK()
	require.NoError(t, err)
	assert.Equal(t, 2, newVersion)

	pt, err := c.DecryptField(oldBlob, ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, "v1 data", string(pt))

	newBlob, err := c.EncryptField([]byte("v2 data"), ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, 2, newBlob.KeyVersion)
}

func TestRotateGroupDEKIsIndependentPerGroup(t *testing.T) {
	c := newTestCore(t)

	_, _, err := c.EnsureGroupDEK("team-a")
	require.NoError(t, err)
	v, err := c.RotateGroupDEK("team-a")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	vb, _, err := c.EnsureGroupDEK("team-b")
	require.NoError(t, err)
	assert.Equal(t, 1, vb)
}

func TestKEKPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	db1, err := kv.Open(path, nil)
	require.NoError(t, err)
	c1 := New(db1)
	ctx := Context{Type: ContextUser, UserID: "alice"}
	blob, err := c1.EncryptField([]byte("persisted"), ctx, "f")
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := kv.Open(path, nil)
	require.NoError(t, err)
	defer db2.Close()
	c2 := New(db2)

	pt, err := c2.DecryptField(blob, ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(pt))
}

func TestEncryptEntityFieldRoundTrip(t *testing.T) {
	c := newTestCore(t)
	ctx := Context{Type: ContextUser, UserID: "alice"}

	e := entity.New("users:alice")
	e.SetField("ssn", entity.StringValue("123-45-6789"))

	require.NoError(t, c.EncryptEntityField(e, "ssn", ctx))
	assert.True(t, e.GetField("ssn").IsAbsent())
	assert.True(t, IsEncryptedField(e, "ssn"))
	assert.False(t, e.GetField("ssn_encrypted").IsAbsent())

	require.NoError(t, c.DecryptEntityField(e, "ssn", ctx))
	assert.Equal(t, "123-45-6789", e.GetField("ssn").Str)
	assert.False(t, IsEncryptedField(e, "ssn"))
}

func TestEncryptEntityFieldPreservesSourceKind(t *testing.T) {
	c := newTestCore(t)
	ctx := Context{Type: ContextUser, UserID: "alice"}

	e := entity.New("accounts:alice")
	e.SetField("balance", entity.DoubleValue(42.5))

	require.NoError(t, c.EncryptEntityField(e, "balance", ctx))
	require.NoError(t, c.DecryptEntityField(e, "balance", ctx))

	got := e.GetField("balance")
	require.Equal(t, entity.KindDouble, got.Kind)
	assert.Equal(t, 42.5, got.Double)
}

func TestLazyRewriteUpgradesKeyVersionOnDecrypt(t *testing.T) {
	c := newTestCore(t)
	ctx := Context{Type: ContextUser, UserID: "alice"}

	e := entity.New("users:alice")
	e.SetField("ssn", entity.StringValue("value"))
	require.NoError(t, c.EncryptEntityField(e, "ssn", ctx))

	_, err := c.RotateDEK()
	require.NoError(t, err)

	require.NoError(t, c.DecryptEntityField(e, "ssn", ctx))
	assert.Equal(t, "value", e.GetField("ssn").Str)
}
