package content

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themisdb/pkg/crypto"
	"github.com/themisdb/themisdb/pkg/kv"
)

func newTestManager(t *testing.T, encrypt bool) *Manager {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, crypto.New(db), DefaultPolicy(), encrypt)
}

func TestImportGetRoundTripPlaintext(t *testing.T) {
	m := newTestManager(t, false)
	id, err := m.Import("notes.txt", "alice", []byte("hello world"))
	require.NoError(t, err)

	data, mimeType, err := m.Get(id, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, "text/plain", mimeType)
}

func TestImportGetRoundTripEncrypted(t *testing.T) {
	m := newTestManager(t, true)
	id, err := m.Import("notes.txt", "alice", []byte("secret note"))
	require.NoError(t, err)

	data, _, err := m.Get(id, "alice")
	require.NoError(t, err)
	assert.Equal(t, "secret note", string(data))
}

func TestEncryptedBlobWrongUserFails(t *testing.T) {
	m := newTestManager(t, true)
	id, err := m.Import("notes.txt", "alice", []byte("secret note"))
	require.NoError(t, err)

	_, _, err = m.Get(id, "bob")
	require.Error(t, err)
}

func TestImportDeniedExtensionFails(t *testing.T) {
	m := newTestManager(t, false)
	_, err := m.Import("virus.exe", "alice", []byte("MZ"))
	require.Error(t, err)
}

func TestImportOversizeFails(t *testing.T) {
	m := newTestManager(t, false)
	policy := &Policy{
		DefaultAction:  "allow",
		DefaultMaxSize: 1024,
		Allowed:        []AllowedRule{{MIME: "text/plain", MaxSize: 10}},
	}
	m.policy = policy
	_, err := m.Import("big.txt", "alice", []byte("this is far more than ten bytes"))
	require.Error(t, err)
}

func TestDeleteRemovesBlob(t *testing.T) {
	m := newTestManager(t, false)
	id, err := m.Import("notes.txt", "alice", []byte("hi"))
	require.NoError(t, err)
	require.NoError(t, m.Delete(id))

	_, _, err = m.Get(id, "alice")
	require.Error(t, err)
}
