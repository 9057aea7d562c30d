package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themisdb/pkg/crypto"
	"github.com/themisdb/themisdb/pkg/kv"
)

type fakeSigner struct{ key []byte }

func (f *fakeSigner) Sign(hash []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, f.key)
	mac.Write(hash)
	return mac.Sum(nil), nil
}

func (f *fakeSigner) Verify(hash, sig []byte) (bool, error) {
	mac := hmac.New(sha256.New, f.key)
	mac.Write(hash)
	return hmac.Equal(mac.Sum(nil), sig), nil
}

func newTestLog(t *testing.T, policy Policy) *Log {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	l := New(db, crypto.New(db), &fakeSigner{key: []byte("test-key")}, policy)
	require.NoError(t, l.Open())
	return l
}

func TestAppendBuildsHashChain(t *testing.T) {
	l := newTestLog(t, DefaultPolicy())

	e1, err := l.Append(Event{Type: "LOGIN", UserID: "alice", Resource: "session", Severity: "info"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1.ChainEntry)
	assert.Equal(t, "", e1.PrevHash)

	e2, err := l.Append(Event{Type: "LOGIN", UserID: "bob", Resource: "session", Severity: "info"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e2.ChainEntry)
	assert.Equal(t, e1.Hash, e2.PrevHash)

	require.NoError(t, l.VerifyChain())
}

func TestSagaCategoryIsSealed(t *testing.T) {
	l := newTestLog(t, DefaultPolicy())
	ev, err := l.Append(Event{Type: "SAGA", UserID: "svc", Resource: "order:1", Severity: "info"})
	require.NoError(t, err)

	raw, err := l.db.Get(kv.CFDefault, auditKey(ev.ChainEntry))
	require.NoError(t, err)
	rec, err := decodeRecord(raw)
	require.NoError(t, err)
	assert.True(t, rec.Sealed)
	assert.NotEmpty(t, rec.Signature)
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	l := newTestLog(t, DefaultPolicy())
	ev, err := l.Append(Event{Type: "LOGIN", UserID: "alice", Resource: "session", Severity: "info"})
	require.NoError(t, err)

	raw, err := l.db.Get(kv.CFDefault, auditKey(ev.ChainEntry))
	require.NoError(t, err)
	rec, err := decodeRecord(raw)
	require.NoError(t, err)
	rec.Event.UserID = "mallory"
	tampered, err := json.Marshal(rec)
	require.NoError(t, err)
	_, err = l.db.Put(kv.CFDefault, auditKey(ev.ChainEntry), tampered)
	require.NoError(t, err)

	err = l.VerifyChain()
	require.Error(t, err)
}

func TestOpenRejectsOnBrokenChainByDefault(t *testing.T) {
	db, err := kv.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l := New(db, crypto.New(db), &fakeSigner{key: []byte("k")}, DefaultPolicy())
	require.NoError(t, l.Open())
	ev, err := l.Append(Event{Type: "LOGIN", UserID: "alice", Resource: "session", Severity: "info"})
	require.NoError(t, err)

	raw, err := db.Get(kv.CFDefault, auditKey(ev.ChainEntry))
	require.NoError(t, err)
	rec, err := decodeRecord(raw)
	require.NoError(t, err)
	rec.Event.UserID = "mallory"
	tampered, err := json.Marshal(rec)
	require.NoError(t, err)
	_, err = db.Put(kv.CFDefault, auditKey(ev.ChainEntry), tampered)
	require.NoError(t, err)

	l2 := New(db, crypto.New(db), &fakeSigner{key: []byte("k")}, DefaultPolicy())
	err = l2.Open()
	require.Error(t, err)
}
