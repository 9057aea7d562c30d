package integrity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themisdb/pkg/kv"
)

func newTestVerifier(t *testing.T, policy Policy) (*Verifier, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := kv.Open(filepath.Join(dir, "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, policy), dir
}

func writeResource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestVerifyFileMatchesSignature(t *testing.T) {
	v, dir := newTestVerifier(t, DefaultPolicy())
	path := writeResource(t, dir, "plugin.so", "binary-contents")

	hash, err := HashFile(path)
	require.NoError(t, err)
	require.NoError(t, v.Sign(path, hash, "admin", "initial release"))

	ok, err := v.VerifyFile(path)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyFileTamperedRejects(t *testing.T) {
	v, dir := newTestVerifier(t, DefaultPolicy())
	path := writeResource(t, dir, "plugin.so", "binary-contents")
	hash, err := HashFile(path)
	require.NoError(t, err)
	require.NoError(t, v.Sign(path, hash, "admin", ""))

	require.NoError(t, os.WriteFile(path, []byte("tampered-contents"), 0o644))

	ok, err := v.VerifyFile(path)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestMissingSignatureWarnPolicyDegrades(t *testing.T) {
	v, dir := newTestVerifier(t, Policy{OnMissing: "warn", OnMismatch: "reject"})
	path := writeResource(t, dir, "unsigned.so", "x")

	ok, err := v.VerifyFile(path)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMissingSignatureRejectPolicyFails(t *testing.T) {
	v, dir := newTestVerifier(t, DefaultPolicy())
	path := writeResource(t, dir, "unsigned.so", "x")

	_, err := v.VerifyFile(path)
	require.Error(t, err)
}
