package update

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDownloader map[string][]byte

func (f fakeDownloader) Download(url string) ([]byte, error) { return f[url], nil }

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func buildManifest(t *testing.T, files map[string][]byte) (Manifest, fakeDownloader) {
	t.Helper()
	dl := fakeDownloader{}
	m := Manifest{Version: "2.0.0"}
	for path, data := range files {
		url := "mem://" + path
		dl[url] = data
		m.Files = append(m.Files, FileEntry{
			Path: path, Type: "binary", SHA256: sha256Hex(data), Size: int64(len(data)), DownloadURL: url,
		})
	}
	return m, dl
}

func TestApplyInstallsNewFiles(t *testing.T) {
	root := t.TempDir()
	rollback := t.TempDir()
	m, dl := buildManifest(t, map[string][]byte{"bin/themisdb": []byte("new-binary-contents")})

	u := New(root, rollback, dl, nil)
	require.NoError(t, u.Apply(m, "1.0.0"))

	data, err := os.ReadFile(filepath.Join(root, "bin/themisdb"))
	require.NoError(t, err)
	assert.Equal(t, "new-binary-contents", string(data))
}

func TestApplyRejectsIncompatibleUpgrade(t *testing.T) {
	root := t.TempDir()
	rollback := t.TempDir()
	m, dl := buildManifest(t, map[string][]byte{"bin/themisdb": []byte("x")})
	m.MinUpgradeFrom = "2.0.0"

	u := New(root, rollback, dl, nil)
	err := u.Apply(m, "1.0.0")
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(root, "bin/themisdb"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestApplyRejectsHashMismatch(t *testing.T) {
	root := t.TempDir()
	rollback := t.TempDir()
	m, dl := buildManifest(t, map[string][]byte{"bin/themisdb": []byte("x")})
	m.Files[0].SHA256 = "deadbeef"

	u := New(root, rollback, dl, nil)
	err := u.Apply(m, "1.0.0")
	require.Error(t, err)
}

func TestApplyRollsBackOnPartialFailure(t *testing.T) {
	root := t.TempDir()
	rollback := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin/themisdb"), []byte("old-binary"), 0o755))
	// "bin/plugin" does not exist yet, so it is not snapshotted, but a
	// directory occupies its staging path "bin/plugin.update-tmp", so
	// writing it fails at apply time -- after bin/themisdb, listed first,
	// has already been swapped in -- exercising rollback.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin/plugin.update-tmp"), 0o755))

	m, dl := buildManifest(t, map[string][]byte{
		"bin/themisdb": []byte("new-binary"),
		"bin/plugin":   []byte("never-applied"),
	})
	if m.Files[0].Path != "bin/themisdb" {
		m.Files[0], m.Files[1] = m.Files[1], m.Files[0]
	}

	u := New(root, rollback, dl, nil)
	err := u.Apply(m, "1.0.0")
	require.Error(t, err)

	data, err := os.ReadFile(filepath.Join(root, "bin/themisdb"))
	require.NoError(t, err)
	assert.Equal(t, "old-binary", string(data))
}
