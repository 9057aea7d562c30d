// Package update implements ThemisDB's manifest-driven hot-reload/update
// flow: verify-manifest, download, verify-per-file, snapshot-then-rename,
// with rollback on any failure after the snapshot, per spec.md §4.15.
package update

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/internal/obs/log"
)

// FileEntry describes one file in a Manifest, per spec.md §4.15.
type FileEntry struct {
	Path        string `json:"path"`
	Type        string `json:"type"`
	SHA256      string `json:"sha256"`
	Size        int64  `json:"size"`
	Platform    string `json:"platform"`
	Arch        string `json:"arch"`
	DownloadURL string `json:"download_url"`
}

// Manifest lists the files a hot-reload/update applies, plus a
// manifest-level signature over the canonical manifest hash.
type Manifest struct {
	Version       string      `json:"version"`
	MinUpgradeFrom string     `json:"min_upgrade_from"`
	Files         []FileEntry `json:"files"`
	Signature     string      `json:"signature"`
}

// CanonicalHash returns the manifest's signable hash: SHA-256 over the
// manifest's JSON with Signature cleared, so signing and verification
// agree on exactly the same bytes.
func (m Manifest) CanonicalHash() (string, error) {
	copied := m
	copied.Signature = ""
	raw, err := json.Marshal(copied)
	if err != nil {
		return "", errs.Wrap(errs.BadEncoding, "marshal manifest", err)
	}
	h := sha256.Sum256(raw)
	return hex.EncodeToString(h[:]), nil
}

// Signer verifies a manifest-level signature, delegated to the PKI/HSM
// custody collaborator per spec.md §1.
type Signer interface {
	Verify(hash []byte, sig []byte) (bool, error)
}

// Downloader fetches file bytes from a download_url. The default
// implementation uses net/http; tests substitute an in-memory fake.
type Downloader interface {
	Download(url string) ([]byte, error)
}

// HTTPDownloader is the production Downloader.
type HTTPDownloader struct{ Client *http.Client }

func (d HTTPDownloader) Download(url string) ([]byte, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(url)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "download update file", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Newf(errs.IOError, "download update file: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "read update file body", err)
	}
	return data, nil
}

// Updater applies a signed Manifest against an install root, with
// snapshot-before-rename rollback safety.
type Updater struct {
	installRoot string
	rollbackDir string
	downloader  Downloader
	signer      Signer
	logger      zerolog.Logger
}

// New constructs an Updater. installRoot is where manifest file Paths
// are resolved relative to; rollbackDir is where a pre-update snapshot
// of replaced files is kept until the next successful update.
func New(installRoot, rollbackDir string, downloader Downloader, signer Signer) *Updater {
	if downloader == nil {
		downloader = HTTPDownloader{}
	}
	return &Updater{installRoot: installRoot, rollbackDir: rollbackDir, downloader: downloader, signer: signer, logger: log.WithComponent("update")}
}

// Apply runs the full update flow: version compatibility check, manifest
// signature verification (before any file is downloaded), download,
// per-file size and hash verification, snapshot of any files about to be
// replaced, then atomic rename into place. On
// any failure after the snapshot step, already-applied files are restored
// from the snapshot before Apply returns its error.
func (u *Updater) Apply(m Manifest, currentVersion string) error {
	if m.MinUpgradeFrom != "" && currentVersion < m.MinUpgradeFrom {
		return errs.Newf(errs.ConfigInvalid, "upgrade requires at least version %s, current is %s", m.MinUpgradeFrom, currentVersion)
	}

	hash, err := m.CanonicalHash()
	if err != nil {
		return err
	}
	if u.signer != nil {
		sig, err := hex.DecodeString(m.Signature)
		if err != nil {
			return errs.Wrap(errs.BadEncoding, "decode manifest signature", err)
		}
		ok, err := u.signer.Verify([]byte(hash), sig)
		if err != nil || !ok {
			return errs.New(errs.AuthFailure, "manifest signature verification failed")
		}
	}

	downloaded := make(map[string][]byte, len(m.Files))
	for _, f := range m.Files {
		data, err := u.downloader.Download(f.DownloadURL)
		if err != nil {
			return err
		}
		if int64(len(data)) != f.Size {
			return errs.Newf(errs.BadEncoding, "%s: size mismatch (expected %d, got %d)", f.Path, f.Size, len(data))
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != f.SHA256 {
			return errs.Newf(errs.BadEncoding, "%s: sha256 mismatch", f.Path)
		}
		downloaded[f.Path] = data
	}

	snapshotDir := filepath.Join(u.rollbackDir, fmt.Sprintf("rollback-%d", time.Now().UnixNano()))
	snapshotted, err := u.snapshotExisting(snapshotDir, m.Files)
	if err != nil {
		return err
	}

	for _, f := range m.Files {
		if err := u.applyOne(f, downloaded[f.Path]); err != nil {
			u.logger.Error().Str("path", f.Path).Err(err).Msg("update apply failed, rolling back")
			if rerr := u.restore(snapshotDir, snapshotted); rerr != nil {
				u.logger.Error().Err(rerr).Msg("rollback also failed")
			}
			return err
		}
	}
	return nil
}

func (u *Updater) snapshotExisting(snapshotDir string, files []FileEntry) ([]string, error) {
	var snapshotted []string
	for _, f := range files {
		target := filepath.Join(u.installRoot, f.Path)
		if _, err := os.Stat(target); os.IsNotExist(err) {
			continue
		}
		dest := filepath.Join(snapshotDir, f.Path)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return snapshotted, errs.Wrap(errs.IOError, "create rollback directory", err)
		}
		if err := copyFile(target, dest); err != nil {
			return snapshotted, errs.Wrap(errs.IOError, "snapshot existing file "+f.Path, err)
		}
		snapshotted = append(snapshotted, f.Path)
	}
	return snapshotted, nil
}

func (u *Updater) applyOne(f FileEntry, data []byte) error {
	target := filepath.Join(u.installRoot, f.Path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errs.Wrap(errs.IOError, "create target directory", err)
	}
	tmp := target + ".update-tmp"
	if err := os.WriteFile(tmp, data, 0o755); err != nil {
		return errs.Wrap(errs.IOError, "write staged update file", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return errs.Wrap(errs.IOError, "atomically install update file", err)
	}
	return nil
}

func (u *Updater) restore(snapshotDir string, paths []string) error {
	var firstErr error
	for _, p := range paths {
		src := filepath.Join(snapshotDir, p)
		dest := filepath.Join(u.installRoot, p)
		if err := copyFile(src, dest); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func copyFile(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode()
	}
	return os.WriteFile(dest, data, mode)
}
