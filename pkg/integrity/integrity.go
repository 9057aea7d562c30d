// Package integrity implements ThemisDB's Integrity Verifier: an
// external signature registry for protected resource files, comparing a
// canonical SHA-256 hash against the stored signature on load, per
// spec.md §4.13.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/internal/obs/log"
	"github.com/themisdb/themisdb/pkg/kv"
)

// validResourceID restricts resource ids to the charset spec.md §4.13
// names, after canonicalization.
var validResourceID = regexp.MustCompile(`^[A-Za-z0-9_./-]+$`)

// Policy governs how a missing or mismatched signature is handled.
type Policy struct {
	// OnMissing and OnMismatch are each "warn" or "reject".
	OnMissing  string
	OnMismatch string
}

// DefaultPolicy rejects both missing and mismatched signatures.
func DefaultPolicy() Policy {
	return Policy{OnMissing: "reject", OnMismatch: "reject"}
}

// Signature is the stored signing record for one resource.
type Signature struct {
	ResourceID string `json:"resource_id"`
	Hash       string `json:"hash"`
	Algorithm  string `json:"algorithm"`
	CreatedAt  int64  `json:"created_at"`
	CreatedBy  string `json:"created_by"`
	Comment    string `json:"comment,omitempty"`
}

func sigKey(resourceID string) []byte { return []byte("security_sig:" + resourceID) }

// Verifier owns the security_sig:* registry and the per-resource
// hash-compare-on-load check.
type Verifier struct {
	db     *kv.DB
	policy Policy
	logger zerolog.Logger
}

// New constructs a Verifier over db.
func New(db *kv.DB, policy Policy) *Verifier {
	return &Verifier{db: db, policy: policy, logger: log.WithComponent("integrity")}
}

// CanonicalResourceID normalizes a filesystem path into a resource id:
// absolute, cleaned, and restricted to the allowed charset.
func CanonicalResourceID(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errs.Wrap(errs.IOError, "resolve absolute path", err)
	}
	clean := filepath.Clean(abs)
	if !validResourceID.MatchString(clean) {
		return "", errs.Newf(errs.IntegrityViolation, "resource id %q contains disallowed characters", clean)
	}
	return clean, nil
}

// HashFile computes the canonical SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errs.Wrap(errs.IOError, "open resource file", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errs.Wrap(errs.IOError, "hash resource file", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sign records a signature for resourceID, replacing any prior entry.
func (v *Verifier) Sign(resourceID, hash, createdBy, comment string) error {
	resourceID, err := CanonicalResourceID(resourceID)
	if err != nil {
		return err
	}
	sig := Signature{ResourceID: resourceID, Hash: hash, Algorithm: "sha256", CreatedAt: time.Now().UnixMilli(), CreatedBy: createdBy, Comment: comment}
	raw, err := json.Marshal(sig)
	if err != nil {
		return errs.Wrap(errs.BadEncoding, "marshal signature", err)
	}
	_, err = v.db.Put(kv.CFSecuritySignatures, sigKey(resourceID), raw)
	return err
}

// Get returns the stored signature for resourceID.
func (v *Verifier) Get(resourceID string) (Signature, error) {
	resourceID, err := CanonicalResourceID(resourceID)
	if err != nil {
		return Signature{}, err
	}
	raw, err := v.db.Get(kv.CFSecuritySignatures, sigKey(resourceID))
	if err != nil {
		return Signature{}, err
	}
	var sig Signature
	if err := json.Unmarshal(raw, &sig); err != nil {
		return Signature{}, errs.Wrap(errs.BadEncoding, "unmarshal signature", err)
	}
	return sig, nil
}

// Delete removes the signature for resourceID.
func (v *Verifier) Delete(resourceID string) error {
	resourceID, err := CanonicalResourceID(resourceID)
	if err != nil {
		return err
	}
	_, err = v.db.Delete(kv.CFSecuritySignatures, sigKey(resourceID))
	return err
}

// VerifyFile loads the resource at path, hashes it, and compares it
// against the stored signature, applying v.policy to missing/mismatched
// outcomes. A "warn" outcome returns (true, nil) with a logged warning; a
// "reject" outcome returns (false, IntegrityViolation).
func (v *Verifier) VerifyFile(path string) (ok bool, err error) {
	resourceID, err := CanonicalResourceID(path)
	if err != nil {
		return false, err
	}
	hash, err := HashFile(path)
	if err != nil {
		return false, err
	}
	return v.Verify(resourceID, hash)
}

// Verify compares hash against the stored signature for resourceID,
// without touching the filesystem -- useful when the caller already has
// the canonical hash (e.g. a manifest entry).
func (v *Verifier) Verify(resourceID, hash string) (ok bool, err error) {
	sig, err := v.Get(resourceID)
	if errs.Is(err, errs.NotFound) {
		return v.applyPolicy(v.policy.OnMissing, resourceID, "no signature on record")
	}
	if err != nil {
		return false, err
	}
	if sig.Hash != hash {
		return v.applyPolicy(v.policy.OnMismatch, resourceID, "hash does not match stored signature")
	}
	return true, nil
}

func (v *Verifier) applyPolicy(action, resourceID, reason string) (bool, error) {
	if action == "warn" {
		v.logger.Warn().Str("resource", resourceID).Str("reason", reason).Msg("integrity check degraded")
		return true, nil
	}
	return false, errs.Newf(errs.IntegrityViolation, "%s: %s", resourceID, reason)
}
