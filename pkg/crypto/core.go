// Package crypto implements ThemisDB's 3-tier field-level encryption:
// a key-encryption key (KEK) derived from a persisted IKM, data-encryption
// keys (DEK and per-group DEKs) wrapped under the KEK, and per-field keys
// derived from the DEK via HKDF. All key material lives exclusively here;
// every other component only ever sees ciphertext blobs.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/internal/obs/log"
	"github.com/themisdb/themisdb/internal/obs/metrics"
	"github.com/themisdb/themisdb/pkg/entity"
	"github.com/themisdb/themisdb/pkg/kv"
)

const (
	nonceSize = 12
	tagSize   = 16
	keySize   = 32
)

// ContextType distinguishes a per-user field key from a per-group one.
type ContextType string

const (
	ContextUser  ContextType = "user"
	ContextGroup ContextType = "group"
)

// Context carries the caller identity a field key is derived under.
type Context struct {
	Type   ContextType
	UserID string
	Group  string
}

func (c Context) salt() []byte {
	if c.Type == ContextGroup {
		return nil
	}
	return []byte(c.UserID)
}

// Blob is the JSON-serializable encrypted field representation persisted
// at rest, matching spec.md §4.3.
type Blob struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
	Tag        []byte `json:"tag"`
	KeyID      string `json:"key_id"`
	KeyVersion int    `json:"key_version"`

	// SourceKind records the entity.Value.Kind of the field before
	// encryption, so DecryptEntityField can restore it as the same kind
	// rather than always as a string. Zero value (KindAbsent) on blobs
	// written before this field existed; decryption then falls back to
	// KindString.
	SourceKind entity.Kind `json:"source_kind,omitempty"`
}

// Core owns the key hierarchy and all encrypt/decrypt operations.
type Core struct {
	db     *kv.DB
	logger zerolog.Logger

	mu        sync.RWMutex
	keks      map[string][]byte          // service -> derived KEK
	deks      map[int][]byte             // dek version -> plaintext DEK
	dekLatest int                        // highest known DEK version, 0 = none
	groupDeks map[string]map[int][]byte  // group -> version -> plaintext DEK
	groupLatest map[string]int           // group -> highest known version

	// LazyRewrite, when true, causes DecryptEntityField (and the Content
	// Manager's Get) to transparently
	// re-encrypt a field under the latest key version as a side effect of
	// reading it (spec.md §4.3's "configurable behavior per collection").
	LazyRewrite bool
}

// New constructs a Core backed by db.
func New(db *kv.DB) *Core {
	return &Core{
		db:          db,
		logger:      log.WithComponent("crypto"),
		keks:        make(map[string][]byte),
		deks:        make(map[int][]byte),
		groupDeks:   make(map[string]map[int][]byte),
		groupLatest: make(map[string]int),
		LazyRewrite: true,
	}
}

func kekIKMKey(service string) []byte { return []byte("kek:ikm:" + service) }
func dekKey(version int) []byte       { return []byte(fmt.Sprintf("dek:encrypted:v%d", version)) }
func groupDekKey(group string, version int) []byte {
	return []byte(fmt.Sprintf("key:group:%s:v%d", group, version))
}

// EnsureKEK returns the KEK for service, generating and persisting a fresh
// 32-byte IKM on first use.
func (c *Core) EnsureKEK(service string) ([]byte, error) {
	c.mu.RLock()
	if k, ok := c.keks[service]; ok {
		c.mu.RUnlock()
		return k, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.keks[service]; ok {
		return k, nil
	}

	ikm, err := c.db.Get(kv.CFDefault, kekIKMKey(service))
	if errs.Is(err, errs.NotFound) {
		ikm = make([]byte, keySize)
		if _, rerr := io.ReadFull(rand.Reader, ikm); rerr != nil {
			return nil, errs.Wrap(errs.IOError, "generate KEK ikm", rerr)
		}
		if _, werr := c.db.Put(kv.CFDefault, kekIKMKey(service), ikm); werr != nil {
			return nil, errs.Wrap(errs.IOError, "persist KEK ikm", werr)
		}
	} else if err != nil {
		return nil, errs.Wrap(errs.KeyUnavailable, "load KEK ikm", err)
	}

	kek, err := deriveKey(ikm, nil, []byte("kek:"+service), keySize)
	if err != nil {
		return nil, err
	}
	c.keks[service] = kek
	return kek, nil
}

func deriveKey(secret, salt, info []byte, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errs.Wrap(errs.KeyUnavailable, "derive key", err)
	}
	return out, nil
}

func gcmEncrypt(key, plaintext []byte) (iv, ct, tag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.IOError, "create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.IOError, "create gcm", err)
	}
	iv = make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, errs.Wrap(errs.IOError, "generate nonce", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct = sealed[:len(sealed)-tagSize]
	tag = sealed[len(sealed)-tagSize:]
	return iv, ct, tag, nil
}

func gcmDecrypt(key, iv, ct, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "create gcm", err)
	}
	pt, err := gcm.Open(nil, iv, append(append([]byte(nil), ct...), tag...), nil)
	if err != nil {
		return nil, errs.Wrap(errs.AuthFailure, "gcm authentication failed", err)
	}
	return pt, nil
}

// EnsureDEK returns the plaintext of the latest DEK, generating one under
// the default service's KEK if none exists yet.
func (c *Core) EnsureDEK() (version int, key []byte, err error) {
	c.mu.RLock()
	if c.dekLatest > 0 {
		v, k := c.dekLatest, c.deks[c.dekLatest]
		c.mu.RUnlock()
		return v, k, nil
	}
	c.mu.RUnlock()

	// EnsureKEK takes c.mu itself and sync.RWMutex is not reentrant, so
	// the KEK is resolved before the write lock is taken.
	if _, err := c.EnsureKEK("default"); err != nil {
		return 0, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dekLatest > 0 {
		return c.dekLatest, c.deks[c.dekLatest], nil
	}

	// Load every already-persisted version (restart case); the highest
	// one is the latest.
	for v := 1; ; v++ {
		raw, gerr := c.db.Get(kv.CFDefault, dekKey(v))
		if gerr != nil {
			break
		}
		kek, kerr := c.ensureKEKLocked("default")
		if kerr != nil {
			return 0, nil, kerr
		}
		pt, derr := decryptWrappedKey(kek, raw)
		if derr != nil {
			return 0, nil, derr
		}
		c.deks[v] = pt
		c.dekLatest = v
	}
	if c.dekLatest > 0 {
		return c.dekLatest, c.deks[c.dekLatest], nil
	}

	kek, err := c.ensureKEKLocked("default")
	if err != nil {
		return 0, nil, err
	}
	dek := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return 0, nil, errs.Wrap(errs.IOError, "generate DEK", err)
	}
	wrapped, err := wrapKey(kek, dek)
	if err != nil {
		return 0, nil, err
	}
	if _, err := c.db.Put(kv.CFDefault, dekKey(1), wrapped); err != nil {
		return 0, nil, errs.Wrap(errs.IOError, "persist DEK", err)
	}
	c.deks[1] = dek
	c.dekLatest = 1
	return 1, dek, nil
}

// RotateDEK wraps a freshly generated DEK under the current KEK as the
// next version, without touching previously-encrypted fields (those
// upgrade lazily on read, per spec.md §4.3/§9 Open Question c).
func (c *Core) RotateDEK() (newVersion int, err error) {
	if _, _, err := c.EnsureDEK(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	kek, err := c.ensureKEKLocked("default")
	if err != nil {
		return 0, err
	}
	dek := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return 0, errs.Wrap(errs.IOError, "generate DEK", err)
	}
	wrapped, err := wrapKey(kek, dek)
	if err != nil {
		return 0, err
	}
	newVersion = c.dekLatest + 1
	if _, err := c.db.Put(kv.CFDefault, dekKey(newVersion), wrapped); err != nil {
		return 0, errs.Wrap(errs.IOError, "persist rotated DEK", err)
	}
	c.deks[newVersion] = dek
	c.dekLatest = newVersion
	c.logger.Info().Int("version", newVersion).Msg("dek rotated")
	return newVersion, nil
}

func (c *Core) ensureKEKLocked(service string) ([]byte, error) {
	if k, ok := c.keks[service]; ok {
		return k, nil
	}
	ikm, err := c.db.Get(kv.CFDefault, kekIKMKey(service))
	if err != nil {
		return nil, errs.Wrap(errs.KeyUnavailable, "load KEK ikm", err)
	}
	kek, err := deriveKey(ikm, nil, []byte("kek:"+service), keySize)
	if err != nil {
		return nil, err
	}
	c.keks[service] = kek
	return kek, nil
}

// dekAtVersion returns the plaintext DEK for a historical version,
// unwrapping it from storage when it is not cached, needed by
// DecryptField for fields encrypted before the most recent rotation. It
// never generates a key: a version that is not stored fails with
// KeyUnavailable.
func (c *Core) dekAtVersion(version int) ([]byte, error) {
	c.mu.RLock()
	if k, ok := c.deks[version]; ok {
		c.mu.RUnlock()
		return k, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.deks[version]; ok {
		return k, nil
	}
	raw, err := c.db.Get(kv.CFDefault, dekKey(version))
	if err != nil {
		return nil, errs.Wrap(errs.KeyUnavailable, "dek version not found", err)
	}
	kek, err := c.ensureKEKLocked("default")
	if err != nil {
		return nil, err
	}
	pt, err := decryptWrappedKey(kek, raw)
	if err != nil {
		return nil, err
	}
	c.deks[version] = pt
	if version > c.dekLatest {
		c.dekLatest = version
	}
	return pt, nil
}

// EnsureGroupDEK returns the latest group DEK, generating one if needed.
func (c *Core) EnsureGroupDEK(group string) (version int, key []byte, err error) {
	// Resolved before locking, for the same reason as in EnsureDEK.
	if _, err := c.EnsureKEK("default"); err != nil {
		return 0, nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := c.groupLatest[group]; v > 0 {
		return v, c.groupDeks[group][v], nil
	}
	for v := 1; ; v++ {
		raw, gerr := c.db.Get(kv.CFDefault, groupDekKey(group, v))
		if gerr != nil {
			break
		}
		kek, kerr := c.ensureKEKLocked("default")
		if kerr != nil {
			return 0, nil, kerr
		}
		pt, derr := decryptWrappedKey(kek, raw)
		if derr != nil {
			return 0, nil, derr
		}
		c.setGroupDEK(group, v, pt)
	}
	if v := c.groupLatest[group]; v > 0 {
		return v, c.groupDeks[group][v], nil
	}

	kek, err := c.ensureKEKLocked("default")
	if err != nil {
		return 0, nil, err
	}
	dek := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return 0, nil, errs.Wrap(errs.IOError, "generate group DEK", err)
	}
	wrapped, err := wrapKey(kek, dek)
	if err != nil {
		return 0, nil, err
	}
	if _, err := c.db.Put(kv.CFDefault, groupDekKey(group, 1), wrapped); err != nil {
		return 0, nil, errs.Wrap(errs.IOError, "persist group DEK", err)
	}
	c.setGroupDEK(group, 1, dek)
	return 1, dek, nil
}

// RotateGroupDEK wraps a new group DEK version. Per spec.md §9 Open
// Question (c), this does not eagerly re-encrypt existing fields.
func (c *Core) RotateGroupDEK(group string) (int, error) {
	if _, _, err := c.EnsureGroupDEK(group); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	kek, err := c.ensureKEKLocked("default")
	if err != nil {
		return 0, err
	}
	dek := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return 0, errs.Wrap(errs.IOError, "generate group DEK", err)
	}
	wrapped, err := wrapKey(kek, dek)
	if err != nil {
		return 0, err
	}
	newVersion := c.groupLatest[group] + 1
	if _, err := c.db.Put(kv.CFDefault, groupDekKey(group, newVersion), wrapped); err != nil {
		return 0, errs.Wrap(errs.IOError, "persist rotated group DEK", err)
	}
	c.setGroupDEK(group, newVersion, dek)
	return newVersion, nil
}

func (c *Core) setGroupDEK(group string, version int, key []byte) {
	if c.groupDeks[group] == nil {
		c.groupDeks[group] = make(map[int][]byte)
	}
	c.groupDeks[group][version] = key
	if version > c.groupLatest[group] {
		c.groupLatest[group] = version
	}
}

func (c *Core) groupDEKAtVersion(group string, version int) ([]byte, error) {
	c.mu.RLock()
	if m, ok := c.groupDeks[group]; ok {
		if k, ok := m[version]; ok {
			c.mu.RUnlock()
			return k, nil
		}
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	raw, err := c.db.Get(kv.CFDefault, groupDekKey(group, version))
	if err != nil {
		return nil, errs.Wrap(errs.KeyUnavailable, "group dek version not found", err)
	}
	kek, err := c.ensureKEKLocked("default")
	if err != nil {
		return nil, err
	}
	pt, err := decryptWrappedKey(kek, raw)
	if err != nil {
		return nil, err
	}
	c.setGroupDEK(group, version, pt)
	return pt, nil
}

func wrapKey(kek, plaintext []byte) ([]byte, error) {
	iv, ct, tag, err := gcmEncrypt(kek, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(iv)+len(ct)+len(tag))
	out = append(out, iv...)
	out = append(out, ct...)
	out = append(out, tag...)
	return out, nil
}

func decryptWrappedKey(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped) < nonceSize+tagSize {
		return nil, errs.New(errs.BadEncoding, "wrapped key too short")
	}
	iv := wrapped[:nonceSize]
	tag := wrapped[len(wrapped)-tagSize:]
	ct := wrapped[nonceSize : len(wrapped)-tagSize]
	return gcmDecrypt(kek, iv, ct, tag)
}

// DeriveFieldKey computes the per-(context, field) key as
// HKDF(SHA-256, key=DEK_or_GroupDEK, salt=user_id_or_empty, info="field:<name>").
func (c *Core) DeriveFieldKey(ctx Context, field string) (key []byte, keyID string, keyVersion int, err error) {
	var base []byte
	switch ctx.Type {
	case ContextGroup:
		if ctx.Group == "" {
			return nil, "", 0, errs.New(errs.KeyUnavailable, "group context requires a group")
		}
		keyVersion, base, err = c.EnsureGroupDEK(ctx.Group)
		keyID = "group:" + ctx.Group
	default:
		keyVersion, base, err = c.EnsureDEK()
		keyID = "dek"
	}
	if err != nil {
		return nil, "", 0, err
	}
	key, err = deriveKey(base, ctx.salt(), []byte("field:"+field), keySize)
	if err != nil {
		return nil, "", 0, err
	}
	return key, keyID, keyVersion, nil
}

// EncryptField encrypts plaintext under the field key for (ctx, field).
func (c *Core) EncryptField(plaintext []byte, ctx Context, field string) (*Blob, error) {
	key, keyID, version, err := c.DeriveFieldKey(ctx, field)
	if err != nil {
		metrics.EncryptOpsTotal.WithLabelValues("encrypt", "error").Inc()
		return nil, err
	}
	iv, ct, tag, err := gcmEncrypt(key, plaintext)
	if err != nil {
		metrics.EncryptOpsTotal.WithLabelValues("encrypt", "error").Inc()
		return nil, err
	}
	metrics.EncryptOpsTotal.WithLabelValues("encrypt", "ok").Inc()
	return &Blob{IV: iv, Ciphertext: ct, Tag: tag, KeyID: keyID, KeyVersion: version}, nil
}

// DecryptField decrypts blob using the key version it was encrypted
// under, re-deriving the field key for (ctx, field).
func (c *Core) DecryptField(blob *Blob, ctx Context, field string) ([]byte, error) {
	var base []byte
	var err error
	if len(blob.KeyID) >= 6 && blob.KeyID[:6] == "group:" {
		group := blob.KeyID[6:]
		base, err = c.groupDEKAtVersion(group, blob.KeyVersion)
	} else {
		base, err = c.dekAtVersion(blob.KeyVersion)
	}
	if err != nil {
		metrics.EncryptOpsTotal.WithLabelValues("decrypt", "error").Inc()
		return nil, err
	}
	key, err := deriveKey(base, ctx.salt(), []byte("field:"+field), keySize)
	if err != nil {
		metrics.EncryptOpsTotal.WithLabelValues("decrypt", "error").Inc()
		return nil, err
	}
	pt, err := gcmDecrypt(key, blob.IV, blob.Ciphertext, blob.Tag)
	if err != nil {
		metrics.EncryptOpsTotal.WithLabelValues("decrypt", "error").Inc()
		return nil, err
	}
	metrics.EncryptOpsTotal.WithLabelValues("decrypt", "ok").Inc()
	return pt, nil
}

// MarshalBlob renders a Blob to its canonical JSON form for storage in an
// entity's "<field>_encrypted" marker.
func MarshalBlob(b *Blob) ([]byte, error) {
	out, err := json.Marshal(b)
	if err != nil {
		return nil, errs.Wrap(errs.BadEncoding, "marshal encrypted blob", err)
	}
	return out, nil
}

// UnmarshalBlob parses the "<field>_encrypted" marker's JSON back into a Blob.
func UnmarshalBlob(raw []byte) (*Blob, error) {
	var b Blob
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, errs.Wrap(errs.BadEncoding, "unmarshal encrypted blob", err)
	}
	return &b, nil
}
