package content

import (
	"bytes"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/internal/obs/log"
	"github.com/themisdb/themisdb/pkg/crypto"
	"github.com/themisdb/themisdb/pkg/kv"
)

func blobKey(id string) []byte { return []byte("content_blob:" + id) }

// Manager stores content blobs, compressing with zstd before encrypting
// each blob under a per-user field key, matching spec.md §4.11. Policy
// validation is pure (see ValidateUpload) and independent of storage.
type Manager struct {
	db      *kv.DB
	crypto  *crypto.Core
	logger  zerolog.Logger
	policy  *Policy
	encrypt bool
}

// New constructs a Manager. If encrypt is false, blobs are stored as
// compressed plaintext (the default for collections that opt out of
// blob encryption).
func New(db *kv.DB, cryptoCore *crypto.Core, policy *Policy, encrypt bool) *Manager {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Manager{db: db, crypto: cryptoCore, logger: log.WithComponent("content"), policy: policy, encrypt: encrypt}
}

// ctxForUser builds the field-key context for a blob owner, defaulting
// the salt to "anonymous" per spec.md §4.11.
func ctxForUser(userID string) crypto.Context {
	if userID == "" {
		userID = "anonymous"
	}
	return crypto.Context{Type: crypto.ContextUser, UserID: userID}
}

// storedBlob is the on-disk envelope: the encrypted/plaintext payload
// plus enough metadata to tell the two apart and to re-validate on
// import.
type storedBlob struct {
	Encrypted bool   `json:"encrypted"`
	Filename  string `json:"filename"`
	MIME      string `json:"mime"`
	Size      int64  `json:"size"`
	Payload   []byte `json:"payload"` // zstd-compressed, then crypto.Blob JSON when Encrypted
}

// Import validates, compresses and (if enabled) encrypts data, persisting
// it under a fresh blob id. Returns PolicyDenied with structured flags
// when validation fails; no bytes are written in that case.
func (m *Manager) Import(filename, userID string, data []byte) (id string, err error) {
	res := ValidateUpload(m.policy, filename, int64(len(data)))
	if err := res.Validate(); err != nil {
		return "", err
	}

	compressed, err := compress(data)
	if err != nil {
		return "", err
	}

	sb := storedBlob{Filename: filename, MIME: res.MIME, Size: int64(len(data))}
	if m.encrypt {
		blob, err := m.crypto.EncryptField(compressed, ctxForUser(userID), "content")
		if err != nil {
			return "", err
		}
		payload, err := crypto.MarshalBlob(blob)
		if err != nil {
			return "", err
		}
		sb.Encrypted = true
		sb.Payload = payload
	} else {
		sb.Payload = compressed
	}

	id = uuid.NewString()
	raw, err := marshalStored(sb)
	if err != nil {
		return "", err
	}
	if _, err := m.db.Put(kv.CFDefault, blobKey(id), raw); err != nil {
		return "", err
	}
	return id, nil
}

// Get reads and decompresses the blob at id, decrypting under userID's
// context if the blob is encrypted. If m.crypto has lazy rewrite enabled
// and the stored key version is stale, Get re-encrypts and persists the
// blob under the latest key as a side effect, matching the entity field
// lazy-rewrite policy spec.md §4.3/§4.11 both document.
func (m *Manager) Get(id, userID string) (data []byte, mimeType string, err error) {
	raw, err := m.db.Get(kv.CFDefault, blobKey(id))
	if err != nil {
		return nil, "", err
	}
	sb, err := unmarshalStored(raw)
	if err != nil {
		return nil, "", err
	}

	payload := sb.Payload
	if sb.Encrypted {
		if m.crypto == nil {
			return nil, "", errs.New(errs.KeyUnavailable, "content is encrypted but no crypto core is configured")
		}
		blob, err := crypto.UnmarshalBlob(sb.Payload)
		if err != nil {
			return nil, "", err
		}
		ctx := ctxForUser(userID)
		pt, err := m.crypto.DecryptField(blob, ctx, "content")
		if err != nil {
			return nil, "", err
		}
		payload = pt

		if m.crypto.LazyRewrite {
			if latest, _, derr := m.crypto.EnsureDEK(); derr == nil && latest > blob.KeyVersion {
				if rewrapped, rerr := m.crypto.EncryptField(pt, ctx, "content"); rerr == nil {
					if reblob, merr := crypto.MarshalBlob(rewrapped); merr == nil {
						sb.Payload = reblob
						if raw2, rerr2 := marshalStored(sb); rerr2 == nil {
							if _, werr := m.db.Put(kv.CFDefault, blobKey(id), raw2); werr != nil {
								m.logger.Warn().Str("id", id).Err(werr).Msg("lazy content re-encrypt failed to persist")
							}
						}
					}
				}
			}
		}
	}

	out, err := decompress(payload)
	if err != nil {
		return nil, "", err
	}
	return out, sb.MIME, nil
}

// Delete removes the blob at id.
func (m *Manager) Delete(id string) error {
	_, err := m.db.Delete(kv.CFDefault, blobKey(id))
	return err
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "create zstd writer", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, errs.Wrap(errs.IOError, "compress blob", err)
	}
	if err := w.Close(); err != nil {
		return nil, errs.Wrap(errs.IOError, "finalize zstd stream", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errs.Wrap(errs.BadEncoding, "create zstd reader", err)
	}
	defer r.Close()
	out, err := r.DecodeAll(nil, nil)
	if err != nil {
		return nil, errs.Wrap(errs.BadEncoding, "decompress blob", err)
	}
	return out, nil
}
