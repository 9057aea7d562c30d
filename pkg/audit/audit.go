// Package audit implements ThemisDB's Audit Log: an append-only,
// hash-chained event record with an optional encrypt-then-sign envelope
// for sensitive categories, per spec.md §4.14.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/internal/obs/log"
	"github.com/themisdb/themisdb/pkg/crypto"
	"github.com/themisdb/themisdb/pkg/kv"
)

// Signer is the PKI/HSM custody collaborator's signing surface, per
// spec.md §1's out-of-scope key-custody boundary: the Audit Log only
// ever calls Sign/Verify over a hash, never touching private key
// material itself.
type Signer interface {
	Sign(hash []byte) (sig []byte, err error)
	Verify(hash, sig []byte) (bool, error)
}

// Event is one audit record, per spec.md §4.14. Hash and ChainEntry are
// computed by the Log on Append; callers fill in the rest.
type Event struct {
	TimestampMs int64          `json:"timestamp_ms"`
	Type        string         `json:"type"`
	UserID      string         `json:"user_id"`
	Resource    string         `json:"resource"`
	Details     map[string]any `json:"details,omitempty"`
	Severity    string         `json:"severity"`
	PrevHash    string         `json:"prev_hash"`
	ChainEntry  uint64         `json:"chain_entry"`
	Hash        string         `json:"hash"`
}

// storedRecord is the on-disk envelope: either the event itself, or an
// encrypt-then-sign wrapper over its canonical JSON for the categories
// policy.EnvelopeCategories names.
type storedRecord struct {
	Sealed    bool            `json:"sealed"`
	Event     *Event          `json:"event,omitempty"`
	Blob      json.RawMessage `json:"blob,omitempty"` // crypto.Blob JSON, when Sealed
	Signature string          `json:"signature,omitempty"`
}

func auditKey(chainEntry uint64) []byte {
	return []byte(fmt.Sprintf("audit:%020d", chainEntry))
}

// Policy governs degraded-mode behavior on a chain violation and which
// event types get the encrypt-then-sign envelope.
type Policy struct {
	// DegradeOnViolation, when true, lets Open continue after logging a
	// ChainViolation instead of refusing to start.
	DegradeOnViolation bool
	EnvelopeCategories map[string]bool
}

// DefaultPolicy seals SAGA and AUDIT category events and refuses to
// start on a broken chain, matching spec.md §4.14's stated default.
func DefaultPolicy() Policy {
	return Policy{
		DegradeOnViolation: false,
		EnvelopeCategories: map[string]bool{"SAGA": true, "AUDIT": true},
	}
}

// Log owns the hash-chained audit:* keyspace.
type Log struct {
	db     *kv.DB
	crypto *crypto.Core
	signer Signer
	policy Policy
	logger zerolog.Logger

	mu       sync.Mutex
	lastHash string
	lastSeq  uint64
	started  bool
}

// New constructs a Log. crypto/signer may be nil if no category ever
// requires the encrypt-then-sign envelope.
func New(db *kv.DB, cryptoCore *crypto.Core, signer Signer, policy Policy) *Log {
	return &Log{db: db, crypto: cryptoCore, signer: signer, policy: policy, logger: log.WithComponent("audit")}
}

// canonicalEventJSON renders ev with a hash-stable field ordering
// (encoding/json's struct field order is already stable, but the hash
// excludes the Hash field itself, matching spec.md §4.14's
// "event_without_hash").
func canonicalEventJSON(ev Event) ([]byte, error) {
	ev.Hash = ""
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, errs.Wrap(errs.BadEncoding, "marshal audit event", err)
	}
	return raw, nil
}

func computeHash(prevHash string, ev Event) (string, error) {
	canon, err := canonicalEventJSON(ev)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(append([]byte(prevHash), canon...))
	return hex.EncodeToString(h[:]), nil
}

// Open verifies the existing chain end-to-end and primes the Log's
// last-hash cursor for Append. On a ChainViolation, Open fails unless
// policy.DegradeOnViolation is set, in which case it logs the violation
// and continues with the cursor positioned at the last entry that did
// verify.
func (l *Log) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.db.Iterator(kv.CFDefault, []byte("audit:"), false)
	if err != nil {
		return err
	}
	defer it.Close()

	prevHash := ""
	var lastSeq uint64
	for it.Next() {
		rec, err := decodeRecord(it.Value())
		if err != nil {
			return l.degrade(errs.Wrap(errs.ChainViolation, "corrupt audit record", err))
		}
		ev, err := l.revealEvent(rec)
		if err != nil {
			return l.degrade(errs.Wrap(errs.ChainViolation, "cannot verify sealed audit record", err))
		}
		wantHash, err := computeHash(prevHash, *ev)
		if err != nil {
			return err
		}
		if wantHash != ev.Hash || ev.PrevHash != prevHash {
			return l.degrade(errs.Newf(errs.ChainViolation, "hash chain broken at entry %d", ev.ChainEntry))
		}
		prevHash = ev.Hash
		lastSeq = ev.ChainEntry
		l.lastHash = prevHash
		l.lastSeq = lastSeq
	}
	l.lastHash = prevHash
	l.lastSeq = lastSeq
	l.started = true
	return nil
}

func (l *Log) degrade(violation *errs.Error) error {
	if l.policy.DegradeOnViolation {
		l.logger.Error().Err(violation).Msg("audit chain violation, continuing in degraded mode")
		l.started = true
		return nil
	}
	return violation
}

// Append records ev, filling in PrevHash/ChainEntry/Hash and sealing it
// under an encrypt-then-sign envelope if ev.Type is in
// policy.EnvelopeCategories.
func (l *Log) Append(ev Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev.TimestampMs = time.Now().UnixMilli()
	ev.PrevHash = l.lastHash
	ev.ChainEntry = l.lastSeq + 1

	hash, err := computeHash(ev.PrevHash, ev)
	if err != nil {
		return Event{}, err
	}
	ev.Hash = hash

	rec, err := l.seal(ev)
	if err != nil {
		return Event{}, err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Event{}, errs.Wrap(errs.BadEncoding, "marshal audit record", err)
	}
	if _, err := l.db.Put(kv.CFDefault, auditKey(ev.ChainEntry), raw); err != nil {
		return Event{}, err
	}
	l.lastHash = ev.Hash
	l.lastSeq = ev.ChainEntry
	return ev, nil
}

func (l *Log) seal(ev Event) (storedRecord, error) {
	if !l.policy.EnvelopeCategories[ev.Type] {
		copied := ev
		return storedRecord{Sealed: false, Event: &copied}, nil
	}
	if l.crypto == nil || l.signer == nil {
		return storedRecord{}, errs.New(errs.KeyUnavailable, "event category requires an envelope but no crypto core/signer is configured")
	}
	canon, err := canonicalEventJSON(ev)
	if err != nil {
		return storedRecord{}, err
	}
	blob, err := l.crypto.EncryptField(canon, crypto.Context{Type: crypto.ContextUser, UserID: "audit"}, "audit_event")
	if err != nil {
		return storedRecord{}, err
	}
	blobJSON, err := crypto.MarshalBlob(blob)
	if err != nil {
		return storedRecord{}, err
	}
	sig, err := l.signer.Sign([]byte(ev.Hash))
	if err != nil {
		return storedRecord{}, errs.Wrap(errs.AuthFailure, "sign audit event hash", err)
	}
	return storedRecord{Sealed: true, Blob: blobJSON, Signature: hex.EncodeToString(sig)}, nil
}

func (l *Log) revealEvent(rec storedRecord) (*Event, error) {
	if !rec.Sealed {
		return rec.Event, nil
	}
	if l.crypto == nil {
		return nil, errs.New(errs.KeyUnavailable, "sealed audit record but no crypto core is configured")
	}
	blob, err := crypto.UnmarshalBlob(rec.Blob)
	if err != nil {
		return nil, err
	}
	pt, err := l.crypto.DecryptField(blob, crypto.Context{Type: crypto.ContextUser, UserID: "audit"}, "audit_event")
	if err != nil {
		return nil, err
	}
	var ev Event
	if err := json.Unmarshal(pt, &ev); err != nil {
		return nil, errs.Wrap(errs.BadEncoding, "unmarshal sealed audit event", err)
	}
	if l.signer != nil && rec.Signature != "" {
		sig, err := hex.DecodeString(rec.Signature)
		if err != nil {
			return nil, errs.Wrap(errs.BadEncoding, "decode audit signature", err)
		}
		ok, err := l.signer.Verify([]byte(ev.Hash), sig)
		if err != nil || !ok {
			return nil, errs.New(errs.AuthFailure, "audit event signature invalid")
		}
	}
	return &ev, nil
}

func decodeRecord(raw []byte) (storedRecord, error) {
	var rec storedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return storedRecord{}, errs.Wrap(errs.BadEncoding, "unmarshal audit record", err)
	}
	return rec, nil
}

// VerifyChain recomputes the hash chain from genesis, returning a
// ChainViolation naming the first entry that fails to match, per spec.md
// §8 property 9.
func (l *Log) VerifyChain() error {
	it, err := l.db.Iterator(kv.CFDefault, []byte("audit:"), false)
	if err != nil {
		return err
	}
	defer it.Close()

	prevHash := ""
	for it.Next() {
		rec, err := decodeRecord(it.Value())
		if err != nil {
			return errs.Wrap(errs.ChainViolation, "corrupt audit record", err)
		}
		ev, err := l.revealEvent(rec)
		if err != nil {
			return errs.Wrap(errs.ChainViolation, "cannot verify sealed audit record", err)
		}
		wantHash, err := computeHash(prevHash, *ev)
		if err != nil {
			return err
		}
		if wantHash != ev.Hash || ev.PrevHash != prevHash {
			return errs.Newf(errs.ChainViolation, "hash chain broken at entry %d", ev.ChainEntry)
		}
		prevHash = ev.Hash
	}
	return nil
}
