// Package content implements ThemisDB's Content Manager: a blob store
// with MIME detection, upload policy enforcement, and per-user
// HKDF-derived field encryption for blob bytes, per spec.md §4.11.
package content

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/themisdb/themisdb/internal/errs"
)

// AllowedRule caps the size of an allowed MIME type.
type AllowedRule struct {
	MIME    string
	MaxSize int64
}

// DeniedRule blacklists a MIME type with a human-readable reason.
type DeniedRule struct {
	MIME   string
	Reason string
}

// CategoryRule governs a MIME category (the part before "/") independent
// of any more specific Allowed/Denied entry.
type CategoryRule struct {
	Action  string // "allow" | "deny"
	MaxSize int64
	Reason  string
}

// Policy is the upload validation document spec.md §4.11 describes.
// Validation precedence is denied > allowed (with size cap) > category
// rule > default.
type Policy struct {
	DefaultMaxSize int64
	DefaultAction  string // "allow" | "deny"
	Allowed        []AllowedRule
	Denied         []DeniedRule
	CategoryRules  map[string]CategoryRule
}

// DefaultPolicy returns a permissive baseline: allow anything up to 50MiB
// except a short blacklist of obviously executable content.
func DefaultPolicy() *Policy {
	return &Policy{
		DefaultMaxSize: 50 << 20,
		DefaultAction:  "allow",
		Denied: []DeniedRule{
			{MIME: "application/x-msdownload", Reason: "executable content is not permitted"},
			{MIME: "application/x-sh", Reason: "executable content is not permitted"},
		},
		CategoryRules: map[string]CategoryRule{},
	}
}

// ValidationResult reports the policy decision for one upload, with the
// structured flags spec.md §4.11 names so callers can render a precise
// error message without re-deriving the reason.
type ValidationResult struct {
	Allowed        bool
	MIME           string
	Blacklisted    bool
	SizeExceeded   bool
	NotWhitelisted bool
	Reason         string
}

// mimeFromExtension resolves filename's MIME type from its extension
// alone, matching spec.md §8 property 8's "mime_from_extension" input --
// validation never sniffs file content, keeping the decision a pure
// function of (filename, size, policy).
func mimeFromExtension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return strings.TrimSpace(t)
	}
	switch ext {
	case ".exe", ".dll":
		return "application/x-msdownload"
	case ".sh":
		return "application/x-sh"
	case ".txt":
		return "text/plain"
	case ".json":
		return "application/json"
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	return "application/octet-stream"
}

func category(mimeType string) string {
	if i := strings.IndexByte(mimeType, '/'); i >= 0 {
		return mimeType[:i]
	}
	return mimeType
}

// ValidateUpload is a total function of (filename, size, p): the same
// inputs always produce the same ValidationResult, independent of any
// prior call, per spec.md §8 property 8.
func ValidateUpload(p *Policy, filename string, size int64) ValidationResult {
	mimeType := mimeFromExtension(filename)
	res := ValidationResult{MIME: mimeType}

	for _, d := range p.Denied {
		if d.MIME == mimeType {
			res.Blacklisted = true
			res.Reason = d.Reason
			return res
		}
	}

	for _, a := range p.Allowed {
		if a.MIME == mimeType {
			if size > a.MaxSize {
				res.SizeExceeded = true
				res.Reason = "exceeds allowed size for " + mimeType
				return res
			}
			res.Allowed = true
			return res
		}
	}

	if rule, ok := p.CategoryRules[category(mimeType)]; ok {
		if rule.Action == "deny" {
			res.Blacklisted = true
			res.Reason = rule.Reason
			return res
		}
		maxSize := rule.MaxSize
		if maxSize <= 0 {
			maxSize = p.DefaultMaxSize
		}
		if size > maxSize {
			res.SizeExceeded = true
			res.Reason = "exceeds category size limit for " + mimeType
			return res
		}
		res.Allowed = true
		return res
	}

	if p.DefaultAction == "deny" {
		res.NotWhitelisted = true
		res.Reason = "mime type not in allow list"
		return res
	}
	if size > p.DefaultMaxSize {
		res.SizeExceeded = true
		res.Reason = "exceeds default size limit"
		return res
	}
	res.Allowed = true
	return res
}

// Validate returns PolicyDenied with the structured flags when res is not
// allowed, or nil when the upload may proceed.
func (r ValidationResult) Validate() error {
	if r.Allowed {
		return nil
	}
	return errs.New(errs.PolicyDenied, r.Reason).
		WithField("blacklisted", r.Blacklisted).
		WithField("size_exceeded", r.SizeExceeded).
		WithField("not_whitelisted", r.NotWhitelisted).
		WithField("mime", r.MIME)
}
