package crypto

import (
	"encoding/binary"
	"math"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/pkg/entity"
)

// encryptedSuffix and flagSuffix name the marker fields an encrypted
// logical field expands to on an entity, per spec.md §4.3: the plaintext
// field name is removed and replaced by "<name>_encrypted" (the blob) and
// "<name>_enc" (a bool marking the field as encrypted, so query planning
// can tell a protected field from an absent one).
const (
	encryptedSuffix = "_encrypted"
	flagSuffix      = "_enc"
)

// EncryptEntityField replaces e's plaintext field with its encrypted
// marker pair. The field must hold a string, JSON or vector<uint8> value;
// other kinds are encrypted via their canonical binary encoding.
func (c *Core) EncryptEntityField(e *entity.Entity, field string, ctx Context) error {
	v := e.GetField(field)
	if v.IsAbsent() {
		return errs.Newf(errs.NotFound, "field %q not set on entity", field)
	}
	plaintext, err := plaintextBytes(v)
	if err != nil {
		return err
	}
	blob, err := c.EncryptField(plaintext, ctx, field)
	if err != nil {
		return err
	}
	blob.SourceKind = v.Kind
	marshaled, err := MarshalBlob(blob)
	if err != nil {
		return err
	}
	e.RemoveField(field)
	e.SetField(field+encryptedSuffix, entity.JSONValue(marshaled))
	e.SetField(field+flagSuffix, entity.BoolValue(true))
	if ctx.Type == ContextGroup {
		e.SetField(field+"_group", entity.StringValue(ctx.Group))
	}
	return nil
}

// DecryptEntityField reverses EncryptEntityField, restoring the plaintext
// field as a value of the kind it was encrypted from (blob.SourceKind;
// blobs written before SourceKind existed fall back to a string) and
// removing the encrypted markers. If c.LazyRewrite is set and
// blob.KeyVersion is behind the current DEK, the field is transparently
// re-encrypted under the latest key as a side effect, per spec.md §4.3's
// "configurable behavior per collection".
func (c *Core) DecryptEntityField(e *entity.Entity, field string, ctx Context) error {
	marker := e.GetField(field + encryptedSuffix)
	if marker.IsAbsent() {
		return errs.Newf(errs.NotFound, "field %q has no encrypted marker", field)
	}
	blob, err := UnmarshalBlob(marker.JSON)
	if err != nil {
		return err
	}
	pt, err := c.DecryptField(blob, ctx, field)
	if err != nil {
		return err
	}
	v, err := valueFromPlaintext(blob.SourceKind, pt)
	if err != nil {
		return err
	}
	e.RemoveField(field + encryptedSuffix)
	e.RemoveField(field + flagSuffix)
	e.RemoveField(field + "_group")
	e.SetField(field, v)

	if c.LazyRewrite && ctx.Type != ContextGroup {
		if latest, _, derr := c.EnsureDEK(); derr == nil && latest > blob.KeyVersion {
			return c.EncryptEntityField(e, field, ctx)
		}
	}
	return nil
}

// IsEncryptedField reports whether field currently holds an encrypted
// marker pair on e.
func IsEncryptedField(e *entity.Entity, field string) bool {
	return !e.GetField(field + flagSuffix).IsAbsent()
}

func plaintextBytes(v entity.Value) ([]byte, error) {
	switch v.Kind {
	case entity.KindString:
		return []byte(v.Str), nil
	case entity.KindJSON:
		return v.JSON, nil
	case entity.KindVectorBytes:
		return v.VecBytes, nil
	case entity.KindInt64:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v.Int))
		return buf, nil
	case entity.KindDouble:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(v.Double))
		return buf, nil
	case entity.KindBool:
		if v.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case entity.KindVectorFloat:
		buf := make([]byte, 4*len(v.VecFloat))
		for i, f := range v.VecFloat {
			binary.BigEndian.PutUint32(buf[i*4:], math.Float32bits(f))
		}
		return buf, nil
	default:
		return nil, errs.Newf(errs.BadEncoding, "value kind %d is not encryptable as a field", v.Kind)
	}
}

// valueFromPlaintext is plaintextBytes' inverse, restoring the
// entity.Value a decrypted field held before EncryptEntityField. kind
// KindAbsent (unset SourceKind, from a blob written before that field
// existed) falls back to KindString for backward compatibility.
func valueFromPlaintext(kind entity.Kind, pt []byte) (entity.Value, error) {
	switch kind {
	case entity.KindAbsent, entity.KindString:
		return entity.StringValue(string(pt)), nil
	case entity.KindJSON:
		return entity.JSONValue(pt), nil
	case entity.KindVectorBytes:
		return entity.VectorBytesValue(pt), nil
	case entity.KindInt64:
		if len(pt) != 8 {
			return entity.Value{}, errs.New(errs.BadEncoding, "truncated encrypted int64 field")
		}
		return entity.Int64Value(int64(binary.BigEndian.Uint64(pt))), nil
	case entity.KindDouble:
		if len(pt) != 8 {
			return entity.Value{}, errs.New(errs.BadEncoding, "truncated encrypted double field")
		}
		return entity.DoubleValue(math.Float64frombits(binary.BigEndian.Uint64(pt))), nil
	case entity.KindBool:
		if len(pt) != 1 {
			return entity.Value{}, errs.New(errs.BadEncoding, "truncated encrypted bool field")
		}
		return entity.BoolValue(pt[0] != 0), nil
	case entity.KindVectorFloat:
		if len(pt)%4 != 0 {
			return entity.Value{}, errs.New(errs.BadEncoding, "truncated encrypted vector<float> field")
		}
		vec := make([]float32, len(pt)/4)
		for i := range vec {
			vec[i] = math.Float32frombits(binary.BigEndian.Uint32(pt[i*4:]))
		}
		return entity.VectorFloatValue(vec), nil
	default:
		return entity.Value{}, errs.Newf(errs.BadEncoding, "value kind %d is not decryptable as a field", kind)
	}
}
