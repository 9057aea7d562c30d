// Package entity implements ThemisDB's unifying record type: a primary
// key plus a map of named, tagged values, with a canonical binary
// serialization shared by the relational, graph, vector, time-series and
// content blob models.
package entity

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strings"

	"github.com/themisdb/themisdb/internal/errs"
)

const canonicalVersion = 1

// Entity is keyed by a string primary key of the form "<table>:<pk>" and
// carries a field map plus a tombstone bit for deletes recorded through
// the change-data log.
type Entity struct {
	PK        string
	fields    map[string]Value
	tombstone bool
}

// New creates an empty entity for the given fully-qualified primary key.
func New(pk string) *Entity {
	return &Entity{PK: pk, fields: make(map[string]Value)}
}

// Table returns the "<table>" portion of the PK, or "" if the PK does not
// carry a table prefix.
func (e *Entity) Table() string {
	if i := strings.IndexByte(e.PK, ':'); i >= 0 {
		return e.PK[:i]
	}
	return ""
}

// GetField returns the named field, or Absent if unset.
func (e *Entity) GetField(name string) Value {
	if e.fields == nil {
		return Absent
	}
	if v, ok := e.fields[name]; ok {
		return v
	}
	return Absent
}

// SetField assigns a field. Setting KindAbsent is equivalent to RemoveField.
func (e *Entity) SetField(name string, v Value) {
	if e.fields == nil {
		e.fields = make(map[string]Value)
	}
	if v.Kind == KindAbsent {
		delete(e.fields, name)
		return
	}
	e.fields[name] = v
}

// RemoveField deletes a field entirely.
func (e *Entity) RemoveField(name string) {
	delete(e.fields, name)
}

// Fields returns a snapshot of the field names currently set, sorted
// ascending to match the canonical on-disk order.
func (e *Entity) Fields() []string {
	out := make([]string, 0, len(e.fields))
	for k := range e.fields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IsTombstone reports whether this entity represents a delete marker.
func (e *Entity) IsTombstone() bool { return e.tombstone }

// MarkTombstone converts e into a delete marker, discarding field data.
func (e *Entity) MarkTombstone() {
	e.tombstone = true
	e.fields = nil
}

// Marshal produces the canonical binary encoding: a version byte, a
// tombstone byte, then fields in ascending name order, each
// length-prefixed-name + kind-tagged-value. Two entities with the same
// logical content always produce byte-identical output.
func (e *Entity) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(canonicalVersion)
	if e.tombstone {
		buf.WriteByte(1)
		return buf.Bytes(), nil
	}
	buf.WriteByte(0)

	names := e.Fields()
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(names)))
	buf.Write(countBuf[:])

	for _, name := range names {
		nameBytes := []byte(name)
		var lb [4]byte
		binary.BigEndian.PutUint32(lb[:], uint32(len(nameBytes)))
		buf.Write(lb[:])
		buf.Write(nameBytes)

		encoded, err := e.fields[name].encode(nil)
		if err != nil {
			return nil, errs.Wrap(errs.BadEncoding, "encode field "+name, err)
		}
		buf.Write(encoded)
	}
	return buf.Bytes(), nil
}

// Unmarshal parses the canonical encoding written by Marshal into a fresh
// Entity keyed by pk. Fails with BadEncoding on any structural corruption.
func Unmarshal(pk string, data []byte) (*Entity, error) {
	if len(data) < 2 {
		return nil, errs.New(errs.BadEncoding, "entity blob too short")
	}
	if data[0] != canonicalVersion {
		return nil, errs.Newf(errs.BadEncoding, "unsupported entity encoding version %d", data[0])
	}
	e := New(pk)
	if data[1] == 1 {
		e.tombstone = true
		return e, nil
	}
	buf := data[2:]
	if len(buf) < 4 {
		return nil, errs.New(errs.BadEncoding, "truncated field count")
	}
	count := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]

	for i := uint32(0); i < count; i++ {
		if len(buf) < 4 {
			return nil, errs.New(errs.BadEncoding, "truncated field name length")
		}
		nameLen := binary.BigEndian.Uint32(buf[:4])
		buf = buf[4:]
		if uint64(len(buf)) < uint64(nameLen) {
			return nil, errs.New(errs.BadEncoding, "truncated field name")
		}
		name := string(buf[:nameLen])
		buf = buf[nameLen:]

		val, rest, err := decodeValue(buf)
		if err != nil {
			return nil, errs.Wrap(errs.BadEncoding, "decode field "+name, err)
		}
		buf = rest
		e.fields[name] = val
	}
	if len(buf) != 0 {
		return nil, errs.New(errs.BadEncoding, "trailing bytes after last field")
	}
	return e, nil
}

// Equal compares two entities by their canonical bytes, matching
// spec.md §4.2's "equality is defined on the canonical bytes".
func (e *Entity) Equal(o *Entity) bool {
	a, errA := e.Marshal()
	b, errB := o.Marshal()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Clone returns a deep copy of e.
func (e *Entity) Clone() *Entity {
	c := New(e.PK)
	c.tombstone = e.tombstone
	for k, v := range e.fields {
		c.fields[k] = v
	}
	return c
}
