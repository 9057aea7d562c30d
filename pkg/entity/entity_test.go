package entity

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	e := New("users:alice")
	e.SetField("email", StringValue("a@x"))
	e.SetField("age", Int64Value(30))
	e.SetField("score", DoubleValue(3.5))
	e.SetField("active", BoolValue(true))
	e.SetField("embedding", VectorFloatValue([]float32{1, 2, 3}))
	e.SetField("thumb", VectorBytesValue([]byte{1, 2, 3, 4}))
	e.SetField("meta", JSONValue([]byte(`{"a":1}`)))

	data, err := e.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal("users:alice", data)
	require.NoError(t, err)

	assert.Equal(t, "a@x", got.GetField("email").Str)
	assert.Equal(t, int64(30), got.GetField("age").Int)
	assert.Equal(t, 3.5, got.GetField("score").Double)
	assert.True(t, got.GetField("active").Bool)
	assert.Equal(t, []float32{1, 2, 3}, got.GetField("embedding").VecFloat)
	assert.Equal(t, []byte{1, 2, 3, 4}, got.GetField("thumb").VecBytes)
	assert.JSONEq(t, `{"a":1}`, string(got.GetField("meta").JSON))
	assert.True(t, e.Equal(got))
}

func TestFieldNamesAreSortedInCanonicalEncoding(t *testing.T) {
	a := New("t:1")
	a.SetField("zeta", StringValue("1"))
	a.SetField("alpha", StringValue("2"))

	b := New("t:1")
	b.SetField("alpha", StringValue("2"))
	b.SetField("zeta", StringValue("1"))

	da, err := a.Marshal()
	require.NoError(t, err)
	db, err := b.Marshal()
	require.NoError(t, err)
	assert.Equal(t, da, db, "field insertion order must not affect canonical bytes")
}

func TestNaNRejected(t *testing.T) {
	e := New("t:1")
	e.SetField("x", DoubleValue(math.NaN()))
	_, err := e.Marshal()
	require.Error(t, err)
}

func TestUnmarshalMalformedIsBadEncoding(t *testing.T) {
	_, err := Unmarshal("t:1", []byte{9, 0, 0, 0, 0, 0})
	require.Error(t, err)
}

func TestTombstone(t *testing.T) {
	e := New("t:1")
	e.SetField("a", StringValue("x"))
	e.MarkTombstone()
	require.True(t, e.IsTombstone())

	data, err := e.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal("t:1", data)
	require.NoError(t, err)
	assert.True(t, got.IsTombstone())
}

func TestRemoveField(t *testing.T) {
	e := New("t:1")
	e.SetField("a", StringValue("x"))
	e.RemoveField("a")
	assert.True(t, e.GetField("a").IsAbsent())
	assert.Empty(t, e.Fields())
}

func TestTableFromPK(t *testing.T) {
	e := New("users:alice")
	assert.Equal(t, "users", e.Table())
}
