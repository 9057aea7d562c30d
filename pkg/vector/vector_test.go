package vector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddSearchKNNWhitelist(t *testing.T) {
	idx, err := New("hotels", "emb", Params{Dim: 4, Metric: Cosine})
	require.NoError(t, err)

	vectors := map[string][]float32{
		"hotels:a": {1, 0, 0, 0},
		"hotels:b": {0.9, 0.1, 0, 0},
		"hotels:c": {0, 1, 0, 0},
	}
	for pk, v := range vectors {
		require.NoError(t, idx.Add(pk, v))
	}

	matches, err := idx.SearchKNN([]float32{1, 0, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "hotels:a", matches[0].PK)

	whitelist := map[string]bool{"hotels:c": true}
	matches, err = idx.SearchKNN([]float32{1, 0, 0, 0}, 2, whitelist)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "hotels:c", matches[0].PK)

	matches, err = idx.SearchKNN([]float32{1, 0, 0, 0}, 2, map[string]bool{})
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestDeleteExcludesFromSearch(t *testing.T) {
	idx, err := New("hotels", "emb", Params{Dim: 2, Metric: L2})
	require.NoError(t, err)
	require.NoError(t, idx.Add("hotels:a", []float32{1, 1}))
	require.NoError(t, idx.Add("hotels:b", []float32{2, 2}))

	require.NoError(t, idx.Delete("hotels:a"))
	matches, err := idx.SearchKNN([]float32{1, 1}, 5, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "hotels:b", matches[0].PK)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx, err := New("hotels", "emb", Params{Dim: 3, Metric: L2})
	require.NoError(t, err)
	require.NoError(t, idx.Add("hotels:a", []float32{1, 2, 3}))
	require.NoError(t, idx.Save(dir))

	loaded, err := Open("hotels", "emb", Params{Dim: 3, Metric: L2}, dir)
	require.NoError(t, err)
	require.False(t, loaded.Degraded())
	matches, err := loaded.SearchKNN([]float32{1, 2, 3}, 1, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "hotels:a", matches[0].PK)
}

func TestOpenCorruptReturnsDegradedEmptyIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeJSONFile(dir+"/meta.json", metaFile{Dim: 2}))
	// index.bin / labels.bin deliberately absent -> load fails.
	idx, err := Open("t", "f", Params{Dim: 2}, dir)
	require.NoError(t, err)
	require.True(t, idx.Degraded())
	matches, err := idx.SearchKNN([]float32{0, 0}, 1, nil)
	require.NoError(t, err)
	require.Empty(t, matches)
}
