package sidecar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybridretrieval/core/pkg/hre"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DefaultConfig(4))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGetVector(t *testing.T) {
	s := openTestStore(t)

	vec := []float32{1, 0, 0, 0}
	err := s.SaveVector("a", 0, vec, map[string]any{"k": "v"}, "hash1", "model-1", true)
	require.NoError(t, err)

	gotVec, meta, hash, ok, err := s.GetVector("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, vec, gotVec)
	assert.Equal(t, "v", meta["k"])
	assert.Equal(t, "hash1", hash)

	label, ok, err := s.GetLabel("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0), label)
}

func TestSaveVectorRejectsWrongDimension(t *testing.T) {
	s := openTestStore(t)

	err := s.SaveVector("a", 0, []float32{1, 2}, nil, "h", "m", false)
	require.Error(t, err)
	var dimErr *hre.ErrDimensionMismatch
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 4, dimErr.Expected)
	assert.Equal(t, 2, dimErr.Got)
}

func TestRemoveVectorIsNoOpWhenAbsent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RemoveVector("missing"))
}

func TestUpsertOverwritesExistingRecord(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveVector("a", 0, []float32{1, 0, 0, 0}, nil, "h1", "m", false))
	require.NoError(t, s.SaveVector("a", 1, []float32{0, 1, 0, 0}, nil, "h2", "m", false))

	vec, _, hash, ok, err := s.GetVector("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{0, 1, 0, 0}, vec)
	assert.Equal(t, "h2", hash)

	label, ok, err := s.GetLabel("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), label)
}

func TestAllMappingsOrderedByLabel(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveVector("b", 2, []float32{0, 0, 1, 0}, nil, "h", "m", false))
	require.NoError(t, s.SaveVector("a", 1, []float32{1, 0, 0, 0}, nil, "h", "m", false))

	mappings, err := s.AllMappings()
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	assert.Equal(t, "a", mappings[0].DocID)
	assert.Equal(t, "b", mappings[1].DocID)
}

func TestStatsCountsRecords(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveVector("a", 0, []float32{1, 0, 0, 0}, nil, "h", "m", false))
	require.NoError(t, s.SaveVector("b", 1, []float32{0, 1, 0, 0}, nil, "h", "m", false))

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Count)
}

func TestContentHashDeterministic(t *testing.T) {
	h1 := ContentHash([]byte("hello world"))
	h2 := ContentHash([]byte("hello world"))
	h3 := ContentHash([]byte("hello worlds"))
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}
