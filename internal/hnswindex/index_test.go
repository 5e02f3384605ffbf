package hnswindex

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybridretrieval/core/pkg/hre"
)

func TestAddAndKnn(t *testing.T) {
	idx, err := New(DefaultConfig(4, hre.SpaceInnerProduct))
	require.NoError(t, err)

	require.NoError(t, idx.Add([]float32{1, 0, 0, 0}, 0))
	require.NoError(t, idx.Add([]float32{0, 1, 0, 0}, 1))

	neighbors, err := idx.Knn([]float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.NotEmpty(t, neighbors)
	assert.Equal(t, uint64(0), neighbors[0].Label)
}

func TestAddRejectsWrongDimension(t *testing.T) {
	idx, err := New(DefaultConfig(4, hre.SpaceCosine))
	require.NoError(t, err)

	err = idx.Add([]float32{1, 2}, 0)
	require.Error(t, err)
	var dimErr *hre.ErrDimensionMismatch
	require.ErrorAs(t, err, &dimErr)
}

func TestSerializeRoundTrip(t *testing.T) {
	idx, err := New(DefaultConfig(4, hre.SpaceCosine))
	require.NoError(t, err)
	require.NoError(t, idx.Add([]float32{1, 0, 0, 0}, 0))
	require.NoError(t, idx.Add([]float32{0, 1, 0, 0}, 1))

	var buf bytes.Buffer
	require.NoError(t, idx.Serialize(&buf))

	idx2, err := New(DefaultConfig(4, hre.SpaceCosine))
	require.NoError(t, err)
	require.NoError(t, idx2.Deserialize(&buf))
	assert.Equal(t, idx.Len(), idx2.Len())
}

func TestDistanceToScoreMonotonic(t *testing.T) {
	assert.InDelta(t, 1.0, DistanceToScore(0, hre.SpaceInnerProduct), 1e-9)
	assert.InDelta(t, 1.0, DistanceToScore(0, hre.SpaceCosine), 1e-9)
	assert.InDelta(t, 1.0, DistanceToScore(0, hre.SpaceL2), 1e-9)

	assert.Less(t, DistanceToScore(1, hre.SpaceCosine), DistanceToScore(0, hre.SpaceCosine))
	assert.Less(t, DistanceToScore(1, hre.SpaceL2), DistanceToScore(0, hre.SpaceL2))
}

func TestMarkDeletedIsNoOp(t *testing.T) {
	idx, err := New(DefaultConfig(4, hre.SpaceCosine))
	require.NoError(t, err)
	require.NoError(t, idx.Add([]float32{1, 0, 0, 0}, 0))
	require.NoError(t, idx.MarkDeleted(0))
	assert.Equal(t, 1, idx.Len())
}
