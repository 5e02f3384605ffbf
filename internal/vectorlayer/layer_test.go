package vectorlayer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybridretrieval/core/pkg/hre"
)

// TestUpsertAndRecall covers scenario 1 from the component's testable
// properties: upsert a single vector, then recall it at rank 1.
func TestUpsertAndRecall(t *testing.T) {
	layer, err := Open(DefaultConfig(4, hre.SpaceInnerProduct, t.TempDir()))
	require.NoError(t, err)
	defer layer.Close()

	require.NoError(t, layer.Upsert("a", []float32{1, 0, 0, 0}, nil, []byte("content-a")))

	hits, err := layer.Search(context.Background(), []float32{1, 0, 0, 0}, 1, SearchOpts{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].DocID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-2)
}

// TestTombstoneAfterUpdate covers scenario 2: re-upserting the same doc_id
// with new content tombstones the old label and the tombstone ratio tracks
// it until a rebuild reclaims the space.
func TestTombstoneAfterUpdate(t *testing.T) {
	layer, err := Open(DefaultConfig(4, hre.SpaceInnerProduct, t.TempDir()))
	require.NoError(t, err)
	defer layer.Close()

	require.NoError(t, layer.Upsert("a", []float32{1, 0, 0, 0}, nil, []byte("v1")))
	require.NoError(t, layer.Upsert("a", []float32{0, 1, 0, 0}, nil, []byte("v2")))

	hits, err := layer.Search(context.Background(), []float32{1, 0, 0, 0}, 5, SearchOpts{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].DocID)

	assert.InDelta(t, 0.5, layer.TombstoneRatio(), 1e-9)

	require.NoError(t, layer.Rebuild(nil))
	assert.InDelta(t, 0.0, layer.TombstoneRatio(), 1e-9)

	hits, err = layer.Search(context.Background(), []float32{1, 0, 0, 0}, 5, SearchOpts{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].DocID)
}

func TestUpsertIsIdempotentOnIdenticalContent(t *testing.T) {
	layer, err := Open(DefaultConfig(4, hre.SpaceInnerProduct, t.TempDir()))
	require.NoError(t, err)
	defer layer.Close()

	require.NoError(t, layer.Upsert("a", []float32{1, 0, 0, 0}, nil, []byte("same")))
	require.NoError(t, layer.Upsert("a", []float32{1, 0, 0, 0}, nil, []byte("same")))

	assert.InDelta(t, 0.0, layer.TombstoneRatio(), 1e-9)
}

func TestUpsertRejectsZeroVectorForCosine(t *testing.T) {
	layer, err := Open(DefaultConfig(4, hre.SpaceCosine, t.TempDir()))
	require.NoError(t, err)
	defer layer.Close()

	err = layer.Upsert("a", []float32{0, 0, 0, 0}, nil, []byte("content"))
	require.Error(t, err)
	var zeroErr *hre.ErrZeroVector
	require.ErrorAs(t, err, &zeroErr)
}

func TestDeleteRemovesFromSearchResults(t *testing.T) {
	layer, err := Open(DefaultConfig(4, hre.SpaceInnerProduct, t.TempDir()))
	require.NoError(t, err)
	defer layer.Close()

	require.NoError(t, layer.Upsert("a", []float32{1, 0, 0, 0}, nil, []byte("a")))
	require.NoError(t, layer.Delete("a"))

	hits, err := layer.Search(context.Background(), []float32{1, 0, 0, 0}, 5, SearchOpts{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

// TestSaveThenReopenRehydrates covers scenario 3's intent at a smaller
// scale: after Save, a fresh Open over the same base directory resolves
// the published generation and all prior docs remain queryable.
func TestSaveThenReopenRehydrates(t *testing.T) {
	dir := t.TempDir()

	layer, err := Open(DefaultConfig(4, hre.SpaceInnerProduct, dir))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		v := make([]float32, 4)
		v[i%4] = 1
		require.NoError(t, layer.Upsert(docName(i), v, nil, []byte(docName(i))))
	}
	require.NoError(t, layer.Save())
	require.NoError(t, layer.Close())

	reopened, err := Open(DefaultConfig(4, hre.SpaceInnerProduct, dir))
	require.NoError(t, err)
	defer reopened.Close()

	hits, err := reopened.Search(context.Background(), []float32{1, 0, 0, 0}, 10, SearchOpts{})
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}

func TestSearchReturnsTimedOutWhenContextExpired(t *testing.T) {
	layer, err := Open(DefaultConfig(4, hre.SpaceInnerProduct, t.TempDir()))
	require.NoError(t, err)
	defer layer.Close()

	require.NoError(t, layer.Upsert("a", []float32{1, 0, 0, 0}, nil, []byte("a")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = layer.Search(ctx, []float32{1, 0, 0, 0}, 1, SearchOpts{})
	require.Error(t, err)
	var timedOut *hre.ErrTimedOut
	assert.ErrorAs(t, err, &timedOut)
}

func docName(i int) string {
	return "doc-" + string(rune('a'+i))
}
