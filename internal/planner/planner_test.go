package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybridretrieval/core/internal/fulltext"
	"github.com/hybridretrieval/core/internal/structural"
	"github.com/hybridretrieval/core/internal/vectorlayer"
	"github.com/hybridretrieval/core/pkg/hre"

	"database/sql"

	_ "modernc.org/sqlite"
)

func newStructural(t *testing.T) *structural.Index {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	idx, err := structural.Open(db, structural.DefaultConfig())
	require.NoError(t, err)
	return idx
}

func newFullText(t *testing.T) *fulltext.Index {
	t.Helper()
	idx, err := fulltext.Open(fulltext.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Dispose() })
	return idx
}

func newVector(t *testing.T) *vectorlayer.Layer {
	t.Helper()
	layer, err := vectorlayer.Open(vectorlayer.DefaultConfig(4, hre.SpaceCosine, t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = layer.Close() })
	return layer
}

// TestFilterFirstWithFullText covers the hybrid scenario where structural
// criteria narrow the candidate set and a full-text query further
// intersects it.
func TestFilterFirstWithFullText(t *testing.T) {
	st := newStructural(t)
	ft := newFullText(t)

	require.NoError(t, st.Add("doc-1", "articles", map[string]any{"category": "tech"}))
	require.NoError(t, st.Add("doc-2", "articles", map[string]any{"category": "tech"}))
	require.NoError(t, st.Add("doc-3", "articles", map[string]any{"category": "sports"}))

	require.NoError(t, ft.Add("doc-1", "articles", "a detailed review of graphics cards", nil))
	require.NoError(t, ft.Add("doc-2", "articles", "a recipe for banana bread", nil))
	require.NoError(t, ft.Add("doc-3", "articles", "graphics cards are popular in esports", nil))

	p := New(nil, ft, st, nil, nil)

	resp, err := p.Search(context.Background(), hre.SearchRequest{
		Collection:     "articles",
		Structural:     hre.StructuralCriteria{"category": "tech"},
		Semantic:       &hre.SemanticOptions{Query: "graphics cards"},
		HybridStrategy: hre.StrategyFilterFirst,
		Limit:          10,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "doc-1", resp.Results[0].DocID)
}

// TestParallelFusionWeightsResultOrdering runs the parallel strategy over
// structural and full-text legs and checks that the fused results, scored
// by w_s * (1 - i/|L_s|) summed per doc_id across lists, come back in
// descending score order.
func TestParallelFusionWeightsResultOrdering(t *testing.T) {
	st := newStructural(t)
	ft := newFullText(t)

	require.NoError(t, st.Add("doc-1", "articles", map[string]any{"category": "tech"}))
	require.NoError(t, st.Add("doc-2", "articles", map[string]any{"category": "tech"}))

	require.NoError(t, ft.Add("doc-2", "articles", "tech review of the year", nil))
	require.NoError(t, ft.Add("doc-1", "articles", "tech review of the year", nil))

	p := New(nil, ft, st, nil, nil)

	resp, err := p.Search(context.Background(), hre.SearchRequest{
		Collection:     "articles",
		Structural:     hre.StructuralCriteria{"category": "tech"},
		Semantic:       &hre.SemanticOptions{Query: "tech review"},
		HybridStrategy: hre.StrategyParallel,
		Limit:          10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, hre.StrategyParallel, resp.Metrics.StrategyUsed)
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].Score, resp.Results[i].Score)
	}
}

// TestFuseBreaksTiesByDocID covers the deterministic tie-break rule: when
// two lists rank candidates in opposite order, their weighted-rank
// contributions can sum to an identical total fused score, and the
// resulting order must fall back to doc_id ascending rather than whatever
// order the accumulator's map iteration happened to produce.
func TestFuseBreaksTiesByDocID(t *testing.T) {
	listA := weightedList{
		hits:   []hre.SearchHit{{DocID: "d1"}, {DocID: "d2"}, {DocID: "d3"}},
		weight: 0.5,
		source: "a",
	}
	listB := weightedList{
		hits:   []hre.SearchHit{{DocID: "d3"}, {DocID: "d2"}, {DocID: "d1"}},
		weight: 0.5,
		source: "b",
	}

	for i := 0; i < 10; i++ {
		hits, _ := fuse([]weightedList{listA, listB})
		require.Len(t, hits, 3)
		assert.InDelta(t, hits[0].Score, hits[1].Score, 1e-9)
		assert.InDelta(t, hits[1].Score, hits[2].Score, 1e-9)
		assert.Equal(t, []string{"d1", "d2", "d3"}, []string{hits[0].DocID, hits[1].DocID, hits[2].DocID})
	}
}

// TestSemanticDowngradeFallsBackToFilterFirst covers the fallback rule:
// semantic requested with no embedder configured downgrades to filter-first
// and the downgrade is recorded in metrics.
func TestSemanticDowngradeFallsBackToFilterFirst(t *testing.T) {
	st := newStructural(t)
	require.NoError(t, st.Add("doc-1", "articles", map[string]any{"category": "tech"}))

	p := New(nil, nil, st, nil, nil)

	resp, err := p.Search(context.Background(), hre.SearchRequest{
		Collection:     "articles",
		Structural:     hre.StructuralCriteria{"category": "tech"},
		Semantic:       &hre.SemanticOptions{Query: "anything", UseEmbedding: true},
		HybridStrategy: hre.StrategyFilterFirst,
		Limit:          10,
	})
	require.NoError(t, err)
	assert.True(t, resp.Metrics.Downgraded)
	assert.Equal(t, hre.StrategyFilterFirst, resp.Metrics.StrategyUsed)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "doc-1", resp.Results[0].DocID)
}

// TestSearchReportsTimedOutInsteadOfErroringOnExpiredContext covers the
// read-path deadline rule: a search whose context deadline has already
// passed returns a zero-error response with metrics.TimedOut set, rather
// than propagating a deadline error to the caller.
func TestSearchReportsTimedOutInsteadOfErroringOnExpiredContext(t *testing.T) {
	st := newStructural(t)
	require.NoError(t, st.Add("doc-1", "articles", map[string]any{"category": "tech"}))

	p := New(nil, nil, st, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := p.Search(ctx, hre.SearchRequest{
		Collection:     "articles",
		Structural:     hre.StructuralCriteria{"category": "tech"},
		HybridStrategy: hre.StrategyFilterFirst,
		Limit:          10,
	})
	require.NoError(t, err)
	assert.True(t, resp.Metrics.TimedOut)
	assert.Empty(t, resp.Results)
}

func TestSemanticFirstRerank(t *testing.T) {
	vec := newVector(t)
	require.NoError(t, vec.Upsert("doc-1", []float32{1, 0, 0, 0}, nil, []byte("a")))
	require.NoError(t, vec.Upsert("doc-2", []float32{0, 1, 0, 0}, nil, []byte("b")))

	p := New(vec, nil, nil, hre.NewStaticEmbedder(4), nil)

	resp, err := p.Search(context.Background(), hre.SearchRequest{
		Semantic:       &hre.SemanticOptions{Query: "doc-1", UseEmbedding: true},
		HybridStrategy: hre.StrategySemanticFirst,
		Limit:          10,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
}
