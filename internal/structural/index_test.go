package structural

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/hybridretrieval/core/pkg/hre"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAddAndFindByIndex(t *testing.T) {
	idx, err := Open(openTestDB(t), DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, idx.Add("doc-1", "articles", map[string]any{
		"category": "tech",
		"metadata": map[string]any{"region": "us"},
	}))
	require.NoError(t, idx.Add("doc-2", "articles", map[string]any{
		"category": "sports",
		"metadata": map[string]any{"region": "us"},
	}))

	ids, err := idx.FindByIndex("category", "tech")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, ids)

	ids, err = idx.FindByIndex("metadata.region", "us")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"doc-1", "doc-2"}, ids)
}

func TestQueryIsAndOfPredicates(t *testing.T) {
	idx, err := Open(openTestDB(t), DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, idx.Add("doc-1", "articles", map[string]any{"category": "tech", "status": "published"}))
	require.NoError(t, idx.Add("doc-2", "articles", map[string]any{"category": "tech", "status": "draft"}))

	ids, err := idx.Query(context.Background(), map[string]any{"category": "tech", "status": "published"})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, ids)

	ids, err = idx.Query(context.Background(), map[string]any{"category": "tech", "status": "archived"})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestQueryReturnsTimedOutWhenContextExpired(t *testing.T) {
	idx, err := Open(openTestDB(t), DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, idx.Add("doc-1", "articles", map[string]any{"category": "tech"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = idx.Query(ctx, map[string]any{"category": "tech"})
	require.Error(t, err)
	var timedOut *hre.ErrTimedOut
	assert.ErrorAs(t, err, &timedOut)
}

func TestAddReplacesPriorRowsForSameDoc(t *testing.T) {
	idx, err := Open(openTestDB(t), DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, idx.Add("doc-1", "articles", map[string]any{"category": "tech"}))
	require.NoError(t, idx.Add("doc-1", "articles", map[string]any{"category": "sports"}))

	ids, err := idx.FindByIndex("category", "tech")
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = idx.FindByIndex("category", "sports")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, ids)
}

func TestRemoveDropsAllRowsForDoc(t *testing.T) {
	idx, err := Open(openTestDB(t), DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, idx.Add("doc-1", "articles", map[string]any{"category": "tech"}))
	require.NoError(t, idx.Remove("doc-1"))

	ids, err := idx.FindByIndex("category", "tech")
	require.NoError(t, err)
	assert.Empty(t, ids)

	stats, err := idx.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.DocumentCount)
}

func TestSimpleArrayIsCommaJoined(t *testing.T) {
	idx, err := Open(openTestDB(t), DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, idx.Add("doc-1", "articles", map[string]any{
		"tags": []any{"a", "b", "c"},
	}))

	ids, err := idx.FindByIndex("tags", "a,b,c")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, ids)
}

func TestNestedDepthBeyondMaxIsNotExtracted(t *testing.T) {
	idx, err := Open(openTestDB(t), Config{MaxDepth: 1})
	require.NoError(t, err)

	require.NoError(t, idx.Add("doc-1", "articles", map[string]any{
		"level1": map[string]any{
			"level2": map[string]any{
				"level3": "too-deep",
			},
		},
	}))

	ids, err := idx.FindByIndex("level1.level2.level3", "too-deep")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
