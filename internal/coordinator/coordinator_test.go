package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/hybridretrieval/core/internal/fulltext"
	"github.com/hybridretrieval/core/internal/structural"
	"github.com/hybridretrieval/core/internal/vectorlayer"
	"github.com/hybridretrieval/core/pkg/hre"
)

// memStore is a trivial in-memory hre.DocumentStore test double.
type memStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return v, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) BulkWrite(_ context.Context, puts map[string][]byte, deletes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range puts {
		m.data[k] = v
	}
	for _, k := range deletes {
		delete(m.data, k)
	}
	return nil
}

func (m *memStore) Snapshot(_ context.Context) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func (m *memStore) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		out = append(out, k)
	}
	return out, nil
}

func newTestCoordinator(t *testing.T, withVector bool, docs hre.DocumentStore) *Coordinator {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st, err := structural.Open(db, structural.DefaultConfig())
	require.NoError(t, err)

	ft, err := fulltext.Open(fulltext.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ft.Dispose() })

	var (
		vec      *vectorlayer.Layer
		embedder hre.Embedder
	)
	if withVector {
		vec, err = vectorlayer.Open(vectorlayer.DefaultConfig(4, hre.SpaceCosine, t.TempDir()))
		require.NoError(t, err)
		t.Cleanup(func() { _ = vec.Close() })
		embedder = hre.NewStaticEmbedder(4)
	}

	c := New(vec, ft, st, embedder, docs, Config{})
	require.NoError(t, c.Initialize(context.Background()))
	return c
}

func TestPutFailsClosedWhenNotInitialized(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	st, err := structural.Open(db, structural.DefaultConfig())
	require.NoError(t, err)

	c := New(nil, nil, st, nil, nil, Config{})
	err = c.Put(context.Background(), "articles", "doc-1", hre.Document{})
	require.Error(t, err)
	var notInit *hre.ErrNotInitialized
	assert.ErrorAs(t, err, &notInit)
}

func TestPutWritesAllThreeLayersAndIsSearchable(t *testing.T) {
	c := newTestCoordinator(t, true, newMemStore())

	err := c.Put(context.Background(), "articles", "doc-1", hre.Document{
		Content:    "a review of graphics cards",
		Attributes: map[string]any{"category": "tech"},
	})
	require.NoError(t, err)

	resp, err := c.Search(context.Background(), hre.SearchRequest{
		Collection: "articles",
		Structural: hre.StructuralCriteria{"category": "tech"},
		Limit:      10,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "doc-1", resp.Results[0].DocID)
	assert.NotNil(t, resp.Results[0].Document)
}

func TestPutSucceedsWhenOnlyVectorLayerIsAbsent(t *testing.T) {
	c := newTestCoordinator(t, false, nil)
	err := c.Put(context.Background(), "articles", "doc-1", hre.Document{
		Content:    "hello world",
		Attributes: map[string]any{"category": "tech"},
	})
	require.NoError(t, err)
}

func TestDeleteRemovesFromAllLayers(t *testing.T) {
	c := newTestCoordinator(t, true, newMemStore())

	require.NoError(t, c.Put(context.Background(), "articles", "doc-1", hre.Document{
		Content:    "hello world",
		Attributes: map[string]any{"category": "tech"},
		Vector:     []float32{1, 0, 0, 0},
	}))

	require.NoError(t, c.Delete(context.Background(), "articles", "doc-1"))

	resp, err := c.Search(context.Background(), hre.SearchRequest{
		Collection: "articles",
		Structural: hre.StructuralCriteria{"category": "tech"},
		Limit:      10,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestBulkWriteAppliesPutsAndDeletesConcurrently(t *testing.T) {
	c := newTestCoordinator(t, false, nil)

	ops := []Op{
		{Type: OpPut, Collection: "articles", DocID: "doc-1", Document: hre.Document{Content: "a", Attributes: map[string]any{"category": "tech"}}},
		{Type: OpPut, Collection: "articles", DocID: "doc-2", Document: hre.Document{Content: "b", Attributes: map[string]any{"category": "tech"}}},
		{Type: OpPut, Collection: "articles", DocID: "doc-3", Document: hre.Document{Content: "c", Attributes: map[string]any{"category": "sports"}}},
	}
	results := c.BulkWrite(context.Background(), ops)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}

	deleteResults := c.BulkWrite(context.Background(), []Op{
		{Type: OpDelete, Collection: "articles", DocID: "doc-1"},
	})
	require.Len(t, deleteResults, 1)
	assert.NoError(t, deleteResults[0].Err)
}

func TestCloseSavesDirtyVectorLayer(t *testing.T) {
	c := newTestCoordinator(t, true, nil)
	require.NoError(t, c.Put(context.Background(), "articles", "doc-1", hre.Document{
		Content: "hello",
		Vector:  []float32{1, 0, 0, 0},
	}))
	assert.NoError(t, c.Close())
}

func TestAutoSaveTimerSavesDirtyLayer(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	st, err := structural.Open(db, structural.DefaultConfig())
	require.NoError(t, err)
	ft, err := fulltext.Open(fulltext.Config{})
	require.NoError(t, err)
	defer ft.Dispose()
	vec, err := vectorlayer.Open(vectorlayer.DefaultConfig(4, hre.SpaceCosine, t.TempDir()))
	require.NoError(t, err)
	defer vec.Close()

	c := New(vec, ft, st, hre.NewStaticEmbedder(4), nil, Config{AutoSaveInterval: 20 * time.Millisecond})
	require.NoError(t, c.Initialize(context.Background()))
	defer c.Close()

	require.NoError(t, c.Put(context.Background(), "articles", "doc-1", hre.Document{
		Content: "hello",
		Vector:  []float32{1, 0, 0, 0},
	}))

	require.Eventually(t, func() bool {
		return !vec.Dirty()
	}, time.Second, 10*time.Millisecond)
}
