package hnswindex

import (
	"fmt"
	"io"
	"sync"

	"github.com/coder/hnsw"

	"github.com/hybridretrieval/core/pkg/hre"
)

// Index is the HNSW graph over integer labels. github.com/coder/hnsw keys
// nodes by a comparable type directly, so labels double as graph keys with
// no extra bijection layer (unlike the teacher's string-id wrapper, which
// needed one because its graph keys were opaque integers unrelated to its
// document IDs).
type Index struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	cfg   Config
}

// New builds an empty graph for the given configuration.
func New(cfg Config) (*Index, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("hnswindex: dimensions must be > 0")
	}
	if cfg.MaxElements <= 0 {
		cfg.MaxElements = 10000
	}
	if cfg.M <= 0 {
		cfg.M = 16
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = 64
	}

	g := hnsw.NewGraph[uint64]()
	switch cfg.Space {
	case hre.SpaceL2:
		g.Distance = hnsw.EuclideanDistance
	case hre.SpaceCosine, hre.SpaceInnerProduct:
		// inner_product is reduced to cosine on unit-normalized vectors;
		// see Config.Space docs and VectorLayer normalization policy.
		g.Distance = hnsw.CosineDistance
	default:
		g.Distance = hnsw.CosineDistance
	}
	g.M = cfg.M
	g.EfSearch = cfg.EfSearch
	g.Ml = 0.25

	return &Index{graph: g, cfg: cfg}, nil
}

// Add inserts a vector at the given label. If current occupancy has
// reached 80% of the configured soft capacity, the capacity bookkeeping is
// doubled before the insert (the underlying graph itself grows
// dynamically; MaxElements exists only as the accounting knob the spec's
// capacity invariant describes).
func (idx *Index) Add(vector []float32, label uint64) error {
	if len(vector) != idx.cfg.Dimensions {
		return &hre.ErrDimensionMismatch{Expected: idx.cfg.Dimensions, Got: len(vector)}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.graph.Len() >= int(0.8*float64(idx.cfg.MaxElements)) {
		idx.cfg.MaxElements *= 2
	}

	idx.graph.Add(hnsw.MakeNode(label, vector))
	return nil
}

// MarkDeleted is always a best-effort no-op: github.com/coder/hnsw has a
// known defect deleting the last remaining node in a graph, so this layer
// never calls the underlying Delete. Tombstoning is achieved entirely by
// the vector layer dropping the doc_id<->label mapping; the stale vector
// stays in the graph and is swept on the next rebuild.
func (idx *Index) MarkDeleted(label uint64) error {
	return nil
}

// Knn returns up to kEffective nearest neighbors of query, sorted by
// increasing distance. Callers are responsible for computing
// kEffective = min(2k, current_count) so that tombstones can be filtered
// downstream while still returning k survivors when available.
func (idx *Index) Knn(query []float32, kEffective int) ([]Neighbor, error) {
	if len(query) != idx.cfg.Dimensions {
		return nil, &hre.ErrDimensionMismatch{Expected: idx.cfg.Dimensions, Got: len(query)}
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.graph.Len() == 0 || kEffective <= 0 {
		return nil, nil
	}

	nodes := idx.graph.Search(query, kEffective)
	out := make([]Neighbor, 0, len(nodes))
	for _, n := range nodes {
		d := idx.graph.Distance(query, n.Value)
		out = append(out, Neighbor{Label: n.Key, Distance: d})
	}
	return out, nil
}

// SetEf adjusts search breadth.
func (idx *Index) SetEf(ef int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.graph.EfSearch = ef
}

// Len returns the current node count, tombstones included.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.graph.Len()
}

// Serialize writes the graph's native opaque binary export to w.
func (idx *Index) Serialize(w io.Writer) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.graph.Export(w)
}

// Deserialize replaces the graph's contents by importing from r. The
// caller must ensure no concurrent readers are in flight (the vector
// layer only calls this during initialization, under its own lock).
func (idx *Index) Deserialize(r io.Reader) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.graph.Import(r)
}

// Stats reports graph occupancy for tombstone_ratio accounting upstream.
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return Stats{GraphNodes: idx.graph.Len()}
}

// DistanceToScore converts a raw distance in the configured space into a
// monotonically non-increasing score in [0, 1], per the component's
// distance-to-score mapping table.
func DistanceToScore(distance float32, space hre.Space) float64 {
	d := float64(distance)
	switch space {
	case hre.SpaceInnerProduct:
		return (2 - d) / 2
	case hre.SpaceL2:
		return 1 / (1 + d)
	case hre.SpaceCosine:
		return 1 - d/2
	default:
		return 1 - d/2
	}
}
