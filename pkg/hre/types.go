// Package hre defines the public data model and external collaborator
// interfaces for the hybrid retrieval engine: the document shape indexed by
// all three layers, the embedder and document-store contracts implemented
// outside this module, and the search request/response shapes returned by
// the query planner.
package hre

import "time"

// Document is the caller-visible unit of indexing. It is fed to all three
// index layers: Structural reads Attributes, FullText reads Content, Vector
// reads Vector (or derives one from Content via an Embedder).
type Document struct {
	DocID      string
	Collection string
	Content    string
	Attributes map[string]any
	Vector     []float32 // optional precomputed vector
}

// Space names the distance space a vector index operates in.
type Space string

const (
	SpaceInnerProduct Space = "inner_product"
	SpaceCosine       Space = "cosine"
	SpaceL2           Space = "l2"
)

// SearchHit is a single ranked result from any one index layer, before
// enrichment by the query planner.
type SearchHit struct {
	DocID      string
	Collection string
	Score      float64
	Snippet    string
	Metadata   map[string]any
}

// Citation carries provenance for a result returned by the query planner.
type Citation struct {
	Source     string // which layer(s) produced this hit: "structural", "fulltext", "semantic", or a combination
	DocumentID string
	Timestamp  time.Time
	Collection string
	Checksum   string // optional, xxh3 of hydrated content when available
}

// Result is a single fused, enriched result returned to the caller.
type Result struct {
	DocID    string
	Score    float64
	Snippet  string
	Metadata map[string]any
	Document *Document // nil if the document store couldn't hydrate it
	Citation Citation
	Sources  []string // contributing layers, filled in by every strategy
}

// HybridStrategy names one of the three interchangeable query strategies.
type HybridStrategy string

const (
	StrategyFilterFirst   HybridStrategy = "filter-first"
	StrategySemanticFirst HybridStrategy = "semantic-first"
	StrategyParallel      HybridStrategy = "parallel"
)

// StructuralCriteria is an AND of field-path equality predicates.
type StructuralCriteria map[string]any

// SemanticOptions controls the semantic leg of a search request.
type SemanticOptions struct {
	Query        string
	UseEmbedding bool
	Threshold    float64 // 0 means unset
}

// FusionWeights are the per-source weights for the parallel strategy.
type FusionWeights struct {
	Structural float64
	FullText   float64
	Semantic   float64
}

// DefaultFusionWeights returns the weights named in the component spec.
func DefaultFusionWeights() FusionWeights {
	return FusionWeights{Structural: 0.3, FullText: 0.3, Semantic: 0.4}
}

// SearchRequest is the input to QueryPlanner.Search / IndexCoordinator.Search.
type SearchRequest struct {
	Collection     string
	Structural     StructuralCriteria
	Semantic       *SemanticOptions
	HybridStrategy HybridStrategy
	Limit          int
	FusionWeights  *FusionWeights // nil means DefaultFusionWeights()
}

// SearchMetrics carries diagnostic information about how a search ran.
type SearchMetrics struct {
	StrategyUsed    HybridStrategy
	Downgraded      bool // true if semantic was requested but unavailable
	TimedOut        bool
	StructuralCount int
	FullTextCount   int
	SemanticCount   int
	Elapsed         time.Duration
}

// SearchResponse is the output of a search.
type SearchResponse struct {
	Results []Result
	Total   int
	Metrics SearchMetrics
}
