// Package planner implements QueryPlanner: the component that executes one
// of three interchangeable hybrid search strategies over the structural,
// full-text, and vector layers, fuses their results, and enriches them with
// provenance before returning a caller-facing SearchResponse.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/hybridretrieval/core/internal/fulltext"
	"github.com/hybridretrieval/core/internal/resilience"
	"github.com/hybridretrieval/core/internal/structural"
	"github.com/hybridretrieval/core/internal/vectorlayer"
	"github.com/hybridretrieval/core/pkg/hre"
)

// Planner composes the three index layers (any of which may be nil, in
// which case the strategies that need it degrade gracefully) plus the two
// optional external collaborators.
type Planner struct {
	vector     *vectorlayer.Layer
	fulltext   *fulltext.Index
	structural *structural.Index
	embedder   hre.Embedder
	docs       hre.DocumentStore
	breaker    *resilience.Breaker
}

// New builds a Planner. Any component may be nil. Embedder calls are
// guarded by a circuit breaker so a degraded embedding provider fails
// fast on subsequent queries instead of paying its full timeout on every
// semantic search.
func New(vector *vectorlayer.Layer, ft *fulltext.Index, st *structural.Index, embedder hre.Embedder, docs hre.DocumentStore) *Planner {
	return &Planner{
		vector:     vector,
		fulltext:   ft,
		structural: st,
		embedder:   embedder,
		docs:       docs,
		breaker:    resilience.New("embedder"),
	}
}

// Search executes req and returns a fused, enriched response.
func (p *Planner) Search(ctx context.Context, req hre.SearchRequest) (hre.SearchResponse, error) {
	start := time.Now()

	if req.Limit <= 0 {
		req.Limit = 10
	}
	strategy := req.HybridStrategy
	if strategy == "" {
		strategy = hre.StrategyFilterFirst
	}
	weights := hre.DefaultFusionWeights()
	if req.FusionWeights != nil {
		weights = *req.FusionWeights
	}

	var metrics hre.SearchMetrics
	metrics.StrategyUsed = strategy

	// Fallback rule: semantic requested but no vector layer/embedder means
	// we downgrade to filter-first with use_embedding forced off.
	if req.Semantic != nil && req.Semantic.UseEmbedding && (p.vector == nil || p.embedder == nil) {
		slog.Warn("planner: semantic search unavailable, downgrading to filter-first",
			"reason", "vector layer or embedder not configured")
		metrics.Downgraded = true
		metrics.StrategyUsed = hre.StrategyFilterFirst
		downgraded := *req.Semantic
		downgraded.UseEmbedding = false
		req.Semantic = &downgraded
		strategy = hre.StrategyFilterFirst
	}
	if strategy == hre.StrategySemanticFirst && p.vector == nil {
		strategy = hre.StrategyFilterFirst
		metrics.StrategyUsed = strategy
	}

	var (
		hits    []hre.SearchHit
		sources map[string][]string
		err     error
	)
	switch strategy {
	case hre.StrategySemanticFirst:
		hits, sources, err = p.semanticFirst(ctx, req, &metrics)
	case hre.StrategyParallel:
		hits, sources, err = p.parallel(ctx, req, weights, &metrics)
	default:
		hits, sources, err = p.filterFirst(ctx, req, &metrics)
	}
	if err != nil {
		return hre.SearchResponse{}, err
	}

	if len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}

	results := make([]hre.Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, p.hydrate(ctx, h, sources[h.DocID], string(metrics.StrategyUsed)))
	}

	metrics.Elapsed = time.Since(start)
	return hre.SearchResponse{Results: results, Total: len(results), Metrics: metrics}, nil
}

// hydrate turns an index-layer hit into a caller-facing Result, attaching
// provenance and, when a document store is configured, the full document.
func (p *Planner) hydrate(ctx context.Context, h hre.SearchHit, sources []string, strategy string) hre.Result {
	source := strategy
	if len(sources) > 0 {
		source = joinSources(sources)
	}

	res := hre.Result{
		DocID:    h.DocID,
		Score:    h.Score,
		Snippet:  h.Snippet,
		Metadata: h.Metadata,
		Sources:  sources,
		Citation: hre.Citation{
			Source:     source,
			DocumentID: h.DocID,
			Timestamp:  time.Now().UTC(),
			Collection: h.Collection,
		},
	}

	if p.docs != nil {
		if blob, err := p.docs.Get(ctx, h.DocID); err == nil && len(blob) > 0 {
			res.Citation.Checksum = checksum(blob)
			var doc hre.Document
			if json.Unmarshal(blob, &doc) == nil {
				res.Document = &doc
			}
		}
	}
	return res
}

func joinSources(sources []string) string {
	seen := make(map[string]struct{}, len(sources))
	var out []string
	for _, s := range sources {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return strings.Join(out, ",")
}

func checksum(b []byte) string {
	return fmt.Sprintf("%016x", xxh3.Hash(b))
}

// embedQuery embeds text, reusing the vector layer's query-vector cache
// when available so repeated identical queries skip the embedder call.
func (p *Planner) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if p.vector != nil {
		if cached, ok := p.vector.CachedQueryVector(text); ok {
			return cached, nil
		}
	}
	vec, err := resilience.ExecuteWithResult(p.breaker,
		func() ([]float32, error) { return p.embedder.Embed(ctx, text) },
		func() ([]float32, error) { return nil, resilience.ErrCircuitOpen },
	)
	if err != nil {
		return nil, &hre.ErrEmbeddingFailed{Cause: err}
	}
	if p.vector != nil {
		p.vector.CacheQueryVector(text, vec)
	}
	return vec, nil
}

func inSet(set map[string]struct{}) func(string) bool {
	return func(docID string) bool {
		_, ok := set[docID]
		return ok
	}
}

func toSet(ids []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

// sortByScoreDesc orders by score descending, breaking ties on doc_id so
// fused results with equal scores come back in a deterministic order
// rather than whatever order a map iteration happened to produce.
func sortByScoreDesc(hits []hre.SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
}
