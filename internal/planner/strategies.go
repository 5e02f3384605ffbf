package planner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hybridretrieval/core/internal/fulltext"
	"github.com/hybridretrieval/core/internal/vectorlayer"
	"github.com/hybridretrieval/core/pkg/hre"
)

// isTimeout reports whether err is the layer-level deadline-exceeded
// sentinel, which callers treat as a degraded-but-successful leg rather
// than a fatal error.
func isTimeout(err error) bool {
	var t *hre.ErrTimedOut
	return errors.As(err, &t)
}

// filterFirst is the default strategy: narrow by structural predicates
// first, then intersect with lexical or semantic legs as requested.
func (p *Planner) filterFirst(ctx context.Context, req hre.SearchRequest, metrics *hre.SearchMetrics) ([]hre.SearchHit, map[string][]string, error) {
	wantSemantic := req.Semantic != nil && req.Semantic.UseEmbedding
	hasStructural := len(req.Structural) > 0

	if !hasStructural && !wantSemantic {
		return p.lexicalOnly(ctx, req, metrics)
	}

	if !hasStructural {
		// No structural narrowing but semantic requested: treat the whole
		// collection as the candidate set via a pure semantic search.
		return p.scoreBySemantic(ctx, req, nil, metrics)
	}

	if p.structural == nil {
		return nil, nil, fmt.Errorf("planner: structural criteria supplied but no structural index configured")
	}
	criteria := mergeCollection(req.Structural, req.Collection)
	candidates, err := p.structural.Query(ctx, criteria)
	if isTimeout(err) {
		metrics.TimedOut = true
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("planner: structural query: %w", err)
	}
	metrics.StructuralCount = len(candidates)
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	// Without a full-text index the lexical query is dropped and the
	// structural candidates are returned as they are.
	if req.Semantic != nil && req.Semantic.Query != "" && !wantSemantic && p.fulltext != nil {
		return p.intersectWithLexical(ctx, req, candidates, metrics)
	}
	if wantSemantic {
		return p.scoreBySemantic(ctx, req, candidates, metrics)
	}

	hits := make([]hre.SearchHit, 0, len(candidates))
	for _, id := range candidates {
		hits = append(hits, hre.SearchHit{DocID: id, Collection: req.Collection, Score: 1.0})
	}
	return applyThreshold(hits, req.Semantic), uniformSources(hits, "structural"), nil
}

func (p *Planner) lexicalOnly(ctx context.Context, req hre.SearchRequest, metrics *hre.SearchMetrics) ([]hre.SearchHit, map[string][]string, error) {
	if p.fulltext == nil {
		return nil, nil, fmt.Errorf("planner: no full-text index configured")
	}
	query := ""
	if req.Semantic != nil {
		query = req.Semantic.Query
	}
	ftHits, err := p.fulltext.Search(ctx, query, fulltext.SearchOpts{Collection: req.Collection, Limit: max(req.Limit*2, 20)})
	if isTimeout(err) {
		metrics.TimedOut = true
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("planner: fulltext search: %w", err)
	}
	metrics.FullTextCount = len(ftHits)
	hits := fromFullText(ftHits)
	return hits, uniformSources(hits, "fulltext"), nil
}

func (p *Planner) intersectWithLexical(ctx context.Context, req hre.SearchRequest, candidates []string, metrics *hre.SearchMetrics) ([]hre.SearchHit, map[string][]string, error) {
	if p.fulltext == nil {
		return nil, nil, fmt.Errorf("planner: no full-text index configured")
	}
	ftHits, err := p.fulltext.Search(ctx, req.Semantic.Query, fulltext.SearchOpts{Collection: req.Collection, Limit: max(req.Limit*2, 20)})
	if isTimeout(err) {
		metrics.TimedOut = true
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("planner: fulltext search: %w", err)
	}
	metrics.FullTextCount = len(ftHits)

	set := toSet(candidates)
	hits := make([]hre.SearchHit, 0, len(ftHits))
	for _, h := range ftHits {
		if _, ok := set[h.DocID]; ok {
			hits = append(hits, hre.SearchHit{DocID: h.DocID, Collection: h.Collection, Score: h.Score, Snippet: h.Snippet, Metadata: h.Metadata})
		}
	}
	hits = applyThreshold(hits, req.Semantic)
	return hits, uniformSources(hits, "structural", "fulltext"), nil
}

// scoreBySemantic reranks candidates (or the whole collection when nil) by
// cosine similarity to the embedded query; candidates lacking a vector
// score 0 rather than being dropped.
func (p *Planner) scoreBySemantic(ctx context.Context, req hre.SearchRequest, candidates []string, metrics *hre.SearchMetrics) ([]hre.SearchHit, map[string][]string, error) {
	if p.vector == nil || p.embedder == nil {
		return nil, nil, fmt.Errorf("planner: semantic search requested but vector layer/embedder unavailable")
	}
	queryVec, err := p.embedQuery(ctx, req.Semantic.Query)
	if err != nil {
		return nil, nil, err
	}

	k := max(req.Limit, 100)
	if candidates != nil {
		k = max(k, len(candidates))
	}
	opts := vectorlayer.SearchOpts{}
	var set map[string]struct{}
	if candidates != nil {
		set = toSet(candidates)
		opts.Filter = inSet(set)
	}
	hits, err := p.vector.Search(ctx, queryVec, k, opts)
	if isTimeout(err) {
		metrics.TimedOut = true
		return hits, uniformSources(hits, "semantic"), nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("planner: vector search: %w", err)
	}
	metrics.SemanticCount = len(hits)

	if candidates == nil {
		hits = applyThreshold(hits, req.Semantic)
		return hits, uniformSources(hits, "semantic"), nil
	}

	seen := make(map[string]struct{}, len(hits))
	out := make([]hre.SearchHit, 0, len(candidates))
	for _, h := range hits {
		out = append(out, h)
		seen[h.DocID] = struct{}{}
	}
	for _, id := range candidates {
		if _, ok := seen[id]; !ok {
			out = append(out, hre.SearchHit{DocID: id, Collection: req.Collection, Score: 0})
		}
	}
	out = applyThreshold(out, req.Semantic)
	return out, uniformSources(out, "structural", "semantic"), nil
}

// semanticFirst runs vector knn first, then filters by structural
// predicates if any were supplied.
func (p *Planner) semanticFirst(ctx context.Context, req hre.SearchRequest, metrics *hre.SearchMetrics) ([]hre.SearchHit, map[string][]string, error) {
	if req.Semantic == nil || req.Semantic.Query == "" || p.embedder == nil {
		return p.filterFirst(ctx, req, metrics)
	}
	queryVec, err := p.embedQuery(ctx, req.Semantic.Query)
	if err != nil {
		return nil, nil, err
	}

	k := max(req.Limit, 100)
	hits, err := p.vector.Search(ctx, queryVec, k, vectorlayer.SearchOpts{})
	if isTimeout(err) {
		metrics.TimedOut = true
		return hits, uniformSources(hits, "semantic"), nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("planner: vector search: %w", err)
	}
	metrics.SemanticCount = len(hits)

	sources := []string{"semantic"}
	if len(req.Structural) > 0 && p.structural != nil {
		criteria := mergeCollection(req.Structural, req.Collection)
		candidates, err := p.structural.Query(ctx, criteria)
		if isTimeout(err) {
			metrics.TimedOut = true
			hits = applyThreshold(hits, req.Semantic)
			return hits, uniformSources(hits, sources...), nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("planner: structural query: %w", err)
		}
		metrics.StructuralCount = len(candidates)
		set := toSet(candidates)
		filtered := hits[:0]
		for _, h := range hits {
			if _, ok := set[h.DocID]; ok {
				filtered = append(filtered, h)
			}
		}
		hits = filtered
		sources = append(sources, "structural")
	}
	hits = applyThreshold(hits, req.Semantic)
	return hits, uniformSources(hits, sources...), nil
}

func uniformSources(hits []hre.SearchHit, sources ...string) map[string][]string {
	if len(hits) == 0 {
		return nil
	}
	out := make(map[string][]string, len(hits))
	for _, h := range hits {
		out[h.DocID] = sources
	}
	return out
}

// parallel dispatches every available leg concurrently and fuses by
// weighted rank: each doc at (0-indexed) rank i in a list of weight w and
// length n contributes w * (1 - i/n) to a running total, keyed by doc_id.
func (p *Planner) parallel(ctx context.Context, req hre.SearchRequest, weights hre.FusionWeights, metrics *hre.SearchMetrics) ([]hre.SearchHit, map[string][]string, error) {
	g, gctx := errgroup.WithContext(ctx)

	var structuralHits, fullTextHits, semanticHits []hre.SearchHit
	var timedOutMu sync.Mutex
	var timedOut bool
	markTimedOut := func() {
		timedOutMu.Lock()
		timedOut = true
		timedOutMu.Unlock()
	}

	if len(req.Structural) > 0 && p.structural != nil {
		g.Go(func() error {
			criteria := mergeCollection(req.Structural, req.Collection)
			ids, err := p.structural.Query(gctx, criteria)
			if isTimeout(err) {
				markTimedOut()
				return nil
			}
			if err != nil {
				return nil // best-effort: a failed leg just contributes nothing
			}
			for _, id := range ids {
				structuralHits = append(structuralHits, hre.SearchHit{DocID: id, Collection: req.Collection, Score: 1.0})
			}
			return nil
		})
	}

	queryText := ""
	if req.Semantic != nil {
		queryText = req.Semantic.Query
	}
	if p.fulltext != nil {
		g.Go(func() error {
			ftHits, err := p.fulltext.Search(gctx, queryText, fulltext.SearchOpts{Collection: req.Collection, Limit: max(req.Limit*2, 20)})
			if isTimeout(err) {
				markTimedOut()
				return nil
			}
			if err != nil {
				return nil
			}
			fullTextHits = fromFullText(ftHits)
			return nil
		})
	}

	if req.Semantic != nil && req.Semantic.UseEmbedding && p.vector != nil && p.embedder != nil {
		g.Go(func() error {
			queryVec, err := p.embedQueryCtx(gctx, req.Semantic.Query)
			if err != nil {
				return nil
			}
			hits, err := p.vector.Search(gctx, queryVec, max(req.Limit, 100), vectorlayer.SearchOpts{})
			if isTimeout(err) {
				markTimedOut()
				return nil
			}
			if err != nil {
				return nil
			}
			semanticHits = hits
			return nil
		})
	}

	_ = g.Wait()
	if timedOut {
		metrics.TimedOut = true
	}

	metrics.StructuralCount = len(structuralHits)
	metrics.FullTextCount = len(fullTextHits)
	metrics.SemanticCount = len(semanticHits)

	hits, sources := fuse(
		[]weightedList{
			{hits: structuralHits, weight: weights.Structural, source: "structural"},
			{hits: fullTextHits, weight: weights.FullText, source: "fulltext"},
			{hits: semanticHits, weight: weights.Semantic, source: "semantic"},
		},
	)
	return hits, sources, nil
}

func (p *Planner) embedQueryCtx(ctx context.Context, text string) ([]float32, error) {
	return p.embedQuery(ctx, text)
}

type weightedList struct {
	hits   []hre.SearchHit
	weight float64
	source string
}

func fuse(lists []weightedList) ([]hre.SearchHit, map[string][]string) {
	type acc struct {
		hit     hre.SearchHit
		score   float64
		sources []string
	}
	byDoc := make(map[string]*acc)

	for _, l := range lists {
		n := len(l.hits)
		if n == 0 {
			continue
		}
		for i, h := range l.hits {
			contribution := l.weight * (1 - float64(i)/float64(n))
			a, ok := byDoc[h.DocID]
			if !ok {
				a = &acc{hit: h}
				byDoc[h.DocID] = a
			}
			a.score += contribution
			a.sources = append(a.sources, l.source)
		}
	}

	out := make([]hre.SearchHit, 0, len(byDoc))
	sources := make(map[string][]string, len(byDoc))
	for _, a := range byDoc {
		h := a.hit
		h.Score = a.score
		out = append(out, h)
		sources[h.DocID] = a.sources
	}
	sortByScoreDesc(out)
	return out, sources
}

func fromFullText(hits []fulltext.Hit) []hre.SearchHit {
	out := make([]hre.SearchHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, hre.SearchHit{DocID: h.DocID, Collection: h.Collection, Score: h.Score, Snippet: h.Snippet, Metadata: h.Metadata})
	}
	return out
}

func mergeCollection(criteria hre.StructuralCriteria, collection string) map[string]any {
	out := make(map[string]any, len(criteria)+1)
	for k, v := range criteria {
		out[k] = v
	}
	if collection != "" {
		out["collection"] = collection
	}
	return out
}

func applyThreshold(hits []hre.SearchHit, sem *hre.SemanticOptions) []hre.SearchHit {
	if sem == nil || sem.Threshold <= 0 {
		return hits
	}
	out := hits[:0]
	for _, h := range hits {
		if h.Score >= sem.Threshold {
			out = append(out, h)
		}
	}
	return out
}

