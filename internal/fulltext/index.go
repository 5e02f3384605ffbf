package fulltext

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/hybridretrieval/core/pkg/hre"
)

const docIDSeparator = "\x1f"

func compositeID(collection, docID string) string {
	return collection + docIDSeparator + docID
}

func splitCompositeID(id string) (collection, docID string) {
	parts := strings.SplitN(id, docIDSeparator, 2)
	if len(parts) != 2 {
		return "", id
	}
	return parts[0], parts[1]
}

// bleveDoc is the document shape actually handed to bleve.
type bleveDoc struct {
	Content      string `json:"content"`
	Collection   string `json:"collection"`
	DocID        string `json:"doc_id"`
	MetadataBlob string `json:"metadata_blob"`
}

const analyzerName = "hre_analyzer"

// Index is the bleve-backed FullTextIndex implementation.
type Index struct {
	mu     sync.RWMutex
	index  bleve.Index
	cfg    Config
	closed bool
}

// Open creates or opens a full-text index at cfg.Path (or in-memory if empty).
func Open(cfg Config) (*Index, error) {
	if cfg.SnippetWindow <= 0 {
		cfg.SnippetWindow = 30
	}
	if cfg.SnippetBoldTagOpen == "" {
		cfg.SnippetBoldTagOpen = "<b>"
		cfg.SnippetBoldTagClose = "</b>"
	}

	m, err := buildMapping(cfg.CJK)
	if err != nil {
		return nil, fmt.Errorf("fulltext: build mapping: %w", err)
	}

	var idx bleve.Index
	if cfg.Path == "" {
		idx, err = bleve.NewMemOnly(m)
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("fulltext: mkdir: %w", err)
		}
		if vErr := validateIndexDir(cfg.Path); vErr != nil {
			slog.Warn("fulltext: index corrupted, recreating", "path", cfg.Path, "error", vErr)
			if rmErr := os.RemoveAll(cfg.Path); rmErr != nil {
				return nil, fmt.Errorf("fulltext: remove corrupted index: %w", rmErr)
			}
		}
		idx, err = bleve.Open(cfg.Path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(cfg.Path, m)
		} else if err != nil && isCorrupt(err) {
			slog.Warn("fulltext: index corrupted, recreating", "path", cfg.Path, "error", err)
			if rmErr := os.RemoveAll(cfg.Path); rmErr != nil {
				return nil, fmt.Errorf("fulltext: remove corrupted index: %w", rmErr)
			}
			idx, err = bleve.New(cfg.Path, m)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("fulltext: open/create index: %w", err)
	}

	return &Index{index: idx, cfg: cfg}, nil
}

// validateIndexDir checks index_meta.json is present, non-empty and
// parseable before bleve.Open ever touches the directory.
func validateIndexDir(path string) error {
	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return nil // not created yet
	}
	if err != nil {
		return fmt.Errorf("stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty")
	}
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

func isCorrupt(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "unexpected end of JSON") ||
		strings.Contains(s, "error parsing mapping JSON") ||
		strings.Contains(s, "failed to load segment") ||
		strings.Contains(s, "error opening bolt") ||
		err == bleve.ErrorIndexMetaCorrupt
}

func buildMapping(cjk bool) (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()

	if cjk {
		if err := im.AddCustomAnalyzer(mixedScriptAnalyzerName, map[string]interface{}{
			"type":      custom.Name,
			"tokenizer": mixedScriptTokenizerName,
			"token_filters": []string{
				lowercase.Name,
			},
		}); err != nil {
			return nil, err
		}
		im.DefaultAnalyzer = mixedScriptAnalyzerName
	} else {
		if err := im.AddCustomAnalyzer(analyzerName, map[string]interface{}{
			"type":      custom.Name,
			"tokenizer": "unicode",
			"token_filters": []string{
				lowercase.Name,
				en.StopName,
				en.StemmerName,
			},
		}); err != nil {
			return nil, err
		}
		im.DefaultAnalyzer = analyzerName
	}

	return im, nil
}

// Add replaces any prior row for (collection, doc_id).
func (i *Index) Add(docID, collection, content string, metadata map[string]any) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return fmt.Errorf("fulltext: index is closed")
	}

	metaBlob, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("fulltext: marshal metadata: %w", err)
	}

	doc := bleveDoc{Content: content, Collection: collection, DocID: docID, MetadataBlob: string(metaBlob)}
	return i.index.Index(compositeID(collection, docID), doc)
}

// Remove deletes the row for (collection, doc_id), if present.
func (i *Index) Remove(docID, collection string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return fmt.Errorf("fulltext: index is closed")
	}
	return i.index.Delete(compositeID(collection, docID))
}

// Search runs a BM25-ranked query, returning hits ordered score descending.
// An empty or wildcard-only query returns the first opts.Limit rows
// deterministically without ranking. If ctx's deadline has already passed,
// it returns *hre.ErrTimedOut rather than issuing the query.
func (i *Index) Search(ctx context.Context, query string, opts SearchOpts) ([]Hit, error) {
	return i.search(ctx, query, opts, i.cfg.SnippetBoldTagOpen, i.cfg.SnippetBoldTagClose)
}

// AdvancedSearch is Search with caller-configurable snippet tags.
func (i *Index) AdvancedSearch(ctx context.Context, query string, opts SearchOpts, boldOpen, boldClose string) ([]Hit, error) {
	return i.search(ctx, query, opts, boldOpen, boldClose)
}

func (i *Index) search(ctx context.Context, query string, opts SearchOpts, boldOpen, boldClose string) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, &hre.ErrTimedOut{Operation: "fulltext.Search"}
	}

	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return nil, fmt.Errorf("fulltext: index is closed")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	trimmed := strings.TrimSpace(query)
	if trimmed == "" || trimmed == "*" {
		return i.matchAll(opts, limit)
	}

	bq := i.buildQuery(trimmed)
	if opts.Collection != "" {
		collQuery := bleve.NewTermQuery(opts.Collection)
		collQuery.SetField("collection")
		bq = bleve.NewConjunctionQuery(bq, collQuery)
	}

	req := bleve.NewSearchRequest(bq)
	req.Size = limit
	req.IncludeLocations = true
	req.Fields = []string{"content", "collection", "doc_id", "metadata_blob"}

	result, err := i.index.Search(req)
	if err != nil {
		if isSyntaxError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fulltext: search: %w", err)
	}

	hits := make([]Hit, 0, len(result.Hits))
	for _, h := range result.Hits {
		collection, docID := splitCompositeID(h.ID)
		content, _ := h.Fields["content"].(string)
		var meta map[string]any
		if blob, ok := h.Fields["metadata_blob"].(string); ok && blob != "" {
			_ = json.Unmarshal([]byte(blob), &meta)
		}
		hits = append(hits, Hit{
			DocID:      docID,
			Collection: collection,
			Snippet:    snippet(content, h, i.cfg.SnippetWindow, boldOpen, boldClose),
			Score:      h.Score,
			Metadata:   meta,
		})
	}
	return hits, nil
}

func isSyntaxError(err error) bool {
	return strings.Contains(err.Error(), "syntax error")
}

// buildQuery composes a disjunction of: an explicit phrase query for every
// hyphenated "A-B" pair in the input (so the hyphen is never read as
// negation), plus a match query over whatever text remains.
func (i *Index) buildQuery(text string) bleve.Query {
	remainder, phrases := splitHyphenPhrases(text)

	var disjuncts []bleve.Query
	for _, pair := range phrases {
		pq := bleve.NewMatchPhraseQuery(strings.Join(pair, " "))
		pq.SetField("content")
		disjuncts = append(disjuncts, pq)
	}
	if strings.TrimSpace(remainder) != "" {
		mq := bleve.NewMatchQuery(remainder)
		mq.SetField("content")
		disjuncts = append(disjuncts, mq)
	}
	if len(disjuncts) == 0 {
		mq := bleve.NewMatchQuery(text)
		mq.SetField("content")
		return mq
	}
	if len(disjuncts) == 1 {
		return disjuncts[0]
	}
	return bleve.NewDisjunctionQuery(disjuncts...)
}

func (i *Index) matchAll(opts SearchOpts, limit int) ([]Hit, error) {
	q := bleve.NewMatchAllQuery()
	var bq bleve.Query = q
	if opts.Collection != "" {
		collQuery := bleve.NewTermQuery(opts.Collection)
		collQuery.SetField("collection")
		bq = bleve.NewConjunctionQuery(q, collQuery)
	}
	req := bleve.NewSearchRequest(bq)
	req.Size = limit
	req.Fields = []string{"content", "collection", "doc_id", "metadata_blob"}
	req.SortBy([]string{"_id"})

	result, err := i.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("fulltext: match-all search: %w", err)
	}

	hits := make([]Hit, 0, len(result.Hits))
	for _, h := range result.Hits {
		collection, docID := splitCompositeID(h.ID)
		content, _ := h.Fields["content"].(string)
		var meta map[string]any
		if blob, ok := h.Fields["metadata_blob"].(string); ok && blob != "" {
			_ = json.Unmarshal([]byte(blob), &meta)
		}
		hits = append(hits, Hit{
			DocID:      docID,
			Collection: collection,
			Snippet:    firstWindow(content, i.cfg.SnippetWindow),
			Metadata:   meta,
		})
	}
	return hits, nil
}

// Clear removes every document.
func (i *Index) Clear() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	docCount, err := i.index.DocCount()
	if err != nil {
		return fmt.Errorf("fulltext: doc count: %w", err)
	}
	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = int(docCount)
	result, err := i.index.Search(req)
	if err != nil {
		return fmt.Errorf("fulltext: clear: search: %w", err)
	}
	batch := i.index.NewBatch()
	for _, h := range result.Hits {
		batch.Delete(h.ID)
	}
	return i.index.Batch(batch)
}

// ClearCollection removes every document in a single collection.
func (i *Index) ClearCollection(collection string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	q := bleve.NewTermQuery(collection)
	q.SetField("collection")
	req := bleve.NewSearchRequest(q)
	docCount, _ := i.index.DocCount()
	req.Size = int(docCount)
	result, err := i.index.Search(req)
	if err != nil {
		return fmt.Errorf("fulltext: clear collection: search: %w", err)
	}
	batch := i.index.NewBatch()
	for _, h := range result.Hits {
		batch.Delete(h.ID)
	}
	return i.index.Batch(batch)
}

// Stats reports document count.
func (i *Index) Stats() (Stats, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	count, err := i.index.DocCount()
	if err != nil {
		return Stats{}, err
	}
	return Stats{DocumentCount: int(count)}, nil
}

// Dispose closes the index.
func (i *Index) Dispose() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	return i.index.Close()
}
