package vectorlayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hybridretrieval/core/internal/generation"
	"github.com/hybridretrieval/core/internal/hnswindex"
	"github.com/hybridretrieval/core/internal/sidecar"
	"github.com/hybridretrieval/core/pkg/hre"
)

// Layer is the VectorLayer component.
type Layer struct {
	mu  sync.Mutex
	cfg Config

	sidecar *sidecar.Store
	hnsw    *hnswindex.Index
	gen     *generation.Manager

	docToLabel map[string]uint64
	labelToDoc map[uint64]string
	nextLabel  uint64

	queryCache *lru.Cache[string, []float32]

	dirty bool
}

// Open rehydrates (or creates) a vector layer rooted at cfg.Base, running
// the startup self-check described in §4.4.
func Open(cfg Config) (*Layer, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("vectorlayer: dimensions must be > 0")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 100
	}
	if cfg.Stem == "" {
		cfg.Stem = "index"
	}
	if err := os.MkdirAll(cfg.Base, 0o755); err != nil {
		return nil, fmt.Errorf("vectorlayer: mkdir base: %w", err)
	}

	sc, err := sidecar.Open(sidecar.Config{Path: filepath.Join(cfg.Base, cfg.Stem+".sidecar.db"), Dimensions: cfg.Dimensions})
	if err != nil {
		return nil, fmt.Errorf("vectorlayer: open sidecar: %w", err)
	}

	hidx, err := hnswindex.New(hnswindex.Config{
		Dimensions:     cfg.Dimensions,
		Space:          cfg.Space,
		M:              16,
		EfConstruction: 200,
		EfSearch:       64,
		MaxElements:    10000,
		Seed:           1,
	})
	if err != nil {
		_ = sc.Close()
		return nil, fmt.Errorf("vectorlayer: new hnsw: %w", err)
	}

	genMgr, err := generation.New(generation.DefaultConfig(cfg.Base, cfg.Stem))
	if err != nil {
		_ = sc.Close()
		return nil, fmt.Errorf("vectorlayer: new generation manager: %w", err)
	}

	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		_ = sc.Close()
		return nil, fmt.Errorf("vectorlayer: new query cache: %w", err)
	}

	l := &Layer{
		cfg:        cfg,
		sidecar:    sc,
		hnsw:       hidx,
		gen:        genMgr,
		docToLabel: make(map[string]uint64),
		labelToDoc: make(map[uint64]string),
		queryCache: cache,
	}

	if err := l.loadFromGeneration(); err != nil {
		_ = sc.Close()
		return nil, err
	}

	if err := l.rehydrateBijections(); err != nil {
		_ = sc.Close()
		return nil, err
	}

	if err := l.selfCheck(); err != nil {
		_ = sc.Close()
		return nil, err
	}

	return l, nil
}

func (l *Layer) loadFromGeneration() error {
	path, ok, err := l.gen.ResolveCurrent()
	if err != nil {
		return fmt.Errorf("vectorlayer: resolve current: %w", err)
	}
	if !ok {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("vectorlayer: open generation file: %w", err)
	}
	defer f.Close()
	if err := l.hnsw.Deserialize(f); err != nil {
		return fmt.Errorf("vectorlayer: deserialize hnsw: %w", err)
	}
	return nil
}

func (l *Layer) rehydrateBijections() error {
	mappings, err := l.sidecar.AllMappings()
	if err != nil {
		return fmt.Errorf("vectorlayer: all mappings: %w", err)
	}
	var maxLabel uint64
	for _, m := range mappings {
		l.docToLabel[m.DocID] = m.Label
		l.labelToDoc[m.Label] = m.DocID
		if m.Label+1 > maxLabel {
			maxLabel = m.Label + 1
		}
	}
	l.nextLabel = maxLabel
	return nil
}

// selfCheck compares persisted metadata with configuration and fails fast
// on disagreement, per the required startup check in §4.4.
func (l *Layer) selfCheck() error {
	raw, ok, err := l.sidecar.GetMeta("meta")
	if err != nil {
		return fmt.Errorf("vectorlayer: self-check: read meta: %w", err)
	}
	if !ok {
		return nil
	}
	var m Meta
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return fmt.Errorf("vectorlayer: self-check: unmarshal meta: %w", err)
	}
	if m.Dimensions != l.cfg.Dimensions {
		return &hre.ErrInconsistentMetadata{Field: "dimensions", Persisted: m.Dimensions, Configured: l.cfg.Dimensions}
	}
	if m.Space != l.cfg.Space {
		return &hre.ErrInconsistentMetadata{Field: "space", Persisted: m.Space, Configured: l.cfg.Space}
	}
	if m.ActiveVectors != len(l.docToLabel) {
		slog.Warn("vectorlayer: active vector count drifted from persisted metadata",
			"persisted", m.ActiveVectors, "mappings", len(l.docToLabel))
	}
	return nil
}

func vectorNorm(v []float32) float64 {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	return math.Sqrt(sumSquares)
}

func normalize(v []float32) []float32 {
	n := vectorNorm(v)
	if n == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

func (l *Layer) prepareVector(docID string, vector []float32) ([]float32, error) {
	if len(vector) != l.cfg.Dimensions {
		return nil, &hre.ErrDimensionMismatch{Expected: l.cfg.Dimensions, Got: len(vector)}
	}
	if l.cfg.Space == hre.SpaceInnerProduct || l.cfg.Space == hre.SpaceCosine {
		n := vectorNorm(vector)
		if n == 0 {
			return nil, &hre.ErrZeroVector{DocID: docID}
		}
		if math.Abs(n-1) > 1e-2 {
			return normalize(vector), nil
		}
	}
	return vector, nil
}

// Upsert validates and normalizes vector, dedups by content_hash against
// the caller-supplied content, and assigns a fresh label when the doc_id
// is new or its content changed — tombstoning the old label in place.
func (l *Layer) Upsert(docID string, vector []float32, metadata map[string]any, content []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prepared, err := l.prepareVector(docID, vector)
	if err != nil {
		return err
	}

	contentHash := sidecar.ContentHash(content)
	if _, _, existingHash, ok, err := l.sidecar.GetVector(docID); err != nil {
		return fmt.Errorf("vectorlayer: upsert: lookup existing: %w", err)
	} else if ok && existingHash == contentHash {
		return nil // idempotence: identical content, no new label allocated
	}

	if oldLabel, ok := l.docToLabel[docID]; ok {
		_ = l.hnsw.MarkDeleted(oldLabel) // best-effort; real tombstoning is the mapping drop below
		delete(l.labelToDoc, oldLabel)
	}

	newLabel := l.nextLabel
	l.nextLabel++

	if err := l.hnsw.Add(prepared, newLabel); err != nil {
		return fmt.Errorf("vectorlayer: upsert: hnsw add: %w", err)
	}
	normalized := l.cfg.Space == hre.SpaceInnerProduct || l.cfg.Space == hre.SpaceCosine
	if err := l.sidecar.SaveVector(docID, newLabel, prepared, metadata, contentHash, l.cfg.ModelVersion, normalized); err != nil {
		return fmt.Errorf("vectorlayer: upsert: sidecar save: %w", err)
	}

	l.docToLabel[docID] = newLabel
	l.labelToDoc[newLabel] = docID
	l.dirty = true
	return nil
}

// Delete drops the mapping and sidecar row; the HNSW graph retains a
// tombstone until the next rebuild.
func (l *Layer) Delete(docID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	label, ok := l.docToLabel[docID]
	if !ok {
		return nil
	}
	if err := l.sidecar.RemoveVector(docID); err != nil {
		return fmt.Errorf("vectorlayer: delete: sidecar remove: %w", err)
	}
	delete(l.docToLabel, docID)
	delete(l.labelToDoc, label)
	l.dirty = true
	return nil
}

// Search returns up to k survivors of a knn query over the current graph.
// If ctx's deadline is exceeded partway through hydrating neighbors, it
// returns whatever hits were hydrated so far alongside *hre.ErrTimedOut
// rather than discarding them.
func (l *Layer) Search(ctx context.Context, query []float32, k int, opts SearchOpts) ([]hre.SearchHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, &hre.ErrTimedOut{Operation: "vectorlayer.Search"}
	}

	l.mu.Lock()
	prepared, err := l.prepareVector("<query>", query)
	count := l.hnsw.Len()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	kEffective := 2 * k
	if count < kEffective {
		kEffective = count
	}

	neighbors, err := l.hnsw.Knn(prepared, kEffective)
	if err != nil {
		return nil, fmt.Errorf("vectorlayer: search: knn: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var hits []hre.SearchHit
	for _, n := range neighbors {
		if ctx.Err() != nil {
			return hits, &hre.ErrTimedOut{Operation: "vectorlayer.Search"}
		}

		docID, ok := l.labelToDoc[n.Label]
		if !ok {
			continue // tombstone
		}
		score := hnswindex.DistanceToScore(n.Distance, l.cfg.Space)
		if opts.MinScore > 0 && score < opts.MinScore {
			continue
		}
		if opts.Filter != nil && !opts.Filter(docID) {
			continue
		}

		vec, meta, _, _, err := l.sidecar.GetVector(docID)
		if err != nil {
			return nil, fmt.Errorf("vectorlayer: search: hydrate: %w", err)
		}
		hit := hre.SearchHit{DocID: docID, Score: score, Metadata: meta}
		_ = vec
		hits = append(hits, hit)
		if len(hits) >= k {
			break
		}
	}
	return hits, nil
}

// CachedQueryVector looks up a previously embedded query text in the LRU
// cache, returning ok=false on a miss.
func (l *Layer) CachedQueryVector(key string) ([]float32, bool) {
	return l.queryCache.Get(key)
}

// CacheQueryVector stores an embedded query vector for reuse.
func (l *Layer) CacheQueryVector(key string, vector []float32) {
	l.queryCache.Add(key, vector)
}

// TombstoneRatio reports (next_label - active_count) / next_label.
func (l *Layer) TombstoneRatio() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nextLabel == 0 {
		return 0
	}
	active := len(l.docToLabel)
	return float64(int(l.nextLabel)-active) / float64(l.nextLabel)
}

// Save writes sidecar bookkeeping, publishes a new HNSW generation, and
// records the <stem>.meta.json contract file, in the order required for
// crash-consistency: sidecar first, then the generation, so a reader that
// only sees the new generation can still resolve every label it names.
func (l *Layer) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked()
}

func (l *Layer) saveLocked() error {
	checksum := l.sortedDocChecksum()
	if err := l.sidecar.PutMeta("stats_checksum", checksum); err != nil {
		slog.Warn("vectorlayer: save: failed to persist stats checksum", "error", err)
	}

	genName, err := l.gen.Publish(l.hnsw.Serialize)
	if err != nil {
		return fmt.Errorf("vectorlayer: save: publish: %w", err)
	}

	l.sidecar.Checkpoint()

	meta := Meta{
		Dimensions:     l.cfg.Dimensions,
		Space:          l.cfg.Space,
		Normalized:     l.cfg.Space == hre.SpaceInnerProduct || l.cfg.Space == hre.SpaceCosine,
		TotalVectors:   int(l.nextLabel),
		ActiveVectors:  len(l.docToLabel),
		DeletedVectors: int(l.nextLabel) - len(l.docToLabel),
		SavedAt:        time.Now().UTC(),
		GenerationPath: genName,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("vectorlayer: save: marshal meta: %w", err)
	}
	if err := l.sidecar.PutMeta("meta", string(metaJSON)); err != nil {
		return fmt.Errorf("vectorlayer: save: persist meta: %w", err)
	}
	metaPath := filepath.Join(l.cfg.Base, l.cfg.Stem+".meta.json")
	if err := os.WriteFile(metaPath, metaJSON, 0o644); err != nil {
		slog.Warn("vectorlayer: save: failed to write meta.json sidecar file", "error", err)
	}

	l.dirty = false
	return nil
}

func (l *Layer) sortedDocChecksum() string {
	ids := make([]string, 0, len(l.docToLabel))
	for id := range l.docToLabel {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var buf bytes.Buffer
	for _, id := range ids {
		buf.WriteString(id)
		buf.WriteByte(0)
	}
	return sidecar.ContentHash(buf.Bytes())
}

// Dirty reports whether there are unsaved changes since the last Save.
func (l *Layer) Dirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dirty
}

// Rebuild renumbers labels densely, reclaiming tombstone space, then saves.
func (l *Layer) Rebuild(onProgress func(done, total int)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	mappings, err := l.sidecar.AllMappings()
	if err != nil {
		return fmt.Errorf("vectorlayer: rebuild: all mappings: %w", err)
	}

	fresh, err := hnswindex.New(hnswindex.Config{
		Dimensions:     l.cfg.Dimensions,
		Space:          l.cfg.Space,
		M:              16,
		EfConstruction: 200,
		EfSearch:       64,
		MaxElements:    10000,
		Seed:           1,
	})
	if err != nil {
		return fmt.Errorf("vectorlayer: rebuild: new hnsw: %w", err)
	}

	newDocToLabel := make(map[string]uint64, len(mappings))
	newLabelToDoc := make(map[uint64]string, len(mappings))

	for i, m := range mappings {
		vec, meta, hash, ok, err := l.sidecar.GetVector(m.DocID)
		if err != nil {
			return fmt.Errorf("vectorlayer: rebuild: get vector %q: %w", m.DocID, err)
		}
		if !ok {
			continue
		}
		newLabel := uint64(i)
		if err := fresh.Add(vec, newLabel); err != nil {
			return fmt.Errorf("vectorlayer: rebuild: add %q: %w", m.DocID, err)
		}
		normalized := l.cfg.Space == hre.SpaceInnerProduct || l.cfg.Space == hre.SpaceCosine
		if err := l.sidecar.SaveVector(m.DocID, newLabel, vec, meta, hash, l.cfg.ModelVersion, normalized); err != nil {
			return fmt.Errorf("vectorlayer: rebuild: save %q: %w", m.DocID, err)
		}
		newDocToLabel[m.DocID] = newLabel
		newLabelToDoc[newLabel] = m.DocID
		if onProgress != nil {
			onProgress(i+1, len(mappings))
		}
	}

	l.hnsw = fresh
	l.docToLabel = newDocToLabel
	l.labelToDoc = newLabelToDoc
	l.nextLabel = uint64(len(mappings))
	l.dirty = true

	return l.saveLocked()
}

// MaintenanceIfNeeded rebuilds when tombstone_ratio exceeds 0.3, per §4.4.
func (l *Layer) MaintenanceIfNeeded() (bool, error) {
	if l.TombstoneRatio() <= 0.3 {
		return false, nil
	}
	return true, l.Rebuild(nil)
}

// Close closes the underlying sidecar store.
func (l *Layer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sidecar.Close()
}
