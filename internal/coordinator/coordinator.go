// Package coordinator implements IndexCoordinator, the public write/search
// surface that composes the structural, full-text, and vector layers plus
// the query planner behind a single put/delete/search/snapshot/maintenance
// API, serializing writes and giving callers one place to reason about
// partial-failure semantics across the three index layers.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hybridretrieval/core/internal/fulltext"
	"github.com/hybridretrieval/core/internal/planner"
	"github.com/hybridretrieval/core/internal/structural"
	"github.com/hybridretrieval/core/internal/vectorlayer"
	"github.com/hybridretrieval/core/pkg/hre"
)

// Coordinator is the public surface described in the component's write
// path: put/delete/bulk_write/search/snapshot/maintenance/close. Writes are
// serialized on writeMu; reads (search, snapshot) proceed concurrently with
// each other and with in-flight writes, relying on each layer's own
// internal locking for per-layer consistency.
type Coordinator struct {
	writeMu sync.Mutex

	vector     *vectorlayer.Layer
	fulltext   *fulltext.Index
	structural *structural.Index
	docs       hre.DocumentStore
	embedder   hre.Embedder
	planner    *planner.Planner

	cfg Config

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once
	initialized bool
}

// New builds a Coordinator from its component layers. Any of vector,
// fulltext, structural, embedder, or docs may be nil; the coordinator
// degrades the same way the query planner does for a nil layer.
func New(vector *vectorlayer.Layer, ft *fulltext.Index, st *structural.Index, embedder hre.Embedder, docs hre.DocumentStore, cfg Config) *Coordinator {
	if cfg.BulkWorkers <= 0 {
		cfg.BulkWorkers = runtime.GOMAXPROCS(0)
	}
	return &Coordinator{
		vector:     vector,
		fulltext:   ft,
		structural: st,
		docs:       docs,
		embedder:   embedder,
		planner:    planner.New(vector, ft, st, embedder, docs),
		cfg:        cfg,
	}
}

// Initialize starts the auto-save timer (if configured) and marks the
// coordinator ready to accept writes. The underlying layers are already
// open and self-consistent by the time they're handed to New, so there is
// no separate storage-opening step here.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.initialized {
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.initialized = true

	if c.cfg.AutoSaveInterval > 0 && c.vector != nil {
		c.wg.Add(1)
		go c.autoSaveLoop()
	}
	slog.Info("coordinator: initialized", "auto_save_interval", c.cfg.AutoSaveInterval)
	return nil
}

func (c *Coordinator) autoSaveLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.AutoSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.vector.Dirty() {
				continue
			}
			if err := c.vector.Save(); err != nil {
				slog.Error("coordinator: auto-save failed", "error", err)
			}
		}
	}
}

func (c *Coordinator) requireInitialized() error {
	if !c.initialized {
		return &hre.ErrNotInitialized{Component: "coordinator"}
	}
	return nil
}

// Put writes doc through the document store (if configured) then updates
// Structural, FullText, and Vector in parallel, waiting for all three
// before returning. Structural and FullText failures are fatal and
// surfaced as *hre.ErrPartialIndexError; a Vector failure is logged and
// swallowed so the put still succeeds, per the asymmetric failure policy.
func (c *Coordinator) Put(ctx context.Context, collection, id string, doc hre.Document) error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	doc.DocID = id
	doc.Collection = collection

	if c.docs != nil {
		blob, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("coordinator: marshal document: %w", err)
		}
		if err := c.docs.Put(ctx, id, blob); err != nil {
			return fmt.Errorf("coordinator: document store put: %w", err)
		}
	}

	vector := doc.Vector
	if vector == nil && c.embedder != nil && c.vector != nil && doc.Content != "" {
		v, err := c.embedder.Embed(ctx, doc.Content)
		if err != nil {
			slog.Warn("coordinator: put-time embedding failed, indexing without a vector",
				"doc_id", id, "error", err)
		} else {
			vector = v
		}
	}

	var structErr, ftErr, vecErr error
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		if c.structural != nil {
			structErr = c.structural.Add(id, collection, doc.Attributes)
		}
		return nil
	})
	g.Go(func() error {
		if c.fulltext != nil {
			ftErr = c.fulltext.Add(id, collection, doc.Content, doc.Attributes)
		}
		return nil
	})
	g.Go(func() error {
		if c.vector != nil && vector != nil {
			vecErr = c.vector.Upsert(id, vector, doc.Attributes, []byte(doc.Content))
		}
		return nil
	})
	_ = g.Wait()

	var failed hre.IndexLayer
	causes := make(map[hre.IndexLayer]error, 3)
	if structErr != nil {
		failed |= hre.LayerStructural
		causes[hre.LayerStructural] = structErr
	}
	if ftErr != nil {
		failed |= hre.LayerFullText
		causes[hre.LayerFullText] = ftErr
	}
	if vecErr != nil {
		failed |= hre.LayerVector
		causes[hre.LayerVector] = vecErr
	}

	if structErr != nil || ftErr != nil {
		slog.Error("coordinator: put failed on a fatal layer", "doc_id", id, "failed", failed.String())
		return &hre.ErrPartialIndexError{DocID: id, Failed: failed, Causes: causes}
	}
	if vecErr != nil {
		slog.Warn("coordinator: vector indexing failed, document remains searchable via structural/fulltext only",
			"doc_id", id, "error", vecErr)
	}
	return nil
}

// Delete removes id from every configured layer. Unlike Put, all three
// layers are equally load-bearing for a delete, so any layer failure is
// reported.
func (c *Coordinator) Delete(ctx context.Context, collection, id string) error {
	if err := c.requireInitialized(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.docs != nil {
		if err := c.docs.Delete(ctx, id); err != nil {
			slog.Warn("coordinator: document store delete failed", "doc_id", id, "error", err)
		}
	}

	var structErr, ftErr, vecErr error
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		if c.structural != nil {
			structErr = c.structural.Remove(id)
		}
		return nil
	})
	g.Go(func() error {
		if c.fulltext != nil {
			ftErr = c.fulltext.Remove(id, collection)
		}
		return nil
	})
	g.Go(func() error {
		if c.vector != nil {
			vecErr = c.vector.Delete(id)
		}
		return nil
	})
	_ = g.Wait()

	var failed hre.IndexLayer
	causes := make(map[hre.IndexLayer]error, 3)
	if structErr != nil {
		failed |= hre.LayerStructural
		causes[hre.LayerStructural] = structErr
	}
	if ftErr != nil {
		failed |= hre.LayerFullText
		causes[hre.LayerFullText] = ftErr
	}
	if vecErr != nil {
		failed |= hre.LayerVector
		causes[hre.LayerVector] = vecErr
	}
	if failed != 0 {
		return &hre.ErrPartialIndexError{DocID: id, Failed: failed, Causes: causes}
	}
	return nil
}

// BulkWrite drains ops through a worker pool sized by cfg.BulkWorkers,
// dispatching each to Put or Delete according to its Type. Results are
// returned in the same order as ops.
func (c *Coordinator) BulkWrite(ctx context.Context, ops []Op) []OpResult {
	results := make([]OpResult, len(ops))
	if len(ops) == 0 {
		return results
	}

	sem := make(chan struct{}, c.cfg.BulkWorkers)
	var wg sync.WaitGroup
	for i, op := range ops {
		i, op := i, op
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			var err error
			switch op.Type {
			case OpDelete:
				err = c.Delete(ctx, op.Collection, op.DocID)
			default:
				err = c.Put(ctx, op.Collection, op.DocID, op.Document)
			}
			results[i] = OpResult{DocID: op.DocID, Err: err}
		}()
	}
	wg.Wait()
	return results
}

// Search delegates to the query planner.
func (c *Coordinator) Search(ctx context.Context, req hre.SearchRequest) (hre.SearchResponse, error) {
	if err := c.requireInitialized(); err != nil {
		return hre.SearchResponse{}, err
	}
	return c.planner.Search(ctx, req)
}

// Snapshot delegates to the document store's snapshot primitive. It
// returns an error if no document store is configured, since the vector
// and structural layers' own crash-safety is handled by their respective
// save/commit paths rather than an ad hoc snapshot call.
func (c *Coordinator) Snapshot(ctx context.Context) (io.ReadCloser, error) {
	if c.docs == nil {
		return nil, fmt.Errorf("coordinator: snapshot requires a configured document store")
	}
	return c.docs.Snapshot(ctx)
}

// Maintenance forwards to the vector layer's rebuild-if-needed check.
// Reports whether a rebuild actually ran.
func (c *Coordinator) Maintenance() (bool, error) {
	if c.vector == nil {
		return false, nil
	}
	return c.vector.MaintenanceIfNeeded()
}

// Close stops the auto-save timer, saves the vector layer if dirty,
// disposes the full-text engine, and closes the vector layer (which in
// turn closes its own sidecar store). The structural index's database
// handle belongs to whoever opened it and is not closed here.
func (c *Coordinator) Close() error {
	var closeErr error
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()

		if c.vector != nil {
			if c.vector.Dirty() {
				if err := c.vector.Save(); err != nil {
					slog.Error("coordinator: final save on close failed", "error", err)
					closeErr = err
				}
			}
		}
		if c.fulltext != nil {
			if err := c.fulltext.Dispose(); err != nil {
				slog.Error("coordinator: fulltext dispose failed", "error", err)
				if closeErr == nil {
					closeErr = err
				}
			}
		}
		if c.vector != nil {
			if err := c.vector.Close(); err != nil {
				slog.Error("coordinator: vector layer close failed", "error", err)
				if closeErr == nil {
					closeErr = err
				}
			}
		}
		slog.Info("coordinator: closed")
	})
	return closeErr
}
