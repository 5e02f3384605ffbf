package coordinator

import (
	"time"

	"github.com/hybridretrieval/core/pkg/hre"
)

// Config controls coordinator-level behavior that isn't owned by any
// single index layer: the auto-save cadence and the worker pool width
// used by BulkWrite.
type Config struct {
	// AutoSaveInterval, when > 0, starts a background timer that calls
	// VectorLayer.Save whenever the layer is dirty. 0 disables auto-save;
	// callers are then responsible for calling Close to persist
	// (Maintenance saves only when it runs a rebuild).
	AutoSaveInterval time.Duration

	// BulkWorkers bounds BulkWrite's concurrency. 0 means
	// runtime.GOMAXPROCS(0).
	BulkWorkers int
}

// DefaultConfig returns an auto-save interval of one minute and a worker
// count derived from GOMAXPROCS.
func DefaultConfig() Config {
	return Config{AutoSaveInterval: time.Minute}
}

// OpType names a bulk_write operation kind.
type OpType string

const (
	OpPut    OpType = "put"
	OpDelete OpType = "delete"
)

// Op is a single entry in a bulk_write batch.
type Op struct {
	Type       OpType
	Collection string
	DocID      string
	Document   hre.Document
}

// OpResult reports the outcome of one bulk_write entry.
type OpResult struct {
	DocID string
	Err   error
}
