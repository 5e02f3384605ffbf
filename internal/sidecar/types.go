// Package sidecar implements the durable key-value store that is the
// canonical truth of what vectors exist: SidecarStore from the component
// design. It is backed by modernc.org/sqlite (pure Go, no cgo) running in
// WAL mode.
package sidecar

import "time"

// Config configures a Store.
type Config struct {
	// Path is the SQLite database file. Empty means ":memory:".
	Path string
	// Dimensions is D, the fixed vector length enforced on every write.
	Dimensions int
}

// DefaultConfig returns a Config for the given dimensionality.
func DefaultConfig(dimensions int) Config {
	return Config{Dimensions: dimensions}
}

// Record is one row of the vectors table, joined with its mapping.
type Record struct {
	DocID       string
	Label       uint64
	Vector      []float32
	Metadata    map[string]any
	ContentHash string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ModelVer    string
	Normalized  bool
}

// Mapping is a (doc_id, label) pair as read back on startup rehydration,
// ordered by label.
type Mapping struct {
	DocID string
	Label uint64
}

// Stats summarizes store contents.
type Stats struct {
	Count      int
	TotalBytes int64
	LastUpdate time.Time
}
