// Package hnswindex wraps github.com/coder/hnsw into the HnswIndex
// component: an ANN graph over integer labels with upsert, knn,
// tombstoning, and opaque binary (de)serialization. It is adapted from the
// teacher's HNSWStore, generalized from string document IDs to the
// label/doc_id split owned by the vector layer.
package hnswindex

import "github.com/hybridretrieval/core/pkg/hre"

// Config configures an Index.
type Config struct {
	Dimensions     int
	Space          hre.Space
	M              int
	EfConstruction int
	EfSearch       int
	MaxElements    int
	Seed           int64
}

// DefaultConfig returns sensible defaults for the given dimensionality and
// distance space.
func DefaultConfig(dimensions int, space hre.Space) Config {
	return Config{
		Dimensions:     dimensions,
		Space:          space,
		M:              16,
		EfConstruction: 200,
		EfSearch:       64,
		MaxElements:    10000,
		Seed:           1,
	}
}

// Neighbor is one result of a knn search: an internal label and its raw
// distance in the configured space (not yet converted to a score).
type Neighbor struct {
	Label    uint64
	Distance float32
}

// Stats summarizes graph occupancy, mirroring the tombstone accounting
// the vector layer needs to compute tombstone_ratio.
type Stats struct {
	GraphNodes int
	NextLabel  uint64
}
