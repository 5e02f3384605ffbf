// Package vectorlayer implements VectorLayer: the component that composes
// SidecarStore, HnswIndex, and GenerationManager into upsert/search/delete/
// save/rebuild, owning the doc_id<->label bijections, vector normalization,
// content-hash dedup, and the query-vector cache.
package vectorlayer

import (
	"time"

	"github.com/hybridretrieval/core/pkg/hre"
)

// Config configures a Layer.
type Config struct {
	Dimensions   int
	Space        hre.Space
	Base         string // directory for sidecar db, generations, CURRENT, lock
	Stem         string // generation filename stem
	ModelVersion string
	CacheSize    int // query-vector cache capacity; 0 means 100 (spec default)
}

// DefaultConfig returns sane defaults for the given dimensionality/space.
func DefaultConfig(dimensions int, space hre.Space, base string) Config {
	return Config{
		Dimensions: dimensions,
		Space:      space,
		Base:       base,
		Stem:       "index",
		CacheSize:  100,
	}
}

// SearchOpts controls a Search call.
type SearchOpts struct {
	Filter   func(docID string) bool
	MinScore float64
}

// Meta mirrors the on-disk <stem>.meta.json contract from §6.
type Meta struct {
	Dimensions     int       `json:"dimensions"`
	Space          hre.Space `json:"space"`
	Normalized     bool      `json:"normalized"`
	TotalVectors   int       `json:"total_vectors"`
	ActiveVectors  int       `json:"active_vectors"`
	DeletedVectors int       `json:"deleted_vectors"`
	SavedAt        time.Time `json:"saved_at"`
	GenerationPath string    `json:"generation_path"`
}
