// Package config loads and validates the engine's configuration: the
// dimensionality/space of the vector layer, the on-disk layout it and the
// full-text engine use, the structural index's nesting depth, and the
// coordinator's auto-save/worker-pool tuning. Configuration is layered the
// same way the teacher layers it: hardcoded defaults, then an optional
// YAML file, then HRE_*-prefixed environment overrides, highest
// precedence last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hybridretrieval/core/pkg/hre"
)

// Config is the complete engine configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Vector     VectorConfig     `yaml:"vector" json:"vector"`
	FullText   FullTextConfig   `yaml:"fulltext" json:"fulltext"`
	Structural StructuralConfig `yaml:"structural" json:"structural"`
	Fusion     FusionConfig     `yaml:"fusion" json:"fusion"`
	Coordinator CoordinatorConfig `yaml:"coordinator" json:"coordinator"`
}

// VectorConfig configures the vector layer's dimensionality, distance
// space, and on-disk generation directory.
type VectorConfig struct {
	Dimensions int       `yaml:"dimensions" json:"dimensions"`
	Space      hre.Space `yaml:"space" json:"space"`
	Base       string    `yaml:"base" json:"base"`
	Stem       string    `yaml:"stem" json:"stem"`
	CacheSize  int       `yaml:"query_cache_size" json:"query_cache_size"`
}

// FullTextConfig configures the bleve-backed full-text engine.
type FullTextConfig struct {
	Path         string `yaml:"path" json:"path"`
	CJK          bool   `yaml:"cjk" json:"cjk"`
	SnippetWindow int   `yaml:"snippet_window" json:"snippet_window"`
}

// StructuralConfig configures nested-field extraction depth.
type StructuralConfig struct {
	MaxDepth int `yaml:"max_depth" json:"max_depth"`
}

// FusionConfig configures the parallel strategy's per-layer weights.
type FusionConfig struct {
	Structural float64 `yaml:"structural_weight" json:"structural_weight"`
	FullText   float64 `yaml:"fulltext_weight" json:"fulltext_weight"`
	Semantic   float64 `yaml:"semantic_weight" json:"semantic_weight"`
}

// CoordinatorConfig tunes the write path.
type CoordinatorConfig struct {
	AutoSaveInterval time.Duration `yaml:"auto_save_interval" json:"auto_save_interval"`
	BulkWorkers      int           `yaml:"bulk_workers" json:"bulk_workers"`
}

// New returns a Config populated with the engine's hardcoded defaults.
func New() *Config {
	return &Config{
		Version: 1,
		Vector: VectorConfig{
			Dimensions: 768,
			Space:      hre.SpaceCosine,
			Base:       ".hre/vector",
			Stem:       "index",
			CacheSize:  100,
		},
		FullText: FullTextConfig{
			Path:          ".hre/fulltext",
			CJK:           false,
			SnippetWindow: 30,
		},
		Structural: StructuralConfig{
			MaxDepth: 3,
		},
		Fusion: FusionConfig{
			Structural: 0.3,
			FullText:   0.3,
			Semantic:   0.4,
		},
		Coordinator: CoordinatorConfig{
			AutoSaveInterval: time.Minute,
			BulkWorkers:      0, // 0 means runtime.GOMAXPROCS(0)
		},
	}
}

// Load builds a Config from hardcoded defaults, an optional
// hre.config.yaml/.yml in dir, then environment variable overrides, in
// that order of increasing precedence.
func Load(dir string) (*Config, error) {
	cfg := New()

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(dir string) error {
	for _, name := range []string{"hre.config.yaml", "hre.config.yml"} {
		path := filepath.Join(dir, name)
		if !fileExists(path) {
			continue
		}
		return c.loadYAML(path)
	}
	return nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.mergeWith(&parsed)
	return nil
}

// mergeWith overlays non-zero fields of other onto c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if other.Vector.Dimensions != 0 {
		c.Vector.Dimensions = other.Vector.Dimensions
	}
	if other.Vector.Space != "" {
		c.Vector.Space = other.Vector.Space
	}
	if other.Vector.Base != "" {
		c.Vector.Base = other.Vector.Base
	}
	if other.Vector.Stem != "" {
		c.Vector.Stem = other.Vector.Stem
	}
	if other.Vector.CacheSize != 0 {
		c.Vector.CacheSize = other.Vector.CacheSize
	}
	if other.FullText.Path != "" {
		c.FullText.Path = other.FullText.Path
	}
	if other.FullText.SnippetWindow != 0 {
		c.FullText.SnippetWindow = other.FullText.SnippetWindow
	}
	c.FullText.CJK = other.FullText.CJK || c.FullText.CJK
	if other.Structural.MaxDepth != 0 {
		c.Structural.MaxDepth = other.Structural.MaxDepth
	}
	if other.Fusion.Structural != 0 {
		c.Fusion.Structural = other.Fusion.Structural
	}
	if other.Fusion.FullText != 0 {
		c.Fusion.FullText = other.Fusion.FullText
	}
	if other.Fusion.Semantic != 0 {
		c.Fusion.Semantic = other.Fusion.Semantic
	}
	if other.Coordinator.AutoSaveInterval != 0 {
		c.Coordinator.AutoSaveInterval = other.Coordinator.AutoSaveInterval
	}
	if other.Coordinator.BulkWorkers != 0 {
		c.Coordinator.BulkWorkers = other.Coordinator.BulkWorkers
	}
}

// applyEnvOverrides applies HRE_*-prefixed environment variables, the
// highest-precedence layer.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HRE_VECTOR_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Vector.Dimensions = n
		}
	}
	if v := os.Getenv("HRE_VECTOR_SPACE"); v != "" {
		c.Vector.Space = hre.Space(v)
	}
	if v := os.Getenv("HRE_VECTOR_BASE"); v != "" {
		c.Vector.Base = v
	}
	if v := os.Getenv("HRE_FULLTEXT_PATH"); v != "" {
		c.FullText.Path = v
	}
	if v := os.Getenv("HRE_FULLTEXT_CJK"); v != "" {
		c.FullText.CJK = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("HRE_STRUCTURAL_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Structural.MaxDepth = n
		}
	}
	if v := os.Getenv("HRE_COORDINATOR_AUTO_SAVE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Coordinator.AutoSaveInterval = d
		}
	}
	if v := os.Getenv("HRE_COORDINATOR_BULK_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Coordinator.BulkWorkers = n
		}
	}
}

// Validate rejects configurations that would violate an index layer's own
// invariants before they reach it.
func (c *Config) Validate() error {
	if c.Vector.Dimensions <= 0 {
		return fmt.Errorf("vector.dimensions must be positive, got %d", c.Vector.Dimensions)
	}
	switch c.Vector.Space {
	case hre.SpaceCosine, hre.SpaceInnerProduct, hre.SpaceL2:
	default:
		return fmt.Errorf("vector.space must be cosine, inner_product, or l2, got %q", c.Vector.Space)
	}
	if c.Structural.MaxDepth <= 0 {
		return fmt.Errorf("structural.max_depth must be positive, got %d", c.Structural.MaxDepth)
	}
	for name, w := range map[string]float64{
		"fusion.structural_weight": c.Fusion.Structural,
		"fusion.fulltext_weight":   c.Fusion.FullText,
		"fusion.semantic_weight":   c.Fusion.Semantic,
	} {
		if w < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, w)
		}
	}
	if c.Coordinator.AutoSaveInterval < 0 {
		return fmt.Errorf("coordinator.auto_save_interval must be non-negative, got %s", c.Coordinator.AutoSaveInterval)
	}
	if c.Coordinator.BulkWorkers < 0 {
		return fmt.Errorf("coordinator.bulk_workers must be non-negative, got %d", c.Coordinator.BulkWorkers)
	}
	return nil
}

// WriteYAML persists c to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
