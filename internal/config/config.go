// Package config handles configuration loading for the PathTiles server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Slides SlidesConfig `yaml:"slides"`
	Cache  CacheConfig  `yaml:"cache"`
	Decode DecodeConfig `yaml:"decode"`
	Store  StoreConfig  `yaml:"store"`
	Jobs   JobsConfig   `yaml:"jobs"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// SlideConfig describes one slide.
type SlideConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
	// Format is "zarr", "tiledb" or "raster"; empty guesses from the path.
	Format string `yaml:"format"`
	// Transforms wrap the slide server in order, e.g. ["grayscale", "gamma:0.8"].
	Transforms []string `yaml:"transforms"`
	// TileSize is the rendered tile edge, also the block size of raster slides.
	TileSize int `yaml:"tile_size"`
}

// SlidesConfig keeps the slides in YAML order. The first one is the default.
type SlidesConfig struct {
	Slides map[string]SlideConfig
	order  []string
}

// UnmarshalYAML decodes the slides mapping, remembering key order.
func (s *SlidesConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("slides: expected a mapping, got line %d", node.Line)
	}
	s.Slides = make(map[string]SlideConfig, len(node.Content)/2)
	s.order = s.order[:0]
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var sc SlideConfig
		if err := node.Content[i+1].Decode(&sc); err != nil {
			return fmt.Errorf("slides.%s: %w", id, err)
		}
		if _, dup := s.Slides[id]; dup {
			return fmt.Errorf("slides: duplicate slide %q", id)
		}
		s.Slides[id] = sc
		s.order = append(s.order, id)
	}
	return nil
}

// Add appends a slide, replacing any slide with the same id in place.
func (s *SlidesConfig) Add(id string, sc SlideConfig) {
	if s.Slides == nil {
		s.Slides = make(map[string]SlideConfig)
	}
	if _, ok := s.Slides[id]; !ok {
		s.order = append(s.order, id)
	}
	s.Slides[id] = sc
}

// IDs returns the slide ids in configuration order.
func (s SlidesConfig) IDs() []string {
	return append([]string(nil), s.order...)
}

// Default returns the id of the first slide, or "" when there is none.
func (s SlidesConfig) Default() string {
	if len(s.order) == 0 {
		return ""
	}
	return s.order[0]
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	// TileBudgetMB bounds the decoded tile cache shared by all slides.
	TileBudgetMB           int `yaml:"tile_budget_mb"`
	RenderedTileMB         int `yaml:"rendered_tile_mb"`
	RenderedTileTTLMinutes int `yaml:"rendered_tile_ttl_minutes"`
	QueryCacheSize         int `yaml:"query_cache_size"`
}

// DecodeConfig contains decoder settings.
type DecodeConfig struct {
	// MaxConcurrency caps concurrent decodes per slide; 0 uses the decoder's
	// own limit.
	MaxConcurrency int `yaml:"max_concurrency"`
}

// StoreConfig contains persistence settings.
type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// JobsConfig contains analysis job settings.
type JobsConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	RetentionDays int `yaml:"retention_days"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no sensible default.
func (c *Config) Validate() error {
	for _, id := range c.Slides.IDs() {
		sc := c.Slides.Slides[id]
		if id == "" {
			return fmt.Errorf("slides: empty slide id")
		}
		if sc.Path == "" {
			return fmt.Errorf("slides.%s: path is required", id)
		}
		if sc.TileSize < 0 {
			return fmt.Errorf("slides.%s: negative tile_size", id)
		}
	}
	return nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "PathTiles",
		},
		Cache: CacheConfig{
			TileBudgetMB:           512,
			RenderedTileMB:         256,
			RenderedTileTTLMinutes: 10,
			QueryCacheSize:         1000,
		},
		Store: StoreConfig{
			SQLitePath: "./data/pathtiles.sqlite",
		},
		Jobs: JobsConfig{
			MaxConcurrent: 1,
			RetentionDays: 7,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
	cfg.Slides.Add("default", SlideConfig{
		Path:     "./data/slide.zarr",
		TileSize: 256,
	})
	return cfg
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Slides.IDs()) == 0 {
		cfg.Slides = defaults.Slides
	}
	for _, id := range cfg.Slides.IDs() {
		sc := cfg.Slides.Slides[id]
		if sc.TileSize == 0 {
			sc.TileSize = 256
		}
		if sc.Name == "" {
			sc.Name = id
		}
		cfg.Slides.Slides[id] = sc
	}
	if cfg.Cache.TileBudgetMB == 0 {
		cfg.Cache.TileBudgetMB = defaults.Cache.TileBudgetMB
	}
	if cfg.Cache.RenderedTileMB == 0 {
		cfg.Cache.RenderedTileMB = defaults.Cache.RenderedTileMB
	}
	if cfg.Cache.RenderedTileTTLMinutes == 0 {
		cfg.Cache.RenderedTileTTLMinutes = defaults.Cache.RenderedTileTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = defaults.Store.SQLitePath
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
}
