package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoad_Slides(t *testing.T) {
	content := `
server:
  port: 9000
  title: Lab slides
slides:
  liver:
    name: Liver biopsy
    path: /data/liver.zarr
    transforms: [grayscale, "gamma:0.8"]
  kidney:
    path: /data/kidney.png
    format: raster
    tile_size: 512
cache:
  tile_budget_mb: 128
decode:
  max_concurrency: 4
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 || cfg.Server.Title != "Lab slides" {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	// Check order preserved
	if ids := cfg.Slides.IDs(); !reflect.DeepEqual(ids, []string{"liver", "kidney"}) {
		t.Errorf("unexpected slide order: %v", ids)
	}
	if cfg.Slides.Default() != "liver" {
		t.Errorf("expected default slide 'liver', got %q", cfg.Slides.Default())
	}

	liver := cfg.Slides.Slides["liver"]
	if liver.Name != "Liver biopsy" || liver.Path != "/data/liver.zarr" || liver.TileSize != 256 {
		t.Errorf("unexpected liver config: %+v", liver)
	}
	if !reflect.DeepEqual(liver.Transforms, []string{"grayscale", "gamma:0.8"}) {
		t.Errorf("unexpected transforms: %v", liver.Transforms)
	}
	kidney := cfg.Slides.Slides["kidney"]
	if kidney.Name != "kidney" || kidney.Format != "raster" || kidney.TileSize != 512 {
		t.Errorf("unexpected kidney config: %+v", kidney)
	}

	if cfg.Cache.TileBudgetMB != 128 {
		t.Errorf("expected tile budget 128, got %d", cfg.Cache.TileBudgetMB)
	}
	if cfg.Decode.MaxConcurrency != 4 {
		t.Errorf("expected max concurrency 4, got %d", cfg.Decode.MaxConcurrency)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
slides:
  test:
    path: /test/slide.tiledb
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.TileBudgetMB != 512 {
		t.Errorf("expected default tile budget 512, got %d", cfg.Cache.TileBudgetMB)
	}
	if cfg.Cache.RenderedTileTTLMinutes != 10 || cfg.Cache.QueryCacheSize != 1000 {
		t.Errorf("unexpected cache defaults: %+v", cfg.Cache)
	}
	if cfg.Jobs.MaxConcurrent != 1 || cfg.Jobs.RetentionDays != 7 {
		t.Errorf("unexpected job defaults: %+v", cfg.Jobs)
	}
	if cfg.Store.SQLitePath == "" || cfg.Log.Level != "info" {
		t.Errorf("unexpected store/log defaults: %+v %+v", cfg.Store, cfg.Log)
	}
	if cfg.Decode.MaxConcurrency != 0 {
		t.Errorf("expected decoder-chosen concurrency, got %d", cfg.Decode.MaxConcurrency)
	}
}

func TestLoad_NoSlidesSection(t *testing.T) {
	content := `
server:
  port: 8080
`
	cfg := loadFromString(t, content)

	if cfg.Slides.Default() != "default" {
		t.Errorf("expected default slide, got %q", cfg.Slides.Default())
	}
	if len(cfg.Slides.IDs()) != 1 {
		t.Errorf("expected 1 default slide, got %d", len(cfg.Slides.IDs()))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultConfig()) {
		t.Errorf("expected default config, got %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	for name, content := range map[string]string{
		"not yaml":        "server: [",
		"slides list":     "slides:\n  - path: a.png\n",
		"missing path":    "slides:\n  a:\n    name: A\n",
		"negative tile":   "slides:\n  a:\n    path: a.png\n    tile_size: -1\n",
		"duplicate slide": "slides:\n  a:\n    path: a.png\n  a:\n    path: b.png\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
