// Package main is the entry point for the PathTiles server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pathtiles/server/internal/api"
	"github.com/pathtiles/server/internal/cache"
	"github.com/pathtiles/server/internal/config"
	"github.com/pathtiles/server/internal/data"
	"github.com/pathtiles/server/internal/imageserver"
	"github.com/pathtiles/server/internal/logging"
	"github.com/pathtiles/server/internal/metrics"
	"github.com/pathtiles/server/internal/render"
	"github.com/pathtiles/server/internal/service"
	"github.com/pathtiles/server/internal/store"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.SetLogger(logging.NewTextLogger(cfg.Log.Level))

	log.Printf("Starting PathTiles server on port %d", cfg.Server.Port)

	// Decoded tiles are shared by every slide and transform
	tileBudget := int64(cfg.Cache.TileBudgetMB) << 20
	tiles, err := imageserver.NewTileCache(tileBudget)
	if err != nil {
		log.Fatalf("Failed to initialize tile cache: %v", err)
	}
	log.Printf("Tile cache budget: %s", humanize.IBytes(uint64(tileBudget)))

	// Initialize cache manager (shared across all slides)
	cacheManager, err := cache.NewManager(cache.Config{
		RenderedTileSizeMB: cfg.Cache.RenderedTileMB,
		RenderedTileTTL:    time.Duration(cfg.Cache.RenderedTileTTLMinutes) * time.Minute,
		QueryCacheSize:     cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()
	log.Printf("Rendered tile cache: %s, ttl %d min", humanize.IBytes(uint64(cfg.Cache.RenderedTileMB)<<20), cfg.Cache.RenderedTileTTLMinutes)

	if dir := filepath.Dir(cfg.Store.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Failed to create store directory: %v", err)
		}
	}
	st, err := store.NewStore(cfg.Store.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	// Initialize slide registry
	registry := api.NewSlideRegistry(cfg.Server.Title)
	slideIDs := cfg.Slides.IDs()
	log.Printf("Initializing %d slide(s), default: %s", len(slideIDs), cfg.Slides.Default())

	for _, slideID := range slideIDs {
		sc := cfg.Slides.Slides[slideID]
		svc, err := openSlide(slideID, sc, cfg, tiles, cacheManager, st)
		if err != nil {
			log.Fatalf("Failed to open slide %q: %v", slideID, err)
		}
		meta := svc.Metadata()
		log.Printf("  [%s] Loaded from: %s", slideID, sc.Path)
		log.Printf("    Levels: %d, size %dx%d", len(meta.Levels), meta.Width(), meta.Height())

		loaded, err := svc.Load()
		if err != nil {
			log.Fatalf("Failed to load objects for slide %q: %v", slideID, err)
		}
		if loaded {
			log.Printf("    Objects: %s restored", humanize.Comma(int64(svc.Hierarchy().Len())))
		}
		registry.Register(svc)
	}

	m := metrics.New(metrics.Sources{
		Tiles:  tiles.Stats,
		Slides: registry.Stats,
	})

	// Initialize job manager for analysis jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	}, st)
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Store.SQLitePath)

	// Wire up analysis service as job executor
	analysis := service.NewAnalysisService(registry)
	jobManager.Executor = analysis.ExecuteJob
	jobManager.OnFinished = func(kind string, status store.JobStatus) {
		m.JobFinished(kind, string(status))
	}
	jobManager.Start()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
		Metrics:     m,
	})

	// Create HTTP server. No write timeout: event streams stay open.
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	jobManager.Stop()

	for _, slideID := range registry.SlideIDs() {
		if _, err := registry.Get(slideID).Save(); err != nil {
			log.Printf("[Server] failed to save objects of %s: %v", slideID, err)
		}
	}
	if err := registry.Close(shutdownCtx); err != nil {
		log.Printf("[Server] close slides: %v", err)
	}

	s := tiles.Stats()
	log.Printf("[Server] tile cache: %s hits, %s misses, %.1f%% hit rate",
		humanize.Comma(int64(s.Hits)), humanize.Comma(int64(s.Misses)), 100*s.HitRate())
	log.Println("Server stopped")
}

// openSlide builds the server chain of one slide and its service.
func openSlide(id string, sc config.SlideConfig, cfg *config.Config, tiles *imageserver.TileCache, cm *cache.Manager, st *store.Store) (*service.SlideService, error) {
	dec, err := data.Open(sc.Format, sc.Path, sc.TileSize)
	if err != nil {
		return nil, err
	}
	var srv imageserver.Server
	srv, err = imageserver.NewDecoderServer(id, dec, tiles, imageserver.WithMaxConcurrency(cfg.Decode.MaxConcurrency))
	if err != nil {
		dec.Close()
		return nil, err
	}
	if len(sc.Transforms) > 0 {
		wrapped, err := imageserver.Wrap(srv, tiles, sc.Transforms...)
		if err != nil {
			srv.Close()
			return nil, err
		}
		srv = wrapped
		log.Printf("  [%s] Transforms: %v", id, sc.Transforms)
	}

	svc, err := service.NewSlideService(service.SlideServiceConfig{
		SlideID:  id,
		Name:     sc.Name,
		Server:   srv,
		Tiles:    tiles,
		Cache:    cm,
		Renderer: render.NewTileRenderer(render.Config{TileSize: sc.TileSize}),
		Store:    st,
	})
	if err != nil {
		srv.Close()
		return nil, err
	}
	return svc, nil
}
