// Package api provides HTTP handlers for the slide server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pathtiles/server/internal/geojson"
	"github.com/pathtiles/server/internal/hierarchy"
	"github.com/pathtiles/server/internal/imageserver"
	"github.com/pathtiles/server/internal/metrics"
	"github.com/pathtiles/server/internal/region"
	"github.com/pathtiles/server/internal/render"
	"github.com/pathtiles/server/internal/service"
	"github.com/pathtiles/server/pkg/colormap"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *SlideRegistry
	CORSOrigins []string
	JobManager  *JobManager
	// Metrics is optional; without it /metrics is not served.
	Metrics *metrics.Metrics
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	// Global endpoints (not slide-scoped)
	r.Get("/api/slides", slidesHandler(cfg.Registry))
	r.Get("/api/colormaps", colormapsHandler)

	// Slide-scoped routes: /d/{slide}/...
	r.Route("/d/{slide}", func(r chi.Router) {
		r.Use(slideMiddleware(cfg.Registry))

		// Tiles are PNG; only the JSON API is compressed.
		r.Get("/tiles/{level}/{x}/{y}.png", tileHandler)

		r.Route("/api", func(r chi.Router) {
			r.Use(middleware.Compress(5))

			r.Get("/metadata", metadataHandler)
			r.Get("/stats", statsHandler)
			r.Get("/events", eventsHandler)

			r.Get("/objects", queryObjectsHandler)
			r.Post("/objects", insertObjectsHandler)
			r.Get("/objects.geojson", exportObjectsHandler)
			r.Post("/objects/save", saveObjectsHandler)
			r.Get("/objects/{id}", getObjectHandler)
			r.Delete("/objects/{id}", deleteObjectHandler)
			r.Put("/objects/{id}/geometry", updateGeometryHandler)
			r.Put("/objects/{id}/classification", setClassificationHandler)
			r.Put("/objects/{id}/measurements", setMeasurementsHandler)

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", jobListHandler(cfg.JobManager))
				r.Post("/tiling", tilingJobSubmitHandler(cfg.JobManager))
				r.Get("/{job_id}", jobStatusHandler(cfg.JobManager))
				r.Delete("/{job_id}", jobCancelHandler(cfg.JobManager))
			})
		})
	})

	return r
}

// Context key for slide service
type ctxKey string

const slideServiceKey ctxKey = "slideService"

// slideMiddleware resolves the slide from URL and injects its service into context.
func slideMiddleware(registry *SlideRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			slideID := chi.URLParam(r, "slide")
			svc := registry.Get(slideID)
			if svc == nil {
				http.Error(w, "slide not found: "+slideID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), slideServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSlideService(r *http.Request) *service.SlideService {
	if svc, ok := r.Context().Value(slideServiceKey).(*service.SlideService); ok {
		return svc
	}
	return nil
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, hierarchy.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, region.ErrOutOfBounds),
		errors.Is(err, hierarchy.ErrInvalidGeometry),
		errors.Is(err, hierarchy.ErrIncompatibleParent),
		errors.Is(err, hierarchy.ErrAlreadyAttached),
		errors.Is(err, hierarchy.ErrRoot),
		errors.Is(err, geojson.ErrInvalid),
		errors.Is(err, service.ErrBadParams):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNoStore):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), errorStatus(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// slidesHandler returns the list of available slides.
func slidesHandler(registry *SlideRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default": registry.DefaultSlideID(),
			"slides":  registry.Slides(),
			"title":   registry.Title(),
		})
	}
}

func colormapsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"colormaps": colormap.Names(),
	})
}

func tileHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}

	level, err := strconv.Atoi(chi.URLParam(r, "level"))
	if err != nil {
		http.Error(w, "invalid level", http.StatusBadRequest)
		return
	}
	x, err := strconv.Atoi(chi.URLParam(r, "x"))
	if err != nil {
		http.Error(w, "invalid x", http.StatusBadRequest)
		return
	}
	y, err := strconv.Atoi(chi.URLParam(r, "y"))
	if err != nil {
		http.Error(w, "invalid y", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	req := service.TileRequest{
		Level:   level,
		Col:     x,
		Row:     y,
		Z:       queryInt(q, "z", 0),
		T:       queryInt(q, "t", 0),
		Overlay: queryBool(q, "overlay"),
		Style:   parseStyle(q),
	}

	data, err := svc.GetTile(r.Context(), req)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "image/png")
		if req.Overlay {
			w.Header().Set("Cache-Control", "no-cache")
		} else {
			w.Header().Set("Cache-Control", "public, max-age=3600")
		}
		w.Write(data)
	case errors.Is(err, region.ErrOutOfBounds):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		// a failed read shows an explicit placeholder instead of a hole
		log.Printf("[Tiles] %s %d/%d/%d: %v", svc.ID(), level, x, y, err)
		msg := "tile unavailable"
		if errors.Is(err, imageserver.ErrDecode) {
			msg = "decode error"
		}
		data, perr := svc.GetPlaceholderTile(msg)
		if perr != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Tile-Status", "unavailable")
		w.Write(data)
	}
}

// parseStyle reads overlay styling from the query string.
func parseStyle(q url.Values) render.Style {
	st := render.Style{
		HideAnnotations: queryBool(q, "hide_annotations"),
		HideDetections:  queryBool(q, "hide_detections"),
		FillDetections:  queryBool(q, "fill"),
		ColorBy:         strings.TrimSpace(q.Get("color_by")),
		Colormap:        strings.TrimSpace(q.Get("colormap")),
	}
	st.Min = queryFloat(q, "min")
	st.Max = queryFloat(q, "max")
	if a := queryFloat(q, "opacity"); a > 0 {
		// quantize for stable caching
		st.Opacity = math.Round(math.Min(a, 1)*100) / 100
	}
	return st
}

func queryInt(q url.Values, key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(q.Get(key)))
	if err != nil {
		return def
	}
	return v
}

func queryBool(q url.Values, key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(q.Get(key)))
	return err == nil && v
}

func queryFloat(q url.Values, key string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(q.Get(key)), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func metadataHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	meta := svc.Metadata()
	resp := map[string]interface{}{
		"id":        svc.ID(),
		"name":      svc.Name(),
		"width":     meta.Width(),
		"height":    meta.Height(),
		"tile_size": svc.TileSize(),
		"pyramid":   meta,
	}
	if f, ok := svc.Server().(interface{ Format() imageserver.PixelFormat }); ok {
		resp["format"] = f.Format()
	}
	writeJSON(w, http.StatusOK, resp)
}

func statsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, svc.Stats())
}
