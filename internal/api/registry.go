package api

import (
	"context"
	"errors"
	"sync"

	"github.com/pathtiles/server/internal/service"
)

// SlideInfo describes a slide for the API response.
type SlideInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Levels  int    `json:"levels"`
	Objects int    `json:"objects"`
}

// SlideRegistry holds the services of all configured slides.
type SlideRegistry struct {
	mu           sync.RWMutex
	services     map[string]*service.SlideService
	defaultSlide string
	order        []string
	title        string
}

// NewSlideRegistry creates an empty slide registry.
func NewSlideRegistry(title string) *SlideRegistry {
	return &SlideRegistry{
		services: make(map[string]*service.SlideService),
		title:    title,
	}
}

// Register adds a slide service. The first slide registered is the default.
func (r *SlideRegistry) Register(svc *service.SlideService) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := svc.ID()
	if _, ok := r.services[id]; !ok {
		r.order = append(r.order, id)
	}
	r.services[id] = svc
	if r.defaultSlide == "" {
		r.defaultSlide = id
	}
}

// Get returns the service for a slide, or nil if not found.
func (r *SlideRegistry) Get(slideID string) *service.SlideService {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.services[slideID]
}

// Default returns the default slide's service.
func (r *SlideRegistry) Default() *service.SlideService {
	return r.Get(r.DefaultSlideID())
}

// DefaultSlideID returns the default slide ID.
func (r *SlideRegistry) DefaultSlideID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultSlide
}

// SlideIDs returns all slide IDs in registration order.
func (r *SlideRegistry) SlideIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Title returns the configured site title.
func (r *SlideRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "PathTiles"
}

// Slides returns slide info for all registered slides.
func (r *SlideRegistry) Slides() []SlideInfo {
	ids := r.SlideIDs()
	infos := make([]SlideInfo, 0, len(ids))
	for _, id := range ids {
		svc := r.Get(id)
		meta := svc.Metadata()
		infos = append(infos, SlideInfo{
			ID:      id,
			Name:    svc.Name(),
			Width:   meta.Width(),
			Height:  meta.Height(),
			Levels:  len(meta.Levels),
			Objects: svc.Hierarchy().Len(),
		})
	}
	return infos
}

// Stats returns the statistics of every slide.
func (r *SlideRegistry) Stats() []service.SlideStats {
	ids := r.SlideIDs()
	out := make([]service.SlideStats, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.Get(id).Stats())
	}
	return out
}

// Close closes every slide service.
func (r *SlideRegistry) Close(ctx context.Context) error {
	var errs []error
	for _, id := range r.SlideIDs() {
		if err := r.Get(id).Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
