// Package service provides business logic for the slide server.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/pathtiles/server/internal/cache"
	"github.com/pathtiles/server/internal/event"
	"github.com/pathtiles/server/internal/geojson"
	"github.com/pathtiles/server/internal/hierarchy"
	"github.com/pathtiles/server/internal/imageserver"
	"github.com/pathtiles/server/internal/region"
	"github.com/pathtiles/server/internal/render"
	"github.com/pathtiles/server/internal/store"
	"github.com/pathtiles/server/pkg/colormap"
)

// ErrNoStore is returned by Save and Load when no store is configured.
var ErrNoStore = errors.New("no store configured")

// SlideServiceConfig contains slide service configuration.
type SlideServiceConfig struct {
	SlideID  string
	Name     string
	Server   imageserver.Server
	Tiles    *imageserver.TileCache
	Cache    *cache.Manager
	Renderer *render.TileRenderer
	// Store is optional; without it Save and Load fail with ErrNoStore.
	Store *store.Store
}

// SlideService serves one slide: rendered tiles and its object hierarchy.
type SlideService struct {
	slideID  string
	name     string
	server   imageserver.Server
	tiles    *imageserver.TileCache
	cache    *cache.Manager
	renderer *render.TileRenderer
	store    *store.Store

	meta      region.Pyramid
	bus       *hierarchy.Bus
	hierarchy *hierarchy.Hierarchy
}

// NewSlideService reads the server metadata and creates an empty hierarchy
// for the slide.
func NewSlideService(cfg SlideServiceConfig) (*SlideService, error) {
	meta, err := cfg.Server.Metadata()
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	slideID := cfg.SlideID
	if slideID == "" {
		slideID = "default"
	}
	name := cfg.Name
	if name == "" {
		name = slideID
	}
	bus := hierarchy.NewBus()
	return &SlideService{
		slideID:   slideID,
		name:      name,
		server:    cfg.Server,
		tiles:     cfg.Tiles,
		cache:     cfg.Cache,
		renderer:  cfg.Renderer,
		store:     cfg.Store,
		meta:      meta,
		bus:       bus,
		hierarchy: hierarchy.New(meta, hierarchy.WithBus(bus)),
	}, nil
}

// ID returns the slide id.
func (s *SlideService) ID() string { return s.slideID }

// Name returns the display name.
func (s *SlideService) Name() string { return s.name }

// Metadata returns the slide pyramid.
func (s *SlideService) Metadata() region.Pyramid { return s.meta }

// Server returns the image server tiles are read through.
func (s *SlideService) Server() imageserver.Server { return s.server }

// Hierarchy returns the slide's object hierarchy.
func (s *SlideService) Hierarchy() *hierarchy.Hierarchy { return s.hierarchy }

// TileSize returns the edge of served tiles.
func (s *SlideService) TileSize() int { return s.renderer.TileSize() }

// TileRequest addresses one served tile.
type TileRequest struct {
	Level, Col, Row int
	Z, T            int
	Overlay         bool
	Style           render.Style
}

func (r TileRequest) cacheOpts() map[string]string {
	opts := map[string]string{}
	if r.Z != 0 || r.T != 0 {
		opts["plane"] = fmt.Sprintf("%d/%d", r.Z, r.T)
	}
	if !r.Overlay {
		return opts
	}
	st := r.Style
	if st.HideAnnotations {
		opts["ha"] = "1"
	}
	if st.HideDetections {
		opts["hd"] = "1"
	}
	if st.FillDetections {
		opts["fill"] = "1"
	}
	if st.ColorBy != "" {
		opts["by"] = st.ColorBy
		opts["cmap"] = st.Colormap
		opts["range"] = strconv.FormatFloat(st.Min, 'g', -1, 64) + ":" + strconv.FormatFloat(st.Max, 'g', -1, 64)
	}
	if st.Opacity != 0 {
		opts["alpha"] = strconv.FormatFloat(st.Opacity, 'g', -1, 64)
	}
	return opts
}

// TileGrid returns the number of tile columns and rows at level.
func (s *SlideService) TileGrid(level int) (cols, rows int, err error) {
	if level < 0 || level >= len(s.meta.Levels) {
		return 0, 0, fmt.Errorf("%w: level %d", region.ErrOutOfBounds, level)
	}
	ts := s.TileSize()
	lv := s.meta.Levels[level]
	return (lv.Width + ts - 1) / ts, (lv.Height + ts - 1) / ts, nil
}

// TileRegion returns the level-local region of a tile, clipped to the level.
func (s *SlideService) TileRegion(level, col, row, z, t int) (region.Region, error) {
	cols, rows, err := s.TileGrid(level)
	if err != nil {
		return region.Empty, err
	}
	if col < 0 || row < 0 || col >= cols || row >= rows {
		return region.Empty, fmt.Errorf("%w: tile %d/%d/%d", region.ErrOutOfBounds, level, col, row)
	}
	ts := s.TileSize()
	lv := s.meta.Levels[level]
	x, y := col*ts, row*ts
	r := region.Region{Level: level, X: x, Y: y, Width: min(ts, lv.Width-x), Height: min(ts, lv.Height-y), Z: z, T: t}
	if err := s.meta.Contains(r); err != nil {
		return region.Empty, err
	}
	return r, nil
}

// GetTile returns a PNG tile, optionally with the objects of the region
// drawn over it. Overlay tiles are cached per hierarchy version.
func (s *SlideService) GetTile(ctx context.Context, req TileRequest) ([]byte, error) {
	r, err := s.TileRegion(req.Level, req.Col, req.Row, req.Z, req.T)
	if err != nil {
		return nil, err
	}

	// read the version before the objects so a cached tile is never newer
	// than its key says
	version := s.hierarchy.Version()
	cacheKey := cache.RenderedTileKey(s.slideID, req.Level, req.Col, req.Row, req.Overlay, version, req.cacheOpts())
	if data, ok := s.cache.GetTile(cacheKey); ok {
		return data, nil
	}

	tile, err := s.server.ReadRegion(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("failed to read region %s: %w", r, err)
	}

	var objs []*hierarchy.PathObject
	if req.Overlay {
		seq, err := s.hierarchy.Query(r)
		if err != nil {
			return nil, err
		}
		for o := range seq {
			objs = append(objs, o)
		}
	}

	data, err := s.renderer.RenderTile(tile.Image, objs, render.View{Region: r, Downsample: s.meta.Levels[req.Level].Downsample}, req.Style)
	if err != nil {
		return nil, fmt.Errorf("failed to render tile: %w", err)
	}

	// Cache result
	s.cache.SetTile(cacheKey, data)

	return data, nil
}

// GetPlaceholderTile returns the tile shown in place of a failed read.
func (s *SlideService) GetPlaceholderTile(msg string) ([]byte, error) {
	return s.renderer.Placeholder(msg)
}

// GetEmptyTile returns a transparent tile.
func (s *SlideService) GetEmptyTile() ([]byte, error) {
	return s.renderer.CreateEmptyTile()
}

// QueryObjects returns the objects intersecting r as a GeoJSON feature
// collection. Results are cached per hierarchy version.
func (s *SlideService) QueryObjects(r region.Region) ([]byte, error) {
	version := s.hierarchy.Version()
	key := cache.QueryKey(s.slideID, version, r.String())
	if data, ok := s.cache.GetQuery(key); ok {
		return data, nil
	}

	seq, err := s.hierarchy.Query(r)
	if err != nil {
		return nil, err
	}
	var objs []*hierarchy.PathObject
	for o := range seq {
		objs = append(objs, o)
	}
	data, err := geojson.Marshal(objs, colormap.ClassColor)
	if err != nil {
		return nil, err
	}
	s.cache.SetQuery(key, data)
	return data, nil
}

// ExportGeoJSON returns every object as a GeoJSON feature collection.
func (s *SlideService) ExportGeoJSON() ([]byte, error) {
	return geojson.Marshal(s.hierarchy.AllObjects(false), colormap.ClassColor)
}

// ImportGeoJSON inserts the features of data. With a non-nil parent every
// object goes under it; otherwise each finds its own parent. Insertion is
// all or nothing.
func (s *SlideService) ImportGeoJSON(data []byte, parent *hierarchy.ObjectID) ([]*hierarchy.PathObject, error) {
	objs, err := geojson.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if err := s.InsertObjects(objs, parent); err != nil {
		return nil, err
	}
	return objs, nil
}

// InsertObjects inserts objs atomically.
func (s *SlideService) InsertObjects(objs []*hierarchy.PathObject, parent *hierarchy.ObjectID) error {
	if parent != nil {
		return s.hierarchy.InsertAllUnder(objs, *parent)
	}
	return s.hierarchy.InsertAll(objs)
}

// GetObject returns an object and its parent id.
func (s *SlideService) GetObject(id hierarchy.ObjectID) (*hierarchy.PathObject, *hierarchy.PathObject, error) {
	o, ok := s.hierarchy.Get(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", hierarchy.ErrNotFound, id)
	}
	p, _ := s.hierarchy.Parent(id)
	return o, p, nil
}

// Children returns the direct children of id.
func (s *SlideService) Children(id hierarchy.ObjectID) []*hierarchy.PathObject {
	return s.hierarchy.Children(id)
}

// RemoveObject removes an object, keeping or dropping its subtree.
func (s *SlideService) RemoveObject(id hierarchy.ObjectID, keepChildren bool) error {
	return s.hierarchy.Remove(id, keepChildren)
}

// UpdateGeometry replaces an object's geometry.
func (s *SlideService) UpdateGeometry(id hierarchy.ObjectID, g hierarchy.Geometry) error {
	return s.hierarchy.UpdateGeometry(id, g)
}

// SetClassification sets or clears an object's classification.
func (s *SlideService) SetClassification(id hierarchy.ObjectID, class string) error {
	return s.hierarchy.SetClassification(id, class)
}

// SetName renames an object.
func (s *SlideService) SetName(id hierarchy.ObjectID, name string) error {
	return s.hierarchy.SetName(id, name)
}

// SetMeasurements replaces an object's measurements.
func (s *SlideService) SetMeasurements(id hierarchy.ObjectID, m map[string]float64) error {
	return s.hierarchy.SetMeasurements(id, m)
}

// Subscribe registers fn for hierarchy change events. Events arrive in
// version order on the bus goroutine.
func (s *SlideService) Subscribe(name string, fn func(hierarchy.ChangeEvent)) (*event.Subscription, error) {
	return s.bus.Subscribe(fn, event.WithName[hierarchy.ChangeEvent](name))
}

// FlushEvents waits until every event published so far was delivered.
func (s *SlideService) FlushEvents(ctx context.Context) error {
	return s.bus.Flush(ctx)
}

// Save persists the hierarchy.
func (s *SlideService) Save() (*store.HierarchyInfo, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	// a concurrent edit leaves the stored version behind the records, never ahead
	version := s.hierarchy.Version()
	if err := s.store.SaveHierarchy(s.slideID, version, s.hierarchy.Records()); err != nil {
		return nil, err
	}
	return s.store.HierarchyInfo(s.slideID)
}

// Load replaces the hierarchy with the saved one. It reports false when
// nothing was saved for the slide.
func (s *SlideService) Load() (bool, error) {
	if s.store == nil {
		return false, ErrNoStore
	}
	recs, err := s.store.LoadHierarchy(s.slideID)
	if err != nil {
		return false, err
	}
	if recs == nil {
		return false, nil
	}
	if err := s.hierarchy.Load(recs); err != nil {
		return false, fmt.Errorf("failed to restore hierarchy: %w", err)
	}
	return true, nil
}

// SlideStats summarizes a slide's caches and hierarchy.
type SlideStats struct {
	SlideID          string           `json:"slide_id"`
	Objects          int              `json:"objects"`
	HierarchyVersion uint64           `json:"hierarchy_version"`
	Tiles            *cache.TileStats `json:"tile_cache,omitempty"`
	Events           event.Stats      `json:"events"`
	Counts           map[string]int   `json:"object_counts"`
}

// Stats returns slide statistics.
func (s *SlideService) Stats() SlideStats {
	st := SlideStats{
		SlideID:          s.slideID,
		Objects:          s.hierarchy.Len(),
		HierarchyVersion: s.hierarchy.Version(),
		Events:           s.bus.Stats(),
		Counts:           make(map[string]int),
	}
	if s.tiles != nil {
		ts := s.tiles.Stats()
		st.Tiles = &ts
	}
	for _, o := range s.hierarchy.AllObjects(false) {
		st.Counts[o.Kind().String()]++
	}
	return st
}

// Close closes the event bus and the image server.
func (s *SlideService) Close(ctx context.Context) error {
	busErr := s.bus.Close(ctx)
	if err := s.server.Close(); err != nil {
		return err
	}
	return busErr
}
