package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pathtiles/server/internal/cache"
	"github.com/pathtiles/server/internal/data/raster"
	"github.com/pathtiles/server/internal/hierarchy"
	"github.com/pathtiles/server/internal/imageserver"
	"github.com/pathtiles/server/internal/region"
	"github.com/pathtiles/server/internal/render"
	"github.com/pathtiles/server/internal/store"
)

func gradient(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x + 2*y) % 256)})
		}
	}
	return img
}

func uniform(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

type testSlide struct {
	*SlideService
	tiles *imageserver.TileCache
	cache *cache.Manager
}

func newTestSlide(t *testing.T, img image.Image, tileSize int, st *store.Store) testSlide {
	t.Helper()
	dec, err := raster.FromImage(img, tileSize)
	if err != nil {
		t.Fatalf("raster: %v", err)
	}
	tiles, err := imageserver.NewTileCache(32 << 20)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := imageserver.NewDecoderServer("slide-1", dec, tiles)
	if err != nil {
		t.Fatalf("NewDecoderServer: %v", err)
	}
	cm, err := cache.NewManager(cache.Config{RenderedTileSizeMB: 64, RenderedTileTTL: time.Minute, QueryCacheSize: 100})
	if err != nil {
		t.Fatal(err)
	}
	svc, err := NewSlideService(SlideServiceConfig{
		SlideID:  "slide-1",
		Server:   srv,
		Tiles:    tiles,
		Cache:    cm,
		Renderer: render.NewTileRenderer(render.Config{TileSize: tileSize}),
		Store:    st,
	})
	if err != nil {
		t.Fatalf("NewSlideService: %v", err)
	}
	t.Cleanup(func() {
		svc.Close(context.Background())
		cm.Close()
	})
	return testSlide{SlideService: svc, tiles: tiles, cache: cm}
}

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode PNG: %v", err)
	}
	return img
}

func TestTileGrid(t *testing.T) {
	s := newTestSlide(t, gradient(300, 200), 64, nil)
	tests := []struct {
		level      int
		cols, rows int
	}{
		{0, 5, 4},
		{1, 3, 2},
		{2, 2, 1},
	}
	for _, tt := range tests {
		cols, rows, err := s.TileGrid(tt.level)
		if err != nil || cols != tt.cols || rows != tt.rows {
			t.Fatalf("TileGrid(%d) = %d,%d,%v want %d,%d", tt.level, cols, rows, err, tt.cols, tt.rows)
		}
	}
	r, err := s.TileRegion(0, 4, 3, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if r != (region.Region{Level: 0, X: 256, Y: 192, Width: 44, Height: 8}) {
		t.Fatalf("edge tile region = %+v", r)
	}
	for _, bad := range [][3]int{{0, 5, 0}, {0, -1, 0}, {3, 0, 0}} {
		if _, err := s.TileRegion(bad[0], bad[1], bad[2], 0, 0); !errors.Is(err, region.ErrOutOfBounds) {
			t.Fatalf("TileRegion(%v) = %v", bad, err)
		}
	}
	if _, err := s.TileRegion(0, 0, 0, 1, 0); !errors.Is(err, region.ErrOutOfBounds) {
		t.Fatalf("missing plane = %v", err)
	}
}

func TestGetTileReadsThroughServer(t *testing.T) {
	src := gradient(300, 200)
	s := newTestSlide(t, src, 64, nil)
	ctx := context.Background()

	data, err := s.GetTile(ctx, TileRequest{Level: 0, Col: 4, Row: 3})
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	img := decodePNG(t, data)
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 64 {
		t.Fatalf("tile bounds = %v", b)
	}
	got := color.GrayModel.Convert(img.At(3, 2)).(color.Gray).Y
	if want := src.GrayAt(259, 194).Y; got != want {
		t.Fatalf("pixel = %d, want %d", got, want)
	}
	if _, _, _, a := img.At(50, 50).RGBA(); a != 0 {
		t.Fatal("area beyond the slide edge is not transparent")
	}

	again, err := s.GetTile(ctx, TileRequest{Level: 0, Col: 4, Row: 3})
	if err != nil || !bytes.Equal(again, data) {
		t.Fatalf("second read differs: %v", err)
	}
	if st := s.tiles.Stats(); st.Computes != 1 {
		t.Fatalf("decoded %d times, want 1", st.Computes)
	}

	if _, err := s.GetTile(ctx, TileRequest{Level: 0, Col: 9, Row: 0}); !errors.Is(err, region.ErrOutOfBounds) {
		t.Fatalf("out of range tile = %v", err)
	}
}

func TestOverlayTilesFollowHierarchyVersion(t *testing.T) {
	s := newTestSlide(t, uniform(128, 128, 40), 64, nil)
	ctx := context.Background()
	req := TileRequest{Level: 0, Col: 0, Row: 0, Overlay: true, Style: render.Style{FillDetections: true, Opacity: 1}}

	before, err := s.GetTile(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	det := hierarchy.NewDetection(hierarchy.NewRectangle(10, 10, 20, 20, hierarchy.Plane{})).WithClassification("Tumor")
	if err := s.InsertObjects([]*hierarchy.PathObject{det}, nil); err != nil {
		t.Fatal(err)
	}
	after, err := s.GetTile(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(before, after) {
		t.Fatal("overlay tile did not change after insert")
	}
	px := color.RGBAModel.Convert(decodePNG(t, after).At(20, 20)).(color.RGBA)
	if px.R < 190 || px.G > 10 {
		t.Fatalf("detection pixel = %+v", px)
	}

	plain, err := s.GetTile(ctx, TileRequest{Level: 0, Col: 0, Row: 0})
	if err != nil {
		t.Fatal(err)
	}
	if g := color.GrayModel.Convert(decodePNG(t, plain).At(20, 20)).(color.Gray).Y; g != 40 {
		t.Fatalf("plain tile pixel = %d, want 40", g)
	}
}

func TestQueryObjectsCachedPerVersion(t *testing.T) {
	s := newTestSlide(t, uniform(400, 400, 0), 64, nil)
	a := hierarchy.NewAnnotation(hierarchy.NewRectangle(0, 0, 100, 100, hierarchy.Plane{}))
	if err := s.InsertObjects([]*hierarchy.PathObject{a}, nil); err != nil {
		t.Fatal(err)
	}
	r := region.New(0, 0, 0, 50, 50)
	data, err := s.QueryObjects(r)
	if err != nil {
		t.Fatal(err)
	}
	if n := gjson.GetBytes(data, "features.#").Int(); n != 1 {
		t.Fatalf("features = %d", n)
	}

	d := hierarchy.NewDetection(hierarchy.NewRectangle(10, 10, 5, 5, hierarchy.Plane{}))
	if err := s.InsertObjects([]*hierarchy.PathObject{d}, nil); err != nil {
		t.Fatal(err)
	}
	data, err = s.QueryObjects(r)
	if err != nil {
		t.Fatal(err)
	}
	if n := gjson.GetBytes(data, "features.#").Int(); n != 2 {
		t.Fatalf("features after insert = %d", n)
	}

	if _, err := s.QueryObjects(region.New(5, 0, 0, 1, 1)); !errors.Is(err, region.ErrOutOfBounds) {
		t.Fatalf("bad level = %v", err)
	}
}

func TestImportExportGeoJSON(t *testing.T) {
	s := newTestSlide(t, uniform(400, 400, 0), 64, nil)
	const doc = `{"type":"FeatureCollection","features":[
		{"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[0,0],[100,0],[100,100],[0,100],[0,0]]]},"properties":{"objectType":"annotation","classification":{"name":"Tumor"}}},
		{"type":"Feature","geometry":{"type":"Point","coordinates":[50,50]},"properties":{"objectType":"detection"}}
	]}`
	objs, err := s.ImportGeoJSON([]byte(doc), nil)
	if err != nil {
		t.Fatalf("ImportGeoJSON: %v", err)
	}
	o, p, err := s.GetObject(objs[1].ID())
	if err != nil || o == nil || p.ID() != objs[0].ID() {
		t.Fatalf("imported detection parent = %v, %v", p, err)
	}
	if kids := s.Children(objs[0].ID()); len(kids) != 1 {
		t.Fatalf("children = %v", kids)
	}

	out, err := s.ExportGeoJSON()
	if err != nil {
		t.Fatal(err)
	}
	if n := gjson.GetBytes(out, "features.#").Int(); n != 2 {
		t.Fatalf("exported %d features", n)
	}
	if c := gjson.GetBytes(out, `features.#(properties.objectType=="annotation").properties.classification.color`).Raw; c != "[200,0,0]" {
		t.Fatalf("class colour = %s", c)
	}

	if _, err := s.ImportGeoJSON([]byte(`{"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[0,0],[10,10],[10,0],[0,10],[0,0]]]}}`), nil); !errors.Is(err, hierarchy.ErrInvalidGeometry) {
		t.Fatalf("self-intersecting import = %v", err)
	}
	if s.Hierarchy().Len() != 2 {
		t.Fatalf("failed import changed the hierarchy")
	}
}

func TestObjectEditsPublishEvents(t *testing.T) {
	s := newTestSlide(t, uniform(400, 400, 0), 64, nil)
	var (
		mu    sync.Mutex
		types []hierarchy.ChangeType
	)
	sub, err := s.Subscribe("test", func(e hierarchy.ChangeEvent) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	a := hierarchy.NewAnnotation(hierarchy.NewRectangle(0, 0, 100, 100, hierarchy.Plane{}))
	if err := s.InsertObjects([]*hierarchy.PathObject{a}, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.SetClassification(a.ID(), "Stroma"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMeasurements(a.ID(), map[string]float64{"x": 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateGeometry(a.ID(), hierarchy.NewRectangle(0, 0, 50, 50, hierarchy.Plane{})); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveObject(a.ID(), true); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.FlushEvents(ctx); err != nil {
		t.Fatal(err)
	}

	want := []hierarchy.ChangeType{
		hierarchy.ObjectsAdded,
		hierarchy.ClassificationChanged,
		hierarchy.MeasurementsChanged,
		hierarchy.GeometryChanged,
		hierarchy.ObjectsRemoved,
	}
	mu.Lock()
	defer mu.Unlock()
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestSaveAndLoad(t *testing.T) {
	st, err := store.NewStore(filepath.Join(t.TempDir(), "pathtiles.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	s := newTestSlide(t, uniform(400, 400, 0), 64, st)
	if ok, err := s.Load(); err != nil || ok {
		t.Fatalf("Load before save = %v, %v", ok, err)
	}
	a := hierarchy.NewAnnotation(hierarchy.NewRectangle(0, 0, 100, 100, hierarchy.Plane{}))
	d := hierarchy.NewCell(hierarchy.NewRectangle(10, 10, 5, 5, hierarchy.Plane{}))
	if err := s.InsertObjects([]*hierarchy.PathObject{a, d}, nil); err != nil {
		t.Fatal(err)
	}
	info, err := s.Save()
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if info.Count != 2 {
		t.Fatalf("saved count = %d", info.Count)
	}

	// a fresh service over the same store restores the hierarchy
	s2 := newTestSlide(t, uniform(400, 400, 0), 64, st)
	ok, err := s2.Load()
	if err != nil || !ok {
		t.Fatalf("Load = %v, %v", ok, err)
	}
	if s2.Hierarchy().Len() != 2 {
		t.Fatalf("restored %d objects", s2.Hierarchy().Len())
	}
	p, ok := s2.Hierarchy().Parent(d.ID())
	if !ok || p.ID() != a.ID() {
		t.Fatalf("restored parent = %v", p)
	}

	noStore := newTestSlide(t, uniform(10, 10, 0), 64, nil)
	if _, err := noStore.Save(); !errors.Is(err, ErrNoStore) {
		t.Fatalf("Save without store = %v", err)
	}
}

func TestStats(t *testing.T) {
	s := newTestSlide(t, uniform(400, 400, 0), 64, nil)
	a := hierarchy.NewAnnotation(hierarchy.NewRectangle(0, 0, 100, 100, hierarchy.Plane{}))
	d := hierarchy.NewDetection(hierarchy.NewRectangle(10, 10, 5, 5, hierarchy.Plane{}))
	if err := s.InsertObjects([]*hierarchy.PathObject{a, d}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetTile(context.Background(), TileRequest{Level: 0}); err != nil {
		t.Fatal(err)
	}
	st := s.Stats()
	if st.Objects != 2 || st.Counts["annotation"] != 1 || st.Counts["detection"] != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.Tiles == nil || st.Tiles.Entries != 1 {
		t.Fatalf("tile stats = %+v", st.Tiles)
	}
}
