// Package render draws slide tiles with object overlays using fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/pathtiles/server/internal/hierarchy"
	"github.com/pathtiles/server/internal/region"
	"github.com/pathtiles/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	TileSize        int
	DefaultColormap string
}

// Style controls how objects are drawn.
type Style struct {
	HideAnnotations bool
	HideDetections  bool
	// FillDetections fills detection shapes instead of outlining them.
	FillDetections bool
	// ColorBy colours detections by this measurement instead of by class.
	ColorBy  string
	Colormap string
	// Min and Max bound the ColorBy range. Equal values use the range of
	// the objects being drawn.
	Min, Max float64
	// Opacity of fills, 0 meaning the default.
	Opacity float64
}

// View places a tile on the slide: Region is in level-local pixels and
// Downsample is that level's factor.
type View struct {
	Region     region.Region
	Downsample float64
}

// toTile maps a full-resolution point into tile pixels.
func (v View) toTile(p hierarchy.Point) (float64, float64) {
	return p.X/v.Downsample - float64(v.Region.X), p.Y/v.Downsample - float64(v.Region.Y)
}

// TileRenderer renders tiles with overlays.
type TileRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewTileRenderer creates a new tile renderer.
func NewTileRenderer(cfg Config) *TileRenderer {
	if cfg.TileSize <= 0 {
		cfg.TileSize = 256
	}
	if _, ok := colormap.ByName(cfg.DefaultColormap); !ok {
		cfg.DefaultColormap = "viridis"
	}
	return &TileRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.TileSize, cfg.TileSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// TileSize returns the edge of rendered tiles.
func (r *TileRenderer) TileSize() int { return r.config.TileSize }

// RenderTile draws base at the top-left of a transparent tile-sized canvas,
// overlays objs and encodes the result as PNG. base may be nil and may be
// smaller than a tile at the slide edges.
func (r *TileRenderer) RenderTile(base image.Image, objs []*hierarchy.PathObject, view View, style Style) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.ClearPath()
	dc.SetColor(color.Transparent)
	dc.Clear()
	if base != nil {
		dc.DrawImage(base, 0, 0)
	}
	if len(objs) > 0 {
		r.drawObjects(dc, objs, view, style)
	}
	return r.encode(dc.Image())
}

func (r *TileRenderer) drawObjects(dc *gg.Context, objs []*hierarchy.PathObject, view View, style Style) {
	if view.Downsample <= 0 {
		view.Downsample = 1
	}
	opacity := style.Opacity
	if opacity <= 0 || opacity > 1 {
		opacity = 0.4
	}
	cmap, ok := colormap.ByName(style.Colormap)
	if !ok {
		cmap, _ = colormap.ByName(r.config.DefaultColormap)
	}
	lo, hi := style.Min, style.Max
	if style.ColorBy != "" && lo == hi {
		lo, hi = measurementRange(objs, style.ColorBy)
	}

	// detections first so annotation outlines stay on top
	for pass := 0; pass < 2; pass++ {
		for _, o := range objs {
			det := o.Kind().IsDetection()
			if (pass == 0) != det {
				continue
			}
			if det && style.HideDetections || !det && style.HideAnnotations {
				continue
			}

			c := colormap.ClassColor(o.Classification())
			if det && style.ColorBy != "" {
				v, ok := o.Measurement(style.ColorBy)
				if !ok || math.IsNaN(v) {
					continue
				}
				t := 0.5
				if hi > lo {
					t = (v - lo) / (hi - lo)
				}
				c = cmap.At(t)
			}

			lineWidth := 1.0
			if !det {
				lineWidth = 2
			}
			fill := det && (style.FillDetections || style.ColorBy != "")
			drawGeometry(dc, o.Geometry(), view, c, lineWidth, fill, opacity)
		}
	}
}

func drawGeometry(dc *gg.Context, g hierarchy.Geometry, view View, c color.Color, lineWidth float64, fill bool, opacity float64) {
	dc.ClearPath()
	if !g.IsArea() {
		dc.SetColor(c)
		for _, p := range g.Points {
			x, y := view.toTile(p)
			dc.DrawCircle(x, y, 3)
			dc.Fill()
		}
		return
	}
	for i, p := range g.Points {
		x, y := view.toTile(p)
		if i == 0 {
			dc.MoveTo(x, y)
		} else {
			dc.LineTo(x, y)
		}
	}
	dc.ClosePath()
	if fill {
		cr, cg, cb, _ := c.RGBA()
		dc.SetRGBA(float64(cr)/0xffff, float64(cg)/0xffff, float64(cb)/0xffff, opacity)
		dc.FillPreserve()
	}
	dc.SetColor(c)
	dc.SetLineWidth(lineWidth)
	dc.Stroke()
}

func measurementRange(objs []*hierarchy.PathObject, name string) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, o := range objs {
		if v, ok := o.Measurement(name); ok && !math.IsNaN(v) {
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
	}
	if lo > hi {
		return 0, 0
	}
	return lo, hi
}

// EncodePNG encodes img with the renderer's pooled buffers.
func (r *TileRenderer) EncodePNG(img image.Image) ([]byte, error) {
	return r.encode(img)
}

func (r *TileRenderer) encode(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptyTile creates an empty transparent tile.
func (r *TileRenderer) CreateEmptyTile() ([]byte, error) {
	return r.encode(image.NewNRGBA(image.Rect(0, 0, r.config.TileSize, r.config.TileSize)))
}
