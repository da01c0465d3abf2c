// Package raster serves flat image files as pyramids. The file is decoded
// once and the lower levels are built in memory by repeated halving.
package raster

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"io/fs"
	"os"
	"runtime"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/pathtiles/server/internal/imageserver"
	"github.com/pathtiles/server/internal/logging"
	"github.com/pathtiles/server/internal/region"
)

// DefaultTileSize is used when Open is given a non-positive tile size.
const DefaultTileSize = 256

// Decoder holds every level of a raster pyramid in memory. It is safe for
// concurrent use.
type Decoder struct {
	levels  []image.Image
	pyramid region.Pyramid
	format  imageserver.PixelFormat
}

// Open decodes the file at path.
func Open(path string, tileSize int) (*Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s not found", imageserver.ErrConfiguration, path)
		}
		return nil, fmt.Errorf("%w: %w", imageserver.ErrIO, err)
	}
	defer f.Close()
	return Decode(f, tileSize)
}

// Decode reads an encoded image from r.
func Decode(r io.Reader, tileSize int) (*Decoder, error) {
	img, name, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", imageserver.ErrDecode, err)
	}
	logging.Logger().Debug("raster decoded", "format", name, "width", img.Bounds().Dx(), "height", img.Bounds().Dy())
	return FromImage(img, tileSize)
}

// FromImage builds a pyramid over img. Levels halve in size until the
// shorter side fits in one tile.
func FromImage(img image.Image, tileSize int) (*Decoder, error) {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: empty image", imageserver.ErrConfiguration)
	}
	format := formatOf(img)
	base := imageserver.Crop(format, img, b)

	d := &Decoder{format: format, levels: []image.Image{base}}
	p := region.Pyramid{TileWidth: tileSize, TileHeight: tileSize}
	p.Levels = append(p.Levels, region.Level{Downsample: 1, Width: b.Dx(), Height: b.Dy()})

	prev := base
	for ds := 2; min(prev.Bounds().Dx(), prev.Bounds().Dy()) > tileSize; ds *= 2 {
		w, h := ceilDiv(b.Dx(), ds), ceilDiv(b.Dy(), ds)
		next := downsample(format, prev, w, h)
		d.levels = append(d.levels, next)
		p.Levels = append(p.Levels, region.Level{Downsample: float64(ds), Width: w, Height: h})
		prev = next
	}
	d.pyramid = p.Normalize()
	if err := d.pyramid.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// downsample resizes src to w x h. Eight-bit images use a Lanczos filter;
// sixteen-bit images go through a Catmull-Rom scaler that keeps full depth.
func downsample(f imageserver.PixelFormat, src image.Image, w, h int) image.Image {
	if f.BitDepth == 16 {
		dst := imageserver.NewImage(f, w, h)
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
		return dst
	}
	resized := imaging.Resize(src, w, h, imaging.Lanczos)
	return imageserver.Crop(f, resized, resized.Bounds())
}

func formatOf(img image.Image) imageserver.PixelFormat {
	switch m := img.(type) {
	case *image.Gray:
		return imageserver.PixelFormat{Channels: 1, BitDepth: 8}
	case *image.Gray16:
		return imageserver.PixelFormat{Channels: 1, BitDepth: 16}
	case *image.RGBA64:
		return imageserver.PixelFormat{Channels: channels(m), BitDepth: 16}
	case *image.NRGBA64:
		return imageserver.PixelFormat{Channels: channels(m), BitDepth: 16}
	default:
		return imageserver.PixelFormat{Channels: channels(img), BitDepth: 8}
	}
}

func channels(img image.Image) int {
	if o, ok := img.(interface{ Opaque() bool }); ok && !o.Opaque() {
		return 4
	}
	return 3
}

// Metadata returns the generated pyramid.
func (d *Decoder) Metadata() (region.Pyramid, error) { return d.pyramid, nil }

// Format returns the pixel format every level was converted to.
func (d *Decoder) Format() imageserver.PixelFormat { return d.format }

// MaxConcurrency allows one copy per CPU; the levels are read-only.
func (d *Decoder) MaxConcurrency() int { return runtime.GOMAXPROCS(0) }

// DecodeRegion copies rect out of the in-memory level.
func (d *Decoder) DecodeRegion(ctx context.Context, level int, rect image.Rectangle, z, t int) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if level < 0 || level >= len(d.levels) || z != 0 || t != 0 {
		return nil, fmt.Errorf("%w: level %d plane z=%d t=%d", imageserver.ErrOutOfBounds, level, z, t)
	}
	src := d.levels[level]
	if rect.Empty() || !rect.In(src.Bounds()) {
		return nil, fmt.Errorf("%w: %v outside %v", imageserver.ErrOutOfBounds, rect, src.Bounds())
	}
	return imageserver.Crop(d.format, src, rect), nil
}

// Close is a no-op; the levels are garbage collected with the decoder.
func (d *Decoder) Close() error { return nil }

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
