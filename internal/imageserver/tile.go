// Package imageserver reads rectangular regions of pyramidal images through
// pluggable decoders and a shared tile cache.
package imageserver

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/pathtiles/server/internal/region"
)

var (
	// ErrConfiguration reports inconsistent image metadata. Fatal to opening.
	ErrConfiguration = region.ErrConfiguration
	// ErrOutOfBounds reports a region outside the image. Never clamped.
	ErrOutOfBounds = region.ErrOutOfBounds
	// ErrIO reports a failure reading the underlying source.
	ErrIO = errors.New("image source I/O error")
	// ErrDecode reports pixel data that could not be decoded.
	ErrDecode = errors.New("image decode error")
	// ErrClosed is returned by reads on a closed server.
	ErrClosed = errors.New("image server closed")
	// ErrUnsupported is returned by decoders compiled without their backend.
	ErrUnsupported = errors.New("image format not supported in this build")
)

// PixelFormat describes the channel count and bit depth a decoder produces.
type PixelFormat struct {
	Channels int `json:"channels"`
	BitDepth int `json:"bit_depth"`
}

// Validate rejects formats the servers cannot compose.
func (f PixelFormat) Validate() error {
	switch f.Channels {
	case 1, 3, 4:
	default:
		return fmt.Errorf("%w: %d channels", ErrConfiguration, f.Channels)
	}
	if f.BitDepth != 8 && f.BitDepth != 16 {
		return fmt.Errorf("%w: bit depth %d", ErrConfiguration, f.BitDepth)
	}
	return nil
}

// Tile holds the decoded pixels of exactly one region. Tiles are shared
// between callers through the cache and must not be modified.
type Tile struct {
	ServerID string
	Region   region.Region
	Image    image.Image
	size     int64
}

func newTile(serverID string, r region.Region, img image.Image) *Tile {
	return &Tile{ServerID: serverID, Region: r, Image: img, size: imageBytes(img)}
}

// SizeBytes returns the memory cost of the tile's pixels.
func (t *Tile) SizeBytes() int64 {
	if t.size == 0 && t.Image != nil {
		return imageBytes(t.Image)
	}
	return t.size
}

func imageBytes(img image.Image) int64 {
	switch m := img.(type) {
	case *image.Gray:
		return int64(len(m.Pix))
	case *image.Gray16:
		return int64(len(m.Pix))
	case *image.RGBA:
		return int64(len(m.Pix))
	case *image.NRGBA:
		return int64(len(m.Pix))
	case *image.RGBA64:
		return int64(len(m.Pix))
	case *image.NRGBA64:
		return int64(len(m.Pix))
	case *image.YCbCr:
		return int64(len(m.Y) + len(m.Cb) + len(m.Cr))
	case *image.Paletted:
		return int64(len(m.Pix) + 4*len(m.Palette))
	case nil:
		return 0
	default:
		b := img.Bounds()
		return int64(b.Dx()) * int64(b.Dy()) * 4
	}
}

// NewImage allocates a zeroed image for a pixel format.
func NewImage(f PixelFormat, w, h int) draw.Image {
	r := image.Rect(0, 0, w, h)
	switch {
	case f.Channels == 1 && f.BitDepth == 16:
		return image.NewGray16(r)
	case f.Channels == 1:
		return image.NewGray(r)
	case f.BitDepth == 16:
		return image.NewRGBA64(r)
	default:
		return image.NewRGBA(r)
	}
}

// Crop copies rect (in src coordinates) into a new image of the given format
// with its origin at zero.
func Crop(f PixelFormat, src image.Image, rect image.Rectangle) image.Image {
	dst := NewImage(f, rect.Dx(), rect.Dy())
	draw.Copy(dst, image.Point{}, src, rect, draw.Src, nil)
	return dst
}
