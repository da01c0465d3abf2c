//go:build !tiledb

package tiledb

import (
	"context"
	"fmt"
	"image"

	"github.com/pathtiles/server/internal/imageserver"
	"github.com/pathtiles/server/internal/region"
)

// Decoder is a stub when built without "-tags tiledb".
type Decoder struct {
	uri string
}

// Open still resolves and validates the path, so configuration mistakes are
// reported as such, but then fails with ErrUnsupported.
func Open(path string) (*Decoder, error) {
	uri, err := ResolveURI(path)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s (build with -tags tiledb)", imageserver.ErrUnsupported, uri)
}

func (d *Decoder) Metadata() (region.Pyramid, error) {
	return region.Pyramid{}, imageserver.ErrUnsupported
}

func (d *Decoder) Format() imageserver.PixelFormat { return imageserver.PixelFormat{} }

func (d *Decoder) DecodeRegion(ctx context.Context, level int, rect image.Rectangle, z, t int) (image.Image, error) {
	return nil, imageserver.ErrUnsupported
}

func (d *Decoder) MaxRegionSize() (w, h int) { return MaxRegion, MaxRegion }

func (d *Decoder) Close() error { return nil }
