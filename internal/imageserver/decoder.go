package imageserver

import (
	"context"
	"image"

	"github.com/pathtiles/server/internal/region"
)

// Decoder is the contract a format plugin fulfils. DecodeRegion is
// synchronous and returns exactly rect (level-local pixels) as an image of
// the same size. Decoders should wrap their failures with ErrIO or
// ErrDecode; anything else is reported as ErrDecode.
//
// Unless the decoder implements ConcurrentDecoder, the server never calls
// DecodeRegion concurrently.
type Decoder interface {
	Metadata() (region.Pyramid, error)
	Format() PixelFormat
	DecodeRegion(ctx context.Context, level int, rect image.Rectangle, z, t int) (image.Image, error)
	Close() error
}

// BlockDecoder is implemented by decoders that can only decode rectangles
// aligned to a fixed grid. The server decodes the aligned superset and crops.
type BlockDecoder interface {
	BlockSize() (w, h int)
}

// RegionLimiter is implemented by decoders with a maximum region size. Larger
// reads are split into chunks by the server.
type RegionLimiter interface {
	MaxRegionSize() (w, h int)
}

// ConcurrentDecoder is implemented by decoders that tolerate n concurrent
// DecodeRegion calls.
type ConcurrentDecoder interface {
	MaxConcurrency() int
}
