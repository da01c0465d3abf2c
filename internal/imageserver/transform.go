package imageserver

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/disintegration/imaging"
	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/pathtiles/server/internal/cache"
	"github.com/pathtiles/server/internal/region"
)

// Transform maps the pixels of a tile to new pixels of the same size.
// It must not modify its input.
type Transform func(img image.Image) (image.Image, error)

// TransformServer wraps another server and transforms every tile it reads.
// Metadata is forwarded unchanged unless overridden, and reads always go
// through the inner server so its cache is never bypassed. Transformed tiles
// are cached under the wrapper's own id.
type TransformServer struct {
	id    string
	inner Server
	fn    Transform
	tiles *TileCache
	meta  *region.Pyramid

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// TransformOption configures a TransformServer.
type TransformOption func(*TransformServer)

// WithMetadata overrides the forwarded metadata.
func WithMetadata(p region.Pyramid) TransformOption {
	return func(s *TransformServer) { s.meta = &p }
}

// NewTransformServer wraps inner; name distinguishes the wrapper in cache keys.
func NewTransformServer(inner Server, name string, fn Transform, tiles *TileCache, opts ...TransformOption) *TransformServer {
	s := &TransformServer{
		id:    inner.ID() + "+" + name,
		inner: inner,
		fn:    fn,
		tiles: tiles,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the wrapper id.
func (s *TransformServer) ID() string { return s.id }

// Inner returns the wrapped server.
func (s *TransformServer) Inner() Server { return s.inner }

// Metadata forwards the inner metadata unless overridden.
func (s *TransformServer) Metadata() (region.Pyramid, error) {
	if s.meta != nil {
		return *s.meta, nil
	}
	return s.inner.Metadata()
}

// ReadRegion reads r from the inner server and applies the transform.
func (s *TransformServer) ReadRegion(ctx context.Context, r region.Region) (*Tile, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	meta, err := s.Metadata()
	if err != nil {
		return nil, err
	}
	if err := meta.Contains(r); err != nil {
		return nil, err
	}
	return s.tiles.GetOrCompute(ctx, cache.Key{ServerID: s.id, Region: r}, func(ctx context.Context) (*Tile, error) {
		src, err := s.inner.ReadRegion(ctx, r)
		if err != nil {
			return nil, err
		}
		img, err := s.fn(src.Image)
		if err != nil {
			return nil, fmt.Errorf("%w: transform %s: %w", ErrDecode, s.id, err)
		}
		return newTile(s.id, r, img), nil
	})
}

// Close drops the wrapper's cached tiles and closes the inner server.
func (s *TransformServer) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.tiles.Invalidate(s.id)
		s.closeErr = s.inner.Close()
	})
	return s.closeErr
}

// Grayscale converts tiles to luminance.
func Grayscale(img image.Image) (image.Image, error) {
	return imaging.Grayscale(img), nil
}

// Invert inverts colours.
func Invert(img image.Image) (image.Image, error) {
	return imaging.Invert(img), nil
}

// Gamma returns a transform applying gamma correction g (1 is identity).
func Gamma(g float64) Transform {
	return func(img image.Image) (image.Image, error) {
		if g <= 0 {
			return nil, fmt.Errorf("gamma must be positive, got %g", g)
		}
		return imaging.AdjustGamma(img, g), nil
	}
}

// LinearRGB converts sRGB-encoded pixels to linear light, keeping 16 bits
// per channel.
func LinearRGB(img image.Image) (image.Image, error) {
	b := img.Bounds()
	out := image.NewRGBA64(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			px := img.At(x, y)
			_, _, _, a := px.RGBA()
			c, ok := colorful.MakeColor(px)
			if !ok {
				continue
			}
			lr, lg, lb := c.LinearRgb()
			out.SetRGBA64(x-b.Min.X, y-b.Min.Y, color.RGBA64{
				R: uint16(clamp01(lr) * float64(a)),
				G: uint16(clamp01(lg) * float64(a)),
				B: uint16(clamp01(lb) * float64(a)),
				A: uint16(a),
			})
		}
	}
	return out, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ParseTransform resolves a transform spec such as "grayscale", "invert",
// "linear" or "gamma:0.8". The returned name is used for the wrapper id.
func ParseTransform(spec string) (string, Transform, error) {
	name, arg, _ := strings.Cut(strings.TrimSpace(spec), ":")
	switch strings.ToLower(name) {
	case "grayscale", "greyscale":
		return "grayscale", Grayscale, nil
	case "invert":
		return "invert", Invert, nil
	case "linear":
		return "linear", LinearRGB, nil
	case "gamma":
		g, err := strconv.ParseFloat(arg, 64)
		if err != nil || g <= 0 {
			return "", nil, fmt.Errorf("%w: invalid gamma %q", ErrConfiguration, arg)
		}
		return "gamma" + arg, Gamma(g), nil
	default:
		return "", nil, fmt.Errorf("%w: unknown transform %q", ErrConfiguration, spec)
	}
}

// Wrap applies a chain of transform specs to a server, innermost first.
func Wrap(s Server, tiles *TileCache, specs ...string) (Server, error) {
	for _, spec := range specs {
		name, fn, err := ParseTransform(spec)
		if err != nil {
			return nil, err
		}
		s = NewTransformServer(s, name, fn, tiles)
	}
	return s, nil
}
