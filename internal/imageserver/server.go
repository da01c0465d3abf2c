package imageserver

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pathtiles/server/internal/cache"
	"github.com/pathtiles/server/internal/logging"
	"github.com/pathtiles/server/internal/region"
)

// TileCache is the decoded tile cache type shared by all servers.
type TileCache = cache.TileCache[*Tile]

// NewTileCache creates a tile cache with the given byte budget.
func NewTileCache(budgetBytes int64) (*TileCache, error) {
	return cache.NewTileCache[*Tile](budgetBytes)
}

// Server reads regions of one pyramidal image. Implementations are safe for
// concurrent use.
type Server interface {
	ID() string
	Metadata() (region.Pyramid, error)
	ReadRegion(ctx context.Context, r region.Region) (*Tile, error)
	Close() error
}

// DecoderServer serves regions from a Decoder through the shared tile cache.
type DecoderServer struct {
	id     string
	dec    Decoder
	meta   region.Pyramid
	format PixelFormat
	tiles  *TileCache

	// handle pool; decoders without ConcurrentDecoder get one handle
	sem            *semaphore.Weighted
	maxConcurrency int

	blockW, blockH int
	maxW, maxH     int

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Option configures a DecoderServer.
type Option func(*DecoderServer)

// WithMaxConcurrency caps the number of concurrent decodes at n. The cap
// never raises the decoder's own handle pool size. Values below 1 are
// ignored.
func WithMaxConcurrency(n int) Option {
	return func(s *DecoderServer) {
		s.maxConcurrency = n
	}
}

// NewDecoderServer validates the decoder's metadata and wraps it in a server.
// Metadata problems are reported as ErrConfiguration.
func NewDecoderServer(id string, dec Decoder, tiles *TileCache, opts ...Option) (*DecoderServer, error) {
	if tiles == nil {
		return nil, fmt.Errorf("%w: nil tile cache", ErrConfiguration)
	}
	meta, err := dec.Metadata()
	if err != nil {
		if errors.Is(err, ErrConfiguration) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reading metadata: %w", ErrConfiguration, err)
	}
	meta = meta.Normalize()
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	format := dec.Format()
	if err := format.Validate(); err != nil {
		return nil, err
	}

	s := &DecoderServer{
		id:     id,
		dec:    dec,
		meta:   meta,
		format: format,
		tiles:  tiles,
	}
	for _, opt := range opts {
		opt(s)
	}
	handles := 1
	if cd, ok := dec.(ConcurrentDecoder); ok && cd.MaxConcurrency() > 1 {
		handles = cd.MaxConcurrency()
	}
	if s.maxConcurrency >= 1 {
		handles = min(handles, s.maxConcurrency)
	}
	s.sem = semaphore.NewWeighted(int64(handles))
	if bd, ok := dec.(BlockDecoder); ok {
		s.blockW, s.blockH = bd.BlockSize()
	}
	if rl, ok := dec.(RegionLimiter); ok {
		s.maxW, s.maxH = rl.MaxRegionSize()
	}
	if s.blockW < 0 || s.blockH < 0 || s.maxW < 0 || s.maxH < 0 {
		return nil, fmt.Errorf("%w: negative block or region size", ErrConfiguration)
	}

	logging.Logger().Info("image server opened",
		"id", id, "levels", len(meta.Levels),
		"width", meta.Width(), "height", meta.Height(),
		"channels", format.Channels, "bit_depth", format.BitDepth)
	return s, nil
}

// ID returns the server identifier used in cache keys.
func (s *DecoderServer) ID() string { return s.id }

// Metadata returns the validated pyramid metadata.
func (s *DecoderServer) Metadata() (region.Pyramid, error) { return s.meta, nil }

// Format returns the pixel format of decoded tiles.
func (s *DecoderServer) Format() PixelFormat { return s.format }

// ReadRegion returns the pixels of r, decoding on a cache miss.
func (s *DecoderServer) ReadRegion(ctx context.Context, r region.Region) (*Tile, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := s.meta.Contains(r); err != nil {
		return nil, err
	}
	return s.tiles.GetOrCompute(ctx, cache.Key{ServerID: s.id, Region: r}, func(ctx context.Context) (*Tile, error) {
		img, err := s.decode(ctx, r)
		if err != nil {
			return nil, err
		}
		return newTile(s.id, r, img), nil
	})
}

func (s *DecoderServer) decode(ctx context.Context, r region.Region) (image.Image, error) {
	lv := s.meta.Levels[r.Level]
	want := image.Rect(r.X, r.Y, r.MaxX(), r.MaxY())
	aligned := alignRect(want, s.blockW, s.blockH, lv.Width, lv.Height)
	chunks := splitRect(aligned, s.maxW, s.maxH, s.blockW, s.blockH)

	if len(chunks) == 1 {
		img, err := s.decodeChunk(ctx, r, aligned)
		if err != nil {
			return nil, err
		}
		if aligned == want && img.Bounds().Min == (image.Point{}) {
			return img, nil
		}
		return Crop(s.format, img, want.Sub(aligned.Min).Add(img.Bounds().Min)), nil
	}

	out := NewImage(s.format, aligned.Dx(), aligned.Dy())
	g, gctx := errgroup.WithContext(ctx)
	for _, chunk := range chunks {
		g.Go(func() error {
			img, err := s.decodeChunk(gctx, r, chunk)
			if err != nil {
				return err
			}
			// chunks are disjoint so concurrent copies never overlap
			draw.Copy(out, chunk.Min.Sub(aligned.Min), img, img.Bounds(), draw.Src, nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	logging.Logger().Debug("decoded region in chunks", "server", s.id, "region", r.String(), "chunks", len(chunks))
	if aligned == want {
		return out, nil
	}
	return Crop(s.format, out, want.Sub(aligned.Min)), nil
}

func (s *DecoderServer) decodeChunk(ctx context.Context, r region.Region, rect image.Rectangle) (image.Image, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	img, err := s.dec.DecodeRegion(ctx, r.Level, rect, r.Z, r.T)
	if err != nil {
		switch {
		case errors.Is(err, ErrIO), errors.Is(err, ErrDecode), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("server %s: decoding %v at level %d: %w", s.id, rect, r.Level, err)
		default:
			return nil, fmt.Errorf("server %s: decoding %v at level %d: %w: %w", s.id, rect, r.Level, ErrDecode, err)
		}
	}
	if img == nil || img.Bounds().Dx() != rect.Dx() || img.Bounds().Dy() != rect.Dy() {
		return nil, fmt.Errorf("%w: server %s: decoder returned wrong size for %v", ErrDecode, s.id, rect)
	}
	return img, nil
}

// Close invalidates this server's cache entries and closes the decoder.
func (s *DecoderServer) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		n := s.tiles.Invalidate(s.id)
		s.closeErr = s.dec.Close()
		logging.Logger().Info("image server closed", "id", s.id, "dropped_tiles", n)
	})
	return s.closeErr
}

// alignRect expands r to the block grid, clipped to the level size.
func alignRect(r image.Rectangle, bw, bh, levelW, levelH int) image.Rectangle {
	if bw > 0 {
		r.Min.X = (r.Min.X / bw) * bw
		r.Max.X = min(ceilDiv(r.Max.X, bw)*bw, levelW)
	}
	if bh > 0 {
		r.Min.Y = (r.Min.Y / bh) * bh
		r.Max.Y = min(ceilDiv(r.Max.Y, bh)*bh, levelH)
	}
	return r
}

// splitRect cuts r into chunks no larger than maxW x maxH. Chunk sizes are
// kept to whole blocks so every chunk stays aligned.
func splitRect(r image.Rectangle, maxW, maxH, bw, bh int) []image.Rectangle {
	stepX, stepY := r.Dx(), r.Dy()
	if maxW > 0 && maxW < stepX {
		stepX = maxW
		if bw > 0 {
			stepX = max(bw, (maxW/bw)*bw)
		}
	}
	if maxH > 0 && maxH < stepY {
		stepY = maxH
		if bh > 0 {
			stepY = max(bh, (maxH/bh)*bh)
		}
	}
	var chunks []image.Rectangle
	for y := r.Min.Y; y < r.Max.Y; y += stepY {
		for x := r.Min.X; x < r.Max.X; x += stepX {
			chunks = append(chunks, image.Rect(x, y, min(x+stepX, r.Max.X), min(y+stepY, r.Max.Y)))
		}
	}
	return chunks
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
