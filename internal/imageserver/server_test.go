package imageserver

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pathtiles/server/internal/region"
)

// fakeDecoder produces a deterministic gray gradient and records its calls.
type fakeDecoder struct {
	meta   region.Pyramid
	format PixelFormat
	delay  time.Duration

	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32

	mu    sync.Mutex
	rects []image.Rectangle
	fail  error

	closed atomic.Bool
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{
		meta: region.Pyramid{
			Levels: []region.Level{
				{Downsample: 1, Width: 200, Height: 150},
				{Downsample: 2, Width: 100, Height: 75},
			},
		},
		format: PixelFormat{Channels: 1, BitDepth: 8},
	}
}

func pixelAt(level, x, y int) uint8 {
	return uint8((x + 3*y + 7*level) % 251)
}

func (d *fakeDecoder) Metadata() (region.Pyramid, error) { return d.meta, nil }
func (d *fakeDecoder) Format() PixelFormat                { return d.format }
func (d *fakeDecoder) Close() error                       { d.closed.Store(true); return nil }

func (d *fakeDecoder) DecodeRegion(ctx context.Context, level int, rect image.Rectangle, z, t int) (image.Image, error) {
	d.calls.Add(1)
	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		seen := d.maxSeen.Load()
		if n <= seen || d.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	d.mu.Lock()
	d.rects = append(d.rects, rect)
	fail := d.fail
	d.mu.Unlock()

	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if fail != nil {
		return nil, fail
	}
	img := image.NewGray(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	for y := 0; y < rect.Dy(); y++ {
		for x := 0; x < rect.Dx(); x++ {
			img.SetGray(x, y, color.Gray{Y: pixelAt(level, rect.Min.X+x, rect.Min.Y+y)})
		}
	}
	return img, nil
}

type blockDecoder struct {
	*fakeDecoder
	bw, bh int
}

func (d *blockDecoder) BlockSize() (int, int) { return d.bw, d.bh }

type limitedDecoder struct {
	*fakeDecoder
	mw, mh int
}

func (d *limitedDecoder) MaxRegionSize() (int, int) { return d.mw, d.mh }

func newCache(t *testing.T) *TileCache {
	t.Helper()
	c, err := NewTileCache(64 << 20)
	if err != nil {
		t.Fatalf("NewTileCache: %v", err)
	}
	return c
}

func checkPixels(t *testing.T, tile *Tile) {
	t.Helper()
	r := tile.Region
	b := tile.Image.Bounds()
	if b.Dx() != r.Width || b.Dy() != r.Height {
		t.Fatalf("tile size %dx%d, want %dx%d", b.Dx(), b.Dy(), r.Width, r.Height)
	}
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			got := color.GrayModel.Convert(tile.Image.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
			want := pixelAt(r.Level, r.X+x, r.Y+y)
			if got != want {
				t.Fatalf("pixel (%d,%d) of %s = %d, want %d", x, y, r, got, want)
			}
		}
	}
}

func TestReadRegion(t *testing.T) {
	dec := newFakeDecoder()
	s, err := NewDecoderServer("s1", dec, newCache(t))
	if err != nil {
		t.Fatalf("NewDecoderServer: %v", err)
	}
	defer s.Close()

	r := region.New(1, 10, 20, 30, 15)
	tile, err := s.ReadRegion(context.Background(), r)
	if err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}
	if tile.Region != r || tile.ServerID != "s1" {
		t.Fatalf("tile identity = %s/%s", tile.ServerID, tile.Region)
	}
	checkPixels(t, tile)

	again, err := s.ReadRegion(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if again != tile {
		t.Fatal("second read should be served from cache")
	}
	if dec.calls.Load() != 1 {
		t.Fatalf("decoder calls = %d, want 1", dec.calls.Load())
	}
}

func TestReadRegionOutOfBounds(t *testing.T) {
	dec := newFakeDecoder()
	s, _ := NewDecoderServer("s1", dec, newCache(t))
	for _, r := range []region.Region{
		region.New(0, 190, 0, 20, 10),
		region.New(2, 0, 0, 1, 1),
		{Level: 0, Width: 1, Height: 1, Z: 1},
	} {
		if _, err := s.ReadRegion(context.Background(), r); !errors.Is(err, ErrOutOfBounds) {
			t.Fatalf("ReadRegion(%s) = %v, want ErrOutOfBounds", r, err)
		}
	}
	if dec.calls.Load() != 0 {
		t.Fatal("out of bounds reads must not reach the decoder")
	}
}

func TestBlockDecoderSupersetCrop(t *testing.T) {
	dec := &blockDecoder{fakeDecoder: newFakeDecoder(), bw: 16, bh: 16}
	s, err := NewDecoderServer("blk", dec, newCache(t))
	if err != nil {
		t.Fatal(err)
	}
	r := region.New(0, 5, 5, 10, 10)
	tile, err := s.ReadRegion(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	checkPixels(t, tile)
	dec.mu.Lock()
	defer dec.mu.Unlock()
	if len(dec.rects) != 1 || dec.rects[0] != image.Rect(0, 0, 16, 16) {
		t.Fatalf("decoder saw %v, want aligned [0,0,16,16]", dec.rects)
	}
}

func TestBlockAlignmentClipsToLevel(t *testing.T) {
	dec := &blockDecoder{fakeDecoder: newFakeDecoder(), bw: 64, bh: 64}
	s, _ := NewDecoderServer("blk", dec, newCache(t))
	r := region.New(0, 190, 140, 10, 10)
	tile, err := s.ReadRegion(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	checkPixels(t, tile)
	dec.mu.Lock()
	defer dec.mu.Unlock()
	if got := dec.rects[0]; got != image.Rect(128, 128, 200, 150) {
		t.Fatalf("decoder saw %v", got)
	}
}

func TestRegionLimiterChunks(t *testing.T) {
	dec := &limitedDecoder{fakeDecoder: newFakeDecoder(), mw: 32, mh: 32}
	s, _ := NewDecoderServer("lim", dec, newCache(t))
	r := region.New(0, 3, 4, 100, 70)
	tile, err := s.ReadRegion(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	checkPixels(t, tile)
	if got := dec.calls.Load(); got != 12 {
		t.Fatalf("decoder calls = %d, want 12 chunks", got)
	}
	dec.mu.Lock()
	defer dec.mu.Unlock()
	for _, rect := range dec.rects {
		if rect.Dx() > 32 || rect.Dy() > 32 {
			t.Fatalf("chunk %v exceeds limit", rect)
		}
	}
	if dec.maxSeen.Load() != 1 {
		t.Fatalf("decoder without ConcurrentDecoder saw %d concurrent calls", dec.maxSeen.Load())
	}
}

type pooledDecoder struct {
	*limitedDecoder
	handles int
}

func (d *pooledDecoder) MaxConcurrency() int { return d.handles }

func TestMaxConcurrency(t *testing.T) {
	for _, tc := range []struct {
		name    string
		handles int
		opts    []Option
		want    int32
	}{
		{"decoder pool", 4, nil, 4},
		{"capped", 4, []Option{WithMaxConcurrency(2)}, 2},
		{"cap never raises", 2, []Option{WithMaxConcurrency(8)}, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fd := newFakeDecoder()
			fd.delay = 20 * time.Millisecond
			dec := &pooledDecoder{limitedDecoder: &limitedDecoder{fakeDecoder: fd, mw: 32, mh: 32}, handles: tc.handles}
			s, err := NewDecoderServer("pool", dec, newCache(t), tc.opts...)
			if err != nil {
				t.Fatal(err)
			}
			// 4x3 chunks, more than any pool here
			if _, err := s.ReadRegion(context.Background(), region.New(0, 0, 0, 128, 96)); err != nil {
				t.Fatal(err)
			}
			if got := fd.maxSeen.Load(); got > tc.want {
				t.Fatalf("saw %d concurrent decodes, limit %d", got, tc.want)
			}
		})
	}
}

func TestConcurrentReadsShareOneDecode(t *testing.T) {
	dec := newFakeDecoder()
	dec.delay = 100 * time.Millisecond
	s, _ := NewDecoderServer("slow", dec, newCache(t))

	r := region.New(0, 0, 0, 64, 64)
	var wg sync.WaitGroup
	tiles := make([]*Tile, 2)
	errs := make([]error, 2)
	for i := range tiles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tiles[i], errs[i] = s.ReadRegion(context.Background(), r)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("reader %d: %v", i, err)
		}
	}
	if dec.calls.Load() != 1 {
		t.Fatalf("decoder calls = %d, want 1", dec.calls.Load())
	}
	if tiles[0] != tiles[1] {
		t.Fatal("readers should receive the same tile")
	}
}

func TestDecodeFailureNotCached(t *testing.T) {
	dec := newFakeDecoder()
	dec.fail = errors.New("corrupt block")
	s, _ := NewDecoderServer("bad", dec, newCache(t))
	r := region.New(0, 0, 0, 8, 8)

	if _, err := s.ReadRegion(context.Background(), r); !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}

	dec.mu.Lock()
	dec.fail = fmt.Errorf("%w: disk gone", ErrIO)
	dec.mu.Unlock()
	_, err := s.ReadRegion(context.Background(), r)
	if !errors.Is(err, ErrIO) || errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrIO only", err)
	}

	dec.mu.Lock()
	dec.fail = nil
	dec.mu.Unlock()
	tile, err := s.ReadRegion(context.Background(), r)
	if err != nil {
		t.Fatalf("read after recovery: %v", err)
	}
	checkPixels(t, tile)
}

func TestCloseInvalidates(t *testing.T) {
	dec := newFakeDecoder()
	tiles := newCache(t)
	s, _ := NewDecoderServer("c", dec, tiles)
	if _, err := s.ReadRegion(context.Background(), region.New(0, 0, 0, 8, 8)); err != nil {
		t.Fatal(err)
	}
	if tiles.Len() != 1 {
		t.Fatalf("cache len = %d", tiles.Len())
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if tiles.Len() != 0 {
		t.Fatal("close should drop the server's tiles")
	}
	if !dec.closed.Load() {
		t.Fatal("decoder not closed")
	}
	if _, err := s.ReadRegion(context.Background(), region.New(0, 0, 0, 8, 8)); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestInvalidMetadataRejected(t *testing.T) {
	dec := newFakeDecoder()
	dec.meta.Levels[1].Downsample = 1
	if _, err := NewDecoderServer("x", dec, newCache(t)); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}

	dec = newFakeDecoder()
	dec.format = PixelFormat{Channels: 2, BitDepth: 8}
	if _, err := NewDecoderServer("x", dec, newCache(t)); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestSplitRect(t *testing.T) {
	chunks := splitRect(image.Rect(0, 0, 100, 50), 40, 0, 16, 16)
	// 40 rounds down to 32 so chunks stay block aligned
	want := []image.Rectangle{
		image.Rect(0, 0, 32, 50),
		image.Rect(32, 0, 64, 50),
		image.Rect(64, 0, 96, 50),
		image.Rect(96, 0, 100, 50),
	}
	if len(chunks) != len(want) {
		t.Fatalf("chunks = %v", chunks)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Fatalf("chunk %d = %v, want %v", i, chunks[i], want[i])
		}
	}
}

func TestTileSizeBytes(t *testing.T) {
	tile := newTile("s", region.New(0, 0, 0, 10, 10), image.NewRGBA(image.Rect(0, 0, 10, 10)))
	if tile.SizeBytes() != 400 {
		t.Fatalf("SizeBytes = %d, want 400", tile.SizeBytes())
	}
	g16 := &Tile{Image: image.NewGray16(image.Rect(0, 0, 10, 10))}
	if g16.SizeBytes() != 200 {
		t.Fatalf("SizeBytes = %d, want 200", g16.SizeBytes())
	}
}
