package zarr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/pathtiles/server/internal/imageserver"
	"github.com/pathtiles/server/internal/region"
)

type arraySpec struct {
	shape    []int
	chunk    []int
	dtype    string
	codecs   []codec
	fill     any
	names    []string
	value    func(idx []int) uint16
	skip     func(chunk []int) bool
	truncate bool
}

var (
	zstdCodecs = []codec{{Name: "bytes", Configuration: map[string]any{"endian": "little"}}, {Name: "zstd", Configuration: map[string]any{"level": 3}}}
	gzipBig    = []codec{{Name: "bytes", Configuration: map[string]any{"endian": "big"}}, {Name: "gzip"}}
	rawCodecs  = []codec{{Name: "bytes"}}
)

func eachIndex(shape []int, fn func(idx []int)) {
	idx := make([]int, len(shape))
	for {
		fn(idx)
		d := len(shape) - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			return
		}
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeArray(t *testing.T, dir string, a arraySpec) {
	t.Helper()
	meta := arrayMeta{
		Shape:          a.shape,
		DataType:       a.dtype,
		FillValue:      a.fill,
		Codecs:         a.codecs,
		DimensionNames: a.names,
		ZarrFormat:     3,
		NodeType:       "array",
	}
	meta.ChunkGrid.Name = "regular"
	meta.ChunkGrid.Configuration.ChunkShape = a.chunk
	meta.ChunkKeyEncoding.Name = "default"
	writeJSON(t, filepath.Join(dir, "zarr.json"), meta)

	size, err := dtypeSize(a.dtype)
	if err != nil {
		t.Fatal(err)
	}
	bigEndian, _, err := parseCodecs(a.codecs)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()

	grid := make([]int, len(a.shape))
	for d := range grid {
		grid[d] = ceilDiv(a.shape[d], a.chunk[d])
	}
	eachIndex(grid, func(cidx []int) {
		if a.skip != nil && a.skip(cidx) {
			return
		}
		shape := a.chunk
		if a.truncate {
			shape = truncatedShape(&meta, cidx)
		}
		buf := make([]byte, 0, product(shape)*size)
		global := make([]int, len(shape))
		eachIndex(shape, func(local []int) {
			var v uint16
			inside := true
			for d := range local {
				global[d] = cidx[d]*a.chunk[d] + local[d]
				if global[d] >= a.shape[d] {
					inside = false
				}
			}
			if inside {
				v = a.value(global)
			}
			switch {
			case size == 1:
				buf = append(buf, byte(v))
			case bigEndian:
				buf = append(buf, byte(v>>8), byte(v))
			default:
				buf = append(buf, byte(v), byte(v>>8))
			}
		})
		for _, c := range a.codecs {
			switch c.Name {
			case "zstd":
				buf = enc.EncodeAll(buf, nil)
			case "gzip":
				var gz bytes.Buffer
				zw := gzip.NewWriter(&gz)
				if _, err := zw.Write(buf); err != nil {
					t.Fatal(err)
				}
				if err := zw.Close(); err != nil {
					t.Fatal(err)
				}
				buf = gz.Bytes()
			}
		}
		p := filepath.Join(dir, filepath.FromSlash(chunkKey(&meta, cidx)))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, buf, 0o644); err != nil {
			t.Fatal(err)
		}
	})
}

func writeGroup(t *testing.T, dir string, axes []axis, scales ...[]float64) {
	t.Helper()
	ms := multiscale{Axes: axes}
	for i, s := range scales {
		ds := dataset{Path: string(rune('0' + i))}
		if s != nil {
			ds.CoordinateTransformations = []transform{{Type: "scale", Scale: s}}
		}
		ms.Datasets = append(ms.Datasets, ds)
	}
	writeJSON(t, filepath.Join(dir, "zarr.json"), map[string]any{
		"zarr_format": 3,
		"node_type":   "group",
		"attributes":  map[string]any{"multiscales": []multiscale{ms}},
	})
}

func grayValue(level int) func(idx []int) uint16 {
	return func(idx []int) uint16 { return uint16((idx[1] + 2*idx[0] + 50*level) % 256) }
}

// grayStore writes a two-level 40x30 / 20x15 uint8 image with 16x16 chunks.
func grayStore(t *testing.T, truncate bool, skip func([]int) bool) string {
	t.Helper()
	dir := t.TempDir()
	writeGroup(t, dir, []axis{{Name: "y", Type: "space"}, {Name: "x", Type: "space"}}, []float64{1, 1}, []float64{2, 2})
	writeArray(t, filepath.Join(dir, "0"), arraySpec{
		shape: []int{30, 40}, chunk: []int{16, 16}, dtype: "uint8",
		codecs: zstdCodecs, value: grayValue(0), truncate: truncate,
	})
	writeArray(t, filepath.Join(dir, "1"), arraySpec{
		shape: []int{15, 20}, chunk: []int{16, 16}, dtype: "uint8", fill: 7,
		codecs: zstdCodecs, value: grayValue(1), truncate: truncate, skip: skip,
	})
	return dir
}

func checkGray(t *testing.T, img image.Image, rect image.Rectangle, want func(x, y int) uint8) {
	t.Helper()
	g, ok := img.(*image.Gray)
	if !ok {
		t.Fatalf("image type %T, want *image.Gray", img)
	}
	if g.Bounds().Dx() != rect.Dx() || g.Bounds().Dy() != rect.Dy() {
		t.Fatalf("image size %v, want %v", g.Bounds(), rect)
	}
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			if got := g.GrayAt(x-rect.Min.X, y-rect.Min.Y).Y; got != want(x, y) {
				t.Fatalf("pixel (%d,%d) = %d, want %d", x, y, got, want(x, y))
			}
		}
	}
}

func TestOpenMultiscale(t *testing.T) {
	d, err := Open(grayStore(t, false, nil))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	p, _ := d.Metadata()
	want := []region.Level{{Downsample: 1, Width: 40, Height: 30}, {Downsample: 2, Width: 20, Height: 15}}
	if len(p.Levels) != 2 || p.Levels[0] != want[0] || p.Levels[1] != want[1] {
		t.Fatalf("levels = %+v", p.Levels)
	}
	if p.TileWidth != 16 || p.TileHeight != 16 || p.SizeZ != 1 || p.SizeT != 1 {
		t.Fatalf("pyramid = %+v", p)
	}
	if f := d.Format(); f != (imageserver.PixelFormat{Channels: 1, BitDepth: 8}) {
		t.Fatalf("format = %+v", f)
	}
	if w, h := d.BlockSize(); w != 16 || h != 16 {
		t.Fatalf("block = %dx%d", w, h)
	}
}

func TestDecodeRegionAcrossChunks(t *testing.T) {
	for _, truncate := range []bool{false, true} {
		name := "padded"
		if truncate {
			name = "truncated"
		}
		t.Run(name, func(t *testing.T) {
			d, err := Open(grayStore(t, truncate, nil))
			if err != nil {
				t.Fatal(err)
			}
			defer d.Close()

			for _, rect := range []image.Rectangle{
				image.Rect(5, 3, 37, 29),
				image.Rect(0, 0, 40, 30),
				image.Rect(16, 16, 17, 17),
			} {
				img, err := d.DecodeRegion(context.Background(), 0, rect, 0, 0)
				if err != nil {
					t.Fatalf("DecodeRegion(%v): %v", rect, err)
				}
				checkGray(t, img, rect, func(x, y int) uint8 { return uint8(grayValue(0)([]int{y, x})) })
			}
		})
	}
}

func TestMissingChunkIsFill(t *testing.T) {
	d, err := Open(grayStore(t, false, func(c []int) bool { return c[1] == 1 }))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	rect := image.Rect(10, 0, 20, 15)
	img, err := d.DecodeRegion(context.Background(), 1, rect, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	checkGray(t, img, rect, func(x, y int) uint8 {
		if x >= 16 {
			return 7
		}
		return uint8(grayValue(1)([]int{y, x}))
	})
}

func rgbValue(idx []int) uint16 {
	c, y, x := idx[0], idx[1], idx[2]
	return uint16(c*1000 + x*10 + y)
}

func TestDecodeRGB16(t *testing.T) {
	for _, cc := range []int{1, 3} {
		t.Run(string(rune('0'+cc))+"-channel chunks", func(t *testing.T) {
			dir := t.TempDir()
			writeGroup(t, dir, []axis{{Name: "c", Type: "channel"}, {Name: "y"}, {Name: "x"}}, nil)
			writeArray(t, filepath.Join(dir, "0"), arraySpec{
				shape: []int{3, 20, 20}, chunk: []int{cc, 8, 8}, dtype: "uint16",
				codecs: gzipBig, value: rgbValue,
			})
			d, err := Open(dir)
			if err != nil {
				t.Fatal(err)
			}
			defer d.Close()
			if f := d.Format(); f != (imageserver.PixelFormat{Channels: 3, BitDepth: 16}) {
				t.Fatalf("format = %+v", f)
			}

			rect := image.Rect(3, 5, 19, 20)
			img, err := d.DecodeRegion(context.Background(), 0, rect, 0, 0)
			if err != nil {
				t.Fatal(err)
			}
			m, ok := img.(*image.RGBA64)
			if !ok {
				t.Fatalf("image type %T", img)
			}
			for y := rect.Min.Y; y < rect.Max.Y; y++ {
				for x := rect.Min.X; x < rect.Max.X; x++ {
					px := m.RGBA64At(x-rect.Min.X, y-rect.Min.Y)
					got := [4]uint16{px.R, px.G, px.B, px.A}
					want := [4]uint16{rgbValue([]int{0, y, x}), rgbValue([]int{1, y, x}), rgbValue([]int{2, y, x}), 0xffff}
					if got != want {
						t.Fatalf("pixel (%d,%d) = %v, want %v", x, y, got, want)
					}
				}
			}
		})
	}
}

func TestDecodePlanes(t *testing.T) {
	dir := t.TempDir()
	// no axes in the group; the array names its dimensions
	writeJSON(t, filepath.Join(dir, "zarr.json"), map[string]any{
		"zarr_format": 3,
		"node_type":   "group",
		"attributes": map[string]any{"ome": map[string]any{
			"multiscales": []any{map[string]any{"datasets": []any{map[string]any{"path": "0"}}}},
		}},
	})
	value := func(idx []int) uint16 { return uint16(100*idx[0] + 10*idx[2] + idx[3] + idx[4]) }
	writeArray(t, filepath.Join(dir, "0"), arraySpec{
		shape: []int{2, 1, 3, 10, 12}, chunk: []int{1, 1, 1, 10, 12}, dtype: "uint8",
		codecs: rawCodecs, names: []string{"t", "c", "z", "y", "x"}, value: value,
	})

	d, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	p, _ := d.Metadata()
	if p.SizeZ != 3 || p.SizeT != 2 || p.Width() != 12 || p.Height() != 10 {
		t.Fatalf("pyramid = %+v", p)
	}

	rect := image.Rect(0, 0, 12, 10)
	img, err := d.DecodeRegion(context.Background(), 0, rect, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	checkGray(t, img, rect, func(x, y int) uint8 { return uint8(value([]int{1, 0, 2, y, x})) })

	if _, err := d.DecodeRegion(context.Background(), 0, rect, 3, 0); !errors.Is(err, imageserver.ErrOutOfBounds) {
		t.Fatalf("z out of range = %v", err)
	}
}

func TestThroughDecoderServer(t *testing.T) {
	d, err := Open(grayStore(t, false, nil))
	if err != nil {
		t.Fatal(err)
	}
	tiles, err := imageserver.NewTileCache(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := imageserver.NewDecoderServer("zarr-test", d, tiles)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	r := region.New(0, 20, 10, 7, 9)
	tile, err := srv.ReadRegion(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	checkGray(t, tile.Image, image.Rect(20, 10, 27, 19), func(x, y int) uint8 {
		return uint8(grayValue(0)([]int{y, x}))
	})
}

func TestOpenErrors(t *testing.T) {
	t.Run("missing root", func(t *testing.T) {
		if _, err := Open(t.TempDir()); !errors.Is(err, imageserver.ErrConfiguration) {
			t.Fatalf("Open = %v, want ErrConfiguration", err)
		}
	})
	cases := []struct {
		name string
		spec arraySpec
	}{
		{"unsupported codec", arraySpec{shape: []int{8, 8}, chunk: []int{8, 8}, dtype: "uint8", codecs: []codec{{Name: "bytes"}, {Name: "blosc"}}}},
		{"float data", arraySpec{shape: []int{8, 8}, chunk: []int{8, 8}, dtype: "float32", codecs: rawCodecs}},
		{"two channels", arraySpec{shape: []int{2, 8, 8}, chunk: []int{1, 8, 8}, dtype: "uint8", codecs: rawCodecs}},
		{"rank mismatch", arraySpec{shape: []int{8, 8}, chunk: []int{8}, dtype: "uint8", codecs: rawCodecs}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeGroup(t, dir, nil, nil)
			meta := arrayMeta{Shape: tt.spec.shape, DataType: tt.spec.dtype, Codecs: tt.spec.codecs, ZarrFormat: 3, NodeType: "array"}
			meta.ChunkGrid.Name = "regular"
			meta.ChunkGrid.Configuration.ChunkShape = tt.spec.chunk
			writeJSON(t, filepath.Join(dir, "0", "zarr.json"), meta)
			if _, err := Open(dir); !errors.Is(err, imageserver.ErrConfiguration) {
				t.Fatalf("Open = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestCorruptChunk(t *testing.T) {
	dir := grayStore(t, false, nil)
	if err := os.WriteFile(filepath.Join(dir, "0", "c", "0", "0"), []byte("not zstd"), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if _, err := d.DecodeRegion(context.Background(), 0, image.Rect(0, 0, 4, 4), 0, 0); !errors.Is(err, imageserver.ErrDecode) {
		t.Fatalf("DecodeRegion = %v, want ErrDecode", err)
	}
	// other chunks are unaffected
	if _, err := d.DecodeRegion(context.Background(), 0, image.Rect(16, 16, 20, 20), 0, 0); err != nil {
		t.Fatal(err)
	}
}

func TestDecodeHonoursCancellation(t *testing.T) {
	d, err := Open(grayStore(t, false, nil))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.DecodeRegion(ctx, 0, image.Rect(0, 0, 40, 30), 0, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("DecodeRegion = %v, want context.Canceled", err)
	}
}
