// Package zarr decodes multiscale images stored as Zarr v3 groups.
//
// The root zarr.json lists the resolution levels in
// attributes.multiscales[0].datasets (or the same block under
// attributes.ome). Each dataset is a uint8 or uint16 array with x and y axes
// and optional t, c and z axes, stored with the bytes codec and an optional
// zstd or gzip codec. Chunks missing from the store hold the fill value.
package zarr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/pathtiles/server/internal/imageserver"
	"github.com/pathtiles/server/internal/region"
)

// Decoder reads regions from a Zarr v3 multiscale image. It is safe for
// concurrent use.
type Decoder struct {
	basePath string
	levels   []*level
	pyramid  region.Pyramid
	format   imageserver.PixelFormat
	zstd     *zstd.Decoder
}

type level struct {
	dir       string
	meta      *arrayMeta
	dims      dims
	chunk     []int
	elemSize  int
	bigEndian bool
	filters   []string
	fill      uint16
}

// Open reads the store metadata at basePath. The pixel data is read lazily.
func Open(basePath string) (*Decoder, error) {
	var g groupMeta
	if err := readJSON(filepath.Join(basePath, "zarr.json"), &g); err != nil {
		return nil, err
	}

	var ms multiscale
	switch {
	case g.NodeType == "array":
		// a bare array is a single-level image
		ms = multiscale{Datasets: []dataset{{Path: "."}}}
	case len(g.Attributes.Multiscales) > 0:
		ms = g.Attributes.Multiscales[0]
	case len(g.Attributes.OME.Multiscales) > 0:
		ms = g.Attributes.OME.Multiscales[0]
	default:
		return nil, fmt.Errorf("%w: %s has no multiscales", imageserver.ErrConfiguration, basePath)
	}
	if len(ms.Datasets) == 0 {
		return nil, fmt.Errorf("%w: %s lists no datasets", imageserver.ErrConfiguration, basePath)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	d := &Decoder{basePath: basePath, zstd: dec}

	axisNames := make([]string, len(ms.Axes))
	for i, a := range ms.Axes {
		axisNames[i] = a.Name
	}
	for i, ds := range ms.Datasets {
		l, err := loadLevel(filepath.Join(basePath, filepath.FromSlash(ds.Path)), axisNames)
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("level %d (%s): %w", i, ds.Path, err)
		}
		d.levels = append(d.levels, l)
	}
	if err := d.buildPyramid(ms.Datasets); err != nil {
		dec.Close()
		return nil, err
	}
	if err := d.format.Validate(); err != nil {
		dec.Close()
		return nil, err
	}
	return d, nil
}

func loadLevel(dir string, axisNames []string) (*level, error) {
	var meta arrayMeta
	if err := readJSON(filepath.Join(dir, "zarr.json"), &meta); err != nil {
		return nil, err
	}
	if meta.NodeType != "" && meta.NodeType != "array" {
		return nil, fmt.Errorf("%w: node_type %q is not an array", imageserver.ErrConfiguration, meta.NodeType)
	}
	if meta.ChunkGrid.Name != "" && meta.ChunkGrid.Name != "regular" {
		return nil, fmt.Errorf("%w: unsupported chunk grid %q", imageserver.ErrConfiguration, meta.ChunkGrid.Name)
	}
	chunk := meta.ChunkGrid.Configuration.ChunkShape
	if len(meta.Shape) == 0 || len(meta.Shape) != len(chunk) {
		return nil, fmt.Errorf("%w: shape %v does not match chunk shape %v", imageserver.ErrConfiguration, meta.Shape, chunk)
	}
	for i, n := range chunk {
		if n <= 0 || meta.Shape[i] <= 0 {
			return nil, fmt.Errorf("%w: invalid shape %v / chunk shape %v", imageserver.ErrConfiguration, meta.Shape, chunk)
		}
	}
	names := axisNames
	if len(names) != len(meta.Shape) {
		names = meta.DimensionNames
	}
	dm, err := resolveDims(names, len(meta.Shape))
	if err != nil {
		return nil, err
	}
	size, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}
	fill, err := fillValue(&meta)
	if err != nil {
		return nil, err
	}
	bigEndian, filters, err := parseCodecs(meta.Codecs)
	if err != nil {
		return nil, err
	}
	return &level{
		dir:       dir,
		meta:      &meta,
		dims:      dm,
		chunk:     chunk,
		elemSize:  size,
		bigEndian: bigEndian,
		filters:   filters,
		fill:      fill,
	}, nil
}

func (l *level) size(d int) int {
	if d < 0 {
		return 1
	}
	return l.meta.Shape[d]
}

func (l *level) chunkLen(d int) int {
	if d < 0 {
		return 1
	}
	return l.chunk[d]
}

func (d *Decoder) buildPyramid(datasets []dataset) error {
	base := d.levels[0]
	baseScale := datasets[0].scale()
	p := region.Pyramid{
		TileWidth:  base.chunkLen(base.dims.x),
		TileHeight: base.chunkLen(base.dims.y),
		SizeZ:      base.size(base.dims.z),
		SizeT:      base.size(base.dims.t),
	}
	for i, l := range d.levels {
		if l.meta.DataType != base.meta.DataType ||
			l.size(l.dims.c) != base.size(base.dims.c) ||
			l.size(l.dims.z) != p.SizeZ || l.size(l.dims.t) != p.SizeT {
			return fmt.Errorf("%w: level %d disagrees with level 0 on type, channels or planes", imageserver.ErrConfiguration, i)
		}
		w, h := l.size(l.dims.x), l.size(l.dims.y)
		ds := float64(base.size(base.dims.x)) / float64(w)
		if s := datasets[i].scale(); len(s) == len(l.meta.Shape) && len(baseScale) == len(base.meta.Shape) && baseScale[base.dims.x] > 0 {
			ds = s[l.dims.x] / baseScale[base.dims.x]
		}
		p.Levels = append(p.Levels, region.Level{Downsample: ds, Width: w, Height: h})
	}
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	d.pyramid = p
	d.format = imageserver.PixelFormat{Channels: base.size(base.dims.c), BitDepth: 8 * base.elemSize}
	return nil
}

// Metadata returns the pyramid described by the store.
func (d *Decoder) Metadata() (region.Pyramid, error) { return d.pyramid, nil }

// Format returns the channel count and bit depth of the arrays.
func (d *Decoder) Format() imageserver.PixelFormat { return d.format }

// BlockSize returns the level 0 chunk size; reads aligned to it never touch
// a chunk twice.
func (d *Decoder) BlockSize() (w, h int) { return d.pyramid.TileWidth, d.pyramid.TileHeight }

// MaxConcurrency allows one decode per CPU; chunk files are read
// independently.
func (d *Decoder) MaxConcurrency() int { return runtime.GOMAXPROCS(0) }

// Close releases the zstd decoder.
func (d *Decoder) Close() error {
	d.zstd.Close()
	return nil
}

// DecodeRegion assembles rect of one plane from the chunks that overlap it.
func (d *Decoder) DecodeRegion(ctx context.Context, lvl int, rect image.Rectangle, z, t int) (image.Image, error) {
	if lvl < 0 || lvl >= len(d.levels) {
		return nil, fmt.Errorf("%w: level %d", imageserver.ErrOutOfBounds, lvl)
	}
	l := d.levels[lvl]
	if z < 0 || z >= l.size(l.dims.z) || t < 0 || t >= l.size(l.dims.t) {
		return nil, fmt.Errorf("%w: plane z=%d t=%d", imageserver.ErrOutOfBounds, z, t)
	}
	if rect.Empty() || !rect.In(image.Rect(0, 0, l.size(l.dims.x), l.size(l.dims.y))) {
		return nil, fmt.Errorf("%w: %v at level %d", imageserver.ErrOutOfBounds, rect, lvl)
	}

	img := imageserver.NewImage(d.format, rect.Dx(), rect.Dy())
	out := imageserver.NewPixelWriter(img, d.format)
	cw, ch := l.chunk[l.dims.x], l.chunk[l.dims.y]
	cc := l.chunkLen(l.dims.c)
	nc := d.format.Channels

	for row := rect.Min.Y / ch; row*ch < rect.Max.Y; row++ {
		for col := rect.Min.X / cw; col*cw < rect.Max.X; col++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			area := image.Rect(col*cw, row*ch, (col+1)*cw, (row+1)*ch).Intersect(rect)
			for c0 := 0; c0 < nc; c0 += cc {
				idx := make([]int, len(l.meta.Shape))
				idx[l.dims.x], idx[l.dims.y] = col, row
				if l.dims.c >= 0 {
					idx[l.dims.c] = c0 / cc
				}
				if l.dims.z >= 0 {
					idx[l.dims.z] = z / l.chunk[l.dims.z]
				}
				if l.dims.t >= 0 {
					idx[l.dims.t] = t / l.chunk[l.dims.t]
				}
				if err := d.copyChunk(l, idx, area, rect.Min, c0, min(c0+cc, nc), z, t, out); err != nil {
					return nil, err
				}
			}
		}
	}
	if nc == 4 {
		out.Premultiply()
	}
	return img, nil
}

// copyChunk writes channels [c0,c1) of the chunk at idx into out for every
// pixel of area (level coordinates); origin is the output's level position.
func (d *Decoder) copyChunk(l *level, idx []int, area image.Rectangle, origin image.Point, c0, c1, z, t int, out *imageserver.PixelWriter) error {
	data, err := d.readChunk(l, idx)
	if err != nil {
		return err
	}
	if data == nil {
		for c := c0; c < c1; c++ {
			for y := area.Min.Y; y < area.Max.Y; y++ {
				for x := area.Min.X; x < area.Max.X; x++ {
					out.Set(x-origin.X, y-origin.Y, c, l.fill)
				}
			}
		}
		return nil
	}

	shape := l.chunk
	if want := product(shape) * l.elemSize; len(data) != want {
		shape = truncatedShape(l.meta, idx)
		if len(data) != product(shape)*l.elemSize {
			return fmt.Errorf("%w: chunk %v of %s holds %d bytes, want %d", imageserver.ErrDecode, idx, l.dir, len(data), want)
		}
	}
	st := strides(shape)
	local := func(dim, v int) int {
		if dim < 0 {
			return 0
		}
		return (v % l.chunk[dim]) * st[dim]
	}

	cc := l.chunkLen(l.dims.c)
	for c := c0; c < c1; c++ {
		base := local(l.dims.t, t) + local(l.dims.z, z)
		if l.dims.c >= 0 {
			base += (c % cc) * st[l.dims.c]
		}
		for y := area.Min.Y; y < area.Max.Y; y++ {
			rowOff := base + local(l.dims.y, y)
			for x := area.Min.X; x < area.Max.X; x++ {
				out.Set(x-origin.X, y-origin.Y, c, l.value(data, rowOff+local(l.dims.x, x)))
			}
		}
	}
	return nil
}

func (l *level) value(data []byte, i int) uint16 {
	if l.elemSize == 1 {
		return uint16(data[i])
	}
	lo, hi := data[2*i], data[2*i+1]
	if l.bigEndian {
		lo, hi = hi, lo
	}
	return uint16(lo) | uint16(hi)<<8
}

// readChunk returns the decoded bytes of one chunk, or nil when the chunk
// is absent from the store.
func (d *Decoder) readChunk(l *level, idx []int) ([]byte, error) {
	p := filepath.Join(l.dir, filepath.FromSlash(chunkKey(l.meta, idx)))
	raw, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %w", imageserver.ErrIO, err)
	}
	for _, f := range l.filters {
		switch f {
		case "zstd":
			raw, err = d.zstd.DecodeAll(raw, nil)
		case "gzip":
			raw, err = gunzip(raw)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s decompress of %s failed: %w", imageserver.ErrDecode, f, p, err)
		}
	}
	return raw, nil
}

func gunzip(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
