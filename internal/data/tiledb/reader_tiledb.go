//go:build tiledb

package tiledb

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"sync"

	tdb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/pathtiles/server/internal/imageserver"
	"github.com/pathtiles/server/internal/region"
)

// Decoder reads levels through TileDB dense array queries.
type Decoder struct {
	uri     string
	ctx     *tdb.Context
	arrays  []*tdb.Array
	pyramid region.Pyramid
	format  imageserver.PixelFormat

	closeOnce sync.Once
}

// Open opens every level array under path for reading.
func Open(path string) (*Decoder, error) {
	uri, err := ResolveURI(path)
	if err != nil {
		return nil, err
	}
	ctx, err := tdb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}
	d := &Decoder{uri: uri, ctx: ctx}

	var p region.Pyramid
	for lvl := 0; ; lvl++ {
		u := levelURI(uri, lvl)
		if _, statErr := os.Stat(u); statErr != nil {
			break
		}
		arr, err := tdb.NewArray(ctx, u)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("%w: failed to open level array (%s): %w", imageserver.ErrIO, u, err)
		}
		if err := arr.Open(tdb.TILEDB_READ); err != nil {
			arr.Free()
			d.Close()
			return nil, fmt.Errorf("%w: failed to open level array for read: %w", imageserver.ErrIO, err)
		}
		d.arrays = append(d.arrays, arr)

		w, h, f, err := describe(arr)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("level %d: %w", lvl, err)
		}
		if lvl == 0 {
			d.format = f
		} else if f != d.format {
			d.Close()
			return nil, fmt.Errorf("%w: level %d format %+v differs from level 0 %+v", imageserver.ErrConfiguration, lvl, f, d.format)
		}
		ds := 1.0
		if lvl > 0 {
			ds = float64(p.Levels[0].Width) / float64(w)
		}
		p.Levels = append(p.Levels, region.Level{Downsample: ds, Width: w, Height: h})
	}
	p.TileWidth, p.TileHeight = 512, 512
	d.pyramid = p.Normalize()
	if err := d.pyramid.Validate(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// describe reads the level size from the non-empty domain and the pixel
// format from the schema.
func describe(arr *tdb.Array) (w, h int, f imageserver.PixelFormat, err error) {
	extent := func(dim string) (int, error) {
		ned, isEmpty, err := arr.NonEmptyDomainFromName(dim)
		if err != nil {
			return 0, err
		}
		if isEmpty || ned == nil {
			return 0, fmt.Errorf("%w: dimension %s is empty", imageserver.ErrConfiguration, dim)
		}
		lo, hi, err := boundsMinMaxInt64(ned.Bounds)
		if err != nil {
			return 0, err
		}
		if lo != 0 || hi < lo || hi >= math.MaxInt32 {
			return 0, fmt.Errorf("%w: dimension %s spans [%d,%d]", imageserver.ErrConfiguration, dim, lo, hi)
		}
		return int(hi) + 1, nil
	}
	if h, err = extent("y"); err != nil {
		return 0, 0, f, err
	}
	if w, err = extent("x"); err != nil {
		return 0, 0, f, err
	}
	f.Channels = 1
	if c, cerr := extent("c"); cerr == nil {
		f.Channels = c
	}

	schema, err := arr.Schema()
	if err != nil {
		return 0, 0, f, fmt.Errorf("%w: %w", imageserver.ErrIO, err)
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(Attribute)
	if err != nil {
		return 0, 0, f, fmt.Errorf("%w: attribute %s: %w", imageserver.ErrConfiguration, Attribute, err)
	}
	defer attr.Free()
	typ, err := attr.Type()
	if err != nil {
		return 0, 0, f, fmt.Errorf("%w: %w", imageserver.ErrIO, err)
	}
	switch typ {
	case tdb.TILEDB_UINT8:
		f.BitDepth = 8
	case tdb.TILEDB_UINT16:
		f.BitDepth = 16
	default:
		return 0, 0, f, fmt.Errorf("%w: unsupported attribute type %v", imageserver.ErrConfiguration, typ)
	}
	return w, h, f, f.Validate()
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("%w: unsupported bounds type for non-empty domain", imageserver.ErrConfiguration)
}

func (d *Decoder) Metadata() (region.Pyramid, error) { return d.pyramid, nil }

func (d *Decoder) Format() imageserver.PixelFormat { return d.format }

func (d *Decoder) MaxRegionSize() (w, h int) { return MaxRegion, MaxRegion }

// DecodeRegion runs one row-major dense query over rect.
func (d *Decoder) DecodeRegion(ctx context.Context, level int, rect image.Rectangle, z, t int) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if level < 0 || level >= len(d.arrays) || z != 0 || t != 0 {
		return nil, fmt.Errorf("%w: level %d plane z=%d t=%d", imageserver.ErrOutOfBounds, level, z, t)
	}
	arr := d.arrays[level]
	nc := d.format.Channels

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create subarray: %w", imageserver.ErrIO, err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("y", tdb.MakeRange[int64](int64(rect.Min.Y), int64(rect.Max.Y-1))); err != nil {
		return nil, fmt.Errorf("%w: failed to add y range: %w", imageserver.ErrIO, err)
	}
	if err := sub.AddRangeByName("x", tdb.MakeRange[int64](int64(rect.Min.X), int64(rect.Max.X-1))); err != nil {
		return nil, fmt.Errorf("%w: failed to add x range: %w", imageserver.ErrIO, err)
	}
	if nc > 1 {
		if err := sub.AddRangeByName("c", tdb.MakeRange[int64](0, int64(nc-1))); err != nil {
			return nil, fmt.Errorf("%w: failed to add c range: %w", imageserver.ErrIO, err)
		}
	}

	q, err := tdb.NewQuery(d.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create query: %w", imageserver.ErrIO, err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("%w: failed to set subarray: %w", imageserver.ErrIO, err)
	}
	if err := q.SetLayout(tdb.TILEDB_ROW_MAJOR); err != nil {
		return nil, fmt.Errorf("%w: failed to set layout: %w", imageserver.ErrIO, err)
	}

	n := rect.Dx() * rect.Dy() * nc
	var buf8 []uint8
	var buf16 []uint16
	if d.format.BitDepth == 16 {
		buf16 = make([]uint16, n)
		_, err = q.SetDataBuffer(Attribute, buf16)
	} else {
		buf8 = make([]uint8, n)
		_, err = q.SetDataBuffer(Attribute, buf8)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to set buffer %s: %w", imageserver.ErrIO, Attribute, err)
	}

	if err := q.Submit(); err != nil {
		return nil, fmt.Errorf("%w: query submit failed: %w", imageserver.ErrIO, err)
	}
	status, err := q.Status()
	if err != nil {
		return nil, fmt.Errorf("%w: query status failed: %w", imageserver.ErrIO, err)
	}
	if status != tdb.TILEDB_COMPLETED {
		return nil, fmt.Errorf("%w: unexpected query status: %v", imageserver.ErrDecode, status)
	}

	img := imageserver.NewImage(d.format, rect.Dx(), rect.Dy())
	out := imageserver.NewPixelWriter(img, d.format)
	i := 0
	for y := 0; y < rect.Dy(); y++ {
		for x := 0; x < rect.Dx(); x++ {
			for c := 0; c < nc; c++ {
				if buf16 != nil {
					out.Set(x, y, c, buf16[i])
				} else {
					out.Set(x, y, c, uint16(buf8[i]))
				}
				i++
			}
		}
	}
	if nc == 4 {
		out.Premultiply()
	}
	return img, nil
}

// Close closes every level array and frees the context.
func (d *Decoder) Close() error {
	d.closeOnce.Do(func() {
		for _, arr := range d.arrays {
			arr.Close()
			arr.Free()
		}
		d.arrays = nil
		d.ctx.Free()
	})
	return nil
}
