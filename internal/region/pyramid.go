package region

import (
	"fmt"
	"math"
)

// Level describes one resolution level of a pyramid.
type Level struct {
	Downsample float64 `json:"downsample"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
}

// Pyramid is the metadata of a multi-resolution image.
type Pyramid struct {
	Levels     []Level `json:"levels"`
	TileWidth  int     `json:"tile_width"`
	TileHeight int     `json:"tile_height"`
	SizeZ      int     `json:"size_z"`
	SizeT      int     `json:"size_t"`
}

// Normalize fills zero plane counts and tile sizes with their defaults.
func (p Pyramid) Normalize() Pyramid {
	if p.SizeZ <= 0 {
		p.SizeZ = 1
	}
	if p.SizeT <= 0 {
		p.SizeT = 1
	}
	if p.TileWidth <= 0 {
		p.TileWidth = 256
	}
	if p.TileHeight <= 0 {
		p.TileHeight = p.TileWidth
	}
	return p
}

// Validate checks that level 0 is full resolution and that downsample
// factors are strictly increasing.
func (p Pyramid) Validate() error {
	if len(p.Levels) == 0 {
		return fmt.Errorf("%w: no levels", ErrConfiguration)
	}
	if p.Levels[0].Downsample != 1 {
		return fmt.Errorf("%w: level 0 downsample is %g, want 1", ErrConfiguration, p.Levels[0].Downsample)
	}
	for i, lv := range p.Levels {
		if lv.Width <= 0 || lv.Height <= 0 {
			return fmt.Errorf("%w: level %d has size %dx%d", ErrConfiguration, i, lv.Width, lv.Height)
		}
		if math.IsNaN(lv.Downsample) || math.IsInf(lv.Downsample, 0) || lv.Downsample < 1 {
			return fmt.Errorf("%w: level %d downsample %g", ErrConfiguration, i, lv.Downsample)
		}
		if i > 0 && lv.Downsample <= p.Levels[i-1].Downsample {
			return fmt.Errorf("%w: level %d downsample %g not greater than level %d (%g)",
				ErrConfiguration, i, lv.Downsample, i-1, p.Levels[i-1].Downsample)
		}
	}
	if p.SizeZ < 0 || p.SizeT < 0 {
		return fmt.Errorf("%w: negative plane count", ErrConfiguration)
	}
	return nil
}

// Width returns the full-resolution width.
func (p Pyramid) Width() int { return p.Levels[0].Width }

// Height returns the full-resolution height.
func (p Pyramid) Height() int { return p.Levels[0].Height }

// Downsample returns the downsample factor of a level.
func (p Pyramid) Downsample(level int) (float64, error) {
	if level < 0 || level >= len(p.Levels) {
		return 0, fmt.Errorf("%w: level %d (have %d)", ErrOutOfBounds, level, len(p.Levels))
	}
	return p.Levels[level].Downsample, nil
}

// Bounds returns the whole of a level on the given plane.
func (p Pyramid) Bounds(level, z, t int) Region {
	lv := p.Levels[level]
	return Region{Level: level, Width: lv.Width, Height: lv.Height, Z: z, T: t}
}

// Contains returns ErrOutOfBounds unless r lies entirely inside its level and
// its plane exists. Regions are never clamped.
func (p Pyramid) Contains(r Region) error {
	if r.Level < 0 || r.Level >= len(p.Levels) {
		return fmt.Errorf("%w: level %d (have %d)", ErrOutOfBounds, r.Level, len(p.Levels))
	}
	if r.IsEmpty() {
		return fmt.Errorf("%w: empty region %s", ErrOutOfBounds, r)
	}
	lv := p.Levels[r.Level]
	if r.X < 0 || r.Y < 0 || r.MaxX() > lv.Width || r.MaxY() > lv.Height {
		return fmt.Errorf("%w: %s outside %dx%d", ErrOutOfBounds, r, lv.Width, lv.Height)
	}
	sizeZ, sizeT := max(p.SizeZ, 1), max(p.SizeT, 1)
	if r.Z < 0 || r.Z >= sizeZ || r.T < 0 || r.T >= sizeT {
		return fmt.Errorf("%w: plane z=%d t=%d outside %dx%d", ErrOutOfBounds, r.Z, r.T, sizeZ, sizeT)
	}
	return nil
}

// ToLevel converts r to the target level, rounding outward.
func (p Pyramid) ToLevel(r Region, target int) (Region, error) {
	src, err := p.Downsample(r.Level)
	if err != nil {
		return Empty, err
	}
	dst, err := p.Downsample(target)
	if err != nil {
		return Empty, err
	}
	return Rescale(r, src, dst, target), nil
}

// FullResolution returns the level-0 rectangle covered by r.
func (p Pyramid) FullResolution(r Region) (Rect, error) {
	ds, err := p.Downsample(r.Level)
	if err != nil {
		return Rect{}, err
	}
	return Rect{
		MinX: float64(r.X) * ds,
		MinY: float64(r.Y) * ds,
		MaxX: float64(r.MaxX()) * ds,
		MaxY: float64(r.MaxY()) * ds,
	}, nil
}

// LevelForDownsample returns the coarsest level whose downsample does not
// exceed ds.
func (p Pyramid) LevelForDownsample(ds float64) int {
	best := 0
	for i, lv := range p.Levels {
		if lv.Downsample <= ds {
			best = i
		}
	}
	return best
}
