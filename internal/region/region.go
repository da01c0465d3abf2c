// Package region defines the coordinate model shared by image servers and the
// object hierarchy: level-local pixel regions and pyramid metadata.
package region

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrOutOfBounds is returned when a region falls outside the image.
	ErrOutOfBounds = errors.New("region out of bounds")
	// ErrConfiguration is returned for inconsistent pyramid metadata.
	ErrConfiguration = errors.New("invalid pyramid configuration")
)

// Region is a rectangle at one resolution level on one z/t plane.
// Coordinates are in pixels of that level. Region values are comparable and
// can be used directly as map keys.
type Region struct {
	Level  int
	X      int
	Y      int
	Width  int
	Height int
	Z      int
	T      int
}

// Empty is the sentinel returned for disjoint intersections.
var Empty = Region{}

// New returns a region on plane z=0, t=0.
func New(level, x, y, w, h int) Region {
	return Region{Level: level, X: x, Y: y, Width: w, Height: h}
}

// IsEmpty reports whether the region covers no pixels.
func (r Region) IsEmpty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// MaxX returns the exclusive right edge.
func (r Region) MaxX() int { return r.X + r.Width }

// MaxY returns the exclusive bottom edge.
func (r Region) MaxY() int { return r.Y + r.Height }

// ContainsRegion reports whether o lies entirely inside r on the same level and plane.
func (r Region) ContainsRegion(o Region) bool {
	if r.Level != o.Level || r.Z != o.Z || r.T != o.T || r.IsEmpty() || o.IsEmpty() {
		return false
	}
	return o.X >= r.X && o.Y >= r.Y && o.MaxX() <= r.MaxX() && o.MaxY() <= r.MaxY()
}

// String returns a stable textual key for the region.
func (r Region) String() string {
	return fmt.Sprintf("L%d/%d,%d/%dx%d/z%d/t%d", r.Level, r.X, r.Y, r.Width, r.Height, r.Z, r.T)
}

// Intersect returns the overlap of a and b, or Empty when they are disjoint or
// on different levels or planes.
func Intersect(a, b Region) Region {
	if a.Level != b.Level || a.Z != b.Z || a.T != b.T {
		return Empty
	}
	x0 := max(a.X, b.X)
	y0 := max(a.Y, b.Y)
	x1 := min(a.MaxX(), b.MaxX())
	y1 := min(a.MaxY(), b.MaxY())
	if x1 <= x0 || y1 <= y0 {
		return Empty
	}
	return Region{Level: a.Level, X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0, Z: a.Z, T: a.T}
}

// Rescale maps r from a level with downsample srcDS to a level with downsample
// dstDS. The start is floored and the end ceiled so the result always contains
// the exact rescaled rectangle.
func Rescale(r Region, srcDS, dstDS float64, target int) Region {
	ratio := srcDS / dstDS
	x0 := int(math.Floor(float64(r.X) * ratio))
	y0 := int(math.Floor(float64(r.Y) * ratio))
	x1 := int(math.Ceil(float64(r.MaxX()) * ratio))
	y1 := int(math.Ceil(float64(r.MaxY()) * ratio))
	return Region{Level: target, X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0, Z: r.Z, T: r.T}
}

// Rect is a rectangle in full-resolution (level 0) coordinates.
type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

// Width returns the rectangle width.
func (r Rect) Width() float64 { return r.MaxX - r.MinX }

// Height returns the rectangle height.
func (r Rect) Height() float64 { return r.MaxY - r.MinY }

// Intersects reports whether two closed rectangles share any point.
func (r Rect) Intersects(o Rect) bool {
	return r.MinX <= o.MaxX && o.MinX <= r.MaxX && r.MinY <= o.MaxY && o.MinY <= r.MaxY
}

// Contains reports whether o lies inside r (boundaries included).
func (r Rect) Contains(o Rect) bool {
	return o.MinX >= r.MinX && o.MinY >= r.MinY && o.MaxX <= r.MaxX && o.MaxY <= r.MaxY
}
