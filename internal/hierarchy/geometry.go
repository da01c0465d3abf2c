package hierarchy

import (
	"fmt"
	"math"
	"slices"

	"github.com/pathtiles/server/internal/region"
)

// Plane identifies one z/t plane of an image.
type Plane struct {
	Z int `json:"z"`
	T int `json:"t"`
}

// Point is a full-resolution pixel coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// GeometryType names the shape a geometry was built from.
type GeometryType int

const (
	GeometryPoints GeometryType = iota
	GeometryRectangle
	GeometryEllipse
	GeometryPolygon
)

var geometryTypeNames = [...]string{"points", "rectangle", "ellipse", "polygon"}

func (t GeometryType) String() string {
	if int(t) < len(geometryTypeNames) {
		return geometryTypeNames[t]
	}
	return fmt.Sprintf("GeometryType(%d)", int(t))
}

// ParseGeometryType is the inverse of GeometryType.String.
func ParseGeometryType(s string) (GeometryType, error) {
	for i, n := range geometryTypeNames {
		if n == s {
			return GeometryType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown geometry type %q", ErrInvalidGeometry, s)
}

func (t GeometryType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *GeometryType) UnmarshalText(b []byte) error {
	v, err := ParseGeometryType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ellipseVertices is the number of polygon vertices approximating an ellipse.
const ellipseVertices = 64

// Geometry is an area (rectangle, ellipse or polygon ring) or a set of points
// on one plane, in full-resolution coordinates. Area geometries are closed
// implicitly: the last vertex connects back to the first.
// Geometries are values; their Points must not be modified once built.
type Geometry struct {
	Type   GeometryType `json:"type"`
	Points []Point      `json:"points"`
	Plane  Plane        `json:"plane"`
}

// NewRectangle returns an axis-aligned rectangle.
func NewRectangle(x, y, w, h float64, plane Plane) Geometry {
	return Geometry{
		Type:   GeometryRectangle,
		Points: []Point{{x, y}, {x + w, y}, {x + w, y + h}, {x, y + h}},
		Plane:  plane,
	}
}

// NewEllipse returns a polygon approximating the ellipse inscribed in the
// given bounding box.
func NewEllipse(x, y, w, h float64, plane Plane) Geometry {
	cx, cy := x+w/2, y+h/2
	pts := make([]Point, ellipseVertices)
	for i := range pts {
		a := 2 * math.Pi * float64(i) / ellipseVertices
		pts[i] = Point{cx + w/2*math.Cos(a), cy + h/2*math.Sin(a)}
	}
	return Geometry{Type: GeometryEllipse, Points: pts, Plane: plane}
}

// NewPolygon returns a polygon ring. A repeated closing vertex and
// consecutive duplicates are dropped.
func NewPolygon(pts []Point, plane Plane) Geometry {
	out := make([]Point, 0, len(pts))
	for _, p := range pts {
		if len(out) > 0 && out[len(out)-1] == p {
			continue
		}
		out = append(out, p)
	}
	if len(out) > 1 && out[0] == out[len(out)-1] {
		out = out[:len(out)-1]
	}
	return Geometry{Type: GeometryPolygon, Points: out, Plane: plane}
}

// NewPoints returns a point-set geometry.
func NewPoints(pts []Point, plane Plane) Geometry {
	return Geometry{Type: GeometryPoints, Points: append([]Point(nil), pts...), Plane: plane}
}

// IsArea reports whether the geometry encloses an area.
func (g Geometry) IsArea() bool {
	return g.Type != GeometryPoints
}

// IsEmpty reports whether the geometry has no vertices.
func (g Geometry) IsEmpty() bool {
	return len(g.Points) == 0
}

// Validate returns ErrInvalidGeometry for empty, non-finite, degenerate or
// self-intersecting geometries.
func (g Geometry) Validate() error {
	if g.IsEmpty() {
		return fmt.Errorf("%w: empty geometry", ErrInvalidGeometry)
	}
	for _, p := range g.Points {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return fmt.Errorf("%w: non-finite coordinate", ErrInvalidGeometry)
		}
	}
	if !g.IsArea() {
		return nil
	}
	if len(g.Points) < 3 {
		return fmt.Errorf("%w: %s needs at least 3 vertices, got %d", ErrInvalidGeometry, g.Type, len(g.Points))
	}
	if g.Area() == 0 {
		return fmt.Errorf("%w: %s has zero area", ErrInvalidGeometry, g.Type)
	}
	if g.selfIntersects() {
		return fmt.Errorf("%w: %s is self-intersecting", ErrInvalidGeometry, g.Type)
	}
	return nil
}

// Bounds returns the bounding rectangle.
func (g Geometry) Bounds() region.Rect {
	if g.IsEmpty() {
		return region.Rect{}
	}
	b := region.Rect{MinX: g.Points[0].X, MinY: g.Points[0].Y, MaxX: g.Points[0].X, MaxY: g.Points[0].Y}
	for _, p := range g.Points[1:] {
		b.MinX = math.Min(b.MinX, p.X)
		b.MinY = math.Min(b.MinY, p.Y)
		b.MaxX = math.Max(b.MaxX, p.X)
		b.MaxY = math.Max(b.MaxY, p.Y)
	}
	return b
}

// Area returns the enclosed area; point sets have none.
func (g Geometry) Area() float64 {
	if !g.IsArea() || len(g.Points) < 3 {
		return 0
	}
	return math.Abs(g.signedArea())
}

func (g Geometry) signedArea() float64 {
	var s float64
	n := len(g.Points)
	for i := 0; i < n; i++ {
		a, b := g.Points[i], g.Points[(i+1)%n]
		s += a.X*b.Y - b.X*a.Y
	}
	return s / 2
}

// Centroid returns the area centroid, or the mean of a point set.
func (g Geometry) Centroid() Point {
	if g.IsEmpty() {
		return Point{}
	}
	if g.IsArea() {
		if a := g.signedArea(); a != 0 {
			var cx, cy float64
			n := len(g.Points)
			for i := 0; i < n; i++ {
				p, q := g.Points[i], g.Points[(i+1)%n]
				f := p.X*q.Y - q.X*p.Y
				cx += (p.X + q.X) * f
				cy += (p.Y + q.Y) * f
			}
			return Point{cx / (6 * a), cy / (6 * a)}
		}
	}
	var sx, sy float64
	for _, p := range g.Points {
		sx += p.X
		sy += p.Y
	}
	n := float64(len(g.Points))
	return Point{sx / n, sy / n}
}

// ContainsPoint reports whether p lies inside or on the boundary of an area
// geometry. Point sets contain only their own points.
func (g Geometry) ContainsPoint(p Point) bool {
	if !g.IsArea() {
		for _, q := range g.Points {
			if q == p {
				return true
			}
		}
		return false
	}
	n := len(g.Points)
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := g.Points[i], g.Points[j]
		if onSegment(a, b, p) {
			return true
		}
		if (a.Y > p.Y) != (b.Y > p.Y) {
			x := a.X + (p.Y-a.Y)*(b.X-a.X)/(b.Y-a.Y)
			if p.X < x {
				inside = !inside
			}
		}
	}
	return inside
}

// Contains reports whether o lies entirely within g on the same plane.
// Only area geometries can contain anything.
func (g Geometry) Contains(o Geometry) bool {
	if !g.IsArea() || o.IsEmpty() || g.Plane != o.Plane {
		return false
	}
	if !g.Bounds().Contains(o.Bounds()) {
		return false
	}
	for _, p := range o.Points {
		if !g.ContainsPoint(p) {
			return false
		}
	}
	if !o.IsArea() {
		return true
	}
	n, m := len(g.Points), len(o.Points)
	for i := 0; i < n; i++ {
		a1, a2 := g.Points[i], g.Points[(i+1)%n]
		for j := 0; j < m; j++ {
			if properlyCross(a1, a2, o.Points[j], o.Points[(j+1)%m]) {
				return false
			}
		}
	}
	for j := 0; j < m; j++ {
		if !g.containsSegment(o.Points[j], o.Points[(j+1)%m]) {
			return false
		}
	}
	return true
}

// containsSegment reports whether the closed segment pq lies within g,
// given that both ends do and no edge of g crosses it properly. Split at
// the vertices of g lying on it, each piece is wholly inside, outside or on
// the boundary, so testing its midpoint decides it.
func (g Geometry) containsSegment(p, q Point) bool {
	d := Point{q.X - p.X, q.Y - p.Y}
	l2 := d.X*d.X + d.Y*d.Y
	if l2 == 0 {
		return true
	}
	ts := []float64{0, 1}
	for _, v := range g.Points {
		if v != p && v != q && onSegment(p, q, v) {
			ts = append(ts, ((v.X-p.X)*d.X+(v.Y-p.Y)*d.Y)/l2)
		}
	}
	slices.Sort(ts)
	for i := 1; i < len(ts); i++ {
		if ts[i] == ts[i-1] {
			continue
		}
		t := (ts[i-1] + ts[i]) / 2
		if !g.ContainsPoint(Point{p.X + t*d.X, p.Y + t*d.Y}) {
			return false
		}
	}
	return true
}

// IntersectsRect reports whether g shares any point with the closed rectangle r.
func (g Geometry) IntersectsRect(r region.Rect) bool {
	if g.IsEmpty() || !g.Bounds().Intersects(r) {
		return false
	}
	for _, p := range g.Points {
		if p.X >= r.MinX && p.X <= r.MaxX && p.Y >= r.MinY && p.Y <= r.MaxY {
			return true
		}
	}
	if !g.IsArea() {
		return false
	}
	corners := [4]Point{{r.MinX, r.MinY}, {r.MaxX, r.MinY}, {r.MaxX, r.MaxY}, {r.MinX, r.MaxY}}
	for _, c := range corners {
		if g.ContainsPoint(c) {
			return true
		}
	}
	n := len(g.Points)
	for i := 0; i < n; i++ {
		a, b := g.Points[i], g.Points[(i+1)%n]
		for k := 0; k < 4; k++ {
			if segmentsIntersect(a, b, corners[k], corners[(k+1)%4]) {
				return true
			}
		}
	}
	return false
}

func (g Geometry) selfIntersects() bool {
	n := len(g.Points)
	for i := 0; i < n; i++ {
		a1, a2 := g.Points[i], g.Points[(i+1)%n]
		for j := i + 1; j < n; j++ {
			// adjacent edges share a vertex
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if segmentsIntersect(a1, a2, g.Points[j], g.Points[(j+1)%n]) {
				return true
			}
		}
	}
	return false
}

// clone returns a copy with its own point slice.
func (g Geometry) clone() Geometry {
	g.Points = append([]Point(nil), g.Points...)
	return g
}

func orient(a, b, c Point) float64 {
	return (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func onSegment(a, b, p Point) bool {
	if orient(a, b, p) != 0 {
		return false
	}
	return p.X >= math.Min(a.X, b.X) && p.X <= math.Max(a.X, b.X) &&
		p.Y >= math.Min(a.Y, b.Y) && p.Y <= math.Max(a.Y, b.Y)
}

// segmentsIntersect reports whether closed segments p1p2 and p3p4 touch.
func segmentsIntersect(p1, p2, p3, p4 Point) bool {
	d1 := sign(orient(p3, p4, p1))
	d2 := sign(orient(p3, p4, p2))
	d3 := sign(orient(p1, p2, p3))
	d4 := sign(orient(p1, p2, p4))
	if d1*d2 < 0 && d3*d4 < 0 {
		return true
	}
	return (d1 == 0 && onSegment(p3, p4, p1)) ||
		(d2 == 0 && onSegment(p3, p4, p2)) ||
		(d3 == 0 && onSegment(p1, p2, p3)) ||
		(d4 == 0 && onSegment(p1, p2, p4))
}

// properlyCross reports whether the segments cross at a single interior point.
func properlyCross(p1, p2, p3, p4 Point) bool {
	return sign(orient(p3, p4, p1))*sign(orient(p3, p4, p2)) < 0 &&
		sign(orient(p1, p2, p3))*sign(orient(p1, p2, p4)) < 0
}
