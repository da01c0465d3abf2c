// Package geojson reads and writes object hierarchies as GeoJSON feature
// collections in the usual pathology viewer layout: the object kind, name,
// classification and measurements live under "properties", and objects off
// the default plane carry a "plane" member inside "geometry".
package geojson

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"maps"
	"math"
	"slices"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pathtiles/server/internal/hierarchy"
	"github.com/pathtiles/server/internal/logging"
)

// ErrInvalid is returned for input that is not a usable feature collection.
var ErrInvalid = errors.New("invalid geojson")

// ColorFunc picks the display colour of a classification.
type ColorFunc func(class string) color.Color

// Marshal encodes objs as a FeatureCollection. The root is never exported.
// colors may be nil.
func Marshal(objs []*hierarchy.PathObject, colors ColorFunc) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":"FeatureCollection","features":[`)
	n := 0
	for _, o := range objs {
		if o.Kind() == hierarchy.KindRoot {
			continue
		}
		f, err := MarshalFeature(o, colors)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			buf.WriteByte(',')
		}
		buf.Write(f)
		n++
	}
	buf.WriteString(`]}`)
	return buf.Bytes(), nil
}

// MarshalFeature encodes one object as a Feature.
func MarshalFeature(o *hierarchy.PathObject, colors ColorFunc) ([]byte, error) {
	f := []byte(`{"type":"Feature"}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			f, err = sjson.SetBytes(f, path, v)
		}
	}

	g := o.Geometry()
	if g.IsEmpty() {
		return nil, fmt.Errorf("encode %s: %w", o, hierarchy.ErrInvalidGeometry)
	}
	set("id", o.ID().String())
	if g.IsArea() {
		ring := make([][2]float64, 0, len(g.Points)+1)
		for _, p := range g.Points {
			ring = append(ring, [2]float64{p.X, p.Y})
		}
		ring = append(ring, ring[0])
		set("geometry.type", "Polygon")
		set("geometry.coordinates", [][][2]float64{ring})
	} else if len(g.Points) == 1 {
		set("geometry.type", "Point")
		set("geometry.coordinates", [2]float64{g.Points[0].X, g.Points[0].Y})
	} else {
		pts := make([][2]float64, len(g.Points))
		for i, p := range g.Points {
			pts[i] = [2]float64{p.X, p.Y}
		}
		set("geometry.type", "MultiPoint")
		set("geometry.coordinates", pts)
	}
	if g.Plane != (hierarchy.Plane{}) {
		set("geometry.plane", map[string]int{"c": -1, "z": g.Plane.Z, "t": g.Plane.T})
	}

	set("properties.objectType", o.Kind().String())
	if g.Type == hierarchy.GeometryEllipse {
		set("properties.isEllipse", true)
	}
	if o.Name() != "" {
		set("properties.name", o.Name())
	}
	if c := o.Classification(); c != "" {
		set("properties.classification.name", c)
		if colors != nil {
			cr, cg, cb, _ := colors(c).RGBA()
			set("properties.classification.color", []int{int(cr >> 8), int(cg >> 8), int(cb >> 8)})
		}
	}
	if m := finite(o.Measurements()); len(m) > 0 {
		set("properties.measurements", m)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", o, err)
	}
	return f, nil
}

// JSON cannot represent NaN or infinities.
func finite(m map[string]float64) map[string]float64 {
	out := maps.Clone(m)
	maps.DeleteFunc(out, func(_ string, v float64) bool {
		return math.IsNaN(v) || math.IsInf(v, 0)
	})
	return out
}

// Unmarshal decodes a FeatureCollection, a single Feature or a JSON array
// of Features into unattached objects. Feature ids that are UUIDs are kept;
// other objects get fresh ids.
func Unmarshal(data []byte) ([]*hierarchy.PathObject, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalid)
	}
	root := gjson.ParseBytes(data)

	var features []gjson.Result
	switch {
	case root.IsArray():
		features = root.Array()
	case root.Get("type").String() == "FeatureCollection":
		features = root.Get("features").Array()
	case root.Get("type").String() == "Feature":
		features = []gjson.Result{root}
	default:
		return nil, fmt.Errorf("%w: expected a Feature or FeatureCollection", ErrInvalid)
	}

	objs := make([]*hierarchy.PathObject, 0, len(features))
	for i, f := range features {
		o, err := unmarshalFeature(f)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		objs = append(objs, o)
	}
	return objs, nil
}

// UnmarshalGeometry decodes a bare GeoJSON geometry or the geometry of a
// Feature.
func UnmarshalGeometry(data []byte) (hierarchy.Geometry, error) {
	if !gjson.ValidBytes(data) {
		return hierarchy.Geometry{}, fmt.Errorf("%w: malformed JSON", ErrInvalid)
	}
	root := gjson.ParseBytes(data)
	if root.Get("type").String() == "Feature" {
		return parseGeometry(root.Get("geometry"), root.Get("properties.isEllipse").Bool())
	}
	return parseGeometry(root, false)
}

func unmarshalFeature(f gjson.Result) (*hierarchy.PathObject, error) {
	props := f.Get("properties")

	kind := hierarchy.KindAnnotation
	if t := props.Get("objectType"); t.Exists() {
		k, err := hierarchy.ParseKind(t.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if k == hierarchy.KindRoot {
			return nil, fmt.Errorf("%w: root objects cannot be imported", ErrInvalid)
		}
		kind = k
	}

	g, err := parseGeometry(f.Get("geometry"), props.Get("isEllipse").Bool())
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(f.Get("id").String())
	if err != nil {
		id = uuid.New()
	}
	o := hierarchy.NewObject(id, kind, g)

	if name := props.Get("name"); name.Exists() {
		o = o.WithName(name.String())
	}
	// classification is either {"name": ...} or a bare string
	if c := props.Get("classification"); c.Exists() {
		if c.IsObject() {
			o = o.WithClassification(c.Get("name").String())
		} else {
			o = o.WithClassification(c.String())
		}
	}
	if m := parseMeasurements(props.Get("measurements")); len(m) > 0 {
		o = o.WithMeasurements(m)
	}
	return o, nil
}

func parseGeometry(g gjson.Result, ellipse bool) (hierarchy.Geometry, error) {
	if !g.IsObject() {
		return hierarchy.Geometry{}, fmt.Errorf("%w: missing geometry", ErrInvalid)
	}
	plane := hierarchy.Plane{
		Z: int(g.Get("plane.z").Int()),
		T: int(g.Get("plane.t").Int()),
	}
	coords := g.Get("coordinates")

	switch typ := g.Get("type").String(); typ {
	case "Point":
		p, err := point(coords)
		if err != nil {
			return hierarchy.Geometry{}, err
		}
		return hierarchy.NewPoints([]hierarchy.Point{p}, plane), nil
	case "MultiPoint":
		pts, err := points(coords)
		if err != nil {
			return hierarchy.Geometry{}, err
		}
		return hierarchy.NewPoints(pts, plane), nil
	case "Polygon":
		rings := coords.Array()
		if len(rings) == 0 {
			return hierarchy.Geometry{}, fmt.Errorf("%w: polygon without rings", ErrInvalid)
		}
		if len(rings) > 1 {
			logging.Logger().Debug("geojson polygon holes dropped", "holes", len(rings)-1)
		}
		pts, err := points(rings[0])
		if err != nil {
			return hierarchy.Geometry{}, err
		}
		poly := hierarchy.NewPolygon(pts, plane)
		switch {
		case ellipse:
			poly.Type = hierarchy.GeometryEllipse
		case isAxisAlignedBox(poly.Points):
			poly.Type = hierarchy.GeometryRectangle
		}
		return poly, nil
	default:
		return hierarchy.Geometry{}, fmt.Errorf("%w: unsupported geometry type %q", ErrInvalid, typ)
	}
}

func point(c gjson.Result) (hierarchy.Point, error) {
	xy := c.Array()
	if len(xy) < 2 {
		return hierarchy.Point{}, fmt.Errorf("%w: position needs two coordinates", ErrInvalid)
	}
	return hierarchy.Point{X: xy[0].Float(), Y: xy[1].Float()}, nil
}

func points(c gjson.Result) ([]hierarchy.Point, error) {
	arr := c.Array()
	out := make([]hierarchy.Point, 0, len(arr))
	for _, v := range arr {
		p, err := point(v)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// isAxisAlignedBox reports whether a ring is a rectangle in the vertex order
// NewRectangle produces.
func isAxisAlignedBox(pts []hierarchy.Point) bool {
	if len(pts) != 4 {
		return false
	}
	return pts[0].Y == pts[1].Y && pts[1].X == pts[2].X &&
		pts[2].Y == pts[3].Y && pts[3].X == pts[0].X &&
		pts[0].X < pts[1].X && pts[1].Y < pts[2].Y
}

// parseMeasurements accepts a name → value object or the older list of
// {"name": ..., "value": ...} entries.
func parseMeasurements(m gjson.Result) map[string]float64 {
	out := make(map[string]float64)
	switch {
	case m.IsObject():
		m.ForEach(func(k, v gjson.Result) bool {
			if v.Type == gjson.Number {
				out[k.String()] = v.Float()
			}
			return true
		})
	case m.IsArray():
		for _, e := range m.Array() {
			if v := e.Get("value"); v.Type == gjson.Number {
				out[e.Get("name").String()] = v.Float()
			}
		}
	}
	return out
}

// Classes returns the distinct classifications in objs, sorted.
func Classes(objs []*hierarchy.PathObject) []string {
	seen := make(map[string]struct{})
	for _, o := range objs {
		if c := o.Classification(); c != "" {
			seen[c] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}
