package geojson

import (
	"errors"
	"image/color"
	"math"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/pathtiles/server/internal/hierarchy"
	"github.com/pathtiles/server/internal/region"
)

func testPyramid() region.Pyramid {
	return region.Pyramid{Levels: []region.Level{{Downsample: 1, Width: 1000, Height: 1000}}}
}

func TestMarshalRoundTrip(t *testing.T) {
	plane := hierarchy.Plane{Z: 2}
	objs := []*hierarchy.PathObject{
		hierarchy.NewAnnotation(hierarchy.NewRectangle(10, 20, 100, 50, hierarchy.Plane{})).
			WithName("region 1").WithClassification("Tumor"),
		hierarchy.NewCell(hierarchy.NewEllipse(30, 30, 10, 8, plane)).
			WithMeasurements(map[string]float64{"mean": 0.5, "bad": math.NaN()}),
		hierarchy.NewDetection(hierarchy.NewPoints([]hierarchy.Point{{X: 1, Y: 2}}, hierarchy.Plane{})),
		hierarchy.NewDetection(hierarchy.NewPoints([]hierarchy.Point{{X: 1, Y: 2}, {X: 3, Y: 4}}, hierarchy.Plane{})),
		hierarchy.NewAnnotation(hierarchy.NewPolygon([]hierarchy.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 5, Y: 8}}, hierarchy.Plane{})),
	}

	data, err := Marshal(objs, func(string) color.Color { return color.RGBA{200, 0, 0, 255} })
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	doc := gjson.ParseBytes(data)
	if doc.Get("type").String() != "FeatureCollection" || doc.Get("features.#").Int() != int64(len(objs)) {
		t.Fatalf("collection = %s", data)
	}
	if got := doc.Get("features.0.properties.classification.color").Raw; got != "[200,0,0]" {
		t.Fatalf("class colour = %s", got)
	}
	if got := doc.Get("features.2.geometry.type").String(); got != "Point" {
		t.Fatalf("single point type = %s", got)
	}
	if got := doc.Get("features.3.geometry.type").String(); got != "MultiPoint" {
		t.Fatalf("point set type = %s", got)
	}
	if doc.Get("features.1.properties.measurements.bad").Exists() {
		t.Fatal("NaN measurement exported")
	}
	if got := doc.Get("features.1.geometry.plane.z").Int(); got != 2 {
		t.Fatalf("plane z = %d", got)
	}

	back, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(back) != len(objs) {
		t.Fatalf("got %d objects", len(back))
	}
	for i, want := range objs {
		got := back[i]
		if got.ID() != want.ID() || got.Kind() != want.Kind() || got.Name() != want.Name() || got.Classification() != want.Classification() {
			t.Fatalf("object %d = %v %s %q %q, want %v", i, got, got.Kind(), got.Name(), got.Classification(), want)
		}
		wg, gg := want.Geometry(), got.Geometry()
		if gg.Type != wg.Type || gg.Plane != wg.Plane || len(gg.Points) != len(wg.Points) {
			t.Fatalf("object %d geometry = %v %v %d points, want %v %v %d", i, gg.Type, gg.Plane, len(gg.Points), wg.Type, wg.Plane, len(wg.Points))
		}
		for j := range wg.Points {
			if gg.Points[j] != wg.Points[j] {
				t.Fatalf("object %d point %d = %v, want %v", i, j, gg.Points[j], wg.Points[j])
			}
		}
	}
	if v, ok := back[1].Measurement("mean"); !ok || v != 0.5 {
		t.Fatalf("measurement = %v %v", v, ok)
	}
}

func TestUnmarshalPropertyVariants(t *testing.T) {
	const doc = `[
		{"type":"Feature","id":"not-a-uuid",
		 "geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,10],[0,0]],[[2,2],[3,2],[3,3],[2,2]]]},
		 "properties":{"objectType":"tile","classification":"Stroma",
		   "measurements":[{"name":"Area","value":100},{"name":"Label","value":"x"}]}},
		{"type":"Feature",
		 "geometry":{"type":"Point","coordinates":[5,5]},
		 "properties":{}}
	]`
	objs, err := Unmarshal([]byte(doc))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("got %d objects", len(objs))
	}
	tile := objs[0]
	if tile.Kind() != hierarchy.KindTile || tile.Classification() != "Stroma" {
		t.Fatalf("tile = %s %q", tile.Kind(), tile.Classification())
	}
	if g := tile.Geometry(); g.Type != hierarchy.GeometryRectangle || len(g.Points) != 4 {
		t.Fatalf("tile geometry = %+v", g)
	}
	if m := tile.Measurements(); len(m) != 1 || m["Area"] != 100 {
		t.Fatalf("measurements = %v", m)
	}
	if tile.ID().String() == "not-a-uuid" {
		t.Fatal("id was not replaced")
	}
	if objs[1].Kind() != hierarchy.KindAnnotation || objs[1].Geometry().IsArea() {
		t.Fatalf("default object = %s %+v", objs[1].Kind(), objs[1].Geometry())
	}
}

func TestUnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed", `{"type":`},
		{"not a feature", `{"type":"Polygon","coordinates":[]}`},
		{"unknown kind", `{"type":"Feature","geometry":{"type":"Point","coordinates":[1,1]},"properties":{"objectType":"blob"}}`},
		{"root kind", `{"type":"Feature","geometry":{"type":"Point","coordinates":[1,1]},"properties":{"objectType":"root"}}`},
		{"line string", `{"type":"Feature","geometry":{"type":"LineString","coordinates":[[0,0],[1,1]]}}`},
		{"missing geometry", `{"type":"Feature","properties":{}}`},
		{"short position", `{"type":"Feature","geometry":{"type":"Point","coordinates":[1]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Unmarshal([]byte(tt.doc)); !errors.Is(err, ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestImportedObjectsInsert(t *testing.T) {
	const doc = `{"type":"FeatureCollection","features":[
		{"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[0,0],[100,0],[100,100],[0,100],[0,0]]]},"properties":{"objectType":"annotation"}},
		{"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[10,10],[15,10],[15,15],[10,15],[10,10]]]},"properties":{"objectType":"detection"}}
	]}`
	objs, err := Unmarshal([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	h := hierarchy.New(testPyramid())
	if err := h.InsertAll(objs); err != nil {
		t.Fatalf("InsertAll: %v", err)
	}
	p, ok := h.Parent(objs[1].ID())
	if !ok || p.ID() != objs[0].ID() {
		t.Fatalf("detection parent = %v", p)
	}
}

func TestClasses(t *testing.T) {
	g := hierarchy.NewRectangle(0, 0, 1, 1, hierarchy.Plane{})
	objs := []*hierarchy.PathObject{
		hierarchy.NewDetection(g).WithClassification("b"),
		hierarchy.NewDetection(g).WithClassification("a"),
		hierarchy.NewDetection(g).WithClassification("b"),
		hierarchy.NewDetection(g),
	}
	got := Classes(objs)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Classes = %v", got)
	}
}

func TestUnmarshalGeometry(t *testing.T) {
	g, err := UnmarshalGeometry([]byte(`{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,5],[0,5],[0,0]]]}`))
	if err != nil {
		t.Fatal(err)
	}
	if g.Type != hierarchy.GeometryRectangle || g.Area() != 50 {
		t.Fatalf("geometry = %+v", g)
	}

	g, err = UnmarshalGeometry([]byte(`{"type":"Feature","geometry":{"type":"Point","coordinates":[3,4],"plane":{"z":1}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Points) != 1 || g.Plane.Z != 1 {
		t.Fatalf("feature geometry = %+v", g)
	}

	if _, err := UnmarshalGeometry([]byte(`{"type":"LineString","coordinates":[[0,0],[1,1]]}`)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("LineString = %v", err)
	}
}
