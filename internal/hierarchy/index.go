package hierarchy

import (
	"github.com/tidwall/rtree"

	"github.com/pathtiles/server/internal/region"
)

// spatialIndex keeps one R-tree of object ids per plane. It stores ids only;
// the arena owns the objects.
type spatialIndex struct {
	planes map[Plane]*rtree.RTreeG[ObjectID]
}

func newSpatialIndex() spatialIndex {
	return spatialIndex{planes: make(map[Plane]*rtree.RTreeG[ObjectID])}
}

func rectBox(r region.Rect) (min, max [2]float64) {
	return [2]float64{r.MinX, r.MinY}, [2]float64{r.MaxX, r.MaxY}
}

func (ix spatialIndex) insert(id ObjectID, g Geometry) {
	tr := ix.planes[g.Plane]
	if tr == nil {
		tr = &rtree.RTreeG[ObjectID]{}
		ix.planes[g.Plane] = tr
	}
	mn, mx := rectBox(g.Bounds())
	tr.Insert(mn, mx, id)
}

func (ix spatialIndex) delete(id ObjectID, g Geometry) {
	tr := ix.planes[g.Plane]
	if tr == nil {
		return
	}
	mn, mx := rectBox(g.Bounds())
	tr.Delete(mn, mx, id)
	if tr.Len() == 0 {
		delete(ix.planes, g.Plane)
	}
}

// search calls fn for every id whose bounds intersect r on plane until fn
// returns false.
func (ix spatialIndex) search(plane Plane, r region.Rect, fn func(ObjectID) bool) {
	tr := ix.planes[plane]
	if tr == nil {
		return
	}
	mn, mx := rectBox(r)
	tr.Search(mn, mx, func(_, _ [2]float64, id ObjectID) bool {
		return fn(id)
	})
}

// scan visits every entry of every plane.
func (ix spatialIndex) scan(fn func(plane Plane, id ObjectID)) {
	for plane, tr := range ix.planes {
		tr.Scan(func(_, _ [2]float64, id ObjectID) bool {
			fn(plane, id)
			return true
		})
	}
}

func (ix spatialIndex) len() int {
	n := 0
	for _, tr := range ix.planes {
		n += tr.Len()
	}
	return n
}
