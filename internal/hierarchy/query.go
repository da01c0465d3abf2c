package hierarchy

import (
	"cmp"
	"iter"
	"slices"

	"github.com/pathtiles/server/internal/region"
)

// Query returns the objects whose geometry intersects r, converted to full
// resolution, on r's plane. The root is never returned.
//
// The sequence is lazy: nothing is read until it is ranged over. Each range
// takes one consistent snapshot under the read lock, so a single iteration
// never mixes hierarchy versions and never yields an object twice; ranging
// again observes the current version.
func (h *Hierarchy) Query(r region.Region) (iter.Seq[*PathObject], error) {
	rect, err := h.pyramid.FullResolution(r)
	if err != nil {
		return nil, err
	}
	return h.QueryRect(Plane{Z: r.Z, T: r.T}, rect), nil
}

// QueryRect is Query for a full-resolution rectangle.
func (h *Hierarchy) QueryRect(plane Plane, rect region.Rect) iter.Seq[*PathObject] {
	return func(yield func(*PathObject) bool) {
		for _, o := range h.collect(plane, rect, func(n *node) bool {
			return n.obj.geometry.IntersectsRect(rect)
		}) {
			if !yield(o) {
				return
			}
		}
	}
}

// collect returns matching objects in insertion order.
func (h *Hierarchy) collect(plane Plane, rect region.Rect, match func(*node) bool) []*PathObject {
	h.mu.RLock()
	var nodes []*node
	h.index.search(plane, rect, func(id ObjectID) bool {
		n := h.nodes[id]
		if match(n) {
			nodes = append(nodes, n)
		}
		return true
	})
	h.mu.RUnlock()
	return sortedObjects(nodes)
}

func sortedObjects(nodes []*node) []*PathObject {
	slices.SortFunc(nodes, func(a, b *node) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]*PathObject, len(nodes))
	for i, n := range nodes {
		out[i] = n.obj
	}
	return out
}

// AnnotationsForROI returns the annotations on roi's plane that roi fully
// covers.
func (h *Hierarchy) AnnotationsForROI(roi Geometry) []*PathObject {
	return h.collect(roi.Plane, roi.Bounds(), func(n *node) bool {
		return n.obj.kind == KindAnnotation && roi.Contains(n.obj.geometry)
	})
}

// DetectionsForROI returns detection-like objects on roi's plane whose
// centroid lies inside roi. With no kinds given, detections, cells and tiles
// all match.
func (h *Hierarchy) DetectionsForROI(roi Geometry, kinds ...Kind) []*PathObject {
	return h.collect(roi.Plane, roi.Bounds(), func(n *node) bool {
		k := n.obj.kind
		if len(kinds) == 0 {
			if !k.IsDetection() {
				return false
			}
		} else if !slices.Contains(kinds, k) {
			return false
		}
		return roi.ContainsPoint(n.obj.geometry.Centroid())
	})
}

// CellsForROI returns cells whose centroid lies inside roi.
func (h *Hierarchy) CellsForROI(roi Geometry) []*PathObject {
	return h.DetectionsForROI(roi, KindCell)
}

// TilesForROI returns tiles whose centroid lies inside roi.
func (h *Hierarchy) TilesForROI(roi Geometry) []*PathObject {
	return h.DetectionsForROI(roi, KindTile)
}

// AllObjects returns every attached object in insertion order, optionally
// starting with the root.
func (h *Hierarchy) AllObjects(includeRoot bool) []*PathObject {
	return h.filter(includeRoot, func(*node) bool { return true })
}

// ObjectsOfKind returns every attached object of one kind.
func (h *Hierarchy) ObjectsOfKind(kind Kind) []*PathObject {
	return h.filter(kind == KindRoot, func(n *node) bool { return n.obj.kind == kind })
}

// PointObjects returns every object whose geometry is a point set.
func (h *Hierarchy) PointObjects() []*PathObject {
	return h.filter(false, func(n *node) bool { return !n.obj.geometry.IsArea() })
}

func (h *Hierarchy) filter(includeRoot bool, match func(*node) bool) []*PathObject {
	h.mu.RLock()
	nodes := make([]*node, 0, len(h.nodes))
	for id, n := range h.nodes {
		if id == h.root {
			continue
		}
		if match(n) {
			nodes = append(nodes, n)
		}
	}
	root := h.nodes[h.root].obj
	h.mu.RUnlock()

	out := sortedObjects(nodes)
	if includeRoot {
		out = append([]*PathObject{root}, out...)
	}
	return out
}
