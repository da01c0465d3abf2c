// Package hierarchy maintains the objects drawn or detected on an image as a
// containment tree with a spatial index.
//
// A Hierarchy owns every attached object in an arena keyed by id. Parent and
// child links are ids into the arena, and the per-plane R-trees hold ids only.
// All mutations take the write lock, update the forest and the index together
// and then publish exactly one ChangeEvent, so readers and observers never see
// a half-applied mutation.
package hierarchy

import (
	"cmp"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/pathtiles/server/internal/logging"
	"github.com/pathtiles/server/internal/region"
)

type node struct {
	obj      *PathObject
	parent   ObjectID
	children map[ObjectID]struct{}
	// insertion order, used to break containment ties
	seq uint64
}

// Hierarchy is safe for concurrent use: queries share a read lock, mutations
// are serialised.
type Hierarchy struct {
	mu       sync.RWMutex
	pyramid  region.Pyramid
	root     ObjectID
	nodes    map[ObjectID]*node
	detached map[ObjectID]struct{}
	index    spatialIndex
	seq      uint64
	version  uint64
	bus      *Bus
}

// Option configures a Hierarchy.
type Option func(*Hierarchy)

// WithBus publishes change events to b.
func WithBus(b *Bus) Option {
	return func(h *Hierarchy) { h.bus = b }
}

// New creates a hierarchy whose root covers the full-resolution image.
func New(p region.Pyramid, opts ...Option) *Hierarchy {
	var w, h float64
	if len(p.Levels) > 0 {
		w, h = float64(p.Width()), float64(p.Height())
	}
	root := &PathObject{id: uuid.New(), kind: KindRoot, geometry: NewRectangle(0, 0, w, h, Plane{})}
	hr := &Hierarchy{
		pyramid:  p,
		root:     root.id,
		nodes:    map[ObjectID]*node{root.id: {obj: root, children: map[ObjectID]struct{}{}}},
		detached: make(map[ObjectID]struct{}),
		index:    newSpatialIndex(),
	}
	for _, opt := range opts {
		opt(hr)
	}
	return hr
}

// Pyramid returns the image metadata the hierarchy was created for.
func (h *Hierarchy) Pyramid() region.Pyramid { return h.pyramid }

// Root returns the root object.
func (h *Hierarchy) Root() *PathObject {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nodes[h.root].obj
}

// Version increases by one with every mutation.
func (h *Hierarchy) Version() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.version
}

// Len returns the number of attached objects, excluding the root.
func (h *Hierarchy) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes) - 1
}

// Get returns the current snapshot of an attached object.
func (h *Hierarchy) Get(id ObjectID) (*PathObject, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[id]
	if !ok {
		return nil, false
	}
	return n.obj, true
}

// Parent returns the parent of an attached object; the root has none.
func (h *Hierarchy) Parent(id ObjectID) (*PathObject, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[id]
	if !ok || id == h.root {
		return nil, false
	}
	return h.nodes[n.parent].obj, true
}

// Children returns the direct children of an object in insertion order.
func (h *Hierarchy) Children(id ObjectID) []*PathObject {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[id]
	if !ok {
		return nil
	}
	ids := h.sortedChildrenLocked(n)
	out := make([]*PathObject, len(ids))
	for i, cid := range ids {
		out[i] = h.nodes[cid].obj
	}
	return out
}

// IsDetached reports whether id was removed from this hierarchy.
func (h *Hierarchy) IsDetached(id ObjectID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.detached[id]
	return ok
}

// Insert attaches obj under the smallest compatible object on its plane that
// fully contains it, or under the root. Existing children of that parent
// which obj contains and can hold are moved under obj.
func (h *Hierarchy) Insert(obj *PathObject) error {
	return h.insert([]*PathObject{obj}, uuid.Nil, false)
}

// InsertUnder attaches obj directly below parent without a containment
// search. Children of parent that obj contains are still moved under it.
func (h *Hierarchy) InsertUnder(obj *PathObject, parent ObjectID) error {
	return h.insert([]*PathObject{obj}, parent, true)
}

// InsertAll attaches several objects atomically and publishes one event.
// Larger objects are placed first so that nesting does not depend on the
// order of objs.
func (h *Hierarchy) InsertAll(objs []*PathObject) error {
	return h.insert(objs, uuid.Nil, false)
}

// InsertAllUnder attaches several objects below one parent.
func (h *Hierarchy) InsertAllUnder(objs []*PathObject, parent ObjectID) error {
	return h.insert(objs, parent, true)
}

func (h *Hierarchy) insert(objs []*PathObject, hint ObjectID, useHint bool) error {
	if len(objs) == 0 {
		return nil
	}
	for _, o := range objs {
		if o == nil {
			return fmt.Errorf("%w: nil object", ErrInvalidGeometry)
		}
		if o.kind == KindRoot {
			return fmt.Errorf("%w: cannot insert a root object", ErrRoot)
		}
		if err := o.geometry.Validate(); err != nil {
			return fmt.Errorf("inserting %s: %w", o, err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[ObjectID]struct{}, len(objs))
	for _, o := range objs {
		if _, dup := seen[o.id]; dup {
			return fmt.Errorf("%w: %s appears twice", ErrAlreadyAttached, o)
		}
		seen[o.id] = struct{}{}
		if _, ok := h.nodes[o.id]; ok {
			return fmt.Errorf("%w: %s", ErrAlreadyAttached, o)
		}
		if _, ok := h.detached[o.id]; ok {
			return fmt.Errorf("%w: %s", ErrDetached, o)
		}
	}
	if useHint {
		p, ok := h.nodes[hint]
		if !ok {
			return fmt.Errorf("%w: parent %s", ErrNotFound, hint)
		}
		for _, o := range objs {
			if !p.obj.kind.CanHold(o.kind) {
				return fmt.Errorf("%w: %s cannot hold %s", ErrIncompatibleParent, p.obj, o)
			}
		}
	}

	ordered := objs
	if len(objs) > 1 {
		ordered = slices.Clone(objs)
		slices.SortStableFunc(ordered, func(a, b *PathObject) int {
			return cmp.Compare(b.geometry.Area(), a.geometry.Area())
		})
	}

	added := make([]ObjectID, 0, len(ordered))
	var moved []ObjectID
	for _, o := range ordered {
		parent := hint
		if !useHint {
			parent = h.findParentLocked(o)
		}
		moved = append(moved, h.attachLocked(o, parent)...)
		added = append(added, o.id)
	}
	logging.Logger().Debug("objects inserted", "count", len(added), "reparented", len(moved))
	h.publishLocked(ObjectsAdded, added, moved)
	return nil
}

// findParentLocked returns the smallest compatible attached object on o's
// plane that fully contains o. Ties go to the earliest inserted object.
func (h *Hierarchy) findParentLocked(o *PathObject) ObjectID {
	g := o.geometry
	best := h.root
	bestArea := math.Inf(1)
	var bestSeq uint64
	h.index.search(g.Plane, g.Bounds(), func(id ObjectID) bool {
		n := h.nodes[id]
		if !n.obj.kind.CanHold(o.kind) {
			return true
		}
		a := n.obj.geometry.Area()
		if a > bestArea || (a == bestArea && n.seq > bestSeq) {
			return true
		}
		if !n.obj.geometry.Contains(g) {
			return true
		}
		best, bestArea, bestSeq = id, a, n.seq
		return true
	})
	return best
}

// attachLocked links o under parent, moves the parent's children that o
// should now hold and indexes o. It returns the moved children.
func (h *Hierarchy) attachLocked(o *PathObject, parent ObjectID) []ObjectID {
	h.seq++
	n := &node{obj: o, parent: parent, children: make(map[ObjectID]struct{}), seq: h.seq}
	p := h.nodes[parent]

	var moved []ObjectID
	if parent == h.root || o.geometry.Area() < p.obj.geometry.Area() {
		h.index.search(o.geometry.Plane, o.geometry.Bounds(), func(id ObjectID) bool {
			c := h.nodes[id]
			if c.parent == parent && o.kind.CanHold(c.obj.kind) && o.geometry.Contains(c.obj.geometry) {
				moved = append(moved, id)
			}
			return true
		})
		slices.SortFunc(moved, func(a, b ObjectID) int { return cmp.Compare(h.nodes[a].seq, h.nodes[b].seq) })
		for _, id := range moved {
			delete(p.children, id)
			h.nodes[id].parent = o.id
			n.children[id] = struct{}{}
		}
	}

	h.nodes[o.id] = n
	p.children[o.id] = struct{}{}
	h.index.insert(o.id, o.geometry)
	return moved
}

// Remove detaches an object. With keepChildren its children move to its
// parent; otherwise its whole subtree is removed. Removed objects can never
// be inserted again.
func (h *Hierarchy) Remove(id ObjectID, keepChildren bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if id == h.root {
		return ErrRoot
	}
	n, ok := h.nodes[id]
	if !ok {
		if _, gone := h.detached[id]; gone {
			return fmt.Errorf("%w: %s", ErrDetached, id)
		}
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p := h.nodes[n.parent]
	delete(p.children, id)

	var removed, moved []ObjectID
	if keepChildren {
		moved = h.sortedChildrenLocked(n)
		for _, cid := range moved {
			h.nodes[cid].parent = n.parent
			p.children[cid] = struct{}{}
		}
		removed = []ObjectID{id}
	} else {
		removed = h.subtreeLocked(id)
	}

	for _, rid := range removed {
		rn := h.nodes[rid]
		h.index.delete(rid, rn.obj.geometry)
		delete(h.nodes, rid)
		h.detached[rid] = struct{}{}
	}
	logging.Logger().Debug("objects removed", "count", len(removed), "reparented", len(moved))
	h.publishLocked(ObjectsRemoved, removed, moved)
	return nil
}

// UpdateGeometry replaces an object's geometry, keeping its identity and
// parent. Children the new geometry no longer contains move up to the
// object's parent.
func (h *Hierarchy) UpdateGeometry(id ObjectID, g Geometry) error {
	if err := g.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.attachedLocked(id)
	if err != nil {
		return err
	}
	h.index.delete(id, n.obj.geometry)
	n.obj = n.obj.withGeometry(g)
	h.index.insert(id, n.obj.geometry)

	var moved []ObjectID
	p := h.nodes[n.parent]
	for _, cid := range h.sortedChildrenLocked(n) {
		c := h.nodes[cid]
		if n.obj.geometry.Contains(c.obj.geometry) {
			continue
		}
		delete(n.children, cid)
		c.parent = n.parent
		p.children[cid] = struct{}{}
		moved = append(moved, cid)
	}
	h.publishLocked(GeometryChanged, []ObjectID{id}, moved)
	return nil
}

// SetClassification sets or clears ("") an object's classification.
func (h *Hierarchy) SetClassification(id ObjectID, class string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.attachedLocked(id)
	if err != nil {
		return err
	}
	n.obj = n.obj.WithClassification(class)
	h.publishLocked(ClassificationChanged, []ObjectID{id}, nil)
	return nil
}

// SetMeasurements replaces an object's measurements.
func (h *Hierarchy) SetMeasurements(id ObjectID, m map[string]float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.attachedLocked(id)
	if err != nil {
		return err
	}
	n.obj = n.obj.WithMeasurements(m)
	h.publishLocked(MeasurementsChanged, []ObjectID{id}, nil)
	return nil
}

// SetName sets an object's display name.
func (h *Hierarchy) SetName(id ObjectID, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.attachedLocked(id)
	if err != nil {
		return err
	}
	n.obj = n.obj.WithName(name)
	h.publishLocked(NameChanged, []ObjectID{id}, nil)
	return nil
}

func (h *Hierarchy) attachedLocked(id ObjectID) (*node, error) {
	if id == h.root {
		return nil, ErrRoot
	}
	n, ok := h.nodes[id]
	if !ok {
		if _, gone := h.detached[id]; gone {
			return nil, fmt.Errorf("%w: %s", ErrDetached, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n, nil
}

func (h *Hierarchy) sortedChildrenLocked(n *node) []ObjectID {
	ids := slices.Collect(maps.Keys(n.children))
	slices.SortFunc(ids, func(a, b ObjectID) int { return cmp.Compare(h.nodes[a].seq, h.nodes[b].seq) })
	return ids
}

// subtreeLocked returns id and all its descendants, parents first.
func (h *Hierarchy) subtreeLocked(id ObjectID) []ObjectID {
	out := []ObjectID{id}
	for i := 0; i < len(out); i++ {
		out = append(out, h.sortedChildrenLocked(h.nodes[out[i]])...)
	}
	return out
}

// publishLocked bumps the version and enqueues the event. The bus never
// blocks, and enqueueing under the lock keeps events in version order.
func (h *Hierarchy) publishLocked(t ChangeType, objects, reparented []ObjectID) {
	h.version++
	if h.bus == nil {
		return
	}
	ev := ChangeEvent{Type: t, Objects: objects, Reparented: reparented, Version: h.version}
	if err := h.bus.Publish(ev); err != nil {
		logging.Logger().Warn("hierarchy event dropped", "type", t.String(), "err", err)
	}
}
