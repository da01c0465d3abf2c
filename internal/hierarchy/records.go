package hierarchy

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
)

// ErrCycle is returned by Load when parent links form a cycle.
var ErrCycle = errors.New("parent links form a cycle")

// Record is the persisted form of one object. Parent is uuid.Nil for
// children of the root.
type Record struct {
	ID             ObjectID
	Parent         ObjectID
	Kind           Kind
	Name           string
	Geometry       Geometry
	Classification string
	Measurements   map[string]float64
}

// Object builds an unattached object from the record.
func (r Record) Object() *PathObject {
	o := NewObject(r.ID, r.Kind, r.Geometry)
	o.name = r.Name
	o.classification = r.Classification
	o.measurements = maps.Clone(r.Measurements)
	return o
}

// Records returns every attached object except the root, in insertion order.
func (h *Hierarchy) Records() []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()

	nodes := make([]*node, 0, len(h.nodes))
	for id, n := range h.nodes {
		if id != h.root {
			nodes = append(nodes, n)
		}
	}
	slices.SortFunc(nodes, func(a, b *node) int { return cmp.Compare(a.seq, b.seq) })

	out := make([]Record, len(nodes))
	for i, n := range nodes {
		parent := n.parent
		if parent == h.root {
			parent = uuid.Nil
		}
		out[i] = Record{
			ID:             n.obj.id,
			Parent:         parent,
			Kind:           n.obj.kind,
			Name:           n.obj.name,
			Geometry:       n.obj.geometry.clone(),
			Classification: n.obj.classification,
			Measurements:   maps.Clone(n.obj.measurements),
		}
	}
	return out
}

// Load replaces the whole hierarchy with records, keeping their parent
// links, and publishes one HierarchyReset event. Records may come in any
// order. On error the hierarchy is unchanged.
func (h *Hierarchy) Load(records []Record) error {
	byID := make(map[ObjectID]int, len(records))
	for i, r := range records {
		if r.ID == uuid.Nil {
			return fmt.Errorf("record %d: %w: nil id", i, ErrNotFound)
		}
		if _, dup := byID[r.ID]; dup {
			return fmt.Errorf("record %d: %w: duplicate id %s", i, ErrAlreadyAttached, r.ID)
		}
		if r.Kind == KindRoot {
			return fmt.Errorf("record %d: %w", i, ErrRoot)
		}
		if err := r.Geometry.Validate(); err != nil {
			return fmt.Errorf("record %d (%s): %w", i, r.ID, err)
		}
		byID[r.ID] = i
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rootNode := h.nodes[h.root]
	root := &node{obj: rootNode.obj, children: make(map[ObjectID]struct{})}
	nodes := map[ObjectID]*node{h.root: root}
	index := newSpatialIndex()

	for i, r := range records {
		parent := r.Parent
		if parent == uuid.Nil {
			parent = h.root
		} else if _, ok := byID[parent]; !ok {
			return fmt.Errorf("record %d (%s): %w: parent %s", i, r.ID, ErrNotFound, parent)
		}
		nodes[r.ID] = &node{
			obj:      r.Object(),
			parent:   parent,
			children: make(map[ObjectID]struct{}),
			seq:      uint64(i + 1),
		}
	}
	for id, n := range nodes {
		if id == h.root {
			continue
		}
		p := nodes[n.parent]
		if !p.obj.kind.CanHold(n.obj.kind) {
			return fmt.Errorf("%w: %s cannot hold %s", ErrIncompatibleParent, p.obj, n.obj)
		}
		p.children[id] = struct{}{}
	}

	// every record must be reachable from the root
	reached := 0
	stack := []ObjectID{h.root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		reached++
		for cid := range nodes[id].children {
			stack = append(stack, cid)
		}
	}
	if reached != len(nodes) {
		return fmt.Errorf("%w: %d records unreachable from root", ErrCycle, len(nodes)-reached)
	}

	for id, n := range nodes {
		if id != h.root {
			index.insert(id, n.obj.geometry)
		}
	}

	h.nodes = nodes
	h.index = index
	h.detached = make(map[ObjectID]struct{})
	h.seq = uint64(len(records))
	h.publishLocked(HierarchyReset, nil, nil)
	return nil
}
