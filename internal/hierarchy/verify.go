package hierarchy

import "fmt"

// Verify checks the structural invariants: every object is reachable from
// the root through consistent parent links, and every non-root object is in
// the spatial index exactly once, on its own plane.
func (h *Hierarchy) Verify() error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	reached := make(map[ObjectID]bool, len(h.nodes))
	stack := []ObjectID{h.root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[id] {
			return fmt.Errorf("%s reached twice", id)
		}
		reached[id] = true
		n, ok := h.nodes[id]
		if !ok {
			return fmt.Errorf("child %s missing from arena", id)
		}
		for cid := range n.children {
			c, ok := h.nodes[cid]
			if !ok {
				return fmt.Errorf("child %s of %s missing from arena", cid, id)
			}
			if c.parent != id {
				return fmt.Errorf("%s listed under %s but its parent is %s", cid, id, c.parent)
			}
			stack = append(stack, cid)
		}
	}
	if len(reached) != len(h.nodes) {
		return fmt.Errorf("%d objects unreachable from root", len(h.nodes)-len(reached))
	}

	counts := make(map[ObjectID]int, len(h.nodes))
	var bad error
	h.index.scan(func(plane Plane, id ObjectID) {
		counts[id]++
		n, ok := h.nodes[id]
		if !ok {
			bad = fmt.Errorf("index holds unknown object %s", id)
			return
		}
		if n.obj.geometry.Plane != plane {
			bad = fmt.Errorf("%s indexed on plane %+v, lives on %+v", id, plane, n.obj.geometry.Plane)
		}
	})
	if bad != nil {
		return bad
	}
	for id := range h.nodes {
		if id == h.root {
			continue
		}
		if counts[id] != 1 {
			return fmt.Errorf("%s indexed %d times", id, counts[id])
		}
	}
	if h.index.len() != len(h.nodes)-1 {
		return fmt.Errorf("index holds %d entries for %d objects", h.index.len(), len(h.nodes)-1)
	}
	return nil
}
