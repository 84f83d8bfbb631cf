package heap

import (
	"fmt"

	"github.com/kristofer/tsmalltalk/pkg/object"
)

// collector carries the state of a single collection cycle: the
// from-space being scavenged, the to-space being built, and the
// breadth-first queue of objects copied but not yet scanned. Keeping
// this separate from Heap itself mirrors the redesign guidance in
// spec.md §9 to treat back-edge-style passes as pure, freestanding
// operations rather than interleaving mutable state into the owning
// type.
type collector struct {
	fromSpace []*cell
	toSpace   []*cell
	queue     []object.Ref
	isStatic  func(object.Ref) bool
}

// move relocates a single reference, per spec.md §4.B step 3:
//   - tagged integers are fixed points
//   - static/out-of-range references are returned unchanged
//   - an already-relocated from-space object yields its forwarding Ref
//   - otherwise the object is copied to to-space and enqueued for scan
func (c *collector) move(ref object.Ref) object.Ref {
	if object.IsSmallInteger(ref) || ref == 0 {
		return ref
	}
	if c.isStatic(ref) {
		return ref
	}
	idx := indexForRef(ref)
	if idx < 0 || idx >= len(c.fromSpace) {
		return ref
	}
	old := c.fromSpace[idx]
	if old == nil {
		return ref
	}
	if old.header.IsRelocated() {
		return old.forward
	}

	newIdx := len(c.toSpace)
	copied := &cell{header: old.header}
	copied.header.SetRelocated(false)
	if old.header.IsBinary() {
		copied.bytes = append([]byte(nil), old.bytes...)
	} else {
		copied.fields = append([]object.Ref(nil), old.fields...)
	}
	c.toSpace = append(c.toSpace, copied)

	newRef := refForIndex(newIdx)
	old.header.SetRelocated(true)
	old.forward = newRef
	c.queue = append(c.queue, newRef)
	return newRef
}

// scan drains the copy queue, tracing each copied object's class
// pointer and (for ordinary objects) its fields. A Cheney-style
// iterative scan over a growing slice is used, as spec.md §4.B allows,
// rather than the pointer-reversal traversal of the reference
// implementation.
func (c *collector) scan() {
	for len(c.queue) > 0 {
		ref := c.queue[0]
		c.queue = c.queue[1:]
		idx := indexForRef(ref)
		obj := c.toSpace[idx]
		obj.header.Class = c.move(obj.header.Class)
		if !obj.header.IsBinary() {
			for i, f := range obj.fields {
				obj.fields[i] = c.move(f)
			}
		}
	}
}

// roots returns every root pointer the collector must trace: the
// static-root list and the external-pointer list from spec.md §4.B,
// plus any extra roots (a process's current-context slot, handles
// still in scope on the Go call stack) the caller passes explicitly.
func (h *Heap) roots(extra []*object.Ref) []*object.Ref {
	out := make([]*object.Ref, 0, len(h.staticRoots)+len(h.externalPointers)+len(extra))
	for _, p := range h.staticRoots {
		out = append(out, p)
	}
	for _, p := range h.externalPointers {
		out = append(out, p)
	}
	out = append(out, extra...)
	return out
}

// Collect runs a full collection: swap active/inactive semispaces,
// relocate every reachable object into the new active table, and flush
// whatever process-wide caches were registered via OnCollect. extra
// lets a caller (typically the interpreter) pass additional live root
// slots — e.g. the process's current-context pointer — that aren't
// already tracked via a Handle or a static root.
func (h *Heap) Collect(extra ...*object.Ref) {
	before := len(h.active)
	c := &collector{
		fromSpace: h.active,
		toSpace:   make([]*cell, 0, len(h.active)),
		isStatic:  h.IsInStaticHeap,
	}
	for _, p := range h.roots(extra) {
		*p = c.move(*p)
	}
	c.scan()

	h.active = c.toSpace
	h.collections++
	h.allocsSinceCollect = 0
	if h.cfg.Verbose {
		fmt.Printf("heap: collection %d: %d -> %d live objects\n", h.collections, before, len(h.active))
	}
	if h.onCollect != nil {
		h.onCollect()
	}
}
