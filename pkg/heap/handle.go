package heap

import "github.com/kristofer/tsmalltalk/pkg/object"

// Handle is a scoped external pointer: a live object.Ref that the
// collector will keep up to date across any number of collections,
// registered on construction and released on scope exit. This is the
// Go-idiomatic replacement for the templated intrusive handle objects
// described in spec.md §9 — an explicit root-set entry with a token the
// caller must Release, rather than a destructor the language can't
// guarantee runs at a useful time.
//
// Usage:
//
//	h := heap.NewHandle(someRef)
//	defer h.Release()
//	... any number of allocations ...
//	useIt(h.Ref()) // always current, even if a GC relocated someRef
type Handle struct {
	heap *Heap
	id   int
	ref  object.Ref
}

// NewHandle registers ref as an external pointer and returns a Handle
// guarding it.
func (h *Heap) NewHandle(ref object.Ref) *Handle {
	id := h.nextRootID
	h.nextRootID++
	hd := &Handle{heap: h, id: id}
	hd.ref = ref
	h.externalPointers[id] = &hd.ref
	return hd
}

// Ref returns the handle's current value, rewritten by any collection
// that has run since the handle was created or last read.
func (hd *Handle) Ref() object.Ref { return hd.ref }

// Set updates the value the handle guards.
func (hd *Handle) Set(ref object.Ref) { hd.ref = ref }

// Release removes the handle from the external-pointer registry. After
// Release, the handle's Ref is no longer updated by collections.
func (hd *Handle) Release() { delete(hd.heap.externalPointers, hd.id) }

// RegisterExternalPointer and ReleaseExternalPointer expose the raw
// registry operations from spec.md §4.B for callers that already own a
// stable *object.Ref (e.g. a field inside a longer-lived struct) and
// don't need the Handle wrapper's own storage.
func (h *Heap) RegisterExternalPointer(slot *object.Ref) int {
	id := h.nextRootID
	h.nextRootID++
	h.externalPointers[id] = slot
	return id
}

func (h *Heap) ReleaseExternalPointer(id int) { delete(h.externalPointers, id) }

// AddStaticRoot registers a slot living inside the static heap (or any
// other caller-owned memory guaranteed to outlive the VM) that points
// into the dynamic heap. RemoveStaticRoot undoes it. CheckRoot is the
// write-barrier hook that maintains this automatically for assignments
// into static-heap object fields; most callers should prefer CheckRoot
// over calling AddStaticRoot/RemoveStaticRoot directly.
func (h *Heap) AddStaticRoot(slot *object.Ref) int {
	id := h.nextRootID
	h.nextRootID++
	h.staticRoots[id] = slot
	return id
}

func (h *Heap) RemoveStaticRoot(id int) { delete(h.staticRoots, id) }

// CheckRoot is the write-barrier hook of spec.md §4.B: call it whenever
// a Ref-typed slot inside the static heap is about to be overwritten
// with newValue. If the transition crosses the static/dynamic boundary
// it adds or removes slot from the static-root list and returns true.
func (h *Heap) CheckRoot(slot *object.Ref, newValue object.Ref) bool {
	wasDynamic := *slot != 0 && !object.IsSmallInteger(*slot) && !h.IsInStaticHeap(*slot)
	willBeDynamic := newValue != 0 && !object.IsSmallInteger(newValue) && !h.IsInStaticHeap(newValue)

	switch {
	case !wasDynamic && willBeDynamic:
		h.AddStaticRoot(slot)
		return true
	case wasDynamic && !willBeDynamic:
		h.removeStaticRootBySlot(slot)
		return true
	default:
		return false
	}
}

func (h *Heap) removeStaticRootBySlot(slot *object.Ref) {
	for id, p := range h.staticRoots {
		if p == slot {
			delete(h.staticRoots, id)
			return
		}
	}
}
