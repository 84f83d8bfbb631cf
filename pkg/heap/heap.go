// Package heap implements the VM's memory manager: a Baker-style
// two-space copying collector over a static (never-collected) heap and
// a dynamic (collected) heap, plus the rooted-handle protocol that lets
// client code hold object references safely across allocations.
//
// Go gives every object a stable address for the lifetime the runtime's
// own GC chooses, which makes literal pointer relocation both unsafe and
// unnecessary to hand-roll. Instead of copying raw bytes between two
// preallocated semispaces the way the original VM does, this package
// represents each heap as an arena of *cell values indexed by
// object.Ref, and "moves" an object by copying its cell into a fresh
// arena and rewriting the old cell into a forwarding stub. This
// preserves every observable invariant from spec.md §4.B — swap
// active/inactive, forward already-copied objects, scan copies
// recursively, flush the method cache afterward — without unsafe
// pointer arithmetic. See DESIGN.md for the full rationale.
package heap

import "github.com/kristofer/tsmalltalk/pkg/object"

// cell is one heap object: header plus body. Exactly one of fields/
// bytes is populated, per header.IsBinary().
type cell struct {
	header  object.Header
	fields  []object.Ref
	bytes   []byte
	forward object.Ref // valid only while header.IsRelocated()
}

// Config configures a Heap at construction time.
type Config struct {
	InitialSize int // starting capacity of each dynamic semispace, in object count
	MaxSize     int // ceiling the heap may grow to under pressure (§4.B allocate)
	Verbose     bool
}

// Heap is the two-space copying collector described in spec.md §4.B.
// The zero value is not usable; construct with New.
type Heap struct {
	cfg Config

	active []*cell // the currently live dynamic object table ("to-space" after the last collection)

	static []*cell // bump-allocated, never collected

	// Root registries. Each root is the address of a live object.Ref
	// variable somewhere in client code (a Handle's field, a slot
	// inside a static object's body, ...); the collector rewrites
	// *p in place during Collect.
	staticRoots      map[int]*object.Ref
	externalPointers map[int]*object.Ref
	nextRootID       int

	classes   classRefs
	onCollect func() // invoked after every completed collection; vm wires method-cache invalidation here

	// cellLookup is an optional fallback resolver for Refs that name
	// neither a dynamic nor a static cell directly — installed by
	// Generational so object.Heap accessors work uniformly over old-
	// generation Refs too.
	cellLookup func(object.Ref) (*cell, bool)

	collections        int
	allocsSinceCollect int
}

// classRefs holds the one class singleton the object-model accessors
// need directly: SmallInt, substituted for tagged integers that carry
// no header of their own.
type classRefs struct {
	smallInt object.Ref
}

// New constructs a Heap with both dynamic semispaces sized to
// cfg.InitialSize and a static heap of staticSize cells.
func New(cfg Config, staticSize int) *Heap {
	if cfg.InitialSize <= 0 {
		cfg.InitialSize = 1024
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = cfg.InitialSize * 16
	}
	return &Heap{
		cfg:              cfg,
		active:           make([]*cell, 0, cfg.InitialSize),
		static:           make([]*cell, 0, staticSize),
		staticRoots:      make(map[int]*object.Ref),
		externalPointers: make(map[int]*object.Ref),
	}
}

// SetSmallIntClass records the class singleton substituted for tagged
// SmallInt values; the loader/bootstrapper calls this once after
// populating the static heap.
func (h *Heap) SetSmallIntClass(ref object.Ref) { h.classes.smallInt = ref }

// SmallIntClass implements object.Heap.
func (h *Heap) SmallIntClass() object.Ref { return h.classes.smallInt }

// OnCollect registers a callback invoked after every completed
// collection (full or minor), used by pkg/vm to flush its method
// lookup cache per spec.md §4.I.
func (h *Heap) OnCollect(fn func()) { h.onCollect = fn }

// --- object.Heap accessors -------------------------------------------------

func (h *Heap) cellOf(ref object.Ref) *cell {
	if idx, ok := indexInStatic(ref); ok {
		return h.static[idx]
	}
	if h.cellLookup != nil {
		if c, ok := h.cellLookup(ref); ok {
			return c
		}
	}
	idx := indexForRef(ref)
	return h.active[idx]
}

func (h *Heap) HeaderOf(ref object.Ref) *object.Header { return &h.cellOf(ref).header }
func (h *Heap) Fields(ref object.Ref) []object.Ref      { return h.cellOf(ref).fields }
func (h *Heap) Bytes(ref object.Ref) []byte             { return h.cellOf(ref).bytes }

// --- allocation -------------------------------------------------------------

// refForIndex/indexForRef encode a dynamic-heap table index as a Ref
// whose low bit is clear (a heap pointer, never a tagged integer) and
// whose value is never the zero Ref, which is reserved as invalid.
func refForIndex(idx int) object.Ref { return object.Ref(uint64(idx+1) << 1) }
func indexForRef(ref object.Ref) int { return int(ref>>1) - 1 }

// staticBase is added to an index before encoding it as a Ref so static
// and dynamic references never collide; IsInStaticHeap and
// indexInStatic use the same split to tell them apart.
const staticBase = 1 << 40

func refForStaticIndex(idx int) object.Ref { return object.Ref(uint64(staticBase+idx+1) << 1) }

func indexInStatic(ref object.Ref) (int, bool) {
	idx := int(ref>>1) - 1
	if idx >= staticBase && idx < oldGenBase {
		return idx - staticBase, true
	}
	return 0, false
}

// IsInStaticHeap reports whether address names an object in the
// never-collected static heap.
func (h *Heap) IsInStaticHeap(ref object.Ref) bool {
	if object.IsSmallInteger(ref) {
		return false
	}
	_, ok := indexInStatic(ref)
	return ok
}

// Allocate allocates an ordinary (pointer-bodied) object of the given
// class with size slots, collecting and/or growing the heap first if
// needed. The returned bool reports whether a collection ran during
// this call — callers holding other Refs across the call must have
// protected them with a Handle or an external pointer, since a
// collection may have relocated them.
func (h *Heap) Allocate(class object.Ref, size int) (object.Ref, bool, error) {
	return h.allocate(class, size, false)
}

// AllocateBinary allocates a binary (byte-bodied) object of the given
// class with size bytes. Same growth/collection contract as Allocate.
func (h *Heap) AllocateBinary(class object.Ref, size int) (object.Ref, bool, error) {
	return h.allocate(class, size, true)
}

func (h *Heap) allocate(class object.Ref, size int, binary bool) (object.Ref, bool, error) {
	did := false
	if len(h.active) >= h.capacity() {
		h.Collect()
		did = true
		if free := h.capacity() - len(h.active); free < h.capacity()/8 || free <= 0 {
			if !h.grow() && free <= 0 {
				return 0, did, errAllocationFailure(size)
			}
		}
	}
	c := &cell{header: object.Header{Size: size, Class: class}}
	c.header.SetBinary(binary)
	if binary {
		c.bytes = make([]byte, size)
	} else {
		c.fields = make([]object.Ref, size)
	}
	idx := len(h.active)
	h.active = append(h.active, c)
	h.allocsSinceCollect++
	return refForIndex(idx), did, nil
}

// capacity is the current semispace's allocation ceiling before a
// collection (and possibly a grow) is triggered.
func (h *Heap) capacity() int {
	if h.cfg.InitialSize > cap(h.active) {
		return h.cfg.InitialSize
	}
	return cap(h.active)
}

// grow enlarges the heap by 1.5x, up to MaxSize, when post-collection
// free space falls under 1/8th of capacity, per spec.md §4.B. Returns
// false if already at MaxSize.
func (h *Heap) grow() bool {
	cur := h.capacity()
	if cur >= h.cfg.MaxSize {
		return false
	}
	next := cur + cur/2
	if next > h.cfg.MaxSize {
		next = h.cfg.MaxSize
	}
	grown := make([]*cell, len(h.active), next)
	copy(grown, h.active)
	h.active = grown
	return true
}

// StaticAllocate allocates size slots in the static, never-collected
// heap. Static objects are intended for image bootstrap data such as
// classes, methods, and dictionaries; StaticAllocateBinary is the
// binary-bodied counterpart used for symbols and strings baked into the
// image.
func (h *Heap) StaticAllocate(class object.Ref, size int) object.Ref {
	c := &cell{header: object.Header{Size: size, Class: class}, fields: make([]object.Ref, size)}
	idx := len(h.static)
	h.static = append(h.static, c)
	return refForStaticIndex(idx)
}

// StaticAllocateBinary allocates size bytes in the static heap.
func (h *Heap) StaticAllocateBinary(class object.Ref, size int) object.Ref {
	c := &cell{header: object.Header{Size: size, Class: class}, bytes: make([]byte, size)}
	c.header.SetBinary(true)
	idx := len(h.static)
	h.static = append(h.static, c)
	return refForStaticIndex(idx)
}

// staticStore adapts h's static-allocation API to object.Store, so
// pkg/object's composite constructors (NewClass, NewDictionary,
// NewMethod, NewArray, NewSymbol) can build image-bootstrap data
// directly in the never-collected static heap instead of the dynamic,
// collected one. Every other object.Store method is the plain *Heap
// one, promoted by embedding.
type staticStore struct{ *Heap }

func (s staticStore) Allocate(class object.Ref, size int) (object.Ref, bool, error) {
	return s.Heap.StaticAllocate(class, size), false, nil
}

func (s staticStore) AllocateBinary(class object.Ref, size int) (object.Ref, bool, error) {
	return s.Heap.StaticAllocateBinary(class, size), false, nil
}

// StaticStore returns an object.Store whose Allocate/AllocateBinary
// build in h's static heap, for image-bootstrap code that must never
// produce objects the collector can relocate out from under a Roots
// struct that isn't itself registered as a root set.
func StaticStore(h *Heap) object.Store { return staticStore{h} }

// AllocsBeyondCollection reports how many dynamic-heap allocations have
// happened since the last completed collection.
func (h *Heap) AllocsBeyondCollection() int { return h.allocsSinceCollect }

// Collections returns the total number of completed collections
// (full + minor), used by consumers that want to detect "a GC ran since
// I last checked" without registering a callback.
func (h *Heap) Collections() int { return h.collections }

func errAllocationFailure(size int) error {
	return &AllocationFailure{Requested: size}
}

// AllocationFailure reports that the memory manager could not satisfy a
// request even after a collection and growing to MaxSize.
type AllocationFailure struct{ Requested int }

func (e *AllocationFailure) Error() string {
	return "heap: allocation failure, could not satisfy request even after collection and growth"
}
