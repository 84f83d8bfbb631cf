package heap

import (
	"fmt"

	"github.com/kristofer/tsmalltalk/pkg/object"
)

// oldGenBase distinguishes a reference into the generational variant's
// old generation from a dynamic (young) or static reference. It sits
// above staticBase so indexInStatic's upper check never mistakes an
// old-gen ref for a static one.
const oldGenBase = staticBase * 2

func refForOldIndex(idx int) object.Ref { return object.Ref(uint64(oldGenBase+idx+1) << 1) }

func indexInOldGen(ref object.Ref) (int, bool) {
	idx := int(ref>>1) - 1
	if idx >= oldGenBase {
		return idx - oldGenBase, true
	}
	return 0, false
}

// Generational layers the "old + young" generational scheme of
// spec.md §4.B on top of a plain Heap used as the young generation. The
// young generation is exactly the two-space collector in gc.go; the old
// generation is a separate, promotion-only arena that the young
// collector's moved objects are appended into instead of copied back
// into young space.
type Generational struct {
	*Heap
	old      []*cell
	crossgen map[int]*object.Ref // old-object slots that currently point into the young generation
	nextID   int
}

// NewGenerational constructs a generational heap whose young generation
// uses cfg for its semispace sizing.
func NewGenerational(cfg Config, staticSize int) *Generational {
	g := &Generational{
		Heap:     New(cfg, staticSize),
		crossgen: make(map[int]*object.Ref),
	}
	g.Heap.cellLookup = g.lookupOld
	return g
}

// lookupOld is installed as the young Heap's fallback cell resolver so
// that object.Heap accessors (Fields, Bytes, HeaderOf) work uniformly
// over Refs regardless of which generation they name.
func (g *Generational) lookupOld(ref object.Ref) (*cell, bool) {
	idx, ok := indexInOldGen(ref)
	if !ok {
		return nil, false
	}
	return g.old[idx], true
}

// RecordCrossGenerationalWrite is CheckRoot's generational counterpart:
// call it whenever a slot inside an old-generation object is written
// with newValue. It adds or removes slot from the crossgen list
// depending on whether newValue now points into the young generation.
func (g *Generational) RecordCrossGenerationalWrite(slot *object.Ref, newValue object.Ref) {
	pointsYoung := newValue != 0 && !object.IsSmallInteger(newValue) && !g.IsInStaticHeap(newValue)
	if _, ok := indexInOldGen(newValue); ok {
		pointsYoung = false
	}
	for id, p := range g.crossgen {
		if p == slot {
			if !pointsYoung {
				delete(g.crossgen, id)
			}
			return
		}
	}
	if pointsYoung {
		g.crossgen[g.nextID] = slot
		g.nextID++
	}
}

// minorMove relocates ref, promoting young survivors directly into the
// old generation (spec.md: "a minor ... collection ... promoting
// survivors into the right heap"). Static refs and refs already in the
// old generation pass through unchanged.
func (g *Generational) minorMove(ref object.Ref, queue *[]object.Ref) object.Ref {
	if object.IsSmallInteger(ref) || ref == 0 {
		return ref
	}
	if g.IsInStaticHeap(ref) {
		return ref
	}
	if _, ok := indexInOldGen(ref); ok {
		return ref
	}
	idx := indexForRef(ref)
	if idx < 0 || idx >= len(g.active) {
		return ref
	}
	young := g.active[idx]
	if young == nil {
		return ref
	}
	if young.header.IsRelocated() {
		return young.forward
	}
	newIdx := len(g.old)
	promoted := &cell{header: young.header}
	promoted.header.SetRelocated(false)
	if young.header.IsBinary() {
		promoted.bytes = append([]byte(nil), young.bytes...)
	} else {
		promoted.fields = append([]object.Ref(nil), young.fields...)
	}
	g.old = append(g.old, promoted)
	newRef := refForOldIndex(newIdx)
	young.header.SetRelocated(true)
	young.forward = newRef
	*queue = append(*queue, newRef)
	return newRef
}

// MinorCollect walks only the crossgen list, the external-pointer list,
// and the static-root list (never the whole young table), promoting
// every young object it reaches into the old generation. After a minor
// collection the young generation is empty.
func (g *Generational) MinorCollect(extra ...*object.Ref) {
	var queue []object.Ref
	roots := make([]*object.Ref, 0, len(g.staticRoots)+len(g.externalPointers)+len(g.crossgen)+len(extra))
	for _, p := range g.staticRoots {
		roots = append(roots, p)
	}
	for _, p := range g.externalPointers {
		roots = append(roots, p)
	}
	for _, p := range g.crossgen {
		roots = append(roots, p)
	}
	roots = append(roots, extra...)

	for _, p := range roots {
		*p = g.minorMove(*p, &queue)
	}
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		idx, _ := indexInOldGen(ref)
		obj := g.old[idx]
		obj.header.Class = g.minorMove(obj.header.Class, &queue)
		if !obj.header.IsBinary() {
			for i, f := range obj.fields {
				obj.fields[i] = g.minorMove(f, &queue)
			}
		}
	}

	g.active = g.active[:0]
	g.crossgen = make(map[int]*object.Ref)
	g.collections++
	g.allocsSinceCollect = 0
	if g.cfg.Verbose {
		fmt.Printf("heap: minor collection %d: %d old-gen objects\n", g.collections, len(g.old))
	}
	if g.onCollect != nil {
		g.onCollect()
	}
}

// oldFreeRatioLow reports whether the old generation has less than 1/8
// of its high-water capacity free, the trigger for a major collection.
func (g *Generational) oldFreeRatioLow() bool {
	capacity := g.capacity()
	return len(g.old) > 0 && capacity-len(g.old) < capacity/8
}

// MajorCollect performs the right-to-left pass of spec.md §4.B: every
// object the old generation's roots still reach is copied into a fresh
// young table (compacting the old generation, which becomes empty), and
// the caller is expected to immediately run MinorCollect afterward to
// promote those survivors back into a compacted old generation. Running
// the two in sequence is what spec.md describes as "compacting
// everything back into the left [then] the right" — the young
// generation is only ever the intermediate hop.
func (g *Generational) MajorCollect() {
	var queue []object.Ref
	oldTable := g.old
	young := make([]*cell, 0, len(oldTable))

	move := func(ref object.Ref) object.Ref {
		if object.IsSmallInteger(ref) || ref == 0 || g.IsInStaticHeap(ref) {
			return ref
		}
		idx, ok := indexInOldGen(ref)
		if !ok {
			return ref // already young (shouldn't happen right after a minor, but safe)
		}
		obj := oldTable[idx]
		if obj.header.IsRelocated() {
			return obj.forward
		}
		newIdx := len(young)
		copied := &cell{header: obj.header}
		copied.header.SetRelocated(false)
		if obj.header.IsBinary() {
			copied.bytes = append([]byte(nil), obj.bytes...)
		} else {
			copied.fields = append([]object.Ref(nil), obj.fields...)
		}
		young = append(young, copied)
		newRef := refForIndex(newIdx)
		obj.header.SetRelocated(true)
		obj.forward = newRef
		queue = append(queue, newRef)
		return newRef
	}

	for _, p := range g.roots(nil) {
		*p = move(*p)
	}
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		idx := indexForRef(ref)
		obj := young[idx]
		obj.header.Class = move(obj.header.Class)
		if !obj.header.IsBinary() {
			for i, f := range obj.fields {
				obj.fields[i] = move(f)
			}
		}
	}

	g.old = nil
	g.active = young
	g.collections++
	if g.cfg.Verbose {
		fmt.Printf("heap: major collection %d: %d survivors promoted\n", g.collections, len(young))
	}
}

// Allocate allocates an ordinary object in the young generation,
// running a minor collection (and, if the old generation is then
// critically full, a major collection followed by another minor) under
// memory pressure, per spec.md §4.B.
func (g *Generational) Allocate(class object.Ref, size int) (object.Ref, bool, error) {
	if len(g.active) >= g.capacity() {
		g.MinorCollect()
		if g.oldFreeRatioLow() {
			g.MajorCollect()
			g.MinorCollect()
		}
	}
	return g.Heap.allocate(class, size, false)
}
