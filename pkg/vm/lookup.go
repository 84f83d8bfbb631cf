package vm

import "github.com/kristofer/tsmalltalk/pkg/object"

// cacheSize is the inline cache's fixed power-of-two slot count
// (spec.md §4.I: "512 in the reference").
const cacheSize = 512

// cacheEntry is one direct-mapped {selector, class, method} slot.
type cacheEntry struct {
	valid    bool
	selector object.Ref
	class    object.Ref
	method   object.Ref
}

// inlineCache is the direct-mapped method lookup cache spec.md §4.I
// describes, indexed by hash(selector) XOR hash(class) modulo
// cacheSize. It must be flushed on every collection since its keys and
// values are heap references that a collection may relocate; VM wires
// this via heap.Heap.OnCollect.
type inlineCache struct {
	entries [cacheSize]cacheEntry
}

func refHash(r object.Ref) uint64 { return uint64(r) }

func cacheIndex(selector, class object.Ref) int {
	return int((refHash(selector) ^ refHash(class)) % cacheSize)
}

func (c *inlineCache) lookup(selector, class object.Ref) (object.Ref, bool) {
	e := &c.entries[cacheIndex(selector, class)]
	if e.valid && e.selector == selector && e.class == class {
		return e.method, true
	}
	return 0, false
}

func (c *inlineCache) store(selector, class, method object.Ref) {
	c.entries[cacheIndex(selector, class)] = cacheEntry{
		valid: true, selector: selector, class: class, method: method,
	}
}

// flush invalidates every cache entry — called after every collection,
// since a relocated object could collide with a stale slot's identity
// check in a way that's wrong rather than merely a harmless miss.
func (c *inlineCache) flush() {
	for i := range c.entries {
		c.entries[i] = cacheEntry{}
	}
}

// lookupMethod resolves selector against class's hierarchy, consulting
// (and populating) the inline cache first. It returns object.NotFound
// if no class in the hierarchy, up to nil, defines the selector.
func (vm *VM) lookupMethod(class, selector object.Ref) object.Ref {
	if m, ok := vm.cache.lookup(selector, class); ok {
		return m
	}
	m := vm.lookupMethodUncached(class, selector)
	if m != object.NotFound {
		vm.cache.store(selector, class, m)
	}
	return m
}

// lookupMethodUncached walks class's method dictionary then each
// superclass's, up to the root (superclass field 0), per spec.md §4.I
// "full lookup".
func (vm *VM) lookupMethodUncached(class, selector object.Ref) object.Ref {
	h := vm.Heap
	for c := class; c != 0; c = object.Field(h, c, object.ClassSuperclass) {
		dict := object.Field(h, c, object.ClassMethodDict)
		if m := object.DictionaryFind(h, dict, selector); m != object.NotFound {
			return m
		}
	}
	return object.NotFound
}
