package vm

import (
	"testing"

	"github.com/kristofer/tsmalltalk/pkg/bytecode"
	"github.com/kristofer/tsmalltalk/pkg/object"
)

// installMethod adds selector -> method to class's method dictionary,
// replacing whatever empty one bootstrap gave it. Tests only ever
// install a single selector per class, so no sort-merge with existing
// entries is needed.
func installMethod(t *testing.T, vm *VM, class, selector, method object.Ref) {
	t.Helper()
	h := vm.Heap
	keys, err := object.NewArray(h, vm.Roots.ArrayClass, selector)
	if err != nil {
		t.Fatalf("allocate keys: %v", err)
	}
	values, err := object.NewArray(h, vm.Roots.ArrayClass, method)
	if err != nil {
		t.Fatalf("allocate values: %v", err)
	}
	dict, err := object.NewDictionary(h, 0, keys, values)
	if err != nil {
		t.Fatalf("allocate dict: %v", err)
	}
	object.SetField(h, class, object.ClassMethodDict, dict)
}

func newSubclass(t *testing.T, vm *VM, super object.Ref) object.Ref {
	t.Helper()
	h := vm.Heap
	keys, _ := object.NewArray(h, vm.Roots.ArrayClass)
	values, _ := object.NewArray(h, vm.Roots.ArrayClass)
	dict, err := object.NewDictionary(h, 0, keys, values)
	if err != nil {
		t.Fatalf("allocate dict: %v", err)
	}
	class, err := object.NewClass(h, 0, 0, super, dict)
	if err != nil {
		t.Fatalf("allocate class: %v", err)
	}
	return class
}

// TestLookupWalksSuperclassChain confirms a selector defined only on a
// superclass resolves for a subclass's instance, and that the inline
// cache returns the same answer on a second, cache-hit lookup.
func TestLookupWalksSuperclassChain(t *testing.T) {
	vm, roots := newTestVM(t)
	base := newSubclass(t, vm, 0)
	derived := newSubclass(t, vm, base)

	selector, _ := object.NewSymbol(vm.Heap, roots.StringClass, "answer")
	forty2, _ := object.NewSmallInteger(42)
	code := assemble(t,
		ins(bytecode.OpPushLiteral, 0),
		specialIns(bytecode.SpecialStackReturn),
	)
	method := buildMethod(t, vm, base, code, []object.Ref{forty2}, 4, 0)
	installMethod(t, vm, base, selector, method)

	found := vm.lookupMethod(derived, selector)
	if found != method {
		t.Fatalf("expected to find method on superclass, got %d", found)
	}

	// Second lookup should hit the now-populated inline cache and
	// return the identical answer.
	found2 := vm.lookupMethod(derived, selector)
	if found2 != method {
		t.Fatalf("cache-hit lookup returned a different method: %d", found2)
	}
}

// TestLookupMissReturnsNotFound confirms an undefined selector reports
// object.NotFound rather than panicking.
func TestLookupMissReturnsNotFound(t *testing.T) {
	vm, roots := newTestVM(t)
	class := newSubclass(t, vm, 0)
	selector, _ := object.NewSymbol(vm.Heap, roots.StringClass, "nope")

	if got := vm.lookupMethod(class, selector); got != object.NotFound {
		t.Fatalf("expected NotFound, got %d", got)
	}
}

// TestCacheFlushOnCollect confirms a full collection invalidates the
// inline cache rather than serving a stale, possibly-relocated entry.
func TestCacheFlushOnCollect(t *testing.T) {
	vm, roots := newTestVM(t)
	class := newSubclass(t, vm, 0)
	selector, _ := object.NewSymbol(vm.Heap, roots.StringClass, "answer")
	method := buildMethod(t, vm, class, assemble(t, specialIns(bytecode.SpecialSelfReturn)), nil, 4, 0)
	installMethod(t, vm, class, selector, method)

	vm.lookupMethod(class, selector)
	if _, ok := vm.cache.lookup(selector, class); !ok {
		t.Fatalf("expected a populated cache entry before collection")
	}

	vm.Heap.Collect()

	if _, ok := vm.cache.lookup(selector, class); ok {
		t.Fatalf("expected the cache to be flushed after a collection")
	}
}

// TestSendToSuperStartsAtDefiningClassSuperclass confirms super sends
// resolve against the superclass of the class that *defines* the
// currently executing method, not the receiver's own (more derived)
// class.
func TestSendToSuperStartsAtDefiningClassSuperclass(t *testing.T) {
	vm, roots := newTestVM(t)
	grandparent := newSubclass(t, vm, 0)
	parent := newSubclass(t, vm, grandparent)
	child := newSubclass(t, vm, parent)

	selector, _ := object.NewSymbol(vm.Heap, roots.StringClass, "greeting")
	hello, _ := object.NewSmallInteger(7)

	// grandparent defines #greeting, returning 7.
	grandMethod := buildMethod(t, vm, grandparent, assemble(t,
		ins(bytecode.OpPushLiteral, 0),
		specialIns(bytecode.SpecialStackReturn),
	), []object.Ref{hello}, 4, 0)
	installMethod(t, vm, grandparent, selector, grandMethod)

	// parent's #greeting calls super greeting (a unary-style send via
	// sendToSuper with no arguments), tail-returning its result.
	parentCode := assemble(t,
		ins(bytecode.OpPushArgument, 0),
		ins(bytecode.OpMarkArguments, 1),
		bytecode.Instruction{Op: bytecode.OpDoSpecial, Argument: int(bytecode.SpecialSendToSuper), Extra: 0},
		specialIns(bytecode.SpecialStackReturn),
	)
	parentMethod := buildMethod(t, vm, parent, parentCode, []object.Ref{selector}, 4, 0)
	installMethod(t, vm, parent, selector, parentMethod)

	// An instance of child invokes #greeting, which resolves to
	// parent's override (child defines nothing); parent's super send
	// must still find grandparent's method even though the receiver's
	// own class is child, three levels derived.
	receiver, _, err := vm.Heap.Allocate(child, 0)
	if err != nil {
		t.Fatalf("allocate receiver: %v", err)
	}

	found := vm.lookupMethod(child, selector)
	if found != parentMethod {
		t.Fatalf("expected lookup to find parent's override, got %d", found)
	}

	ctx := activate(t, vm, parentMethod, receiver, 4)
	result, err := vm.Run(ctx, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if object.AsSmallInteger(result.Value) != 7 {
		t.Errorf("expected super send to reach grandparent's method (7), got %v", result.Value)
	}
}
