package vm

import (
	"testing"

	"github.com/kristofer/tsmalltalk/pkg/bytecode"
	"github.com/kristofer/tsmalltalk/pkg/object"
)

// runPrimitive assembles push-literals..., doPrimitive(n), stackReturn
// and runs it, returning the result value.
func runPrimitive(t *testing.T, vm *VM, owner object.Ref, prim int, literals []object.Ref) object.Ref {
	t.Helper()
	var instructions []bytecode.Instruction
	for i := range literals {
		instructions = append(instructions, ins(bytecode.OpPushLiteral, i))
	}
	instructions = append(instructions,
		bytecode.Instruction{Op: bytecode.OpDoPrimitive, Extra: prim},
		specialIns(bytecode.SpecialStackReturn),
	)
	method := buildMethod(t, vm, owner, assemble(t, instructions...), literals, 8, 0)
	ctx := activate(t, vm, method, vm.Roots.Nil, 8)
	result, err := vm.Run(ctx, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return result.Value
}

func TestPrimGetClass(t *testing.T) {
	vm, roots := newTestVM(t)
	forty2, _ := object.NewSmallInteger(42)
	got := runPrimitive(t, vm, roots.ArrayClass, bytecode.PrimGetClass, []object.Ref{forty2})
	if got != roots.SmallIntClass {
		t.Errorf("expected SmallIntClass, got %d", got)
	}
}

func TestPrimObjectsAreEqual(t *testing.T) {
	vm, roots := newTestVM(t)
	a, _ := object.NewSmallInteger(9)
	b, _ := object.NewSmallInteger(9)
	got := runPrimitive(t, vm, roots.ArrayClass, bytecode.PrimObjectsAreEqual, []object.Ref{a, b})
	if got != roots.True {
		t.Errorf("expected True for equal SmallInts, got %d", got)
	}
}

func TestPrimSmallIntDivByZeroFails(t *testing.T) {
	vm, roots := newTestVM(t)
	a, _ := object.NewSmallInteger(10)
	zero, _ := object.NewSmallInteger(0)
	got := runPrimitive(t, vm, roots.ArrayClass, bytecode.PrimSmallIntDiv, []object.Ref{a, zero})
	if got != roots.Nil {
		t.Errorf("expected Nil on division by zero, got %d", got)
	}
}

func TestPrimArrayAtPutThenAt(t *testing.T) {
	vm, roots := newTestVM(t)
	h := vm.Heap
	arr, err := object.NewArray(h, roots.ArrayClass, roots.Nil, roots.Nil, roots.Nil)
	if err != nil {
		t.Fatalf("allocate array: %v", err)
	}
	one, _ := object.NewSmallInteger(1)
	hundred, _ := object.NewSmallInteger(100)

	got := runPrimitive(t, vm, roots.ArrayClass, bytecode.PrimArrayAtPut, []object.Ref{arr, one, hundred})
	if got != arr {
		t.Fatalf("expected atPut to answer the array, got %d", got)
	}
	if object.Field(h, arr, 0) != hundred {
		t.Errorf("expected slot 0 to hold 100, got %d", object.Field(h, arr, 0))
	}

	readBack := runPrimitive(t, vm, roots.ArrayClass, bytecode.PrimArrayAt, []object.Ref{arr, one})
	if readBack != hundred {
		t.Errorf("expected atPut's write to be visible to at:, got %d", readBack)
	}
}

func TestPrimBulkReplace(t *testing.T) {
	vm, roots := newTestVM(t)
	h := vm.Heap
	dest, _, err := h.AllocateBinary(roots.StringClass, 5)
	if err != nil {
		t.Fatalf("allocate dest: %v", err)
	}
	copy(h.Bytes(dest), "-----")
	src, _, err := h.AllocateBinary(roots.StringClass, 3)
	if err != nil {
		t.Fatalf("allocate src: %v", err)
	}
	copy(h.Bytes(src), "abc")

	one, _ := object.NewSmallInteger(1)
	three, _ := object.NewSmallInteger(3)
	got := runPrimitive(t, vm, roots.ArrayClass, bytecode.PrimBulkReplace, []object.Ref{dest, one, src, one, three})
	if got != dest {
		t.Fatalf("expected bulkReplace to answer dest, got %d", got)
	}
	if string(h.Bytes(dest)) != "abc--" {
		t.Errorf("expected \"abc--\", got %q", h.Bytes(dest))
	}
}

// TestUnknownPrimitivePushesNil confirms spec.md §4.J's uniform
// failure policy for a primitive number the dispatch table has no
// entry for at all (as opposed to one that rejects its arguments).
func TestUnknownPrimitivePushesNil(t *testing.T) {
	vm, roots := newTestVM(t)
	code := assemble(t,
		bytecode.Instruction{Op: bytecode.OpDoPrimitive, Extra: 200},
		specialIns(bytecode.SpecialStackReturn),
	)
	method := buildMethod(t, vm, roots.ArrayClass, code, nil, 4, 0)
	ctx := activate(t, vm, method, roots.Nil, 4)
	result, err := vm.Run(ctx, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Value != roots.Nil {
		t.Errorf("expected Nil for an unregistered primitive, got %d", result.Value)
	}
}
