// Package vm - numbered primitive operations (spec.md §4.J).
package vm

import (
	"time"

	"github.com/kristofer/tsmalltalk/pkg/bytecode"
	"github.com/kristofer/tsmalltalk/pkg/object"
)

// primitiveFunc implements one numbered primitive. args is already
// popped from the current context's stack, in push order (args[0] is
// the receiver for every primitive below). The bool result reports
// success: true pushes the returned Ref, false pushes nil and
// execution continues in the current method just after the primitive
// opcode (spec.md §4.J's uniform fail-to-nil-and-continue policy). A
// non-nil error is a fatal VM condition, not a primitive failure.
type primitiveFunc func(vm *VM, args []object.Ref) (object.Ref, bool, error)

// primitiveArity is pkg/vm's own authority on how many values a
// registered primitive pops at runtime (an unregistered number pops the
// instruction's own argument count instead; see doPrimitive).
// pkg/bytecode's primitiveArity is only consulted for static
// control-graph shape; see its doc comment.
func primitiveArity(n int) int {
	switch n {
	case bytecode.PrimGetClass, bytecode.PrimGetSize,
		bytecode.PrimIntegerNew, bytecode.PrimFlushCache, bytecode.PrimGetSystemTicks,
		bytecode.PrimCollectGarbage, bytecode.PrimThrowError:
		return 1
	case bytecode.PrimObjectsAreEqual, bytecode.PrimSmallIntAdd, bytecode.PrimSmallIntDiv,
		bytecode.PrimSmallIntMod, bytecode.PrimSmallIntLess, bytecode.PrimSmallIntEqual,
		bytecode.PrimSmallIntMul, bytecode.PrimSmallIntSub, bytecode.PrimSmallIntBitOr,
		bytecode.PrimSmallIntBitAnd, bytecode.PrimSmallIntBitShift, bytecode.PrimStringAt,
		bytecode.PrimArrayAt, bytecode.PrimCloneByteObject, bytecode.PrimAllocateObject,
		bytecode.PrimAllocateByteArray:
		return 2
	case bytecode.PrimArrayAtPut, bytecode.PrimStringAtPut:
		return 3
	case bytecode.PrimBulkReplace:
		return 5
	case bytecode.PrimStartNewProcess:
		return 1
	default:
		return 1
	}
}

// defaultPrimitives builds the dispatch table described in spec.md
// §4.J. blockInvoke is handled directly by the main loop (it switches
// the current context rather than pushing a result) and so is not
// listed here; see send.go's invokeBlock.
func defaultPrimitives() map[int]primitiveFunc {
	return map[int]primitiveFunc{
		bytecode.PrimObjectsAreEqual:  primObjectsAreEqual,
		bytecode.PrimGetClass:         primGetClass,
		bytecode.PrimGetSize:          primGetSize,
		bytecode.PrimArrayAtPut:       primArrayAtPut,
		bytecode.PrimAllocateObject:   primAllocateObject,
		bytecode.PrimSmallIntAdd:      primSmallIntArith(func(a, b int64) (int64, bool) { return a + b, true }),
		bytecode.PrimSmallIntSub:      primSmallIntArith(func(a, b int64) (int64, bool) { return a - b, true }),
		bytecode.PrimSmallIntMul:      primSmallIntArith(func(a, b int64) (int64, bool) { return a * b, true }),
		bytecode.PrimSmallIntDiv:      primSmallIntArith(func(a, b int64) (int64, bool) {
			if b == 0 {
				return 0, false
			}
			return a / b, true
		}),
		bytecode.PrimSmallIntMod: primSmallIntArith(func(a, b int64) (int64, bool) {
			if b == 0 {
				return 0, false
			}
			return a % b, true
		}),
		bytecode.PrimSmallIntBitOr:    primSmallIntArith(func(a, b int64) (int64, bool) { return a | b, true }),
		bytecode.PrimSmallIntBitAnd:   primSmallIntArith(func(a, b int64) (int64, bool) { return a & b, true }),
		bytecode.PrimSmallIntBitShift: primSmallIntShift,
		bytecode.PrimSmallIntLess:     primSmallIntCompare(func(a, b int64) bool { return a < b }),
		bytecode.PrimSmallIntEqual:    primSmallIntCompare(func(a, b int64) bool { return a == b }),
		bytecode.PrimThrowError:       primThrowError,
		bytecode.PrimAllocateByteArray: primAllocateByteArray,
		bytecode.PrimStringAt:          primStringAt,
		bytecode.PrimStringAtPut:       primStringAtPut,
		bytecode.PrimCloneByteObject:   primCloneByteObject,
		bytecode.PrimArrayAt:           primArrayAt,
		bytecode.PrimIntegerNew:        primIntegerNew,
		bytecode.PrimFlushCache:        primFlushCache,
		bytecode.PrimBulkReplace:       primBulkReplace,
		bytecode.PrimGetSystemTicks:    primGetSystemTicks,
		bytecode.PrimCollectGarbage:    primCollectGarbage,
	}
}

func primObjectsAreEqual(vm *VM, args []object.Ref) (object.Ref, bool, error) {
	if args[0] == args[1] {
		return vm.Roots.True, true, nil
	}
	return vm.Roots.False, true, nil
}

func primGetClass(vm *VM, args []object.Ref) (object.Ref, bool, error) {
	return object.ClassOf(vm.Heap, args[0]), true, nil
}

func primGetSize(vm *VM, args []object.Ref) (object.Ref, bool, error) {
	return smallInt(object.Size(vm.Heap, args[0])), true, nil
}

// primAllocateObject implements spec.md §4.J #7: args[0] is the class,
// args[1] the instance's field count.
func primAllocateObject(vm *VM, args []object.Ref) (object.Ref, bool, error) {
	if !object.IsSmallInteger(args[1]) {
		return 0, false, nil
	}
	size := int(object.AsSmallInteger(args[1]))
	if size < 0 {
		return 0, false, nil
	}
	ref, _, err := vm.Heap.Allocate(args[0], size)
	if err != nil {
		return 0, false, err
	}
	return ref, true, nil
}

func primAllocateByteArray(vm *VM, args []object.Ref) (object.Ref, bool, error) {
	if !object.IsSmallInteger(args[1]) {
		return 0, false, nil
	}
	size := int(object.AsSmallInteger(args[1]))
	if size < 0 {
		return 0, false, nil
	}
	ref, _, err := vm.Heap.AllocateBinary(args[0], size)
	if err != nil {
		return 0, false, err
	}
	return ref, true, nil
}

// primSmallIntArith builds a binary SmallInt primitive: fails (nil) if
// either operand isn't a tagged integer, or op itself reports failure
// (division/modulo by zero).
func primSmallIntArith(op func(a, b int64) (int64, bool)) primitiveFunc {
	return func(vm *VM, args []object.Ref) (object.Ref, bool, error) {
		if !object.IsSmallInteger(args[0]) || !object.IsSmallInteger(args[1]) {
			return 0, false, nil
		}
		result, ok := op(object.AsSmallInteger(args[0]), object.AsSmallInteger(args[1]))
		if !ok {
			return 0, false, nil
		}
		r, err := object.NewSmallInteger(result)
		if err != nil {
			return 0, false, nil // overflow trapped as primitive failure, not fatal
		}
		return r, true, nil
	}
}

func primSmallIntCompare(op func(a, b int64) bool) primitiveFunc {
	return func(vm *VM, args []object.Ref) (object.Ref, bool, error) {
		if !object.IsSmallInteger(args[0]) || !object.IsSmallInteger(args[1]) {
			return 0, false, nil
		}
		if op(object.AsSmallInteger(args[0]), object.AsSmallInteger(args[1])) {
			return vm.Roots.True, true, nil
		}
		return vm.Roots.False, true, nil
	}
}

// primSmallIntShift implements #39: positive shifts left, negative
// shifts right, overflow (shift amount beyond the tagged width) fails.
func primSmallIntShift(vm *VM, args []object.Ref) (object.Ref, bool, error) {
	if !object.IsSmallInteger(args[0]) || !object.IsSmallInteger(args[1]) {
		return 0, false, nil
	}
	v := object.AsSmallInteger(args[0])
	n := object.AsSmallInteger(args[1])
	if n > 62 || n < -62 {
		return 0, false, nil
	}
	var result int64
	if n >= 0 {
		result = v << uint(n)
	} else {
		result = v >> uint(-n)
	}
	r, err := object.NewSmallInteger(result)
	if err != nil {
		return 0, false, nil
	}
	return r, true, nil
}

// primThrowError implements spec.md §4.J #19: raises a fatal condition
// that unwinds the current process. Modeled as an error return so the
// main loop's caller sees it the same way any other fatal VM error is
// surfaced.
func primThrowError(vm *VM, args []object.Ref) (object.Ref, bool, error) {
	return 0, false, &RuntimeError{Message: "throwError primitive invoked"}
}

// primStringAt/primStringAtPut are 1-based byte indexing (spec.md
// §4.J "Ranges are 1-based in the language; the primitive subtracts 1
// before indexing").
func primStringAt(vm *VM, args []object.Ref) (object.Ref, bool, error) {
	if !object.IsSmallInteger(args[1]) {
		return 0, false, nil
	}
	i := int(object.AsSmallInteger(args[1])) - 1
	h := vm.Heap
	if i < 0 || i >= object.Size(h, args[0]) {
		return 0, false, nil
	}
	return smallInt(int(object.Byte(h, args[0], i))), true, nil
}

func primStringAtPut(vm *VM, args []object.Ref) (object.Ref, bool, error) {
	if !object.IsSmallInteger(args[1]) || !object.IsSmallInteger(args[2]) {
		return 0, false, nil
	}
	i := int(object.AsSmallInteger(args[1])) - 1
	v := object.AsSmallInteger(args[2])
	h := vm.Heap
	if i < 0 || i >= object.Size(h, args[0]) || v < 0 || v > 255 {
		return 0, false, nil
	}
	object.SetByte(h, args[0], i, byte(v))
	return args[0], true, nil
}

// primArrayAt/primArrayAtPut are 1-based pointer-slot indexing.
func primArrayAt(vm *VM, args []object.Ref) (object.Ref, bool, error) {
	if !object.IsSmallInteger(args[1]) {
		return 0, false, nil
	}
	i := int(object.AsSmallInteger(args[1])) - 1
	h := vm.Heap
	if i < 0 || i >= object.Size(h, args[0]) {
		return 0, false, nil
	}
	return object.Field(h, args[0], i), true, nil
}

func primArrayAtPut(vm *VM, args []object.Ref) (object.Ref, bool, error) {
	if !object.IsSmallInteger(args[1]) {
		return 0, false, nil
	}
	i := int(object.AsSmallInteger(args[1])) - 1
	h := vm.Heap
	if i < 0 || i >= object.Size(h, args[0]) {
		return 0, false, nil
	}
	// The GC root barrier: writing a dynamic-heap reference into a
	// slot that may live in the static heap must be tracked so the
	// collector finds it as a root. CheckRoot is the hook spec.md §4.B
	// describes for exactly this transition.
	slot := &vm.Heap.Fields(args[0])[i]
	vm.Heap.CheckRoot(slot, args[2])
	*slot = args[2]
	return args[0], true, nil
}

func primCloneByteObject(vm *VM, args []object.Ref) (object.Ref, bool, error) {
	h := vm.Heap
	size := object.Size(h, args[0])
	ref, _, err := h.AllocateBinary(args[1], size)
	if err != nil {
		return 0, false, err
	}
	copy(h.Bytes(ref), h.Bytes(args[0]))
	return ref, true, nil
}

// primIntegerNew is identity on a SmallInt (spec.md §4.J #32:
// "arbitrary-precision path is a future extension").
func primIntegerNew(vm *VM, args []object.Ref) (object.Ref, bool, error) {
	if !object.IsSmallInteger(args[0]) {
		return 0, false, nil
	}
	return args[0], true, nil
}

func primFlushCache(vm *VM, args []object.Ref) (object.Ref, bool, error) {
	vm.cache.flush()
	return vm.Roots.True, true, nil
}

// primBulkReplace implements spec.md §4.J #38: args are [destination,
// destStart, source, sourceStart, count], all 1-based. Fails if the two
// objects don't share binary-ness, or either's static/dynamic-heap
// membership differs, or any index falls outside bounds.
func primBulkReplace(vm *VM, args []object.Ref) (object.Ref, bool, error) {
	dest, destStart, src, srcStart, count := args[0], args[1], args[2], args[3], args[4]
	if !object.IsSmallInteger(destStart) || !object.IsSmallInteger(srcStart) || !object.IsSmallInteger(count) {
		return 0, false, nil
	}
	h := vm.Heap
	if h.HeaderOf(dest).IsBinary() != h.HeaderOf(src).IsBinary() {
		return 0, false, nil
	}
	if h.IsInStaticHeap(dest) != h.IsInStaticHeap(src) {
		return 0, false, nil
	}
	ds := int(object.AsSmallInteger(destStart)) - 1
	ss := int(object.AsSmallInteger(srcStart)) - 1
	n := int(object.AsSmallInteger(count))
	if ds < 0 || ss < 0 || n < 0 {
		return 0, false, nil
	}
	if ds+n > object.Size(h, dest) || ss+n > object.Size(h, src) {
		return 0, false, nil
	}
	if h.HeaderOf(dest).IsBinary() {
		copy(h.Bytes(dest)[ds:ds+n], h.Bytes(src)[ss:ss+n])
	} else {
		copy(h.Fields(dest)[ds:ds+n], h.Fields(src)[ss:ss+n])
	}
	return dest, true, nil
}

func primGetSystemTicks(vm *VM, args []object.Ref) (object.Ref, bool, error) {
	ms := time.Now().UnixMilli()
	r, err := object.NewSmallInteger(ms)
	if err != nil {
		return 0, false, nil
	}
	return r, true, nil
}

func primCollectGarbage(vm *VM, args []object.Ref) (object.Ref, bool, error) {
	vm.Heap.Collect()
	return vm.Roots.True, true, nil
}
