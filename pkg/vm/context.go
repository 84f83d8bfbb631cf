package vm

import (
	"github.com/kristofer/tsmalltalk/pkg/heap"
	"github.com/kristofer/tsmalltalk/pkg/object"
)

// stackGrowthQuantum is how many extra slots a context's stack array
// grows by when it overflows (spec.md §4.H "Stack protocol").
const stackGrowthQuantum = 16

// zeroSmallInt is the tagged-integer zero, used whenever a fresh
// Context's byte pointer or stack top needs initializing.
var zeroSmallInt, _ = object.NewSmallInteger(0)

func smallInt(v int) object.Ref {
	r, err := object.NewSmallInteger(int64(v))
	if err != nil {
		// Only unreachable for values actually produced by this
		// interpreter (stack sizes, byte pointers, offsets) which never
		// approach the tagged range's edge.
		panic(err)
	}
	return r
}

// newContext allocates a fresh Context activation. method, arguments,
// temporaries and previous are all protected by handles across both
// allocations (the context itself and its stack array), per the handle
// protocol spec.md §4.B requires of every allocation point.
func (vm *VM) newContext(method, arguments, temporaries, previous object.Ref, stackSize int) (object.Ref, error) {
	h := vm.Heap
	hMethod := h.NewHandle(method)
	hArgs := h.NewHandle(arguments)
	hTemps := h.NewHandle(temporaries)
	hPrev := h.NewHandle(previous)
	defer hMethod.Release()
	defer hArgs.Release()
	defer hTemps.Release()
	defer hPrev.Release()

	ref, _, err := h.Allocate(vm.Roots.ContextClass, object.ContextFieldCount)
	if err != nil {
		return 0, err
	}
	hCtx := h.NewHandle(ref)
	defer hCtx.Release()

	stack, _, err := h.Allocate(vm.Roots.ArrayClass, stackSize)
	if err != nil {
		return 0, err
	}

	ctx := hCtx.Ref()
	object.SetField(h, ctx, object.ContextMethod, hMethod.Ref())
	object.SetField(h, ctx, object.ContextArguments, hArgs.Ref())
	object.SetField(h, ctx, object.ContextTemporaries, hTemps.Ref())
	object.SetField(h, ctx, object.ContextStack, stack)
	object.SetField(h, ctx, object.ContextBytePointer, zeroSmallInt)
	object.SetField(h, ctx, object.ContextStackTop, zeroSmallInt)
	object.SetField(h, ctx, object.ContextPreviousContext, hPrev.Ref())
	return ctx, nil
}

// newBlock allocates a fresh Block activation per spec.md §4.H
// "PushBlock" step 2: same stack size as the enclosing method, sharing
// the enclosing context's arguments and temporaries.
func (vm *VM) newBlock(method, arguments, temporaries, creatingContext object.Ref, argLocation, blockBytePointer, stackSize int) (object.Ref, error) {
	h := vm.Heap
	hMethod := h.NewHandle(method)
	hArgs := h.NewHandle(arguments)
	hTemps := h.NewHandle(temporaries)
	hCreating := h.NewHandle(creatingContext)
	defer hMethod.Release()
	defer hArgs.Release()
	defer hTemps.Release()
	defer hCreating.Release()

	ref, _, err := h.Allocate(vm.Roots.BlockClass, object.BlockFieldCount)
	if err != nil {
		return 0, err
	}
	hBlock := h.NewHandle(ref)
	defer hBlock.Release()

	stack, _, err := h.Allocate(vm.Roots.ArrayClass, stackSize)
	if err != nil {
		return 0, err
	}

	blk := hBlock.Ref()
	object.SetField(h, blk, object.ContextMethod, hMethod.Ref())
	object.SetField(h, blk, object.ContextArguments, hArgs.Ref())
	object.SetField(h, blk, object.ContextTemporaries, hTemps.Ref())
	object.SetField(h, blk, object.ContextStack, stack)
	object.SetField(h, blk, object.ContextBytePointer, smallInt(blockBytePointer))
	object.SetField(h, blk, object.ContextStackTop, zeroSmallInt)
	object.SetField(h, blk, object.ContextPreviousContext, 0)
	object.SetField(h, blk, object.BlockArgumentLocation, smallInt(argLocation))
	object.SetField(h, blk, object.BlockCreatingContext, hCreating.Ref())
	object.SetField(h, blk, object.BlockBytePointer, smallInt(blockBytePointer))
	return blk, nil
}

// isBlock reports whether ctx is a Block activation rather than a plain
// method Context: Block allocates BlockFieldCount slots, strictly more
// than ContextFieldCount, so the header's own size distinguishes them
// without a separate tag.
func (vm *VM) isBlock(ctx object.Ref) bool {
	return object.Size(vm.Heap, ctx) >= object.BlockFieldCount
}

// homeContext walks creatingContext links until it reaches a plain
// method Context (spec.md §4.H "creating context = current context, or
// its creating context if the current context is itself a block" —
// this is the same walk applied transitively for nested blocks).
func (vm *VM) homeContext(ctx object.Ref) object.Ref {
	for vm.isBlock(ctx) {
		ctx = object.Field(vm.Heap, ctx, object.BlockCreatingContext)
	}
	return ctx
}

func (vm *VM) stackArray(ctx object.Ref) object.Ref {
	return object.Field(vm.Heap, ctx, object.ContextStack)
}

func (vm *VM) stackTop(ctx object.Ref) int {
	return int(object.AsSmallInteger(object.Field(vm.Heap, ctx, object.ContextStackTop)))
}

func (vm *VM) setStackTop(ctx object.Ref, n int) {
	object.SetField(vm.Heap, ctx, object.ContextStackTop, smallInt(n))
}

func (vm *VM) bytePointer(ctx object.Ref) int {
	return int(object.AsSmallInteger(object.Field(vm.Heap, ctx, object.ContextBytePointer)))
}

func (vm *VM) setBytePointer(ctx object.Ref, n int) {
	object.SetField(vm.Heap, ctx, object.ContextBytePointer, smallInt(n))
}

// push appends value to ctxH's context's stack, growing it by
// stackGrowthQuantum first if it is full. ctxH is mutated in place if
// growth (which allocates, and so may relocate ctxH's own referent)
// occurs; callers must always re-read ctxH.Ref() afterward rather than
// reusing an earlier copy.
func (vm *VM) push(ctxH *heap.Handle, value object.Ref) error {
	h := vm.Heap
	ctx := ctxH.Ref()
	top := vm.stackTop(ctx)
	slots := h.Fields(vm.stackArray(ctx))
	if top >= len(slots) {
		hVal := h.NewHandle(value)
		defer hVal.Release()
		if err := vm.growStack(ctxH); err != nil {
			return err
		}
		ctx = ctxH.Ref()
		value = hVal.Ref()
		slots = h.Fields(vm.stackArray(ctx))
	}
	slots[top] = value
	vm.setStackTop(ctx, top+1)
	return nil
}

func (vm *VM) growStack(ctxH *heap.Handle) error {
	h := vm.Heap
	ctx := ctxH.Ref()
	oldSize := object.Size(h, vm.stackArray(ctx))
	newStack, _, err := h.Allocate(vm.Roots.ArrayClass, oldSize+stackGrowthQuantum)
	if err != nil {
		return err
	}
	ctx = ctxH.Ref() // Allocate may have collected and relocated ctx
	copy(h.Fields(newStack), h.Fields(vm.stackArray(ctx)))
	object.SetField(h, ctx, object.ContextStack, newStack)
	return nil
}

// pop removes and returns the top value of ctx's stack.
func (vm *VM) pop(ctx object.Ref) (object.Ref, error) {
	top := vm.stackTop(ctx)
	if top <= 0 {
		return 0, &StackUnderflowError{Context: ctx}
	}
	slots := vm.Heap.Fields(vm.stackArray(ctx))
	v := slots[top-1]
	vm.setStackTop(ctx, top-1)
	return v, nil
}

// popN removes and returns the top n values of ctx's stack, in the
// order they were pushed (result[0] is the deepest/earliest-pushed of
// the n), matching pkg/graph's argument-ordering convention.
func (vm *VM) popN(ctx object.Ref, n int) ([]object.Ref, error) {
	if n == 0 {
		return nil, nil
	}
	top := vm.stackTop(ctx)
	if top < n {
		return nil, &StackUnderflowError{Context: ctx}
	}
	slots := vm.Heap.Fields(vm.stackArray(ctx))
	out := make([]object.Ref, n)
	copy(out, slots[top-n:top])
	vm.setStackTop(ctx, top-n)
	return out, nil
}

// peek returns the top value of ctx's stack without removing it (used
// by DoSpecial duplicate).
func (vm *VM) peek(ctx object.Ref) (object.Ref, error) {
	top := vm.stackTop(ctx)
	if top <= 0 {
		return 0, &StackUnderflowError{Context: ctx}
	}
	return vm.Heap.Fields(vm.stackArray(ctx))[top-1], nil
}
