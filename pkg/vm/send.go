package vm

import (
	"github.com/kristofer/tsmalltalk/pkg/bytecode"
	"github.com/kristofer/tsmalltalk/pkg/heap"
	"github.com/kristofer/tsmalltalk/pkg/object"
)

// send implements spec.md §4.H "Sending a message" steps 1-2: resolve
// selector against args[0]'s class, falling back to
// #doesNotUnderstand: (with arguments rewritten to [receiver,
// failed-selector]) when the class hierarchy has no match. Step 3 (tail
// -call elision) is the caller's job, via tailTarget, and step 4
// (context activation) is activateMethod's; send only resolves what
// method and what arguments to activate.
func (vm *VM) send(args []object.Ref, selector object.Ref, previous object.Ref) (object.Ref, error) {
	h := vm.Heap
	receiver := args[0]
	class := object.ClassOf(h, receiver)

	method := vm.lookupMethod(class, selector)
	if method == object.NotFound {
		dnu := vm.lookupMethod(class, vm.Roots.DoesNotUnderstand)
		if dnu == object.NotFound {
			return 0, &MethodNotFoundError{Class: class, Selector: selector}
		}
		method = dnu
		args = []object.Ref{receiver, selector}
	}

	return vm.activateMethod(method, args, previous)
}

// activateMethod implements spec.md §4.H step 4: build a fresh Context
// whose Arguments array is args, Temporaries is sized from the method,
// Stack is sized from the method, and whose previousContext is
// previous (already resolved by the caller, accounting for tail-call
// elision).
func (vm *VM) activateMethod(method object.Ref, args []object.Ref, previous object.Ref) (object.Ref, error) {
	h := vm.Heap

	hMethod := h.NewHandle(method)
	hPrev := h.NewHandle(previous)
	defer hMethod.Release()
	defer hPrev.Release()

	argHandles := make([]*heap.Handle, len(args))
	for i, a := range args {
		argHandles[i] = h.NewHandle(a)
	}
	defer func() {
		for _, hh := range argHandles {
			hh.Release()
		}
	}()

	argArray, _, err := h.Allocate(vm.Roots.ArrayClass, len(args))
	if err != nil {
		return 0, err
	}
	hArgArray := h.NewHandle(argArray)
	defer hArgArray.Release()
	slots := h.Fields(hArgArray.Ref())
	for i, hh := range argHandles {
		slots[i] = hh.Ref()
	}

	tempSize := int(object.AsSmallInteger(object.Field(h, hMethod.Ref(), object.MethodTemporarySize)))
	tempArray, _, err := h.Allocate(vm.Roots.ArrayClass, tempSize)
	if err != nil {
		return 0, err
	}

	stackSize := int(object.AsSmallInteger(object.Field(h, hMethod.Ref(), object.MethodStackSize)))
	return vm.newContext(hMethod.Ref(), hArgArray.Ref(), tempArray, hPrev.Ref(), stackSize)
}

// tailTarget implements spec.md §4.H step 3's tail-call-elision
// optimization: if the instruction immediately following the send at
// ctx's current byte pointer is a stack-return (or a block-return whose
// target would be ctx anyway), the new context's previous should be
// ctx's own previous (or ctx's home's previous, for a block) rather
// than ctx itself — ctx's frame contributes nothing once this send
// returns, so it can be elided from the chain entirely.
func (vm *VM) tailTarget(ctx object.Ref) object.Ref {
	code := vm.methodBytes(ctx)
	bp := vm.bytePointer(ctx)
	ins, err := bytecode.Decode(code, bp)
	if err != nil || ins.Op != bytecode.OpDoSpecial {
		return ctx
	}
	switch bytecode.Special(ins.Argument) {
	case bytecode.SpecialStackReturn:
		return object.Field(vm.Heap, ctx, object.ContextPreviousContext)
	case bytecode.SpecialBlockReturn:
		home := ctx
		if vm.isBlock(ctx) {
			home = object.Field(vm.Heap, ctx, object.BlockCreatingContext)
		}
		return object.Field(vm.Heap, home, object.ContextPreviousContext)
	default:
		return ctx
	}
}

// methodBytes returns ctx's method's raw byte-code stream.
func (vm *VM) methodBytes(ctx object.Ref) []byte {
	h := vm.Heap
	method := object.Field(h, ctx, object.ContextMethod)
	code := object.Field(h, method, object.MethodByteCodes)
	return h.Bytes(code)
}

// invokeBlock implements spec.md §4.H "Block invocation": copies args
// into the block's temporaries starting at its argument location,
// resets its stack top and byte pointer to its entry point, and links
// its previousContext to callerPrevious. ok is false if the block
// doesn't have room for len(args) values at its argument location —
// the primitive should fail (push nil, continue) in that case.
func (vm *VM) invokeBlock(block object.Ref, args []object.Ref, callerPrevious object.Ref) bool {
	h := vm.Heap
	argLoc := int(object.AsSmallInteger(object.Field(h, block, object.BlockArgumentLocation)))
	temps := object.Field(h, block, object.ContextTemporaries)
	if object.Size(h, temps)-argLoc < len(args) {
		return false
	}
	slots := h.Fields(temps)
	copy(slots[argLoc:argLoc+len(args)], args)
	vm.setStackTop(block, 0)
	object.SetField(h, block, object.ContextPreviousContext, callerPrevious)
	vm.setBytePointer(block, int(object.AsSmallInteger(object.Field(h, block, object.BlockBytePointer))))
	return true
}

// blockReturnTarget implements spec.md §4.H "Non-local block return":
// the creating context's previous context, i.e. the caller of the
// method activation that the block literal was created inside. A
// target of 0 means that activation has already returned — the process
// terminates rather than pushing into a context that no longer exists.
func (vm *VM) blockReturnTarget(creatingContext object.Ref) object.Ref {
	return object.Field(vm.Heap, creatingContext, object.ContextPreviousContext)
}
