// Package vm is the bytecode interpreter: the non-recursive main loop,
// message send, block activation and non-local return, method lookup
// and its inline cache, and the numbered primitive table.
package vm

import (
	"github.com/kristofer/tsmalltalk/pkg/bytecode"
	"github.com/kristofer/tsmalltalk/pkg/heap"
	"github.com/kristofer/tsmalltalk/pkg/image"
	"github.com/kristofer/tsmalltalk/pkg/object"
)

// Memory is the subset of heap.Heap / heap.Generational the interpreter
// needs: the object-model accessors (object.Store), the handle protocol
// that keeps a live Ref correct across any allocation that might
// trigger a collection, the static-root write barrier, and the
// collection hooks the inline cache and primitives 34/254 rely on. Both
// *heap.Heap and *heap.Generational satisfy it as-is.
type Memory interface {
	object.Store
	NewHandle(ref object.Ref) *heap.Handle
	OnCollect(fn func())
	Collections() int
	Collect(extra ...*object.Ref)
	IsInStaticHeap(ref object.Ref) bool
	CheckRoot(slot *object.Ref, newValue object.Ref) bool
}

// VM is the interpreter: a heap, its root objects, a primitive dispatch
// table, and an inline method cache. It carries no process state of its
// own — Run takes and returns a context explicitly, so one VM can
// interleave any number of independent processes (spec.md §5).
type VM struct {
	Heap       Memory
	Roots      *image.Roots
	Primitives map[int]primitiveFunc
	cache      inlineCache

	// OnBreakpoint, if set, is called when DoSpecial(breakpoint)
	// executes, with the context that hit it. A nil hook makes
	// breakpoint a no-op, matching a production image running without
	// a debugger attached.
	OnBreakpoint func(ctx object.Ref)
}

// New builds a VM over an already-bootstrapped heap and root table,
// wiring the inline cache's flush to the heap's collection hook
// (spec.md §4.I: the cache "must be flushed on every garbage
// collection" since its keys are object references that a collection
// may relocate).
func New(h Memory, roots *image.Roots) *VM {
	vm := &VM{
		Heap:       h,
		Roots:      roots,
		Primitives: defaultPrimitives(),
	}
	h.OnCollect(vm.cache.flush)
	return vm
}

// Outcome classifies why Run stopped (spec.md §4.H main loop steps 3-4).
type Outcome int

const (
	// Returned means the top-level context (previousContext == 0)
	// executed a return; Value holds the returned object.
	Returned Outcome = iota
	// TimeExpired means the tick budget ran out; Context holds where
	// execution should resume from on the next Run call.
	TimeExpired
)

// Result is Run's return value — the Normal/Return split of spec.md
// §9's `Result::Normal | Return(value, target) | Error` sum type, with
// the Error arm surfaced as Run's separate `error` return instead: a
// fatal VM condition isn't a value the caller computes with, so folding
// it into Result would force every caller to type-switch before using
// the happy-path fields. This is the deliberate departure from both the
// original's C++ exception and the teacher's own error-carrying-a-
// struct idiom (`*NonLocalReturn` satisfying `error`) that spec.md §9
// calls for: a two-way (value, error) return can't distinguish "the
// process finished" from "the process yielded its tick budget",
// which is exactly the distinction a cooperative scheduler needs.
type Result struct {
	Outcome Outcome
	Value   object.Ref // valid when Outcome == Returned
	Context object.Ref // valid when Outcome == TimeExpired
}

// Run executes ctx — and whatever contexts it sends into or returns
// from — for up to ticks instructions (spec.md §4.H "Main loop"). A
// non-positive ticks means unbounded: run to completion. ctx must
// already be a fully-formed Context (see activateMethod); Run does not
// build one for you.
func (vm *VM) Run(ctx object.Ref, ticks int) (Result, error) {
	h := vm.Heap
	ctxH := h.NewHandle(ctx)
	defer ctxH.Release()

	unbounded := ticks <= 0
	remaining := ticks

	for {
		if !unbounded {
			if remaining <= 0 {
				return Result{Outcome: TimeExpired, Context: ctxH.Ref()}, nil
			}
			remaining--
		}

		cur := ctxH.Ref()
		code := vm.methodBytes(cur)
		bp := vm.bytePointer(cur)
		ins, err := bytecode.Decode(code, bp)
		if err != nil {
			return Result{}, &BadOpcodeError{Context: cur, BytePointer: bp, Cause: err}
		}
		vm.setBytePointer(cur, ins.End())

		done, value, err := vm.dispatch(ctxH, ins)
		if err != nil {
			return Result{}, err
		}
		if done {
			return Result{Outcome: Returned, Value: value}, nil
		}
	}
}

// RunProcess drives a Process object through Run, threading its
// ProcessContext/ProcessState/ProcessLastResult fields (spec.md §3
// "Process") so a scheduler only ever deals in process refs.
func (vm *VM) RunProcess(process object.Ref, ticks int) error {
	h := vm.Heap
	ctx := object.Field(h, process, object.ProcessContext)
	result, err := vm.Run(ctx, ticks)
	if err != nil {
		object.SetField(h, process, object.ProcessState, smallInt(object.ProcessError))
		return err
	}
	switch result.Outcome {
	case Returned:
		object.SetField(h, process, object.ProcessLastResult, result.Value)
		object.SetField(h, process, object.ProcessState, smallInt(object.ProcessReturned))
	case TimeExpired:
		object.SetField(h, process, object.ProcessContext, result.Context)
		object.SetField(h, process, object.ProcessState, smallInt(object.ProcessSuspended))
	}
	return nil
}

// NewInitialProcess builds the Process spec.md §6 "Process startup"
// describes: a context over vm.Roots.InitialMethod, nil receiver, a
// one-element argument array holding nil, byte pointer 0, stack top 0,
// no caller, and a stack/temporaries array sized per the method. This
// is the entry point cmd/tsmalltalk (or any other embedder with no
// real image loader) uses to get a runnable process without building
// one field by field.
func (vm *VM) NewInitialProcess() (object.Ref, error) {
	h := vm.Heap
	method := vm.Roots.InitialMethod

	args, err := object.NewArray(h, vm.Roots.ArrayClass, vm.Roots.Nil)
	if err != nil {
		return 0, err
	}
	tempSize := int(object.AsSmallInteger(object.Field(h, method, object.MethodTemporarySize)))
	temps, _, err := h.Allocate(vm.Roots.ArrayClass, tempSize)
	if err != nil {
		return 0, err
	}
	stackSize := int(object.AsSmallInteger(object.Field(h, method, object.MethodStackSize)))
	ctx, err := vm.newContext(method, args, temps, 0, stackSize)
	if err != nil {
		return 0, err
	}

	process, _, err := h.Allocate(0, object.ProcessFieldCount)
	if err != nil {
		return 0, err
	}
	object.SetField(h, process, object.ProcessContext, ctx)
	object.SetField(h, process, object.ProcessState, smallInt(object.ProcessRunning))
	object.SetField(h, process, object.ProcessLastResult, vm.Roots.Nil)
	return process, nil
}

// NewProcessFromBytecode is NewInitialProcess's counterpart for a
// raw, already-assembled byte-code stream supplied by the embedder
// (e.g. cmd/tsmalltalk's `run <file>`, where the file is a bare
// bytecode method body rather than a full on-disk image — no such
// image format is in scope per spec.md §6's closing note). literals is
// the method's literal pool; stackSize/tempSize follow the same
// Method fields Process startup reads for the built-in initial method.
func (vm *VM) NewProcessFromBytecode(code []byte, literals []object.Ref, stackSize, tempSize int) (object.Ref, error) {
	h := vm.Heap
	codeRef, _, err := h.AllocateBinary(0, len(code))
	if err != nil {
		return 0, err
	}
	copy(h.Bytes(codeRef), code)

	litsRef, err := object.NewArray(h, vm.Roots.ArrayClass, literals...)
	if err != nil {
		return 0, err
	}
	name, err := object.NewSymbol(h, vm.Roots.StringClass, "main")
	if err != nil {
		return 0, err
	}
	method, err := object.NewMethod(h, 0, name, codeRef, litsRef, stackSize, tempSize, 0)
	if err != nil {
		return 0, err
	}

	args, err := object.NewArray(h, vm.Roots.ArrayClass, vm.Roots.Nil)
	if err != nil {
		return 0, err
	}
	temps, _, err := h.Allocate(vm.Roots.ArrayClass, tempSize)
	if err != nil {
		return 0, err
	}
	ctx, err := vm.newContext(method, args, temps, 0, stackSize)
	if err != nil {
		return 0, err
	}

	process, _, err := h.Allocate(0, object.ProcessFieldCount)
	if err != nil {
		return 0, err
	}
	object.SetField(h, process, object.ProcessContext, ctx)
	object.SetField(h, process, object.ProcessState, smallInt(object.ProcessRunning))
	object.SetField(h, process, object.ProcessLastResult, vm.Roots.Nil)
	return process, nil
}

// dispatch executes exactly one instruction against ctxH's context,
// switching ctxH to a different context for sends, block activation and
// returns. done reports that the whole process returned (value is the
// top-level result); otherwise the caller's loop continues.
func (vm *VM) dispatch(ctxH *heap.Handle, ins bytecode.Instruction) (done bool, value object.Ref, err error) {
	h := vm.Heap
	cur := ctxH.Ref()

	switch ins.Op {
	case bytecode.OpPushInstance:
		self := object.Field(h, object.Field(h, cur, object.ContextArguments), 0)
		return false, 0, vm.push(ctxH, object.Field(h, self, ins.Argument))

	case bytecode.OpPushArgument:
		args := object.Field(h, cur, object.ContextArguments)
		return false, 0, vm.push(ctxH, object.Field(h, args, ins.Argument))

	case bytecode.OpPushTemporary:
		temps := object.Field(h, cur, object.ContextTemporaries)
		return false, 0, vm.push(ctxH, object.Field(h, temps, ins.Argument))

	case bytecode.OpPushLiteral:
		method := object.Field(h, cur, object.ContextMethod)
		lits := object.Field(h, method, object.MethodLiterals)
		return false, 0, vm.push(ctxH, object.Field(h, lits, ins.Argument))

	case bytecode.OpPushConstant:
		return false, 0, vm.push(ctxH, vm.constant(ins.Argument))

	case bytecode.OpAssignInstance:
		v, perr := vm.pop(cur)
		if perr != nil {
			return false, 0, perr
		}
		self := object.Field(h, object.Field(h, cur, object.ContextArguments), 0)
		vm.setFieldWithBarrier(self, ins.Argument, v)
		return false, 0, nil

	case bytecode.OpAssignTemporary:
		v, perr := vm.pop(cur)
		if perr != nil {
			return false, 0, perr
		}
		temps := object.Field(h, cur, object.ContextTemporaries)
		object.SetField(h, temps, ins.Argument, v)
		return false, 0, nil

	case bytecode.OpMarkArguments:
		return false, 0, vm.markArguments(ctxH, ins.Argument)

	case bytecode.OpSendMessage:
		return vm.doSendMessage(ctxH, ins)

	case bytecode.OpSendUnary:
		return false, 0, vm.doSendUnary(ctxH, ins)

	case bytecode.OpSendBinary:
		return vm.doSendBinary(ctxH, ins)

	case bytecode.OpPushBlock:
		return false, 0, vm.doPushBlock(ctxH, ins)

	case bytecode.OpDoPrimitive:
		return vm.doPrimitive(ctxH, ins)

	case bytecode.OpDoSpecial:
		return vm.doSpecial(ctxH, ins)

	default:
		return false, 0, &BadOpcodeError{Context: cur, BytePointer: ins.Offset}
	}
}

// constant implements PushConstant's argument encoding (spec.md §4.D).
func (vm *VM) constant(k int) object.Ref {
	switch {
	case k >= bytecode.ConstZero && k <= 9:
		return smallInt(k)
	case k == bytecode.ConstNil:
		return vm.Roots.Nil
	case k == bytecode.ConstTrue:
		return vm.Roots.True
	case k == bytecode.ConstFalse:
		return vm.Roots.False
	default:
		return vm.Roots.Nil
	}
}

// setFieldWithBarrier writes obj's field i, running the static-root
// write barrier first — obj may be a class or other object reachable
// from the static heap (spec.md §4.B), unlike the interpreter's own
// freshly-allocated activation records.
func (vm *VM) setFieldWithBarrier(obj object.Ref, i int, value object.Ref) {
	h := vm.Heap
	slot := &h.Fields(obj)[i]
	h.CheckRoot(slot, value)
	*slot = value
}

// markArguments implements MarkArguments(n): pop the top n stack values
// and push a fresh Array holding them in the same order (spec.md §4.D
// "packs top n stack values into a fresh Array pushed in place").
func (vm *VM) markArguments(ctxH *heap.Handle, n int) error {
	h := vm.Heap
	cur := ctxH.Ref()
	vals, err := vm.popN(cur, n)
	if err != nil {
		return err
	}
	handles := make([]*heap.Handle, n)
	for i, v := range vals {
		handles[i] = h.NewHandle(v)
	}
	defer func() {
		for _, hh := range handles {
			hh.Release()
		}
	}()

	arr, _, err := h.Allocate(vm.Roots.ArrayClass, n)
	if err != nil {
		return err
	}
	slots := h.Fields(arr)
	for i, hh := range handles {
		slots[i] = hh.Ref()
	}
	return vm.push(ctxH, arr)
}

// doSendMessage implements spec.md §4.H "Sending a message" for a full,
// non-inlined send: the literal at ins.Argument is the selector, the
// array on top of the stack (built by a preceding MarkArguments) is the
// argument list.
func (vm *VM) doSendMessage(ctxH *heap.Handle, ins bytecode.Instruction) (bool, object.Ref, error) {
	h := vm.Heap
	cur := ctxH.Ref()

	argArray, err := vm.pop(cur)
	if err != nil {
		return false, 0, err
	}
	args := append([]object.Ref(nil), h.Fields(argArray)...)

	method := object.Field(h, cur, object.ContextMethod)
	lits := object.Field(h, method, object.MethodLiterals)
	selector := object.Field(h, lits, ins.Argument)

	previous := vm.tailTarget(cur)
	newCtx, err := vm.send(args, selector, previous)
	if err != nil {
		return false, 0, err
	}
	return vm.switchOrReturn(ctxH, newCtx)
}

// doSendUnary implements SendUnary: the inlined #isNil/#notNil tests,
// never a real dispatch (spec.md §4.D argument 0=isNil, 1=notNil).
func (vm *VM) doSendUnary(ctxH *heap.Handle, ins bytecode.Instruction) error {
	cur := ctxH.Ref()
	recv, err := vm.pop(cur)
	if err != nil {
		return err
	}
	isNil := recv == vm.Roots.Nil
	result := vm.Roots.False
	switch bytecode.UnaryOp(ins.Argument) {
	case bytecode.UnaryIsNil:
		if isNil {
			result = vm.Roots.True
		}
	case bytecode.UnaryNotNil:
		if !isNil {
			result = vm.Roots.True
		}
	}
	return vm.push(ctxH, result)
}

// doSendBinary implements SendBinary: a fast inlined path when both
// operands are tagged SmallInts, falling back to a full send against
// the real selector (#<, #<=, #+) so a user-defined class can still
// override these operators (spec.md §4.D argument 0=<,1=<=,2=+; the
// fallback selectors are exactly why image.Roots carries LessThan/
// LessOrEqual/Plus).
func (vm *VM) doSendBinary(ctxH *heap.Handle, ins bytecode.Instruction) (bool, object.Ref, error) {
	cur := ctxH.Ref()
	vals, err := vm.popN(cur, 2)
	if err != nil {
		return false, 0, err
	}
	a, b := vals[0], vals[1]

	if object.IsSmallInteger(a) && object.IsSmallInteger(b) {
		av, bv := object.AsSmallInteger(a), object.AsSmallInteger(b)
		switch bytecode.BinaryOp(ins.Argument) {
		case bytecode.BinaryLess:
			return false, 0, vm.push(ctxH, vm.boolRef(av < bv))
		case bytecode.BinaryLessOrEqual:
			return false, 0, vm.push(ctxH, vm.boolRef(av <= bv))
		case bytecode.BinaryPlus:
			if r, perr := object.NewSmallInteger(av + bv); perr == nil {
				return false, 0, vm.push(ctxH, r)
			}
			// Overflow falls through to the real #+ send below.
		}
	}

	var selector object.Ref
	switch bytecode.BinaryOp(ins.Argument) {
	case bytecode.BinaryLess:
		selector = vm.Roots.LessThan
	case bytecode.BinaryLessOrEqual:
		selector = vm.Roots.LessOrEqual
	default:
		selector = vm.Roots.Plus
	}
	previous := vm.tailTarget(cur)
	newCtx, err := vm.send(vals, selector, previous)
	if err != nil {
		return false, 0, err
	}
	return vm.switchOrReturn(ctxH, newCtx)
}

func (vm *VM) boolRef(b bool) object.Ref {
	if b {
		return vm.Roots.True
	}
	return vm.Roots.False
}

// doPushBlock implements spec.md §4.H "PushBlock".
func (vm *VM) doPushBlock(ctxH *heap.Handle, ins bytecode.Instruction) error {
	h := vm.Heap
	cur := ctxH.Ref()

	method := object.Field(h, cur, object.ContextMethod)
	args := object.Field(h, cur, object.ContextArguments)
	temps := object.Field(h, cur, object.ContextTemporaries)
	creating := vm.homeContext(cur)
	entry := ins.End()
	stackSize := int(object.AsSmallInteger(object.Field(h, method, object.MethodStackSize)))

	blk, err := vm.newBlock(method, args, temps, creating, ins.Argument, entry, stackSize)
	if err != nil {
		return err
	}

	cur = ctxH.Ref() // newBlock's allocations may have relocated cur
	vm.setBytePointer(cur, ins.Extra)
	return vm.push(ctxH, blk)
}

// doPrimitive implements DoPrimitive dispatch, including the special-
// cased blockInvoke (spec.md §4.H "Block invocation"), which switches
// the current context instead of pushing a value.
func (vm *VM) doPrimitive(ctxH *heap.Handle, ins bytecode.Instruction) (bool, object.Ref, error) {
	h := vm.Heap
	cur := ctxH.Ref()
	primNum := ins.Extra

	if primNum == bytecode.PrimBlockInvoke {
		marked, err := vm.pop(cur)
		if err != nil {
			return false, 0, err
		}
		vals := h.Fields(marked)
		if len(vals) == 0 {
			return false, 0, vm.push(ctxH, vm.Roots.Nil)
		}
		block, blockArgs := vals[0], append([]object.Ref(nil), vals[1:]...)
		callerPrevious := object.Field(h, cur, object.ContextPreviousContext)
		if vm.invokeBlock(block, blockArgs, callerPrevious) {
			ctxH.Set(block)
			return false, 0, nil
		}
		return false, 0, vm.push(ctxH, vm.Roots.Nil)
	}

	fn, ok := vm.Primitives[primNum]
	if !ok {
		// An unregistered number has no arity of its own: it pops the
		// instruction's encoded argument count, then fails to nil.
		if _, err := vm.popN(cur, ins.Argument); err != nil {
			return false, 0, err
		}
		return false, 0, vm.push(ctxH, vm.Roots.Nil)
	}
	args, err := vm.popN(cur, primitiveArity(primNum))
	if err != nil {
		return false, 0, err
	}
	result, success, err := fn(vm, args)
	if err != nil {
		return false, 0, err
	}
	return false, 0, vm.pushAfterPrimitive(ctxH, result, success)
}

func (vm *VM) pushAfterPrimitive(ctxH *heap.Handle, result object.Ref, success bool) error {
	if success {
		return vm.push(ctxH, result)
	}
	return vm.push(ctxH, vm.Roots.Nil)
}

// doSpecial implements DoSpecial's sub-opcodes (spec.md §4.D/§4.H).
func (vm *VM) doSpecial(ctxH *heap.Handle, ins bytecode.Instruction) (bool, object.Ref, error) {
	h := vm.Heap
	cur := ctxH.Ref()

	switch bytecode.Special(ins.Argument) {
	case bytecode.SpecialSelfReturn:
		self := object.Field(h, object.Field(h, cur, object.ContextArguments), 0)
		return vm.unwindReturn(ctxH, object.Field(h, cur, object.ContextPreviousContext), self)

	case bytecode.SpecialStackReturn:
		v, err := vm.pop(cur)
		if err != nil {
			return false, 0, err
		}
		return vm.unwindReturn(ctxH, object.Field(h, cur, object.ContextPreviousContext), v)

	case bytecode.SpecialBlockReturn:
		if !vm.isBlock(cur) {
			return false, 0, &BadOpcodeError{Context: cur, BytePointer: ins.Offset}
		}
		v, err := vm.pop(cur)
		if err != nil {
			return false, 0, err
		}
		creating := object.Field(h, cur, object.BlockCreatingContext)
		target := vm.blockReturnTarget(creating)
		return vm.unwindReturn(ctxH, target, v)

	case bytecode.SpecialDuplicate:
		v, err := vm.peek(cur)
		if err != nil {
			return false, 0, err
		}
		return false, 0, vm.push(ctxH, v)

	case bytecode.SpecialPopTop:
		_, err := vm.pop(cur)
		return false, 0, err

	case bytecode.SpecialBranch:
		vm.setBytePointer(cur, ins.Extra)
		return false, 0, nil

	case bytecode.SpecialBranchIfTrue:
		v, err := vm.pop(cur)
		if err != nil {
			return false, 0, err
		}
		if v == vm.Roots.True {
			vm.setBytePointer(cur, ins.Extra)
		}
		return false, 0, nil

	case bytecode.SpecialBranchIfFalse:
		v, err := vm.pop(cur)
		if err != nil {
			return false, 0, err
		}
		if v == vm.Roots.False {
			vm.setBytePointer(cur, ins.Extra)
		}
		return false, 0, nil

	case bytecode.SpecialSendToSuper:
		return vm.doSendToSuper(ctxH, ins)

	case bytecode.SpecialBreakpoint:
		if vm.OnBreakpoint != nil {
			vm.OnBreakpoint(cur)
		}
		return false, 0, nil

	default:
		return false, 0, &BadOpcodeError{Context: cur, BytePointer: ins.Offset}
	}
}

// doSendToSuper implements `sendToSuper`: like SendMessage, but the
// lookup starts at the superclass of the class that defines the
// *currently executing* method, not at the receiver's own class — the
// usual meaning of `super` sends.
func (vm *VM) doSendToSuper(ctxH *heap.Handle, ins bytecode.Instruction) (bool, object.Ref, error) {
	h := vm.Heap
	cur := ctxH.Ref()

	argArray, err := vm.pop(cur)
	if err != nil {
		return false, 0, err
	}
	args := append([]object.Ref(nil), h.Fields(argArray)...)

	method := object.Field(h, cur, object.ContextMethod)
	lits := object.Field(h, method, object.MethodLiterals)
	selector := object.Field(h, lits, ins.Extra)

	methodClass := object.Field(h, method, object.MethodClass)
	startClass := object.Field(h, methodClass, object.ClassSuperclass)

	found := vm.lookupMethod(startClass, selector)
	if found == object.NotFound {
		dnu := vm.lookupMethod(startClass, vm.Roots.DoesNotUnderstand)
		if dnu == object.NotFound {
			return false, 0, &MethodNotFoundError{Class: startClass, Selector: selector}
		}
		found = dnu
		args = []object.Ref{args[0], selector}
	}

	previous := vm.tailTarget(cur)
	newCtx, err := vm.activateMethod(found, args, previous)
	if err != nil {
		return false, 0, err
	}
	return vm.switchOrReturn(ctxH, newCtx)
}

// unwindReturn implements the shared tail of selfReturn/stackReturn/
// blockReturn (spec.md §4.H main loop step 3 and "Non-local block
// return"): push value onto target's stack and switch to it, or — if
// target is 0, meaning the activation being returned from has no
// caller — report the whole process as Returned.
func (vm *VM) unwindReturn(ctxH *heap.Handle, target, value object.Ref) (bool, object.Ref, error) {
	if target == 0 {
		return true, value, nil
	}
	hTarget := vm.Heap.NewHandle(target)
	defer hTarget.Release()
	if err := vm.push(hTarget, value); err != nil {
		return false, 0, err
	}
	ctxH.Set(hTarget.Ref())
	return false, 0, nil
}

// switchOrReturn installs newCtx as the current context. A send can
// never itself terminate the process (only a return can), so this
// always reports "not done"; it exists to keep doSendMessage/
// doSendBinary/doSendToSuper symmetric with dispatch's (bool, Ref,
// error) shape.
func (vm *VM) switchOrReturn(ctxH *heap.Handle, newCtx object.Ref) (bool, object.Ref, error) {
	ctxH.Set(newCtx)
	return false, 0, nil
}
