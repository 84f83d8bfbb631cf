// Package vm - interactive debugger support.
package vm

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kristofer/tsmalltalk/pkg/bytecode"
	"github.com/kristofer/tsmalltalk/pkg/object"
)

// Debugger drives a VM one instruction at a time via Run(ctx, 1),
// checking byte-offset breakpoints and step mode between ticks. This is
// the interactive counterpart to VM.OnBreakpoint's programmatic hook:
// Run's own tick budget already gives us single-stepping for free, so
// the debugger doesn't need its own copy of the dispatch loop.
type Debugger struct {
	vm          *VM
	breakpoints map[int]bool // byte offsets where execution should pause
	stepMode    bool         // if true, pause before every instruction
	enabled     bool
}

// NewDebugger creates a debugger over vm. It starts disabled.
func NewDebugger(vm *VM) *Debugger {
	return &Debugger{vm: vm, breakpoints: make(map[int]bool)}
}

func (d *Debugger) Enable()                  { d.enabled = true }
func (d *Debugger) Disable()                 { d.enabled = false }
func (d *Debugger) SetStepMode(enabled bool) { d.stepMode = enabled }

func (d *Debugger) AddBreakpoint(offset int)    { d.breakpoints[offset] = true }
func (d *Debugger) RemoveBreakpoint(offset int) { delete(d.breakpoints, offset) }
func (d *Debugger) ClearBreakpoints()           { d.breakpoints = make(map[int]bool) }

func (d *Debugger) shouldPause(ctx object.Ref) bool {
	if !d.enabled {
		return false
	}
	if d.stepMode {
		return true
	}
	return d.breakpoints[d.vm.bytePointer(ctx)]
}

// Drive runs ctx to completion, calling prompt before every paused
// instruction (a breakpoint hit, or every instruction in step mode).
// prompt returns false to abort execution early.
func (d *Debugger) Drive(ctx object.Ref, prompt func(ctx object.Ref) bool) (Result, error) {
	for {
		if d.shouldPause(ctx) && !prompt(ctx) {
			return Result{Outcome: Returned, Value: d.vm.Roots.Nil}, nil
		}
		result, err := d.vm.Run(ctx, 1)
		if err != nil || result.Outcome == Returned {
			return result, err
		}
		ctx = result.Context
	}
}

// methodName returns ctx's method's name as a Go string, best-effort,
// for display purposes only.
func (d *Debugger) methodName(ctx object.Ref) string {
	h := d.vm.Heap
	method := object.Field(h, ctx, object.ContextMethod)
	name := object.Field(h, method, object.MethodName)
	if name == 0 || object.IsSmallInteger(name) {
		return "?"
	}
	return string(h.Bytes(name))
}

// ShowInstruction prints the instruction at ctx's current byte pointer.
func (d *Debugger) ShowInstruction(ctx object.Ref) {
	code := d.vm.methodBytes(ctx)
	bp := d.vm.bytePointer(ctx)
	ins, err := bytecode.Decode(code, bp)
	if err != nil {
		fmt.Printf("  %4d: <decode error: %v>\n", bp, err)
		return
	}
	fmt.Printf("  %4d: %s arg=%d extra=%d\n", bp, ins.Op, ins.Argument, ins.Extra)
}

// ShowStack prints ctx's own operand stack, top to bottom.
func (d *Debugger) ShowStack(ctx object.Ref) {
	top := d.vm.stackTop(ctx)
	fmt.Println("Stack (top to bottom):")
	if top == 0 {
		fmt.Println("  (empty)")
		return
	}
	slots := d.vm.Heap.Fields(d.vm.stackArray(ctx))
	for i := top - 1; i >= 0; i-- {
		fmt.Printf("  [%d] ref=%d\n", i, slots[i])
	}
}

// ShowTemporaries prints ctx's temporaries array.
func (d *Debugger) ShowTemporaries(ctx object.Ref) {
	h := d.vm.Heap
	temps := object.Field(h, ctx, object.ContextTemporaries)
	n := object.Size(h, temps)
	fmt.Println("Temporaries:")
	if n == 0 {
		fmt.Println("  (none)")
		return
	}
	for i, v := range h.Fields(temps) {
		fmt.Printf("  [%d] ref=%d\n", i, v)
	}
}

// ShowCallStack walks previousContext links from ctx to the top-level
// activation, printing one line per frame.
func (d *Debugger) ShowCallStack(ctx object.Ref) {
	h := d.vm.Heap
	fmt.Println("Call stack (top to bottom):")
	for c := ctx; c != 0; c = object.Field(h, c, object.ContextPreviousContext) {
		kind := "context"
		if d.vm.isBlock(c) {
			kind = "block"
		}
		fmt.Printf("  %s in %s [bp=%d]\n", kind, d.methodName(c), d.vm.bytePointer(c))
	}
}

// InteractivePrompt is a Drive-compatible prompt function: it reads
// commands from stdin until told to continue or quit.
func (d *Debugger) InteractivePrompt(ctx object.Ref) bool {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("\n=== Debugger Paused ===")
	d.ShowInstruction(ctx)

	for {
		fmt.Print("debug> ")
		if !scanner.Scan() {
			return false
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		switch parts[0] {
		case "help", "h", "?":
			d.printHelp()
		case "continue", "c":
			d.SetStepMode(false)
			return true
		case "step", "s":
			d.SetStepMode(true)
			return true
		case "stack", "st":
			d.ShowStack(ctx)
		case "temps", "t":
			d.ShowTemporaries(ctx)
		case "callstack", "cs":
			d.ShowCallStack(ctx)
		case "instruction", "i":
			d.ShowInstruction(ctx)
		case "breakpoint", "b":
			if len(parts) < 2 {
				fmt.Println("Usage: breakpoint <byte-offset>")
				continue
			}
			n, err := strconv.Atoi(parts[1])
			if err != nil {
				fmt.Println("Invalid byte offset")
				continue
			}
			d.AddBreakpoint(n)
			fmt.Printf("Breakpoint added at offset %d\n", n)
		case "delete", "d":
			if len(parts) < 2 {
				fmt.Println("Usage: delete <byte-offset>")
				continue
			}
			n, err := strconv.Atoi(parts[1])
			if err != nil {
				fmt.Println("Invalid byte offset")
				continue
			}
			d.RemoveBreakpoint(n)
			fmt.Printf("Breakpoint removed at offset %d\n", n)
		case "quit", "q":
			return false
		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", parts[0])
		}
	}
}

func (d *Debugger) printHelp() {
	fmt.Println("Debugger commands:")
	fmt.Println("  help, h, ?            Show this help")
	fmt.Println("  continue, c           Continue execution")
	fmt.Println("  step, s               Enable step mode")
	fmt.Println("  stack, st             Show current context's operand stack")
	fmt.Println("  temps, t              Show current context's temporaries")
	fmt.Println("  callstack, cs         Show the previousContext chain")
	fmt.Println("  instruction, i        Show the current instruction")
	fmt.Println("  breakpoint <n>, b     Add a breakpoint at byte offset n")
	fmt.Println("  delete <n>, d         Remove a breakpoint at byte offset n")
	fmt.Println("  quit, q               Quit debugging")
}
