// Command tsmalltalk is a thin front-end over the VM core: it builds a
// heap, bootstraps (or loads) an image, runs the initial process, and
// reports the result as a process exit code. There is no on-disk image
// format in scope, so "run" without a file falls back to the in-memory
// bootstrap image and its InitialMethod; a file that cannot be read is
// reported as an error (exit code 1).
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kristofer/tsmalltalk/pkg/bytecode"
	"github.com/kristofer/tsmalltalk/pkg/heap"
	"github.com/kristofer/tsmalltalk/pkg/image"
	"github.com/kristofer/tsmalltalk/pkg/object"
	"github.com/kristofer/tsmalltalk/pkg/vm"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		runFile("")
		return
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		fmt.Printf("tsmalltalk version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	case "run":
		if len(os.Args) < 3 {
			runFile("")
			return
		}
		runFile(os.Args[2])
	case "disassemble", "disasm":
		if len(os.Args) < 3 {
			fmt.Println("Error: no file specified")
			fmt.Println("\nUsage: tsmalltalk disassemble <file>")
			os.Exit(1)
		}
		disassembleFile(os.Args[2])
	default:
		runFile(os.Args[1])
	}
}

func printUsage() {
	fmt.Println("tsmalltalk - a bytecode-level Smalltalk VM core")
	fmt.Println("\nUsage:")
	fmt.Println("  tsmalltalk                     Bootstrap an in-memory image and run it")
	fmt.Println("  tsmalltalk run [file]          Run a raw bytecode method file (default: bootstrap image)")
	fmt.Println("  tsmalltalk disassemble <file>  Disassemble a raw bytecode method file")
	fmt.Println("  tsmalltalk version             Show version")
	fmt.Println("  tsmalltalk help                Show this help")
	fmt.Println("\nFile format:")
	fmt.Println("  A bytecode file is the raw instruction stream for a single method body,")
	fmt.Println("  as produced by pkg/bytecode.Serialize. There is no image-file format.")
}

// newMachine builds a heap, bootstraps the minimal class hierarchy, and
// wires a VM over it — the fixed setup every subcommand that actually
// runs code needs.
func newMachine() (*vm.VM, *image.Roots, error) {
	h := heap.New(heap.Config{InitialSize: 4096, MaxSize: 1 << 20}, 4096)
	roots, err := image.Bootstrap(h)
	if err != nil {
		return nil, nil, err
	}
	return vm.New(h, roots), roots, nil
}

// runFile runs filename as a raw bytecode method body, or — when
// filename is empty — runs the bootstrapped image's InitialMethod. An
// unreadable file exits with code 1. Otherwise it drives the resulting
// process to completion and exits with a code reflecting the outcome.
func runFile(filename string) {
	m, _, err := newMachine()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error bootstrapping image: %v\n", err)
		os.Exit(2)
	}

	var process object.Ref
	if filename == "" {
		process, err = m.NewInitialProcess()
	} else {
		var code []byte
		code, err = os.ReadFile(filename)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading file: %v\n", err)
			os.Exit(1)
		}
		process, err = m.NewProcessFromBytecode(code, nil, 32, 0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building process: %v\n", err)
		os.Exit(2)
	}

	if err := m.RunProcess(process, 0); err != nil {
		fmt.Fprintf(os.Stderr, "Runtime error: %v\n", err)
		os.Exit(2)
	}

	os.Exit(exitCodeFor(m, process))
}

// exitCodeFor maps a finished process's ProcessState to spec.md §6's
// "exit code reflects the VM result" rule: 0 for a normal return,
// non-zero otherwise.
func exitCodeFor(m *vm.VM, process object.Ref) int {
	state := object.AsSmallInteger(object.Field(m.Heap, process, object.ProcessState))
	switch int(state) {
	case object.ProcessReturned:
		return 0
	case object.ProcessError:
		return 1
	default:
		return 1
	}
}

// disassembleFile prints every instruction in a raw bytecode method
// file, decoded via the same bytecode.DecodeAll the VM's own tooling
// uses — no separate disassembler logic to keep in sync.
func disassembleFile(filename string) {
	data, err := os.ReadFile(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading file: %v\n", err)
		os.Exit(1)
	}

	instructions, err := bytecode.DecodeAll(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding bytecode: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("=== %s ===\n", filepath.Base(filename))
	for _, ins := range instructions {
		fmt.Printf("  %4d: %s arg=%d extra=%d\n", ins.Offset, ins.Op, ins.Argument, ins.Extra)
	}
}
