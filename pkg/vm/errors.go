// Package vm - error handling with stack traces
package vm

import (
	"fmt"
	"strings"

	"github.com/kristofer/tsmalltalk/pkg/object"
)

// StackFrame represents a single context activation in the call stack.
// It captures information about where execution is occurring.
type StackFrame struct {
	Selector    string // message selector that created this activation, if any
	Context     object.Ref
	BytePointer int
}

// RuntimeError represents a runtime error with stack trace information.
// This provides detailed context about where an error occurred.
type RuntimeError struct {
	Message    string       // Error message
	StackTrace []StackFrame // Call stack at time of error
}

// Error implements the error interface.
// It formats the error message with a stack trace.
func (e *RuntimeError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)

	if len(e.StackTrace) > 0 {
		b.WriteString("\n\nStack trace:")
		for i := len(e.StackTrace) - 1; i >= 0; i-- {
			frame := e.StackTrace[i]
			b.WriteString(fmt.Sprintf("\n  at context %d", frame.Context))
			if frame.Selector != "" {
				b.WriteString(fmt.Sprintf(" (selector: %s)", frame.Selector))
			}
			b.WriteString(fmt.Sprintf(" [bp: %d]", frame.BytePointer))
		}
	}

	return b.String()
}

// newRuntimeError creates a new RuntimeError with the given message.
func newRuntimeError(message string, stack []StackFrame) *RuntimeError {
	return &RuntimeError{
		Message:    message,
		StackTrace: stack,
	}
}

// BadOpcodeError reports a decode failure or an opcode the interpreter
// has no dispatch case for — a fatal, unrecoverable VM condition.
type BadOpcodeError struct {
	Context     object.Ref
	BytePointer int
	Cause       error
}

func (e *BadOpcodeError) Error() string {
	return fmt.Sprintf("vm: bad opcode at context %d bp %d: %v", e.Context, e.BytePointer, e.Cause)
}

func (e *BadOpcodeError) Unwrap() error { return e.Cause }

// MethodNotFoundError reports that neither the receiver's class
// hierarchy nor #doesNotUnderstand: could answer a send — the VM has
// no way to make progress and terminates fatally (spec.md §4.H step 2,
// "the VM terminates with a fatal error").
type MethodNotFoundError struct {
	Class    object.Ref
	Selector object.Ref
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("vm: no method for selector %d on class %d, and doesNotUnderstand: is itself missing", e.Selector, e.Class)
}

// StackUnderflowError reports an attempt to pop a value off an empty
// context stack — a malformed bytecode stream, not a recoverable
// Smalltalk-level condition.
type StackUnderflowError struct {
	Context object.Ref
}

func (e *StackUnderflowError) Error() string {
	return fmt.Sprintf("vm: stack underflow in context %d", e.Context)
}
