// Package bytecode defines the VM's fixed instruction set and the
// nibble-packed wire encoding a compiled method's byte stream uses.
//
// A bytecode byte packs two nibbles: the high nibble names the opcode,
// the low nibble carries its argument. When the high nibble is zero
// (Extended), the opcode is the low nibble instead and the argument is
// the following whole byte — the escape that lets an argument exceed
// 15 without widening every instruction to two bytes. A handful of
// opcodes carry additional bytes beyond that (DoPrimitive's primitive
// number, PushBlock's little-endian resume offset, DoSpecial's branch
// targets and super-send literal index); see Decode.
package bytecode

import "fmt"

// Opcode is the VM's top-level dispatch tag. Values 1-13 and 15 are
// defined; 0 is reserved as the nibble-extension escape and 14 is
// unused, matching the reference instruction set exactly so a decoder
// ported from an existing image never has to remap anything.
type Opcode byte

const (
	OpExtended       Opcode = 0
	OpPushInstance   Opcode = 1
	OpPushArgument   Opcode = 2
	OpPushTemporary  Opcode = 3
	OpPushLiteral    Opcode = 4
	OpPushConstant   Opcode = 5
	OpAssignInstance Opcode = 6
	OpAssignTemporary Opcode = 7
	OpMarkArguments  Opcode = 8
	OpSendMessage    Opcode = 9
	OpSendUnary      Opcode = 10
	OpSendBinary     Opcode = 11
	OpPushBlock      Opcode = 12
	OpDoPrimitive    Opcode = 13
	OpDoSpecial      Opcode = 15
)

func (op Opcode) String() string {
	switch op {
	case OpExtended:
		return "Extended"
	case OpPushInstance:
		return "PushInstance"
	case OpPushArgument:
		return "PushArgument"
	case OpPushTemporary:
		return "PushTemporary"
	case OpPushLiteral:
		return "PushLiteral"
	case OpPushConstant:
		return "PushConstant"
	case OpAssignInstance:
		return "AssignInstance"
	case OpAssignTemporary:
		return "AssignTemporary"
	case OpMarkArguments:
		return "MarkArguments"
	case OpSendMessage:
		return "SendMessage"
	case OpSendUnary:
		return "SendUnary"
	case OpSendBinary:
		return "SendBinary"
	case OpPushBlock:
		return "PushBlock"
	case OpDoPrimitive:
		return "DoPrimitive"
	case OpDoSpecial:
		return "DoSpecial"
	default:
		return fmt.Sprintf("Opcode(%d)", byte(op))
	}
}

// PushConstant's argument selects one of a fixed handful of values that
// never need a literal-pool slot of their own.
const (
	ConstZero = 0 // 0-9 select that exact SmallInt
	ConstNil  = 10
	ConstTrue = 11
	ConstFalse = 12
)

// Special is DoSpecial's sub-opcode space.
type Special byte

const (
	SpecialSelfReturn     Special = 1
	SpecialStackReturn    Special = 2
	SpecialBlockReturn    Special = 3
	SpecialDuplicate      Special = 4
	SpecialPopTop         Special = 5
	SpecialBranch         Special = 6
	SpecialBranchIfTrue   Special = 7
	SpecialBranchIfFalse  Special = 8
	SpecialSendToSuper    Special = 11
	SpecialBreakpoint     Special = 12
)

func (s Special) String() string {
	switch s {
	case SpecialSelfReturn:
		return "selfReturn"
	case SpecialStackReturn:
		return "stackReturn"
	case SpecialBlockReturn:
		return "blockReturn"
	case SpecialDuplicate:
		return "duplicate"
	case SpecialPopTop:
		return "popTop"
	case SpecialBranch:
		return "branch"
	case SpecialBranchIfTrue:
		return "branchIfTrue"
	case SpecialBranchIfFalse:
		return "branchIfFalse"
	case SpecialSendToSuper:
		return "sendToSuper"
	case SpecialBreakpoint:
		return "breakpoint"
	default:
		return fmt.Sprintf("Special(%d)", byte(s))
	}
}

// IsBranch reports whether s carries a two-byte absolute target offset
// as its extra bytes.
func (s Special) IsBranch() bool {
	return s == SpecialBranch || s == SpecialBranchIfTrue || s == SpecialBranchIfFalse
}

// IsTerminator reports whether s ends the current basic block: an
// unconditional jump, a conditional branch, or one of the three context
// return forms.
func (s Special) IsTerminator() bool {
	switch s {
	case SpecialSelfReturn, SpecialStackReturn, SpecialBlockReturn,
		SpecialBranch, SpecialBranchIfTrue, SpecialBranchIfFalse:
		return true
	default:
		return false
	}
}

// UnaryOp is SendUnary's argument.
type UnaryOp byte

const (
	UnaryIsNil  UnaryOp = 0
	UnaryNotNil UnaryOp = 1
)

func (u UnaryOp) String() string {
	if u == UnaryNotNil {
		return "notNil"
	}
	return "isNil"
}

// BinaryOp is SendBinary's argument: one of the three selectors the VM
// inlines instead of going through full message dispatch.
type BinaryOp byte

const (
	BinaryLess        BinaryOp = 0
	BinaryLessOrEqual BinaryOp = 1
	BinaryPlus        BinaryOp = 2
)

func (b BinaryOp) String() string {
	switch b {
	case BinaryLess:
		return "<"
	case BinaryLessOrEqual:
		return "<="
	case BinaryPlus:
		return "+"
	default:
		return fmt.Sprintf("BinaryOp(%d)", byte(b))
	}
}

// Instruction is one decoded instruction: its opcode, its (possibly
// nibble- or byte-extended) argument, any additional "extra" payload
// (a primitive number, a branch target, a block's resume offset, or a
// super-send literal index — see Decode), its offset in the owning
// method's byte stream, and the exact number of bytes it occupied
// there.
type Instruction struct {
	Op       Opcode
	Argument int
	Extra    int
	Offset   int
	Size     int
}

// End returns the offset of the byte immediately following this
// instruction.
func (ins Instruction) End() int { return ins.Offset + ins.Size }

// IsTerminator reports whether this instruction ends a basic block:
// every DoSpecial terminator subop, per spec.md §4.F's "a basic block
// has exactly one terminator, the textual last instruction".
func (ins Instruction) IsTerminator() bool {
	return ins.Op == OpDoSpecial && Special(ins.Argument).IsTerminator()
}

// Arity is the number of stack values this instruction's node consumes
// in the control graph builder (pkg/graph), independent of how many
// bytes it occupies in the stream.
func (ins Instruction) Arity() int {
	switch ins.Op {
	case OpPushInstance, OpPushArgument, OpPushTemporary, OpPushLiteral, OpPushConstant:
		return 0
	case OpAssignInstance, OpAssignTemporary:
		return 1
	case OpMarkArguments:
		return ins.Argument
	case OpSendMessage:
		return 1 // the popped argument array
	case OpSendUnary:
		return 1
	case OpSendBinary:
		return 2
	case OpPushBlock:
		return 0
	case OpDoPrimitive:
		return primitiveArity(ins.Extra)
	case OpDoSpecial:
		switch Special(ins.Argument) {
		case SpecialSelfReturn:
			return 0
		case SpecialStackReturn, SpecialBlockReturn, SpecialPopTop:
			return 1
		case SpecialDuplicate:
			return 1 // peeked, not popped
		case SpecialBranchIfTrue, SpecialBranchIfFalse:
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}
