package bytecode

import "fmt"

// Decode reads exactly one instruction from code starting at offset and
// returns it; the offset of the next instruction is its End(). It never
// reads past len(code); running off the end of a well-formed stream is
// a decode error, not a panic.
func Decode(code []byte, offset int) (Instruction, error) {
	if offset < 0 || offset >= len(code) {
		return Instruction{}, fmt.Errorf("bytecode: decode at %d: out of range (len %d)", offset, len(code))
	}
	b := code[offset]
	high := Opcode(b >> 4)
	low := int(b & 0x0F)

	ins := Instruction{Offset: offset}
	size := 1
	if high == OpExtended {
		if offset+1 >= len(code) {
			return Instruction{}, fmt.Errorf("bytecode: decode at %d: extended opcode missing argument byte", offset)
		}
		ins.Op = Opcode(low)
		ins.Argument = int(code[offset+1])
		size = 2
	} else {
		ins.Op = high
		ins.Argument = low
	}

	extraLen, err := extraBytes(code, offset+size, ins.Op, ins.Argument)
	if err != nil {
		return Instruction{}, err
	}
	switch extraLen {
	case 0:
	case 1:
		ins.Extra = int(code[offset+size])
	case 2:
		lo, hi := code[offset+size], code[offset+size+1]
		ins.Extra = int(lo) | int(hi)<<8
	}
	size += extraLen
	ins.Size = size
	return ins, nil
}

// extraBytes reports how many additional bytes follow an instruction's
// (nibble- or byte-extended) argument, per spec.md §4.D.
func extraBytes(code []byte, next int, op Opcode, argument int) (int, error) {
	var n int
	switch op {
	case OpDoPrimitive:
		n = 1
	case OpPushBlock:
		n = 2
	case OpDoSpecial:
		switch Special(argument) {
		case SpecialBranch, SpecialBranchIfTrue, SpecialBranchIfFalse:
			n = 2
		case SpecialSendToSuper:
			n = 1
		}
	}
	if n > 0 && next+n > len(code) {
		return 0, fmt.Errorf("bytecode: decode at %d: truncated extra bytes for %s", next, op)
	}
	return n, nil
}

// Decoder iterates every instruction in a byte stream in order,
// matching the parser's walk in spec.md §4.E.
type Decoder struct {
	code   []byte
	offset int
}

// NewDecoder returns a Decoder over code starting at byte 0.
func NewDecoder(code []byte) *Decoder { return &Decoder{code: code} }

// Done reports whether the decoder has consumed the whole stream.
func (d *Decoder) Done() bool { return d.offset >= len(d.code) }

// Offset is the byte position the next Next() call will decode from.
func (d *Decoder) Offset() int { return d.offset }

// Next decodes the instruction at the current offset and advances past
// it.
func (d *Decoder) Next() (Instruction, error) {
	ins, err := Decode(d.code, d.offset)
	if err != nil {
		return Instruction{}, err
	}
	d.offset = ins.End()
	return ins, nil
}

// DecodeAll decodes every instruction in code, in stream order. Used by
// pkg/parsedbc to build its instruction list before splitting it into
// basic blocks.
func DecodeAll(code []byte) ([]Instruction, error) {
	var out []Instruction
	d := NewDecoder(code)
	for !d.Done() {
		ins, err := d.Next()
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, nil
}
