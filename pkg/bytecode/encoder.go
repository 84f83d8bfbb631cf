package bytecode

import "fmt"

// Encode serializes a single instruction, the exact inverse of Decode:
// Encode(Decode(code, 0)) reproduces the original bytes for any stream
// Decode accepted. Opcode/argument pairs that fit in a nibble each are
// packed into one byte; anything else falls back to the Extended
// escape.
func Encode(ins Instruction) ([]byte, error) {
	if ins.Argument < 0 || ins.Argument > 0xFF {
		return nil, fmt.Errorf("bytecode: encode %s: argument %d out of byte range", ins.Op, ins.Argument)
	}
	var out []byte
	if ins.Op <= 0x0F && ins.Argument <= 0x0F && ins.Op != OpExtended {
		out = append(out, byte(ins.Op)<<4|byte(ins.Argument))
	} else {
		out = append(out, byte(OpExtended)<<4|byte(ins.Op), byte(ins.Argument))
	}

	switch ins.Op {
	case OpDoPrimitive:
		if ins.Extra < 0 || ins.Extra > 0xFF {
			return nil, fmt.Errorf("bytecode: encode DoPrimitive: primitive number %d out of byte range", ins.Extra)
		}
		out = append(out, byte(ins.Extra))
	case OpPushBlock:
		if ins.Extra < 0 || ins.Extra > 0xFFFF {
			return nil, fmt.Errorf("bytecode: encode PushBlock: resume offset %d out of range", ins.Extra)
		}
		out = append(out, byte(ins.Extra), byte(ins.Extra>>8))
	case OpDoSpecial:
		switch Special(ins.Argument) {
		case SpecialBranch, SpecialBranchIfTrue, SpecialBranchIfFalse:
			if ins.Extra < 0 || ins.Extra > 0xFFFF {
				return nil, fmt.Errorf("bytecode: encode DoSpecial(%s): target %d out of range", Special(ins.Argument), ins.Extra)
			}
			out = append(out, byte(ins.Extra), byte(ins.Extra>>8))
		case SpecialSendToSuper:
			if ins.Extra < 0 || ins.Extra > 0xFF {
				return nil, fmt.Errorf("bytecode: encode DoSpecial(sendToSuper): literal index %d out of byte range", ins.Extra)
			}
			out = append(out, byte(ins.Extra))
		}
	}
	return out, nil
}

// Serialize encodes a full instruction sequence back into a byte
// stream, in order. The sequence is normally one produced by DecodeAll
// or assembled by hand (as the tests do), so offsets are not
// re-validated against the output positions here — callers that care
// should re-run DecodeAll over the result and compare offsets.
func Serialize(instructions []Instruction) ([]byte, error) {
	var out []byte
	for _, ins := range instructions {
		enc, err := Encode(ins)
		if err != nil {
			return nil, err
		}
		out = append(out, enc...)
	}
	return out, nil
}
