// Package parsedbc splits a method's decoded bytecode into basic
// blocks and recursively extracts the bodies PushBlock inlines into the
// stream, per spec.md §4.E. It is a pure function of the byte stream:
// it never touches the VM heap and never executes anything, which is
// what lets pkg/graph and pkg/typeinfer treat its output as an
// immutable fact about a method rather than something that needs its
// own rollback-on-error story.
package parsedbc

import (
	"fmt"
	"sort"

	"github.com/kristofer/tsmalltalk/pkg/bytecode"
)

// BasicBlock is a contiguous, single-entry single-exit run of
// instructions: it starts at Offset, ends with exactly one terminator
// (spec.md §3 "BasicBlock") unless it is the last block of a stream
// that ends without one, and knows which other blocks can jump into it.
type BasicBlock struct {
	Offset       int
	Instructions []bytecode.Instruction
	Referers     []int // start offsets of blocks with a static edge into this one
}

// Terminator returns this block's final instruction, which by
// construction is its only terminator, except in a region's last block
// when the stream ends on an ordinary instruction.
func (b *BasicBlock) Terminator() bytecode.Instruction {
	return b.Instructions[len(b.Instructions)-1]
}

// ParsedBlock is an inline block body PushBlock introduces: its own
// byte range within the enclosing stream, and its own basic-block
// decomposition (which may itself contain further nested ParsedBlocks,
// for a block literal written inside another block literal).
type ParsedBlock struct {
	StartOffset int
	EndOffset   int
	Region
}

// Region is the basic-block decomposition of one contiguous span of
// bytecode — a whole method, or one PushBlock body.
type Region struct {
	Blocks map[int]*BasicBlock    // keyed by block start offset
	Order  []int                  // block start offsets in textual order
	Nested map[[2]int]*ParsedBlock // keyed by (StartOffset, EndOffset)
}

// BlockAt resolves a PushBlock instruction's (bodyStart, bodyEnd) pair
// — (ins.End(), ins.Extra) — to the ParsedBlock describing its body.
func (r *Region) BlockAt(start, end int) (*ParsedBlock, bool) {
	pb, ok := r.Nested[[2]int{start, end}]
	return pb, ok
}

// Parse decodes code and splits it into basic blocks, recursively
// resolving every inline block body it finds along the way.
func Parse(code []byte) (*Region, error) {
	all, err := bytecode.DecodeAll(code)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return &Region{Blocks: map[int]*BasicBlock{}, Nested: map[[2]int]*ParsedBlock{}}, nil
	}
	byOffset := make(map[int]int, len(all))
	for i, ins := range all {
		byOffset[ins.Offset] = i
	}
	return parseRegion(all, byOffset, 0, len(code))
}

// parseRegion builds the basic-block decomposition of [start, end),
// treating any PushBlock instruction found at this level as a region
// boundary: its body bytes are excluded from this level's instruction
// list and parsed as a nested Region instead.
func parseRegion(all []bytecode.Instruction, byOffset map[int]int, start, end int) (*Region, error) {
	var local []bytecode.Instruction
	nested := map[[2]int]*ParsedBlock{}

	pos := start
	for pos < end {
		idx, ok := byOffset[pos]
		if !ok {
			return nil, fmt.Errorf("parsedbc: no instruction boundary at offset %d", pos)
		}
		ins := all[idx]
		local = append(local, ins)

		if ins.Op == bytecode.OpPushBlock {
			bodyStart, bodyEnd := ins.End(), ins.Extra
			childRegion, err := parseRegion(all, byOffset, bodyStart, bodyEnd)
			if err != nil {
				return nil, err
			}
			nested[[2]int{bodyStart, bodyEnd}] = &ParsedBlock{
				StartOffset: bodyStart,
				EndOffset:   bodyEnd,
				Region:      *childRegion,
			}
			pos = bodyEnd
			continue
		}
		pos = ins.End()
	}

	starts := map[int]bool{start: true}
	for i, ins := range local {
		if ins.Op == bytecode.OpDoSpecial && bytecode.Special(ins.Argument).IsBranch() {
			starts[ins.Extra] = true
		}
		if ins.IsTerminator() && i+1 < len(local) {
			starts[local[i+1].Offset] = true
		}
	}

	ordered := make([]int, 0, len(starts))
	for s := range starts {
		ordered = append(ordered, s)
	}
	sort.Ints(ordered)

	blocks := make(map[int]*BasicBlock, len(ordered))
	blockOf := func(offset int) int {
		// the largest start <= offset
		best := ordered[0]
		for _, s := range ordered {
			if s > offset {
				break
			}
			best = s
		}
		return best
	}
	for _, ins := range local {
		s := blockOf(ins.Offset)
		b := blocks[s]
		if b == nil {
			b = &BasicBlock{Offset: s}
			blocks[s] = b
		}
		b.Instructions = append(b.Instructions, ins)
	}

	// A block that runs straight into the next block's start gets a
	// zero-size unconditional branch to it, so the fall-through becomes an
	// ordinary referer edge. Only a region's last block may still end on a
	// non-terminator, where the stream itself ends.
	for i, ins := range local {
		if ins.IsTerminator() || i+1 == len(local) || !starts[local[i+1].Offset] {
			continue
		}
		b := blocks[blockOf(ins.Offset)]
		b.Instructions = append(b.Instructions, bytecode.Instruction{
			Op: bytecode.OpDoSpecial, Argument: int(bytecode.SpecialBranch),
			Extra: local[i+1].Offset, Offset: local[i+1].Offset,
		})
	}

	for _, b := range blocks {
		if len(b.Instructions) == 0 {
			return nil, fmt.Errorf("parsedbc: empty basic block at offset %d", b.Offset)
		}
		term := b.Terminator()
		if !term.IsTerminator() && term.Offset != local[len(local)-1].Offset {
			return nil, fmt.Errorf("parsedbc: block at %d does not end on a terminator (ends on %s)", b.Offset, term.Op)
		}
	}

	addReferer := func(from, to int) {
		if b, ok := blocks[to]; ok {
			for _, r := range b.Referers {
				if r == from {
					return
				}
			}
			b.Referers = append(b.Referers, from)
		}
	}
	for _, b := range blocks {
		term := b.Terminator()
		switch {
		case term.Op == bytecode.OpDoSpecial && bytecode.Special(term.Argument).IsBranch():
			addReferer(b.Offset, term.Extra)
			if bytecode.Special(term.Argument) != bytecode.SpecialBranch {
				addReferer(b.Offset, term.End()) // the skip (fallthrough) edge
			}
		}
	}

	order := make([]int, 0, len(blocks))
	for _, s := range ordered {
		if _, ok := blocks[s]; ok {
			order = append(order, s)
		}
	}

	return &Region{Blocks: blocks, Order: order, Nested: nested}, nil
}
