package graph

import (
	"testing"

	"github.com/kristofer/tsmalltalk/pkg/bytecode"
	"github.com/kristofer/tsmalltalk/pkg/parsedbc"
)

func build(t *testing.T, code []byte) *Graph {
	t.Helper()
	region, err := parsedbc.Parse(code)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	g, err := Build(region)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return g
}

// TestS1ABABPhiCoalescence is spec.md §8 S1: two diamonds each merging a
// literal push, joined by a single SendBinary(+) whose two arguments
// are phis with exactly two incoming push-constant nodes apiece.
func TestS1ABABPhiCoalescence(t *testing.T) {
	code := []byte{33, 248, 8, 0, 81, 246, 9, 0, 83, 34, 248, 17, 0, 85, 246, 18, 0, 87, 178}
	g := build(t, code)

	var sendBinary *Node
	for _, n := range g.Nodes {
		if !n.removed && n.Kind == NodeInstruction && n.Instruction.Op == bytecode.OpSendBinary {
			if sendBinary != nil {
				t.Fatalf("expected exactly one SendBinary node, found a second: %+v", n)
			}
			sendBinary = n
		}
	}
	if sendBinary == nil {
		t.Fatal("expected a SendBinary node")
	}
	if len(sendBinary.Args) != 2 {
		t.Fatalf("SendBinary should take 2 arguments, got %d", len(sendBinary.Args))
	}

	for i, argID := range sendBinary.Args {
		arg := g.Nodes[argID]
		if arg == nil || arg.Kind != NodePhi {
			t.Fatalf("SendBinary argument %d should be a phi, got %+v", i, arg)
		}
		unique := dedupeIDs(arg.PhiIncoming, undefinedArg)
		if len(unique) != 2 {
			t.Fatalf("phi %d should have 2 distinct incoming push-constant nodes, got %d (%v)", i, len(unique), arg.PhiIncoming)
		}
		for _, inc := range unique {
			in := g.Nodes[inc]
			if in == nil || in.Kind != NodeInstruction || in.Instruction.Op != bytecode.OpPushConstant {
				t.Fatalf("phi %d incoming %v should be a push-constant node, got %+v", i, inc, in)
			}
		}
	}
	if sendBinary.Args[0] == sendBinary.Args[1] {
		t.Fatal("the two SendBinary arguments should be distinct phis")
	}
}

// TestS2StackUnderflowDetection is spec.md §8 S2: four sendBinary on an
// empty stack leave the first one's arguments unresolved — no incoming
// edges, zero consumers feeding them.
func TestS2StackUnderflowDetection(t *testing.T) {
	code := []byte{178, 178, 178, 178, 242}
	g := build(t, code)

	var first *Node
	for _, offset := range g.Order {
		dom := g.Domains[offset]
		for _, nid := range dom.Nodes {
			n := g.Nodes[nid]
			if n.Kind == NodeInstruction && n.Instruction.Op == bytecode.OpSendBinary {
				first = n
				break
			}
		}
		if first != nil {
			break
		}
	}
	if first == nil {
		t.Fatal("expected a SendBinary node")
	}
	for _, a := range first.Args {
		if a != undefinedArg {
			t.Fatalf("first SendBinary on an empty stack should have undefined arguments, got %v", a)
		}
	}
}

// TestTauSingleAssignment covers the simplest Phase 4 case: one
// AssignTemporary reaching one PushTemporary directly, no aggregator
// tau needed.
func TestTauSingleAssignment(t *testing.T) {
	code, err := bytecode.Serialize([]bytecode.Instruction{
		{Op: bytecode.OpPushConstant, Argument: 5},
		{Op: bytecode.OpAssignTemporary, Argument: 0},
		{Op: bytecode.OpPushTemporary, Argument: 0},
		{Op: bytecode.OpDoSpecial, Argument: int(bytecode.SpecialStackReturn)},
	})
	if err != nil {
		t.Fatal(err)
	}
	g := build(t, code)

	var push *Node
	for _, n := range g.Nodes {
		if !n.removed && n.Kind == NodeInstruction && n.Instruction.Op == bytecode.OpPushTemporary {
			push = n
		}
	}
	if push == nil {
		t.Fatal("expected a PushTemporary node")
	}
	if push.TauSource == undefinedArg {
		t.Fatal("PushTemporary should resolve to the sole reaching AssignTemporary's provider tau")
	}
	tau := g.Nodes[push.TauSource]
	if tau == nil || tau.Kind != NodeTau || len(tau.TauIncoming) != 1 {
		t.Fatalf("expected a single-incoming provider tau, got %+v", tau)
	}
}

// TestTauAggregatesAcrossBranch covers a diamond where a temporary is
// assigned differently on each arm: the PushTemporary after the join
// should consume an aggregator tau with both provider taus incoming.
func TestTauAggregatesAcrossBranch(t *testing.T) {
	// branchIfTrue to the else arm; then-arm assigns 1, branches past
	// the else-arm which assigns 2; join pushes the temp back.
	code := []byte{
		byte(bytecode.OpPushConstant)<<4 | 1, // offset 0: push constant 1 (fake boolean source)
		0xF0 | byte(bytecode.SpecialBranchIfTrue), 9, 0, // offset 1, 3 bytes -> else arm at offset 9
		byte(bytecode.OpPushConstant)<<4 | 1, // offset 4: then: push 1
		byte(bytecode.OpAssignTemporary)<<4 | 0, // offset 5
		0xF0 | byte(bytecode.SpecialBranch), 14, 0, // offset 6, 3 bytes -> join at offset 14
		byte(bytecode.OpPushConstant)<<4 | 2, // offset 9: else: push 2
		byte(bytecode.OpAssignTemporary)<<4 | 0, // offset 10
		0xF0 | byte(bytecode.SpecialBranch), 14, 0, // offset 11, 3 bytes -> join at offset 14
		byte(bytecode.OpPushTemporary)<<4 | 0, // offset 14: join
		0xF0 | byte(bytecode.SpecialStackReturn), // offset 15
	}
	g := build(t, code)

	var push *Node
	for _, n := range g.Nodes {
		if !n.removed && n.Kind == NodeInstruction && n.Instruction.Op == bytecode.OpPushTemporary {
			push = n
		}
	}
	if push == nil {
		t.Fatal("expected a PushTemporary node")
	}
	if push.TauSource == undefinedArg {
		t.Fatal("PushTemporary should have a resolved tau source")
	}
	agg := g.Nodes[push.TauSource]
	if agg == nil || agg.Kind != NodeTau {
		t.Fatalf("expected an aggregator tau, got %+v", agg)
	}
	if len(agg.TauIncoming) != 2 {
		t.Fatalf("expected 2 incoming provider taus, got %d", len(agg.TauIncoming))
	}
	for _, inc := range agg.TauIncoming {
		provider := g.Nodes[inc]
		if provider == nil || provider.Kind != NodeTau || len(provider.TauIncoming) != 1 {
			t.Fatalf("expected a provider tau as incoming, got %+v", provider)
		}
	}
}

func TestConsumersAndBackEdgeDetection(t *testing.T) {
	// S1's two diamonds contain only forward branches; exercise
	// Consumers/HasLoops against it since a real loop needs a
	// conditional exit that a hand-written test fixture would
	// otherwise have to fake.
	g := build(t, []byte{33, 248, 8, 0, 81, 246, 9, 0, 83, 34, 248, 17, 0, 85, 246, 18, 0, 87, 178})
	if g.HasLoops {
		t.Fatal("S1's diamonds contain no back edges")
	}
	for _, n := range g.Nodes {
		if n.removed {
			continue
		}
		if n.Kind == NodeInstruction && n.Instruction.Op == bytecode.OpPushConstant {
			if g.Consumers(n.ID) == 0 {
				t.Fatalf("push-constant node %d should be consumed by its phi", n.ID)
			}
		}
	}
}
