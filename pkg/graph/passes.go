package graph

import "github.com/kristofer/tsmalltalk/pkg/bytecode"

// --- Phase 3: Optimize -------------------------------------------------------

func (g *Graph) optimize() {
	g.prunePopTopChains()
	g.collapseTrivialPhis()
	g.detectBackEdges()
}

// prunePopTopChains removes a value-producing push/duplicate node whose
// only consumer is a popTop, along with that popTop itself — the
// "trivial stack-manipulation nodes" spec.md §4.F Phase 3 names.
// Iterates to a fixpoint since removing one pair can expose another.
func (g *Graph) prunePopTopChains() {
	for {
		changed := false
		for _, n := range g.Nodes {
			if n.removed || n.Kind != NodeInstruction {
				continue
			}
			if n.Instruction.Op != bytecode.OpDoSpecial || bytecode.Special(n.Instruction.Argument) != bytecode.SpecialPopTop {
				continue
			}
			if len(n.Args) != 1 || n.Args[0] == undefinedArg {
				continue
			}
			producer := g.Nodes[n.Args[0]]
			if producer == nil || producer.removed || !isTrivialPush(producer) {
				continue
			}
			if g.Consumers(producer.ID) != 1 {
				continue
			}
			g.removeNode(producer.ID)
			g.removeNode(n.ID)
			changed = true
		}
		if !changed {
			return
		}
	}
}

func isTrivialPush(n *Node) bool {
	if n.Kind != NodeInstruction {
		return false
	}
	switch n.Instruction.Op {
	case bytecode.OpPushInstance, bytecode.OpPushArgument, bytecode.OpPushTemporary,
		bytecode.OpPushLiteral, bytecode.OpPushConstant:
		return true
	case bytecode.OpDoSpecial:
		return bytecode.Special(n.Instruction.Argument) == bytecode.SpecialDuplicate
	default:
		return false
	}
}

// removeNode unlinks n from its domain's node list and the textual
// Next chain, and marks it removed. It does not rewrite other nodes'
// Args — callers that remove a node must already know nothing else
// still reads it (prunePopTopChains only removes single-consumer nodes;
// collapseTrivialPhis rewrites references before removing).
func (g *Graph) removeNode(id NodeID) {
	n := g.Nodes[id]
	if n == nil || n.removed {
		return
	}
	n.removed = true
	dom := g.Domains[n.Domain]
	for _, other := range g.Nodes {
		if other.Next == id {
			other.Next = n.Next
		}
	}
	if dom.Entry == id {
		dom.Entry = n.Next
	}
	out := dom.Nodes[:0]
	for _, nid := range dom.Nodes {
		if nid != id {
			out = append(out, nid)
		}
	}
	dom.Nodes = out
}

// collapseTrivialPhis replaces every phi whose incoming set (after
// removing duplicates and self-references) has exactly one distinct
// member with that member directly, iterating to a fixpoint since
// collapsing one phi can make another's incoming set collapse too.
func (g *Graph) collapseTrivialPhis() {
	for {
		changed := false
		for _, n := range g.Nodes {
			if n.removed || n.Kind != NodePhi {
				continue
			}
			unique := dedupeIDs(n.PhiIncoming, n.ID)
			if len(unique) != 1 {
				continue
			}
			g.rewriteReferences(n.ID, unique[0])
			g.removeNode(n.ID)
			changed = true
		}
		if !changed {
			return
		}
	}
}

func dedupeIDs(ids []NodeID, exclude NodeID) []NodeID {
	seen := map[NodeID]bool{}
	var out []NodeID
	for _, id := range ids {
		if id == exclude || id == undefinedArg || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// rewriteReferences replaces every occurrence of oldID with newID
// across all nodes' Args, TauSource, PhiIncoming and TauIncoming edges.
func (g *Graph) rewriteReferences(oldID, newID NodeID) {
	for _, n := range g.Nodes {
		for i, a := range n.Args {
			if a == oldID {
				n.Args[i] = newID
			}
		}
		if n.TauSource == oldID {
			n.TauSource = newID
		}
		for i, a := range n.PhiIncoming {
			if a == oldID {
				n.PhiIncoming[i] = newID
			}
		}
		for i, a := range n.TauIncoming {
			if a == oldID {
				n.TauIncoming[i] = newID
			}
		}
	}
}

// detectBackEdges runs a depth-first traversal over the domain
// successor graph, marking an edge as a back edge when it targets a
// domain still on the current DFS path (grey), per spec.md §4.F Phase
// 3. Sets g.HasLoops if any back edge is found.
func (g *Graph) detectBackEdges() {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := map[int]int{}
	var visit func(offset int)
	visit = func(offset int) {
		color[offset] = grey
		dom := g.Domains[offset]
		for _, succ := range dom.Successors {
			switch color[succ] {
			case grey:
				g.backEdges[[2]int{offset, succ}] = true
				g.HasLoops = true
			case white:
				visit(succ)
			}
		}
		color[offset] = black
	}
	for _, offset := range g.Order {
		if color[offset] == white {
			visit(offset)
		}
	}
}

// IsBackEdge reports whether the domain successor edge from -> to was
// classified as a back edge during Phase 3.
func (g *Graph) IsBackEdge(from, to int) bool { return g.backEdges[[2]int{from, to}] }
