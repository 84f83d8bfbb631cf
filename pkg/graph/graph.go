// Package graph builds the control-flow/data-flow graph spec.md §4.F
// describes: one ControlDomain per basic block, instruction/phi/tau
// nodes wired by argument and control edges, produced by the four-phase
// pipeline (Construct, Link, Optimize, Tau-linking) Build runs in
// order. pkg/typeinfer walks this graph; nothing here ever touches the
// VM heap.
package graph

import (
	"fmt"

	"github.com/kristofer/tsmalltalk/pkg/bytecode"
	"github.com/kristofer/tsmalltalk/pkg/parsedbc"
)

// NodeKind discriminates the graph's closed set of node variants
// (spec.md §9 "Polymorphic nodes in the control graph... a closed sum").
type NodeKind int

const (
	NodeInstruction NodeKind = iota
	NodePhi
	NodeTau
)

func (k NodeKind) String() string {
	switch k {
	case NodeInstruction:
		return "Instruction"
	case NodePhi:
		return "Phi"
	case NodeTau:
		return "Tau"
	default:
		return "Unknown"
	}
}

// NodeID is an arena index into Graph.Nodes; undefinedArg marks an
// argument slot the Link phase could not resolve (spec.md §8 S2:
// "no incoming edges" on a stack-underflow).
type NodeID int

const undefinedArg NodeID = -1

// Node is one instruction, phi, or tau in the graph. Which fields are
// meaningful depends on Kind.
type Node struct {
	ID     NodeID
	Kind   NodeKind
	Domain int // owning ControlDomain's block offset

	Instruction bytecode.Instruction // Kind == NodeInstruction

	Args []NodeID // data-flow incoming edges, one per static arity slot; undefinedArg if unresolved

	// TauSource is set on a PushTemporary instruction node instead of
	// Args: the provider or aggregator tau it reads from (spec.md §4.F
	// Phase 4). PushTemporary's static arity is 0 so this is not an
	// Args slot.
	TauSource NodeID

	// Next is the node's immediate textual successor within the same
	// domain, the "linearity" edge; Phase 1 sets it for every
	// instruction node, whether or not a data-flow edge also connects
	// them.
	Next NodeID

	// PhiIncoming / TauIncoming list this node's incoming values (Kind
	// == NodePhi / NodeTau respectively), one per referer domain (phi)
	// or per reaching AssignTemporary (tau).
	PhiIncoming []NodeID
	TauIncoming []NodeID
	// ViaBackEdge parallels TauIncoming: whether that incoming reaches
	// this tau along a control-flow back edge.
	ViaBackEdge []bool

	// TauIndex is the temporary-variable slot a Tau node tracks.
	TauIndex int

	removed bool
}

// Consumers is the number of other nodes that read this node's value,
// counting the search lazily over the owning graph (used by tests and
// by Phase 3's trivial-node pruning).
func (g *Graph) Consumers(id NodeID) int {
	n := 0
	for _, node := range g.Nodes {
		if node.removed {
			continue
		}
		for _, a := range node.Args {
			if a == id {
				n++
			}
		}
		if node.TauSource == id {
			n++
		}
		for _, a := range node.PhiIncoming {
			if a == id {
				n++
			}
		}
		for _, a := range node.TauIncoming {
			if a == id {
				n++
			}
		}
	}
	return n
}

// ControlDomain is one basic block's presence in the graph: its nodes,
// its entry and terminator, and its referer/successor domains.
type ControlDomain struct {
	Offset      int
	Block       *parsedbc.BasicBlock
	Entry       NodeID
	Terminator  NodeID
	Nodes       []NodeID
	Referers    []int // offsets of predecessor domains (from parsedbc)
	Successors  []int // offsets of domains this one's terminator can reach
	leftover    []NodeID
	pending     []pendingArg
}

type pendingArg struct {
	consumer NodeID
	index    int
	depth    int // position below the domain's incoming stack top
}

// Graph is the full control/data-flow graph of one method or block
// body's bytecode.
type Graph struct {
	Domains  map[int]*ControlDomain
	Order    []int
	Nodes    map[NodeID]*Node
	HasLoops bool

	// backEdges records which (from,to) domain successor edges Phase 3
	// classified as back edges.
	backEdges map[[2]int]bool

	// resolved memoizes resolveFromReferers per (domain, depth) so every
	// request for the same merged value shares one node; cycleCuts counts
	// cycle-guard hits, and results that depended on one are not stored.
	resolved  map[[2]int]NodeID
	cycleCuts int

	nextID NodeID
}

func (g *Graph) newNode(kind NodeKind, domain int) *Node {
	n := &Node{ID: g.nextID, Kind: kind, Domain: domain, Next: undefinedArg, TauSource: undefinedArg}
	g.Nodes[n.ID] = n
	g.nextID++
	return n
}

// Build runs the four-phase pipeline over region, producing its graph.
func Build(region *parsedbc.Region) (*Graph, error) {
	g := &Graph{Domains: map[int]*ControlDomain{}, Nodes: map[NodeID]*Node{}, backEdges: map[[2]int]bool{}, resolved: map[[2]int]NodeID{}}
	if err := g.construct(region); err != nil {
		return nil, err
	}
	g.link(region)
	g.optimize()
	g.tauLink()
	return g, nil
}

// --- Phase 1: Construct -----------------------------------------------------

func (g *Graph) construct(region *parsedbc.Region) error {
	for _, offset := range region.Order {
		block := region.Blocks[offset]
		dom := &ControlDomain{Offset: offset, Block: block, Entry: undefinedArg, Terminator: undefinedArg}
		g.Domains[offset] = dom
		g.Order = append(g.Order, offset)

		var localStack []NodeID
		var prev *Node
		inDepth := 0
		requestIncoming := func(consumer NodeID, index int) NodeID {
			dom.pending = append(dom.pending, pendingArg{consumer, index, inDepth})
			inDepth++
			return undefinedArg
		}
		for _, ins := range block.Instructions {
			node := g.newNode(NodeInstruction, offset)
			node.Instruction = ins
			if dom.Entry == undefinedArg {
				dom.Entry = node.ID
			}
			if prev != nil {
				prev.Next = node.ID
			}
			prev = node

			arity := ins.Arity()
			if ins.Op == bytecode.OpDoSpecial && bytecode.Special(ins.Argument) == bytecode.SpecialDuplicate {
				// duplicate peeks the top value rather than popping it.
				if len(localStack) > 0 {
					node.Args = []NodeID{localStack[len(localStack)-1]}
				} else {
					node.Args = []NodeID{requestIncoming(node.ID, 0)}
				}
			} else {
				node.Args = make([]NodeID, arity)
				// Argument 0 is the deepest (first-pushed) operand, so
				// pop from the top of the stack into the highest index
				// first.
				for i := arity - 1; i >= 0; i-- {
					if len(localStack) > 0 {
						node.Args[i] = localStack[len(localStack)-1]
						localStack = localStack[:len(localStack)-1]
					} else {
						node.Args[i] = requestIncoming(node.ID, i)
					}
				}
			}

			if producesValue(ins) {
				localStack = append(localStack, node.ID)
			}
			g.Nodes[node.ID] = node
			dom.Nodes = append(dom.Nodes, node.ID)
			dom.Terminator = node.ID
		}
		dom.leftover = localStack
		if dom.Entry == undefinedArg {
			return fmt.Errorf("graph: empty domain at offset %d", offset)
		}
	}
	return nil
}

// producesValue reports whether an instruction's node leaves a new
// value on the domain's local stack.
func producesValue(ins bytecode.Instruction) bool {
	switch ins.Op {
	case bytecode.OpPushInstance, bytecode.OpPushArgument, bytecode.OpPushTemporary,
		bytecode.OpPushLiteral, bytecode.OpPushConstant, bytecode.OpMarkArguments,
		bytecode.OpSendMessage, bytecode.OpSendUnary, bytecode.OpSendBinary,
		bytecode.OpPushBlock, bytecode.OpDoPrimitive:
		return true
	case bytecode.OpDoSpecial:
		return bytecode.Special(ins.Argument) == bytecode.SpecialDuplicate
	default:
		return false
	}
}

// --- Phase 2: Link ----------------------------------------------------------

func (g *Graph) link(region *parsedbc.Region) {
	for _, offset := range g.Order {
		dom := g.Domains[offset]
		dom.Referers = append(dom.Referers, dom.Block.Referers...)
	}
	for _, offset := range g.Order {
		dom := g.Domains[offset]
		term := g.Nodes[dom.Terminator]
		if term.Instruction.Op != bytecode.OpDoSpecial {
			continue
		}
		switch bytecode.Special(term.Instruction.Argument) {
		case bytecode.SpecialBranch:
			dom.Successors = append(dom.Successors, term.Instruction.Extra)
		case bytecode.SpecialBranchIfTrue, bytecode.SpecialBranchIfFalse:
			dom.Successors = append(dom.Successors, term.Instruction.Extra, term.Instruction.End())
		}
	}

	// Resolve every pending argument request by walking predecessor
	// domains, inserting Phi nodes where referers disagree.
	resolving := map[[2]int]bool{}
	for _, offset := range g.Order {
		dom := g.Domains[offset]
		for _, p := range dom.pending {
			v := g.resolveFromReferers(dom, p.depth, resolving)
			node := g.Nodes[p.consumer]
			node.Args[p.index] = v
		}
	}

	// Linearity: any node without a control/data successor within its
	// domain already falls through to Next by construction (Phase 1
	// always links prev.Next = node.ID); nothing further is required
	// here since Next already defaults to the textual order.
}

// resolveArg answers "what value is depth slots below the top of dom's
// own stack at the point it hands control to a successor" — first
// dom's leftover (produced-but-unconsumed) stack, falling through to
// dom's own referers for whatever depth that stack can't cover.
func (g *Graph) resolveArg(dom *ControlDomain, depth int, resolving map[[2]int]bool) NodeID {
	if depth < len(dom.leftover) {
		return dom.leftover[len(dom.leftover)-1-depth]
	}
	return g.resolveFromReferers(dom, depth-len(dom.leftover), resolving)
}

// resolveFromReferers answers "what value is remaining slots below the
// top of dom's incoming stack" — the value some predecessor of dom must
// supply, since by construction dom itself has nothing left at this
// depth. If every referer supplies the same single value the result is
// that value directly; otherwise a Phi node is created with one
// incoming per referer (in referer order), each entry itself resolved
// recursively. Returns undefinedArg if the value cannot be found
// anywhere (spec.md §8 S2's stack-underflow case). A request for the
// same (dom, remaining) pair returns the same value or Phi as the first.
func (g *Graph) resolveFromReferers(dom *ControlDomain, remaining int, resolving map[[2]int]bool) NodeID {
	if len(dom.Referers) == 0 {
		return undefinedArg
	}
	key := [2]int{dom.Offset, remaining}
	if v, ok := g.resolved[key]; ok {
		return v
	}
	if resolving[key] {
		// A cycle in the predecessor graph with no local value to
		// offer; treat as unresolved rather than recursing forever.
		g.cycleCuts++
		return undefinedArg
	}
	resolving[key] = true
	defer delete(resolving, key)
	cutsBefore := g.cycleCuts

	values := make([]NodeID, 0, len(dom.Referers))
	allSame := true
	for i, rOffset := range dom.Referers {
		r := g.Domains[rOffset]
		if r == nil {
			return undefinedArg
		}
		v := g.resolveArg(r, remaining, resolving)
		values = append(values, v)
		if i > 0 && v != values[0] {
			allSame = false
		}
	}
	result := values[0]
	if !allSame {
		phi := g.newNode(NodePhi, dom.Offset)
		phi.PhiIncoming = values
		dom.Nodes = append(dom.Nodes, phi.ID)
		result = phi.ID
	}
	if g.cycleCuts == cutsBefore {
		g.resolved[key] = result
	}
	return result
}
