package graph

import "github.com/kristofer/tsmalltalk/pkg/bytecode"

// --- Phase 4: Tau linking ----------------------------------------------------

// tauReach is the result of asking "what AssignTemporary(s) reach this
// point for temp index i": one provider tau per distinct reaching
// assignment, each paired with whether reaching it crossed a back edge.
type tauReach struct {
	sources     []NodeID
	viaBackEdge []bool
}

func (g *Graph) tauLink() {
	providerOf := map[[2]int]NodeID{} // (domain offset, node index within domain) -> its provider tau, for AssignTemporary nodes

	// Every AssignTemporary gets a provider tau whose sole incoming is
	// the assigned value.
	for _, offset := range g.Order {
		dom := g.Domains[offset]
		for i, nid := range dom.Nodes {
			n := g.Nodes[nid]
			if n.removed || n.Kind != NodeInstruction || n.Instruction.Op != bytecode.OpAssignTemporary {
				continue
			}
			tau := g.newNode(NodeTau, offset)
			tau.TauIndex = n.Instruction.Argument
			tau.TauIncoming = []NodeID{n.Args[0]}
			tau.ViaBackEdge = []bool{false}
			dom.Nodes = append(dom.Nodes, tau.ID)
			providerOf[[2]int{offset, i}] = tau.ID
		}
	}

	cache := map[[2]int]tauReach{}
	visiting := map[int]bool{}

	// reachingAtExit answers "what reaches the exit of domainOffset for
	// temp index", used when domainOffset is a (possibly transitive)
	// predecessor of the push being resolved: its own last
	// AssignTemporary(index), if any, otherwise whatever reaches its
	// own entry via its referers.
	var reachingAtExit func(domainOffset, index int) tauReach
	var reachingViaReferers func(dom *ControlDomain, index int) tauReach

	reachingAtExit = func(domainOffset, index int) tauReach {
		key := [2]int{domainOffset, index}
		if r, ok := cache[key]; ok {
			return r
		}
		dom := g.Domains[domainOffset]
		var last NodeID = undefinedArg
		for i, nid := range dom.Nodes {
			n := g.Nodes[nid]
			if n.Kind == NodeInstruction && n.Instruction.Op == bytecode.OpAssignTemporary && n.Instruction.Argument == index {
				if tau, ok := providerOf[[2]int{domainOffset, i}]; ok {
					last = tau
				}
			}
		}
		var res tauReach
		if last != undefinedArg {
			res = tauReach{sources: []NodeID{last}, viaBackEdge: []bool{false}}
		} else {
			res = reachingViaReferers(dom, index)
		}
		cache[key] = res
		return res
	}

	reachingViaReferers = func(dom *ControlDomain, index int) tauReach {
		if len(dom.Referers) == 0 || visiting[dom.Offset] {
			return tauReach{}
		}
		visiting[dom.Offset] = true
		defer delete(visiting, dom.Offset)

		var res tauReach
		seen := map[NodeID]bool{}
		for _, rOffset := range dom.Referers {
			sub := reachingAtExit(rOffset, index)
			crosses := g.IsBackEdge(rOffset, dom.Offset)
			for i, s := range sub.sources {
				if s == undefinedArg || seen[s] {
					continue
				}
				seen[s] = true
				res.sources = append(res.sources, s)
				res.viaBackEdge = append(res.viaBackEdge, crosses || sub.viaBackEdge[i])
			}
		}
		return res
	}

	// Resolve every PushTemporary, in textual order within its domain
	// so "before this push" scans see only true predecessors.
	for _, offset := range g.Order {
		dom := g.Domains[offset]
		for i, nid := range dom.Nodes {
			n := g.Nodes[nid]
			if n.removed || n.Kind != NodeInstruction || n.Instruction.Op != bytecode.OpPushTemporary {
				continue
			}
			index := n.Instruction.Argument

			var local NodeID = undefinedArg
			for j := i - 1; j >= 0; j-- {
				prior := g.Nodes[dom.Nodes[j]]
				if prior.Kind == NodeInstruction && prior.Instruction.Op == bytecode.OpAssignTemporary && prior.Instruction.Argument == index {
					local = providerOf[[2]int{offset, j}]
					break
				}
			}
			if local != undefinedArg {
				n.TauSource = local
				continue
			}

			reach := reachingViaReferers(dom, index)
			switch len(reach.sources) {
			case 0:
				n.TauSource = undefinedArg
			case 1:
				n.TauSource = reach.sources[0]
			default:
				agg := g.newNode(NodeTau, offset)
				agg.TauIndex = index
				agg.TauIncoming = reach.sources
				agg.ViaBackEdge = reach.viaBackEdge
				dom.Nodes = append(dom.Nodes, agg.ID)
				n.TauSource = agg.ID
			}
		}
	}

	g.dedupeRedundantTaus()
}

// dedupeRedundantTaus removes taus that share an identical provider and
// incoming set with another tau, remapping consumers to the survivor,
// then drops any provider tau left with zero consumers — spec.md §4.F
// Phase 4's last two rules.
func (g *Graph) dedupeRedundantTaus() {
	type sig struct {
		index    int
		incoming [8]NodeID // small fixed window; methods rarely carry more than a handful of reaching defs per temp
		n        int
	}
	seen := map[sig]NodeID{}
	for _, n := range g.Nodes {
		if n.removed || n.Kind != NodeTau || len(n.TauIncoming) == 0 || len(n.TauIncoming) > 8 {
			continue
		}
		var s sig
		s.index = n.TauIndex
		s.n = len(n.TauIncoming)
		copy(s.incoming[:], n.TauIncoming)
		if existing, ok := seen[s]; ok {
			g.rewriteReferences(n.ID, existing)
			g.removeNode(n.ID)
			continue
		}
		seen[s] = n.ID
	}

	for _, n := range g.Nodes {
		if n.removed || n.Kind != NodeTau {
			continue
		}
		if g.Consumers(n.ID) == 0 {
			g.removeNode(n.ID)
		}
	}
}
