package typeinfer

import (
	"fmt"

	"github.com/kristofer/tsmalltalk/pkg/bytecode"
	"github.com/kristofer/tsmalltalk/pkg/graph"
	"github.com/kristofer/tsmalltalk/pkg/image"
	"github.com/kristofer/tsmalltalk/pkg/object"
)

// maxInductionPasses bounds the induction run's fixpoint loop. Join is
// monotonic (a composite only ever gains members; Join never caps or
// collapses one), so this is reached long before it matters in
// practice; it exists as a backstop against a mistaken non-monotonic
// rule rather than an expected limit.
const maxInductionPasses = 8

// Resolver supplies the two things the analyzer needs from the running
// image without importing pkg/vm: method lookup and a method's parsed
// control graph. Nothing in pkg/vm implements it; the tests supply a
// hand-built stub.
type Resolver interface {
	Lookup(class, selector object.Ref) (method object.Ref, ok bool)
	Graph(method object.Ref) (*graph.Graph, error)
}

// InferContext is one call cache entry: a selector analyzed against a
// specific argument-type tuple, and the return type that analysis
// produced.
type InferContext struct {
	Selector   object.Ref
	ArgTypes   []Type
	ReturnType Type

	inProgress bool
}

type callKey struct {
	selector object.Ref
	argsSig  string
}

// Analyzer runs the type-analysis pipeline over one image's methods,
// caching results across calls the way a real implementation would
// reuse it across many analyzed methods in the same image.
type Analyzer struct {
	Heap     object.Heap
	Roots    *image.Roots
	Resolver Resolver

	cache map[callKey]*InferContext
}

// NewAnalyzer builds an Analyzer over a heap/roots pair and a method
// resolver.
func NewAnalyzer(h object.Heap, roots *image.Roots, r Resolver) *Analyzer {
	return &Analyzer{Heap: h, Roots: roots, Resolver: r, cache: map[callKey]*InferContext{}}
}

func sig(args []Type) string {
	s := ""
	for _, a := range args {
		s += a.String() + "|"
	}
	return s
}

// AnalyzeMethod infers method's return type given its argument types
// (slot 0 is the receiver), consulting and populating the call cache.
func (an *Analyzer) AnalyzeMethod(method object.Ref, argTypes []Type) (*InferContext, error) {
	selector := object.Field(an.Heap, method, object.MethodName)
	key := callKey{selector: selector, argsSig: sig(argTypes)}
	if ctx, ok := an.cache[key]; ok {
		// Either a finished result, or a call still on the stack — in
		// the latter case ReturnType is the best-so-far contribution,
		// which breaks recursive-selector non-termination per spec.md
		// §4.G's call cache.
		return ctx, nil
	}

	ctx := &InferContext{Selector: selector, ArgTypes: argTypes, ReturnType: Undefined, inProgress: true}
	an.cache[key] = ctx

	g, err := an.Resolver.Graph(method)
	if err != nil {
		return nil, fmt.Errorf("typeinfer: graph for method: %w", err)
	}

	_, baseReturn := an.evalGraph(g, method, argTypes, false, 1)
	returnType := baseReturn
	if g.HasLoops {
		_, inductionReturn := an.evalGraph(g, method, argTypes, true, maxInductionPasses)
		returnType = Join(returnType, inductionReturn)
	}

	ctx.ReturnType = returnType
	ctx.inProgress = false
	return ctx, nil
}

// evalGraph runs one dataflow pass over g's nodes in domain order,
// iterating until no node's type changes (or iterations is exhausted),
// returning the per-node type map and the method's accumulated return
// type. includeBackEdges gates whether a tau's back-edge-reaching
// incomings contribute, per spec.md §4.G's base-run/induction-run
// split.
func (an *Analyzer) evalGraph(g *graph.Graph, method object.Ref, argTypes []Type, includeBackEdges bool, iterations int) (map[graph.NodeID]Type, Type) {
	types := map[graph.NodeID]Type{}
	var returnType Type = Undefined

	for pass := 0; pass < iterations; pass++ {
		changed := false
		for _, offset := range g.Order {
			dom := g.Domains[offset]
			for _, nid := range dom.Nodes {
				n := g.Nodes[nid]
				var t Type
				switch n.Kind {
				case graph.NodeInstruction:
					var ret Type
					t, ret = an.evalInstruction(n, types, argTypes, method, returnType)
					returnType = ret
				case graph.NodePhi:
					t = Undefined
					for _, inc := range n.PhiIncoming {
						t = Join(t, types[inc])
					}
				case graph.NodeTau:
					t = Undefined
					for i, inc := range n.TauIncoming {
						if !includeBackEdges && i < len(n.ViaBackEdge) && n.ViaBackEdge[i] {
							continue
						}
						t = Join(t, types[inc])
					}
				}
				if old, ok := types[nid]; !ok || !old.Equal(t) {
					types[nid] = t
					changed = true
				}
			}
		}
		if !changed {
			break
		}
	}
	return types, returnType
}

func (an *Analyzer) evalInstruction(n *graph.Node, types map[graph.NodeID]Type, argTypes []Type, method object.Ref, returnAcc Type) (Type, Type) {
	ins := n.Instruction
	arg := func(i int) Type {
		if i < 0 || i >= len(n.Args) {
			return Undefined
		}
		id := n.Args[i]
		if int(id) < 0 {
			return Undefined
		}
		return types[id]
	}

	switch ins.Op {
	case bytecode.OpPushConstant:
		return an.constantType(ins.Argument), returnAcc
	case bytecode.OpPushLiteral:
		return an.literalType(method, ins.Argument), returnAcc
	case bytecode.OpPushArgument:
		if ins.Argument >= 0 && ins.Argument < len(argTypes) {
			return argTypes[ins.Argument], returnAcc
		}
		return Polytype, returnAcc
	case bytecode.OpPushTemporary:
		if int(n.TauSource) < 0 {
			return Undefined, returnAcc
		}
		return types[n.TauSource], returnAcc
	case bytecode.OpPushInstance:
		// Instance-variable slots have no static declaration this
		// analysis tracks; spec.md §4.G's opcode table does not name a
		// rule for PushInstance, so it is treated as unconstrained.
		return Polytype, returnAcc
	case bytecode.OpAssignInstance, bytecode.OpAssignTemporary:
		// The assignment node's own "value" is never read: a
		// PushTemporary reads the provider tau instead (see pkg/graph's
		// tau-linking), and nothing reads an AssignInstance node at
		// all. Propagating the RHS through keeps the map total.
		return arg(0), returnAcc
	case bytecode.OpMarkArguments:
		elems := make([]Type, len(n.Args))
		for i := range n.Args {
			elems[i] = arg(i)
		}
		return ArrayType(elems), returnAcc
	case bytecode.OpSendUnary:
		switch bytecode.UnaryOp(ins.Argument) {
		case bytecode.UnaryIsNil:
			return an.isNilResult(arg(0), true), returnAcc
		case bytecode.UnaryNotNil:
			return an.isNilResult(arg(0), false), returnAcc
		}
		return Polytype, returnAcc
	case bytecode.OpSendBinary:
		return an.sendBinary(bytecode.BinaryOp(ins.Argument), arg(0), arg(1)), returnAcc
	case bytecode.OpSendMessage:
		selector := an.literalRef(method, ins.Argument)
		return an.sendMessage(selector, arg(0)), returnAcc
	case bytecode.OpPushBlock:
		return Monotype(an.Roots.BlockClass), returnAcc
	case bytecode.OpDoPrimitive:
		return an.primitiveType(ins.Extra, arg), returnAcc
	case bytecode.OpDoSpecial:
		switch bytecode.Special(ins.Argument) {
		case bytecode.SpecialStackReturn, bytecode.SpecialBlockReturn:
			v := arg(0)
			return v, Join(returnAcc, v)
		case bytecode.SpecialSelfReturn:
			self := Undefined
			if len(argTypes) > 0 {
				self = argTypes[0]
			}
			return Undefined, Join(returnAcc, self)
		case bytecode.SpecialDuplicate:
			return arg(0), returnAcc
		default:
			return Undefined, returnAcc
		}
	default:
		return Undefined, returnAcc
	}
}

func (an *Analyzer) constantType(arg int) Type {
	switch arg {
	case bytecode.ConstNil:
		return Literal(an.Roots.Nil)
	case bytecode.ConstTrue:
		return Literal(an.Roots.True)
	case bytecode.ConstFalse:
		return Literal(an.Roots.False)
	default:
		v, err := object.NewSmallInteger(int64(arg))
		if err != nil {
			return Polytype
		}
		return Literal(v)
	}
}

func (an *Analyzer) literalsArray(method object.Ref) []object.Ref {
	arr := object.Field(an.Heap, method, object.MethodLiterals)
	return an.Heap.Fields(arr)
}

func (an *Analyzer) literalType(method object.Ref, idx int) Type {
	lits := an.literalsArray(method)
	if idx < 0 || idx >= len(lits) {
		return Undefined
	}
	return Literal(lits[idx])
}

func (an *Analyzer) literalRef(method object.Ref, idx int) object.Ref {
	lits := an.literalsArray(method)
	if idx < 0 || idx >= len(lits) {
		return 0
	}
	return lits[idx]
}

func (an *Analyzer) isNilResult(receiver Type, wantNil bool) Type {
	if receiver.Kind == KindLiteral {
		isNil := receiver.Value == an.Roots.Nil
		if isNil == wantNil {
			return Literal(an.Roots.True)
		}
		return Literal(an.Roots.False)
	}
	return an.booleanType()
}

func (an *Analyzer) booleanType() Type {
	trueClass := object.ClassOf(an.Heap, an.Roots.True)
	falseClass := object.ClassOf(an.Heap, an.Roots.False)
	return Join(Monotype(trueClass), Monotype(falseClass))
}

func (an *Analyzer) boolLiteral(v bool) Type {
	if v {
		return Literal(an.Roots.True)
	}
	return Literal(an.Roots.False)
}

func (an *Analyzer) isSmallIntMonotype(t Type) bool {
	return t.Kind == KindMonotype && t.Class == an.Roots.SmallIntClass
}

func (an *Analyzer) sendBinary(op bytecode.BinaryOp, a, b Type) Type {
	if a.Kind == KindLiteral && b.Kind == KindLiteral &&
		object.IsSmallInteger(a.Value) && object.IsSmallInteger(b.Value) {
		x, y := object.AsSmallInteger(a.Value), object.AsSmallInteger(b.Value)
		switch op {
		case bytecode.BinaryPlus:
			if v, err := object.NewSmallInteger(x + y); err == nil {
				return Literal(v)
			}
		case bytecode.BinaryLess:
			return an.boolLiteral(x < y)
		case bytecode.BinaryLessOrEqual:
			return an.boolLiteral(x <= y)
		}
	}
	if an.isSmallIntMonotype(a) && an.isSmallIntMonotype(b) {
		switch op {
		case bytecode.BinaryPlus:
			return Monotype(an.Roots.SmallIntClass)
		case bytecode.BinaryLess, bytecode.BinaryLessOrEqual:
			return an.booleanType()
		}
	}
	return an.sendMessage(an.binarySelector(op), ArrayType([]Type{a, b}))
}

func (an *Analyzer) binarySelector(op bytecode.BinaryOp) object.Ref {
	switch op {
	case bytecode.BinaryPlus:
		return an.Roots.Plus
	case bytecode.BinaryLess:
		return an.Roots.LessThan
	default:
		return an.Roots.LessOrEqual
	}
}

func (an *Analyzer) classOfType(t Type) object.Ref {
	switch t.Kind {
	case KindLiteral:
		return object.ClassOf(an.Heap, t.Value)
	case KindMonotype:
		return t.Class
	default:
		return 0
	}
}

func (an *Analyzer) sendMessage(selector object.Ref, args Type) Type {
	if len(args.Elements) == 0 {
		return Polytype
	}
	class := an.classOfType(args.Elements[0])
	if class == 0 || an.Resolver == nil {
		return Polytype
	}
	method, ok := an.Resolver.Lookup(class, selector)
	if !ok {
		return Polytype
	}
	ctx, err := an.AnalyzeMethod(method, args.Elements)
	if err != nil {
		return Polytype
	}
	return ctx.ReturnType
}

func (an *Analyzer) primitiveType(prim int, arg func(int) Type) Type {
	switch prim {
	case bytecode.PrimAllocateObject, bytecode.PrimAllocateByteArray:
		cls := arg(0)
		if cls.Kind == KindLiteral {
			return Monotype(cls.Value)
		}
		return Polytype
	case bytecode.PrimGetClass:
		cls := arg(0)
		switch cls.Kind {
		case KindLiteral:
			return Literal(object.ClassOf(an.Heap, cls.Value))
		case KindMonotype:
			return Literal(cls.Class)
		default:
			return Polytype
		}
	case bytecode.PrimGetSize:
		cls := arg(0)
		if cls.Kind == KindLiteral {
			if v, err := object.NewSmallInteger(int64(object.Size(an.Heap, cls.Value))); err == nil {
				return Literal(v)
			}
		}
		return Monotype(an.Roots.SmallIntClass)
	case bytecode.PrimSmallIntSub:
		a, b := arg(0), arg(1)
		if a.Kind == KindLiteral && b.Kind == KindLiteral &&
			object.IsSmallInteger(a.Value) && object.IsSmallInteger(b.Value) {
			if v, err := object.NewSmallInteger(object.AsSmallInteger(a.Value) - object.AsSmallInteger(b.Value)); err == nil {
				return Literal(v)
			}
		}
		return Undefined
	default:
		return Polytype
	}
}
