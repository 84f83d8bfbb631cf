package typeinfer

import (
	"testing"

	"github.com/kristofer/tsmalltalk/pkg/bytecode"
	"github.com/kristofer/tsmalltalk/pkg/graph"
	"github.com/kristofer/tsmalltalk/pkg/heap"
	"github.com/kristofer/tsmalltalk/pkg/image"
	"github.com/kristofer/tsmalltalk/pkg/object"
	"github.com/kristofer/tsmalltalk/pkg/parsedbc"
)

func newHeapAndRoots(t *testing.T) (*heap.Heap, *image.Roots) {
	t.Helper()
	h := heap.New(heap.Config{InitialSize: 64}, 256)
	roots, err := image.Bootstrap(h)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return h, roots
}

func graphOf(t *testing.T, code []byte) *graph.Graph {
	t.Helper()
	region, err := parsedbc.Parse(code)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	g, err := graph.Build(region)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return g
}

func newMethod(t *testing.T, h *heap.Heap, roots *image.Roots, code []byte, argc int) object.Ref {
	t.Helper()
	codeRef, _, err := h.AllocateBinary(roots.ArrayClass, len(code))
	if err != nil {
		t.Fatalf("allocate code: %v", err)
	}
	copy(h.Bytes(codeRef), code)
	literals, err := object.NewArray(h, roots.ArrayClass)
	if err != nil {
		t.Fatalf("allocate literals: %v", err)
	}
	name, err := object.NewSymbol(h, roots.ArrayClass, "m")
	if err != nil {
		t.Fatalf("allocate name: %v", err)
	}
	method, err := object.NewMethod(h, roots.ArrayClass, name, codeRef, literals, 8, 0, 0)
	if err != nil {
		t.Fatalf("allocate method: %v", err)
	}
	return method
}

// stubResolver answers Graph by parsing a method's own bytecode and
// Lookup from a fixed table, for the one test (S5) that needs a real
// message send.
type stubResolver struct {
	h       *heap.Heap
	methods map[[2]object.Ref]object.Ref // (class, selector) -> method
}

func (r *stubResolver) Lookup(class, selector object.Ref) (object.Ref, bool) {
	m, ok := r.methods[[2]object.Ref{class, selector}]
	return m, ok
}

func (r *stubResolver) Graph(method object.Ref) (*graph.Graph, error) {
	codeRef := object.Field(r.h, method, object.MethodByteCodes)
	code := r.h.Bytes(codeRef)
	region, err := parsedbc.Parse(code)
	if err != nil {
		return nil, err
	}
	return graph.Build(region)
}

// TestS3LiteralPlusInfersLiteralSeven is spec.md §8 S3: 3 + 4 over two
// literal operands yields the literal 7.
func TestS3LiteralPlusInfersLiteralSeven(t *testing.T) {
	h, roots := newHeapAndRoots(t)
	an := NewAnalyzer(h, roots, &stubResolver{h: h})

	code, err := bytecode.Serialize([]bytecode.Instruction{
		{Op: bytecode.OpPushConstant, Argument: 3},
		{Op: bytecode.OpPushConstant, Argument: 4},
		{Op: bytecode.OpSendBinary, Argument: int(bytecode.BinaryPlus)},
		{Op: bytecode.OpDoSpecial, Argument: int(bytecode.SpecialStackReturn)},
	})
	if err != nil {
		t.Fatal(err)
	}
	method := newMethod(t, h, roots, code, 0)

	ctx, err := an.AnalyzeMethod(method, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ctx.ReturnType.Kind != KindLiteral || !object.IsSmallInteger(ctx.ReturnType.Value) {
		t.Fatalf("expected a literal SmallInt return type, got %v", ctx.ReturnType)
	}
	if got := object.AsSmallInteger(ctx.ReturnType.Value); got != 7 {
		t.Fatalf("expected literal 7, got %d", got)
	}
}

// TestS3MonotypePlusInfersSmallIntMonotype is S3's second half: both
// operands (SmallInt) monotype yields (SmallInt) monotype.
func TestS3MonotypePlusInfersSmallIntMonotype(t *testing.T) {
	h, roots := newHeapAndRoots(t)
	an := NewAnalyzer(h, roots, &stubResolver{h: h})

	code, err := bytecode.Serialize([]bytecode.Instruction{
		{Op: bytecode.OpPushArgument, Argument: 0},
		{Op: bytecode.OpPushArgument, Argument: 1},
		{Op: bytecode.OpSendBinary, Argument: int(bytecode.BinaryPlus)},
		{Op: bytecode.OpDoSpecial, Argument: int(bytecode.SpecialStackReturn)},
	})
	if err != nil {
		t.Fatal(err)
	}
	method := newMethod(t, h, roots, code, 2)

	smallInt := Monotype(roots.SmallIntClass)
	ctx, err := an.AnalyzeMethod(method, []Type{smallInt, smallInt})
	if err != nil {
		t.Fatal(err)
	}
	if !ctx.ReturnType.Equal(Monotype(roots.SmallIntClass)) {
		t.Fatalf("expected (SmallInt) monotype, got %v", ctx.ReturnType)
	}
}

// TestS4IsNilOnNilIsTrue is spec.md §8 S4: isNil on a literal nil
// argument returns literal true; on any other literal, literal false.
func TestS4IsNilOnNilIsTrue(t *testing.T) {
	h, roots := newHeapAndRoots(t)
	an := NewAnalyzer(h, roots, &stubResolver{h: h})

	code, err := bytecode.Serialize([]bytecode.Instruction{
		{Op: bytecode.OpPushArgument, Argument: 0},
		{Op: bytecode.OpSendUnary, Argument: int(bytecode.UnaryIsNil)},
		{Op: bytecode.OpDoSpecial, Argument: int(bytecode.SpecialStackReturn)},
	})
	if err != nil {
		t.Fatal(err)
	}
	method := newMethod(t, h, roots, code, 1)

	ctx, err := an.AnalyzeMethod(method, []Type{Literal(roots.Nil)})
	if err != nil {
		t.Fatal(err)
	}
	if !ctx.ReturnType.Equal(Literal(roots.True)) {
		t.Fatalf("isNil on nil should be literal true, got %v", ctx.ReturnType)
	}

	ctx2, err := an.AnalyzeMethod(method, []Type{Literal(roots.False)})
	if err != nil {
		t.Fatal(err)
	}
	if !ctx2.ReturnType.Equal(Literal(roots.False)) {
		t.Fatalf("isNil on a non-nil literal should be literal false, got %v", ctx2.ReturnType)
	}
}

// TestS5ArrayNewReturnsArrayMonotype is spec.md §8 S5: calling the
// metaclass new with class Array returns monotype Array.
func TestS5ArrayNewReturnsArrayMonotype(t *testing.T) {
	h, roots := newHeapAndRoots(t)

	newCode, err := bytecode.Serialize([]bytecode.Instruction{
		{Op: bytecode.OpPushArgument, Argument: 0}, // self: the class being instantiated
		{Op: bytecode.OpPushConstant, Argument: 0}, // instance size — unused by the analyzer's rule
		{Op: bytecode.OpDoPrimitive, Argument: 0, Extra: bytecode.PrimAllocateObject},
		{Op: bytecode.OpDoSpecial, Argument: int(bytecode.SpecialStackReturn)},
	})
	if err != nil {
		t.Fatal(err)
	}
	newMethodRef := newMethod(t, h, roots, newCode, 1)

	newSelector, err := object.NewSymbol(h, roots.ArrayClass, "new")
	if err != nil {
		t.Fatal(err)
	}

	metaclass := object.ClassOf(h, roots.ArrayClass)
	resolver := &stubResolver{h: h, methods: map[[2]object.Ref]object.Ref{
		{metaclass, newSelector}: newMethodRef,
	}}
	an := NewAnalyzer(h, roots, resolver)

	result := an.sendMessage(newSelector, ArrayType([]Type{Literal(roots.ArrayClass)}))
	if !result.Equal(Monotype(roots.ArrayClass)) {
		t.Fatalf("expected Array monotype, got %v", result)
	}
}

// TestJoinAndMeet exercises the lattice operators' basic algebra.
func TestJoinAndMeet(t *testing.T) {
	a := Monotype(1)
	b := Monotype(2)

	joined := Join(a, b)
	if joined.Kind != KindComposite || len(joined.Subtypes) != 2 {
		t.Fatalf("expected a 2-member composite, got %v", joined)
	}
	if !Join(a, a).Equal(a) {
		t.Fatal("joining a type with itself should be idempotent")
	}
	if !Join(Undefined, a).Equal(a) {
		t.Fatal("joining with Undefined should return the other operand")
	}
	if !Join(Polytype, a).Equal(Polytype) {
		t.Fatal("joining with Polytype should return Polytype")
	}

	if !Meet(joined, a).Equal(a) {
		t.Fatalf("meeting a composite with one of its members should return that member, got %v", Meet(joined, a))
	}
	if !Meet(Polytype, a).Equal(a) {
		t.Fatal("meeting with Polytype should return the other operand")
	}
	if !Meet(Monotype(1), Monotype(3)).Equal(Undefined) {
		t.Fatal("meeting two unrelated monotypes should return Undefined")
	}
}
