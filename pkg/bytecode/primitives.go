package bytecode

// Primitive numbers DoPrimitive's extra byte names (spec.md §4.J). Only
// the ones spec.md calls out by name get a constant; the rest are valid
// opcode arguments but addressed numerically, same as the reference VM.
const (
	PrimObjectsAreEqual   = 1
	PrimGetClass          = 2
	PrimGetSize           = 4
	PrimArrayAtPut        = 5
	PrimStartNewProcess   = 6
	PrimAllocateObject    = 7
	PrimBlockInvoke       = 8
	PrimSmallIntAdd       = 10
	PrimSmallIntDiv       = 11
	PrimSmallIntMod       = 12
	PrimSmallIntLess      = 13
	PrimSmallIntEqual     = 14
	PrimSmallIntMul       = 15
	PrimSmallIntSub       = 16
	PrimThrowError        = 19
	PrimAllocateByteArray = 20
	PrimStringAt          = 21
	PrimStringAtPut       = 22
	PrimCloneByteObject   = 23
	PrimArrayAt           = 24
	PrimIntegerNew        = 32
	PrimSmallIntBitOr     = 36
	PrimSmallIntBitAnd    = 37
	PrimFlushCache        = 34
	PrimSmallIntBitShift  = 39
	PrimBulkReplace       = 38
	PrimGetSystemTicks    = 253
	PrimCollectGarbage    = 254
)

// primitiveArity reports how many values DoPrimitive(n) pops from the
// stack before it runs, used by pkg/graph's control-flow-graph builder
// to size argument edges (spec.md §4.F "Consumer & edge invariants").
// Primitives not named by spec.md default to 1, the common case for a
// unary receiver-only operation; pkg/vm's dispatch table is the
// authority on actual runtime behavior; this is only ever consulted for
// static graph shape.
func primitiveArity(n int) int {
	switch n {
	case PrimGetClass, PrimGetSize, PrimIntegerNew,
		PrimFlushCache, PrimGetSystemTicks, PrimCollectGarbage, PrimThrowError,
		PrimStartNewProcess:
		return 1
	case PrimObjectsAreEqual, PrimSmallIntAdd, PrimSmallIntDiv, PrimSmallIntMod,
		PrimSmallIntLess, PrimSmallIntEqual, PrimSmallIntMul, PrimSmallIntSub,
		PrimSmallIntBitOr, PrimSmallIntBitAnd, PrimSmallIntBitShift,
		PrimStringAt, PrimArrayAt, PrimCloneByteObject, PrimAllocateObject,
		PrimAllocateByteArray:
		return 2
	case PrimArrayAtPut, PrimStringAtPut:
		return 3
	case PrimBlockInvoke:
		return 2 // block + at least one argument; blockInvoke's real arity is n, read from the caller's MarkArguments count
	case PrimBulkReplace:
		return 5
	default:
		return 1
	}
}
