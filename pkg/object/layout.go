package object

// This file fixes the field layout of the composite heap structures
// spec.md §3 names — Method, Context, Block, Dictionary, Process,
// Class — as plain slot indices into an ordinary object's body. Keeping
// the layout here (rather than duplicated across pkg/image and pkg/vm)
// lets both the image bootstrapper and the interpreter agree on it
// without an import cycle between them.

// Allocator is the subset of heap.Heap's API needed to construct
// composite objects: allocate an ordinary or binary body of a given
// size, plus the external-pointer registry used to keep already-held
// Refs correct across an Allocate call that might collect. heap.Heap
// and heap.Generational both satisfy it.
type Allocator interface {
	Allocate(class Ref, size int) (Ref, bool, error)
	AllocateBinary(class Ref, size int) (Ref, bool, error)
	RegisterExternalPointer(slot *Ref) int
	ReleaseExternalPointer(id int)
}

// protect registers every ref in refs as an external pointer for the
// duration of the caller's remaining work, so that an Allocate call
// made after they're read (but before they're written into a freshly
// allocated object's fields) can still collect and relocate them
// safely. The caller must defer the returned func.
func protect(s Allocator, refs ...*Ref) func() {
	ids := make([]int, len(refs))
	for i, r := range refs {
		ids[i] = s.RegisterExternalPointer(r)
	}
	return func() {
		for _, id := range ids {
			s.ReleaseExternalPointer(id)
		}
	}
}

// Store is the full read/write surface layout.go's constructors need.
type Store interface {
	Heap
	Allocator
}

// Method field layout (spec.md §3 "Method").
const (
	MethodName          = 0
	MethodByteCodes      = 1 // ref to a binary ByteArray object
	MethodLiterals       = 2 // ref to an Array
	MethodStackSize      = 3 // SmallInt
	MethodTemporarySize  = 4 // SmallInt
	MethodClass          = 5 // owning class
	MethodSource         = 6 // String or nil
	MethodPackage        = 7 // Symbol or nil
	MethodFieldCount     = 8
)

// Context field layout (spec.md §3 "Context").
const (
	ContextMethod          = 0
	ContextArguments       = 1 // Array; slot 0 is the receiver
	ContextTemporaries     = 2 // Array
	ContextStack           = 3 // Array
	ContextBytePointer     = 4 // SmallInt
	ContextStackTop        = 5 // SmallInt
	ContextPreviousContext = 6 // Context or nil
	ContextFieldCount      = 7
)

// Block extends Context with three more fields (spec.md §3 "A Block is
// a subclass of Context adding...").
const (
	BlockArgumentLocation = ContextFieldCount + 0 // starting offset into the outer temporaries
	BlockCreatingContext  = ContextFieldCount + 1
	BlockBytePointer      = ContextFieldCount + 2 // entry offset of the block body
	BlockFieldCount       = ContextFieldCount + 3
)

// Dictionary field layout (spec.md §3 "Dictionary"): two parallel
// arrays. object.DictionaryFind already assumes this layout.
const (
	DictionaryKeys        = 0
	DictionaryValues      = 1
	DictionaryFieldCount  = 2
)

// Process field layout (spec.md §3 "Process").
const (
	ProcessContext     = 0
	ProcessState       = 1 // SmallInt: see ProcessState* constants
	ProcessLastResult  = 2
	ProcessFieldCount  = 3
)

// Process state markers.
const (
	ProcessRunning   = 0
	ProcessSuspended = 1
	ProcessReturned  = 2
	ProcessError     = 3
)

// Class is a minimal metaobject: just enough for method lookup
// (spec.md §4.I) to walk the hierarchy. The image/bootstrap and class
// library machinery that would normally enrich this (metaclasses,
// instance variable name lists, category/comment metadata) are outside
// the VM core per spec.md §1.
const (
	ClassName        = 0
	ClassSuperclass  = 1 // 0 (invalid Ref) if this is the root of the hierarchy
	ClassMethodDict  = 2 // a Dictionary: selector Symbol -> Method
	ClassFieldCount  = 3
)

// NewClass allocates a Class object with the given name symbol,
// superclass (pass 0 for none), and method dictionary.
func NewClass(s Store, metaclass, name, superclass, methodDict Ref) (Ref, error) {
	release := protect(s, &name, &superclass, &methodDict)
	defer release()
	ref, _, err := s.Allocate(metaclass, ClassFieldCount)
	if err != nil {
		return 0, err
	}
	SetField(s, ref, ClassName, name)
	SetField(s, ref, ClassSuperclass, superclass)
	SetField(s, ref, ClassMethodDict, methodDict)
	return ref, nil
}

// NewDictionary allocates a Dictionary with the given parallel keys/
// values arrays (already sorted and of equal length, per the Dictionary
// invariant in spec.md §3).
func NewDictionary(s Store, dictClass, keys, values Ref) (Ref, error) {
	release := protect(s, &keys, &values)
	defer release()
	ref, _, err := s.Allocate(dictClass, DictionaryFieldCount)
	if err != nil {
		return 0, err
	}
	SetField(s, ref, DictionaryKeys, keys)
	SetField(s, ref, DictionaryValues, values)
	return ref, nil
}

// NewMethod allocates a Method object from already-assembled pieces.
func NewMethod(s Store, methodClass Ref, name, byteCodes, literals Ref, stackSize, temporarySize int, owner Ref) (Ref, error) {
	release := protect(s, &name, &byteCodes, &literals, &owner)
	defer release()
	ref, _, err := s.Allocate(methodClass, MethodFieldCount)
	if err != nil {
		return 0, err
	}
	ss, err := NewSmallInteger(int64(stackSize))
	if err != nil {
		return 0, err
	}
	ts, err := NewSmallInteger(int64(temporarySize))
	if err != nil {
		return 0, err
	}
	SetField(s, ref, MethodName, name)
	SetField(s, ref, MethodByteCodes, byteCodes)
	SetField(s, ref, MethodLiterals, literals)
	SetField(s, ref, MethodStackSize, ss)
	SetField(s, ref, MethodTemporarySize, ts)
	SetField(s, ref, MethodClass, owner)
	return ref, nil
}

// NewSymbol allocates a binary object holding name's bytes, suitable
// for use as a Dictionary key or a selector literal.
func NewSymbol(s Store, symbolClass Ref, name string) (Ref, error) {
	ref, _, err := s.AllocateBinary(symbolClass, len(name))
	if err != nil {
		return 0, err
	}
	copy(s.Bytes(ref), name)
	return ref, nil
}

// NewArray allocates an Array of the given elements.
func NewArray(s Store, arrayClass Ref, elements ...Ref) (Ref, error) {
	elementPtrs := make([]*Ref, len(elements))
	for i := range elements {
		elementPtrs[i] = &elements[i]
	}
	release := protect(s, elementPtrs...)
	defer release()
	ref, _, err := s.Allocate(arrayClass, len(elements))
	if err != nil {
		return 0, err
	}
	copy(s.Fields(ref), elements)
	return ref, nil
}
