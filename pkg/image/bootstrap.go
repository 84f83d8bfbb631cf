package image

import (
	"github.com/kristofer/tsmalltalk/pkg/heap"
	"github.com/kristofer/tsmalltalk/pkg/object"
)

// Bootstrap builds a minimal, self-consistent Roots value directly
// against h's static heap: just enough classes, singletons, and
// selector symbols for pkg/vm to start a Process, with no image file
// involved. cmd/tsmalltalk uses this for every machine it builds, and
// the vm and typeinfer test suites use it in place of a loader
// wherever they need live Refs rather than hand-rolled bytecode.
//
// Every object Bootstrap creates lives in the static heap: none of it
// is ever collected, matching spec.md §4.B's "loaded image data" case
// for the static heap.
func Bootstrap(h *heap.Heap) (*Roots, error) {
	b := &bootstrapper{h: h, store: heap.StaticStore(h)}
	return b.run()
}

type bootstrapper struct {
	h     *heap.Heap
	store object.Store
}

func (b *bootstrapper) run() (*Roots, error) {
	h := b.h
	store := b.store

	// The metaclass every ordinary class is an instance of. Left
	// without a class of its own (header.Class == 0): the VM core
	// never needs to ask "what is Class's class", and a full metaclass
	// tower is image/class-library territory outside the core.
	classClass, err := object.NewClass(store, 0, 0, 0, 0)
	if err != nil {
		return nil, err
	}

	newClass := func() (object.Ref, error) {
		return object.NewClass(store, classClass, 0, 0, 0)
	}

	objectClass, err := newClass() // root of the hierarchy; Superclass stays 0
	if err != nil {
		return nil, err
	}
	symbolClass, err := newClass()
	if err != nil {
		return nil, err
	}
	stringClass, err := newClass()
	if err != nil {
		return nil, err
	}
	dictClass, err := newClass()
	if err != nil {
		return nil, err
	}
	arrayClass, err := newClass()
	if err != nil {
		return nil, err
	}
	smallIntClass, err := newClass()
	if err != nil {
		return nil, err
	}
	integerClass, err := newClass()
	if err != nil {
		return nil, err
	}
	blockClass, err := newClass()
	if err != nil {
		return nil, err
	}
	contextClass, err := newClass()
	if err != nil {
		return nil, err
	}
	methodClass, err := newClass()
	if err != nil {
		return nil, err
	}
	nilClass, err := newClass()
	if err != nil {
		return nil, err
	}
	trueClass, err := newClass()
	if err != nil {
		return nil, err
	}
	falseClass, err := newClass()
	if err != nil {
		return nil, err
	}

	for _, c := range []object.Ref{
		classClass, objectClass, symbolClass, stringClass, dictClass, arrayClass,
		smallIntClass, integerClass, blockClass, contextClass, methodClass,
		nilClass, trueClass, falseClass,
	} {
		object.SetField(h, c, object.ClassSuperclass, objectClass)
	}
	object.SetField(h, objectClass, object.ClassSuperclass, 0)

	name := func(s string) (object.Ref, error) { return object.NewSymbol(store, symbolClass, s) }
	setName := func(class object.Ref, s string) error {
		n, err := name(s)
		if err != nil {
			return err
		}
		object.SetField(h, class, object.ClassName, n)
		return nil
	}
	named := []struct {
		class object.Ref
		name  string
	}{
		{classClass, "Class"}, {objectClass, "Object"}, {symbolClass, "Symbol"},
		{stringClass, "String"}, {dictClass, "Dictionary"}, {arrayClass, "Array"},
		{smallIntClass, "SmallInt"}, {integerClass, "Integer"}, {blockClass, "Block"},
		{contextClass, "Context"}, {methodClass, "Method"}, {nilClass, "UndefinedObject"},
		{trueClass, "True"}, {falseClass, "False"},
	}
	for _, n := range named {
		if err := setName(n.class, n.name); err != nil {
			return nil, err
		}
	}

	emptyDict := func() (object.Ref, error) {
		keys, err := object.NewArray(store, arrayClass)
		if err != nil {
			return 0, err
		}
		values, err := object.NewArray(store, arrayClass)
		if err != nil {
			return 0, err
		}
		return object.NewDictionary(store, dictClass, keys, values)
	}
	for _, c := range []object.Ref{
		classClass, objectClass, symbolClass, stringClass, dictClass, arrayClass,
		smallIntClass, integerClass, blockClass, contextClass, methodClass,
		nilClass, trueClass, falseClass,
	} {
		d, err := emptyDict()
		if err != nil {
			return nil, err
		}
		object.SetField(h, c, object.ClassMethodDict, d)
	}

	h.SetSmallIntClass(smallIntClass)

	nilObj := h.StaticAllocate(nilClass, 0)
	trueObj := h.StaticAllocate(trueClass, 0)
	falseObj := h.StaticAllocate(falseClass, 0)

	globals, err := emptyDict()
	if err != nil {
		return nil, err
	}

	doesNotUnderstand, err := name("doesNotUnderstand:")
	if err != nil {
		return nil, err
	}
	lessThan, err := name("<")
	if err != nil {
		return nil, err
	}
	lessOrEqual, err := name("<=")
	if err != nil {
		return nil, err
	}
	plus, err := name("+")
	if err != nil {
		return nil, err
	}

	emptyBytes := h.StaticAllocateBinary(0, 0)
	emptyLiterals, err := object.NewArray(store, arrayClass)
	if err != nil {
		return nil, err
	}
	methodName, err := name("run")
	if err != nil {
		return nil, err
	}
	initialMethod, err := object.NewMethod(store, methodClass, methodName, emptyBytes, emptyLiterals, 0, 0, objectClass)
	if err != nil {
		return nil, err
	}

	return &Roots{
		Nil:               nilObj,
		True:              trueObj,
		False:             falseObj,
		Globals:           globals,
		SmallIntClass:     smallIntClass,
		IntegerClass:      integerClass,
		ArrayClass:        arrayClass,
		BlockClass:        blockClass,
		ContextClass:      contextClass,
		StringClass:       stringClass,
		InitialMethod:     initialMethod,
		LessThan:          lessThan,
		LessOrEqual:       lessOrEqual,
		Plus:              plus,
		DoesNotUnderstand: doesNotUnderstand,
	}, nil
}
