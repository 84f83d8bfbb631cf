// Package image defines the root object table the VM core consumes
// from an image loader, per spec.md §4.C/§6. Deserializing a byte
// stream into heap objects is explicitly out of scope for the core —
// that is the loader's job. This package only describes the shape of
// what a loader must hand the VM, plus Bootstrap (see bootstrap.go),
// which builds a minimal working Roots value directly against
// pkg/heap, for use by cmd/tsmalltalk and by tests that have no real
// image file to load.
package image

import (
	"github.com/kristofer/tsmalltalk/pkg/object"
)

// Roots is the out-parameter struct spec.md §4.C/§6 describes: the
// handful of distinguished objects every other VM component is handed
// at startup instead of looking up by name.
type Roots struct {
	Nil, True, False object.Ref

	Globals object.Ref // a Dictionary: symbol name -> global value

	SmallIntClass, IntegerClass, ArrayClass, BlockClass, ContextClass, StringClass object.Ref

	InitialMethod object.Ref

	LessThan, LessOrEqual, Plus object.Ref // the three binary-message selectors

	DoesNotUnderstand object.Ref // the #doesNotUnderstand: selector
}
