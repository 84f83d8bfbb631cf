// Package typeinfer implements the dataflow type analyzer spec.md §4.G
// describes: a lazily-run, per-method pass over pkg/graph's control
// graph producing a Type for every node, with a call-context cache that
// keeps recursive selectors from diverging.
package typeinfer

import (
	"fmt"

	"github.com/kristofer/tsmalltalk/pkg/object"
)

// Kind discriminates Type's closed sum.
type Kind int

const (
	KindUndefined Kind = iota
	KindPolytype
	KindLiteral
	KindMonotype
	KindComposite
	KindArray
)

// Type is the tagged sum spec.md §4.G defines. Which fields are
// meaningful depends on Kind: Value for Literal, Class for Monotype,
// Subtypes for Composite, Elements for Array.
type Type struct {
	Kind     Kind
	Value    object.Ref
	Class    object.Ref
	Subtypes []Type
	Elements []Type
}

// Undefined is bottom (⊥): no information yet.
var Undefined = Type{Kind: KindUndefined}

// Polytype is top (⊤): could be anything.
var Polytype = Type{Kind: KindPolytype}

// Literal builds the type of one specific object value.
func Literal(v object.Ref) Type { return Type{Kind: KindLiteral, Value: v} }

// Monotype builds the type "some instance of class".
func Monotype(class object.Ref) Type { return Type{Kind: KindMonotype, Class: class} }

// ArrayType builds a known-length tuple type.
func ArrayType(elements []Type) Type { return Type{Kind: KindArray, Elements: elements} }

// Equal reports structural equality, used to detect dataflow fixpoints
// and to dedupe composite members.
func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case KindLiteral:
		return t.Value == o.Value
	case KindMonotype:
		return t.Class == o.Class
	case KindComposite:
		if len(t.Subtypes) != len(o.Subtypes) {
			return false
		}
		for _, s := range t.Subtypes {
			if !containsType(o.Subtypes, s) {
				return false
			}
		}
		return true
	case KindArray:
		if len(t.Elements) != len(o.Elements) {
			return false
		}
		for i := range t.Elements {
			if !t.Elements[i].Equal(o.Elements[i]) {
				return false
			}
		}
		return true
	default:
		return true // Undefined and Polytype carry no payload
	}
}

func containsType(list []Type, t Type) bool {
	for _, x := range list {
		if x.Equal(t) {
			return true
		}
	}
	return false
}

// flatten expands a composite into its members, or wraps a non-bottom
// scalar type as a one-element list; Undefined contributes nothing.
func flatten(t Type) []Type {
	switch t.Kind {
	case KindUndefined:
		return nil
	case KindComposite:
		return t.Subtypes
	default:
		return []Type{t}
	}
}

// Join (spec.md §4.G "|=") forms the union of a and b, used at control
// merges (phis) and to accumulate a method's contributed return types.
func Join(a, b Type) Type {
	if a.Kind == KindUndefined {
		return b
	}
	if b.Kind == KindUndefined {
		return a
	}
	if a.Kind == KindPolytype || b.Kind == KindPolytype {
		return Polytype
	}
	if a.Equal(b) {
		return a
	}
	var subs []Type
	for _, s := range flatten(a) {
		if !containsType(subs, s) {
			subs = append(subs, s)
		}
	}
	for _, s := range flatten(b) {
		if !containsType(subs, s) {
			subs = append(subs, s)
		}
	}
	if len(subs) == 1 {
		return subs[0]
	}
	return Type{Kind: KindComposite, Subtypes: subs}
}

// Meet (spec.md §4.G "&=") restricts a composite or polytype to the
// members compatible with the other operand, returning Undefined when
// nothing survives.
func Meet(a, b Type) Type {
	if a.Kind == KindPolytype {
		return b
	}
	if b.Kind == KindPolytype {
		return a
	}
	if a.Equal(b) {
		return a
	}
	if a.Kind == KindComposite && containsType(a.Subtypes, b) {
		return b
	}
	if b.Kind == KindComposite && containsType(b.Subtypes, a) {
		return a
	}
	return Undefined
}

func (t Type) String() string {
	switch t.Kind {
	case KindUndefined:
		return "Undefined"
	case KindPolytype:
		return "Polytype"
	case KindLiteral:
		return fmt.Sprintf("Literal(%d)", t.Value)
	case KindMonotype:
		return fmt.Sprintf("Monotype(%d)", t.Class)
	case KindComposite:
		return fmt.Sprintf("Composite%v", t.Subtypes)
	case KindArray:
		return fmt.Sprintf("Array%v", t.Elements)
	default:
		return "?"
	}
}
