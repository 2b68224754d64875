package heap

import (
	"fmt"
	"strings"
)

// ObjectReference is an opaque handle to a heap object. Two references are
// the same object exactly when they compare equal; a moving collector hands
// out a new reference for a relocated object through tracing.
type ObjectReference uint64

// Null is the reference stored in empty slots.
const Null ObjectReference = 0

// IsNull reports whether r is the null reference.
func (r ObjectReference) IsNull() bool { return r == Null }

// Address returns the arena word address of the object header.
func (r ObjectReference) Address() Address { return Address(r) }

func (r ObjectReference) String() string {
	if r == Null {
		return "null"
	}
	return fmt.Sprintf("%#x", uint64(r))
}

// FromAddress returns the reference for an object whose header is at a.
func FromAddress(a Address) ObjectReference { return ObjectReference(a) }

// Address is a word address inside an Arena.
type Address uint64

// Plus returns the address n words after a.
func (a Address) Plus(n int) Address { return a + Address(n) }

// Edge is the address of a single reference-carrying slot.
type Edge Address

// EdgeRange is the contiguous run of slots [Start, End).
type EdgeRange struct {
	Start Edge
	End   Edge
}

// Len returns the number of slots in the range.
func (r EdgeRange) Len() int {
	if r.End <= r.Start {
		return 0
	}
	return int(r.End - r.Start)
}

// Each calls fn for every slot of the range in address order.
func (r EdgeRange) Each(fn func(Edge)) {
	for e := r.Start; e < r.End; e++ {
		fn(e)
	}
}

// ---------------------------------------------------------------------------
// Kind
// ---------------------------------------------------------------------------

// Kind identifies the layout shape of an object. The set is closed.
type Kind uint8

const (
	KindInstance Kind = iota
	KindInstanceMirror
	KindInstanceClassLoader
	KindObjArray
	KindTypeArray
	KindInstanceRef
)

var kindNames = [...]string{
	KindInstance:            "instance",
	KindInstanceMirror:      "mirror",
	KindInstanceClassLoader: "classloader",
	KindObjArray:            "objarray",
	KindTypeArray:           "typearray",
	KindInstanceRef:         "reference",
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool { return int(k) < len(kindNames) }

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return kindNames[k]
}

// ParseKind maps a kind name back to its Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown object kind %q", s)
}

// ---------------------------------------------------------------------------
// Strength
// ---------------------------------------------------------------------------

// Strength classifies a reference object. StrengthNone is never valid for an
// object of KindInstanceRef.
type Strength uint8

const (
	StrengthNone Strength = iota
	StrengthSoft
	StrengthWeak
	StrengthFinal
	StrengthPhantom
	StrengthOther
)

var strengthNames = [...]string{
	StrengthNone:    "none",
	StrengthSoft:    "soft",
	StrengthWeak:    "weak",
	StrengthFinal:   "final",
	StrengthPhantom: "phantom",
	StrengthOther:   "other",
}

func (s Strength) String() string {
	if int(s) >= len(strengthNames) {
		return fmt.Sprintf("Strength(%d)", uint8(s))
	}
	return strengthNames[s]
}

// ParseStrength maps a strength name back to its Strength. The empty string
// is StrengthNone.
func ParseStrength(s string) (Strength, error) {
	if s == "" {
		return StrengthNone, nil
	}
	for st, name := range strengthNames {
		if strings.EqualFold(s, name) {
			return Strength(st), nil
		}
	}
	return 0, fmt.Errorf("unknown reference strength %q", s)
}
