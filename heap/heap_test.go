package heap

import (
	"errors"
	"testing"
)

func expectInvariant(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected an invariant violation")
		}
		if _, ok := r.(*InvariantError); !ok {
			t.Fatalf("panic value %v is not an *InvariantError", r)
		}
	}()
	fn()
}

type layout struct {
	table   *Table
	object  TypeID
	mirror  TypeID
	objArr  TypeID
	byteArr TypeID
	weakRef TypeID
}

func newLayout(t *testing.T) *layout {
	t.Helper()
	l := &layout{table: NewTable()}
	l.object = l.table.MustRegister(TypeDescriptor{
		Name: "Pair", Kind: KindInstance, Fields: 3,
		OopMaps: []OopMapBlock{{Offset: 0, Count: 2}},
	})
	l.mirror = l.table.MustRegister(TypeDescriptor{
		Name: "Class", Kind: KindInstanceMirror, Fields: 1,
		OopMaps: []OopMapBlock{{Offset: 0, Count: 1}},
	})
	l.objArr = l.table.MustRegister(TypeDescriptor{Name: "Object[]", Kind: KindObjArray})
	l.byteArr = l.table.MustRegister(TypeDescriptor{Name: "byte[]", Kind: KindTypeArray})
	l.weakRef = l.table.MustRegister(TypeDescriptor{
		Name: "WeakReference", Kind: KindInstanceRef, Strength: StrengthWeak, Fields: 3,
		OopMaps:        []OopMapBlock{{Offset: 2, Count: 1}},
		ReferentOffset: 0, DiscoveredOffset: 1,
	})
	return l
}

func TestArenaAlloc(t *testing.T) {
	a := NewArena(100, 8)
	first, err := a.Alloc(3)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if first != 100 {
		t.Errorf("first allocation at %d, want 100", first)
	}
	second, err := a.Alloc(5)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if second != 103 {
		t.Errorf("second allocation at %d, want 103", second)
	}
	if a.Used() != 8 || a.Top() != 108 {
		t.Errorf("Used=%d Top=%d", a.Used(), a.Top())
	}

	if _, err := a.Alloc(1); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Alloc on full arena: err = %v, want ErrOutOfMemory", err)
	}
	if _, err := a.Alloc(0); err == nil {
		t.Error("Alloc(0) should fail")
	}
}

func TestArenaBounds(t *testing.T) {
	a := NewArena(10, 4)
	a.Store(13, 42)
	if a.Load(13) != 42 {
		t.Errorf("Load(13) = %d", a.Load(13))
	}
	if a.Contains(9) || a.Contains(14) || !a.Contains(10) {
		t.Error("Contains reports wrong bounds")
	}
	expectInvariant(t, func() { a.Load(14) })
	expectInvariant(t, func() { NewArena(0, 4) })
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		d    TypeDescriptor
	}{
		{"bad kind", TypeDescriptor{Name: "x", Kind: Kind(42)}},
		{"oop map past fields", TypeDescriptor{Name: "x", Kind: KindInstance, Fields: 1,
			OopMaps: []OopMapBlock{{Offset: 0, Count: 2}}}},
		{"ref without strength", TypeDescriptor{Name: "x", Kind: KindInstanceRef, Fields: 2,
			ReferentOffset: 0, DiscoveredOffset: 1}},
		{"referent outside fields", TypeDescriptor{Name: "x", Kind: KindInstanceRef, Strength: StrengthWeak,
			Fields: 2, ReferentOffset: 2, DiscoveredOffset: 1}},
		{"shared link field", TypeDescriptor{Name: "x", Kind: KindInstanceRef, Strength: StrengthWeak,
			Fields: 2, ReferentOffset: 1, DiscoveredOffset: 1}},
		{"oop map covers referent", TypeDescriptor{Name: "x", Kind: KindInstanceRef, Strength: StrengthWeak,
			Fields: 2, ReferentOffset: 0, DiscoveredOffset: 1, OopMaps: []OopMapBlock{{Offset: 0, Count: 1}}}},
		{"array with fields", TypeDescriptor{Name: "x", Kind: KindObjArray, Fields: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTable().Register(tt.d); err == nil {
				t.Errorf("Register(%+v) succeeded", tt.d)
			}
		})
	}
}

func TestRegisterAssignsIDs(t *testing.T) {
	l := newLayout(t)
	if l.table.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", l.table.Len())
	}
	for i, d := range l.table.All() {
		if d.ID != TypeID(i) {
			t.Errorf("descriptor %q has id %d, want %d", d.Name, d.ID, i)
		}
	}
	id, err := l.table.LookupName("WeakReference")
	if err != nil || id != l.weakRef {
		t.Errorf("LookupName = %d, %v", id, err)
	}
	if _, err := l.table.LookupName("Missing"); !errors.Is(err, ErrUnknownType) {
		t.Errorf("LookupName(Missing) err = %v", err)
	}
	if _, err := l.table.Register(TypeDescriptor{Name: "Pair", Kind: KindInstance}); err == nil {
		t.Error("duplicate name accepted")
	}
}

func TestHeapLayout(t *testing.T) {
	l := newLayout(t)
	h := New(256, l.table)

	obj, err := h.Allocate(l.object)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if h.Kind(obj) != KindInstance || h.SizeOf(obj) != 5 {
		t.Errorf("instance kind=%s size=%d", h.Kind(obj), h.SizeOf(obj))
	}
	if h.FieldEdge(obj, 0) != Edge(obj.Address().Plus(2)) {
		t.Error("first field is not right after the header")
	}

	m, err := h.AllocateMirror(l.mirror, 4)
	if err != nil {
		t.Fatalf("AllocateMirror: %v", err)
	}
	statics := h.StaticRange(m)
	if statics.Len() != 4 || statics.Start != Edge(m.Address().Plus(3)) {
		t.Errorf("static range = %+v", statics)
	}
	if h.SizeOf(m) != 7 {
		t.Errorf("mirror size = %d, want 7", h.SizeOf(m))
	}

	arr, err := h.AllocateArray(l.objArr, 6)
	if err != nil {
		t.Fatalf("AllocateArray: %v", err)
	}
	if h.Length(arr) != 6 || h.ElementRange(arr).Len() != 6 {
		t.Errorf("array length = %d", h.Length(arr))
	}
	if h.ElementEdge(arr, 5) != h.ElementRange(arr).End-1 {
		t.Error("last element edge does not end the range")
	}

	ref, err := h.Allocate(l.weakRef)
	if err != nil {
		t.Fatalf("Allocate ref: %v", err)
	}
	h.SetReferent(ref, obj)
	if h.Referent(ref) != obj || h.Field(ref, 0) != obj {
		t.Errorf("referent = %s", h.Referent(ref))
	}
	if h.DiscoveredEdge(ref) != h.FieldEdge(ref, 1) {
		t.Error("discovered edge is not field 1")
	}
}

func TestHeapAllocationErrors(t *testing.T) {
	l := newLayout(t)
	h := New(8, l.table)

	if _, err := h.Allocate(l.objArr); err == nil {
		t.Error("Allocate of an array type succeeded")
	}
	if _, err := h.AllocateArray(l.object, 1); err == nil {
		t.Error("AllocateArray of an instance type succeeded")
	}
	if _, err := h.AllocateMirror(l.object, 1); err == nil {
		t.Error("AllocateMirror of an instance type succeeded")
	}
	if _, err := h.Allocate(99); !errors.Is(err, ErrUnknownType) {
		t.Errorf("Allocate(99) err = %v", err)
	}
	if _, err := h.AllocateArray(l.byteArr, 100); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("oversized array err = %v", err)
	}
}

func TestHeapAccessorInvariants(t *testing.T) {
	l := newLayout(t)
	h := New(64, l.table)
	obj, _ := h.Allocate(l.object)

	expectInvariant(t, func() { h.Descriptor(Null) })
	expectInvariant(t, func() { h.ReferentEdge(obj) })

	h.Arena().Store(obj.Address(), 77)
	expectInvariant(t, func() { h.Descriptor(obj) })
}

func TestWalk(t *testing.T) {
	l := newLayout(t)
	h := New(256, l.table)
	var want []ObjectReference
	for i := 0; i < 3; i++ {
		obj, _ := h.Allocate(l.object)
		arr, _ := h.AllocateArray(l.byteArr, i)
		want = append(want, obj, arr)
	}

	var got []ObjectReference
	h.Walk(func(obj ObjectReference) bool {
		got = append(got, obj)
		return true
	})
	if len(got) != len(want) {
		t.Fatalf("walked %d objects, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("walk order %v, want %v", got, want)
		}
	}

	n := 0
	h.Walk(func(ObjectReference) bool {
		n++
		return n < 2
	})
	if n != 2 {
		t.Errorf("Walk did not stop early: %d visits", n)
	}
}

func TestSiblingAndCopy(t *testing.T) {
	l := newLayout(t)
	from := New(64, l.table)
	to := from.Sibling()

	if to.Arena().Contains(from.Arena().Base()) || from.Arena().Contains(to.Arena().Base()) {
		t.Fatal("sibling arenas overlap")
	}
	if back := to.Sibling(); back.Arena().Base() != from.Arena().Base() {
		t.Errorf("sibling of sibling starts at %d", back.Arena().Base())
	}

	obj, _ := from.Allocate(l.object)
	child, _ := from.Allocate(l.object)
	from.SetField(obj, 0, child)

	moved, err := from.CopyTo(to, obj)
	if err != nil {
		t.Fatalf("CopyTo: %v", err)
	}
	if !to.Contains(moved) || from.Contains(moved) {
		t.Errorf("copy %s landed in the wrong heap", moved)
	}
	if to.TypeOf(moved) != l.object || to.Field(moved, 0) != child {
		t.Error("copy does not match the original word for word")
	}
}

func TestKindAndStrengthNames(t *testing.T) {
	for k := KindInstance; k <= KindInstanceRef; k++ {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseKind("struct"); err == nil {
		t.Error("ParseKind accepted an unknown name")
	}
	if Kind(9).String() != "Kind(9)" {
		t.Errorf("Kind(9).String() = %q", Kind(9).String())
	}

	for s := StrengthNone; s <= StrengthOther; s++ {
		got, err := ParseStrength(s.String())
		if err != nil || got != s {
			t.Errorf("ParseStrength(%q) = %v, %v", s.String(), got, err)
		}
	}
	if s, err := ParseStrength(""); err != nil || s != StrengthNone {
		t.Errorf("ParseStrength(\"\") = %v, %v", s, err)
	}
	if Null.String() != "null" || ObjectReference(0x20).String() != "0x20" {
		t.Error("unexpected reference formatting")
	}
}
