package heap

import (
	"fmt"
)

// headerWords is the size of every object header: the type id followed by
// the length word.
const headerWords = 2

// Heap lays objects out in an Arena according to a DescriptorTable.
//
// Layout:
//   - word 0: type id
//   - word 1: element count for arrays, static reference count for mirrors,
//     zero otherwise
//   - instance fields
//   - mirror statics or array elements
type Heap struct {
	arena *Arena
	table DescriptorTable
}

// New creates a heap of size words backed by table. The arena starts at
// address 1.
func New(size int, table DescriptorTable) *Heap {
	return &Heap{arena: NewArena(1, size), table: table}
}

// Sibling returns an empty heap of the same size and table whose address
// range does not overlap h. Evacuating from h into its sibling gives every
// survivor an address that cannot be mistaken for a from-space address.
func (h *Heap) Sibling() *Heap {
	base := Address(1)
	if h.arena.Base() == base {
		base = base.Plus(h.arena.Cap())
	}
	return &Heap{arena: NewArena(base, h.arena.Cap()), table: h.table}
}

// Arena returns the backing arena.
func (h *Heap) Arena() *Arena { return h.arena }

// Table returns the descriptor table.
func (h *Heap) Table() DescriptorTable { return h.table }

// Contains reports whether obj lives in this heap.
func (h *Heap) Contains(obj ObjectReference) bool {
	return !obj.IsNull() && h.arena.Contains(obj.Address())
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Allocate creates an instance of a non-array type. Mirrors are created
// with no static slots; use AllocateMirror to give them statics.
func (h *Heap) Allocate(id TypeID) (ObjectReference, error) {
	d, err := h.lookup(id)
	if err != nil {
		return Null, err
	}
	if d.IsArray() {
		return Null, fmt.Errorf("allocate %s: array type needs a length", d.Name)
	}
	return h.allocate(d, 0, d.Fields)
}

// AllocateArray creates an array of length elements.
func (h *Heap) AllocateArray(id TypeID, length int) (ObjectReference, error) {
	d, err := h.lookup(id)
	if err != nil {
		return Null, err
	}
	if !d.IsArray() {
		return Null, fmt.Errorf("allocate %s: not an array type", d.Name)
	}
	if length < 0 {
		return Null, fmt.Errorf("allocate %s: negative length %d", d.Name, length)
	}
	return h.allocate(d, length, length)
}

// AllocateMirror creates a mirror instance with statics static reference
// slots following its instance fields.
func (h *Heap) AllocateMirror(id TypeID, statics int) (ObjectReference, error) {
	d, err := h.lookup(id)
	if err != nil {
		return Null, err
	}
	if d.Kind != KindInstanceMirror {
		return Null, fmt.Errorf("allocate %s: not a mirror type", d.Name)
	}
	if statics < 0 {
		return Null, fmt.Errorf("allocate %s: negative static count %d", d.Name, statics)
	}
	return h.allocate(d, statics, d.Fields+statics)
}

func (h *Heap) allocate(d *TypeDescriptor, length, body int) (ObjectReference, error) {
	addr, err := h.arena.Alloc(headerWords + body)
	if err != nil {
		return Null, fmt.Errorf("allocate %s: %w", d.Name, err)
	}
	h.arena.Store(addr, uint64(d.ID))
	h.arena.Store(addr.Plus(1), uint64(length))
	return FromAddress(addr), nil
}

func (h *Heap) lookup(id TypeID) (*TypeDescriptor, error) {
	d, ok := h.table.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownType, id)
	}
	return d, nil
}

// ---------------------------------------------------------------------------
// Object access
// ---------------------------------------------------------------------------

// TypeOf returns the type id in obj's header.
func (h *Heap) TypeOf(obj ObjectReference) TypeID {
	return TypeID(h.arena.Load(obj.Address()))
}

// Descriptor returns obj's type descriptor. A header naming an unknown type
// means the heap is corrupt.
func (h *Heap) Descriptor(obj ObjectReference) *TypeDescriptor {
	if obj.IsNull() {
		Fatalf("descriptor of null reference")
	}
	id := h.TypeOf(obj)
	d, ok := h.table.Lookup(id)
	if !ok {
		Fatalf("object %s has unknown type id %d", obj, id)
	}
	return d
}

// Kind returns obj's kind tag.
func (h *Heap) Kind(obj ObjectReference) Kind { return h.Descriptor(obj).Kind }

// Length returns the header length word.
func (h *Heap) Length(obj ObjectReference) int {
	return int(h.arena.Load(obj.Address().Plus(1)))
}

// SizeOf returns the total size of obj in words, header included.
func (h *Heap) SizeOf(obj ObjectReference) int {
	d := h.Descriptor(obj)
	switch d.Kind {
	case KindObjArray, KindTypeArray:
		return headerWords + h.Length(obj)
	case KindInstanceMirror:
		return headerWords + d.Fields + h.Length(obj)
	default:
		return headerWords + d.Fields
	}
}

// FieldEdge returns the slot of instance field i.
func (h *Heap) FieldEdge(obj ObjectReference, i int) Edge {
	return Edge(obj.Address().Plus(headerWords + i))
}

// ElementRange returns the element slots of an array.
func (h *Heap) ElementRange(obj ObjectReference) EdgeRange {
	start := Edge(obj.Address().Plus(headerWords))
	return EdgeRange{Start: start, End: start + Edge(h.Length(obj))}
}

// ElementEdge returns the slot of array element i.
func (h *Heap) ElementEdge(obj ObjectReference, i int) Edge {
	return Edge(obj.Address().Plus(headerWords + i))
}

// StaticRange returns the static reference slots of a mirror.
func (h *Heap) StaticRange(obj ObjectReference) EdgeRange {
	d := h.Descriptor(obj)
	start := Edge(obj.Address().Plus(headerWords + d.Fields))
	return EdgeRange{Start: start, End: start + Edge(h.Length(obj))}
}

// ReferentEdge returns the referent slot of a reference object.
func (h *Heap) ReferentEdge(obj ObjectReference) Edge {
	return h.FieldEdge(obj, h.refDescriptor(obj).ReferentOffset)
}

// DiscoveredEdge returns the discovered-list slot of a reference object.
func (h *Heap) DiscoveredEdge(obj ObjectReference) Edge {
	return h.FieldEdge(obj, h.refDescriptor(obj).DiscoveredOffset)
}

func (h *Heap) refDescriptor(obj ObjectReference) *TypeDescriptor {
	d := h.Descriptor(obj)
	if d.Kind != KindInstanceRef {
		Fatalf("object %s of kind %s is not a reference object", obj, d.Kind)
	}
	return d
}

// LoadEdge reads the reference stored in slot e.
func (h *Heap) LoadEdge(e Edge) ObjectReference {
	return ObjectReference(h.arena.Load(Address(e)))
}

// StoreEdge writes v into slot e.
func (h *Heap) StoreEdge(e Edge, v ObjectReference) {
	h.arena.Store(Address(e), uint64(v))
}

// Field reads instance field i of obj.
func (h *Heap) Field(obj ObjectReference, i int) ObjectReference {
	return h.LoadEdge(h.FieldEdge(obj, i))
}

// SetField writes instance field i of obj.
func (h *Heap) SetField(obj ObjectReference, i int, v ObjectReference) {
	h.StoreEdge(h.FieldEdge(obj, i), v)
}

// Referent reads the referent of a reference object.
func (h *Heap) Referent(ref ObjectReference) ObjectReference {
	return h.LoadEdge(h.ReferentEdge(ref))
}

// SetReferent writes the referent of a reference object.
func (h *Heap) SetReferent(ref, referent ObjectReference) {
	h.StoreEdge(h.ReferentEdge(ref), referent)
}

// ---------------------------------------------------------------------------
// Whole-heap operations
// ---------------------------------------------------------------------------

// Walk visits every allocated object in address order until fn returns
// false.
func (h *Heap) Walk(fn func(ObjectReference) bool) {
	top := h.arena.Top()
	for addr := h.arena.Base(); addr < top; {
		obj := FromAddress(addr)
		if !fn(obj) {
			return
		}
		addr = addr.Plus(h.SizeOf(obj))
	}
}

// CopyTo copies obj word for word into dst and returns the new reference.
// Slots are copied verbatim; fixing them up is the caller's job.
func (h *Heap) CopyTo(dst *Heap, obj ObjectReference) (ObjectReference, error) {
	size := h.SizeOf(obj)
	addr, err := dst.arena.Alloc(size)
	if err != nil {
		return Null, fmt.Errorf("copy %s: %w", obj, err)
	}
	src := obj.Address()
	for i := 0; i < size; i++ {
		dst.arena.Store(addr.Plus(i), h.arena.Load(src.Plus(i)))
	}
	return FromAddress(addr), nil
}
