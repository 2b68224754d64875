// Package snapshot describes heap contents by name so that scenarios can be
// written by hand, stored, and rebuilt into a live heap.
package snapshot

import (
	"errors"
	"fmt"
	"sort"

	"github.com/chazu/refgc/heap"
	"github.com/chazu/refgc/weak"
)

// Snapshot is a named description of a heap: its types, its objects and the
// links between them, the root set, and the registered finalizers.
type Snapshot struct {
	Types      []Type      `cbor:"1,keyasint" toml:"types"`
	Objects    []Object    `cbor:"2,keyasint,omitempty" toml:"objects"`
	Roots      []string    `cbor:"3,keyasint,omitempty" toml:"roots"`
	Finalizers []Finalizer `cbor:"4,keyasint,omitempty" toml:"finalizers"`
}

// Type describes one object layout.
type Type struct {
	Name       string   `cbor:"1,keyasint" toml:"name"`
	Kind       string   `cbor:"2,keyasint" toml:"kind"`
	Strength   string   `cbor:"3,keyasint,omitempty" toml:"strength,omitempty"`
	Fields     int      `cbor:"4,keyasint,omitempty" toml:"fields,omitempty"`
	OopMaps    []OopMap `cbor:"5,keyasint,omitempty" toml:"oop-maps,omitempty"`
	Referent   int      `cbor:"6,keyasint,omitempty" toml:"referent,omitempty"`
	Discovered int      `cbor:"7,keyasint,omitempty" toml:"discovered,omitempty"`
}

// OopMap is a run of reference fields.
type OopMap struct {
	Offset int `cbor:"1,keyasint" toml:"offset"`
	Count  int `cbor:"2,keyasint" toml:"count"`
}

// Object is one heap object. Length is the element count of arrays and the
// static slot count of mirrors.
type Object struct {
	Name     string `cbor:"1,keyasint" toml:"name"`
	Type     string `cbor:"2,keyasint" toml:"type"`
	Length   int    `cbor:"3,keyasint,omitempty" toml:"length,omitempty"`
	Fields   []Link `cbor:"4,keyasint,omitempty" toml:"fields,omitempty"`
	Elements []Link `cbor:"5,keyasint,omitempty" toml:"elements,omitempty"`
	Statics  []Link `cbor:"6,keyasint,omitempty" toml:"statics,omitempty"`
	Referent string `cbor:"7,keyasint,omitempty" toml:"referent,omitempty"`
}

// Link stores a reference to the named object in slot Slot.
type Link struct {
	Slot   int    `cbor:"1,keyasint" toml:"slot"`
	Target string `cbor:"2,keyasint" toml:"target"`
}

// Finalizer registers finalizer ID for the named object.
type Finalizer struct {
	Object string `cbor:"1,keyasint" toml:"object"`
	ID     uint32 `cbor:"2,keyasint" toml:"id"`
}

// Built is a snapshot materialized into a heap.
type Built struct {
	Heap       *heap.Heap
	Table      *heap.Table
	Objects    map[string]heap.ObjectReference
	Roots      []heap.ObjectReference
	Finalizers []weak.Finalizable
}

// Names returns the inverse of Objects.
func (b *Built) Names() map[heap.ObjectReference]string {
	out := make(map[heap.ObjectReference]string, len(b.Objects))
	for name, ref := range b.Objects {
		out[ref] = name
	}
	return out
}

// Build allocates the snapshot into a new heap of words words.
func Build(s *Snapshot, words int) (*Built, error) {
	table := heap.NewTable()
	for _, t := range s.Types {
		d, err := t.descriptor()
		if err != nil {
			return nil, fmt.Errorf("type %s: %w", t.Name, err)
		}
		if _, err := table.Register(d); err != nil {
			return nil, err
		}
	}

	b := &Built{
		Heap:    heap.New(words, table),
		Table:   table,
		Objects: make(map[string]heap.ObjectReference, len(s.Objects)),
	}
	for _, o := range s.Objects {
		if o.Name == "" {
			return nil, errors.New("object without a name")
		}
		if _, dup := b.Objects[o.Name]; dup {
			return nil, fmt.Errorf("object %s: duplicate name", o.Name)
		}
		ref, err := b.allocate(o)
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", o.Name, err)
		}
		b.Objects[o.Name] = ref
	}
	for _, o := range s.Objects {
		if err := b.link(o); err != nil {
			return nil, fmt.Errorf("object %s: %w", o.Name, err)
		}
	}

	for _, name := range s.Roots {
		ref, err := b.resolve(name)
		if err != nil {
			return nil, fmt.Errorf("root: %w", err)
		}
		b.Roots = append(b.Roots, ref)
	}
	for _, f := range s.Finalizers {
		ref, err := b.resolve(f.Object)
		if err != nil {
			return nil, fmt.Errorf("finalizer %d: %w", f.ID, err)
		}
		b.Finalizers = append(b.Finalizers, weak.Finalizable{Object: ref, Finalizer: f.ID})
	}
	return b, nil
}

func (t Type) descriptor() (heap.TypeDescriptor, error) {
	kind, err := heap.ParseKind(t.Kind)
	if err != nil {
		return heap.TypeDescriptor{}, err
	}
	strength, err := heap.ParseStrength(t.Strength)
	if err != nil {
		return heap.TypeDescriptor{}, err
	}
	d := heap.TypeDescriptor{
		Name:             t.Name,
		Kind:             kind,
		Strength:         strength,
		Fields:           t.Fields,
		ReferentOffset:   t.Referent,
		DiscoveredOffset: t.Discovered,
	}
	for _, m := range t.OopMaps {
		d.OopMaps = append(d.OopMaps, heap.OopMapBlock{Offset: m.Offset, Count: m.Count})
	}
	return d, nil
}

func (b *Built) allocate(o Object) (heap.ObjectReference, error) {
	id, err := b.Table.LookupName(o.Type)
	if err != nil {
		return heap.Null, err
	}
	d, _ := b.Table.Lookup(id)
	switch {
	case d.IsArray():
		return b.Heap.AllocateArray(id, o.Length)
	case d.Kind == heap.KindInstanceMirror:
		return b.Heap.AllocateMirror(id, o.Length)
	case o.Length != 0:
		return heap.Null, fmt.Errorf("type %s takes no length", o.Type)
	default:
		return b.Heap.Allocate(id)
	}
}

func (b *Built) link(o Object) error {
	h := b.Heap
	obj := b.Objects[o.Name]
	d := h.Descriptor(obj)

	set := func(what string, links []Link, limit int, edge func(int) heap.Edge) error {
		for _, l := range links {
			if l.Slot < 0 || l.Slot >= limit {
				return fmt.Errorf("%s slot %d out of range [0, %d)", what, l.Slot, limit)
			}
			target, err := b.resolve(l.Target)
			if err != nil {
				return err
			}
			h.StoreEdge(edge(l.Slot), target)
		}
		return nil
	}

	if d.Kind == heap.KindInstanceRef {
		for _, l := range o.Fields {
			switch l.Slot {
			case d.ReferentOffset:
				return fmt.Errorf("field slot %d is the referent slot", l.Slot)
			case d.DiscoveredOffset:
				return fmt.Errorf("field slot %d is the discovered slot", l.Slot)
			}
		}
	}
	if err := set("field", o.Fields, d.Fields, func(i int) heap.Edge { return h.FieldEdge(obj, i) }); err != nil {
		return err
	}
	switch d.Kind {
	case heap.KindObjArray:
		if err := set("element", o.Elements, o.Length, func(i int) heap.Edge { return h.ElementEdge(obj, i) }); err != nil {
			return err
		}
	case heap.KindInstanceMirror:
		statics := h.StaticRange(obj)
		if err := set("static", o.Statics, statics.Len(), func(i int) heap.Edge { return statics.Start + heap.Edge(i) }); err != nil {
			return err
		}
	default:
		if len(o.Elements) > 0 || len(o.Statics) > 0 {
			return fmt.Errorf("kind %s has no elements or statics", d.Kind)
		}
	}

	if o.Referent != "" {
		if d.Kind != heap.KindInstanceRef {
			return fmt.Errorf("kind %s has no referent", d.Kind)
		}
		target, err := b.resolve(o.Referent)
		if err != nil {
			return err
		}
		h.SetReferent(obj, target)
	}
	return nil
}

func (b *Built) resolve(name string) (heap.ObjectReference, error) {
	ref, ok := b.Objects[name]
	if !ok {
		return heap.Null, fmt.Errorf("unknown object %q", name)
	}
	return ref, nil
}

// Capture describes the objects currently in h. names labels objects; any
// object without a label is named after its address.
func Capture(h *heap.Heap, names map[heap.ObjectReference]string, roots []heap.ObjectReference, finals []weak.Finalizable) (*Snapshot, error) {
	s := &Snapshot{}
	label := func(ref heap.ObjectReference) string {
		if n, ok := names[ref]; ok {
			return n
		}
		return ref.String()
	}

	types := make(map[heap.TypeID]*heap.TypeDescriptor)
	var objects []heap.ObjectReference
	h.Walk(func(obj heap.ObjectReference) bool {
		d := h.Descriptor(obj)
		types[d.ID] = d
		objects = append(objects, obj)
		return true
	})
	if all, ok := h.Table().(interface{ All() []*heap.TypeDescriptor }); ok {
		for _, d := range all.All() {
			types[d.ID] = d
		}
	}
	ids := make([]heap.TypeID, 0, len(types))
	for id := range types {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		s.Types = append(s.Types, typeOf(types[id]))
	}

	for _, obj := range objects {
		o, err := captureObject(h, obj, label)
		if err != nil {
			return nil, err
		}
		s.Objects = append(s.Objects, o)
	}
	for _, r := range roots {
		if !h.Contains(r) {
			return nil, fmt.Errorf("root %s is not in the heap", r)
		}
		s.Roots = append(s.Roots, label(r))
	}
	for _, f := range finals {
		if !h.Contains(f.Object) {
			return nil, fmt.Errorf("finalizable %s is not in the heap", f.Object)
		}
		s.Finalizers = append(s.Finalizers, Finalizer{Object: label(f.Object), ID: f.Finalizer})
	}
	return s, nil
}

func typeOf(d *heap.TypeDescriptor) Type {
	t := Type{Name: d.Name, Kind: d.Kind.String(), Fields: d.Fields}
	if d.Kind == heap.KindInstanceRef {
		t.Strength = d.Strength.String()
		t.Referent = d.ReferentOffset
		t.Discovered = d.DiscoveredOffset
	}
	for _, m := range d.OopMaps {
		t.OopMaps = append(t.OopMaps, OopMap{Offset: m.Offset, Count: m.Count})
	}
	return t
}

func captureObject(h *heap.Heap, obj heap.ObjectReference, label func(heap.ObjectReference) string) (Object, error) {
	d := h.Descriptor(obj)
	o := Object{Name: label(obj), Type: d.Name}

	var bad error
	collect := func(slot int, target heap.ObjectReference) (Link, bool) {
		if target.IsNull() {
			return Link{}, false
		}
		if !h.Contains(target) && bad == nil {
			bad = fmt.Errorf("object %s slot %d points outside the heap at %s", o.Name, slot, target)
		}
		return Link{Slot: slot, Target: label(target)}, true
	}

	for _, m := range d.OopMaps {
		for i := m.Offset; i < m.Offset+m.Count; i++ {
			if l, ok := collect(i, h.Field(obj, i)); ok {
				o.Fields = append(o.Fields, l)
			}
		}
	}
	switch d.Kind {
	case heap.KindObjArray:
		o.Length = h.Length(obj)
		for i := 0; i < o.Length; i++ {
			if l, ok := collect(i, h.LoadEdge(h.ElementEdge(obj, i))); ok {
				o.Elements = append(o.Elements, l)
			}
		}
	case heap.KindTypeArray:
		o.Length = h.Length(obj)
	case heap.KindInstanceMirror:
		statics := h.StaticRange(obj)
		o.Length = statics.Len()
		for i := 0; i < o.Length; i++ {
			if l, ok := collect(i, h.LoadEdge(statics.Start+heap.Edge(i))); ok {
				o.Statics = append(o.Statics, l)
			}
		}
	case heap.KindInstanceRef:
		if referent := h.Referent(obj); !referent.IsNull() {
			if _, ok := collect(d.ReferentOffset, referent); ok {
				o.Referent = label(referent)
			}
		}
	}
	return o, bad
}
