package heap

import (
	"errors"
	"fmt"
	"sync"
)

// TypeID indexes a DescriptorTable. It is stored in word 0 of every object.
type TypeID uint32

// OopMapBlock is a run of Count reference fields starting at field Offset.
type OopMapBlock struct {
	Offset int
	Count  int
}

// TypeDescriptor describes the layout of every object of one type.
//
// Field offsets are counted in words from the first field. Reference types
// keep their referent and discovered links outside the oop maps; the
// scanner decides how those two slots are treated.
type TypeDescriptor struct {
	ID       TypeID
	Name     string
	Kind     Kind
	Strength Strength

	// Fields is the number of instance field words.
	Fields int

	// OopMaps lists the reference-carrying instance fields.
	OopMaps []OopMapBlock

	// ReferentOffset and DiscoveredOffset locate the two link fields of
	// KindInstanceRef types.
	ReferentOffset   int
	DiscoveredOffset int
}

// IsArray reports whether objects of this type carry a length word.
func (d *TypeDescriptor) IsArray() bool {
	return d.Kind == KindObjArray || d.Kind == KindTypeArray
}

// DescriptorTable is the read-only mapping from type id to layout.
type DescriptorTable interface {
	Lookup(id TypeID) (*TypeDescriptor, bool)
}

// ErrUnknownType is returned when a type id or name is not registered.
var ErrUnknownType = errors.New("unknown type")

// Table is a slice-backed DescriptorTable. Types are registered while the
// heap is being set up; lookups afterwards take only a read lock.
type Table struct {
	mu     sync.RWMutex
	types  []*TypeDescriptor
	byName map[string]TypeID
}

// NewTable creates an empty descriptor table.
func NewTable() *Table {
	return &Table{byName: make(map[string]TypeID)}
}

// Register validates d and adds it to the table, returning its id.
func (t *Table) Register(d TypeDescriptor) (TypeID, error) {
	if err := validate(&d); err != nil {
		return 0, fmt.Errorf("register %s: %w", d.Name, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if d.Name != "" {
		if _, dup := t.byName[d.Name]; dup {
			return 0, fmt.Errorf("register %s: duplicate type name", d.Name)
		}
	}
	d.ID = TypeID(len(t.types))
	d.OopMaps = append([]OopMapBlock(nil), d.OopMaps...)
	t.types = append(t.types, &d)
	if d.Name != "" {
		t.byName[d.Name] = d.ID
	}
	return d.ID, nil
}

// MustRegister is Register for static setup code; it panics on error.
func (t *Table) MustRegister(d TypeDescriptor) TypeID {
	id, err := t.Register(d)
	if err != nil {
		panic(err)
	}
	return id
}

// Lookup returns the descriptor for id.
func (t *Table) Lookup(id TypeID) (*TypeDescriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.types) {
		return nil, false
	}
	return t.types[id], true
}

// LookupName returns the id registered under name.
func (t *Table) LookupName(name string) (TypeID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return id, nil
}

// Len returns the number of registered types.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.types)
}

// All returns the registered descriptors in id order.
func (t *Table) All() []*TypeDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*TypeDescriptor(nil), t.types...)
}

func validate(d *TypeDescriptor) error {
	if !d.Kind.Valid() {
		return fmt.Errorf("invalid kind %d", d.Kind)
	}
	if d.Fields < 0 {
		return fmt.Errorf("negative field count %d", d.Fields)
	}
	for _, m := range d.OopMaps {
		if m.Offset < 0 || m.Count < 0 || m.Offset+m.Count > d.Fields {
			return fmt.Errorf("oop map block {%d,%d} outside %d fields", m.Offset, m.Count, d.Fields)
		}
	}
	switch d.Kind {
	case KindInstanceRef:
		if d.Strength == StrengthNone {
			return errors.New("reference type without strength")
		}
		if d.ReferentOffset < 0 || d.ReferentOffset >= d.Fields {
			return fmt.Errorf("referent offset %d outside %d fields", d.ReferentOffset, d.Fields)
		}
		if d.DiscoveredOffset < 0 || d.DiscoveredOffset >= d.Fields {
			return fmt.Errorf("discovered offset %d outside %d fields", d.DiscoveredOffset, d.Fields)
		}
		if d.ReferentOffset == d.DiscoveredOffset {
			return errors.New("referent and discovered share a field")
		}
		for _, m := range d.OopMaps {
			if covers(m, d.ReferentOffset) || covers(m, d.DiscoveredOffset) {
				return errors.New("oop maps must not cover referent or discovered")
			}
		}
	case KindObjArray, KindTypeArray:
		if d.Fields != 0 || len(d.OopMaps) != 0 {
			return errors.New("array types carry no instance fields")
		}
	}
	return nil
}

func covers(m OopMapBlock, field int) bool {
	return field >= m.Offset && field < m.Offset+m.Count
}
