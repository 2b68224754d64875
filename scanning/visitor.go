// Package scanning enumerates the outgoing reference edges of heap objects.
package scanning

import "github.com/chazu/refgc/heap"

// EdgeVisitor receives the edges of scanned objects. VisitSlice is a batched
// form of VisitEdge over a contiguous run and must be treated as visiting
// every slot of the range. Visitors may be invoked concurrently for
// different objects.
type EdgeVisitor interface {
	VisitEdge(e heap.Edge)
	VisitSlice(r heap.EdgeRange)
}

// EdgeFunc adapts a per-edge function to EdgeVisitor. Slices are expanded
// into individual VisitEdge calls.
type EdgeFunc func(e heap.Edge)

// VisitEdge calls f(e).
func (f EdgeFunc) VisitEdge(e heap.Edge) { f(e) }

// VisitSlice calls f for each slot of r.
func (f EdgeFunc) VisitSlice(r heap.EdgeRange) { r.Each(f) }

// ReferenceSink receives reference objects discovered during the main trace
// whose referents are not traced directly.
type ReferenceSink interface {
	AddSoftCandidate(ref heap.ObjectReference)
	AddWeakCandidate(ref heap.ObjectReference)
	AddPhantomCandidate(ref heap.ObjectReference)
}

// ObjectModel exposes the slot layout of objects. *heap.Heap implements it.
type ObjectModel interface {
	Descriptor(obj heap.ObjectReference) *heap.TypeDescriptor
	FieldEdge(obj heap.ObjectReference, field int) heap.Edge
	StaticRange(obj heap.ObjectReference) heap.EdgeRange
	ElementRange(obj heap.ObjectReference) heap.EdgeRange
	ReferentEdge(obj heap.ObjectReference) heap.Edge
	DiscoveredEdge(obj heap.ObjectReference) heap.Edge
}

var _ ObjectModel = (*heap.Heap)(nil)
