// Package weak implements reference and finalizer processing for a tracing
// collector: per-strength reference registries, the finalizable processor,
// and the Coordinator phase machine that sequences them within a cycle.
package weak

import (
	"github.com/tliron/commonlog"

	"github.com/chazu/refgc/heap"
)

var log = commonlog.GetLogger("refgc.weak")

// Tracer is the tracing capability handed in by the collection engine for
// one phase. Implementations must be safe for concurrent use on disjoint
// references and idempotent within a phase.
type Tracer interface {
	// Trace reports the current address of ref if it is reachable, or
	// (heap.Null, false) if it is dead. Trace never makes a dead object live.
	Trace(ref heap.ObjectReference) (heap.ObjectReference, bool)

	// Retain keeps ref alive for the rest of the cycle, queueing its edges
	// for tracing, and returns its current address.
	Retain(ref heap.ObjectReference) heap.ObjectReference
}

// TracerFuncs adapts a pair of functions to Tracer.
type TracerFuncs struct {
	TraceFunc  func(heap.ObjectReference) (heap.ObjectReference, bool)
	RetainFunc func(heap.ObjectReference) heap.ObjectReference
}

// Trace calls t.TraceFunc.
func (t TracerFuncs) Trace(ref heap.ObjectReference) (heap.ObjectReference, bool) {
	return t.TraceFunc(ref)
}

// Retain calls t.RetainFunc.
func (t TracerFuncs) Retain(ref heap.ObjectReference) heap.ObjectReference {
	return t.RetainFunc(ref)
}

// ForwardFunc maps a reference to its post-relocation address. It is used
// only for address fixup and never decides liveness.
type ForwardFunc func(heap.ObjectReference) heap.ObjectReference

// ReferentAccessor reads and writes the referent slot of reference objects.
// *heap.Heap implements it.
type ReferentAccessor interface {
	Referent(ref heap.ObjectReference) heap.ObjectReference
	SetReferent(ref, referent heap.ObjectReference)
}

// Host is the part of the host runtime this package calls out to.
type Host interface {
	// ScheduleFinalization tells the host that ready finalizable objects
	// may be waiting.
	ScheduleFinalization()

	// EnqueueReferences hands over the reference objects cleared during a
	// cycle so the host can post them to their queues.
	EnqueueReferences(refs []heap.ObjectReference)
}

// WorkerPool accepts asynchronous units of collector work.
type WorkerPool interface {
	Submit(fn func())
}
