// Package sim is a mark-and-evacuate collector over a simulated heap. It
// drives the scanner and the weak-processing coordinator the way a real
// collection engine does and serves as their end-to-end harness.
package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/refgc/config"
	"github.com/chazu/refgc/heap"
	"github.com/chazu/refgc/host"
	"github.com/chazu/refgc/scanning"
	"github.com/chazu/refgc/sched"
	"github.com/chazu/refgc/snapshot"
	"github.com/chazu/refgc/weak"
)

var log = commonlog.GetLogger("refgc.sim")

// splitThreshold is the local mark stack depth past which half the stack is
// handed to another worker.
const splitThreshold = 64

// Options configures an Engine.
type Options struct {
	Scanning scanning.Options
	Weak     weak.Options
	Workers  int
}

// OptionsFromConfig extracts engine options from a loaded configuration.
func OptionsFromConfig(c *config.Config) Options {
	return Options{
		Scanning: c.ScannerOptions(),
		Weak:     c.CoordinatorOptions(),
		Workers:  c.Workers.Count,
	}
}

// Engine owns a heap and collects it.
//
// Mutator work runs inside Mutate. A collection waits for running mutators
// to leave, stops the world through the host, and keeps mutators out until
// it is done.
type Engine struct {
	opts Options

	world   sync.RWMutex
	heap    *heap.Heap
	scanner *scanning.Scanner
	coord   *weak.Coordinator
	pool    *sched.Pool
	coll    *host.Collection
	marks   *markBits

	rootsMu sync.Mutex
	roots   []heap.ObjectReference
	labels  map[heap.ObjectReference]string

	pendingMu sync.Mutex
	pending   []heap.ObjectReference

	finalizeSignal chan struct{}
	cycles         atomic.Uint64
}

// NewEngine creates an engine collecting h. upcalls is the host runtime; nil
// means a host with nothing to stop.
func NewEngine(h *heap.Heap, upcalls host.Upcalls, opts Options) *Engine {
	if upcalls == nil {
		upcalls = nopUpcalls{}
	}
	e := &Engine{
		opts:           opts,
		heap:           h,
		pool:           sched.NewPool(opts.Workers),
		coll:           host.NewCollection(upcalls),
		labels:         make(map[heap.ObjectReference]string),
		finalizeSignal: make(chan struct{}, 1),
	}
	e.coord = weak.NewCoordinator(referents{e}, engineHost{e}, e.pool, opts.Weak)
	e.scanner = scanning.New(h, e.coord.References(), opts.Scanning)
	return e
}

type nopUpcalls struct{}

func (nopUpcalls) StopAllMutators()                         {}
func (nopUpcalls) ResumeMutators()                          {}
func (nopUpcalls) BlockForGC()                              {}
func (nopUpcalls) SpawnWorkerThread(run func())             { go run() }
func (nopUpcalls) ScheduleFinalization()                    {}
func (nopUpcalls) EnqueueReferences([]heap.ObjectReference) {}

// referents reads referent slots through the engine's current heap, which
// changes on every compaction.
type referents struct{ e *Engine }

func (r referents) Referent(ref heap.ObjectReference) heap.ObjectReference {
	return r.e.heap.Referent(ref)
}

func (r referents) SetReferent(ref, referent heap.ObjectReference) {
	r.e.heap.SetReferent(ref, referent)
}

// engineHost keeps cleared references on the engine's pending list, where
// they stay reachable until taken, and passes the upcalls on to the host.
type engineHost struct{ e *Engine }

func (h engineHost) ScheduleFinalization() {
	select {
	case h.e.finalizeSignal <- struct{}{}:
	default:
	}
	h.e.coll.ScheduleFinalization()
}

func (h engineHost) EnqueueReferences(refs []heap.ObjectReference) {
	h.e.pendingMu.Lock()
	h.e.pending = append(h.e.pending, refs...)
	h.e.pendingMu.Unlock()
	h.e.coll.EnqueueReferences(refs)
}

// Coordinator returns the weak-processing coordinator.
func (e *Engine) Coordinator() *weak.Coordinator { return e.coord }

// Collection returns the host wrapper with its upcall counters.
func (e *Engine) Collection() *host.Collection { return e.coll }

// Pool returns the worker pool.
func (e *Engine) Pool() *sched.Pool { return e.pool }

// Cycles returns the number of completed collections.
func (e *Engine) Cycles() uint64 { return e.cycles.Load() }

// ---------------------------------------------------------------------------
// Mutators
// ---------------------------------------------------------------------------

// Mutator is the view of the engine given to code running inside Mutate.
// References obtained from it are valid only until Mutate returns; hold on
// to objects across collections through roots.
type Mutator struct {
	e *Engine
}

// Mutate runs fn as a mutator. fn must not start a collection.
func (e *Engine) Mutate(fn func(m *Mutator) error) error {
	e.world.RLock()
	defer e.world.RUnlock()
	return fn(&Mutator{e: e})
}

// Heap returns the current heap.
func (m *Mutator) Heap() *heap.Heap { return m.e.heap }

// Allocate creates an instance of the named type.
func (m *Mutator) Allocate(typeName string) (heap.ObjectReference, error) {
	id, err := m.lookup(typeName)
	if err != nil {
		return heap.Null, err
	}
	return m.e.heap.Allocate(id)
}

// AllocateArray creates an array of the named type.
func (m *Mutator) AllocateArray(typeName string, length int) (heap.ObjectReference, error) {
	id, err := m.lookup(typeName)
	if err != nil {
		return heap.Null, err
	}
	return m.e.heap.AllocateArray(id, length)
}

func (m *Mutator) lookup(typeName string) (heap.TypeID, error) {
	named, ok := m.e.heap.Table().(interface {
		LookupName(string) (heap.TypeID, error)
	})
	if !ok {
		return 0, fmt.Errorf("type table does not support lookup by name")
	}
	return named.LookupName(typeName)
}

// AddRoot adds obj to the root set and returns its root index.
func (m *Mutator) AddRoot(obj heap.ObjectReference) int {
	m.e.rootsMu.Lock()
	defer m.e.rootsMu.Unlock()
	m.e.roots = append(m.e.roots, obj)
	return len(m.e.roots) - 1
}

// Root returns root i.
func (m *Mutator) Root(i int) heap.ObjectReference {
	m.e.rootsMu.Lock()
	defer m.e.rootsMu.Unlock()
	return m.e.roots[i]
}

// SetRoot replaces root i. Null drops it.
func (m *Mutator) SetRoot(i int, obj heap.ObjectReference) {
	m.e.rootsMu.Lock()
	defer m.e.rootsMu.Unlock()
	m.e.roots[i] = obj
}

// Label names obj in snapshots. Labels follow objects across compaction.
func (m *Mutator) Label(obj heap.ObjectReference, name string) {
	m.e.rootsMu.Lock()
	defer m.e.rootsMu.Unlock()
	m.e.labels[obj] = name
}

// Lookup returns the object labelled name.
func (m *Mutator) Lookup(name string) (heap.ObjectReference, bool) {
	m.e.rootsMu.Lock()
	defer m.e.rootsMu.Unlock()
	for obj, n := range m.e.labels {
		if n == name {
			return obj, true
		}
	}
	return heap.Null, false
}

// RegisterFinalizer registers a finalizer for obj.
func (m *Mutator) RegisterFinalizer(obj heap.ObjectReference, finalizer uint32) {
	m.e.coord.RegisterFinalizer(obj, finalizer)
}

// Load populates an empty engine from a built snapshot: roots, labels and
// finalizers. The engine must have been created over b.Heap.
func (e *Engine) Load(b *snapshot.Built) error {
	if b.Heap != e.heap {
		return fmt.Errorf("snapshot was built into a different heap")
	}
	return e.Mutate(func(m *Mutator) error {
		for _, r := range b.Roots {
			m.AddRoot(r)
		}
		for name, obj := range b.Objects {
			m.Label(obj, name)
		}
		for _, f := range b.Finalizers {
			m.RegisterFinalizer(f.Object, f.Finalizer)
		}
		return nil
	})
}

// Snapshot describes the current heap. Objects left behind by earlier
// non-moving collections are included until a compaction reclaims them.
func (e *Engine) Snapshot() (*snapshot.Snapshot, error) {
	e.world.RLock()
	defer e.world.RUnlock()

	e.rootsMu.Lock()
	roots := make([]heap.ObjectReference, 0, len(e.roots))
	for _, r := range e.roots {
		if !r.IsNull() {
			roots = append(roots, r)
		}
	}
	labels := make(map[heap.ObjectReference]string, len(e.labels))
	for obj, name := range e.labels {
		labels[obj] = name
	}
	e.rootsMu.Unlock()

	finals := append(e.coord.Finalizers().Candidates(), e.coord.Finalizers().Ready()...)
	return snapshot.Capture(e.heap, labels, roots, finals)
}

// TakeEnqueued removes and returns the references cleared by past cycles.
func (e *Engine) TakeEnqueued() []heap.ObjectReference {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	out := e.pending
	e.pending = nil
	return out
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// Result describes one collection.
type Result struct {
	weak.CycleStats
	Marked    int
	Compacted bool
	// Reclaimed is the number of words freed by compaction.
	Reclaimed int
}

// Collect runs a non-moving collection. A nursery collection traces the
// whole heap but only examines finalizers registered since the last cycle;
// older candidates and everything they reach are kept.
func (e *Engine) Collect(nursery bool) (Result, error) {
	return e.collect(nursery, false)
}

// Compact runs a full collection and then evacuates every survivor into a
// fresh semispace.
func (e *Engine) Compact() (Result, error) {
	return e.collect(false, true)
}

func (e *Engine) collect(nursery, compact bool) (Result, error) {
	e.world.Lock()
	defer e.world.Unlock()

	e.coll.StopAllMutators()
	defer e.coll.ResumeMutators()

	log.Debugf("collection %d: nursery=%t compact=%t", e.cycles.Load()+1, nursery, compact)
	e.marks = newMarkBits(e.heap.Arena())

	e.rootsMu.Lock()
	roots := append([]heap.ObjectReference(nil), e.roots...)
	e.rootsMu.Unlock()
	e.pendingMu.Lock()
	roots = append(roots, e.pending...)
	e.pendingMu.Unlock()

	// A nursery scan does not judge mature candidates, so they count as
	// live like the rest of the old generation.
	if nursery {
		for _, f := range e.coord.Finalizers().Mature() {
			roots = append(roots, f.Object)
		}
	}

	for _, r := range roots {
		e.retain(r)
	}
	e.pool.Wait()

	t := tracer{e}
	for e.coord.ProcessWeakRefs(t, nursery) {
		e.pool.Wait()
	}
	e.pool.Wait()

	res := Result{Marked: e.marks.count()}
	if stats := e.coord.LastStats(); stats != nil {
		res.CycleStats = *stats
	}

	if compact {
		reclaimed, err := e.evacuate()
		if err != nil {
			return res, err
		}
		res.Compacted = true
		res.Reclaimed = reclaimed
	}

	e.cycles.Add(1)
	log.Infof("collection %d: %d objects marked", e.cycles.Load(), res.Marked)
	return res, nil
}

// tracer answers liveness from the current mark bitmap.
type tracer struct{ e *Engine }

func (t tracer) Trace(ref heap.ObjectReference) (heap.ObjectReference, bool) {
	if ref.IsNull() {
		return heap.Null, false
	}
	if !t.e.marks.marked(ref) {
		return heap.Null, false
	}
	return ref, true
}

func (t tracer) Retain(ref heap.ObjectReference) heap.ObjectReference {
	t.e.retain(ref)
	return ref
}

func (e *Engine) retain(obj heap.ObjectReference) {
	if obj.IsNull() || !e.marks.mark(obj) {
		return
	}
	e.pool.Submit(func() { e.drain([]heap.ObjectReference{obj}) })
}

// drain scans marked objects until its stack is empty, giving away half of
// the stack whenever it grows past splitThreshold.
func (e *Engine) drain(stack []heap.ObjectReference) {
	h := e.heap
	visit := scanning.EdgeFunc(func(edge heap.Edge) {
		ref := h.LoadEdge(edge)
		if !ref.IsNull() && e.marks.mark(ref) {
			stack = append(stack, ref)
		}
	})
	for len(stack) > 0 {
		obj := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		e.scanner.Scan(obj, visit)

		if len(stack) > splitThreshold {
			half := len(stack) / 2
			given := append([]heap.ObjectReference(nil), stack[:half]...)
			stack = append(stack[:0], stack[half:]...)
			e.pool.Submit(func() { e.drain(given) })
		}
	}
}

// evacuate copies marked objects into the sibling semispace, fixes every
// slot, forwards the coordinator and the engine's own references, and
// switches to the new heap.
func (e *Engine) evacuate() (int, error) {
	from := e.heap
	to := from.Sibling()

	moved := make(map[heap.ObjectReference]heap.ObjectReference)
	var copyErr error
	from.Walk(func(obj heap.ObjectReference) bool {
		if !e.marks.marked(obj) {
			return true
		}
		n, err := from.CopyTo(to, obj)
		if err != nil {
			copyErr = err
			return false
		}
		moved[obj] = n
		return true
	})
	if copyErr != nil {
		return 0, fmt.Errorf("evacuate: %w", copyErr)
	}

	forward := func(r heap.ObjectReference) heap.ObjectReference {
		if r.IsNull() || to.Contains(r) {
			return r
		}
		n, ok := moved[r]
		if !ok {
			heap.Fatalf("forward: %s did not survive the collection", r)
		}
		return n
	}

	// Every slot is rewritten, referent and discovered included. Marking
	// never follows the discovered slot of a processed reference, so it is
	// reset instead of forwarded.
	fixer := scanning.New(to, nil, scanning.Options{DisableReferences: true})
	fix := scanning.EdgeFunc(func(edge heap.Edge) {
		to.StoreEdge(edge, forward(to.LoadEdge(edge)))
	})
	for _, n := range moved {
		if e.processedReference(to, n) {
			to.StoreEdge(to.DiscoveredEdge(n), heap.Null)
		}
		fixer.Scan(n, fix)
	}

	e.coord.Forward(forward)

	e.rootsMu.Lock()
	for i, r := range e.roots {
		e.roots[i] = forward(r)
	}
	labels := make(map[heap.ObjectReference]string, len(e.labels))
	for obj, name := range e.labels {
		if n, ok := moved[obj]; ok {
			labels[n] = name
		}
	}
	e.labels = labels
	e.rootsMu.Unlock()

	e.pendingMu.Lock()
	for i, r := range e.pending {
		e.pending[i] = forward(r)
	}
	e.pendingMu.Unlock()

	e.heap = to
	e.scanner = scanning.New(to, e.coord.References(), e.opts.Scanning)
	e.marks = nil

	reclaimed := from.Arena().Used() - to.Arena().Used()
	log.Infof("evacuated %d objects, reclaimed %d words", len(moved), reclaimed)
	return reclaimed, nil
}

// processedReference reports whether marking handed obj to a reference
// processor rather than tracing its slots.
func (e *Engine) processedReference(h *heap.Heap, obj heap.ObjectReference) bool {
	if e.opts.Scanning.DisableReferences {
		return false
	}
	d := h.Descriptor(obj)
	if d.Kind != heap.KindInstanceRef {
		return false
	}
	switch d.Strength {
	case heap.StrengthSoft, heap.StrengthWeak, heap.StrengthPhantom:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Finalization
// ---------------------------------------------------------------------------

// RunFinalizers pops every ready object and passes it to fn, returning how
// many ran. fn may call Mutate, for example to resurrect the object.
func (e *Engine) RunFinalizers(fn func(weak.Finalizable)) int {
	n := 0
	for {
		f, ok := e.coord.GetReadyObject()
		if !ok {
			return n
		}
		fn(f)
		n++
	}
}

// StartFinalizer runs a finalizer thread on a host worker. Whenever a cycle
// readies objects it runs RunFinalizers with fn. The returned channel is
// closed once ctx is cancelled and the thread has exited.
func (e *Engine) StartFinalizer(ctx context.Context, fn func(weak.Finalizable)) <-chan struct{} {
	done := make(chan struct{})
	e.coll.SpawnWorkerThread(func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.finalizeSignal:
				if n := e.RunFinalizers(fn); n > 0 {
					log.Debugf("finalizer thread ran %d finalizers", n)
				}
			}
		}
	})
	return done
}
