package weak

import (
	"sync"
	"testing"

	"github.com/chazu/refgc/heap"
)

// fakeTracer answers liveness from a set and records every call.
type fakeTracer struct {
	mu       sync.Mutex
	live     map[heap.ObjectReference]bool
	forward  map[heap.ObjectReference]heap.ObjectReference
	traced   []heap.ObjectReference
	retained []heap.ObjectReference
}

func newFakeTracer(live ...heap.ObjectReference) *fakeTracer {
	t := &fakeTracer{
		live:    make(map[heap.ObjectReference]bool),
		forward: make(map[heap.ObjectReference]heap.ObjectReference),
	}
	for _, r := range live {
		t.live[r] = true
	}
	return t
}

func (t *fakeTracer) to(ref heap.ObjectReference) heap.ObjectReference {
	if fwd, ok := t.forward[ref]; ok {
		return fwd
	}
	return ref
}

func (t *fakeTracer) Trace(ref heap.ObjectReference) (heap.ObjectReference, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.traced = append(t.traced, ref)
	if !t.live[ref] {
		return heap.Null, false
	}
	return t.to(ref), true
}

func (t *fakeTracer) Retain(ref heap.ObjectReference) heap.ObjectReference {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retained = append(t.retained, ref)
	t.live[ref] = true
	return t.to(ref)
}

func (t *fakeTracer) tracedSet() map[heap.ObjectReference]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[heap.ObjectReference]int)
	for _, r := range t.traced {
		out[r]++
	}
	return out
}

// fakeHost counts host upcalls.
type fakeHost struct {
	mu        sync.Mutex
	scheduled int
	enqueued  []heap.ObjectReference
}

func (h *fakeHost) ScheduleFinalization() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scheduled++
}

func (h *fakeHost) EnqueueReferences(refs []heap.ObjectReference) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enqueued = append(h.enqueued, refs...)
}

// goPool runs every unit on its own goroutine.
type goPool struct {
	wg sync.WaitGroup
}

func (p *goPool) Submit(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}

// testHeap builds a heap with a plain object type and one reference type
// per strength.
type testHeap struct {
	*heap.Heap
	object  heap.TypeID
	soft    heap.TypeID
	weak    heap.TypeID
	phantom heap.TypeID
}

func newTestHeap(t *testing.T) *testHeap {
	t.Helper()
	table := heap.NewTable()
	th := &testHeap{}
	th.object = table.MustRegister(heap.TypeDescriptor{
		Name: "Object", Kind: heap.KindInstance, Fields: 1,
		OopMaps: []heap.OopMapBlock{{Offset: 0, Count: 1}},
	})
	ref := func(name string, s heap.Strength) heap.TypeID {
		return table.MustRegister(heap.TypeDescriptor{
			Name: name, Kind: heap.KindInstanceRef, Strength: s, Fields: 3,
			OopMaps:        []heap.OopMapBlock{{Offset: 2, Count: 1}},
			ReferentOffset: 0, DiscoveredOffset: 1,
		})
	}
	th.soft = ref("SoftReference", heap.StrengthSoft)
	th.weak = ref("WeakReference", heap.StrengthWeak)
	th.phantom = ref("PhantomReference", heap.StrengthPhantom)
	th.Heap = heap.New(1024, table)
	return th
}

func (th *testHeap) newObject(t *testing.T) heap.ObjectReference {
	t.Helper()
	obj, err := th.Allocate(th.object)
	if err != nil {
		t.Fatalf("allocate object: %v", err)
	}
	return obj
}

func (th *testHeap) newRef(t *testing.T, id heap.TypeID, referent heap.ObjectReference) heap.ObjectReference {
	t.Helper()
	ref, err := th.Allocate(id)
	if err != nil {
		t.Fatalf("allocate reference: %v", err)
	}
	th.SetReferent(ref, referent)
	return ref
}

func expectInvariant(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected an invariant violation")
		}
		if _, ok := r.(*heap.InvariantError); !ok {
			t.Fatalf("panic value %v is not an *heap.InvariantError", r)
		}
	}()
	fn()
}

func objects(list []Finalizable) []heap.ObjectReference {
	out := make([]heap.ObjectReference, len(list))
	for i, f := range list {
		out[i] = f.Object
	}
	return out
}

func equalRefs(a, b []heap.ObjectReference) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
