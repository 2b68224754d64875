package weak

import (
	"sync"
	"testing"

	"github.com/chazu/refgc/heap"
)

// TestScanWeakRefsClearsDeadReferents verifies that weak references to dead
// objects are cleared and queued while the others are kept.
func TestScanWeakRefsClearsDeadReferents(t *testing.T) {
	th := newTestHeap(t)
	live := th.newObject(t)
	dead := th.newObject(t)
	keep := th.newRef(t, th.weak, live)
	drop := th.newRef(t, th.weak, dead)

	p := NewReferenceProcessors(th)
	p.AddWeakCandidate(keep)
	p.AddWeakCandidate(drop)

	if n := p.ScanWeakRefs(newFakeTracer(keep, drop, live)); n != 1 {
		t.Fatalf("ScanWeakRefs cleared %d, want 1", n)
	}

	if th.Referent(keep) != live {
		t.Errorf("live referent changed to %s", th.Referent(keep))
	}
	if !th.Referent(drop).IsNull() {
		t.Errorf("dead referent not cleared: %s", th.Referent(drop))
	}
	if got := p.Candidates(heap.StrengthWeak); !equalRefs(got, []heap.ObjectReference{keep}) {
		t.Errorf("weak registry = %v, want [%s]", got, keep)
	}
	if got := p.DrainEnqueued(); !equalRefs(got, []heap.ObjectReference{drop}) {
		t.Errorf("enqueued = %v, want [%s]", got, drop)
	}
	if got := p.DrainEnqueued(); len(got) != 0 {
		t.Errorf("second drain returned %v", got)
	}
}

func TestScanRefsDropsDeadReferenceObjects(t *testing.T) {
	th := newTestHeap(t)
	obj := th.newObject(t)
	ref := th.newRef(t, th.phantom, obj)

	p := NewReferenceProcessors(th)
	p.AddPhantomCandidate(ref)

	// Neither the reference object nor its referent survived.
	if n := p.ScanPhantomRefs(newFakeTracer()); n != 0 {
		t.Fatalf("ScanPhantomRefs cleared %d, want 0", n)
	}
	if p.Len(heap.StrengthPhantom) != 0 {
		t.Error("dead reference object still registered")
	}
	if got := p.DrainEnqueued(); len(got) != 0 {
		t.Errorf("dead reference object enqueued: %v", got)
	}
}

func TestScanRefsDropsClearedReferences(t *testing.T) {
	th := newTestHeap(t)
	ref := th.newRef(t, th.weak, heap.Null)

	p := NewReferenceProcessors(th)
	p.AddWeakCandidate(ref)
	p.ScanWeakRefs(newFakeTracer(ref))

	if p.Len(heap.StrengthWeak) != 0 {
		t.Error("reference with null referent still registered")
	}
}

func TestScanRefsForwardsReferents(t *testing.T) {
	th := newTestHeap(t)
	old := th.newObject(t)
	moved := th.newObject(t)
	ref := th.newRef(t, th.weak, old)

	tr := newFakeTracer(ref, old)
	tr.forward[old] = moved

	p := NewReferenceProcessors(th)
	p.AddWeakCandidate(ref)
	p.ScanWeakRefs(tr)

	if th.Referent(ref) != moved {
		t.Fatalf("referent = %s, want forwarded %s", th.Referent(ref), moved)
	}
}

// TestScanSoftRefsRetainsReferents verifies the two soft modes: retaining
// keeps every referent alive, clearing treats soft like weak.
func TestScanSoftRefsRetainsReferents(t *testing.T) {
	for _, retain := range []bool{true, false} {
		th := newTestHeap(t)
		obj := th.newObject(t)
		ref := th.newRef(t, th.soft, obj)

		p := NewReferenceProcessors(th)
		p.SetRetainSoft(retain)
		p.AddSoftCandidate(ref)

		tr := newFakeTracer(ref)
		cleared := p.ScanSoftRefs(tr)

		if retain {
			if cleared != 0 || th.Referent(ref) != obj {
				t.Errorf("retain: cleared=%d referent=%s", cleared, th.Referent(ref))
			}
			if !equalRefs(tr.retained, []heap.ObjectReference{obj}) {
				t.Errorf("retain: retained = %v, want [%s]", tr.retained, obj)
			}
			continue
		}
		if cleared != 1 || !th.Referent(ref).IsNull() {
			t.Errorf("clear: cleared=%d referent=%s", cleared, th.Referent(ref))
		}
		if len(tr.retained) != 0 {
			t.Errorf("clear: retained %v", tr.retained)
		}
	}
}

func TestReferenceRegistryOrderAndDedup(t *testing.T) {
	th := newTestHeap(t)
	obj := th.newObject(t)
	a := th.newRef(t, th.weak, obj)
	b := th.newRef(t, th.weak, obj)
	c := th.newRef(t, th.weak, obj)

	p := NewReferenceProcessors(th)
	for _, r := range []heap.ObjectReference{c, a, c, b, a} {
		p.AddWeakCandidate(r)
	}
	if got := p.Candidates(heap.StrengthWeak); !equalRefs(got, []heap.ObjectReference{c, a, b}) {
		t.Fatalf("registry = %v, want discovery order [c a b]", got)
	}

	p.ScanWeakRefs(newFakeTracer(a, b, c, obj))
	if got := p.Candidates(heap.StrengthWeak); !equalRefs(got, []heap.ObjectReference{c, a, b}) {
		t.Fatalf("registry after scan = %v, want [c a b]", got)
	}
}

// TestScanLateRefs verifies that only references registered after the
// registry was scanned are settled by the late pass.
func TestScanLateRefs(t *testing.T) {
	th := newTestHeap(t)
	obj := th.newObject(t)
	early := th.newRef(t, th.weak, obj)
	late := th.newRef(t, th.weak, obj)

	p := NewReferenceProcessors(th)
	p.AddWeakCandidate(early)
	p.ScanWeakRefs(newFakeTracer(early, obj))
	p.AddWeakCandidate(late)

	// obj has died since the weak scan.
	tr := newFakeTracer(early, late)
	if n := p.ScanLateRefs(tr); n != 1 {
		t.Fatalf("ScanLateRefs cleared %d, want 1", n)
	}
	if tr.tracedSet()[early] != 0 {
		t.Error("late pass re-examined an already scanned reference")
	}
	if th.Referent(early) != obj {
		t.Error("already scanned reference was cleared")
	}
	if !th.Referent(late).IsNull() {
		t.Error("late reference was not cleared")
	}
	if got := p.Candidates(heap.StrengthWeak); !equalRefs(got, []heap.ObjectReference{early}) {
		t.Errorf("registry = %v, want [%s]", got, early)
	}
}

// TestScanKeepsConcurrentAdditions verifies that references registered while
// a scan is in progress are neither lost nor treated as scanned.
func TestScanKeepsConcurrentAdditions(t *testing.T) {
	th := newTestHeap(t)
	obj := th.newObject(t)
	first := th.newRef(t, th.soft, obj)
	second := th.newRef(t, th.soft, obj)

	p := NewReferenceProcessors(th)
	p.AddSoftCandidate(first)

	// Retaining the referent discovers another soft reference, as a real
	// trace would while the soft scan runs.
	tr := newFakeTracer(first, second, obj)
	var once sync.Once
	retaining := TracerFuncs{
		TraceFunc: tr.Trace,
		RetainFunc: func(r heap.ObjectReference) heap.ObjectReference {
			once.Do(func() { p.AddSoftCandidate(second) })
			return tr.Retain(r)
		},
	}
	p.ScanSoftRefs(retaining)

	if got := p.Candidates(heap.StrengthSoft); !equalRefs(got, []heap.ObjectReference{first, second}) {
		t.Fatalf("registry = %v, want [first second]", got)
	}
	if n := p.ScanLateRefs(newFakeTracer(first, second, obj)); n != 0 {
		t.Fatalf("late pass cleared %d, want 0", n)
	}
	if got := p.Candidates(heap.StrengthSoft); !equalRefs(got, []heap.ObjectReference{first, second}) {
		t.Fatalf("registry after late pass = %v", got)
	}
}

func TestForwardRefs(t *testing.T) {
	th := newTestHeap(t)
	obj := th.newObject(t)
	target := th.newObject(t)
	w := th.newRef(t, th.weak, obj)
	s := th.newRef(t, th.soft, obj)
	cleared := th.newRef(t, th.phantom, heap.Null)

	p := NewReferenceProcessors(th)
	p.AddWeakCandidate(w)
	p.AddSoftCandidate(s)
	p.AddPhantomCandidate(cleared)

	fwd := func(r heap.ObjectReference) heap.ObjectReference {
		if r == obj {
			return target
		}
		return r
	}
	p.ForwardRefs(fwd)
	p.ForwardRefs(fwd)

	if th.Referent(w) != target || th.Referent(s) != target {
		t.Errorf("referents not forwarded: weak=%s soft=%s", th.Referent(w), th.Referent(s))
	}
	if !th.Referent(cleared).IsNull() {
		t.Error("null referent was forwarded")
	}
	if p.Len(heap.StrengthWeak) != 1 || p.Len(heap.StrengthSoft) != 1 || p.Len(heap.StrengthPhantom) != 1 {
		t.Error("forwarding changed registry membership")
	}
}

func TestCandidatesForUnregisteredStrength(t *testing.T) {
	p := NewReferenceProcessors(newTestHeap(t))
	if p.Candidates(heap.StrengthFinal) != nil || p.Len(heap.StrengthOther) != 0 {
		t.Error("final/other strengths have no registry")
	}
}
