package weak

import (
	"slices"
	"sync"

	"github.com/chazu/refgc/heap"
)

// Finalizable is one finalizer registration. The same object may be
// registered several times with different finalizers.
type Finalizable struct {
	Object    heap.ObjectReference
	Finalizer uint32
}

// FinalizableProcessor tracks objects registered for finalization.
//
// Every registration lives in exactly one of two lists: candidates, whose
// objects have not yet been found unreachable, and the ready queue, whose
// objects are dead but kept alive until the host pops them. Candidates at
// or after the nursery index were registered since the previous scan.
//
// A single mutex guards both lists for the whole of every operation, since
// the host may pop ready objects from its own goroutine while a scan runs.
type FinalizableProcessor struct {
	host Host

	mu           sync.Mutex
	candidates   []Finalizable
	nurseryIndex int
	ready        []Finalizable
}

// NewFinalizableProcessor creates an empty processor. host may be nil.
func NewFinalizableProcessor(host Host) *FinalizableProcessor {
	return &FinalizableProcessor{host: host}
}

// Add registers f as a candidate.
func (p *FinalizableProcessor) Add(f Finalizable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, f)
}

// Scan partitions the candidates into live ones and ready ones, keeps the
// ready ones alive, and notifies the host. A nursery scan only examines
// candidates registered since the previous scan, plus everything that was
// already ready. It returns how many candidates became ready in this pass;
// entries carried over in the ready queue are not counted again.
func (p *FinalizableProcessor) Scan(t Tracer, nursery bool) int {
	readied := p.scan(t, nursery)
	if p.host != nil {
		p.host.ScheduleFinalization()
	}
	return readied
}

func (p *FinalizableProcessor) scan(t Tracer, nursery bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := 0
	if nursery {
		start = p.nurseryIndex
	}

	// Ready objects are live only because the queue holds them. Put them
	// back so they are judged again with everything else; the host may
	// have registered one of them again since it became ready.
	carried := len(p.ready)
	p.candidates = append(p.candidates, p.ready...)
	p.ready = p.ready[:0]

	pending := slices.Clone(p.candidates[start:])
	p.candidates = p.candidates[:start]
	fresh := len(pending) - carried

	readied := 0
	for i, f := range pending {
		if fwd, live := t.Trace(f.Object); live {
			f.Object = fwd
			p.candidates = append(p.candidates, f)
			continue
		}
		if i < fresh {
			readied++
		}
		// Do not retain the object yet. A later registration of the same
		// object would then look live and never reach the ready queue.
		log.Debugf("object %s ready for finalization (finalizer %d)", f.Object, f.Finalizer)
		p.ready = append(p.ready, f)
	}

	// Keep every ready object alive until the host consumes it.
	for i := range p.ready {
		p.ready[i].Object = t.Retain(p.ready[i].Object)
	}

	p.nurseryIndex = len(p.candidates)
	return readied
}

// ForwardCandidates rewrites every candidate through f.
func (p *FinalizableProcessor) ForwardCandidates(f ForwardFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	forwardAll(p.candidates, f)
}

// ForwardFinalizable rewrites every ready entry through f.
func (p *FinalizableProcessor) ForwardFinalizable(f ForwardFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	forwardAll(p.ready, f)
}

func forwardAll(list []Finalizable, f ForwardFunc) {
	for i := range list {
		list[i].Object = f(list[i].Object)
	}
}

// GetReadyObject pops the most recently readied entry. ok is false when the
// ready queue is empty.
func (p *FinalizableProcessor) GetReadyObject() (f Finalizable, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.ready)
	if n == 0 {
		return Finalizable{}, false
	}
	f = p.ready[n-1]
	p.ready = p.ready[:n-1]
	return f, true
}

// GetAllFinalizers removes every registration, candidates first, then the
// ready queue.
func (p *FinalizableProcessor) GetAllFinalizers() []Finalizable {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append(p.candidates, p.ready...)
	p.candidates = nil
	p.ready = nil
	p.nurseryIndex = 0
	return out
}

// GetFinalizersFor removes and returns every registration for obj from both
// lists, candidates first.
func (p *FinalizableProcessor) GetFinalizersFor(obj heap.ObjectReference) []Finalizable {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Finalizable
	kept := p.candidates[:0]
	nursery := p.nurseryIndex
	for i, f := range p.candidates {
		if f.Object != obj {
			kept = append(kept, f)
			continue
		}
		out = append(out, f)
		if i < p.nurseryIndex {
			nursery--
		}
	}
	p.candidates = kept
	p.nurseryIndex = nursery

	ready := p.ready[:0]
	for _, f := range p.ready {
		if f.Object == obj {
			out = append(out, f)
			continue
		}
		ready = append(ready, f)
	}
	p.ready = ready
	return out
}

// Candidates returns a copy of the candidate list.
func (p *FinalizableProcessor) Candidates() []Finalizable {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.candidates)
}

// Mature returns a copy of the candidates a nursery scan skips, those
// registered before the previous scan.
func (p *FinalizableProcessor) Mature() []Finalizable {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.candidates[:min(p.nurseryIndex, len(p.candidates))])
}

// Ready returns a copy of the ready queue in the order entries became ready.
func (p *FinalizableProcessor) Ready() []Finalizable {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.ready)
}

// NurseryIndex returns the index of the first candidate registered since
// the previous scan.
func (p *FinalizableProcessor) NurseryIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nurseryIndex
}
