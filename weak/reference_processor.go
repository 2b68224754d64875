package weak

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/chazu/refgc/heap"
	"github.com/chazu/refgc/scanning"
)

// ---------------------------------------------------------------------------
// registry: ordered candidate set for one strength
// ---------------------------------------------------------------------------

// registry keeps reference objects in discovery order, without duplicates.
// Scanning workers add concurrently, so every access takes mu.
type registry struct {
	strength heap.Strength

	mu   sync.Mutex
	refs []heap.ObjectReference
	seen map[heap.ObjectReference]struct{}

	// split marks where the last take cut the list; entries appended
	// after it while the taken part was being processed are kept behind
	// the processed survivors.
	split int

	// scanned counts the leading entries already processed this cycle.
	scanned int
}

func newRegistry(s heap.Strength) *registry {
	return &registry{strength: s, seen: make(map[heap.ObjectReference]struct{})}
}

func (r *registry) add(ref heap.ObjectReference) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[ref]; ok {
		return
	}
	r.seen[ref] = struct{}{}
	r.refs = append(r.refs, ref)
}

// take removes and returns the entries from index from onwards.
func (r *registry) take(from int) []heap.ObjectReference {
	r.mu.Lock()
	defer r.mu.Unlock()
	from = min(from, len(r.refs))
	taken := slices.Clone(r.refs[from:])
	for _, ref := range taken {
		delete(r.seen, ref)
	}
	r.refs = r.refs[:from]
	r.split = from
	return taken
}

// restore puts the survivors of a take back at the cut point. Anything
// added in the meantime stays behind them and counts as not yet scanned.
func (r *registry) restore(kept []heap.ObjectReference) {
	r.mu.Lock()
	defer r.mu.Unlock()
	added := slices.Clone(r.refs[r.split:])
	r.refs = r.refs[:r.split]
	for _, ref := range kept {
		if _, ok := r.seen[ref]; ok {
			continue
		}
		r.seen[ref] = struct{}{}
		r.refs = append(r.refs, ref)
	}
	r.scanned = len(r.refs)
	r.refs = append(r.refs, added...)
}

func (r *registry) scannedLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanned
}

func (r *registry) snapshot() []heap.ObjectReference {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.refs)
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}

func (r *registry) forward(slots ReferentAccessor, f ForwardFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.seen)
	for i, ref := range r.refs {
		ref = f(ref)
		if referent := slots.Referent(ref); !referent.IsNull() {
			slots.SetReferent(ref, f(referent))
		}
		r.refs[i] = ref
		r.seen[ref] = struct{}{}
	}
}

// ---------------------------------------------------------------------------
// ReferenceProcessors
// ---------------------------------------------------------------------------

// ReferenceProcessors holds the soft, weak and phantom registries. Final
// references are not registered here; see FinalizableProcessor.
type ReferenceProcessors struct {
	slots ReferentAccessor

	soft    *registry
	weak    *registry
	phantom *registry

	retainSoft atomic.Bool

	enqueuedMu sync.Mutex
	enqueued   []heap.ObjectReference
}

var _ scanning.ReferenceSink = (*ReferenceProcessors)(nil)

// NewReferenceProcessors creates empty registries reading referents through
// slots. Soft referents are retained by default.
func NewReferenceProcessors(slots ReferentAccessor) *ReferenceProcessors {
	p := &ReferenceProcessors{
		slots:   slots,
		soft:    newRegistry(heap.StrengthSoft),
		weak:    newRegistry(heap.StrengthWeak),
		phantom: newRegistry(heap.StrengthPhantom),
	}
	p.retainSoft.Store(true)
	return p
}

// SetRetainSoft chooses whether the soft scan keeps soft referents alive
// (the normal case) or clears unreachable ones like weak references.
func (p *ReferenceProcessors) SetRetainSoft(retain bool) { p.retainSoft.Store(retain) }

// AddSoftCandidate registers a soft reference object.
func (p *ReferenceProcessors) AddSoftCandidate(ref heap.ObjectReference) { p.soft.add(ref) }

// AddWeakCandidate registers a weak reference object.
func (p *ReferenceProcessors) AddWeakCandidate(ref heap.ObjectReference) { p.weak.add(ref) }

// AddPhantomCandidate registers a phantom reference object.
func (p *ReferenceProcessors) AddPhantomCandidate(ref heap.ObjectReference) { p.phantom.add(ref) }

// ScanSoftRefs processes the soft registry. With soft retention on, every
// soft referent is kept alive through t.Retain; otherwise soft references
// are treated like weak ones. It returns the number of references cleared.
func (p *ReferenceProcessors) ScanSoftRefs(t Tracer) int {
	return p.scan(p.soft, 0, t, p.retainSoft.Load())
}

// ScanWeakRefs clears weak references whose referents are dead and forwards
// the rest. It returns the number cleared.
func (p *ReferenceProcessors) ScanWeakRefs(t Tracer) int {
	return p.scan(p.weak, 0, t, false)
}

// ScanPhantomRefs clears phantom references whose referents are dead and
// forwards the rest. It returns the number cleared.
func (p *ReferenceProcessors) ScanPhantomRefs(t Tracer) int {
	return p.scan(p.phantom, 0, t, false)
}

// ScanLateRefs settles soft and weak references discovered after their
// registry was scanned this cycle, for example while finalizable objects
// were being kept alive. They are treated as weak. It returns the number
// cleared.
func (p *ReferenceProcessors) ScanLateRefs(t Tracer) int {
	cleared := p.scan(p.soft, p.soft.scannedLen(), t, false)
	return cleared + p.scan(p.weak, p.weak.scannedLen(), t, false)
}

func (p *ReferenceProcessors) scan(r *registry, from int, t Tracer, retain bool) int {
	refs := r.take(from)
	kept := make([]heap.ObjectReference, 0, len(refs))
	cleared := 0
	for _, old := range refs {
		ref, live := t.Trace(old)
		if !live {
			// The reference object itself died.
			continue
		}
		referent := p.slots.Referent(ref)
		if referent.IsNull() {
			continue
		}
		if retain {
			p.slots.SetReferent(ref, t.Retain(referent))
			kept = append(kept, ref)
			continue
		}
		if fwd, ok := t.Trace(referent); ok {
			p.slots.SetReferent(ref, fwd)
			kept = append(kept, ref)
			continue
		}
		log.Debugf("clearing %s reference %s (referent %s)", r.strength, ref, referent)
		p.slots.SetReferent(ref, heap.Null)
		p.enqueue(ref)
		cleared++
	}
	r.restore(kept)
	return cleared
}

func (p *ReferenceProcessors) enqueue(ref heap.ObjectReference) {
	p.enqueuedMu.Lock()
	defer p.enqueuedMu.Unlock()
	p.enqueued = append(p.enqueued, ref)
}

// ForwardRefs rewrites every registered reference object and its referent
// through f. Liveness is not re-examined.
func (p *ReferenceProcessors) ForwardRefs(f ForwardFunc) {
	p.soft.forward(p.slots, f)
	p.weak.forward(p.slots, f)
	p.phantom.forward(p.slots, f)

	p.enqueuedMu.Lock()
	defer p.enqueuedMu.Unlock()
	for i, ref := range p.enqueued {
		p.enqueued[i] = f(ref)
	}
}

// DrainEnqueued returns the references cleared since the last drain.
func (p *ReferenceProcessors) DrainEnqueued() []heap.ObjectReference {
	p.enqueuedMu.Lock()
	defer p.enqueuedMu.Unlock()
	out := p.enqueued
	p.enqueued = nil
	return out
}

// Candidates returns a copy of the registry for strength s.
func (p *ReferenceProcessors) Candidates(s heap.Strength) []heap.ObjectReference {
	if r := p.registryFor(s); r != nil {
		return r.snapshot()
	}
	return nil
}

// Len returns the number of registered references of strength s.
func (p *ReferenceProcessors) Len(s heap.Strength) int {
	if r := p.registryFor(s); r != nil {
		return r.len()
	}
	return 0
}

func (p *ReferenceProcessors) registryFor(s heap.Strength) *registry {
	switch s {
	case heap.StrengthSoft:
		return p.soft
	case heap.StrengthWeak:
		return p.weak
	case heap.StrengthPhantom:
		return p.phantom
	}
	return nil
}
