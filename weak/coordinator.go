package weak

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/refgc/heap"
)

// Phase is the position of the Coordinator within a collection cycle.
type Phase uint8

const (
	PhaseInactive Phase = iota
	PhaseSoft
	PhaseWeak
	PhaseFinal
	PhasePhantom
)

func (p Phase) String() string {
	switch p {
	case PhaseInactive:
		return "inactive"
	case PhaseSoft:
		return "soft"
	case PhaseWeak:
		return "weak"
	case PhaseFinal:
		return "final"
	case PhasePhantom:
		return "phantom"
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// Options configures a Coordinator.
type Options struct {
	// ParallelWeak submits the weak scan to the worker pool instead of
	// running it inline.
	ParallelWeak bool

	// ClearSoft clears unreachable soft referents instead of retaining
	// them, as an emergency collection would.
	ClearSoft bool
}

// CycleStats describes one pass through the phase machine.
type CycleStats struct {
	Nursery        bool
	SoftCleared    int
	WeakCleared    int
	LateCleared    int
	PhantomCleared int
	// Readied counts candidates that became ready this cycle.
	Readied        int
	Candidates     int
	Enqueued       int
	Duration       time.Duration
	Timestamp      time.Time
}

// Coordinator sequences reference and finalizer processing. Each call to
// ProcessWeakRefs runs one phase:
//
//	Inactive → Soft → Weak → Final → Phantom → Inactive
//
// The collector scheduler guarantees a single driver per cycle, so the
// phase field itself is not synchronized. Registration and the host-facing
// finalizer queries are safe from any goroutine.
type Coordinator struct {
	refs   *ReferenceProcessors
	finals *FinalizableProcessor
	host   Host
	pool   WorkerPool
	opts   Options

	phase   Phase
	pending sync.WaitGroup

	cycle     CycleStats
	weakCount atomic.Int64
	lastStats atomic.Value // *CycleStats
}

// NewCoordinator creates an inactive Coordinator. host and pool may be nil;
// without a pool the weak scan always runs inline.
func NewCoordinator(slots ReferentAccessor, host Host, pool WorkerPool, opts Options) *Coordinator {
	c := &Coordinator{
		refs:   NewReferenceProcessors(slots),
		finals: NewFinalizableProcessor(host),
		host:   host,
		pool:   pool,
		opts:   opts,
	}
	c.refs.SetRetainSoft(!opts.ClearSoft)
	return c
}

// Phase returns the phase the next ProcessWeakRefs call will run, or
// PhaseInactive between cycles.
func (c *Coordinator) Phase() Phase { return c.phase }

// References returns the soft/weak/phantom registries. It is the reference
// sink to hand to the object scanner.
func (c *Coordinator) References() *ReferenceProcessors { return c.refs }

// Finalizers returns the finalizable processor.
func (c *Coordinator) Finalizers() *FinalizableProcessor { return c.finals }

// ProcessWeakRefs runs the next phase with t and reports whether more
// phases remain. The caller drains any tracing work t queued and calls
// again until it returns false.
//
// An inactive Coordinator is moved to Soft at the top of the call; that
// normalization does no work and is not a phase of its own.
func (c *Coordinator) ProcessWeakRefs(t Tracer, nursery bool) bool {
	if c.phase == PhaseInactive {
		c.begin(nursery)
		c.phase = PhaseSoft
	}
	log.Debugf("processing %s references", c.phase)

	switch c.phase {
	case PhaseSoft:
		c.cycle.SoftCleared = c.refs.ScanSoftRefs(t)
		c.phase = PhaseWeak
		return true
	case PhaseWeak:
		c.scanWeak(t)
		c.phase = PhaseFinal
		return true
	case PhaseFinal:
		c.pending.Wait()
		c.cycle.WeakCleared = int(c.weakCount.Load())
		c.cycle.Readied = c.finals.Scan(t, nursery)
		c.phase = PhasePhantom
		return true
	case PhasePhantom:
		c.cycle.LateCleared = c.refs.ScanLateRefs(t)
		c.cycle.PhantomCleared = c.refs.ScanPhantomRefs(t)
		c.end()
		c.phase = PhaseInactive
		return false
	default:
		heap.Fatalf("coordinator in invalid phase %s", c.phase)
		return false
	}
}

func (c *Coordinator) scanWeak(t Tracer) {
	c.weakCount.Store(0)
	if !c.opts.ParallelWeak || c.pool == nil {
		c.weakCount.Store(int64(c.refs.ScanWeakRefs(t)))
		return
	}
	c.pending.Add(1)
	c.pool.Submit(func() {
		defer c.pending.Done()
		c.weakCount.Store(int64(c.refs.ScanWeakRefs(t)))
	})
}

// Forward applies f to every registry during a moving collector's fixup
// step. It is legal only between cycles and always reports no more work.
func (c *Coordinator) Forward(f ForwardFunc) bool {
	if c.phase != PhaseInactive {
		heap.Fatalf("forwarding requested during %s phase", c.phase)
	}
	c.refs.ForwardRefs(f)
	c.finals.ForwardCandidates(f)
	c.finals.ForwardFinalizable(f)
	return false
}

func (c *Coordinator) begin(nursery bool) {
	c.cycle = CycleStats{Nursery: nursery, Timestamp: time.Now()}
}

func (c *Coordinator) end() {
	enqueued := c.refs.DrainEnqueued()
	if len(enqueued) > 0 && c.host != nil {
		c.host.EnqueueReferences(enqueued)
	}

	stats := c.cycle
	stats.Enqueued = len(enqueued)
	stats.Candidates = len(c.finals.Candidates())
	stats.Duration = time.Since(stats.Timestamp)
	c.lastStats.Store(&stats)

	log.Infof("reference processing done in %s: cleared soft=%d weak=%d late=%d phantom=%d, %d ready for finalization",
		stats.Duration, stats.SoftCleared, stats.WeakCleared, stats.LateCleared, stats.PhantomCleared, stats.Readied)
}

// LastStats returns the statistics of the most recent completed cycle, or
// nil before the first one.
func (c *Coordinator) LastStats() *CycleStats {
	v := c.lastStats.Load()
	if v == nil {
		return nil
	}
	return v.(*CycleStats)
}

// ---------------------------------------------------------------------------
// Host-facing API
// ---------------------------------------------------------------------------

// RegisterFinalizer records that obj has a finalizer to run once it
// becomes unreachable.
func (c *Coordinator) RegisterFinalizer(obj heap.ObjectReference, finalizer uint32) {
	c.finals.Add(Finalizable{Object: obj, Finalizer: finalizer})
}

// GetReadyObject pops one object whose finalizer is due.
func (c *Coordinator) GetReadyObject() (Finalizable, bool) { return c.finals.GetReadyObject() }

// GetAllFinalizers removes and returns every registration.
func (c *Coordinator) GetAllFinalizers() []Finalizable { return c.finals.GetAllFinalizers() }

// GetFinalizersFor removes and returns every registration for obj.
func (c *Coordinator) GetFinalizersFor(obj heap.ObjectReference) []Finalizable {
	return c.finals.GetFinalizersFor(obj)
}
