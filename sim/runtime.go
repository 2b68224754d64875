package sim

import (
	"sync"
	"sync/atomic"

	"github.com/chazu/refgc/heap"
	"github.com/chazu/refgc/host"
)

// Runtime is an in-process host. World stops go through a VM thread and the
// stop-the-world companion the way a real runtime would serve them.
type Runtime struct {
	vm        *host.VMThread
	companion *host.Companion
	safepoint safepointCounter

	finalize chan struct{}
	enqueued atomic.Uint64
	workers  sync.WaitGroup
}

var _ host.Upcalls = (*Runtime)(nil)

type safepointCounter struct {
	begun atomic.Uint64
	ended atomic.Uint64
}

func (s *safepointCounter) Begin() { s.begun.Add(1) }
func (s *safepointCounter) End()   { s.ended.Add(1) }

// NewRuntime starts the VM thread and companion. Close stops them.
func NewRuntime() *Runtime {
	r := &Runtime{finalize: make(chan struct{}, 1)}
	r.vm = host.NewVMThread(&r.safepoint)
	r.companion = host.NewCompanion(r.vm)
	r.companion.Start()
	return r
}

// StopAllMutators returns once the VM thread holds the world at a safepoint.
func (r *Runtime) StopAllMutators() {
	r.companion.Request(host.ThreadsSuspended, true)
}

// ResumeMutators returns once the companion has recorded the resumption, so
// a following stop request cannot race the previous round.
func (r *Runtime) ResumeMutators() {
	n := r.companion.ResumptionCount()
	r.companion.Request(host.ThreadsResumed, false)
	r.companion.WaitForResumptionAfter(n)
}

func (r *Runtime) BlockForGC() {
	r.companion.WaitForNextResumption()
}

func (r *Runtime) SpawnWorkerThread(run func()) {
	r.workers.Add(1)
	go func() {
		defer r.workers.Done()
		run()
	}()
}

func (r *Runtime) ScheduleFinalization() {
	select {
	case r.finalize <- struct{}{}:
	default:
	}
}

func (r *Runtime) EnqueueReferences(refs []heap.ObjectReference) {
	r.enqueued.Add(uint64(len(refs)))
}

// FinalizationRequests delivers a value whenever finalization was
// scheduled since the last receive.
func (r *Runtime) FinalizationRequests() <-chan struct{} { return r.finalize }

// Enqueued returns how many cleared references the runtime was handed.
func (r *Runtime) Enqueued() uint64 { return r.enqueued.Load() }

// Safepoints returns the number of completed safepoints.
func (r *Runtime) Safepoints() uint64 { return r.safepoint.ended.Load() }

// Rounds returns the number of completed stop-the-world rounds.
func (r *Runtime) Rounds() uint64 { return r.companion.ResumptionCount() }

// Close stops the companion and VM thread and waits for spawned workers.
func (r *Runtime) Close() {
	r.companion.Stop()
	r.vm.Stop()
	r.workers.Wait()
}
