// Package host connects the collector core to the runtime it runs in: the
// upcalls it makes into the host, the VM thread that executes operations on
// the host's behalf, and the stop-the-world companion handshake.
package host

import (
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/refgc/heap"
)

var log = commonlog.GetLogger("refgc.host")

// Upcalls are the operations the host runtime provides to the collector.
type Upcalls interface {
	// StopAllMutators halts every application thread and returns once they
	// are all stopped.
	StopAllMutators()

	// ResumeMutators lets application threads run again.
	ResumeMutators()

	// BlockForGC blocks the calling application thread until the current
	// collection has finished.
	BlockForGC()

	// SpawnWorkerThread starts run on a new collector thread.
	SpawnWorkerThread(run func())

	// ScheduleFinalization wakes the host's finalizer thread.
	ScheduleFinalization()

	// EnqueueReferences posts cleared reference objects to their queues.
	EnqueueReferences(refs []heap.ObjectReference)
}

// Collection is the collector's view of the host: every upcall goes through
// it and is logged and counted.
type Collection struct {
	upcalls Upcalls

	stops         atomic.Uint64
	finalizations atomic.Uint64
	enqueued      atomic.Uint64
}

// NewCollection wraps upcalls.
func NewCollection(upcalls Upcalls) *Collection {
	return &Collection{upcalls: upcalls}
}

// StopAllMutators stops the world.
func (c *Collection) StopAllMutators() {
	log.Debug("stopping all mutators")
	c.upcalls.StopAllMutators()
	c.stops.Add(1)
}

// ResumeMutators restarts the world.
func (c *Collection) ResumeMutators() {
	log.Debug("resuming mutators")
	c.upcalls.ResumeMutators()
}

// BlockForGC parks the calling mutator until the collection finishes.
func (c *Collection) BlockForGC() {
	c.upcalls.BlockForGC()
}

// SpawnWorkerThread asks the host for a collector thread running run.
func (c *Collection) SpawnWorkerThread(run func()) {
	c.upcalls.SpawnWorkerThread(run)
}

// ScheduleFinalization tells the host finalization work may be pending.
func (c *Collection) ScheduleFinalization() {
	c.finalizations.Add(1)
	c.upcalls.ScheduleFinalization()
}

// EnqueueReferences hands cleared references to the host.
func (c *Collection) EnqueueReferences(refs []heap.ObjectReference) {
	if len(refs) == 0 {
		return
	}
	log.Debugf("enqueueing %d cleared references", len(refs))
	c.enqueued.Add(uint64(len(refs)))
	c.upcalls.EnqueueReferences(refs)
}

// Stops returns how many times the world was stopped.
func (c *Collection) Stops() uint64 { return c.stops.Load() }

// Finalizations returns how many times finalization was scheduled.
func (c *Collection) Finalizations() uint64 { return c.finalizations.Load() }

// Enqueued returns the total number of references handed to the host.
func (c *Collection) Enqueued() uint64 { return c.enqueued.Load() }
