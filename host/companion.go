package host

import (
	"fmt"
	"sync"

	"github.com/chazu/refgc/heap"
)

// StwState is a stop-the-world state of the application threads.
type StwState uint8

const (
	ThreadsSuspended StwState = iota
	ThreadsResumed
)

func (s StwState) String() string {
	switch s {
	case ThreadsSuspended:
		return "suspended"
	case ThreadsResumed:
		return "resumed"
	}
	return fmt.Sprintf("StwState(%d)", uint8(s))
}

// ---------------------------------------------------------------------------
// Companion: stop-the-world handshake between collector and VM thread
// ---------------------------------------------------------------------------

// Companion lets collector threads stop and restart the world without
// running on the VM thread themselves.
//
// A collector thread requests ThreadsSuspended; the companion goroutine then
// submits an operation to the VM thread which brings the application to a
// safepoint, reports the world stopped and parks until ThreadsResumed is
// requested. When the operation returns the companion records the
// resumption and wakes anyone waiting for it.
type Companion struct {
	vm *VMThread

	mu          sync.Mutex
	cond        *sync.Cond
	desired     StwState
	reached     StwState
	resumptions uint64
	stopping    bool
	done        chan struct{}
}

// NewCompanion creates a companion driving vm. Call Start to run it.
func NewCompanion(vm *VMThread) *Companion {
	c := &Companion{vm: vm, desired: ThreadsResumed, reached: ThreadsResumed}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start runs the companion goroutine. Calling Start on a running companion
// does nothing.
func (c *Companion) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return
	}
	c.stopping = false
	c.done = make(chan struct{})
	go c.run(c.done)
}

// Stop ends the companion goroutine and releases every waiter. It is safe
// to call on a companion that was never started.
func (c *Companion) Stop() {
	c.mu.Lock()
	c.stopping = true
	c.cond.Broadcast()
	done := c.done
	c.done = nil
	c.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (c *Companion) run(done chan struct{}) {
	defer close(done)
	log.Debug("companion waiting for suspend requests")

	for {
		c.mu.Lock()
		if c.reached != ThreadsResumed {
			c.mu.Unlock()
			heap.Fatalf("companion: threads should be running, reached state is %s", c.reached)
		}
		for c.desired != ThreadsSuspended && !c.stopping {
			c.cond.Wait()
		}
		if c.stopping {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		log.Debug("companion handing stop-the-world operation to the VM thread")
		if err := c.vm.RunInVMThread(true, c.ReachSuspendedAndWaitForResume); err != nil {
			log.Errorf("stop-the-world operation failed: %s", err)
			c.mu.Lock()
			c.stopping = true
			c.cond.Broadcast()
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		if c.stopping {
			c.reached = ThreadsResumed
			c.cond.Broadcast()
			c.mu.Unlock()
			return
		}
		if c.desired != ThreadsResumed || c.reached != ThreadsSuspended {
			desired, reached := c.desired, c.reached
			c.mu.Unlock()
			heap.Fatalf("companion: resumed with desired=%s reached=%s", desired, reached)
		}
		c.reached = ThreadsResumed
		c.resumptions++
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

// Request asks for state. Requesting the state already requested is a
// protocol error. With waitUntilReached, Request returns once the world is
// in that state.
func (c *Companion) Request(state StwState, waitUntilReached bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.desired == state {
		heap.Fatalf("companion: state %s already requested", state)
	}
	c.desired = state
	c.cond.Broadcast()

	if waitUntilReached {
		for c.reached != state && !c.stopping {
			c.cond.Wait()
		}
	}
}

// WaitForReached blocks until the previously requested state is reached.
func (c *Companion) WaitForReached(state StwState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.desired != state {
		heap.Fatalf("companion: state %s not requested", state)
	}
	for c.reached != state && !c.stopping {
		c.cond.Wait()
	}
}

// WaitForNextResumption blocks until the world resumes after the current
// or next stop.
func (c *Companion) WaitForNextResumption() {
	c.mu.Lock()
	n := c.resumptions
	c.mu.Unlock()
	c.WaitForResumptionAfter(n)
}

// WaitForResumptionAfter blocks until more than count resumptions have
// happened.
func (c *Companion) WaitForResumptionAfter(count uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.resumptions <= count && !c.stopping {
		c.cond.Wait()
	}
}

// ResumptionCount returns the number of completed stop-the-world rounds.
func (c *Companion) ResumptionCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumptions
}

// ReachSuspendedAndWaitForResume runs on the VM thread once application
// threads are at a safepoint. It reports the world stopped and parks until
// resumption is requested.
func (c *Companion) ReachSuspendedAndWaitForResume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reached = ThreadsSuspended
	c.cond.Broadcast()
	for c.desired != ThreadsResumed && !c.stopping {
		c.cond.Wait()
	}
}

// State returns the desired and reached states.
func (c *Companion) State() (desired, reached StwState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desired, c.reached
}
