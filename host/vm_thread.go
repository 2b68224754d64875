package host

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/refgc/heap"
)

// Safepoint brings application threads to and from a safepoint around a VM
// operation.
type Safepoint interface {
	Begin()
	End()
}

// ErrVMThreadStopped is returned for operations submitted after Stop.
var ErrVMThreadStopped = errors.New("vm thread stopped")

// vmOperation is a unit of work for the VM thread.
type vmOperation struct {
	fn          func()
	atSafepoint bool
	done        chan error
}

// VMThread runs VM operations one at a time on a dedicated goroutine, the
// way the host's VM thread serializes its operations.
type VMThread struct {
	safepoint Safepoint
	ops       chan vmOperation
	quit      chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once
}

// NewVMThread starts the VM thread. safepoint may be nil when operations
// never need one.
func NewVMThread(safepoint Safepoint) *VMThread {
	t := &VMThread{
		safepoint: safepoint,
		ops:       make(chan vmOperation, 16),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *VMThread) loop() {
	defer close(t.stopped)
	for {
		select {
		case op := <-t.ops:
			op.done <- t.execute(op)
		case <-t.quit:
			return
		}
	}
}

// execute runs one operation, converting a panic into an error for the
// caller. Invariant violations are re-raised on the caller's goroutine.
func (t *VMThread) execute(op vmOperation) (err error) {
	if op.atSafepoint && t.safepoint != nil {
		t.safepoint.Begin()
		defer t.safepoint.End()
	}
	defer func() {
		if r := recover(); r != nil {
			if ie, ok := r.(*heap.InvariantError); ok {
				err = &invariantPanic{value: ie}
				return
			}
			err = fmt.Errorf("vm operation panicked: %v", r)
		}
	}()
	op.fn()
	return nil
}

// RunInVMThread executes fn on the VM thread and waits for it to finish.
// With atSafepoint set, application threads are held at a safepoint for
// the duration.
func (t *VMThread) RunInVMThread(atSafepoint bool, fn func()) error {
	op := vmOperation{fn: fn, atSafepoint: atSafepoint, done: make(chan error, 1)}
	select {
	case t.ops <- op:
	case <-t.quit:
		return ErrVMThreadStopped
	}
	var err error
	select {
	case err = <-op.done:
	case <-t.stopped:
		select {
		case err = <-op.done:
		default:
			return ErrVMThreadStopped
		}
	}
	var ip *invariantPanic
	if errors.As(err, &ip) {
		panic(ip.value)
	}
	return err
}

// Stop shuts the VM thread down and waits for it to exit.
func (t *VMThread) Stop() {
	t.stopOnce.Do(func() { close(t.quit) })
	<-t.stopped
}

// invariantPanic carries an invariant violation from the VM thread back to
// the goroutine that submitted the operation.
type invariantPanic struct {
	value *heap.InvariantError
}

func (p *invariantPanic) Error() string { return fmt.Sprint(p.value) }
