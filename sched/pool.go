// Package sched provides the collector's worker pool.
package sched

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Pool runs units of collector work on a bounded set of goroutines.
//
// Work may submit more work. When every worker is busy, Submit runs the
// unit on the calling goroutine instead of blocking, so nested submission
// never deadlocks.
type Pool struct {
	group   errgroup.Group
	workers int

	submitted atomic.Uint64
	inline    atomic.Uint64
}

// NewPool creates a pool with the given number of workers. A non-positive
// count uses GOMAXPROCS.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{workers: workers}
	p.group.SetLimit(workers)
	return p
}

// Workers returns the worker limit.
func (p *Pool) Workers() int { return p.workers }

// Submit schedules fn.
func (p *Pool) Submit(fn func()) {
	p.submitted.Add(1)
	if p.group.TryGo(func() error {
		fn()
		return nil
	}) {
		return
	}
	p.inline.Add(1)
	fn()
}

// Wait blocks until every submitted unit, including units they submitted,
// has finished. The pool may be reused afterwards.
func (p *Pool) Wait() {
	_ = p.group.Wait()
}

// Submitted returns the total number of units submitted.
func (p *Pool) Submitted() uint64 { return p.submitted.Load() }

// Inline returns how many units ran on the submitting goroutine because the
// pool was saturated.
func (p *Pool) Inline() uint64 { return p.inline.Load() }
