package sim

import (
	"sync/atomic"

	"github.com/chazu/refgc/heap"
)

// markBits has one bit per arena word; only object headers are ever set.
type markBits struct {
	arena *heap.Arena
	words []atomic.Uint64
}

func newMarkBits(a *heap.Arena) *markBits {
	return &markBits{arena: a, words: make([]atomic.Uint64, (a.Cap()+63)/64)}
}

func (m *markBits) slot(obj heap.ObjectReference) (*atomic.Uint64, uint64) {
	if !m.arena.Contains(obj.Address()) {
		heap.Fatalf("mark: %s is outside the heap", obj)
	}
	i := int(obj.Address() - m.arena.Base())
	return &m.words[i/64], 1 << (i % 64)
}

// mark sets obj's bit and reports whether this call set it.
func (m *markBits) mark(obj heap.ObjectReference) bool {
	w, bit := m.slot(obj)
	for {
		old := w.Load()
		if old&bit != 0 {
			return false
		}
		if w.CompareAndSwap(old, old|bit) {
			return true
		}
	}
}

func (m *markBits) marked(obj heap.ObjectReference) bool {
	w, bit := m.slot(obj)
	return w.Load()&bit != 0
}

func (m *markBits) count() int {
	n := 0
	for i := range m.words {
		for v := m.words[i].Load(); v != 0; v &= v - 1 {
			n++
		}
	}
	return n
}
