package heap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrOutOfMemory is returned when an allocation does not fit in the arena.
var ErrOutOfMemory = errors.New("arena exhausted")

// Arena is a fixed-size, word-addressed region with bump allocation.
//
// Word loads and stores are atomic so that collector workers may touch
// disjoint slots concurrently. Allocation is serialized by mu.
type Arena struct {
	base  Address
	words []uint64

	mu  sync.Mutex
	top int
}

// NewArena creates an arena of size words whose first word is at base.
// base must be non-zero so that no object ever lives at the null address.
func NewArena(base Address, size int) *Arena {
	if base == 0 {
		Fatalf("arena base must be non-zero")
	}
	return &Arena{base: base, words: make([]uint64, size)}
}

// Base returns the address of the first word.
func (a *Arena) Base() Address { return a.base }

// Cap returns the arena size in words.
func (a *Arena) Cap() int { return len(a.words) }

// Used returns the number of allocated words.
func (a *Arena) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.top
}

// Top returns the first unallocated address.
func (a *Arena) Top() Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.base.Plus(a.top)
}

// Contains reports whether addr lies inside the arena.
func (a *Arena) Contains(addr Address) bool {
	return addr >= a.base && addr < a.base.Plus(len(a.words))
}

// Alloc reserves n zeroed words and returns the address of the first.
func (a *Arena) Alloc(n int) (Address, error) {
	if n <= 0 {
		return 0, fmt.Errorf("alloc: invalid size %d", n)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.top+n > len(a.words) {
		return 0, fmt.Errorf("alloc %d words (%d of %d used): %w", n, a.top, len(a.words), ErrOutOfMemory)
	}
	addr := a.base.Plus(a.top)
	a.top += n
	return addr, nil
}

// Load reads the word at addr.
func (a *Arena) Load(addr Address) uint64 {
	return atomic.LoadUint64(&a.words[a.index(addr)])
}

// Store writes the word at addr.
func (a *Arena) Store(addr Address, v uint64) {
	atomic.StoreUint64(&a.words[a.index(addr)], v)
}

func (a *Arena) index(addr Address) int {
	if !a.Contains(addr) {
		Fatalf("address %#x outside arena [%#x, %#x)", uint64(addr), uint64(a.base), uint64(a.base.Plus(len(a.words))))
	}
	return int(addr - a.base)
}
