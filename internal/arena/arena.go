// Package arena provides a generation-checked object arena.
//
// An Arena owns its values; callers hold a Handle instead of a pointer. Removing
// a value bumps the generation of its slot, so every Handle issued before the
// removal resolves to "not found" from then on, including after the slot index
// is reused.
//
// Mutating methods (Insert, Remove, Clear) must be called from a single
// goroutine. Get, Contains, Len and Range are safe from any goroutine.
package arena

import (
	"github.com/cornelk/hashmap"
)

// Handle identifies a value inside an Arena. The zero Handle never resolves.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool {
	return h.gen == 0
}

func (h Handle) key() uint64 {
	return uint64(h.index)<<32 | uint64(h.gen)
}

// Arena stores values of type T addressed by generation-checked handles.
type Arena[T any] struct {
	slots *hashmap.Map[uint64, T]

	// writer-only state
	gens []uint32
	free []uint32
}

// New creates an empty arena.
func New[T any]() *Arena[T] {
	return &Arena[T]{
		slots: hashmap.New[uint64, T](),
	}
}

// Insert stores v and returns its handle.
func (a *Arena[T]) Insert(v T) Handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.gens))
		a.gens = append(a.gens, 0)
	}

	a.gens[idx]++
	if a.gens[idx] == 0 {
		// generation wrapped, zero is reserved for the zero Handle
		a.gens[idx] = 1
	}

	h := Handle{index: idx, gen: a.gens[idx]}
	a.slots.Set(h.key(), v)
	return h
}

// Get returns the value for h. It reports false for the zero Handle and for
// handles whose value was removed.
func (a *Arena[T]) Get(h Handle) (T, bool) {
	if h.IsZero() {
		var zero T
		return zero, false
	}
	return a.slots.Get(h.key())
}

// Contains reports whether h still resolves.
func (a *Arena[T]) Contains(h Handle) bool {
	_, ok := a.Get(h)
	return ok
}

// Remove drops the value for h and invalidates h. Removing a stale handle is a no-op
// and reports false.
func (a *Arena[T]) Remove(h Handle) bool {
	if h.IsZero() || int(h.index) >= len(a.gens) || a.gens[h.index] != h.gen {
		return false
	}
	if !a.slots.Del(h.key()) {
		return false
	}

	a.gens[h.index]++
	if a.gens[h.index] == 0 {
		a.gens[h.index] = 1
	}
	a.free = append(a.free, h.index)
	return true
}

// Len returns the number of live values.
func (a *Arena[T]) Len() int {
	return a.slots.Len()
}

// Range calls fn for every live value until fn returns false. Order is unspecified.
func (a *Arena[T]) Range(fn func(Handle, T) bool) {
	a.slots.Range(func(k uint64, v T) bool {
		return fn(Handle{index: uint32(k >> 32), gen: uint32(k)}, v)
	})
}

// Clear removes every value, invalidating all outstanding handles.
func (a *Arena[T]) Clear() {
	var handles []Handle
	a.Range(func(h Handle, _ T) bool {
		handles = append(handles, h)
		return true
	})
	for _, h := range handles {
		a.Remove(h)
	}
}
