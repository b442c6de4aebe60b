// Package handletable implements the fixed-size, process-wide handle
// table of §4.8: a scan-for-free-slot allocator whose opaque IDs encode a
// generation counter so a stale reference is rejected rather than
// silently resolving to a reused slot. It replaces the source's global
// mutable handle table with an explicit, constructable registry type
// passed to callers rather than reached through a package global (§9).
package handletable

import "sync"

// Table is a fixed-size registry mapping opaque IDs to values of type T
// (chain.Chain, in this engine, but kept generic so it is independently
// testable).
type Table[T any] struct {
	mu    sync.Mutex
	slots []slotEntry[T]
	size  uint64
}

type slotEntry[T any] struct {
	inUse      bool
	generation uint64
	value      T
}

// New returns an empty Table with the given fixed slot count.
func New[T any](size int) *Table[T] {
	if size <= 0 {
		size = 1
	}
	return &Table[T]{
		slots: make([]slotEntry[T], size),
		size:  uint64(size),
	}
}

// Allocate scans for a free slot, marks it in-use, and returns an opaque
// ID encoding slot+k*size (k is this slot's reuse counter), or ok=false
// if the table is full.
func (t *Table[T]) Allocate(v T) (id uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if !t.slots[i].inUse {
			t.slots[i].inUse = true
			t.slots[i].value = v
			id = uint64(i) + t.slots[i].generation*t.size
			return id, true
		}
	}
	return 0, false
}

// Get returns the slot's value only if id matches the slot's current
// generation-stamped ID and the slot is in-use; this is what rejects
// use-after-close references (§4.8).
func (t *Table[T]) Get(id uint64) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero T
	slotIdx := id % t.size
	s := &t.slots[slotIdx]
	if !s.inUse {
		return zero, false
	}
	expected := slotIdx + s.generation*t.size
	if expected != id {
		return zero, false
	}
	return s.value, true
}

// Free releases the slot identified by id, bumping its generation so any
// remaining copies of id are rejected by subsequent Get/Free calls. It
// reports whether id referred to a currently in-use slot.
func (t *Table[T]) Free(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	slotIdx := id % t.size
	s := &t.slots[slotIdx]
	if !s.inUse {
		return false
	}
	expected := slotIdx + s.generation*t.size
	if expected != id {
		return false
	}
	var zero T
	s.inUse = false
	s.value = zero
	s.generation++
	return true
}
