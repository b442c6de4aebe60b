// Package leafcache implements the fully-associative, fixed-capacity
// leaf-entry cache (§4.1): one pair per distinct leaf, LRU eviction that
// never selects a pinned (pendingWriters > 0) entry, and a condition
// variable on each entry for the "wait for writers" sleep -- the only
// permitted blocking wait inside the engine (§5, §9).
package leafcache

import (
	"sync"

	"github.com/Nitr0-G/Vmware-sub009"
)

// EmptySector is the sentinel sector value meaning "this cache slot holds
// no leaf".
const EmptySector = ^uint32(0)

// Mode selects lookup behavior on a cache miss (§4.1).
type Mode int

const (
	// ModeRead synchronously fills the slot from disk on a miss.
	ModeRead Mode = iota
	// ModeAllocateOnly claims the slot without reading; the caller is about
	// to overwrite its full contents (write-translate's new-leaf path).
	ModeAllocateOnly
)

// Pair is one cache entry: the leaf it holds, its decoded entries, and the
// bookkeeping needed for LRU eviction and write-pinning.
type Pair struct {
	mu             sync.Mutex
	cond           *sync.Cond
	index          int // cache-slot index; used as the LRU tie-break
	sector         uint32
	entries        [cowdisk.LeafFanout]uint32
	pendingWriters int
	lastTouch      uint64
}

// Index returns this entry's cache-slot index (stable for the process
// lifetime of the cache), used as the deterministic LRU tie-break.
func (p *Pair) Index() int { return p.index }

// Sector returns the leaf sector this entry currently holds, or
// EmptySector if unused.
func (p *Pair) Sector() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sector
}

// Get returns the entry at leaf position pos (0..LeafFanout).
func (p *Pair) Get(pos uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries[pos]
}

// Set updates the entry at leaf position pos. Callers must hold this
// entry's pin (incremented pendingWriters) while a write is in flight
// against it, per the cache-update step of §4.4.
func (p *Pair) Set(pos uint32, val uint32) {
	p.mu.Lock()
	p.entries[pos] = val
	p.mu.Unlock()
}

// Snapshot returns a copy of the full LeafFanout-entry array, for building
// the metadata write's scatter/gather buffer.
func (p *Pair) Snapshot() [cowdisk.LeafFanout]uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries
}

// Pin increments the pending-writer count, preventing eviction and
// blocking concurrent cache-update-step mutation races until Unpin.
func (p *Pair) Pin() {
	p.mu.Lock()
	p.pendingWriters++
	p.mu.Unlock()
}

// Unpin decrements the pending-writer count and wakes any lookup sleeping
// on this entry via waitForWriters.
func (p *Pair) Unpin() {
	p.mu.Lock()
	p.pendingWriters--
	if p.pendingWriters < 0 {
		p.pendingWriters = 0
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// PendingWriters returns the current pin count, for invariant checks.
func (p *Pair) PendingWriters() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingWriters
}

// Fill overwrites this entry's sector and entries (a cache-miss fill, or
// the allocate-only claim of a freshly allocated leaf). Callers must not
// call Fill on an entry with pendingWriters > 0.
func (p *Pair) Fill(sector uint32, entries [cowdisk.LeafFanout]uint32) {
	p.mu.Lock()
	p.sector = sector
	p.entries = entries
	p.mu.Unlock()
}

// Cache is the per-redo-log leaf-entry cache (§4.1). It is private to a
// single redo log's in-memory state.
type Cache struct {
	mu        sync.Mutex // guards slot selection and the touch counter
	slots     []*Pair
	touch     uint64
	fillLeaf  FillFunc
}

// FillFunc synchronously reads the leaf at the given sector into entries.
// It is supplied by the mapping layer, which knows how to reach the
// backing diskio.Disk.
type FillFunc func(sector uint32) ([cowdisk.LeafFanout]uint32, error)

// New returns a Cache with the fixed associative capacity (§4.1), wired to
// fill from disk via fillLeaf on a read-miss.
func New(capacity int, fillLeaf FillFunc) *Cache {
	if capacity <= 0 {
		capacity = cowdisk.LeafCacheCapacity
	}
	c := &Cache{
		slots:    make([]*Pair, capacity),
		fillLeaf: fillLeaf,
	}
	for i := range c.slots {
		p := &Pair{index: i, sector: EmptySector}
		p.cond = sync.NewCond(&p.mu)
		c.slots[i] = p
	}
	return c
}

// Lookup implements §4.1's lookup contract. On a hit, if waitForWriters is
// set, the caller sleeps on the entry's condition until pendingWriters
// reaches zero before returning. On a miss, the least-recently-touched
// unpinned entry is selected; ModeRead synchronously fills it from disk,
// ModeAllocateOnly just claims it for the caller to fill directly via
// Fill.
func (c *Cache) Lookup(leafSector uint32, mode Mode, waitForWriters bool) (*Pair, error) {
	c.mu.Lock()
	c.touch++
	touch := c.touch

	for _, p := range c.slots {
		if p.Sector() == leafSector {
			c.mu.Unlock()
			p.mu.Lock()
			if waitForWriters {
				for p.pendingWriters > 0 {
					p.cond.Wait()
				}
			}
			p.lastTouch = touch
			p.mu.Unlock()
			return p, nil
		}
	}

	victim := c.selectVictim()
	if victim == nil {
		c.mu.Unlock()
		return nil, cowdisk.NewError(cowdisk.NoResources, errNoUnpinnedEntry)
	}
	victim.mu.Lock()
	victim.lastTouch = touch
	victim.mu.Unlock()
	c.mu.Unlock()

	if mode == ModeRead {
		entries, err := c.fillLeaf(leafSector)
		if err != nil {
			// I/O error on read-miss is surfaced verbatim; no partial fill cached (§4.1).
			return nil, err
		}
		victim.Fill(leafSector, entries)
		return victim, nil
	}
	// ModeAllocateOnly: claim the slot under leafSector with zeroed entries;
	// the caller (write-translate's new-leaf path) is responsible for the
	// actual on-disk zero-write before anyone else can observe this mapping.
	var zero [cowdisk.LeafFanout]uint32
	victim.Fill(leafSector, zero)
	return victim, nil
}

// selectVictim finds the least-recently-touched entry with no pending
// writers, in deterministic lowest-index tie-break order (§4.1). Must be
// called with c.mu held.
func (c *Cache) selectVictim() *Pair {
	var best *Pair
	var bestTouch uint64
	for _, p := range c.slots {
		if p.PendingWriters() > 0 {
			continue
		}
		t := p.lastTouchSafe()
		if best == nil || t < bestTouch {
			best = p
			bestTouch = t
		}
	}
	return best
}

func (p *Pair) lastTouchSafe() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTouch
}

// Slots returns the cache's entries, for statistics and testing.
func (c *Cache) Slots() []*Pair {
	return c.slots
}

var errNoUnpinnedEntry = errNoUnpinned{}

type errNoUnpinned struct{}

func (errNoUnpinned) Error() string { return "leafcache: no unpinned entry available for eviction" }
