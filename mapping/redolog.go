// Package mapping implements the two-level (root table -> leaf table ->
// grain) translation per redo log, its owned root-table copy, and the
// free-sector allocator (§4.2).
package mapping

import (
	"context"
	"fmt"
	"sync"

	"github.com/Nitr0-G/Vmware-sub009"
	"github.com/Nitr0-G/Vmware-sub009/diskio"
	"github.com/Nitr0-G/Vmware-sub009/header"
	"github.com/Nitr0-G/Vmware-sub009/leafcache"
	"github.com/Nitr0-G/Vmware-sub009/writequeue"
)

// Stats tracks simple per-redo-log counters, useful for diagnostics and
// tests; not part of the on-disk format.
type Stats struct {
	Reads        uint64
	Writes       uint64
	CacheHits    uint64
	CacheMisses  uint64
	Allocations  uint64
}

// RedoLog is the in-memory state of one redo log (§3 "In-memory redo-log
// state"). Its mu is the rank-3 "per-redo-log queue lock" of §5: it
// guards NextFree, FreeSectorChanged and, via the writequeue package built
// on top of this type, the ready/active queues.
type RedoLog struct {
	Disk diskio.Disk
	File diskio.Handle

	Header    header.Header
	RootTable []uint32 // owned in-memory copy, len == Header.NumRootEntries

	Cache *leafcache.Cache

	// Ready and Active are the per-redo-log metadata-update queues of
	// §4.4, guarded by the same mu as NextFree (§5 rank-3 queue lock).
	// Items are *writepath.Command; this package stores them as `any` to
	// avoid an import cycle (writepath already depends on mapping).
	Ready  *writequeue.Ring[any]
	Active *writequeue.Ring[any]

	mu                sync.Mutex
	freeSectorChanged bool
	allocatedBytes    int64

	// leafAllocMu serializes the check-then-allocate decision in
	// TranslateWrite so two concurrent first-touch writes landing in the
	// same not-yet-allocated leaf cannot both decide to allocate it.
	leafAllocMu sync.Mutex

	Stats Stats

	// scratch is a sector-sized scratch buffer reused across header/root
	// writes, per §3's "sector-sized scratch buffer".
	scratch []byte
}

// QueueLock returns the redo log's queue lock (§5 rank 3), shared by the
// free-sector allocator and the ready/active queues.
func (r *RedoLog) QueueLock() *sync.Mutex { return &r.mu }

// Open wraps an already-open diskio.Handle and its decoded header into a
// ready-to-use RedoLog, loading the root table and priming allocatedBytes
// from the file's current attributes.
func Open(ctx context.Context, disk diskio.Disk, file diskio.Handle, h header.Header) (*RedoLog, error) {
	rootBytes := header.EncodeRootTable(make([]uint32, h.NumRootEntries))
	buf := diskio.SGList{{Offset: int64(h.RootOffset) * cowdisk.SectorSize, Buffer: make([]byte, len(rootBytes))}}
	if err := disk.ReadScatter(ctx, file, buf); err != nil {
		return nil, cowdisk.NewError(cowdisk.MetadataReadError, err)
	}
	rootTable := header.DecodeRootTable(buf[0].Buffer, int(h.NumRootEntries))

	attrs, err := disk.GetAttrs(ctx, file)
	if err != nil {
		return nil, cowdisk.NewError(cowdisk.MetadataReadError, err)
	}

	r := &RedoLog{
		Disk:           disk,
		File:           file,
		Header:         h,
		RootTable:      rootTable,
		allocatedBytes: attrs.Length,
		scratch:        make([]byte, cowdisk.SectorSize),
		Ready:          writequeue.New[any](4),
		Active:         writequeue.New[any](4),
	}
	r.Cache = leafcache.New(cowdisk.LeafCacheCapacity, r.readLeafFromDisk)
	return r, nil
}

func (r *RedoLog) readLeafFromDisk(sector uint32) (entries [cowdisk.LeafFanout]uint32, err error) {
	buf := make([]byte, header.LeafBlockSize)
	sg := diskio.SGList{{Offset: int64(sector) * cowdisk.SectorSize, Buffer: buf}}
	if err := r.Disk.ReadScatter(context.Background(), r.File, sg); err != nil {
		return entries, cowdisk.NewError(cowdisk.MetadataReadError, err)
	}
	return header.DecodeLeaf(buf), nil
}

// grainLocation computes the (grain, rootIdx, leafPos, intraGrain) tuple
// for virtual sector s (§4.2).
func (r *RedoLog) grainLocation(s uint32) (grain, rootIdx, leafPos, intraGrain uint32) {
	grain = s / r.Header.GrainSize
	rootIdx = grain / cowdisk.LeafFanout
	leafPos = grain % cowdisk.LeafFanout
	intraGrain = s % r.Header.GrainSize
	return
}

// NotHere is returned by TranslateRead when this redo log does not map
// sector s; it is not an error.
var NotHere = fmt.Errorf("mapping: sector not present in this redo log")

// TranslateRead implements §4.2's read-translate: never mutates
// persistent state, returns NotHere when the log does not cover or has
// not mapped sector s.
func (r *RedoLog) TranslateRead(ctx context.Context, s uint32) (physSector uint32, err error) {
	_, rootIdx, leafPos, intraGrain := r.grainLocation(s)
	if int(rootIdx) >= len(r.RootTable) {
		return 0, NotHere
	}
	rootEntry := r.RootTable[rootIdx]
	if rootEntry == 0 {
		return 0, NotHere
	}
	pair, err := r.Cache.Lookup(rootEntry, leafcache.ModeRead, true)
	if err != nil {
		return 0, err
	}
	leafVal := pair.Get(leafPos)
	if leafVal == 0 {
		return 0, NotHere
	}
	return leafVal + intraGrain, nil
}

// WriteTranslation is the result of TranslateWrite for one grain.
type WriteTranslation struct {
	PhysSector uint32
	// Existing is true when the grain was already mapped (a cache hit --
	// reused grain, no new mapping edit needed).
	Existing bool
	// Pair and LeafPos identify where a new grain's mapping edit belongs;
	// valid even when Existing is true, so callers can still group by leaf.
	Pair    *leafcache.Pair
	LeafPos uint32
}

// TranslateWrite implements §4.2's write-translate. It only ever operates
// on the topmost redo log (enforced by the caller, which only calls this
// on chain.Chain's top log). Crucially, when a new grain is allocated the
// in-memory leaf entry is NOT updated here -- the caller (writepath)
// records the pending edit and applies it only after the guest's data
// write succeeds (§4.4).
func (r *RedoLog) TranslateWrite(ctx context.Context, s uint32) (WriteTranslation, error) {
	_, rootIdx, leafPos, intraGrain := r.grainLocation(s)
	if int(rootIdx) >= len(r.RootTable) {
		return WriteTranslation{}, cowdisk.NewError(cowdisk.LimitExceeded, fmt.Errorf("sector %d beyond chain address space", s))
	}

	r.leafAllocMu.Lock()
	if r.RootTable[rootIdx] == 0 {
		if err := r.allocateNewLeaf(ctx, int(rootIdx)); err != nil {
			r.leafAllocMu.Unlock()
			return WriteTranslation{}, err
		}
	}
	r.leafAllocMu.Unlock()

	rootEntry := r.RootTable[rootIdx]
	pair, err := r.Cache.Lookup(rootEntry, leafcache.ModeRead, true)
	if err != nil {
		return WriteTranslation{}, err
	}

	leafVal := pair.Get(leafPos)
	if leafVal != 0 {
		return WriteTranslation{
			PhysSector: leafVal + intraGrain,
			Existing:   true,
			Pair:       pair,
			LeafPos:    leafPos,
		}, nil
	}

	grainSector, err := r.Allocate(ctx, r.Header.GrainSize)
	if err != nil {
		return WriteTranslation{}, err
	}
	return WriteTranslation{
		PhysSector: grainSector + intraGrain,
		Existing:   false,
		Pair:       pair,
		LeafPos:    leafPos,
	}, nil
}

// EnsureLeaf allocates a leaf table for rootIdx if none exists yet,
// otherwise it is a no-op. Exported for commit's splice-time merge edits,
// which address a parent redo log by (rootIdx, leafPos) directly rather
// than by virtual sector.
func (r *RedoLog) EnsureLeaf(ctx context.Context, rootIdx int) error {
	r.leafAllocMu.Lock()
	defer r.leafAllocMu.Unlock()
	if rootIdx < len(r.RootTable) && r.RootTable[rootIdx] != 0 {
		return nil
	}
	return r.allocateNewLeaf(ctx, rootIdx)
}

// allocateNewLeaf implements §4.2's five-step new-leaf allocation.
func (r *RedoLog) allocateNewLeaf(ctx context.Context, rootIdx int) error {
	leafSectors := header.LeafSizeInSectors()
	leafSector, err := r.Allocate(ctx, leafSectors) // 1. reserve
	if err != nil {
		return err
	}

	_, err = r.Cache.Lookup(leafSector, leafcache.ModeAllocateOnly, false)
	if err != nil {
		return err // 2. claim a cache slot, zeroed
	}

	var zero [cowdisk.LeafFanout]uint32
	zeroBuf := header.EncodeLeaf(zero)
	sg := diskio.SGList{{Offset: int64(leafSector) * cowdisk.SectorSize, Buffer: zeroBuf}}
	if err := r.Disk.WriteScatter(ctx, r.File, sg); err != nil { // 3. write zeroed leaf
		return cowdisk.NewError(cowdisk.MetadataWriteError, err)
	}

	r.RootTable[rootIdx] = leafSector // update in-memory copy before persisting,
	// so a concurrent reader of RootTable sees a value consistent with what
	// is about to be durably written.
	rootBuf := header.EncodeRootTable(r.RootTable)
	rootSG := diskio.SGList{{Offset: int64(r.Header.RootOffset) * cowdisk.SectorSize, Buffer: rootBuf}}
	if err := r.Disk.WriteScatter(ctx, r.File, rootSG); err != nil { // 4. write updated root table
		return cowdisk.NewError(cowdisk.MetadataWriteError, err)
	}
	// 5. root entry already marked above. Allocate already counted this
	// reservation in Stats.Allocations; no second count here.
	return nil
}

// Allocate reserves nSectors sectors from the free allocator (§4.2),
// growing the backing file by FileGrowthIncrementSectors when the
// reservation would exceed its current allocated length.
func (r *RedoLog) Allocate(ctx context.Context, nSectors uint32) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.Header.NextFree
	end := start + nSectors
	neededBytes := int64(end) * cowdisk.SectorSize

	if neededBytes > r.allocatedBytes {
		increment := int64(cowdisk.FileGrowthIncrementSectors) * cowdisk.SectorSize
		newLen := r.allocatedBytes + increment
		for newLen < neededBytes {
			newLen += increment
		}
		if err := r.Disk.SetAttrs(ctx, r.File, diskio.SetLength, diskio.Attributes{Length: newLen}); err != nil {
			return 0, cowdisk.NewError(cowdisk.NoResources, err)
		}
		r.allocatedBytes = newLen
	}

	r.Header.NextFree = end
	r.freeSectorChanged = true
	r.Stats.Allocations++
	return start, nil
}

// NextFree returns the current free-sector watermark.
func (r *RedoLog) NextFree() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Header.NextFree
}

// SetNextFree overwrites the free-sector watermark; used by recovery
// (§4.7), which recomputes it from a scan rather than advancing it.
func (r *RedoLog) SetNextFree(v uint32) {
	r.mu.Lock()
	r.Header.NextFree = v
	r.freeSectorChanged = true
	r.mu.Unlock()
}

// FreeSectorChanged reports whether NextFree advanced since the flag was
// last cleared by PersistHeader.
func (r *RedoLog) FreeSectorChanged() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.freeSectorChanged
}

// WriteRootTable durably writes the current in-memory root table, used by
// commit/splice when it needs to persist root-table edits outside the
// normal new-leaf allocation path.
func (r *RedoLog) WriteRootTable(ctx context.Context) error {
	buf := header.EncodeRootTable(r.RootTable)
	sg := diskio.SGList{{Offset: int64(r.Header.RootOffset) * cowdisk.SectorSize, Buffer: buf}}
	if err := r.Disk.WriteScatter(ctx, r.File, sg); err != nil {
		return cowdisk.NewError(cowdisk.MetadataWriteError, err)
	}
	return nil
}

// PersistHeader rewrites the header sector with the current in-memory
// fields, clearing freeSectorChanged.
func (r *RedoLog) PersistHeader(ctx context.Context) error {
	buf := r.Header.Encode()
	sg := diskio.SGList{{Offset: 0, Buffer: buf}}
	if err := r.Disk.WriteScatter(ctx, r.File, sg); err != nil {
		return cowdisk.NewError(cowdisk.MetadataWriteError, err)
	}
	r.mu.Lock()
	r.freeSectorChanged = false
	r.mu.Unlock()
	return nil
}
