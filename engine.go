package cowdisk

import (
	"context"
	"fmt"

	"github.com/Nitr0-G/Vmware-sub009/chain"
	"github.com/Nitr0-G/Vmware-sub009/commit"
	"github.com/Nitr0-G/Vmware-sub009/diskio"
	"github.com/Nitr0-G/Vmware-sub009/header"
	"github.com/Nitr0-G/Vmware-sub009/readpath"
	"github.com/Nitr0-G/Vmware-sub009/writepath"
)

// Engine is the process-wide entry point: one handle table (§4.8) shared by
// every open chain, and the operations of §4 layered on top of it. Callers
// normally construct a single Engine at process startup.
type Engine struct {
	manager *chain.Manager
}

// NewEngine returns a ready-to-use Engine with a fresh, empty handle table.
func NewEngine() *Engine {
	return &Engine{manager: chain.NewManager()}
}

// Open opens the ordered hierarchy of files (paths[0] the base, paths[len-1]
// the top redo log) against disk and returns an opaque chain handle (§4.8,
// §6). A non-zero-index file lacking a valid COW header fails the whole
// open.
func (e *Engine) Open(ctx context.Context, disk diskio.Disk, paths []string) (uint64, error) {
	return e.manager.OpenHierarchy(ctx, disk, paths)
}

// Close flushes dirty metadata, clears every COW layer's inconsistent flag,
// and releases the handle. It fails with Busy if the top redo log still has
// queued metadata-update work (§4.4, §6).
func (e *Engine) Close(ctx context.Context, h uint64) error {
	return e.manager.CloseHierarchy(ctx, h)
}

func (e *Engine) resolve(h uint64) (*chain.Chain, error) {
	c, ok := e.manager.Lookup(h)
	if !ok {
		return nil, NewError(InvalidHandle, fmt.Errorf("cowdisk: unknown or stale handle %d", h))
	}
	return c, nil
}

// ReadAt performs a synchronous read of numSectors sectors starting at
// startSector into dst, walking the chain top-down and zero-filling any
// unmapped range (§4.1).
func (e *Engine) ReadAt(ctx context.Context, h uint64, startSector, numSectors uint32, dst []byte) error {
	c, err := e.resolve(h)
	if err != nil {
		return err
	}
	return readpath.ReadSync(ctx, c, startSector, numSectors, dst)
}

// ReadAtAsync issues the same read as ReadAt but returns immediately,
// invoking onDone exactly once on completion (§4.1, §4.3).
func (e *Engine) ReadAtAsync(ctx context.Context, h uint64, startSector, numSectors uint32, dst []byte, onDone func(diskio.Status)) error {
	c, err := e.resolve(h)
	if err != nil {
		return err
	}
	return readpath.ReadAsync(ctx, c, startSector, numSectors, dst, onDone)
}

// WriteAt drives one write through the full five-state command machine
// (§4.4) against the chain's top redo log, invoking onComplete exactly once
// once the write is durable (both data and any metadata it required).
func (e *Engine) WriteAt(ctx context.Context, h uint64, startSector, numSectors uint32, src []byte, onComplete func(error)) error {
	c, err := e.resolve(h)
	if err != nil {
		return err
	}
	writepath.Submit(ctx, c, startSector, numSectors, src, onComplete)
	return nil
}

// WriteAtSync is a synchronous convenience wrapper over WriteAt, for
// callers (and tests) that do not need overlapped I/O.
func (e *Engine) WriteAtSync(ctx context.Context, h uint64, startSector, numSectors uint32, src []byte) error {
	done := make(chan error, 1)
	if err := e.WriteAt(ctx, h, startSector, numSectors, src, func(err error) { done <- err }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Commit merges [startFraction, endFraction) of level's redo log down into
// its parent while the chain remains open for traffic (§4.5).
func (e *Engine) Commit(ctx context.Context, h uint64, level int, startFraction, endFraction uint32) error {
	c, err := e.resolve(h)
	if err != nil {
		return err
	}
	return commit.Commit(ctx, c, level, startFraction, endFraction)
}

// Splice removes level's redo log from the chain once commit has merged it
// down to endFraction==MAX, failing with Busy if the chain still has
// metadata-update work queued (§4.5).
func (e *Engine) Splice(ctx context.Context, h uint64, level int) error {
	c, err := e.resolve(h)
	if err != nil {
		return err
	}
	return commit.SpliceParent(ctx, c, level)
}

// CreateRedoLog formats a brand-new, empty redo-log file at path: a freshly
// initialised header (root flag set only when isRoot is true and
// parentFileName is empty) followed by a zeroed root table, sized
// for a virtual disk of numSectors sectors at the given grain size (§6).
func CreateRedoLog(ctx context.Context, disk diskio.Disk, path string, numSectors, grainSize uint32, parentFileName string, isRoot bool) error {
	if grainSize == 0 {
		grainSize = DefaultGrainSize
	}
	numGrains := (numSectors + grainSize - 1) / grainSize
	numRootEntries := (numGrains + LeafFanout - 1) / LeafFanout
	if numRootEntries == 0 {
		numRootEntries = 1
	}

	rootOffset := uint32(header.Size / SectorSize)
	h := header.New(numSectors, grainSize, rootOffset, numRootEntries, isRoot)
	h.ParentFileName = parentFileName
	if parentFileName != "" {
		h.Flags &^= FlagIsRoot
	}

	f, err := disk.Open(ctx, path, diskio.ReadWrite)
	if err != nil {
		return NewError(MetadataWriteError, err)
	}
	defer disk.Close(ctx, f)

	rootBuf := header.EncodeRootTable(make([]uint32, numRootEntries))
	totalLen := int64(rootOffset)*SectorSize + int64(len(rootBuf))
	if err := disk.SetAttrs(ctx, f, diskio.SetLength, diskio.Attributes{Length: totalLen}); err != nil {
		return NewError(MetadataWriteError, err)
	}

	hsg := diskio.SGList{{Offset: 0, Buffer: h.Encode()}}
	if err := disk.WriteScatter(ctx, f, hsg); err != nil {
		return NewError(MetadataWriteError, err)
	}
	rsg := diskio.SGList{{Offset: int64(rootOffset) * SectorSize, Buffer: rootBuf}}
	if err := disk.WriteScatter(ctx, f, rsg); err != nil {
		return NewError(MetadataWriteError, err)
	}
	return nil
}
