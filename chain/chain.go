// Package chain manages one open virtual disk: the ordered base-disk plus
// redo-log hierarchy (§1, §6), its rank-2 hierarchy rwlock (§5), and the
// process-wide handle table (§4.8) that hands callers an opaque ID instead
// of a pointer. Opening, closing, splicing and committing all operate on a
// *Chain found via that table.
package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/Nitr0-G/Vmware-sub009"
	"github.com/Nitr0-G/Vmware-sub009/diskio"
	"github.com/Nitr0-G/Vmware-sub009/handletable"
	"github.com/Nitr0-G/Vmware-sub009/header"
	"github.com/Nitr0-G/Vmware-sub009/mapping"
	"github.com/Nitr0-G/Vmware-sub009/recovery"
)

// RawBase is the bottom layer of a chain when it is a plain disk image with
// no COW header (§1: a chain need not be COW-formatted all the way down).
// It is read-only from this engine's perspective; writes always land in the
// top (newest) redo log.
type RawBase struct {
	Disk diskio.Disk
	File diskio.Handle
}

// Chain is one open virtual disk: zero or one RawBase at the bottom,
// followed by one or more COW redo logs, ordered bottom (oldest) to top
// (newest, and the only one ever written to).
type Chain struct {
	mu sync.RWMutex // §5 rank 2: hierarchy lock

	disk diskio.Disk
	Base *RawBase // nil if the bottom layer is itself a redo log
	Logs []*mapping.RedoLog

	paths []string
}

// Lock returns the chain's rank-2 rwlock. readpath and writepath hold RLock
// while translating; commit takes RLock briefly to pick its layers;
// CloseHierarchy and SpliceParent take Lock.
func (c *Chain) Lock() *sync.RWMutex { return &c.mu }

// Top returns the only redo log writes are ever translated against.
func (c *Chain) Top() *mapping.RedoLog { return c.Logs[len(c.Logs)-1] }

// Depth returns the number of COW redo-log layers (excluding a raw base).
func (c *Chain) Depth() int { return len(c.Logs) }

// Manager owns the process-wide handle table mapping opaque IDs to open
// Chains (§4.8), replacing the source's global mutable table with an
// explicit, constructable registry.
type Manager struct {
	table *handletable.Table[*Chain]
}

// NewManager returns a Manager with the fixed process-wide handle-table
// capacity (§6 HandleTableSize).
func NewManager() *Manager {
	return &Manager{table: handletable.New[*Chain](cowdisk.HandleTableSize)}
}

// Lookup resolves a handle ID to its Chain, or ok=false for a stale or
// unknown ID (§4.8).
func (m *Manager) Lookup(id uint64) (*Chain, bool) {
	return m.table.Get(id)
}

// OpenHierarchy opens every path in order (paths[0] is the base, paths[len-1]
// the top redo log), decodes each file's header, detects a headerless base
// disk, triggers recovery on any log left FlagInconsistent by an unclean
// shutdown, and registers the resulting Chain in the handle table (§6, §4.7).
//
// Every file past index 0 must carry a valid COW header; a missing or
// corrupt header on any of those fails the whole open and closes everything
// already opened, per §6's "non-zero-index file lacking a header fails
// hierarchy open".
func (m *Manager) OpenHierarchy(ctx context.Context, disk diskio.Disk, paths []string) (id uint64, err error) {
	if len(paths) == 0 {
		return 0, cowdisk.NewError(cowdisk.BadParam, fmt.Errorf("chain: no paths given"))
	}
	if len(paths) > cowdisk.MaxRedoLogs+1 {
		return 0, cowdisk.NewError(cowdisk.LimitExceeded, fmt.Errorf("chain: %d layers exceeds max %d", len(paths), cowdisk.MaxRedoLogs+1))
	}

	var opened []diskio.Handle
	closeAll := func() {
		for _, h := range opened {
			_ = disk.Close(ctx, h)
		}
	}

	c := &Chain{disk: disk, paths: append([]string(nil), paths...)}

	for i, path := range paths {
		f, err := disk.Open(ctx, path, diskio.ReadWrite)
		if err != nil {
			closeAll()
			return 0, cowdisk.NewError(cowdisk.MetadataReadError, err)
		}
		opened = append(opened, f)

		buf := make([]byte, header.Size)
		if err := disk.ReadScatter(ctx, f, diskio.SGList{{Offset: 0, Buffer: buf}}); err != nil {
			closeAll()
			return 0, cowdisk.NewError(cowdisk.MetadataReadError, err)
		}

		h, decErr := header.Decode(buf)
		if decErr != nil {
			if i == 0 && cowdisk.CodeOf(decErr) == cowdisk.NotSupported {
				c.Base = &RawBase{Disk: disk, File: f}
				continue
			}
			closeAll()
			return 0, cowdisk.NewError(cowdisk.NotSupported, fmt.Errorf("chain: %s: %w", path, decErr))
		}

		r, err := mapping.Open(ctx, disk, f, h)
		if err != nil {
			closeAll()
			return 0, err
		}

		if h.Inconsistent() {
			if _, err := recovery.Apply(ctx, r); err != nil {
				closeAll()
				return 0, err
			}
		}
		// Mark open: inconsistent until a clean CloseHierarchy clears it, so
		// a crash mid-session is detected as unclean on the next open (§6).
		r.Header.Flags |= cowdisk.FlagInconsistent
		if err := r.PersistHeader(ctx); err != nil {
			closeAll()
			return 0, err
		}

		c.Logs = append(c.Logs, r)
	}

	if len(c.Logs) == 0 {
		closeAll()
		return 0, cowdisk.NewError(cowdisk.BadParam, fmt.Errorf("chain: hierarchy has no COW redo log"))
	}

	id, ok := m.table.Allocate(c)
	if !ok {
		closeAll()
		return 0, cowdisk.NewError(cowdisk.NoResources, fmt.Errorf("chain: handle table full"))
	}
	return id, nil
}

// CloseHierarchy refuses to close a chain whose top redo log still has
// pending metadata-update work queued (§4.4, §6 Busy), flushes any dirty
// header/root-table state, clears the inconsistent flag on every COW layer
// so the next open sees a clean shutdown, and releases the handle.
func (m *Manager) CloseHierarchy(ctx context.Context, id uint64) error {
	c, ok := m.table.Get(id)
	if !ok {
		return cowdisk.NewError(cowdisk.InvalidHandle, fmt.Errorf("chain: unknown handle %d", id))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	top := c.Top()
	top.QueueLock().Lock()
	busy := !top.Ready.IsEmpty() || !top.Active.IsEmpty()
	top.QueueLock().Unlock()
	if busy {
		return cowdisk.NewError(cowdisk.Busy, fmt.Errorf("chain: close attempted with queued metadata updates"))
	}

	for _, r := range c.Logs {
		if r.FreeSectorChanged() {
			if err := r.WriteRootTable(ctx); err != nil {
				return err
			}
		}
		r.Header.Flags &^= cowdisk.FlagInconsistent
		if attrs, err := c.disk.GetAttrs(ctx, r.File); err == nil {
			// Stamp the live handle generation the way a clean cow.c
			// COWClose does, so SavedGeneration is never just a decoded,
			// unused field (cow.c:1019-1046). FlagInconsistent above
			// remains the actual crash detector this module relies on,
			// since diskio's Generation counter is handle-scoped and
			// doesn't survive a process restart the way the original's
			// filesystem-level generation does.
			r.Header.SavedGeneration = uint32(attrs.Generation)
		}
		if err := r.PersistHeader(ctx); err != nil {
			return err
		}
		if err := c.disk.Close(ctx, r.File); err != nil {
			return cowdisk.NewError(cowdisk.MetadataWriteError, err)
		}
	}
	if c.Base != nil {
		if err := c.disk.Close(ctx, c.Base.File); err != nil {
			return cowdisk.NewError(cowdisk.MetadataWriteError, err)
		}
	}

	m.table.Free(id)
	return nil
}

// SpliceOut removes the redo log at index level of c.Logs (0 = the
// bottom-most COW layer) from the chain array and closes its file, used by commit's splice
// step (§4.5) once that log's content has been fully merged into its
// parent. The caller must hold c.Lock() for writing.
func (c *Chain) SpliceOut(ctx context.Context, level int) error {
	if level < 0 || level >= len(c.Logs) {
		return cowdisk.NewError(cowdisk.BadParam, fmt.Errorf("chain: splice level %d out of range", level))
	}
	r := c.Logs[level]
	if err := c.disk.Close(ctx, r.File); err != nil {
		return cowdisk.NewError(cowdisk.MetadataWriteError, err)
	}
	c.Logs = append(c.Logs[:level], c.Logs[level+1:]...)
	c.paths = append(c.paths[:level], c.paths[level+1:]...)

	// If the spliced-out log held the root flag and it now has a parent
	// within the chain (the merge target), the flag transfers: the new
	// bottom-most COW layer becomes the root if there is no raw base.
	if level == 0 && c.Base == nil && len(c.Logs) > 0 {
		c.Logs[0].Header.Flags |= cowdisk.FlagIsRoot
	}
	return nil
}
