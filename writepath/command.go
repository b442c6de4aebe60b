// Package writepath implements the write operation's six-state command
// machine (§4.4): data write, cache update, ready/active metadata-update
// queue promotion, and metadata write, with pinning on the leaf-cache entry
// guarding every grain whose mapping this command is about to change.
package writepath

import (
	"context"
	"sync"

	"github.com/Nitr0-G/Vmware-sub009"
	"github.com/Nitr0-G/Vmware-sub009/chain"
	"github.com/Nitr0-G/Vmware-sub009/diskio"
	"github.com/Nitr0-G/Vmware-sub009/header"
	"github.com/Nitr0-G/Vmware-sub009/ioqueue"
	"github.com/Nitr0-G/Vmware-sub009/leafcache"
	"github.com/Nitr0-G/Vmware-sub009/mapping"
)

// State is one of the six states a Command passes through (§4.4). The
// cache-update step has no state of its own; it runs right after
// DataWriteDone.
type State int

const (
	Initialized State = iota
	DataWriteInProgress
	DataWriteDone
	WaitingForMetadataIO
	MetadataWriteInProgress
	MetadataWriteDone
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "Initialized"
	case DataWriteInProgress:
		return "DataWriteInProgress"
	case DataWriteDone:
		return "DataWriteDone"
	case WaitingForMetadataIO:
		return "WaitingForMetadataIO"
	case MetadataWriteInProgress:
		return "MetadataWriteInProgress"
	case MetadataWriteDone:
		return "MetadataWriteDone"
	default:
		return "Unknown"
	}
}

// metaEdit is one pending mapping-table change: set leaf position pos of
// pair to val. There is one edit per newly allocated grain; the
// cache-update step applies each edit, and runMetadataWrite groups the
// edits by pair so each leaf block is written once per command (§4.4).
type metaEdit struct {
	pair *leafcache.Pair
	pos  uint32
	val  uint32
}

// Command is one in-flight write's state across the whole six-state
// machine. A Command is only ever accessed by its owning goroutine plus the
// I/O completion callbacks it registers; the one piece of shared state --
// membership in a RedoLog's ready/active queue -- is always touched under
// that log's QueueLock.
type Command struct {
	mu    sync.Mutex
	state State

	redo *mapping.RedoLog
	disk diskio.Disk

	edits []metaEdit

	onComplete func(error)
}

// newGrainEdits accumulates one metaEdit per newly allocated grain (existing
// grains need no mapping change, so TranslateWrite results with
// Existing==true contribute nothing here). The leaf entry stores the
// grain-aligned physical sector, so the request's intra-grain offset is
// subtracted back out of each translation's PhysSector.
func newGrainEdits(translations []mapping.WriteTranslation, startSector, grainSize uint32) []metaEdit {
	if grainSize == 0 {
		grainSize = 1
	}
	var edits []metaEdit
	for i, t := range translations {
		if t.Existing {
			continue
		}
		intra := (startSector + uint32(i)) % grainSize
		edits = append(edits, metaEdit{pair: t.Pair, pos: t.LeafPos, val: t.PhysSector - intra})
	}
	return edits
}

// Submit runs one write of numSectors sectors starting at startSector
// against c's top redo log end to end: translate, pin, issue the data
// write, and on data-write success queue (or apply immediately, if no
// other command is ahead of it) the metadata update, finally invoking done
// exactly once with the outcome (§4.4). Submit returns right after issuing
// the data write (or after calling done on a translate error); done is
// invoked later from the completion path.
func Submit(ctx context.Context, c *chain.Chain, startSector, numSectors uint32, src []byte, done func(error)) {
	c.Lock().RLock()
	redo := c.Top()
	disk := redo.Disk

	translations := make([]mapping.WriteTranslation, numSectors)
	grainSize := redo.Header.GrainSize
	physPieces := make([]physPiece, 0, numSectors)

	var translateErr error
	for i := uint32(0); i < numSectors; {
		t, err := redo.TranslateWrite(ctx, startSector+i)
		if err != nil {
			translateErr = err
			break
		}
		translations[i] = t
		run := coalesceRun(translations, i, grainSize)
		physPieces = append(physPieces, physPiece{reqOffset: i, numSectors: run, physStart: t.PhysSector})
		i += run
	}
	c.Lock().RUnlock()

	if translateErr != nil {
		done(translateErr)
		return
	}

	cmd := &Command{state: Initialized, redo: redo, disk: disk, onComplete: done}
	cmd.edits = newGrainEdits(translations, startSector, grainSize)
	for _, e := range cmd.edits {
		e.pair.Pin()
	}

	cmd.setState(DataWriteInProgress)
	issueDataWrite(ctx, cmd, redo.File, physPieces, src)
}

type physPiece struct {
	reqOffset  uint32
	numSectors uint32
	physStart  uint32
}

// coalesceRun reports how many consecutive translations starting at i share
// a contiguous physical run, capped to one grain's worth of sectors (new
// allocations never span a grain boundary by construction).
func coalesceRun(translations []mapping.WriteTranslation, i uint32, grainSize uint32) uint32 {
	if grainSize == 0 {
		grainSize = 1
	}
	run := uint32(1)
	for int(i+run) < len(translations) && run < grainSize {
		prev := translations[i+run-1]
		cur := translations[i+run]
		if cur.PhysSector != prev.PhysSector+1 {
			break
		}
		run++
	}
	return run
}

func issueDataWrite(ctx context.Context, cmd *Command, file diskio.Handle, pieces []physPiece, src []byte) {
	limits := cmd.disk.Limits()
	sg := make(diskio.SGList, 0, len(pieces))
	for _, p := range pieces {
		byteStart := int64(p.reqOffset) * cowdisk.SectorSize
		byteLen := int64(p.numSectors) * cowdisk.SectorSize
		sg = append(sg, diskio.SGEntry{Offset: int64(p.physStart) * cowdisk.SectorSize, Buffer: src[byteStart : byteStart+byteLen]})
	}

	groups := splitForLimits(sg, limits)
	parent := ioqueue.NewParent(len(groups), func(status diskio.Status) {
		onDataWriteComplete(ctx, cmd, status)
	})
	issued := 0
	for _, g := range groups {
		if err := cmd.disk.AsyncIO(ctx, file, g, parent.NewChildToken(), diskio.OpWrite); err != nil {
			parent.IssueFailed(issued, diskio.Status{Err: err})
			continue
		}
		issued++
	}
}

// splitForLimits breaks sg into groups honoring the adapter's MaxSGEntries
// and MaxBytesPerIO (§4.4 "Splitting oversize writes").
func splitForLimits(sg diskio.SGList, limits diskio.Limits) []diskio.SGList {
	maxEntries := limits.MaxSGEntries
	if maxEntries <= 0 {
		maxEntries = len(sg)
		if maxEntries == 0 {
			maxEntries = 1
		}
	}
	maxBytes := limits.MaxBytesPerIO
	if maxBytes <= 0 {
		maxBytes = 1 << 30
	}

	var groups []diskio.SGList
	var cur diskio.SGList
	curBytes := 0
	for _, e := range sg {
		if len(cur) > 0 && (len(cur) >= maxEntries || curBytes+len(e.Buffer) > maxBytes) {
			groups = append(groups, cur)
			cur = nil
			curBytes = 0
		}
		cur = append(cur, e)
		curBytes += len(e.Buffer)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

func (cmd *Command) setState(s State) {
	cmd.mu.Lock()
	cmd.state = s
	cmd.mu.Unlock()
}

// State returns the command's current state, for tests and diagnostics.
func (cmd *Command) State() State {
	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	return cmd.state
}

// onDataWriteComplete implements §4.4's data-write-completion handling: on
// failure, unpin and fail the command without ever touching the cache or
// queues; on success, apply the cache-update step and enqueue (or run
// immediately) the metadata write.
func onDataWriteComplete(ctx context.Context, cmd *Command, status diskio.Status) {
	cmd.setState(DataWriteDone)

	if !status.OK() {
		for _, e := range cmd.edits {
			e.pair.Unpin()
		}
		err := status.Err
		if err == nil {
			err = cowdisk.NewError(cowdisk.WriteError, errWriteFailed)
		}
		cmd.onComplete(err)
		return
	}

	// Cache-update step: apply every pending grain mapping now that the
	// data it points to is durable. Each distinct leaf is still pinned, so
	// no concurrent eviction can race this.
	for _, e := range cmd.edits {
		e.pair.Set(e.pos, e.val)
	}

	enqueueMetadataWrite(ctx, cmd)
}

var errWriteFailed = writeFailedErr{}

type writeFailedErr struct{}

func (writeFailedErr) Error() string { return "writepath: data write failed" }

// enqueueMetadataWrite implements §4.4's ready/active queue promotion: a
// command whose redo log has no metadata write already in flight runs
// immediately (promoted straight to the active queue of one); otherwise it
// waits on the ready queue until the in-flight write completes and the
// queue is spliced over (§4.4 step 2).
func enqueueMetadataWrite(ctx context.Context, cmd *Command) {
	redo := cmd.redo
	lock := redo.QueueLock()
	lock.Lock()

	runNow := redo.Active.IsEmpty() && redo.Ready.IsEmpty()
	if runNow {
		redo.Active.PushBack(any(cmd))
		lock.Unlock()
		runMetadataWrite(ctx, redo, cmd)
		return
	}

	redo.Ready.PushBack(any(cmd))
	lock.Unlock()
	// cmd will be driven to completion when its turn comes, from inside
	// runMetadataWrite's completion handler for whichever command is ahead
	// of it (the pipelined-promotion walk below).
}

// runMetadataWrite persists the (possibly several, coalesced by leaf) leaf
// blocks this command's edits touched, then on completion unpins every
// edited leaf, pops this command off the active queue, and promotes the
// next ready command (splicing the whole ready queue onto active first, per
// §4.4 step 2) before finally invoking onComplete.
func runMetadataWrite(ctx context.Context, redo *mapping.RedoLog, cmd *Command) {
	cmd.setState(WaitingForMetadataIO)
	cmd.setState(MetadataWriteInProgress)

	leaves := uniqueLeaves(cmd.edits)
	if len(leaves) == 0 {
		// Pure cache hit: every sector this command touched was already
		// mapped, so there is no metadata to persist (§4.4 "pure cache hit").
		finishMetadataWrite(ctx, redo, cmd, diskio.StatusOK)
		return
	}

	limits := cmd.disk.Limits()
	sg := make(diskio.SGList, 0, len(leaves))
	for _, p := range leaves {
		snap := p.Snapshot()
		buf := header.EncodeLeaf(snap)
		sg = append(sg, diskio.SGEntry{Offset: int64(p.Sector()) * cowdisk.SectorSize, Buffer: buf})
	}
	groups := splitForLimits(sg, limits)

	parent := ioqueue.NewParent(len(groups), func(status diskio.Status) {
		finishMetadataWrite(ctx, redo, cmd, status)
	})
	issued := 0
	for _, g := range groups {
		if err := cmd.disk.AsyncIO(ctx, redo.File, g, parent.NewChildToken(), diskio.OpWrite); err != nil {
			parent.IssueFailed(issued, diskio.Status{Err: err})
			continue
		}
		issued++
	}
}

func uniqueLeaves(edits []metaEdit) []*leafcache.Pair {
	seen := map[*leafcache.Pair]bool{}
	var out []*leafcache.Pair
	for _, e := range edits {
		if !seen[e.pair] {
			seen[e.pair] = true
			out = append(out, e.pair)
		}
	}
	return out
}

func finishMetadataWrite(ctx context.Context, redo *mapping.RedoLog, cmd *Command, status diskio.Status) {
	cmd.setState(MetadataWriteDone)

	for _, e := range cmd.edits {
		e.pair.Unpin()
	}

	lock := redo.QueueLock()
	lock.Lock()
	redo.Active.PopFront() // this command
	if redo.Active.IsEmpty() && !redo.Ready.IsEmpty() {
		redo.Active.SpliceAllFrom(redo.Ready)
	}
	var next *Command
	if v, ok := redo.Active.Front(); ok {
		next, _ = v.(*Command)
	}
	lock.Unlock()

	var err error
	if !status.OK() {
		err = status.Err
		if err == nil {
			err = cowdisk.NewError(cowdisk.WriteError, errMetadataWriteFailed)
		}
	}
	cmd.onComplete(err)

	if next != nil && next != cmd {
		runMetadataWrite(ctx, redo, next)
	}
}

var errMetadataWriteFailed = metadataWriteFailedErr{}

type metadataWriteFailedErr struct{}

func (metadataWriteFailedErr) Error() string { return "writepath: metadata write failed" }
