// Package readpath implements the read operation (§4.1): a grain-aligned,
// top-down walk of the chain's hierarchy, zero-filling any range no layer
// maps, coalescing contiguous physical runs into gather lists, and issuing
// them either synchronously or asynchronously via ioqueue.Parent.
package readpath

import (
	"context"
	"fmt"

	"github.com/Nitr0-G/Vmware-sub009"
	"github.com/Nitr0-G/Vmware-sub009/chain"
	"github.com/Nitr0-G/Vmware-sub009/diskio"
	"github.com/Nitr0-G/Vmware-sub009/ioqueue"
	"github.com/Nitr0-G/Vmware-sub009/mapping"
)

// piece is one contiguous span of the request resolved to a single source:
// either a real physical sector run on some layer, or a zero-fill span with
// no backing layer at all.
type piece struct {
	startSector uint32 // offset within the request, in sectors
	numSectors  uint32
	physStart   uint32 // valid only if !zero
	disk        diskio.Disk
	file        diskio.Handle
	zero        bool
}

// resolve walks startSector..startSector+numSectors-1 top-down through c's
// layers one sector at a time (translation is granularity-of-grain, so runs
// naturally coalesce below) and returns the ordered list of pieces covering
// the whole range.
func resolve(ctx context.Context, c *chain.Chain, startSector, numSectors uint32) ([]piece, error) {
	var pieces []piece
	s := startSector
	end := startSector + numSectors

	for s < end {
		physSector, d, f, isZero, err := resolveOne(ctx, c, s)
		if err != nil {
			return nil, err
		}

		if n := len(pieces); n > 0 {
			last := &pieces[n-1]
			sameSource := last.zero == isZero && (isZero || (last.disk == d && last.physStart+last.numSectors == physSector))
			if sameSource {
				last.numSectors++
				s++
				continue
			}
		}

		pieces = append(pieces, piece{
			startSector: s - startSector,
			numSectors:  1,
			physStart:   physSector,
			disk:        d,
			file:        f,
			zero:        isZero,
		})
		s++
	}
	return pieces, nil
}

// resolveOne translates a single virtual sector top-down through the
// hierarchy, per §4.1: the top redo log first, then each older redo log,
// then the raw base disk (a direct 1:1 mapping), else zero-fill.
func resolveOne(ctx context.Context, c *chain.Chain, s uint32) (physSector uint32, d diskio.Disk, f diskio.Handle, isZero bool, err error) {
	for i := len(c.Logs) - 1; i >= 0; i-- {
		r := c.Logs[i]
		phys, terr := r.TranslateRead(ctx, s)
		if terr == nil {
			return phys, r.Disk, r.File, false, nil
		}
		if terr != mapping.NotHere {
			return 0, nil, nil, false, terr
		}
	}
	if c.Base != nil {
		return s, c.Base.Disk, c.Base.File, false, nil
	}
	return 0, nil, nil, true, nil
}

// ReadSync performs a fully synchronous read of numSectors sectors starting
// at startSector into dst (len(dst) == numSectors*SectorSize), used when the
// caller supplies no completion token.
func ReadSync(ctx context.Context, c *chain.Chain, startSector, numSectors uint32, dst []byte) error {
	if uint32(len(dst)) != numSectors*cowdisk.SectorSize {
		return cowdisk.NewError(cowdisk.BadParam, fmt.Errorf("readpath: dst length %d != %d sectors", len(dst), numSectors))
	}

	c.Lock().RLock()
	pieces, err := resolve(ctx, c, startSector, numSectors)
	c.Lock().RUnlock()
	if err != nil {
		return err
	}

	for _, p := range pieces {
		byteStart := int64(p.startSector) * cowdisk.SectorSize
		byteLen := int64(p.numSectors) * cowdisk.SectorSize
		dstSlice := dst[byteStart : byteStart+byteLen]
		if p.zero {
			for i := range dstSlice {
				dstSlice[i] = 0
			}
			continue
		}
		sg := diskio.SGList{{Offset: int64(p.physStart) * cowdisk.SectorSize, Buffer: dstSlice}}
		if err := p.disk.ReadScatter(ctx, p.file, sg); err != nil {
			return cowdisk.NewError(cowdisk.ReadError, err)
		}
	}
	return nil
}

// ReadAsync issues numSectors sectors starting at startSector into dst,
// invoking onDone exactly once when every underlying I/O (if any) has
// completed, coalescing non-OK statuses per §4.3. Zero-fill pieces complete
// immediately without issuing any I/O.
func ReadAsync(ctx context.Context, c *chain.Chain, startSector, numSectors uint32, dst []byte, onDone func(diskio.Status)) error {
	if uint32(len(dst)) != numSectors*cowdisk.SectorSize {
		return cowdisk.NewError(cowdisk.BadParam, fmt.Errorf("readpath: dst length %d != %d sectors", len(dst), numSectors))
	}

	c.Lock().RLock()
	pieces, err := resolve(ctx, c, startSector, numSectors)
	c.Lock().RUnlock()
	if err != nil {
		return err
	}

	needed := 0
	for _, p := range pieces {
		if !p.zero {
			needed++
		}
	}
	if needed == 0 {
		go onDone(diskio.StatusOK)
		return nil
	}

	parent := ioqueue.NewParent(needed, onDone)
	issued := 0
	for _, p := range pieces {
		byteStart := int64(p.startSector) * cowdisk.SectorSize
		byteLen := int64(p.numSectors) * cowdisk.SectorSize
		dstSlice := dst[byteStart : byteStart+byteLen]

		if p.zero {
			for i := range dstSlice {
				dstSlice[i] = 0
			}
			continue
		}

		sg := diskio.SGList{{Offset: int64(p.physStart) * cowdisk.SectorSize, Buffer: dstSlice}}
		if err := p.disk.AsyncIO(ctx, p.file, sg, parent.NewChildToken(), diskio.OpRead); err != nil {
			parent.IssueFailed(issued, diskio.Status{Err: err})
			continue
		}
		issued++
	}
	return nil
}
