// Package recovery implements the unclean-shutdown scan of §4.7: recompute
// a redo log's free-sector watermark from its root and leaf tables rather
// than trusting the persisted NextFree, which may be stale if the engine
// crashed between allocating a grain and persisting the header that records
// it. Recovery never writes; callers persist the recomputed watermark via
// mapping.RedoLog.SetNextFree + PersistHeader once the scan completes.
package recovery

import (
	"context"

	"github.com/Nitr0-G/Vmware-sub009"
	"github.com/Nitr0-G/Vmware-sub009/diskio"
	"github.com/Nitr0-G/Vmware-sub009/header"
	"github.com/Nitr0-G/Vmware-sub009/mapping"
)

// Report summarizes one redo log's recovery scan.
type Report struct {
	RecomputedNextFree uint32
	// Anomalies counts leaf or root entries whose implied extent runs past
	// the file's allocated length -- structural corruption the scan cannot
	// repair, only flag.
	Anomalies int
}

// Scan recomputes r's free-sector watermark by walking every root entry and
// every leaf entry it reaches, per §4.7: nextFree is the maximum over all
// entries of (entry sector + that entry's size in sectors). It reads leaf
// blocks directly rather than through r's cache, since the cache may not yet
// be warm and recovery runs once, at open time, before any concurrent access
// is possible.
func Scan(ctx context.Context, r *mapping.RedoLog) (Report, error) {
	var report Report
	allocatedSectors := uint32(0)

	// The header and root table themselves occupy the lowest sectors.
	rootEnd := r.Header.RootOffset + (r.Header.NumRootEntries*4+cowdisk.SectorSize-1)/cowdisk.SectorSize
	if rootEnd > report.RecomputedNextFree {
		report.RecomputedNextFree = rootEnd
	}

	attrs, err := r.Disk.GetAttrs(ctx, r.File)
	if err != nil {
		return Report{}, cowdisk.NewError(cowdisk.MetadataReadError, err)
	}
	allocatedSectors = uint32(attrs.Length / cowdisk.SectorSize)

	leafSectors := header.LeafSizeInSectors()
	for _, rootEntry := range r.RootTable {
		if rootEntry == 0 {
			continue
		}
		leafEnd := rootEntry + leafSectors
		if leafEnd > allocatedSectors {
			report.Anomalies++
		}
		if leafEnd > report.RecomputedNextFree {
			report.RecomputedNextFree = leafEnd
		}

		buf := make([]byte, header.LeafBlockSize)
		sg := diskio.SGList{{Offset: int64(rootEntry) * cowdisk.SectorSize, Buffer: buf}}
		if err := r.Disk.ReadScatter(ctx, r.File, sg); err != nil {
			return Report{}, cowdisk.NewError(cowdisk.MetadataReadError, err)
		}
		leaf := header.DecodeLeaf(buf)
		for _, grainSector := range leaf {
			if grainSector == 0 {
				continue
			}
			grainEnd := grainSector + r.Header.GrainSize
			if grainEnd > allocatedSectors {
				report.Anomalies++
			}
			if grainEnd > report.RecomputedNextFree {
				report.RecomputedNextFree = grainEnd
			}
		}
	}

	return report, nil
}

// Apply recomputes r's NextFree via Scan and installs it, leaving the
// caller to persist the header. It is the entry point chain.OpenHierarchy
// calls for each redo log found to have been left inconsistent (§6
// FlagInconsistent) by an unclean shutdown.
func Apply(ctx context.Context, r *mapping.RedoLog) (Report, error) {
	report, err := Scan(ctx, r)
	if err != nil {
		return Report{}, err
	}
	r.SetNextFree(report.RecomputedNextFree)
	return report, nil
}
