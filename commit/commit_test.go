package commit

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nitr0-G/Vmware-sub009"
	"github.com/Nitr0-G/Vmware-sub009/chain"
	"github.com/Nitr0-G/Vmware-sub009/diskio"
	"github.com/Nitr0-G/Vmware-sub009/header"
	"github.com/Nitr0-G/Vmware-sub009/mapping"
)

func formatCOW(t *testing.T, d diskio.Disk, path string, isRoot bool, parent string) {
	t.Helper()
	ctx := context.Background()
	f, err := d.Open(ctx, path, diskio.ReadWrite)
	require.NoError(t, err)
	defer d.Close(ctx, f)

	h := header.New(1<<16, 1, uint32(header.Size/cowdisk.SectorSize), 4, isRoot)
	h.ParentFileName = parent
	rootBuf := header.EncodeRootTable(make([]uint32, 4))
	totalLen := int64(h.RootOffset)*cowdisk.SectorSize + int64(len(rootBuf))
	require.NoError(t, d.SetAttrs(ctx, f, diskio.SetLength, diskio.Attributes{Length: totalLen}))
	require.NoError(t, d.WriteScatter(ctx, f, diskio.SGList{{Offset: 0, Buffer: h.Encode()}}))
	require.NoError(t, d.WriteScatter(ctx, f, diskio.SGList{{Offset: int64(h.RootOffset) * cowdisk.SectorSize, Buffer: rootBuf}}))
}

func writeGrain(t *testing.T, ctx context.Context, redo *mapping.RedoLog, sector uint32, payload []byte) {
	t.Helper()
	wt, err := redo.TranslateWrite(ctx, sector)
	require.NoError(t, err)
	wt.Pair.Set(wt.LeafPos, wt.PhysSector)
	require.NoError(t, redo.Disk.WriteScatter(ctx, redo.File, diskio.SGList{{Offset: int64(wt.PhysSector) * cowdisk.SectorSize, Buffer: payload}}))
}

func TestCommitMergesIntoRawBaseAndSplices(t *testing.T) {
	ctx := context.Background()
	d := diskio.NewFakeDisk()

	baseF, err := d.Open(ctx, "raw.img", diskio.ReadWrite)
	require.NoError(t, err)
	require.NoError(t, d.SetAttrs(ctx, baseF, diskio.SetLength, diskio.Attributes{Length: int64(cowdisk.SectorSize) * (1 << 16)}))

	formatCOW(t, d, "top.cow", false, "raw.img")

	m := chain.NewManager()
	id, err := m.OpenHierarchy(ctx, d, []string{"raw.img", "top.cow"})
	require.NoError(t, err)
	c, ok := m.Lookup(id)
	require.True(t, ok)

	payload := bytes.Repeat([]byte{0x9A}, int(cowdisk.SectorSize))
	writeGrain(t, ctx, c.Top(), 30, payload)

	require.NoError(t, Commit(ctx, c, 0, 0, ^uint32(0)))
	require.NoError(t, SpliceParent(ctx, c, 0))
	assert.Equal(t, 0, c.Depth())

	got := make([]byte, len(payload))
	require.NoError(t, c.Base.Disk.ReadScatter(ctx, c.Base.File, diskio.SGList{{Offset: int64(30) * cowdisk.SectorSize, Buffer: got}}))
	assert.Equal(t, payload, got)
}

func TestCommitMergesIntoParentRedoLog(t *testing.T) {
	ctx := context.Background()
	d := diskio.NewFakeDisk()
	formatCOW(t, d, "base.cow", true, "")
	formatCOW(t, d, "top.cow", false, "base.cow")

	m := chain.NewManager()
	id, err := m.OpenHierarchy(ctx, d, []string{"base.cow", "top.cow"})
	require.NoError(t, err)
	c, ok := m.Lookup(id)
	require.True(t, ok)

	payload := bytes.Repeat([]byte{0x5C}, int(cowdisk.SectorSize))
	writeGrain(t, ctx, c.Top(), 15, payload)

	require.NoError(t, Commit(ctx, c, 1, 0, ^uint32(0)))

	parent := c.Logs[0]
	phys, err := parent.TranslateRead(ctx, 15)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	require.NoError(t, parent.Disk.ReadScatter(ctx, parent.File, diskio.SGList{{Offset: int64(phys) * cowdisk.SectorSize, Buffer: got}}))
	assert.Equal(t, payload, got)
}

func TestSpliceParentRefusesWhenTopQueueBusy(t *testing.T) {
	ctx := context.Background()
	d := diskio.NewFakeDisk()
	formatCOW(t, d, "base.cow", true, "")
	formatCOW(t, d, "top.cow", false, "base.cow")

	m := chain.NewManager()
	id, err := m.OpenHierarchy(ctx, d, []string{"base.cow", "top.cow"})
	require.NoError(t, err)
	c, ok := m.Lookup(id)
	require.True(t, ok)

	c.Top().Ready.PushBack(any("pretend-command"))

	err = SpliceParent(ctx, c, 0)
	require.Error(t, err)
	assert.Equal(t, cowdisk.Busy, cowdisk.CodeOf(err))
}

func TestCommitLevelOutOfRangeFails(t *testing.T) {
	ctx := context.Background()
	d := diskio.NewFakeDisk()
	formatCOW(t, d, "top.cow", true, "")

	m := chain.NewManager()
	id, err := m.OpenHierarchy(ctx, d, []string{"top.cow"})
	require.NoError(t, err)
	c, ok := m.Lookup(id)
	require.True(t, ok)

	err = Commit(ctx, c, 5, 0, ^uint32(0))
	require.Error(t, err)
	assert.Equal(t, cowdisk.BadParam, cowdisk.CodeOf(err))
}
