package chain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nitr0-G/Vmware-sub009"
	"github.com/Nitr0-G/Vmware-sub009/diskio"
	"github.com/Nitr0-G/Vmware-sub009/header"
)

func formatLog(t *testing.T, d diskio.Disk, path string, isRoot bool, parent string) {
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

func TestOpenHierarchySingleLog(t *testing.T) {
	ctx := context.Background()
	d := diskio.NewFakeDisk()
	formatLog(t, d, "top.cow", true, "")

	m := NewManager()
	id, err := m.OpenHierarchy(ctx, d, []string{"top.cow"})
	require.NoError(t, err)

	c, ok := m.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, 1, c.Depth())
	assert.Nil(t, c.Base)
}

func TestOpenHierarchyRawBase(t *testing.T) {
	ctx := context.Background()
	d := diskio.NewFakeDisk()
	// A raw base: open it and write non-header bytes so Decode sees a bad magic.
	f, err := d.Open(ctx, "raw.img", diskio.ReadWrite)
	require.NoError(t, err)
	require.NoError(t, d.SetAttrs(ctx, f, diskio.SetLength, diskio.Attributes{Length: int64(header.Size)}))
	formatLog(t, d, "top.cow", false, "raw.img")

	m := NewManager()
	id, err := m.OpenHierarchy(ctx, d, []string{"raw.img", "top.cow"})
	require.NoError(t, err)

	c, ok := m.Lookup(id)
	require.True(t, ok)
	require.NotNil(t, c.Base)
	assert.Equal(t, 1, c.Depth())
}

func TestOpenHierarchyRejectsMissingHeaderPastIndexZero(t *testing.T) {
	ctx := context.Background()
	d := diskio.NewFakeDisk()
	formatLog(t, d, "base.cow", true, "")
	f, err := d.Open(ctx, "broken.cow", diskio.ReadWrite)
	require.NoError(t, err)
	require.NoError(t, d.SetAttrs(ctx, f, diskio.SetLength, diskio.Attributes{Length: int64(header.Size)}))

	m := NewManager()
	_, err = m.OpenHierarchy(ctx, d, []string{"base.cow", "broken.cow"})
	require.Error(t, err)
	assert.Equal(t, cowdisk.NotSupported, cowdisk.CodeOf(err))
}

func TestCloseHierarchyRefusesWhenQueuesBusy(t *testing.T) {
	ctx := context.Background()
	d := diskio.NewFakeDisk()
	formatLog(t, d, "top.cow", true, "")

	m := NewManager()
	id, err := m.OpenHierarchy(ctx, d, []string{"top.cow"})
	require.NoError(t, err)

	c, ok := m.Lookup(id)
	require.True(t, ok)
	c.Top().Ready.PushBack(any("pretend-command"))

	err = m.CloseHierarchy(ctx, id)
	require.Error(t, err)
	assert.Equal(t, cowdisk.Busy, cowdisk.CodeOf(err))
}

func TestCloseHierarchyUnknownHandle(t *testing.T) {
	m := NewManager()
	err := m.CloseHierarchy(context.Background(), 12345)
	require.Error(t, err)
	assert.Equal(t, cowdisk.InvalidHandle, cowdisk.CodeOf(err))
}

func TestCloseThenLookupFails(t *testing.T) {
	ctx := context.Background()
	d := diskio.NewFakeDisk()
	formatLog(t, d, "top.cow", true, "")

	m := NewManager()
	id, err := m.OpenHierarchy(ctx, d, []string{"top.cow"})
	require.NoError(t, err)
	require.NoError(t, m.CloseHierarchy(ctx, id))

	_, ok := m.Lookup(id)
	assert.False(t, ok)
}
