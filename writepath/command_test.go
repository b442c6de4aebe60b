package writepath

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nitr0-G/Vmware-sub009"
	"github.com/Nitr0-G/Vmware-sub009/chain"
	"github.com/Nitr0-G/Vmware-sub009/diskio"
	"github.com/Nitr0-G/Vmware-sub009/header"
)

func openChain(t *testing.T, numSectors, grainSize, numRootEntries uint32) (*chain.Chain, diskio.Disk) {
	t.Helper()
	ctx := context.Background()
	d := diskio.NewFakeDisk()
	f, err := d.Open(ctx, "top.cow", diskio.ReadWrite)
	require.NoError(t, err)

	h := header.New(numSectors, grainSize, uint32(header.Size/cowdisk.SectorSize), numRootEntries, true)
	rootBuf := header.EncodeRootTable(make([]uint32, numRootEntries))
	totalLen := int64(h.RootOffset)*cowdisk.SectorSize + int64(len(rootBuf))
	require.NoError(t, d.SetAttrs(ctx, f, diskio.SetLength, diskio.Attributes{Length: totalLen}))
	require.NoError(t, d.WriteScatter(ctx, f, diskio.SGList{{Offset: 0, Buffer: h.Encode()}}))
	require.NoError(t, d.WriteScatter(ctx, f, diskio.SGList{{Offset: int64(h.RootOffset) * cowdisk.SectorSize, Buffer: rootBuf}}))
	require.NoError(t, d.Close(ctx, f))

	m := chain.NewManager()
	id, err := m.OpenHierarchy(ctx, d, []string{"top.cow"})
	require.NoError(t, err)
	c, ok := m.Lookup(id)
	require.True(t, ok)
	return c, d
}

func submitSync(ctx context.Context, c *chain.Chain, startSector, numSectors uint32, data []byte) error {
	done := make(chan error, 1)
	Submit(ctx, c, startSector, numSectors, data, func(err error) { done <- err })
	return <-done
}

func TestSubmitFirstTouchAllocatesAndPersists(t *testing.T) {
	ctx := context.Background()
	c, _ := openChain(t, 1<<16, 1, 4)

	payload := bytes.Repeat([]byte{0xAB}, int(cowdisk.SectorSize))
	require.NoError(t, submitSync(ctx, c, 100, 1, payload))

	c.Lock().RLock()
	got, err := c.Top().TranslateRead(ctx, 100)
	c.Lock().RUnlock()
	require.NoError(t, err)
	assert.NotZero(t, got)

	// The metadata write has completed, so the on-disk leaf holds the mapping.
	top := c.Top()
	leafBuf := make([]byte, header.LeafBlockSize)
	require.NoError(t, top.Disk.ReadScatter(ctx, top.File, diskio.SGList{{Offset: int64(top.RootTable[0]) * cowdisk.SectorSize, Buffer: leafBuf}}))
	assert.Equal(t, got, header.DecodeLeaf(leafBuf)[100])
}

func TestSubmitOverwriteSameSectorRoundTrips(t *testing.T) {
	ctx := context.Background()
	c, _ := openChain(t, 1<<16, 1, 4)

	first := bytes.Repeat([]byte{0x01}, int(cowdisk.SectorSize))
	require.NoError(t, submitSync(ctx, c, 300, 1, first))

	second := bytes.Repeat([]byte{0x02}, int(cowdisk.SectorSize))
	require.NoError(t, submitSync(ctx, c, 300, 1, second))

	c.Lock().RLock()
	phys1, err1 := c.Top().TranslateRead(ctx, 300)
	c.Lock().RUnlock()
	require.NoError(t, err1)

	got := make([]byte, cowdisk.SectorSize)
	require.NoError(t, c.Top().Disk.ReadScatter(ctx, c.Top().File, diskio.SGList{{Offset: int64(phys1) * cowdisk.SectorSize, Buffer: got}}))
	assert.Equal(t, second, got)
}

func TestSubmitConcurrentWritesToSharedLeafAllSucceed(t *testing.T) {
	ctx := context.Background()
	c, _ := openChain(t, 1<<20, 1, 4)

	const n = 12
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := bytes.Repeat([]byte{byte(i + 1)}, int(cowdisk.SectorSize))
			errs[i] = submitSync(ctx, c, uint32(i*4), 1, data)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "write %d", i)
	}

	top := c.Top()
	top.QueueLock().Lock()
	busy := !top.Ready.IsEmpty() || !top.Active.IsEmpty()
	top.QueueLock().Unlock()
	assert.False(t, busy, "all queued metadata writes should have drained")
}

func TestSubmitFailsWhenDataWriteFails(t *testing.T) {
	ctx := context.Background()
	c, d := openChain(t, 1<<16, 1, 4)

	// Allocate leaf 0 first, so the induced failure lands on the data write
	// rather than on a first-touch write of a zeroed leaf.
	require.NoError(t, submitSync(ctx, c, 401, 1, bytes.Repeat([]byte{0x44}, int(cowdisk.SectorSize))))

	fd, ok := d.(*diskio.FakeDisk)
	require.True(t, ok)
	fd.FailWriteAt["top.cow"] = true

	payload := bytes.Repeat([]byte{0x55}, int(cowdisk.SectorSize))
	err := submitSync(ctx, c, 400, 1, payload)
	require.Error(t, err)
}

func TestSubmitBeyondAddressSpaceFailsBeforeAnyIO(t *testing.T) {
	ctx := context.Background()
	c, _ := openChain(t, 1<<16, 1, 1) // 1 root entry: address space is one leaf's worth of grains

	payload := bytes.Repeat([]byte{0x9}, int(cowdisk.SectorSize))
	err := submitSync(ctx, c, cowdisk.LeafFanout*2, 1, payload)
	require.Error(t, err)
}
