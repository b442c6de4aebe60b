package cowdisk

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nitr0-G/Vmware-sub009/diskio"
)

func mustCreate(t *testing.T, d diskio.Disk, path string, numSectors, grainSize uint32, parent string, isRoot bool) {
	t.Helper()
	require.NoError(t, CreateRedoLog(context.Background(), d, path, numSectors, grainSize, parent, isRoot))
}

func syncWrite(t *testing.T, e *Engine, h uint64, startSector, numSectors uint32, data []byte) {
	t.Helper()
	require.NoError(t, e.WriteAtSync(context.Background(), h, startSector, numSectors, data))
}

func TestEngineFirstTouchWriteThenRead(t *testing.T) {
	ctx := context.Background()
	d := diskio.NewFakeDisk()
	mustCreate(t, d, "top.cow", 1<<16, 1, "", true)

	e := NewEngine()
	h, err := e.Open(ctx, d, []string{"top.cow"})
	require.NoError(t, err)
	defer e.Close(ctx, h)

	payload := bytes.Repeat([]byte{0x5A}, int(SectorSize)*4)
	syncWrite(t, e, h, 100, 4, payload)

	got := make([]byte, len(payload))
	require.NoError(t, e.ReadAt(ctx, h, 100, 4, got))
	assert.Equal(t, payload, got)
}

func TestEngineReadUnmappedZeroFills(t *testing.T) {
	ctx := context.Background()
	d := diskio.NewFakeDisk()
	mustCreate(t, d, "top.cow", 1<<16, 1, "", true)

	e := NewEngine()
	h, err := e.Open(ctx, d, []string{"top.cow"})
	require.NoError(t, err)
	defer e.Close(ctx, h)

	got := bytes.Repeat([]byte{0xFF}, int(SectorSize)*2)
	require.NoError(t, e.ReadAt(ctx, h, 5000, 2, got))
	assert.Equal(t, make([]byte, len(got)), got)
}

func TestEngineReadThroughToBase(t *testing.T) {
	ctx := context.Background()
	d := diskio.NewFakeDisk()
	mustCreate(t, d, "base.cow", 1<<16, 1, "", true)
	mustCreate(t, d, "top.cow", 1<<16, 1, "base.cow", false)

	e := NewEngine()
	hBase, err := e.Open(ctx, d, []string{"base.cow"})
	require.NoError(t, err)
	payload := bytes.Repeat([]byte{0x11}, int(SectorSize)*2)
	syncWrite(t, e, hBase, 10, 2, payload)
	require.NoError(t, e.Close(ctx, hBase))

	h, err := e.Open(ctx, d, []string{"base.cow", "top.cow"})
	require.NoError(t, err)
	defer e.Close(ctx, h)

	got := make([]byte, len(payload))
	require.NoError(t, e.ReadAt(ctx, h, 10, 2, got))
	assert.Equal(t, payload, got)
}

func TestEngineOverwriteReusesMappedGrain(t *testing.T) {
	ctx := context.Background()
	d := diskio.NewFakeDisk()
	mustCreate(t, d, "top.cow", 1<<16, 1, "", true)

	e := NewEngine()
	h, err := e.Open(ctx, d, []string{"top.cow"})
	require.NoError(t, err)
	defer e.Close(ctx, h)

	first := bytes.Repeat([]byte{0x01}, int(SectorSize))
	syncWrite(t, e, h, 200, 1, first)

	c, ok := e.manager.Lookup(h)
	require.True(t, ok)
	phys1, err := c.Top().TranslateRead(ctx, 200)
	require.NoError(t, err)

	second := bytes.Repeat([]byte{0x02}, int(SectorSize))
	syncWrite(t, e, h, 200, 1, second)

	phys2, err := c.Top().TranslateRead(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, phys1, phys2)

	got := make([]byte, SectorSize)
	require.NoError(t, e.ReadAt(ctx, h, 200, 1, got))
	assert.Equal(t, second, got)
}

func TestEngineConcurrentWritesToDistinctGrains(t *testing.T) {
	ctx := context.Background()
	d := diskio.NewFakeDisk()
	mustCreate(t, d, "top.cow", 1<<20, 1, "", true)

	e := NewEngine()
	h, err := e.Open(ctx, d, []string{"top.cow"})
	require.NoError(t, err)
	defer e.Close(ctx, h)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := bytes.Repeat([]byte{byte(i)}, int(SectorSize))
			errs[i] = e.WriteAtSync(ctx, h, uint32(i*8), 1, data)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "write %d", i)
	}
	for i := 0; i < n; i++ {
		got := make([]byte, SectorSize)
		require.NoError(t, e.ReadAt(ctx, h, uint32(i*8), 1, got))
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, int(SectorSize)), got)
	}
}

func TestEngineCloseFailsWhenHandleUnknown(t *testing.T) {
	e := NewEngine()
	err := e.Close(context.Background(), 999)
	require.Error(t, err)
	assert.Equal(t, InvalidHandle, CodeOf(err))
}

func TestEngineCommitAndSplice(t *testing.T) {
	ctx := context.Background()
	d := diskio.NewFakeDisk()
	mustCreate(t, d, "base.cow", 1<<16, 1, "", true)
	mustCreate(t, d, "top.cow", 1<<16, 1, "base.cow", false)

	e := NewEngine()
	h, err := e.Open(ctx, d, []string{"base.cow", "top.cow"})
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x33}, int(SectorSize)*3)
	syncWrite(t, e, h, 50, 3, payload)

	require.NoError(t, e.Commit(ctx, h, 1, 0, ^uint32(0)))
	require.NoError(t, e.Splice(ctx, h, 1))

	got := make([]byte, len(payload))
	require.NoError(t, e.ReadAt(ctx, h, 50, 3, got))
	assert.Equal(t, payload, got)

	require.NoError(t, e.Close(ctx, h))
}

func TestEngineInducedWriteFailureIsSurfaced(t *testing.T) {
	ctx := context.Background()
	d := diskio.NewFakeDisk()
	mustCreate(t, d, "top.cow", 1<<16, 1, "", true)

	e := NewEngine()
	h, err := e.Open(ctx, d, []string{"top.cow"})
	require.NoError(t, err)
	defer e.Close(ctx, h)

	d.FailWriteAt["top.cow"] = true
	payload := bytes.Repeat([]byte{0x77}, int(SectorSize))
	err = e.WriteAtSync(ctx, h, 300, 1, payload)
	require.Error(t, err)
}
