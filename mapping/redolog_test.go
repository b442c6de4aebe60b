package mapping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nitr0-G/Vmware-sub009/diskio"
	"github.com/Nitr0-G/Vmware-sub009/header"
)

func newTestLog(t *testing.T, numSectors, grainSize, numRootEntries uint32) (*RedoLog, diskio.Disk, diskio.Handle) {
	t.Helper()
	ctx := context.Background()
	d := diskio.NewFakeDisk()
	f, err := d.Open(ctx, "test.cow", diskio.ReadWrite)
	require.NoError(t, err)

	h := header.New(numSectors, grainSize, uint32(header.Size/512), numRootEntries, true)
	rootBuf := header.EncodeRootTable(make([]uint32, numRootEntries))
	totalLen := int64(h.RootOffset)*512 + int64(len(rootBuf))
	require.NoError(t, d.SetAttrs(ctx, f, diskio.SetLength, diskio.Attributes{Length: totalLen}))
	require.NoError(t, d.WriteScatter(ctx, f, diskio.SGList{{Offset: 0, Buffer: h.Encode()}}))
	require.NoError(t, d.WriteScatter(ctx, f, diskio.SGList{{Offset: int64(h.RootOffset) * 512, Buffer: rootBuf}}))

	r, err := Open(ctx, d, f, h)
	require.NoError(t, err)
	return r, d, f
}

func TestTranslateReadUnmappedReturnsNotHere(t *testing.T) {
	r, _, _ := newTestLog(t, 1<<20, 1, 4)
	ctx := context.Background()

	_, err := r.TranslateRead(ctx, 500)
	assert.ErrorIs(t, err, NotHere)
}

func TestTranslateWriteThenReadRoundTrips(t *testing.T) {
	r, _, _ := newTestLog(t, 1<<20, 1, 4)
	ctx := context.Background()

	wt, err := r.TranslateWrite(ctx, 10)
	require.NoError(t, err)
	assert.False(t, wt.Existing)

	// Cache-update step: apply the grain's mapping (writepath does this
	// after the data write succeeds).
	wt.Pair.Set(wt.LeafPos, wt.PhysSector)

	got, err := r.TranslateRead(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, wt.PhysSector, got)
}

func TestTranslateWriteReusesExistingGrain(t *testing.T) {
	r, _, _ := newTestLog(t, 1<<20, 1, 4)
	ctx := context.Background()

	wt1, err := r.TranslateWrite(ctx, 20)
	require.NoError(t, err)
	wt1.Pair.Set(wt1.LeafPos, wt1.PhysSector)

	wt2, err := r.TranslateWrite(ctx, 20)
	require.NoError(t, err)
	assert.True(t, wt2.Existing)
	assert.Equal(t, wt1.PhysSector, wt2.PhysSector)
}

func TestTranslateWriteBeyondAddressSpaceFails(t *testing.T) {
	r, _, _ := newTestLog(t, 1<<20, 1, 1) // only 1 root entry: covers LeafFanout grains
	ctx := context.Background()

	_, err := r.TranslateWrite(ctx, cowdiskLeafFanout()*2)
	require.Error(t, err)
}

func cowdiskLeafFanout() uint32 { return 4096 }

func TestAllocateGrowsBackingFile(t *testing.T) {
	r, d, f := newTestLog(t, 1<<20, 1, 4)
	ctx := context.Background()

	attrsBefore, err := d.GetAttrs(ctx, f)
	require.NoError(t, err)

	// Allocate far more than the growth increment to force multiple rounds.
	_, err = r.Allocate(ctx, 5000)
	require.NoError(t, err)

	attrsAfter, err := d.GetAttrs(ctx, f)
	require.NoError(t, err)
	assert.Greater(t, attrsAfter.Length, attrsBefore.Length)
}

func TestPersistHeaderClearsFreeSectorChanged(t *testing.T) {
	r, _, _ := newTestLog(t, 1<<20, 1, 4)
	ctx := context.Background()

	_, err := r.Allocate(ctx, 8)
	require.NoError(t, err)
	assert.True(t, r.FreeSectorChanged())

	require.NoError(t, r.PersistHeader(ctx))
	assert.False(t, r.FreeSectorChanged())
}
