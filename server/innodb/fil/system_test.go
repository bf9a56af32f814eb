package fil

import (
	"testing"

	jerrors "github.com/juju/errors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/util"
)

const testPageSize = common.UNIV_PAGE_SIZE_MIN

func newTestSystem(t *testing.T) *System {
	t.Helper()
	sys, err := NewSystem(t.TempDir(), testPageSize, 2)
	require.NoError(t, err)
	t.Cleanup(func() { sys.Close() })
	return sys
}

func indexFrame(id common.PageID, fill byte) []byte {
	frame := make([]byte, testPageSize)
	InitPageHeader(frame, id, common.FIL_PAGE_INDEX)
	for i := common.PAGE_DATA; i < common.PAGE_DATA+200; i++ {
		frame[i] = fill
	}
	return frame
}

func TestChecksumStamp(t *testing.T) {
	id := common.NewPageID(5, 9)
	frame := indexFrame(id, 0xAB)
	PrepareForWrite(frame, 0x1122334455)
	assert.True(t, VerifyChecksum(frame))
	assert.Equal(t, common.LSNT(0x1122334455), PageLSN(frame))
	assert.Equal(t, uint32(0x22334455), util.MachRead4(frame, testPageSize-4))

	frame[common.PAGE_DATA+1] ^= 0xFF
	assert.False(t, VerifyChecksum(frame))

	assert.True(t, VerifyChecksum(make([]byte, testPageSize)))
}

func TestReadWriteRoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionSnappy, CompressionLZ4} {
		t.Run(c.String(), func(t *testing.T) {
			sys := newTestSystem(t)
			_, err := sys.CreateSpace(7, "t1", PurposeTablespace, c)
			require.NoError(t, err)

			id := common.NewPageID(7, 42)
			frame := indexFrame(id, 0x5A)
			PrepareForWrite(frame, 100)
			require.NoError(t, sys.WritePage(id, frame))

			got := make([]byte, testPageSize)
			require.NoError(t, sys.ReadPage(id, got))
			assert.Equal(t, frame, got)
			assert.Equal(t, common.FIL_PAGE_INDEX, PageType(got))
		})
	}
}

func TestReadNeverWrittenPage(t *testing.T) {
	sys := newTestSystem(t)
	_, err := sys.CreateSpace(3, "", PurposeTablespace, CompressionNone)
	require.NoError(t, err)

	got := make([]byte, testPageSize)
	require.NoError(t, sys.ReadPage(common.NewPageID(3, 10), got))
	assert.True(t, util.IsZero(got))

	err = sys.ReadPage(common.NewPageID(3, 100000), got)
	assert.True(t, errors.Is(err, ErrPageOutOfRange))
}

func TestAsyncIO(t *testing.T) {
	sys := newTestSystem(t)
	_, err := sys.CreateSpace(1, "async", PurposeTablespace, CompressionNone)
	require.NoError(t, err)

	done := make(chan error, 8)
	for i := uint32(8); i < 16; i++ {
		id := common.NewPageID(1, i)
		frame := indexFrame(id, byte(i))
		PrepareForWrite(frame, common.LSNT(i))
		sys.WritePageAsync(id, frame, func(err error) { done <- err })
	}
	sys.WaitIO()
	for i := 0; i < 8; i++ {
		assert.NoError(t, <-done)
	}

	got := make([]byte, testPageSize)
	read := make(chan error, 1)
	sys.ReadPageAsync(common.NewPageID(1, 12), got, func(err error) { read <- err })
	require.NoError(t, <-read)
	assert.Equal(t, common.LSNT(12), PageLSN(got))
}

func TestAllocFree(t *testing.T) {
	sys := newTestSystem(t)
	_, err := sys.CreateSpace(2, "alloc", PurposeTablespace, CompressionNone)
	require.NoError(t, err)

	first, err := sys.AllocPage(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(common.FSP_FIRST_FREE_PAGE_NO), first)
	second, err := sys.AllocPage(2)
	require.NoError(t, err)
	assert.Equal(t, first+1, second)

	require.NoError(t, sys.FreePage(2, first))
	assert.Error(t, sys.FreePage(2, first))
	again, err := sys.AllocPage(2)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// reserved pages are never handed out
	assert.Error(t, sys.FreePage(2, 1))

	require.NoError(t, sys.Extend(2, 200))
	size, err := sys.Size(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(200), size)
}

func TestAllocSkipsBitmapPages(t *testing.T) {
	sys := newTestSystem(t)
	sp, err := sys.CreateSpace(4, "big", PurposeTablespace, CompressionNone)
	require.NoError(t, err)
	sp.mu.Lock()
	sp.freeLimit = testPageSize - 1
	sp.mu.Unlock()

	p1, err := sys.AllocPage(4)
	require.NoError(t, err)
	p2, err := sys.AllocPage(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(testPageSize-1), p1)
	// page_size and page_size+1 hold the extent descriptor and ibuf bitmap
	assert.Equal(t, uint32(testPageSize+2), p2)
}

func TestHeaderPersists(t *testing.T) {
	dir := t.TempDir()
	sys, err := NewSystem(dir, testPageSize, 1)
	require.NoError(t, err)
	_, err = sys.CreateSpace(9, "persist", PurposeTablespace, CompressionNone)
	require.NoError(t, err)
	p, err := sys.AllocPage(9)
	require.NoError(t, err)
	_, err = sys.AllocPage(9)
	require.NoError(t, err)
	require.NoError(t, sys.FreePage(9, p))
	require.NoError(t, sys.Close())

	sys2, err := NewSystem(dir, testPageSize, 1)
	require.NoError(t, err)
	defer sys2.Close()
	_, err = sys2.CreateSpace(9, "persist", PurposeTablespace, CompressionNone)
	require.NoError(t, err)
	again, err := sys2.AllocPage(9)
	require.NoError(t, err)
	assert.Equal(t, p, again)
}

func TestDropSpace(t *testing.T) {
	sys := newTestSystem(t)
	_, err := sys.CreateSpace(11, "drop", PurposeTemporary, CompressionNone)
	require.NoError(t, err)
	assert.True(t, sys.IsTemporary(11))

	require.NoError(t, sys.DropSpace(11))
	assert.True(t, sys.IsDropped(11))
	assert.False(t, sys.Exists(11))

	err = sys.WritePage(common.NewPageID(11, 8), make([]byte, testPageSize))
	assert.True(t, errors.Is(err, ErrTablespaceDeleted))
	assert.Error(t, sys.DropSpace(common.SYSTEM_SPACE_ID))
}

func TestDecompressCorrupt(t *testing.T) {
	frame := make([]byte, testPageSize)
	SetPageType(frame, common.FIL_PAGE_COMPRESSED)
	util.MachWrite1(frame, compAlgo, 9)
	err := decompressFrame(frame)
	assert.Equal(t, ErrPageCorrupted, jerrors.Cause(err))
}
