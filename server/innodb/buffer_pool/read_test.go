package buffer_pool

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/fil"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/mtr"
)

type recordingHook struct {
	mu     sync.Mutex
	ids    []common.PageID
	nilIDs []common.PageID
	ioFix  []IOFix
}

func (h *recordingHook) MergeOrDeleteForPage(page *Page, id common.PageID, updateBitmap bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if page == nil {
		h.nilIDs = append(h.nilIDs, id)
		return
	}
	h.ids = append(h.ids, id)
	h.ioFix = append(h.ioFix, page.IOFix())
}

func writeDiskPage(t *testing.T, e *testEnv, n uint32, fill byte) {
	t.Helper()
	frame := make([]byte, e.pool.cfg.PageSize)
	fil.InitPageHeader(frame, pageID(n), common.FIL_PAGE_INDEX)
	frame[common.PAGE_DATA] = fill
	fil.PrepareForWrite(frame, 50)
	require.NoError(t, e.sys.WritePage(pageID(n), frame))
}

func TestGetPageReadsMissingPage(t *testing.T) {
	e := newTestEnv(t, testConfig())
	writeDiskPage(t, e, 20, 0x33)

	m := mtr.Start(nil, mtr.LogNone)
	p, err := e.pool.GetPage(pageID(20), mtr.RW_S_LATCH, BUF_GET, m)
	require.NoError(t, err)
	assert.Equal(t, byte(0x33), p.Frame()[common.PAGE_DATA])
	assert.Equal(t, BUF_BLOCK_FILE_PAGE, p.State())
	assert.Equal(t, BUF_IO_NONE, p.IOFix())
	assert.True(t, m.MemoContains(p, mtr.RW_S_LATCH))
	m.Commit()
	assert.Zero(t, p.BufFixCount())

	p2, err := e.pool.GetPage(pageID(20), mtr.RW_X_LATCH, BUF_GET, nil)
	require.NoError(t, err)
	assert.Same(t, p, p2)
	e.pool.ReleasePage(p2, mtr.RW_X_LATCH)

	st := e.pool.Stats().Snapshot()
	assert.Equal(t, int64(1), st.PageHits)
	assert.Equal(t, int64(1), st.PageMisses)
	assert.Equal(t, int64(1), st.PageReads)
	assert.Zero(t, e.pool.PendingReads())
}

func TestGetPageIfInPool(t *testing.T) {
	e := newTestEnv(t, testConfig())
	p, err := e.pool.GetPage(pageID(20), mtr.RW_S_LATCH, BUF_GET_IF_IN_POOL, nil)
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.False(t, e.pool.IsResident(pageID(20)))

	e.create(t, 20)
	p, err = e.pool.GetPage(pageID(20), mtr.BUF_FIX, BUF_GET_IF_IN_POOL, nil)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int32(1), p.BufFixCount())
	e.pool.ReleasePage(p, mtr.BUF_FIX)
}

func TestWatchInheritsFix(t *testing.T) {
	e := newTestEnv(t, testConfig())
	id := pageID(30)

	p, err := e.pool.GetPage(id, mtr.RW_S_LATCH, BUF_GET_IF_IN_POOL_OR_WATCH, nil)
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.False(t, e.pool.WatchOccurred(id))
	assert.False(t, e.pool.IsResident(id))

	p, err = e.pool.GetPage(id, mtr.RW_S_LATCH, BUF_GET, nil)
	require.NoError(t, err)
	assert.True(t, e.pool.WatchOccurred(id))
	e.pool.ReleasePage(p, mtr.RW_S_LATCH)
	// 读入的页面继承了监视者的引用
	assert.Equal(t, int32(1), p.BufFixCount())

	e.pool.WatchUnset(id)
	assert.Zero(t, p.BufFixCount())

	// 页面已在池中时不设置监视
	resident, err := e.pool.WatchSet(id)
	require.NoError(t, err)
	assert.True(t, resident)
}

func TestWatchSentinels(t *testing.T) {
	e := newTestEnv(t, testConfig())
	for n := uint32(40); n < 44; n++ {
		resident, err := e.pool.WatchSet(pageID(n))
		require.NoError(t, err)
		require.False(t, resident)
	}
	// 同一页面共用哨兵
	_, err := e.pool.WatchSet(pageID(40))
	require.NoError(t, err)

	_, err = e.pool.WatchSet(pageID(50))
	assert.True(t, errors.Is(err, ErrNoWatchSlot))

	e.pool.WatchUnset(pageID(40))
	_, err = e.pool.WatchSet(pageID(50))
	assert.True(t, errors.Is(err, ErrNoWatchSlot))

	e.pool.WatchUnset(pageID(40))
	_, err = e.pool.WatchSet(pageID(50))
	assert.NoError(t, err)
	assert.False(t, e.pool.WatchOccurred(pageID(50)))
}

func TestWatchSetOnResidentPageInstallsNothing(t *testing.T) {
	e := newTestEnv(t, testConfig())
	e.create(t, 45)
	p := e.resident(45)
	require.NotNil(t, p)
	fix := p.BufFixCount()

	resident, err := e.pool.WatchSet(pageID(45))
	require.NoError(t, err)
	assert.True(t, resident)
	assert.Same(t, p, e.resident(45))
	assert.Equal(t, fix, p.BufFixCount())
	// 没有占用哨兵
	for n := uint32(60); n < 64; n++ {
		_, err := e.pool.WatchSet(pageID(n))
		require.NoError(t, err)
	}
}

func TestReadFailureFreesBlock(t *testing.T) {
	e := newTestEnv(t, testConfig())
	inst := e.pool.instances[0]
	free := inst.FreeLen()

	p, err := e.pool.GetPage(pageID(1000), mtr.RW_S_LATCH, BUF_GET, nil)
	assert.Nil(t, p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fil.ErrPageOutOfRange))

	assert.False(t, e.pool.IsResident(pageID(1000)))
	assert.Equal(t, free, inst.FreeLen())
	assert.Zero(t, inst.LRULen())
	assert.Zero(t, e.pool.PendingReads())
	require.NoError(t, e.pool.Validate())
}

func TestCorruptPageReadDiscardsBlock(t *testing.T) {
	e := newTestEnv(t, testConfig())
	inst := e.pool.instances[0]
	free := inst.FreeLen()

	frame := make([]byte, e.pool.cfg.PageSize)
	fil.InitPageHeader(frame, pageID(30), common.FIL_PAGE_INDEX)
	fil.PrepareForWrite(frame, 50)
	frame[common.PAGE_DATA] ^= 0xFF
	require.NoError(t, e.sys.WritePage(pageID(30), frame))

	p, err := e.pool.GetPage(pageID(30), mtr.RW_S_LATCH, BUF_GET, nil)
	assert.Nil(t, p)
	require.Error(t, err)
	assert.True(t, IsCorrupted(err))
	assert.False(t, IsBufferPoolFull(err))
	assert.Equal(t, int64(1), e.pool.Stats().Snapshot().CorruptReads)
	assert.False(t, e.pool.IsResident(pageID(30)))
	assert.Equal(t, free, inst.FreeLen())
}

func TestMergeHookRunsBeforeIOFixCleared(t *testing.T) {
	e := newTestEnv(t, testConfig())
	hook := &recordingHook{}
	e.pool.SetMergeHook(hook)
	writeDiskPage(t, e, 20, 1)

	done := make(chan error, 1)
	require.NoError(t, e.pool.ReadPageBackground(pageID(20), func(err error) { done <- err }))
	require.NoError(t, <-done)

	hook.mu.Lock()
	assert.Equal(t, []common.PageID{pageID(20)}, hook.ids)
	assert.Equal(t, []IOFix{BUF_IO_READ}, hook.ioFix)
	hook.mu.Unlock()
	assert.True(t, e.pool.IsResident(pageID(20)))

	// 已在池中, 不再读
	require.NoError(t, e.pool.ReadPageBackground(pageID(20), func(err error) { done <- err }))
	require.NoError(t, <-done)
	assert.Equal(t, int64(1), e.pool.Stats().Snapshot().PageReads)
}

func TestCreatePage(t *testing.T) {
	e := newTestEnv(t, testConfig())
	hook := &recordingHook{}
	e.pool.SetMergeHook(hook)

	m := mtr.Start(nil, mtr.LogNone)
	p, err := e.pool.CreatePage(pageID(25), common.FIL_PAGE_INDEX, m)
	require.NoError(t, err)
	assert.Equal(t, common.FIL_PAGE_INDEX, fil.PageType(p.Frame()))
	assert.True(t, m.MemoContains(p, mtr.RW_X_LATCH))
	m.Commit()

	// 新建页面只删除缓存的记录
	assert.Equal(t, []common.PageID{pageID(25)}, hook.nilIDs)
	assert.Empty(t, hook.ids)
	assert.Zero(t, e.pool.Stats().Snapshot().PageReads)
	assert.Zero(t, p.BufFixCount())
}

func TestReadMergePages(t *testing.T) {
	e := newTestEnv(t, testConfig())
	hook := &recordingHook{}
	e.pool.SetMergeHook(hook)
	writeDiskPage(t, e, 20, 1)
	writeDiskPage(t, e, 21, 2)

	var discarded []uint32
	ids := []common.PageID{
		pageID(20),
		common.NewPageID(99, 3),
		common.NewPageID(99, 4),
		pageID(21),
	}
	n, err := e.pool.ReadMergePages(ids, true, func(space uint32) {
		discarded = append(discarded, space)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint32{99}, discarded)
	assert.True(t, e.pool.IsResident(pageID(20)))
	assert.True(t, e.pool.IsResident(pageID(21)))

	hook.mu.Lock()
	assert.ElementsMatch(t, []common.PageID{pageID(20), pageID(21)}, hook.ids)
	hook.mu.Unlock()
}
