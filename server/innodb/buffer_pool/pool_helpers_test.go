package buffer_pool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/fil"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/mtr"
)

const testSpace = 5

// fakeLog 可以直接设置位置的redo
type fakeLog struct {
	current    atomic.Uint64
	flushed    atomic.Uint64
	checkpoint atomic.Uint64
	writeUpTo  atomic.Uint64

	capacity common.LSNT
	maxAsync common.LSNT
	slack    common.LSNT
}

func newFakeLog() *fakeLog {
	l := &fakeLog{capacity: 1000000, maxAsync: 700000, slack: 1 << 20}
	l.current.Store(1000)
	return l
}

func (l *fakeLog) CurrentLSN() common.LSNT             { return common.LSNT(l.current.Load()) }
func (l *fakeLog) FlushedToDiskLSN() common.LSNT       { return common.LSNT(l.flushed.Load()) }
func (l *fakeLog) DirtyPagesAddedUpToLSN() common.LSNT { return l.CurrentLSN() }
func (l *fakeLog) RecentClosedCapacity() common.LSNT   { return l.slack }
func (l *fakeLog) LastCheckpointLSN() common.LSNT      { return common.LSNT(l.checkpoint.Load()) }
func (l *fakeLog) Capacity() common.LSNT               { return l.capacity }
func (l *fakeLog) MaxModifiedAgeAsync() common.LSNT    { return l.maxAsync }
func (l *fakeLog) IsRecovery() bool                    { return false }

func (l *fakeLog) WriteUpTo(lsn common.LSNT, flush bool) error {
	for {
		cur := l.writeUpTo.Load()
		if uint64(lsn) <= cur || l.writeUpTo.CompareAndSwap(cur, uint64(lsn)) {
			return nil
		}
	}
}

func (l *fakeLog) setCurrent(lsn common.LSNT) {
	l.current.Store(uint64(lsn))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PageSize = common.UNIV_PAGE_SIZE_MIN
	cfg.PagesPerInstance = 64
	cfg.LRUMinLen = 8
	cfg.LRUOldMinLen = 32
	cfg.LRUScanDepth = 16
	cfg.FlushNeighbors = 0
	cfg.WatchSize = 4
	return cfg
}

type testEnv struct {
	pool *Pool
	sys  *fil.System
	log  *fakeLog
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	sys, err := fil.NewSystem(t.TempDir(), cfg.PageSize, 2)
	require.NoError(t, err)
	t.Cleanup(func() { sys.Close() })
	_, err = sys.CreateSpace(testSpace, "t1", fil.PurposeTablespace, fil.CompressionNone)
	require.NoError(t, err)
	require.NoError(t, sys.Extend(testSpace, 256))

	redo := newFakeLog()
	pool, err := NewPool(cfg, sys, redo)
	require.NoError(t, err)
	return &testEnv{pool: pool, sys: sys, log: redo}
}

func pageID(n uint32) common.PageID {
	return common.NewPageID(testSpace, n)
}

// create 新建页面后释放
func (e *testEnv) create(t *testing.T, n uint32) {
	t.Helper()
	p, err := e.pool.CreatePage(pageID(n), common.FIL_PAGE_INDEX, nil)
	require.NoError(t, err)
	e.pool.ReleasePage(p, mtr.RW_X_LATCH)
}

// dirty 在X锁下登记一次修改, 然后释放
func (e *testEnv) dirty(t *testing.T, n uint32, lsn common.LSNT) *Page {
	t.Helper()
	p := e.latchX(t, n)
	p.NoteModification(lsn, lsn+10, nil)
	e.pool.ReleasePage(p, mtr.RW_X_LATCH)
	return p
}

// latchX 取页面并持有X锁
func (e *testEnv) latchX(t *testing.T, n uint32) *Page {
	t.Helper()
	p, err := e.pool.GetPage(pageID(n), mtr.RW_X_LATCH, BUF_GET, nil)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func (e *testEnv) resident(n uint32) *Page {
	p, ok := e.pool.InstanceFor(pageID(n)).pageHash.Load(pageID(n))
	if !ok || isSentinel(p) {
		return nil
	}
	return p
}
