package engine

import (
	"testing"

	"github.com/pelletier/go-toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/conf"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/ibuf"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/mtr"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/page"
)

const userSpace = 5

func testCfg(dir string) *conf.Cfg {
	cfg := conf.NewCfg()
	cfg.DataHomeDir = dir
	cfg.PageSize = common.UNIV_PAGE_SIZE_MIN
	cfg.BufferPoolSize = int64(256 * cfg.PageSize)
	cfg.BufferPoolInstances = 1
	cfg.PageCleaners = 1
	cfg.LRUMinLen = 64
	cfg.LogFileSize = 4 << 20
	cfg.LogRecentClosedSize = 4 << 10
	cfg.LogBufferSize = 64 << 10
	return cfg
}

func openEngine(t *testing.T, cfg *conf.Cfg) *XMySQLEngine {
	t.Helper()
	e, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		if !e.closed.Load() {
			e.Close()
		}
	})
	return e
}

func testIndex() *page.Index {
	return page.NewIndex(200, "idx_k", userSpace,
		page.Column{Name: "k", Type: page.FieldInt, NotNull: true},
		page.Column{Name: "name", Type: page.FieldVarchar})
}

func entry(k int32, name string) page.Tuple {
	return page.Tuple{page.IntField(k), page.VarcharField(name)}
}

// prepareLeaf 建表空间和一个叶子页, 插入 rows 后关闭, 重新打开时页面不在缓冲池中
func prepareLeaf(t *testing.T, cfg *conf.Cfg, rows ...page.Tuple) common.PageID {
	t.Helper()
	e := openEngine(t, cfg)
	require.NoError(t, e.CreateTablespace(userSpace, "t1", false))
	idx := testIndex()
	id, err := e.CreateIndexPage(idx)
	require.NoError(t, err)
	for _, r := range rows {
		require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_INSERT, idx, r, id))
	}
	require.NoError(t, e.Close())
	return id
}

func reopen(t *testing.T, cfg *conf.Cfg) *XMySQLEngine {
	t.Helper()
	e := openEngine(t, cfg)
	require.NoError(t, e.CreateTablespace(userSpace, "t1", false))
	return e
}

func TestOpenClose(t *testing.T) {
	cfg := testCfg(t.TempDir())
	e, err := Open(cfg)
	require.NoError(t, err)
	assert.True(t, e.PageCleaner().IsRunning())
	assert.True(t, e.ChangeBuffer().IsEmpty())
	assert.Equal(t, 256, e.Pool().CurrSize())

	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Close(), ErrClosed)
	_, err = e.Status()
	assert.ErrorIs(t, err, ErrClosed)

	// 关闭后可以再次打开同一目录
	e = openEngine(t, cfg)
	assert.True(t, e.ChangeBuffer().IsEmpty())
}

func TestOpenRejectsLockedDataDir(t *testing.T) {
	cfg := testCfg(t.TempDir())
	openEngine(t, cfg)

	_, err := Open(cfg)
	assert.ErrorIs(t, err, ErrDataDirInUse)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	cfg := testCfg(t.TempDir())
	cfg.ChangeBuffering = "sometimes"
	_, err := Open(cfg)
	assert.Error(t, err)
}

func TestChangeBufferMaxSizeZeroDisablesBuffering(t *testing.T) {
	cfg := testCfg(t.TempDir())
	cfg.ChangeBufferMaxSize = 0
	icfg, err := changeBufferConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, ibuf.IBUF_USE_NONE, icfg.Use)
}

func TestBufferPoolConfig(t *testing.T) {
	cfg := testCfg(t.TempDir())
	cfg.BufferPoolSize = int64(4096 * cfg.PageSize)
	cfg.BufferPoolInstances = 4
	pcfg := bufferPoolConfig(cfg)
	assert.Equal(t, 1024, pcfg.PagesPerInstance)
	assert.Equal(t, 256, pcfg.LRUOldMinLen)
	assert.Equal(t, cfg.PageSize, pcfg.PageSize)
}

func TestSecondaryIndexOpOnResidentPage(t *testing.T) {
	e := openEngine(t, testCfg(t.TempDir()))
	require.NoError(t, e.CreateTablespace(userSpace, "t1", false))
	idx := testIndex()
	id, err := e.CreateIndexPage(idx)
	require.NoError(t, err)

	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_INSERT, idx, entry(2, "b"), id))
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_INSERT, idx, entry(1, "a"), id))
	assert.ErrorIs(t, e.SecondaryIndexOp(ibuf.IBUF_OP_INSERT, idx, entry(1, "a"), id), ErrDuplicateKey)
	assert.True(t, e.ChangeBuffer().IsEmpty())

	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_DELETE_MARK, idx, entry(2, "b"), id))
	assert.ErrorIs(t, e.SecondaryIndexOp(ibuf.IBUF_OP_DELETE_MARK, idx, entry(3, "c"), id), ErrRecordNotFound)
	// 未标记删除的记录不能被 purge
	assert.Error(t, e.SecondaryIndexOp(ibuf.IBUF_OP_DELETE, idx, entry(1, "a"), id))

	tuples, deleted, err := e.ReadIndexPage(id)
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, []bool{false, true}, deleted)
	assert.Equal(t, int32(1), tuples[0][0].Int())

	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_DELETE, idx, entry(2, "b"), id))
	tuples, _, err = e.ReadIndexPage(id)
	require.NoError(t, err)
	assert.Len(t, tuples, 1)

	// 插入与已标记删除的记录相同的键会复用它
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_DELETE_MARK, idx, entry(1, "a"), id))
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_INSERT, idx, entry(1, "a"), id))
	tuples, deleted, err = e.ReadIndexPage(id)
	require.NoError(t, err)
	assert.Len(t, tuples, 1)
	assert.Equal(t, []bool{false}, deleted)
}

func TestPurgeOnResidentPageKeepsFixCount(t *testing.T) {
	cfg := testCfg(t.TempDir())
	e := openEngine(t, cfg)
	require.NoError(t, e.CreateTablespace(userSpace, "t1", false))
	idx := testIndex()
	id, err := e.CreateIndexPage(idx)
	require.NoError(t, err)
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_INSERT, idx, entry(1, "a"), id))
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_DELETE_MARK, idx, entry(1, "a"), id))

	fixCount := func() int32 {
		p, err := e.Pool().GetPage(id, mtr.BUF_FIX, buffer_pool.BUF_GET_IF_IN_POOL, nil)
		require.NoError(t, err)
		require.NotNil(t, p)
		defer e.Pool().ReleasePage(p, mtr.BUF_FIX)
		return p.BufFixCount()
	}
	fix := fixCount()
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_DELETE, idx, entry(1, "a"), id))
	assert.Equal(t, fix, fixCount())
	assert.True(t, e.ChangeBuffer().IsEmpty())

	tuples, _, err := e.ReadIndexPage(id)
	require.NoError(t, err)
	assert.Empty(t, tuples)
}

func TestSecondaryIndexOpRejectsMismatchedTuple(t *testing.T) {
	e := openEngine(t, testCfg(t.TempDir()))
	require.NoError(t, e.CreateTablespace(userSpace, "t1", false))
	idx := testIndex()
	id, err := e.CreateIndexPage(idx)
	require.NoError(t, err)

	err = e.SecondaryIndexOp(ibuf.IBUF_OP_INSERT, idx, page.Tuple{page.IntField(1)}, id)
	assert.ErrorIs(t, err, page.ErrTupleMismatch)
}

func TestBufferedInsertMergedOnRead(t *testing.T) {
	cfg := testCfg(t.TempDir())
	id := prepareLeaf(t, cfg, entry(1, "a"))

	e := reopen(t, cfg)
	idx := testIndex()
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_INSERT, idx, entry(5, "e"), id))
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_INSERT, idx, entry(3, "c"), id))
	assert.False(t, e.ChangeBuffer().IsEmpty())
	assert.False(t, e.Pool().IsResident(id))
	bits, err := e.ChangeBuffer().Bits(id)
	require.NoError(t, err)
	assert.True(t, bits.Buffered)

	tuples, deleted, err := e.ReadIndexPage(id)
	require.NoError(t, err)
	require.Len(t, tuples, 3)
	assert.Equal(t, []bool{false, false, false}, deleted)
	for i, k := range []int32{1, 3, 5} {
		assert.Equal(t, k, tuples[i][0].Int())
	}
	assert.True(t, e.ChangeBuffer().IsEmpty())
	bits, err = e.ChangeBuffer().Bits(id)
	require.NoError(t, err)
	assert.False(t, bits.Buffered)
	assert.Equal(t, int64(2), e.ChangeBuffer().Stats().MergedOps[ibuf.IBUF_OP_INSERT])
}

func TestBufferedDeleteMarkAndPurge(t *testing.T) {
	cfg := testCfg(t.TempDir())
	id := prepareLeaf(t, cfg, entry(1, "a"), entry(2, "b"), entry(3, "c"))

	e := reopen(t, cfg)
	idx := testIndex()
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_DELETE_MARK, idx, entry(2, "b"), id))
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_DELETE_MARK, idx, entry(3, "c"), id))
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_DELETE, idx, entry(2, "b"), id))
	assert.False(t, e.ChangeBuffer().IsEmpty())
	assert.False(t, e.Pool().IsResident(id))

	tuples, deleted, err := e.ReadIndexPage(id)
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, int32(1), tuples[0][0].Int())
	assert.Equal(t, int32(3), tuples[1][0].Int())
	assert.Equal(t, []bool{false, true}, deleted)
	assert.Equal(t, int64(1), e.ChangeBuffer().Stats().MergedOps[ibuf.IBUF_OP_DELETE])
}

func TestPurgeNotBufferedWhenPageWouldEmpty(t *testing.T) {
	cfg := testCfg(t.TempDir())
	id := prepareLeaf(t, cfg, entry(1, "a"))

	e := reopen(t, cfg)
	idx := testIndex()
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_DELETE_MARK, idx, entry(1, "a"), id))
	// 只知道一条记录时 purge 不缓冲, 读入页面直接删除
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_DELETE, idx, entry(1, "a"), id))
	assert.True(t, e.Pool().IsResident(id))
	assert.True(t, e.ChangeBuffer().IsEmpty())

	tuples, _, err := e.ReadIndexPage(id)
	require.NoError(t, err)
	assert.Empty(t, tuples)
}

func TestChangeBufferingNoneAppliesDirectly(t *testing.T) {
	cfg := testCfg(t.TempDir())
	id := prepareLeaf(t, cfg, entry(1, "a"))

	cfg.ChangeBuffering = conf.ChangeBufferingNone
	e := reopen(t, cfg)
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_INSERT, testIndex(), entry(2, "b"), id))
	assert.True(t, e.ChangeBuffer().IsEmpty())
	assert.True(t, e.Pool().IsResident(id))
}

func TestChangeBufferingDeletesBuffersOnlyDeleteMarks(t *testing.T) {
	cfg := testCfg(t.TempDir())
	id := prepareLeaf(t, cfg, entry(1, "a"), entry(2, "b"), entry(3, "c"))

	cfg.ChangeBuffering = conf.ChangeBufferingDeletes
	e := reopen(t, cfg)
	idx := testIndex()
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_DELETE_MARK, idx, entry(2, "b"), id))
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_DELETE_MARK, idx, entry(3, "c"), id))
	assert.False(t, e.Pool().IsResident(id))
	assert.False(t, e.ChangeBuffer().IsEmpty())

	// purge 不缓冲, 读入页面时先合并两个删除标记再删除
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_DELETE, idx, entry(2, "b"), id))
	assert.True(t, e.Pool().IsResident(id))
	assert.True(t, e.ChangeBuffer().IsEmpty())
	assert.Zero(t, e.ChangeBuffer().Stats().MergedOps[ibuf.IBUF_OP_DELETE])

	tuples, deleted, err := e.ReadIndexPage(id)
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, int32(3), tuples[1][0].Int())
	assert.Equal(t, []bool{false, true}, deleted)
}

func TestSlowShutdownMergesChangeBuffer(t *testing.T) {
	cfg := testCfg(t.TempDir())
	id := prepareLeaf(t, cfg, entry(1, "a"))

	cfg.FastShutdown = 0
	e := reopen(t, cfg)
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_INSERT, testIndex(), entry(2, "b"), id))
	require.False(t, e.ChangeBuffer().IsEmpty())
	require.NoError(t, e.Close())

	e = reopen(t, cfg)
	assert.True(t, e.ChangeBuffer().IsEmpty())
	tuples, _, err := e.ReadIndexPage(id)
	require.NoError(t, err)
	assert.Len(t, tuples, 2)
}

func TestFastShutdownKeepsChangeBuffer(t *testing.T) {
	cfg := testCfg(t.TempDir())
	id := prepareLeaf(t, cfg, entry(1, "a"))

	e := reopen(t, cfg)
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_INSERT, testIndex(), entry(2, "b"), id))
	require.NoError(t, e.Close())

	e = reopen(t, cfg)
	assert.False(t, e.ChangeBuffer().IsEmpty())
	tuples, _, err := e.ReadIndexPage(id)
	require.NoError(t, err)
	assert.Len(t, tuples, 2)
	assert.True(t, e.ChangeBuffer().IsEmpty())
}

func TestDropTablespaceDiscardsBufferedChanges(t *testing.T) {
	cfg := testCfg(t.TempDir())
	id := prepareLeaf(t, cfg, entry(1, "a"))

	e := reopen(t, cfg)
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_INSERT, testIndex(), entry(2, "b"), id))
	require.False(t, e.ChangeBuffer().IsEmpty())

	require.NoError(t, e.DropTablespace(userSpace))
	assert.True(t, e.ChangeBuffer().IsEmpty())
	_, _, err := e.ReadIndexPage(id)
	assert.Error(t, err)
}

func TestCreateTablespaceRejectsSystemSpace(t *testing.T) {
	e := openEngine(t, testCfg(t.TempDir()))
	assert.Error(t, e.CreateTablespace(common.SYSTEM_SPACE_ID, "sys", false))
}

func TestStatusTOML(t *testing.T) {
	e := openEngine(t, testCfg(t.TempDir()))
	require.NoError(t, e.CreateTablespace(userSpace, "t1", false))
	idx := testIndex()
	id, err := e.CreateIndexPage(idx)
	require.NoError(t, err)
	require.NoError(t, e.SecondaryIndexOp(ibuf.IBUF_OP_INSERT, idx, entry(1, "a"), id))

	st, err := e.Status()
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.BufferPool.Instances)
	assert.Greater(t, st.BufferPool.PageRequests, int64(0))
	assert.Greater(t, st.Log.CurrentLSN, int64(0))
	assert.Contains(t, st.String(), "change buffer: ")

	out, err := e.StatusTOML()
	require.NoError(t, err)
	tree, err := toml.LoadBytes([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, int64(256), tree.Get("buffer_pool.pages"))
	assert.Equal(t, true, tree.Get("page_cleaner.running"))
	assert.Equal(t, st.ChangeBuf.Summary, tree.Get("change_buffer.summary"))
	assert.True(t, tree.Has("log.checkpoint_lsn"))
}
