package ibuf

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-bufcore/logger"
	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/fil"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/latch"
	redo "github.com/zhukovaskychina/xmysql-bufcore/server/innodb/log"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/mtr"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/page"
	"github.com/zhukovaskychina/xmysql-bufcore/util"
)

var log = logger.Subsystem("ibuf")

// Op 缓存的操作类型, 数值写在记录的元数据中
type Op uint8

const (
	IBUF_OP_INSERT      Op = 0
	IBUF_OP_DELETE_MARK Op = 1
	IBUF_OP_DELETE      Op = 2
	IBUF_OP_COUNT          = 3
)

func (op Op) String() string {
	switch op {
	case IBUF_OP_INSERT:
		return "insert"
	case IBUF_OP_DELETE_MARK:
		return "delete mark"
	case IBUF_OP_DELETE:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// Use innodb_change_buffering
type Use int

const (
	IBUF_USE_NONE Use = iota
	IBUF_USE_INSERT
	IBUF_USE_DELETE_MARK
	IBUF_USE_INSERT_DELETE_MARK
	IBUF_USE_DELETE
	IBUF_USE_ALL
)

var useNames = []string{"none", "inserts", "deletes", "changes", "purges", "all"}

// ParseUse 解析 innodb_change_buffering
func ParseUse(s string) (Use, error) {
	for i, name := range useNames {
		if strings.EqualFold(s, name) {
			return Use(i), nil
		}
	}
	return IBUF_USE_NONE, errors.Errorf("invalid innodb_change_buffering value %q", s)
}

func (u Use) String() string {
	if int(u) < len(useNames) {
		return useNames[u]
	}
	return fmt.Sprintf("use(%d)", int(u))
}

// allows 该模式是否缓存 op
func (u Use) allows(op Op) bool {
	switch op {
	case IBUF_OP_INSERT:
		return u == IBUF_USE_INSERT || u == IBUF_USE_INSERT_DELETE_MARK || u == IBUF_USE_ALL
	case IBUF_OP_DELETE_MARK:
		return u != IBUF_USE_NONE && u != IBUF_USE_INSERT
	case IBUF_OP_DELETE:
		return u == IBUF_USE_DELETE || u == IBUF_USE_ALL
	}
	return false
}

const (
	// 变更缓冲超过上限多少页后插入时异步收缩, 同步收缩, 以及拒绝插入
	IBUF_CONTRACT_ON_INSERT_NON_SYNC = 0
	IBUF_CONTRACT_ON_INSERT_SYNC     = 5
	IBUF_CONTRACT_DO_NOT_INSERT      = 10

	// 一次合并涉及的最多页面
	IBUF_MAX_N_PAGES_MERGED = 8

	// innodb_force_recovery 达到此值后不再合并
	SRV_FORCE_NO_IBUF_MERGE = 4

	// IBUF_INDEX_ID 变更缓冲树的索引号
	IBUF_INDEX_ID uint64 = 0xFFFFFFFF00000000
)

// 变更缓冲头页中的段大小
const IBUF_HEADER_SEG_SIZE = common.PAGE_DATA

// Config 变更缓冲配置
type Config struct {
	Use Use
	// 占缓冲池的最大百分比
	MaxSizePct int
	// 合并区域与阈值, 经验值
	MergeArea      uint32
	MergeThreshold int
	ForceRecovery  int
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Use:            IBUF_USE_ALL,
		MaxSizePct:     25,
		MergeArea:      8,
		MergeThreshold: 4,
	}
}

// ChangeBuffer 变更缓冲: 目标页面不在缓冲池时把二级索引修改记录在系统表空间的一棵树上,
// 页面读入时合并.
//
// 锁序: pessInsertMu -> 头页 -> mu -> tree -> 树页面 -> 位图页.
// 合并时被io-fix的用户页面按树页面对待
type ChangeBuffer struct {
	cfg      Config
	pool     *buffer_pool.Pool
	sys      *fil.System
	redo     *redo.Log
	pageSize int

	pessInsertMu sync.Mutex
	// mu 保护空闲链表与下面的大小信息
	mu   sync.Mutex
	tree sync.RWMutex

	size        int
	segSize     int
	freeListLen int
	height      int
	maxSize     int
	empty       atomic.Bool
	treeHeight  atomic.Int32

	nMerges       atomic.Int64
	nMergedOps    [IBUF_OP_COUNT]atomic.Int64
	nDiscardedOps [IBUF_OP_COUNT]atomic.Int64

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// Open 打开(首次时创建)系统表空间中的变更缓冲树, 并挂到缓冲池的读完成路径上
func Open(cfg Config, pool *buffer_pool.Pool, sys *fil.System, redoLog *redo.Log) (*ChangeBuffer, error) {
	if cfg.MergeArea == 0 {
		cfg.MergeArea = 8
	}
	if cfg.MergeThreshold < 2 {
		cfg.MergeThreshold = 4
	}
	if cfg.MaxSizePct <= 0 || cfg.MaxSizePct > 50 {
		return nil, errors.Errorf("innodb_change_buffer_max_size %d out of range 1..50", cfg.MaxSizePct)
	}
	if !sys.Exists(common.IBUF_SPACE_ID) {
		return nil, errors.Wrapf(fil.ErrSpaceNotFound, "system tablespace")
	}
	cb := &ChangeBuffer{
		cfg:      cfg,
		pool:     pool,
		sys:      sys,
		redo:     redoLog,
		pageSize: sys.PageSize(),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	cb.maxSize = pool.CurrSize() * cfg.MaxSizePct / 100
	pool.SetLatchLevelFunc(cb.latchLevel)
	if err := cb.initTree(); err != nil {
		return nil, err
	}
	pool.SetMergeHook(cb)
	log.Infof("change buffer opened: %s, buffering %s, max size %d pages",
		cb.Stats().Summary(), cfg.Use, cb.maxSize)
	return cb, nil
}

// Close 从缓冲池摘除合并回调
func (cb *ChangeBuffer) Close() {
	cb.pool.SetMergeHook(nil)
	log.Infof("change buffer closed: %s", cb.Stats().Summary())
}

// SetUse 运行时修改 innodb_change_buffering
func (cb *ChangeBuffer) SetUse(u Use) {
	cb.mu.Lock()
	cb.cfg.Use = u
	cb.mu.Unlock()
}

func (cb *ChangeBuffer) use() Use {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.cfg.Use
}

func headerID() common.PageID {
	return common.NewPageID(common.IBUF_SPACE_ID, common.FSP_IBUF_HEADER_PAGE_NO)
}

func rootID() common.PageID {
	return common.NewPageID(common.IBUF_SPACE_ID, common.FSP_IBUF_TREE_ROOT_PAGE_NO)
}

// latchLevel 变更缓冲自己的页面使用更高的锁层级. 系统表空间只存放变更缓冲
func (cb *ChangeBuffer) latchLevel(id common.PageID) latch.Level {
	switch {
	case isBitmapPage(id.PageNo, cb.pageSize):
		return latch.LevelIbufBitmap
	case id.Space != common.IBUF_SPACE_ID:
		return latch.LevelTreeNode
	case id.PageNo == common.FSP_IBUF_HEADER_PAGE_NO:
		return latch.LevelIbufHeader
	}
	return latch.LevelIbufTreeNode
}

// initTree 读取头页与根页; 新建的系统表空间上先创建它们
func (cb *ChangeBuffer) initTree() error {
	m := mtr.Start(cb.redo, mtr.LogAll)
	hdr, err := cb.pool.GetPage(headerID(), mtr.RW_X_LATCH, buffer_pool.BUF_GET, m)
	if err != nil {
		m.Commit()
		return errors.Wrap(err, "read change buffer header")
	}
	m.LockMutex(latch.LevelIbufMutex, &cb.mu)
	var root *buffer_pool.Page
	if fil.PageType(hdr.Frame()) != common.FIL_PAGE_TYPE_SYS {
		fil.InitPageHeader(hdr.Frame(), headerID(), common.FIL_PAGE_TYPE_SYS)
		// 头页与根页
		cb.segSize = 2
		util.MachWrite4(hdr.Frame(), IBUF_HEADER_SEG_SIZE, uint32(cb.segSize))
		m.SetModified(hdr, mtr.MLOG_PAGE_CREATE, nil)

		root, err = cb.pool.CreatePage(rootID(), common.FIL_PAGE_INDEX, m)
		if err != nil {
			m.Commit()
			return errors.Wrap(err, "create change buffer root")
		}
		pg := page.Create(root.Frame(), rootID(), IBUF_INDEX_ID, 0)
		setFreeList(pg, 0, common.FIL_NULL)
		m.SetModified(root, mtr.MLOG_PAGE_CREATE, nil)
		log.Infof("created change buffer tree in the system tablespace")
	} else {
		cb.segSize = int(util.MachRead4(hdr.Frame(), IBUF_HEADER_SEG_SIZE))
		root, err = cb.pool.GetPage(rootID(), mtr.RW_S_LATCH, buffer_pool.BUF_GET, m)
		if err != nil {
			m.Commit()
			return errors.Wrap(err, "read change buffer root")
		}
	}
	cb.sizeUpdateLocked(page.Wrap(root.Frame()))
	m.Commit()
	return nil
}

// sizeUpdateLocked 按根页重新计算大小, 调用者持有 mu
func (cb *ChangeBuffer) sizeUpdateLocked(root page.IndexPage) {
	cb.freeListLen = int(freeListLen(root))
	cb.height = int(root.Level()) + 1
	cb.treeHeight.Store(int32(cb.height))
	// 段中除头页外都是树页面或空闲页
	cb.size = cb.segSize - (1 + cb.freeListLen)
	cb.empty.Store(root.IsEmpty())
	metrics.SetGauge([]string{"bufcore", "ibuf", "size"}, float32(cb.size))
}

// enoughFreeForInsertLocked 悲观插入前空闲页是否足够
func (cb *ChangeBuffer) enoughFreeForInsertLocked() bool {
	return cb.freeListLen >= cb.size/2+3*cb.height
}

// tooMuchFreeLocked 空闲页是否多到需要归还给表空间
func (cb *ChangeBuffer) tooMuchFreeLocked() bool {
	return cb.freeListLen >= 3+cb.size/2+3*cb.height
}

// Size 树的页数
func (cb *ChangeBuffer) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

// MaxSize 树的页数上限
func (cb *ChangeBuffer) MaxSize() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.maxSize
}

// SetMaxSizePct 运行时修改 innodb_change_buffer_max_size
func (cb *ChangeBuffer) SetMaxSizePct(pct int) {
	cb.mu.Lock()
	cb.cfg.MaxSizePct = pct
	cb.maxSize = cb.pool.CurrSize() * pct / 100
	cb.mu.Unlock()
}

// IsEmpty 树中没有记录
func (cb *ChangeBuffer) IsEmpty() bool {
	return cb.empty.Load()
}

func (cb *ChangeBuffer) random(n int) int {
	cb.rndMu.Lock()
	defer cb.rndMu.Unlock()
	return cb.rnd.Intn(n)
}

func (cb *ChangeBuffer) addOps(counters *[IBUF_OP_COUNT]atomic.Int64, ops [IBUF_OP_COUNT]int, name string) {
	for i, n := range ops {
		if n == 0 {
			continue
		}
		counters[i].Add(int64(n))
		metrics.IncrCounter([]string{"bufcore", "ibuf", name, strings.ReplaceAll(Op(i).String(), " ", "_")}, float32(n))
	}
}

// Stats 变更缓冲状态
type Stats struct {
	Size         int
	FreeListLen  int
	SegSize      int
	Height       int
	MaxSize      int
	PageSize     int
	Empty        bool
	Merges       int64
	MergedOps    [IBUF_OP_COUNT]int64
	DiscardedOps [IBUF_OP_COUNT]int64
}

func (cb *ChangeBuffer) Stats() Stats {
	cb.mu.Lock()
	st := Stats{
		Size:        cb.size,
		FreeListLen: cb.freeListLen,
		SegSize:     cb.segSize,
		Height:      cb.height,
		MaxSize:     cb.maxSize,
		PageSize:    cb.pageSize,
		Empty:       cb.empty.Load(),
	}
	cb.mu.Unlock()
	st.Merges = cb.nMerges.Load()
	for i := 0; i < IBUF_OP_COUNT; i++ {
		st.MergedOps[i] = cb.nMergedOps[i].Load()
		st.DiscardedOps[i] = cb.nDiscardedOps[i].Load()
	}
	return st
}

// Summary 一行摘要
func (st Stats) Summary() string {
	return fmt.Sprintf("size %d (%s), free list len %d, seg size %d, height %d, %d merges",
		st.Size, humanize.IBytes(uint64(st.Size*st.PageSize)), st.FreeListLen, st.SegSize, st.Height, st.Merges)
}

// String 与 SHOW ENGINE INNODB STATUS 相同的格式
func (st Stats) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Ibuf: size %d, free list len %d, seg size %d, %d merges\n",
		st.Size, st.FreeListLen, st.SegSize, st.Merges)
	fmt.Fprintf(&sb, "merged operations:\n insert %d, delete mark %d, delete %d\n",
		st.MergedOps[IBUF_OP_INSERT], st.MergedOps[IBUF_OP_DELETE_MARK], st.MergedOps[IBUF_OP_DELETE])
	fmt.Fprintf(&sb, "discarded operations:\n insert %d, delete mark %d, delete %d\n",
		st.DiscardedOps[IBUF_OP_INSERT], st.DiscardedOps[IBUF_OP_DELETE_MARK], st.DiscardedOps[IBUF_OP_DELETE])
	return sb.String()
}
