package buffer_pool

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-bufcore/logger"
	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/latch"
)

var log = logger.Subsystem("buffer_pool")

// ULINT_MAX 不限制页数的批次
const ULINT_MAX = math.MaxInt

// LogOracle redo日志位置查询
type LogOracle interface {
	CurrentLSN() common.LSNT
	FlushedToDiskLSN() common.LSNT
	DirtyPagesAddedUpToLSN() common.LSNT
	RecentClosedCapacity() common.LSNT
	LastCheckpointLSN() common.LSNT
	WriteUpTo(lsn common.LSNT, flush bool) error
	Capacity() common.LSNT
	MaxModifiedAgeAsync() common.LSNT
	IsRecovery() bool
}

// PageStore 表空间页面I/O
type PageStore interface {
	PageSize() int
	ReadPage(id common.PageID, frame []byte) error
	ReadPageAsync(id common.PageID, frame []byte, done func(error))
	WritePageAsync(id common.PageID, frame []byte, done func(error))
	Exists(space uint32) bool
	IsDropped(space uint32) bool
	IsTemporary(space uint32) bool
	Size(space uint32) (uint32, error)
}

// MergeHook 页面读入后合并变更缓冲.
// 调用时页面持有X锁且io-fix为READ; page为nil表示新建页面, 只删除缓存的记录
type MergeHook interface {
	MergeOrDeleteForPage(page *Page, id common.PageID, updateBitmap bool)
}

// Config 缓冲池配置
type Config struct {
	PageSize  int
	Instances int
	// 每个实例的页面数
	PagesPerInstance int

	PageCleaners        int
	IOCapacity          int
	IOCapacityMax       int
	MaxDirtyPagesPct    float64
	MaxDirtyPagesPctLwm float64
	AdaptiveFlushing    bool
	AdaptiveFlushingLwm int
	FlushingAvgLoops    int
	FlushNeighbors      int
	LRUScanDepth        int
	FlushSync           bool

	// LRU短于此长度时不做LRU刷新
	LRUMinLen int
	// LRU达到此长度后才维护old区, 也是邻居刷新的最小LRU长度
	LRUOldMinLen int
	// old区页面再次访问移到young区需要停留的时间
	OldBlocksTime time.Duration
	// 每个实例的监视哨兵数
	WatchSize int
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		PageSize:            common.UNIV_PAGE_SIZE,
		Instances:           1,
		PagesPerInstance:    8192,
		PageCleaners:        1,
		IOCapacity:          200,
		IOCapacityMax:       2000,
		MaxDirtyPagesPct:    90,
		MaxDirtyPagesPctLwm: 10,
		AdaptiveFlushing:    true,
		AdaptiveFlushingLwm: 10,
		FlushingAvgLoops:    30,
		FlushNeighbors:      1,
		LRUScanDepth:        1024,
		FlushSync:           true,
		LRUMinLen:           256,
		LRUOldMinLen:        512,
		OldBlocksTime:       time.Second,
		WatchSize:           32,
	}
}

func (c *Config) validate() error {
	switch {
	case c.PageSize < common.UNIV_PAGE_SIZE_MIN:
		return errors.Wrapf(ErrInvalidConfig, "page size %d", c.PageSize)
	case c.Instances < 1:
		return errors.Wrapf(ErrInvalidConfig, "%d instances", c.Instances)
	case c.PagesPerInstance < 16:
		return errors.Wrapf(ErrInvalidConfig, "%d pages per instance", c.PagesPerInstance)
	case c.IOCapacity < 1 || c.IOCapacityMax < c.IOCapacity:
		return errors.Wrapf(ErrInvalidConfig, "io capacity %d/%d", c.IOCapacity, c.IOCapacityMax)
	case c.MaxDirtyPagesPctLwm > c.MaxDirtyPagesPct:
		return errors.Wrapf(ErrInvalidConfig, "dirty pages lwm %.1f above max %.1f", c.MaxDirtyPagesPctLwm, c.MaxDirtyPagesPct)
	}
	if c.PageCleaners < 1 {
		c.PageCleaners = 1
	}
	if c.PageCleaners > c.Instances {
		c.PageCleaners = c.Instances
	}
	if c.FlushingAvgLoops < 1 {
		c.FlushingAvgLoops = 1
	}
	if c.WatchSize < 1 {
		c.WatchSize = 1
	}
	return nil
}

// PCT_IO io_capacity 的百分比换算成页数
func (c *Config) PCT_IO(pct float64) int {
	return int(float64(c.IOCapacity) * pct / 100.0)
}

// Pool 缓冲池: 按页号分布到多个实例
type Pool struct {
	cfg       Config
	store     PageStore
	log       LogOracle
	instances []*Instance
	stats     *BufferPoolStats

	hook    atomic.Pointer[MergeHook]
	levels  atomic.Pointer[func(common.PageID) latch.Level]
	cleaner atomic.Pointer[PageCleaner]

	// 用户活动计数, 页面清理线程据此判断是否空闲
	activity atomic.Int64
	// LRU批次刷出的页数, 自适应刷新据此扣减
	lruFlushed atomic.Int64
}

// NewPool 创建缓冲池
func NewPool(cfg Config, store PageStore, redo LogOracle) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if store.PageSize() != cfg.PageSize {
		return nil, errors.Wrapf(ErrInvalidConfig, "page store uses %d byte pages, pool %d", store.PageSize(), cfg.PageSize)
	}
	pool := &Pool{
		cfg:   cfg,
		store: store,
		log:   redo,
		stats: NewBufferPoolStats(),
	}
	pool.instances = make([]*Instance, cfg.Instances)
	for i := range pool.instances {
		pool.instances[i] = newInstance(pool, i, cfg.PagesPerInstance)
	}
	log.Infof("buffer pool initialized: %d instances, %s total",
		cfg.Instances, humanize.IBytes(uint64(cfg.Instances*cfg.PagesPerInstance*cfg.PageSize)))
	return pool, nil
}

func (pool *Pool) Config() Config {
	return pool.cfg
}

func (pool *Pool) Stats() *BufferPoolStats {
	return pool.stats
}

func (pool *Pool) Store() PageStore {
	return pool.store
}

// SetMergeHook 设置读入页面时的变更缓冲合并
func (pool *Pool) SetMergeHook(h MergeHook) {
	if h == nil {
		pool.hook.Store(nil)
		return
	}
	pool.hook.Store(&h)
}

func (pool *Pool) mergeHook() MergeHook {
	if h := pool.hook.Load(); h != nil {
		return *h
	}
	return nil
}

// SetLatchLevelFunc 按页号决定读入页面的锁层级, 变更缓冲用它区分自己的页面
func (pool *Pool) SetLatchLevelFunc(fn func(common.PageID) latch.Level) {
	if fn == nil {
		pool.levels.Store(nil)
		return
	}
	pool.levels.Store(&fn)
}

func (pool *Pool) latchLevelFor(id common.PageID) latch.Level {
	if fn := pool.levels.Load(); fn != nil {
		return (*fn)(id)
	}
	return latch.LevelTreeNode
}

// Instances 全部实例
func (pool *Pool) Instances() []*Instance {
	return pool.instances
}

// InstanceFor 页面所在实例, 同一预读区的页面在同一实例
func (pool *Pool) InstanceFor(id common.PageID) *Instance {
	return pool.instances[id.Fold()%uint64(len(pool.instances))]
}

// IncActivity 记录一次用户活动
func (pool *Pool) IncActivity() {
	pool.activity.Add(1)
}

func (pool *Pool) ActivityCount() int64 {
	return pool.activity.Load()
}

// CurrSize 全部实例的可用页面数
func (pool *Pool) CurrSize() int {
	n := 0
	for _, inst := range pool.instances {
		n += inst.CurrSize()
	}
	return n
}

// totalListLen LRU, 空闲链表, flush list 的长度之和
func (pool *Pool) totalListLen() (lru, free, flush int) {
	for _, inst := range pool.instances {
		inst.mu.Lock()
		lru += inst.lru.Len()
		free += len(inst.free)
		inst.mu.Unlock()
		flush += inst.flushList.Len()
	}
	return
}

// ModifiedRatioPct 脏页百分比
func (pool *Pool) ModifiedRatioPct() float64 {
	lru, free, flush := pool.totalListLen()
	return float64(100*flush) / float64(1+lru+free)
}

// NDirty 脏页数
func (pool *Pool) NDirty() int {
	n := 0
	for _, inst := range pool.instances {
		n += inst.flushList.Len()
	}
	return n
}

// OldestModification 所有实例中最老的脏页LSN, 跳过临时表空间, 没有脏页返回0
func (pool *Pool) OldestModification() common.LSNT {
	var oldest common.LSNT
	for _, inst := range pool.instances {
		lsn := inst.oldestLogged()
		if lsn != 0 && (oldest == 0 || lsn < oldest) {
			oldest = lsn
		}
	}
	return oldest
}

// OldestModificationLWM 检查点可用的下界: flush list 只是近似有序
func (pool *Pool) OldestModificationLWM() common.LSNT {
	oldest := pool.OldestModification()
	if oldest == 0 {
		return 0
	}
	slack := pool.log.RecentClosedCapacity()
	cp := pool.log.LastCheckpointLSN()
	if oldest < cp+slack {
		return cp
	}
	return oldest - slack
}

// PendingReads 正在进行的读
func (pool *Pool) PendingReads() int64 {
	var n int64
	for _, inst := range pool.instances {
		n += inst.PendingReads()
	}
	return n
}

// FlushLists 在所有实例上执行flush list批次(buf_flush_lists).
// 某个实例已有批次在运行时跳过它, 并返回false
func (pool *Pool) FlushLists(minN int, lsnLimit common.LSNT) (int, bool) {
	if minN != ULINT_MAX {
		minN = (minN + len(pool.instances) - 1) / len(pool.instances)
	}
	success := true
	total := 0
	for _, inst := range pool.instances {
		n, ok := inst.DoBatch(BUF_FLUSH_LIST, minN, lsnLimit)
		if !ok {
			success = false
			continue
		}
		total += n.Flushed
	}
	return total, success
}

// WaitBatchEnd 等待所有实例上该类型批次结束
func (pool *Pool) WaitBatchEnd(t FlushType) {
	for _, inst := range pool.instances {
		inst.WaitBatchEnd(t)
	}
}

// WaitFlushed 等待所有实例的最老脏页越过 lsn
func (pool *Pool) WaitFlushed(lsn common.LSNT) {
	for !pool.waitFlushed(lsn, time.Second) {
	}
}

// waitFlushed 最多等待 timeout, 返回是否已越过 lsn
func (pool *Pool) waitFlushed(lsn common.LSNT, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for _, inst := range pool.instances {
		for {
			oldest := inst.oldestLogged()
			if oldest == 0 || oldest >= lsn {
				break
			}
			if time.Now().After(deadline) {
				return false
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	return true
}

// SyncFlush 日志空间不足时同步刷脏, 实现 log.Flusher.
// 页面清理线程在运行时交给它, 超时没有完成则重新请求
func (pool *Pool) SyncFlush(lsn common.LSNT) {
	for {
		c := pool.cleaner.Load()
		if c == nil || !pool.cfg.FlushSync {
			break
		}
		if err := c.RequestSyncFlush(lsn); err != nil {
			log.Debugf("sync flush up to %d in the caller: %v", lsn, err)
			break
		}
		if pool.waitFlushed(lsn, time.Second) {
			return
		}
	}
	if _, ok := pool.FlushLists(ULINT_MAX, lsn); !ok {
		log.Debugf("sync flush up to %d skipped a busy instance", lsn)
	}
	pool.WaitBatchEnd(BUF_FLUSH_LIST)
}

// Validate 检查所有实例的链表, 测试使用
func (pool *Pool) Validate() error {
	for _, inst := range pool.instances {
		if err := inst.Validate(); err != nil {
			return err
		}
	}
	return nil
}
