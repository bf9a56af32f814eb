package buffer_pool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/latch"
)

const (
	// 非全量扫描时每次最多检查的LRU页面数
	lruSearchScanThreshold = 100
	// 找不到空闲块时的最大尝试次数
	maxFreeBlockAttempts = 500
	// 一次取空闲块中单页刷新写失败这么多次后放弃
	maxSingleFlushFailures = 3
)

/*
Instance 缓冲池实例.

锁顺序: Instance.mu -> Page.mu -> FlushList.mu.
page hash 的读不加锁, 写入都在 Instance.mu 之下; 通过 hash 找到的页面
要在 Page.mu 之下确认状态与页号后才能 fix.
*/
type Instance struct {
	id   int
	pool *Pool
	cfg  *Config

	mu        sync.Mutex
	pageHash  *xsync.MapOf[common.PageID, *Page]
	blocks    []*Page
	free      []*Page
	lru       *lruList
	flushList *FlushList

	// LRU批次, 空闲块扫描, 单页刷新各自的游标
	lruHP      *GuardedCursor
	scanItr    *GuardedCursor
	singleScan *GuardedCursor

	currSize int

	nFlush    [BUF_FLUSH_N_TYPES]int
	initFlush [BUF_FLUSH_N_TYPES]bool
	noFlush   *sync.Cond

	watchPool []*Page

	// 收缩中还没有移出的块数
	withdrawPending int

	pendingReads atomic.Int64
	lastWarn     time.Time
}

func newInstance(pool *Pool, id int, nPages int) *Instance {
	inst := &Instance{
		id:        id,
		pool:      pool,
		cfg:       &pool.cfg,
		pageHash:  xsync.NewMapOf[common.PageID, *Page](),
		lru:       newLRUList(pool.cfg.LRUOldMinLen),
		flushList: newFlushList(pool.log, pool.cfg.PageSize),
		currSize:  nPages,
	}
	inst.noFlush = sync.NewCond(&inst.mu)
	inst.lruHP = inst.lru.newCursor()
	inst.scanItr = inst.lru.newCursor()
	inst.singleScan = inst.lru.newCursor()
	inst.blocks = make([]*Page, nPages)
	inst.free = make([]*Page, 0, nPages)
	for i := range inst.blocks {
		p := newPage(inst, i, pool.cfg.PageSize)
		inst.blocks[i] = p
	}
	// 空闲链表从末尾弹出, 让低下标的块先被使用
	for i := nPages - 1; i >= 0; i-- {
		inst.free = append(inst.free, inst.blocks[i])
	}
	inst.watchPool = make([]*Page, pool.cfg.WatchSize)
	for i := range inst.watchPool {
		inst.watchPool[i] = &Page{state: BUF_BLOCK_NOT_USED, instance: inst, index: -1}
	}
	return inst
}

func (inst *Instance) ID() int {
	return inst.id
}

func (inst *Instance) FlushList() *FlushList {
	return inst.flushList
}

func (inst *Instance) PendingReads() int64 {
	return inst.pendingReads.Load()
}

func (inst *Instance) CurrSize() int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.currSize
}

func (inst *Instance) FreeLen() int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return len(inst.free)
}

func (inst *Instance) LRULen() int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.lru.Len()
}

// oldestLogged 最老的有redo的脏页LSN, 临时表空间的页面不影响检查点
func (inst *Instance) oldestLogged() common.LSNT {
	fl := inst.flushList
	fl.mu.Lock()
	defer fl.mu.Unlock()
	for p := fl.tail; p != nil; p = p.flushPrev {
		if !inst.pool.store.IsTemporary(p.id.Space) {
			return p.OldestModification()
		}
	}
	return 0
}

func isSentinel(p *Page) bool {
	return p.index < 0
}

// lookupLocked hash中的数据页, 哨兵返回nil. 调用者持有 inst.mu
func (inst *Instance) lookupLocked(id common.PageID) *Page {
	p, ok := inst.pageHash.Load(id)
	if !ok || isSentinel(p) {
		return nil
	}
	return p
}

// fix 在池中找到页面并增加引用
func (inst *Instance) fix(id common.PageID) *Page {
	for {
		p, ok := inst.pageHash.Load(id)
		if !ok || isSentinel(p) {
			return nil
		}
		p.mu.Lock()
		switch p.state {
		case BUF_BLOCK_FILE_PAGE:
			if p.id == id {
				p.fixLocked()
				p.mu.Unlock()
				p.touch()
				return p
			}
		case BUF_BLOCK_REMOVE_HASH, BUF_BLOCK_NOT_USED, BUF_BLOCK_READY_FOR_USE,
			BUF_BLOCK_MEMORY, BUF_BLOCK_POOL_WATCH:
		}
		p.mu.Unlock()
		// 块已被淘汰或复用, hash 随后会更新
		if cur, ok := inst.pageHash.Load(id); ok && cur == p {
			return nil
		}
	}
}

// makeYoungIfNeeded 在old区停留足够久的页面移到young区
func (inst *Instance) makeYoungIfNeeded(p *Page) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if p.inLRU && p.old && p.tooOld(inst.cfg.OldBlocksTime) {
		inst.lru.MakeYoung(p)
	}
}

// takeFreeLocked 从空闲链表取一个块
func (inst *Instance) takeFreeLocked() *Page {
	n := len(inst.free)
	if n == 0 {
		return nil
	}
	p := inst.free[n-1]
	inst.free = inst.free[:n-1]
	p.mu.Lock()
	p.state = BUF_BLOCK_READY_FOR_USE
	p.mu.Unlock()
	return p
}

// putFreeLocked 放回空闲链表, 调用者持有 inst.mu
func (inst *Instance) putFreeLocked(p *Page) {
	p.mu.Lock()
	inst.freeBlockLocked(p)
}

// freeBlockLocked 控制块回到空闲链表, 被收缩的块转为MEMORY.
// 调用者持有 inst.mu 与 p.mu, 返回时 p.mu 已释放
func (inst *Instance) freeBlockLocked(p *Page) {
	withdrawn := p.withdrawn
	p.resetLocked()
	if withdrawn {
		p.state = BUF_BLOCK_MEMORY
	}
	p.mu.Unlock()
	if !withdrawn {
		inst.free = append(inst.free, p)
	}
}

// resetLocked 清空控制块, 调用者持有 p.mu
func (p *Page) resetLocked() {
	p.state = BUF_BLOCK_NOT_USED
	p.id = common.PageID{}
	p.ioFix = BUF_IO_NONE
	p.bufFix = 0
	p.oldestModification.Store(0)
	p.newestModification.Store(0)
	p.accessTime.Store(0)
	p.observer.Store(nil)
	p.latch.SetLevel(latch.LevelTreeNode)
}

// getFreeBlock 取一个空闲块: 空闲链表, 淘汰LRU中的干净页, 单页刷新
func (inst *Instance) getFreeBlock() (*Page, error) {
	writeFailures := 0
	for n := 0; ; n++ {
		inst.mu.Lock()
		if b := inst.takeFreeLocked(); b != nil {
			inst.mu.Unlock()
			return b, nil
		}
		freed := inst.scanAndFreeLocked(n > 0)
		inst.mu.Unlock()
		if freed {
			continue
		}
		if n > 20 && time.Since(inst.lastWarn) > 10*time.Second {
			inst.lastWarn = time.Now()
			log.Warnf("Difficult to find free blocks in the buffer pool instance %d (%d search iterations)! "+
				"Consider increasing innodb_buffer_pool_size. Pending reads %d, dirty pages %d.",
				inst.id, n, inst.PendingReads(), inst.flushList.Len())
		}
		flushed, err := inst.flushSinglePageFromLRU()
		if flushed {
			continue
		}
		if err != nil {
			writeFailures++
			if writeFailures >= maxSingleFlushFailures {
				return nil, NewError("getFreeBlock", errors.Wrapf(ErrBufferPoolFull, "single page flush: %v", err))
			}
		}
		if n >= maxFreeBlockAttempts {
			return nil, NewError("getFreeBlock", ErrBufferPoolFull)
		}
		if n > 1 {
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// scanStart 从游标继续, 游标失效或不在old区时从tail开始
func (inst *Instance) scanStart(c *GuardedCursor) *Page {
	if p := c.Get(); p != nil && p.old {
		return p
	}
	return inst.lru.Tail()
}

// scanAndFreeLocked 在LRU尾部找一个可以直接淘汰的页面
func (inst *Instance) scanAndFreeLocked(scanAll bool) bool {
	scanned := 0
	for p := inst.scanStart(inst.scanItr); p != nil && (scanAll || scanned < lruSearchScanThreshold); p = inst.scanItr.Get() {
		scanned++
		inst.scanItr.Set(p.lruPrev)
		if inst.isStale(p) {
			if inst.freeStaleLocked(p) {
				return true
			}
			continue
		}
		if inst.freePageLocked(p) {
			return true
		}
	}
	inst.scanItr.Set(nil)
	return false
}

// isStale 页面所在表空间已被删除
func (inst *Instance) isStale(p *Page) bool {
	return inst.pool.store.IsDropped(p.id.Space)
}

// freePageLocked 淘汰干净且未被引用的页面(buf_LRU_free_page)
func (inst *Instance) freePageLocked(p *Page) bool {
	p.mu.Lock()
	if !p.readyForReplaceLocked() {
		p.mu.Unlock()
		return false
	}
	inst.evictLocked(p)
	return true
}

// freeStaleLocked 已删除表空间的页面, 脏页直接丢弃
func (inst *Instance) freeStaleLocked(p *Page) bool {
	p.mu.Lock()
	if p.state != BUF_BLOCK_FILE_PAGE || p.bufFix != 0 || p.ioFix != BUF_IO_NONE {
		p.mu.Unlock()
		return false
	}
	inst.flushList.Remove(p)
	inst.evictLocked(p)
	return true
}

// evictLocked 调用者持有 inst.mu 与 p.mu, 返回时 p.mu 已释放
func (inst *Instance) evictLocked(p *Page) {
	id := p.id
	p.state = BUF_BLOCK_REMOVE_HASH
	inst.lru.Remove(p)
	inst.pageHash.Delete(id)
	inst.freeBlockLocked(p)
	inst.pool.stats.RecordEviction()
}

// reclaim 读失败后最后一个引用释放, 块回到空闲链表
func (inst *Instance) reclaim(p *Page) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	p.mu.Lock()
	if p.state != BUF_BLOCK_REMOVE_HASH || p.bufFix != 0 {
		p.mu.Unlock()
		return
	}
	inst.freeBlockLocked(p)
}

// WatchSet 在页面不在池中时设置监视. 返回 true 表示页面已在池中, 没有设置监视
func (inst *Instance) WatchSet(id common.PageID) (bool, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if p, ok := inst.pageHash.Load(id); ok {
		if !isSentinel(p) {
			return true, nil
		}
		p.watchCount++
		return false, nil
	}
	for _, w := range inst.watchPool {
		if w.state == BUF_BLOCK_NOT_USED {
			w.state = BUF_BLOCK_POOL_WATCH
			w.id = id
			w.watchCount = 1
			inst.pageHash.Store(id, w)
			return false, nil
		}
	}
	return false, NewError("WatchSet", ErrNoWatchSlot)
}

// WatchUnset 取消监视. 页面已经读入时释放它继承的引用
func (inst *Instance) WatchUnset(id common.PageID) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	p, ok := inst.pageHash.Load(id)
	if !ok {
		return
	}
	if isSentinel(p) {
		p.watchCount--
		if p.watchCount == 0 {
			inst.pageHash.Delete(id)
			p.state = BUF_BLOCK_NOT_USED
			p.id = common.PageID{}
		}
		return
	}
	p.mu.Lock()
	if p.bufFix > 0 {
		p.bufFix--
	}
	p.mu.Unlock()
}

// WatchOccurred 监视期间页面是否被读入
func (inst *Instance) WatchOccurred(id common.PageID) bool {
	p, ok := inst.pageHash.Load(id)
	return ok && !isSentinel(p)
}

// publishLocked 把读入中的块放入 hash 与 LRU, 替换监视哨兵并继承其引用
func (inst *Instance) publishLocked(block *Page, id common.PageID) {
	block.mu.Lock()
	block.id = id
	block.state = BUF_BLOCK_FILE_PAGE
	block.ioFix = BUF_IO_READ
	block.latch.SetLevel(inst.pool.latchLevelFor(id))
	if w, ok := inst.pageHash.Load(id); ok && isSentinel(w) {
		block.bufFix += int32(w.watchCount)
		w.watchCount = 0
		w.state = BUF_BLOCK_NOT_USED
		w.id = common.PageID{}
	}
	block.mu.Unlock()
	inst.pageHash.Store(id, block)
	inst.lru.Add(block, true)
}

// InstanceStatus 实例状态
type InstanceStatus struct {
	ID             int
	CurrSize       int
	FreeLen        int
	LRULen         int
	OldLen         int
	FlushListLen   int
	FlushListBytes int64
	PendingReads   int64
	PendingFlushes [BUF_FLUSH_N_TYPES]int
	OldestLSN      common.LSNT
}

func (inst *Instance) Status() InstanceStatus {
	inst.mu.Lock()
	st := InstanceStatus{
		ID:             inst.id,
		CurrSize:       inst.currSize,
		FreeLen:        len(inst.free),
		LRULen:         inst.lru.Len(),
		OldLen:         inst.lru.OldLen(),
		PendingFlushes: inst.nFlush,
	}
	inst.mu.Unlock()
	st.FlushListLen = inst.flushList.Len()
	st.FlushListBytes = inst.flushList.Bytes()
	st.PendingReads = inst.PendingReads()
	st.OldestLSN = inst.flushList.Oldest()
	return st
}

// Validate 检查LRU, 空闲链表, hash 与 flush list 的一致性
func (inst *Instance) Validate() error {
	inst.mu.Lock()
	n, old := 0, 0
	for p := inst.lru.head; p != nil; p = p.lruNext {
		n++
		if p.old {
			old++
		}
		if q, ok := inst.pageHash.Load(p.id); !ok || q != p {
			inst.mu.Unlock()
			return fmt.Errorf("instance %d: LRU page %s missing from page hash", inst.id, p.id)
		}
	}
	if n != inst.lru.Len() || old != inst.lru.OldLen() {
		inst.mu.Unlock()
		return fmt.Errorf("instance %d: LRU length %d/%d old %d/%d", inst.id, n, inst.lru.Len(), old, inst.lru.OldLen())
	}
	if n+len(inst.free) > inst.currSize {
		inst.mu.Unlock()
		return fmt.Errorf("instance %d: %d LRU + %d free exceeds size %d", inst.id, n, len(inst.free), inst.currSize)
	}
	inst.mu.Unlock()
	return inst.flushList.Validate()
}
