package buffer_pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/mtr"
)

/*
Page 数据页的控制体: 页号, 状态, io-fix, 修改LSN, 所在链表, 以及页面内容frame.
控制块在实例创建时分配, 之后在空闲链表与LRU之间循环使用.

保护关系:
  - id, state, ioFix, bufFix, flushType 由 mu (block mutex) 保护
  - LRU链接, old标记 由实例的 mu 保护
  - flush list链接, oldestModification 的写入 由 flush list 的 mu 保护
  - frame 由 latch 保护
*/
type Page struct {
	mu sync.Mutex

	id        common.PageID
	state     PageState
	ioFix     IOFix
	bufFix    int32
	flushType FlushType

	oldestModification atomic.Uint64
	newestModification atomic.Uint64

	latch *latch.Latch
	frame []byte

	instance *Instance
	// 在实例 blocks 中的下标
	index int

	// LRU
	lruPrev, lruNext *Page
	inLRU            bool
	old              bool
	accessTime       atomic.Int64

	// flush list, prev 指向更新的一端(头部)
	flushPrev, flushNext *Page
	inFlushList          bool

	observer atomic.Pointer[FlushObserver]

	// 监视哨兵的引用计数
	watchCount int
	// 收缩时被移出
	withdrawn bool
}

func newPage(inst *Instance, index int, pageSize int) *Page {
	return &Page{
		state:    BUF_BLOCK_NOT_USED,
		latch:    latch.NewLatch(latch.LevelTreeNode),
		frame:    make([]byte, pageSize),
		instance: inst,
		index:    index,
	}
}

// ID 页号, 持有 fix 时稳定
func (p *Page) ID() common.PageID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

// PageID 实现 mtr.Block
func (p *Page) PageID() common.PageID {
	return p.ID()
}

// Frame 页面内容, 需要持有latch
func (p *Page) Frame() []byte {
	return p.frame
}

func (p *Page) State() PageState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Page) IOFix() IOFix {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ioFix
}

func (p *Page) BufFixCount() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bufFix
}

func (p *Page) OldestModification() common.LSNT {
	return common.LSNT(p.oldestModification.Load())
}

func (p *Page) NewestModification() common.LSNT {
	return common.LSNT(p.newestModification.Load())
}

// IsDirty 在flush list中即为脏页
func (p *Page) IsDirty() bool {
	return p.oldestModification.Load() != 0
}

// Latch 页面读写锁
func (p *Page) Latch() *latch.Latch {
	return p.latch
}

// LatchLevel 实现 mtr.Block
func (p *Page) LatchLevel() latch.Level {
	return p.latch.Level()
}

// SetLatchLevel 变更缓冲自身的页面使用更高的层级
func (p *Page) SetLatchLevel(level latch.Level) {
	p.latch.SetLevel(level)
}

// IsOld 是否在LRU的old区
func (p *Page) IsOld() bool {
	p.instance.mu.Lock()
	defer p.instance.mu.Unlock()
	return p.old
}

// Instance 所属的缓冲池实例
func (p *Page) Instance() *Instance {
	return p.instance
}

// fixLocked 增加引用, 调用者持有 p.mu
func (p *Page) fixLocked() {
	p.bufFix++
}

// Unfix 实现 mtr.Block
func (p *Page) Unfix() {
	p.mu.Lock()
	p.bufFix--
	if p.bufFix < 0 {
		p.mu.Unlock()
		panic("buffer_pool: buf fix count underflow")
	}
	orphan := p.bufFix == 0 && p.state == BUF_BLOCK_REMOVE_HASH
	p.mu.Unlock()
	if orphan {
		p.instance.reclaim(p)
	}
}

// ReleaseLatch 实现 mtr.Block
func (p *Page) ReleaseLatch(mode mtr.LatchMode) {
	switch mode {
	case mtr.RW_S_LATCH:
		p.latch.RUnlock()
	case mtr.RW_X_LATCH, mtr.RW_SX_LATCH:
		p.latch.Unlock()
	case mtr.RW_NO_LATCH, mtr.BUF_FIX:
	}
}

// NoteModification 实现 mtr.Block: 首次修改时加入flush list, 更新最新修改LSN
func (p *Page) NoteModification(start, end common.LSNT, observer mtr.FlushObserver) {
	inst := p.instance
	if p.oldestModification.Load() == 0 {
		if inst.pool.log.IsRecovery() && start != 0 {
			inst.flushList.InsertSorted(p, start)
		} else {
			inst.flushList.Insert(p, start)
		}
	}
	newest := end
	if newest == 0 {
		newest = p.OldestModification()
	}
	for {
		cur := p.newestModification.Load()
		if uint64(newest) <= cur || p.newestModification.CompareAndSwap(cur, uint64(newest)) {
			break
		}
	}
	if obs, ok := observer.(*FlushObserver); ok && obs != nil {
		p.observer.CompareAndSwap(nil, obs)
	}
	inst.pool.activity.Add(1)
}

// touch 记录访问时间
func (p *Page) touch() {
	if p.accessTime.Load() == 0 {
		p.accessTime.Store(time.Now().UnixNano())
	}
}

// tooOld 在old区停留超过阈值的页面在下次访问时移到young区
func (p *Page) tooOld(threshold time.Duration) bool {
	first := p.accessTime.Load()
	return first != 0 && time.Since(time.Unix(0, first)) > threshold
}

// readyForReplaceLocked 干净且没有被引用, 调用者持有 p.mu
func (p *Page) readyForReplaceLocked() bool {
	return p.state == BUF_BLOCK_FILE_PAGE && p.oldestModification.Load() == 0 &&
		p.bufFix == 0 && p.ioFix == BUF_IO_NONE
}

// readyForFlushLocked 脏页且没有io, 调用者持有 p.mu
func (p *Page) readyForFlushLocked(t FlushType) bool {
	if p.state != BUF_BLOCK_FILE_PAGE || p.oldestModification.Load() == 0 || p.ioFix != BUF_IO_NONE {
		return false
	}
	switch t {
	case BUF_FLUSH_LIST, BUF_FLUSH_LRU, BUF_FLUSH_SINGLE_PAGE:
		return true
	case BUF_FLUSH_N_TYPES:
	}
	return false
}

// borrowedPage 读完成时由读线程持有X锁的页面, 合并时交给mini-transaction使用而不重复加锁
type borrowedPage struct {
	*Page
}

func (b borrowedPage) ReleaseLatch(mtr.LatchMode) {}

func (b borrowedPage) Unfix() {}

// Borrowed 返回一个不释放锁与引用的 mtr.Block
func (p *Page) Borrowed() mtr.Block {
	return borrowedPage{p}
}
