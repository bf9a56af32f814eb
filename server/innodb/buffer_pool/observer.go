package buffer_pool

import (
	"sync/atomic"
	"time"
)

// FlushObserver 跟踪一个表空间在某个操作期间变脏的页面, 在线DDL结束前用它把这些页面写盘
type FlushObserver struct {
	space uint32
	pool  *Pool

	// 每个实例上发起写与移出flush list的页数
	flushed []atomic.Int64
	removed []atomic.Int64

	interrupted atomic.Bool
}

// NewFlushObserver 创建观察者, 通过 mtr.SetFlushObserver 登记到修改页面的 mini-transaction
func NewFlushObserver(space uint32, pool *Pool) *FlushObserver {
	n := len(pool.instances)
	return &FlushObserver{
		space:   space,
		pool:    pool,
		flushed: make([]atomic.Int64, n),
		removed: make([]atomic.Int64, n),
	}
}

// SpaceID 实现 mtr.FlushObserver
func (o *FlushObserver) SpaceID() uint32 {
	return o.space
}

func (o *FlushObserver) notifyFlush(inst *Instance) {
	o.flushed[inst.id].Add(1)
}

// notifyFlushFailed 写失败, 页面留在flush list中等待重试
func (o *FlushObserver) notifyFlushFailed(inst *Instance) {
	o.flushed[inst.id].Add(-1)
}

func (o *FlushObserver) notifyRemove(inst *Instance) {
	o.removed[inst.id].Add(1)
}

// Interrupt 操作被取消, 之后的 Flush 只丢弃页面
func (o *FlushObserver) Interrupt() {
	o.interrupted.Store(true)
}

func (o *FlushObserver) Interrupted() bool {
	return o.interrupted.Load()
}

func (o *FlushObserver) isComplete(i int) bool {
	return o.interrupted.Load() || o.flushed[i].Load() == o.removed[i].Load()
}

// IsComplete 登记的页面都已写出
func (o *FlushObserver) IsComplete() bool {
	for i := range o.flushed {
		if !o.isComplete(i) {
			return false
		}
	}
	return true
}

// Flush 写出(被中断时丢弃)登记的全部脏页并等待完成
func (o *FlushObserver) Flush() {
	o.pool.RemoveSpacePages(o.space, o, !o.Interrupted())
	for i := range o.flushed {
		for !o.isComplete(i) {
			time.Sleep(2 * time.Millisecond)
		}
	}
}

// Counts 各实例写出与移出的页数
func (o *FlushObserver) Counts() (flushed, removed int64) {
	for i := range o.flushed {
		flushed += o.flushed[i].Load()
		removed += o.removed[i].Load()
	}
	return
}

// RemoveSpacePages 处理表空间在flush list中的页面(buf_LRU_flush_or_remove_pages).
// observer 不为nil时只处理它登记的页面. write 为真时写出, 否则直接丢弃脏标记,
// 留在LRU中的页面在表空间删除后被当作过期页面回收
func (pool *Pool) RemoveSpacePages(space uint32, observer *FlushObserver, write bool) {
	for _, inst := range pool.instances {
		for !inst.flushOrRemoveSpace(space, observer, write) {
			time.Sleep(time.Millisecond)
		}
	}
	if !write {
		log.Debugf("removed dirty pages of space %d without writing", space)
	}
}

// flushOrRemoveSpace 一遍扫描, 还有正在I/O或被引用而未处理的页面时返回 false
func (inst *Instance) flushOrRemoveSpace(space uint32, observer *FlushObserver, write bool) bool {
	fl := inst.flushList
	var targets []*Page
	fl.mu.Lock()
	for p := fl.tail; p != nil; p = p.flushPrev {
		if p.id.Space != space {
			continue
		}
		if observer != nil && p.observer.Load() != observer {
			continue
		}
		targets = append(targets, p)
	}
	fl.mu.Unlock()

	done := true
	for _, p := range targets {
		inst.mu.Lock()
		p.mu.Lock()
		if p.id.Space != space || !p.inFile() || p.oldestModification.Load() == 0 {
			p.mu.Unlock()
			inst.mu.Unlock()
			continue
		}
		if p.ioFix != BUF_IO_NONE {
			p.mu.Unlock()
			inst.mu.Unlock()
			done = false
			continue
		}
		if !write {
			inst.flushList.Remove(p)
			p.mu.Unlock()
			inst.mu.Unlock()
			continue
		}
		if started, _ := inst.flushPageLocked(p, BUF_FLUSH_SINGLE_PAGE, false); !started {
			done = false
		}
	}
	return done
}

// inFile 调用者持有 p.mu
func (p *Page) inFile() bool {
	return p.state.inFile()
}
