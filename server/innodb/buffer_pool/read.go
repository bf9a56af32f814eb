package buffer_pool

import (
	"time"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/fil"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/mtr"
)

// GetPage 取页面并按 mode 加锁, 登记到 m(buf_page_get_gen).
// BUF_GET_IF_IN_POOL 与 BUF_GET_IF_IN_POOL_OR_WATCH 在页面不在池中时返回 nil
func (pool *Pool) GetPage(id common.PageID, mode mtr.LatchMode, fetch Fetch, m *mtr.Mtr) (*Page, error) {
	inst := pool.InstanceFor(id)
	for attempt := 0; ; attempt++ {
		p := inst.fix(id)
		if p == nil {
			switch fetch {
			case BUF_GET_IF_IN_POOL:
				pool.stats.RecordPageRequest(false)
				return nil, nil
			case BUF_GET_IF_IN_POOL_OR_WATCH:
				resident, err := inst.WatchSet(id)
				if err != nil {
					return nil, err
				}
				if !resident {
					pool.stats.RecordPageRequest(false)
					return nil, nil
				}
				continue
			case BUF_GET:
			}
			if attempt > 2 {
				return nil, NewError("GetPage", errors.Wrapf(ErrPageNotFound, "%s", id))
			}
			if err := inst.readPage(id, true, nil); err != nil {
				return nil, err
			}
			continue
		}
		pool.stats.RecordPageRequest(attempt == 0)
		if m != nil && mode != mtr.RW_NO_LATCH && mode != mtr.BUF_FIX {
			m.CheckLatch(p.LatchLevel())
		}
		switch mode {
		case mtr.RW_S_LATCH:
			p.latch.RLock()
		case mtr.RW_X_LATCH, mtr.RW_SX_LATCH:
			p.latch.Lock()
		case mtr.RW_NO_LATCH, mtr.BUF_FIX:
			// 等待正在进行的读
			p.latch.RLock()
			p.latch.RUnlock()
		}
		if p.State() != BUF_BLOCK_FILE_PAGE || p.ID() != id {
			// 读失败, 块已经被移出
			p.ReleaseLatch(mode)
			p.Unfix()
			continue
		}
		inst.makeYoungIfNeeded(p)
		if m != nil {
			m.MemoPush(p, mode)
		}
		return p, nil
	}
}

// ReleasePage 不经过 mini-transaction 释放页面
func (pool *Pool) ReleasePage(p *Page, mode mtr.LatchMode) {
	p.ReleaseLatch(mode)
	p.Unfix()
}

// CreatePage 新建页面, 不读磁盘(buf_page_create). 页面X锁登记到 m
func (pool *Pool) CreatePage(id common.PageID, pageType common.PageType, m *mtr.Mtr) (*Page, error) {
	// 表空间复用的页号上可能留有变更缓冲记录
	if h := pool.mergeHook(); h != nil {
		h.MergeOrDeleteForPage(nil, id, true)
	}
	inst := pool.InstanceFor(id)
	if p := inst.fix(id); p != nil {
		if m != nil {
			m.CheckLatch(p.LatchLevel())
		}
		p.latch.Lock()
		fil.InitPageHeader(p.frame, id, pageType)
		if m != nil {
			m.MemoPush(p, mtr.RW_X_LATCH)
		}
		return p, nil
	}
	block, err := inst.getFreeBlock()
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	if cur := inst.lookupLocked(id); cur != nil {
		inst.putFreeLocked(block)
		inst.mu.Unlock()
		return pool.CreatePage(id, pageType, m)
	}
	inst.publishLocked(block, id)
	block.mu.Lock()
	block.ioFix = BUF_IO_NONE
	block.fixLocked()
	block.mu.Unlock()
	block.latch.Lock()
	inst.mu.Unlock()
	fil.InitPageHeader(block.frame, id, pageType)
	if m != nil {
		m.MemoPush(block, mtr.RW_X_LATCH)
	}
	return block, nil
}

// readPage 读入页面(buf_read_page_low). 页面已在池中时什么都不做.
// 异步时 done 在读完成(包括合并)后调用
func (inst *Instance) readPage(id common.PageID, synchronous bool, done func(error)) error {
	if inst.WatchOccurred(id) {
		if done != nil {
			done(nil)
		}
		return nil
	}
	block, err := inst.getFreeBlock()
	if err != nil {
		return err
	}
	inst.mu.Lock()
	if inst.lookupLocked(id) != nil {
		inst.putFreeLocked(block)
		inst.mu.Unlock()
		if done != nil {
			done(nil)
		}
		return nil
	}
	inst.publishLocked(block, id)
	// 空闲块没有其他持有者, 不会阻塞
	block.latch.Lock()
	inst.mu.Unlock()
	inst.pendingReads.Add(1)

	start := time.Now()
	store := inst.pool.store
	if synchronous {
		return inst.readComplete(block, id, store.ReadPage(id, block.frame), start)
	}
	store.ReadPageAsync(id, block.frame, func(err error) {
		err = inst.readComplete(block, id, err, start)
		if done != nil {
			done(err)
		}
	})
	return nil
}

// readComplete 读完成: 失败时移出块, 成功时合并变更缓冲后解除io-fix
func (inst *Instance) readComplete(block *Page, id common.PageID, err error, start time.Time) error {
	pool := inst.pool
	if err != nil {
		inst.mu.Lock()
		block.mu.Lock()
		block.state = BUF_BLOCK_REMOVE_HASH
		block.ioFix = BUF_IO_NONE
		inst.pageHash.Delete(id)
		inst.lru.Remove(block)
		if block.bufFix == 0 {
			inst.freeBlockLocked(block)
		} else {
			block.mu.Unlock()
		}
		inst.mu.Unlock()
		block.latch.Unlock()
		inst.pendingReads.Add(-1)
		if IsCorrupted(err) {
			pool.stats.RecordCorruptRead()
			log.Errorf("page %s is corrupted on disk, the block is discarded: %v", id, err)
		} else {
			log.Errorf("read of page %s failed: %v", id, err)
		}
		return NewError("readPage", errors.Wrapf(err, "page %s", id))
	}
	pool.stats.RecordPageIO(true, time.Since(start).Nanoseconds())
	if h := pool.mergeHook(); h != nil {
		h.MergeOrDeleteForPage(block, id, true)
	}
	block.mu.Lock()
	block.ioFix = BUF_IO_NONE
	block.mu.Unlock()
	inst.pendingReads.Add(-1)
	block.latch.Unlock()
	return nil
}

// ReadPageBackground 在后台读入页面, 已在池中时直接完成
func (pool *Pool) ReadPageBackground(id common.PageID, done func(error)) error {
	return pool.InstanceFor(id).readPage(id, false, done)
}

// IsResident 页面是否在池中
func (pool *Pool) IsResident(id common.PageID) bool {
	return pool.InstanceFor(id).WatchOccurred(id)
}

// WatchSet 见 Instance.WatchSet
func (pool *Pool) WatchSet(id common.PageID) (bool, error) {
	return pool.InstanceFor(id).WatchSet(id)
}

func (pool *Pool) WatchUnset(id common.PageID) {
	pool.InstanceFor(id).WatchUnset(id)
}

func (pool *Pool) WatchOccurred(id common.PageID) bool {
	return pool.InstanceFor(id).WatchOccurred(id)
}

// PeekAlsoWatch 页面在池中或者正被监视(buf_page_get_also_watch)
func (pool *Pool) PeekAlsoWatch(id common.PageID) bool {
	_, ok := pool.InstanceFor(id).pageHash.Load(id)
	return ok
}
