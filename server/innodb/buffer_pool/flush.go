package buffer_pool

import (
	"time"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/fil"
)

// BatchResult 一个批次刷出与淘汰的页数
type BatchResult struct {
	Flushed int
	Evicted int
}

// flushPageLocked 对一个脏页发起写(buf_flush_page).
// 调用者持有 inst.mu 与 p.mu, 返回时两者都已释放. 返回 false 表示没有发起写,
// 同步写失败时返回 ErrFlushFailed
func (inst *Instance) flushPageLocked(p *Page, t FlushType, synchronous bool) (bool, error) {
	if !p.readyForFlushLocked(t) || (t != BUF_FLUSH_LIST && p.bufFix != 0) {
		p.mu.Unlock()
		inst.mu.Unlock()
		return false, nil
	}
	// 有人持有X锁时跳过, 下一轮再来
	if !p.latch.TryRLock() {
		p.mu.Unlock()
		inst.mu.Unlock()
		inst.pool.stats.RecordSkip()
		return false, nil
	}
	p.ioFix = BUF_IO_WRITE
	p.flushType = t
	inst.nFlush[t]++
	if obs := p.observer.Load(); obs != nil {
		obs.notifyFlush(inst)
	}
	id := p.id
	p.mu.Unlock()
	inst.mu.Unlock()

	return true, inst.writePage(p, id, t, synchronous)
}

// writePage 先写redo到页面的最新修改, 再写页面副本. 只有同步写返回写的结果
func (inst *Instance) writePage(p *Page, id common.PageID, t FlushType, synchronous bool) error {
	pool := inst.pool
	newest := p.NewestModification()
	if !pool.store.IsTemporary(id.Space) {
		if err := pool.log.WriteUpTo(newest, true); err != nil {
			log.Errorf("write redo up to %d before flushing %s: %v", newest, id, err)
		}
	}
	frame := make([]byte, len(p.frame))
	copy(frame, p.frame)
	fil.PrepareForWrite(frame, newest)

	start := time.Now()
	if !synchronous {
		pool.store.WritePageAsync(id, frame, func(err error) {
			inst.writeComplete(p, id, t, false, err, start)
		})
		return nil
	}
	done := make(chan error, 1)
	pool.store.WritePageAsync(id, frame, func(err error) {
		done <- err
	})
	return inst.writeComplete(p, id, t, true, <-done, start)
}

// writeComplete 写完成(buf_flush_write_complete): 移出flush list, 解除io-fix.
// LRU刷新与同步的单页刷新随后淘汰页面
func (inst *Instance) writeComplete(p *Page, id common.PageID, t FlushType, synchronous bool, err error, start time.Time) error {
	pool := inst.pool
	// 表空间已删除时页面不再需要写
	written := err == nil || errors.Is(err, fil.ErrTablespaceDeleted)

	inst.mu.Lock()
	p.mu.Lock()
	if written {
		inst.flushList.Remove(p)
	} else if obs := p.observer.Load(); obs != nil {
		obs.notifyFlushFailed(inst)
	}
	p.ioFix = BUF_IO_NONE
	inst.nFlush[t]--
	if inst.nFlush[t] == 0 && !inst.initFlush[t] {
		inst.noFlush.Broadcast()
	}
	p.mu.Unlock()
	p.latch.RUnlock()

	if written && (t == BUF_FLUSH_LRU || (t == BUF_FLUSH_SINGLE_PAGE && synchronous)) {
		inst.freePageLocked(p)
	}
	inst.mu.Unlock()

	if err != nil && !written {
		pool.stats.RecordFlushFailure()
		err = errors.Wrapf(ErrFlushFailed, "page %s: %v", id, err)
		log.Errorf("%v", err)
		return err
	}
	pool.stats.RecordPageIO(false, time.Since(start).Nanoseconds())
	pool.stats.RecordFlush(t)
	return nil
}

// neighborArea 与 id 一起刷新的页号范围 [low, high)
func (inst *Instance) neighborArea(id common.PageID, t FlushType) (low, high uint32) {
	pool := inst.pool
	low, high = id.PageNo, id.PageNo+1

	inst.mu.Lock()
	lruLen := inst.lru.Len()
	currSize := inst.currSize
	inst.mu.Unlock()

	if pool.cfg.FlushNeighbors == 0 || lruLen < pool.cfg.LRUOldMinLen || pool.store.IsTemporary(id.Space) {
		return
	}
	area := uint32(common.BUF_READ_AHEAD_AREA)
	if a := uint32(currSize / 16); a < area {
		area = a
	}
	if area <= 1 {
		return
	}
	low = (id.PageNo / area) * area
	high = low + area

	if pool.cfg.FlushNeighbors == 1 {
		// 只刷新连续的脏页
		i := int64(id.PageNo) - 1
		for ; i >= int64(low); i-- {
			if !pool.isFlushableNeighbor(common.PageID{Space: id.Space, PageNo: uint32(i)}, t) {
				break
			}
		}
		low = uint32(i + 1)
		j := id.PageNo + 1
		for ; j < high; j++ {
			if !pool.isFlushableNeighbor(common.PageID{Space: id.Space, PageNo: j}, t) {
				break
			}
		}
		high = j
	}

	if size, err := pool.store.Size(id.Space); err == nil && high > size {
		high = size
	}
	if high <= id.PageNo {
		high = id.PageNo + 1
	}
	return
}

// isFlushableNeighbor 在池中, 可以按该类型刷新; LRU刷新只考虑old区页面
func (pool *Pool) isFlushableNeighbor(id common.PageID, t FlushType) bool {
	inst := pool.InstanceFor(id)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	p := inst.lookupLocked(id)
	if p == nil {
		return false
	}
	if t == BUF_FLUSH_LRU && !p.old {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id == id && p.readyForFlushLocked(t)
}

// flushNeighbors 刷新 id 及其邻居(buf_flush_try_neighbors), 最多 limit 页, 受害页总会尝试
func (inst *Instance) flushNeighbors(id common.PageID, t FlushType, limit int) int {
	pool := inst.pool
	low, high := inst.neighborArea(id, t)
	count := 0
	for i := low; i < high; i++ {
		if count >= limit {
			if i > id.PageNo {
				break
			}
			i = id.PageNo
		}
		cur := common.PageID{Space: id.Space, PageNo: i}
		if pool.InstanceFor(cur).flushOne(cur, t, i == id.PageNo) {
			count++
		}
	}
	pool.stats.RecordNeighbors(count)
	return count
}

// flushOne 查找并异步刷新一个页面, 邻居页面必须没有被引用
func (inst *Instance) flushOne(id common.PageID, t FlushType, victim bool) bool {
	inst.mu.Lock()
	p := inst.lookupLocked(id)
	if p == nil || (t == BUF_FLUSH_LRU && !victim && !p.old) {
		inst.mu.Unlock()
		return false
	}
	p.mu.Lock()
	if p.id != id || (!victim && p.bufFix != 0) {
		p.mu.Unlock()
		inst.mu.Unlock()
		return false
	}
	started, _ := inst.flushPageLocked(p, t, false)
	return started
}

// StartBatch 开始一个批次, 同类型的批次正在初始化或还有未完成的写时拒绝
func (inst *Instance) StartBatch(t FlushType) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.nFlush[t] > 0 || inst.initFlush[t] {
		return false
	}
	inst.initFlush[t] = true
	return true
}

// EndBatch 批次的页面已经全部提交写
func (inst *Instance) EndBatch(t FlushType) {
	inst.mu.Lock()
	inst.initFlush[t] = false
	if inst.nFlush[t] == 0 {
		inst.noFlush.Broadcast()
	}
	inst.mu.Unlock()
}

// WaitBatchEnd 等待该类型的批次与它发起的写全部完成
func (inst *Instance) WaitBatchEnd(t FlushType) {
	inst.mu.Lock()
	for inst.nFlush[t] > 0 || inst.initFlush[t] {
		inst.noFlush.Wait()
	}
	inst.mu.Unlock()
}

// DoBatch 运行一个批次(buf_flush_do_batch). LRU批次的 n 是刷出与淘汰的页数上限,
// flush list 批次刷出 oldest_modification 小于 lsnLimit 的至少 n 页
func (inst *Instance) DoBatch(t FlushType, n int, lsnLimit common.LSNT) (BatchResult, bool) {
	if !inst.StartBatch(t) {
		return BatchResult{}, false
	}
	var res BatchResult
	switch t {
	case BUF_FLUSH_LRU:
		res = inst.lruBatch(n)
	case BUF_FLUSH_LIST:
		res.Flushed = inst.flushListBatch(n, lsnLimit)
	case BUF_FLUSH_SINGLE_PAGE, BUF_FLUSH_N_TYPES:
	}
	inst.EndBatch(t)
	if res.Flushed > 0 || res.Evicted > 0 {
		log.Debugf("instance %d %s batch: flushed %d evicted %d", inst.id, t, res.Flushed, res.Evicted)
	}
	return res, true
}

// lruBatch 从LRU尾部淘汰干净页并刷新脏页, 直到空闲链表足够长
func (inst *Instance) lruBatch(max int) BatchResult {
	var res BatchResult
	inst.mu.Lock()
	want := inst.cfg.LRUScanDepth + inst.withdrawDepthLocked()
	for p := inst.lru.Tail(); p != nil && res.Flushed+res.Evicted < max &&
		len(inst.free) < want && inst.lru.Len() > inst.cfg.LRUMinLen; p = inst.lruHP.Get() {
		inst.lruHP.Set(p.lruPrev)
		if inst.isStale(p) {
			if inst.freeStaleLocked(p) {
				res.Evicted++
			}
			continue
		}
		p.mu.Lock()
		switch {
		case p.readyForReplaceLocked():
			p.mu.Unlock()
			if inst.freePageLocked(p) {
				res.Evicted++
			}
		case p.readyForFlushLocked(BUF_FLUSH_LRU) && p.bufFix == 0:
			id := p.id
			p.mu.Unlock()
			inst.mu.Unlock()
			res.Flushed += inst.flushNeighbors(id, BUF_FLUSH_LRU, max-res.Flushed)
			inst.mu.Lock()
		default:
			p.mu.Unlock()
		}
	}
	inst.lruHP.Set(nil)
	inst.mu.Unlock()
	if res.Flushed > 0 {
		inst.pool.lruFlushed.Add(int64(res.Flushed))
	}
	return res
}

// flushListBatch 从flush list尾部刷新, 直到刷出 minN 页或遇到不小于 lsnLimit 的页面
func (inst *Instance) flushListBatch(minN int, lsnLimit common.LSNT) int {
	fl := inst.flushList
	count := 0
	fl.mu.Lock()
	remaining := fl.length
	for p := fl.tail; count < minN && p != nil && remaining > 0 &&
		p.OldestModification() < lsnLimit; p = fl.hp.Get() {
		fl.hp.Set(p.flushPrev)
		id := p.id
		fl.mu.Unlock()
		count += inst.flushNeighbors(id, BUF_FLUSH_LIST, minN-count)
		fl.mu.Lock()
		remaining--
	}
	fl.hp.Set(nil)
	fl.mu.Unlock()
	return count
}

// flushSinglePageFromLRU 用户线程找不到空闲块时淘汰一个干净页, 或同步刷出并淘汰一个脏页.
// 写失败时页面留在池中, 返回 ErrFlushFailed
func (inst *Instance) flushSinglePageFromLRU() (bool, error) {
	inst.mu.Lock()
	for p := inst.scanStart(inst.singleScan); p != nil; p = inst.singleScan.Get() {
		inst.singleScan.Set(p.lruPrev)
		p.mu.Lock()
		if p.readyForReplaceLocked() {
			p.mu.Unlock()
			if inst.freePageLocked(p) {
				inst.mu.Unlock()
				return true, nil
			}
			continue
		}
		if p.readyForFlushLocked(BUF_FLUSH_SINGLE_PAGE) && p.bufFix == 0 {
			started, err := inst.flushPageLocked(p, BUF_FLUSH_SINGLE_PAGE, true)
			if started {
				return err == nil, err
			}
			inst.mu.Lock()
			continue
		}
		p.mu.Unlock()
	}
	inst.singleScan.Set(nil)
	inst.mu.Unlock()
	return false, nil
}

// FlushPage 同步刷出一个页面, 不在池中或干净时返回 false. 写失败时返回 ErrFlushFailed
func (pool *Pool) FlushPage(id common.PageID) (bool, error) {
	inst := pool.InstanceFor(id)
	inst.mu.Lock()
	p := inst.lookupLocked(id)
	if p == nil {
		inst.mu.Unlock()
		return false, nil
	}
	p.mu.Lock()
	if p.id != id {
		p.mu.Unlock()
		inst.mu.Unlock()
		return false, nil
	}
	// flush list 类型的写完成后不淘汰页面
	return inst.flushPageLocked(p, BUF_FLUSH_LIST, true)
}

// FlushLRU 在所有实例上运行LRU批次, 返回刷出与淘汰的总页数
func (pool *Pool) FlushLRU(max int) BatchResult {
	var total BatchResult
	for _, inst := range pool.instances {
		res, ok := inst.DoBatch(BUF_FLUSH_LRU, max, 0)
		if !ok {
			continue
		}
		total.Flushed += res.Flushed
		total.Evicted += res.Evicted
	}
	return total
}
