package ibuf

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/mtr"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/page"
)

type insertResult int

const (
	insertDone insertResult = iota
	insertFailed
	// 乐观插入无法完成, 改用悲观方式重试
	insertRetry
)

// 估计一个页面的不同记录数时布隆过滤器的容量
const volumeFilterCapacity = 2048

var volumeFilters = sync.Pool{
	New: func() any { return bloom.NewWithEstimates(volumeFilterCapacity, 0.001) },
}

// acquireVolumeFilter 取一个清空的过滤器, 用完交给 releaseVolumeFilter
func acquireVolumeFilter() *bloom.BloomFilter {
	f := volumeFilters.Get().(*bloom.BloomFilter)
	f.ClearAll()
	return f
}

func releaseVolumeFilter(f *bloom.BloomFilter) {
	volumeFilters.Put(f)
}

// Insert 尝试把对 id 页面的修改写入变更缓冲(ibuf_insert).
// 返回 false 时调用者要读入页面直接修改
func (cb *ChangeBuffer) Insert(op Op, entry page.Tuple, idx *page.Index, id common.PageID) bool {
	if !cb.use().allows(op) {
		return false
	}
	if idx.Unique || idx.Clustered || id.Space == common.IBUF_SPACE_ID ||
		fixedAddrPage(id, cb.pageSize) || cb.sys.IsTemporary(id.Space) {
		return false
	}
	switch op {
	case IBUF_OP_INSERT, IBUF_OP_DELETE_MARK:
		// 页面已在池中, 或者 purge 正在监视它准备缓冲删除
		if cb.pool.PeekAlsoWatch(id) {
			return false
		}
	case IBUF_OP_DELETE:
		// purge 已经设置了监视, 在插入时检查
	}
	entrySize := entry.Size()
	if entrySize >= page.EmptyFreeSpace(cb.pageSize)/2 {
		return false
	}
	res := cb.insertLow(false, op, entry, entrySize, idx, id)
	if res == insertRetry {
		res = cb.insertLow(true, op, entry, entrySize, idx, id)
	}
	if res != insertDone {
		return false
	}
	metrics.IncrCounter([]string{"bufcore", "ibuf", "buffered"}, 1)
	return true
}

func (cb *ChangeBuffer) insertLow(pessimistic bool, op Op, entry page.Tuple, entrySize int, idx *page.Index, id common.PageID) insertResult {
	cb.mu.Lock()
	tooBig := cb.size >= cb.maxSize+IBUF_CONTRACT_DO_NOT_INSERT
	cb.mu.Unlock()
	if tooBig {
		// 变更缓冲太大, 同步收缩后本次不缓冲
		cb.Contract(true)
		return insertFailed
	}

	var m *mtr.Mtr
	if pessimistic {
		for {
			m = mtr.Start(cb.redo, mtr.LogAll)
			m.LockMutex(latch.LevelIbufPessInsertMutex, &cb.pessInsertMu)
			m.LockMutex(latch.LevelIbufMutex, &cb.mu)
			if cb.enoughFreeForInsertLocked() {
				break
			}
			m.Commit()
			if err := cb.addFreePage(); err != nil {
				log.Warnf("cannot extend the change buffer: %v", err)
				return insertFailed
			}
		}
		m.LockMutex(latch.LevelIbufIndexTree, &cb.tree)
	} else {
		m = mtr.Start(cb.redo, mtr.LogAll)
		m.LockMutex(latch.LevelIbufIndexTree, cb.tree.RLocker())
	}

	ientry := buildEntry(op, entry, idx, id)
	c, err := cb.openCursor(m, searchTuple(id), searchLE, mtr.RW_X_LATCH, pessimistic)
	if err != nil {
		m.Commit()
		log.Errorf("cannot position in the change buffer for page %s: %v", id, err)
		return insertFailed
	}

	buffered, nRecs, complete, err := c.volumeBuffered(id, pessimistic)
	if err != nil {
		m.Commit()
		log.Errorf("cannot estimate buffered changes for page %s: %v", id, err)
		return insertFailed
	}
	if !complete {
		m.Commit()
		return insertRetry
	}
	// 删除后页面不能变空, 也不能在页面读入后缓冲
	if op == IBUF_OP_DELETE && (nRecs < 2 || cb.pool.WatchOccurred(id)) {
		m.Commit()
		return insertFailed
	}

	counter := c.nextCounter(id)
	if counter >= IBUF_MAX_COUNTER {
		m.Commit()
		return insertFailed
	}
	setCounter(ientry, uint16(counter))

	// 检查与设置 BUFFERED 在同一次位图页加锁中完成, 与页面读入互斥
	bm := mtr.Start(cb.redo, cb.bitmapLogMode(id.Space))
	bitmap, err := cb.getBitmapPage(bm, id, mtr.RW_X_LATCH)
	if err != nil {
		bm.Commit()
		m.Commit()
		log.Warnf("cannot read the change buffer bitmap of page %s: %v", id, err)
		return insertFailed
	}
	if cb.pool.WatchOccurred(id) {
		bm.Commit()
		m.Commit()
		return insertFailed
	}
	if op == IBUF_OP_INSERT {
		bits := bitmapGetBits(bitmap.Frame(), id.PageNo, cb.pageSize, IBUF_BITMAP_FREE)
		if buffered+entrySize+page.PAGE_DIR_SLOT_SIZE > calcFreeFromBits(cb.pageSize, bits) {
			bm.Commit()
			ids, _ := cb.mergePageNos(false, c.pg, c.pos)
			m.Commit()
			// 页面可能放不下, 先把它和附近的页面合并掉
			cb.readMergePages(ids, false)
			return insertFailed
		}
	}
	cb.setBits(bm, bitmap, id.PageNo, IBUF_BITMAP_BUFFERED, 1)
	bm.Commit()

	if pessimistic {
		err = c.insertPessimistic(ientry)
		cb.sizeUpdateLocked(c.rootPage())
		if err != nil {
			m.Commit()
			log.Errorf("change buffer insert for page %s failed: %v", id, err)
			return insertFailed
		}
	} else if !c.insertOptimistic(ientry) {
		m.Commit()
		return insertRetry
	}
	cb.empty.Store(false)
	m.Commit()

	log.Debugf("buffered %s for page %s, counter %d, %d bytes", op, id, counter, entrySize)
	if pessimistic {
		cb.contractAfterInsert(entrySize)
	}
	return insertDone
}

// volumeBuffered 已缓冲的插入在页面上将占用的字节数, 以及合并后页面记录数的下限
// (ibuf_get_volume_buffered). 记录延伸到左边叶子而不能读取时 complete 为 false
func (c *cursor) volumeBuffered(id common.PageID, readPrev bool) (volume int, nRecs int, complete bool, err error) {
	filter := acquireVolumeFilter()
	defer releaseVolumeFilter(filter)
	pg, i := c.pg, c.pos
	for {
		for ; i >= 0; i-- {
			r := ibufRec{pg.Rec(i)}
			if !samePage(r.Rec, id) {
				return volume, nRecs, true, nil
			}
			switch r.op() {
			case IBUF_OP_INSERT:
				volume += r.volume()
				fallthrough
			case IBUF_OP_DELETE_MARK:
				// 同一条记录的多次操作只计一次
				if !filter.TestAndAdd(page.EncodeRec(r.userTuple(), 0)) {
					nRecs++
				}
			case IBUF_OP_DELETE:
				if nRecs > 0 {
					nRecs--
				}
			}
		}
		prev := pg.Prev()
		if prev == common.FIL_NULL {
			return volume, nRecs, true, nil
		}
		if !readPrev {
			return 0, 0, false, nil
		}
		// 持有 tree 的X锁, 从右向左加锁不会死锁
		p, err := c.get(prev, mtr.RW_X_LATCH)
		if err != nil {
			return 0, 0, false, err
		}
		pg = page.Wrap(p.Frame())
		i = pg.NRecs() - 1
	}
}

// nextCounter 该页面下一条记录的计数器, 游标位于该页面最后一条记录或之前
func (c *cursor) nextCounter(id common.PageID) int {
	if !c.onUserRec() || !samePage(c.pg.Rec(c.pos), id) {
		return 0
	}
	return int(c.rec().counter()) + 1
}

// contractAfterInsert 悲观插入后按超出上限的程度收缩, 收缩量与插入量相当
func (cb *ChangeBuffer) contractAfterInsert(entrySize int) {
	cb.mu.Lock()
	size, max := cb.size, cb.maxSize
	cb.mu.Unlock()
	if size < max+IBUF_CONTRACT_ON_INSERT_NON_SYNC {
		return
	}
	waitAll := size >= max+IBUF_CONTRACT_ON_INSERT_SYNC
	sum := 0
	for {
		n := cb.Contract(waitAll)
		sum += n
		if n == 0 || sum >= entrySize {
			return
		}
	}
}
