package buffer_pool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/smartystreets/assertions"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/latch"
)

/*
FlushList 实例的脏页链表.

head 是最近变脏的页面, tail 是 oldest_modification 最小的页面, 刷新批次从 tail 开始.
顺序是宽松的: mini-transaction 在 recent closed 缓冲里有空位时就可以把页面插到头部,
所以相邻页面之间最多差 recent closed 的容量. 恢复期间改用精确的插入排序,
此时维护一个按 (lsn, space, page) 排序的辅助索引.
*/
type FlushList struct {
	mu sync.Mutex

	head, tail *Page
	length     int
	bytes      int64
	pageSize   int64

	log LogOracle

	// 恢复期间的有序索引
	sorted []*Page

	// 刷新批次使用的hazard pointer
	hp      *GuardedCursor
	cursors cursorSet
}

func flushPrevOf(p *Page) *Page {
	return p.flushPrev
}

func newFlushList(log LogOracle, pageSize int) *FlushList {
	fl := &FlushList{log: log, pageSize: int64(pageSize)}
	fl.hp = fl.newCursor()
	return fl
}

// newCursor 登记游标, 节点移除时游标挪向head
func (fl *FlushList) newCursor() *GuardedCursor {
	c := newGuardedCursor(flushPrevOf)
	fl.cursors = append(fl.cursors, c)
	return c
}

// Len 脏页数量
func (fl *FlushList) Len() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.length
}

// Bytes 脏页占用的字节数, 用于监控
func (fl *FlushList) Bytes() int64 {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.bytes
}

// Oldest 尾部页面的 oldest_modification, 空链表返回0
func (fl *FlushList) Oldest() common.LSNT {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.tail == nil {
		return 0
	}
	return fl.tail.OldestModification()
}

// borrowLSN 没有redo的修改借用一个LSN: 不会让检查点后退, 也不打破宽松顺序
func (fl *FlushList) borrowLSN() common.LSNT {
	lsn := fl.log.DirtyPagesAddedUpToLSN()
	var headLSN common.LSNT
	if fl.head != nil {
		headLSN = fl.head.OldestModification()
		if headLSN < lsn {
			lsn = headLSN
		}
	}
	if flushed := fl.log.FlushedToDiskLSN(); flushed < lsn &&
		(headLSN == 0 || flushed+fl.log.RecentClosedCapacity() >= headLSN) {
		lsn = flushed
	}
	if cp := fl.log.LastCheckpointLSN(); lsn < cp {
		lsn = cp
	}
	return lsn
}

func (fl *FlushList) checkOrder(lsn common.LSNT) {
	if !latch.DebugChecks() || fl.head == nil {
		return
	}
	slack := fl.log.RecentClosedCapacity()
	latch.Assert(assertions.ShouldBeLessThanOrEqualTo(
		uint64(fl.head.OldestModification()), uint64(lsn+slack)))
}

// Insert 把第一次变脏的页面加到头部, lsn为0时借用
func (fl *FlushList) Insert(p *Page, lsn common.LSNT) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if p.inFlushList {
		return
	}
	if lsn == 0 {
		lsn = fl.borrowLSN()
	}
	if fl.sorted != nil {
		fl.insertSortedLocked(p, lsn)
		return
	}
	fl.checkOrder(lsn)
	p.oldestModification.Store(uint64(lsn))
	fl.linkAfter(nil, p)
}

// InsertSorted 恢复期间的精确插入
func (fl *FlushList) InsertSorted(p *Page, lsn common.LSNT) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if p.inFlushList {
		return
	}
	if lsn == 0 {
		lsn = fl.borrowLSN()
	}
	fl.insertSortedLocked(p, lsn)
}

type sortKey struct {
	lsn   common.LSNT
	space uint32
	page  uint32
}

func keyOf(p *Page, lsn common.LSNT) sortKey {
	return sortKey{lsn: lsn, space: p.id.Space, page: p.id.PageNo}
}

func (a sortKey) less(b sortKey) bool {
	if a.lsn != b.lsn {
		return a.lsn < b.lsn
	}
	if a.space != b.space {
		return a.space < b.space
	}
	return a.page < b.page
}

func (fl *FlushList) insertSortedLocked(p *Page, lsn common.LSNT) {
	p.oldestModification.Store(uint64(lsn))
	var prev *Page
	if fl.sorted != nil {
		k := keyOf(p, lsn)
		i := sort.Search(len(fl.sorted), func(i int) bool {
			q := fl.sorted[i]
			return k.less(keyOf(q, q.OldestModification()))
		})
		if i < len(fl.sorted) {
			prev = fl.sorted[i]
		}
		fl.sorted = append(fl.sorted, nil)
		copy(fl.sorted[i+1:], fl.sorted[i:])
		fl.sorted[i] = p
	} else {
		for q := fl.head; q != nil && q.OldestModification() > lsn; q = q.flushNext {
			prev = q
		}
	}
	fl.linkAfter(prev, p)
}

// linkAfter 把 p 链到 prev 之后(靠近tail), prev为nil时放在头部
func (fl *FlushList) linkAfter(prev, p *Page) {
	p.flushPrev = prev
	if prev == nil {
		p.flushNext = fl.head
		fl.head = p
	} else {
		p.flushNext = prev.flushNext
		prev.flushNext = p
	}
	if p.flushNext != nil {
		p.flushNext.flushPrev = p
	} else {
		fl.tail = p
	}
	p.inFlushList = true
	fl.length++
	fl.bytes += fl.pageSize
}

// Remove 页面已写出或被丢弃: 移出链表并清除脏标记
func (fl *FlushList) Remove(p *Page) {
	fl.mu.Lock()
	fl.removeLocked(p)
	fl.mu.Unlock()
}

func (fl *FlushList) removeLocked(p *Page) {
	if !p.inFlushList {
		return
	}
	fl.cursors.adjust(p)
	if fl.sorted != nil {
		fl.dropSorted(p)
	}
	if p.flushPrev != nil {
		p.flushPrev.flushNext = p.flushNext
	} else {
		fl.head = p.flushNext
	}
	if p.flushNext != nil {
		p.flushNext.flushPrev = p.flushPrev
	} else {
		fl.tail = p.flushPrev
	}
	p.flushPrev, p.flushNext = nil, nil
	p.inFlushList = false
	p.oldestModification.Store(0)
	fl.length--
	fl.bytes -= fl.pageSize
	if obs := p.observer.Swap(nil); obs != nil {
		obs.notifyRemove(p.instance)
	}
}

func (fl *FlushList) dropSorted(p *Page) {
	for i, q := range fl.sorted {
		if q == p {
			fl.sorted = append(fl.sorted[:i], fl.sorted[i+1:]...)
			return
		}
	}
}

// Relocate 控制块搬迁: to 接替 from 在链表中的位置
func (fl *FlushList) Relocate(from, to *Page) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if !from.inFlushList {
		return
	}
	fl.cursors.move(from, to)
	to.flushPrev, to.flushNext = from.flushPrev, from.flushNext
	if from.flushPrev != nil {
		from.flushPrev.flushNext = to
	} else {
		fl.head = to
	}
	if from.flushNext != nil {
		from.flushNext.flushPrev = to
	} else {
		fl.tail = to
	}
	to.inFlushList = true
	to.oldestModification.Store(from.oldestModification.Load())
	to.observer.Store(from.observer.Swap(nil))
	for i, q := range fl.sorted {
		if q == from {
			fl.sorted[i] = to
			break
		}
	}
	from.flushPrev, from.flushNext = nil, nil
	from.inFlushList = false
	from.oldestModification.Store(0)
}

// EnableSortedIndex 进入恢复: 之后的插入保持精确顺序
func (fl *FlushList) EnableSortedIndex() {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.sorted != nil {
		return
	}
	fl.sorted = make([]*Page, 0, fl.length)
	for p := fl.tail; p != nil; p = p.flushPrev {
		fl.sorted = append(fl.sorted, p)
	}
	sort.SliceStable(fl.sorted, func(i, j int) bool {
		a, b := fl.sorted[i], fl.sorted[j]
		return keyOf(a, a.OldestModification()).less(keyOf(b, b.OldestModification()))
	})
}

// DropSortedIndex 恢复结束
func (fl *FlushList) DropSortedIndex() {
	fl.mu.Lock()
	fl.sorted = nil
	fl.mu.Unlock()
}

// countUpTo 从tail开始 oldest_modification 不超过 lsn 的页面数
func (fl *FlushList) countUpTo(lsn common.LSNT) int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	n := 0
	for p := fl.tail; p != nil; p = p.flushPrev {
		if p.OldestModification() > lsn {
			break
		}
		n++
	}
	return n
}

// Validate 检查链表结构与宽松顺序: tail侧的页面最多比head侧的新 slack
func (fl *FlushList) Validate() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	slack := fl.log.RecentClosedCapacity()
	n := 0
	var newer *Page
	for p := fl.tail; p != nil; p = p.flushPrev {
		if !p.inFlushList || p.OldestModification() == 0 {
			return fmt.Errorf("flush list: page %s is listed but not dirty", p.id)
		}
		if p.flushPrev != nil && p.flushPrev.flushNext != p {
			return fmt.Errorf("flush list: broken link at %s", p.id)
		}
		if newer = p.flushPrev; newer != nil && p.OldestModification() > newer.OldestModification()+slack {
			return fmt.Errorf("flush list: %s (lsn %d) is older than %s (lsn %d) beyond slack %d",
				newer.id, newer.OldestModification(), p.id, p.OldestModification(), slack)
		}
		n++
	}
	if n != fl.length {
		return fmt.Errorf("flush list: length %d but counted %d", fl.length, n)
	}
	if fl.bytes != int64(n)*fl.pageSize {
		return fmt.Errorf("flush list: byte counter %d does not match %d pages", fl.bytes, n)
	}
	return nil
}

// Pages 从head到tail的页号, 测试与诊断使用
func (fl *FlushList) Pages() []common.PageID {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	ids := make([]common.PageID, 0, fl.length)
	for p := fl.head; p != nil; p = p.flushNext {
		ids = append(ids, p.id)
	}
	return ids
}
