package buffer_pool

// LRU 参数
const (
	// old区占LRU长度的比例为 lruOldRatio/lruOldRatioDiv
	lruOldRatio    = 3
	lruOldRatioDiv = 8
	// old区长度允许偏离目标值的幅度
	lruOldTolerance = 20
)

/*
lruList 实例的LRU链表, head为最近使用, tail为淘汰端.
长度达到 oldMinLen 后维护old区: 新读入的页面插入old区头部(中点插入),
在old区停留足够久后再次访问才移到young区, 避免全表扫描冲掉热点页面.
所有操作需要持有实例的 mu.
*/
type lruList struct {
	head, tail *Page
	length     int

	old       *Page // old区第一个页面
	oldLen    int
	oldMinLen int

	cursors cursorSet
}

func newLRUList(oldMinLen int) *lruList {
	return &lruList{oldMinLen: oldMinLen}
}

func lruPrevOf(p *Page) *Page {
	return p.lruPrev
}

// newCursor 登记一个扫描游标, 节点移除时游标挪向head
func (l *lruList) newCursor() *GuardedCursor {
	c := newGuardedCursor(lruPrevOf)
	l.cursors = append(l.cursors, c)
	return c
}

func (l *lruList) Len() int {
	return l.length
}

func (l *lruList) OldLen() int {
	return l.oldLen
}

func (l *lruList) Tail() *Page {
	return l.tail
}

func (l *lruList) oldTarget() int {
	return l.length * lruOldRatio / lruOldRatioDiv
}

func (l *lruList) pushFront(p *Page) {
	p.lruPrev = nil
	p.lruNext = l.head
	if l.head != nil {
		l.head.lruPrev = p
	}
	l.head = p
	if l.tail == nil {
		l.tail = p
	}
}

// insertBefore 把 p 插到 at 之前(靠近head)
func (l *lruList) insertBefore(p, at *Page) {
	p.lruNext = at
	p.lruPrev = at.lruPrev
	if at.lruPrev != nil {
		at.lruPrev.lruNext = p
	} else {
		l.head = p
	}
	at.lruPrev = p
}

// Add 加入页面, old为true时插入old区头部
func (l *lruList) Add(p *Page, old bool) {
	if p.inLRU {
		panic("buffer_pool: page already in LRU")
	}
	p.inLRU = true
	l.length++
	if old && l.old != nil {
		l.insertBefore(p, l.old)
		p.old = true
		l.old = p
		l.oldLen++
		l.adjustOld()
		return
	}
	p.old = false
	l.pushFront(p)
	if l.old == nil {
		if l.length >= l.oldMinLen {
			l.initOld()
		}
		return
	}
	l.adjustOld()
}

// initOld 从tail开始划出old区
func (l *lruList) initOld() {
	l.oldLen = 0
	target := l.oldTarget()
	var p *Page
	for p = l.tail; p != nil && l.oldLen < target; p = p.lruPrev {
		p.old = true
		l.oldLen++
		l.old = p
	}
	if l.oldLen == 0 {
		l.old = nil
	}
}

func (l *lruList) adjustOld() {
	target := l.oldTarget()
	for l.oldLen < target-lruOldTolerance && l.old != nil && l.old.lruPrev != nil {
		l.old = l.old.lruPrev
		l.old.old = true
		l.oldLen++
	}
	for l.oldLen > target+lruOldTolerance && l.old != nil && l.old.lruNext != nil {
		l.old.old = false
		l.old = l.old.lruNext
		l.oldLen--
	}
}

func (l *lruList) clearOld() {
	for p := l.head; p != nil; p = p.lruNext {
		p.old = false
	}
	l.old = nil
	l.oldLen = 0
}

// Remove 移出页面, 先调整指向它的游标
func (l *lruList) Remove(p *Page) {
	if !p.inLRU {
		panic("buffer_pool: page not in LRU")
	}
	l.cursors.adjust(p)
	if p == l.old {
		if p.lruPrev != nil {
			l.old = p.lruPrev
			l.old.old = true
			l.oldLen++
		} else {
			l.old = p.lruNext
			p.old = false
			l.oldLen--
		}
	}
	if p.lruPrev != nil {
		p.lruPrev.lruNext = p.lruNext
	} else {
		l.head = p.lruNext
	}
	if p.lruNext != nil {
		p.lruNext.lruPrev = p.lruPrev
	} else {
		l.tail = p.lruPrev
	}
	p.lruPrev, p.lruNext = nil, nil
	p.inLRU = false
	l.length--

	if l.length < l.oldMinLen {
		if l.old != nil {
			l.clearOld()
		}
		p.old = false
		return
	}
	if p.old {
		l.oldLen--
		p.old = false
	}
	if l.old == nil {
		l.initOld()
		return
	}
	l.adjustOld()
}

// MakeYoung 移到head
func (l *lruList) MakeYoung(p *Page) {
	l.Remove(p)
	l.Add(p, false)
}

// Replace 用 to 占据 from 的位置
func (l *lruList) Replace(from, to *Page) {
	l.cursors.move(from, to)
	to.lruPrev, to.lruNext = from.lruPrev, from.lruNext
	to.old = from.old
	to.inLRU = true
	if from.lruPrev != nil {
		from.lruPrev.lruNext = to
	} else {
		l.head = to
	}
	if from.lruNext != nil {
		from.lruNext.lruPrev = to
	} else {
		l.tail = to
	}
	if l.old == from {
		l.old = to
	}
	from.lruPrev, from.lruNext = nil, nil
	from.inLRU = false
	from.old = false
}
