package ibuf

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/fil"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/mtr"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/page"
	"github.com/zhukovaskychina/xmysql-bufcore/util"
)

/*
变更缓冲树最多两层: 根页(4号页)是叶子, 或者是保存节点指针的第1层.
节点指针为子页面第一条记录的前四列加上子页号. 叶子按 PREV/NEXT 双向链接.
修改树结构(分裂, 释放叶子, 降低高度)要持有 mu 与 tree 的X锁, 其余操作持有 tree 的S锁
*/

var (
	errTreeFull    = errors.New("change buffer root has no room for a node pointer")
	errNoFreePages = errors.New("change buffer free list is empty")
)

const nodePtrKeyFields = IBUF_REC_FIELD_USER

type searchMode int

const (
	// 第一条不小于键值的记录
	searchGE searchMode = iota
	// 最后一条不大于键值的记录, 可能为 -1
	searchLE
)

// cursor 定位到叶子上的一条记录. pages 记录本 mini-transaction 中已加锁的树页面,
// 同一页面不能重复加锁
type cursor struct {
	cb    *ChangeBuffer
	m     *mtr.Mtr
	pages map[uint32]*buffer_pool.Page
	root  *buffer_pool.Page
	leaf  *buffer_pool.Page
	pg    page.IndexPage
	pos   int
}

func (cb *ChangeBuffer) newCursor(m *mtr.Mtr) *cursor {
	return &cursor{cb: cb, m: m, pages: make(map[uint32]*buffer_pool.Page)}
}

func (c *cursor) get(pageNo uint32, mode mtr.LatchMode) (*buffer_pool.Page, error) {
	if p, ok := c.pages[pageNo]; ok {
		return p, nil
	}
	p, err := c.cb.pool.GetPage(common.NewPageID(common.IBUF_SPACE_ID, pageNo), mode, buffer_pool.BUF_GET, c.m)
	if err != nil {
		return nil, err
	}
	c.pages[pageNo] = p
	return p, nil
}

func (c *cursor) release(p *buffer_pool.Page) {
	delete(c.pages, p.ID().PageNo)
	c.m.ReleaseBlock(p)
}

func (c *cursor) setLeaf(p *buffer_pool.Page) {
	c.leaf = p
	c.pg = page.Wrap(p.Frame())
}

func (c *cursor) rootPage() page.IndexPage {
	return page.Wrap(c.root.Frame())
}

func (c *cursor) onUserRec() bool {
	return c.pos >= 0 && c.pos < c.pg.NRecs()
}

func (c *cursor) rec() ibufRec {
	return ibufRec{c.pg.Rec(c.pos)}
}

func (c *cursor) leafIsRoot() bool {
	return c.leaf == c.root
}

func nodeKey(key page.Tuple) page.Tuple {
	if len(key) > nodePtrKeyFields {
		return key[:nodePtrKeyFields]
	}
	return key
}

func nodePtrChild(r page.Rec) uint32 {
	return util.MachRead4(r.Field(nodePtrKeyFields).Data, 0)
}

// nodePtr 指向 child 的节点指针, first 为子页面的第一条记录
func nodePtr(first page.Rec, child uint32) page.Tuple {
	t := make(page.Tuple, 0, nodePtrKeyFields+1)
	for i := 0; i < nodePtrKeyFields; i++ {
		t = append(t, first.Field(i))
	}
	return append(t, uint32Field(child))
}

// childSlot 选择下降的子页面. strict 时选最后一个键值小于 key 的节点指针
func childSlot(root page.IndexPage, key page.Tuple, strict bool) int {
	k := nodeKey(key)
	pos := root.SearchFunc(func(r page.Rec) bool {
		c := cmpPrefix(r, k)
		if strict {
			return c >= 0
		}
		return c > 0
	})
	if pos == 0 {
		return 0
	}
	return pos - 1
}

// openCursor 下降到叶子并定位. 调用者已持有 tree 锁.
// modifyTree 时根页与叶子都加X锁; 否则根页为叶子时按 leafMode, 为内部节点时加S锁
func (cb *ChangeBuffer) openCursor(m *mtr.Mtr, key page.Tuple, mode searchMode, leafMode mtr.LatchMode, modifyTree bool) (*cursor, error) {
	c := cb.newCursor(m)
	rootMode := leafMode
	if modifyTree {
		rootMode = mtr.RW_X_LATCH
	} else if cb.heightHint() > 1 {
		rootMode = mtr.RW_S_LATCH
	}
	root, err := c.get(common.FSP_IBUF_TREE_ROOT_PAGE_NO, rootMode)
	if err != nil {
		return nil, err
	}
	c.root = root
	rpg := page.Wrap(root.Frame())
	if rpg.IsLeaf() {
		if rootMode != leafMode && !modifyTree {
			// 高度在加锁前降为1, 重新以叶子模式加锁
			c.release(root)
			root, err = c.get(common.FSP_IBUF_TREE_ROOT_PAGE_NO, leafMode)
			if err != nil {
				return nil, err
			}
			c.root = root
		}
		c.setLeaf(root)
	} else {
		if rpg.IsEmpty() {
			return nil, errors.Errorf("change buffer root at level %d has no node pointers", rpg.Level())
		}
		slot := childSlot(rpg, key, mode == searchGE)
		childNo := nodePtrChild(rpg.Rec(slot))
		lm := leafMode
		if modifyTree {
			lm = mtr.RW_X_LATCH
		}
		leaf, err := c.get(childNo, lm)
		if err != nil {
			return nil, err
		}
		c.setLeaf(leaf)
	}
	if !c.pg.IsIndex() || !c.pg.IsLeaf() {
		return nil, errors.Errorf("change buffer page %d is not a leaf: %s", c.leaf.ID().PageNo, c.pg)
	}
	switch mode {
	case searchGE:
		c.pos = c.pg.SearchFunc(func(r page.Rec) bool { return cmpPrefix(r, key) >= 0 })
		if c.pos == c.pg.NRecs() && c.pg.Next() != common.FIL_NULL {
			if err := c.moveToNext(leafMode); err != nil {
				return nil, err
			}
		}
	case searchLE:
		c.pos = c.pg.SearchFunc(func(r page.Rec) bool { return cmpPrefix(r, key) > 0 }) - 1
	}
	return c, nil
}

// heightHint 加锁前的树高, 只用来选择根页的锁模式. 持有 tree 锁时不能再取 mu
func (cb *ChangeBuffer) heightHint() int {
	return int(cb.treeHeight.Load())
}

// moveToNext 移到右边叶子的第一条记录, 从左到右加锁
func (c *cursor) moveToNext(mode mtr.LatchMode) error {
	next, err := c.get(c.pg.Next(), mode)
	if err != nil {
		return err
	}
	old := c.leaf
	c.setLeaf(next)
	c.pos = 0
	if old != c.root {
		c.release(old)
	}
	return nil
}

// insertPos 新记录在叶子上的插入位置
func insertPos(pg page.IndexPage, t page.Tuple) int {
	k := nodeKey(t)
	return pg.SearchFunc(func(r page.Rec) bool { return cmpPrefix(r, k) > 0 })
}

// insertOptimistic 不改变树结构的插入
func (c *cursor) insertOptimistic(t page.Tuple) bool {
	pos := insertPos(c.pg, t)
	if !c.pg.Insert(pos, t, 0) {
		if t.Size() > c.pg.MaxInsertSizeAfterReorganize() {
			return false
		}
		c.pg.Reorganize()
		if !c.pg.Insert(pos, t, 0) {
			return false
		}
	}
	c.pos = pos
	c.m.SetModified(c.leaf, mtr.MLOG_REC_INSERT, page.EncodeRec(t, 0))
	return true
}

// insertPessimistic 需要时分裂叶子. 调用者持有 mu 与 tree 的X锁, 空闲页已预留
func (c *cursor) insertPessimistic(t page.Tuple) error {
	if c.insertOptimistic(t) {
		return nil
	}
	if c.leafIsRoot() {
		if err := c.raiseRoot(); err != nil {
			return err
		}
	}
	return c.splitAndInsert(t)
}

// raiseRoot 根页的记录移到新叶子, 根页变为只有一个节点指针的第1层
func (c *cursor) raiseRoot() error {
	root := c.rootPage()
	child, err := c.allocPage()
	if err != nil {
		return err
	}
	cpg := page.Create(child.Frame(), child.ID(), IBUF_INDEX_ID, 0)
	if err := root.MoveTo(cpg, 0); err != nil {
		return err
	}
	root.Clear(1)
	if cpg.IsEmpty() {
		return errors.New("raising an empty change buffer root")
	}
	ptr := nodePtr(cpg.Rec(0), child.ID().PageNo)
	if !root.Insert(0, ptr, page.REC_INFO_MIN_REC_FLAG) {
		return errTreeFull
	}
	c.m.SetModified(child, mtr.MLOG_PAGE_CREATE, nil)
	c.m.SetModified(c.root, mtr.MLOG_REC_INSERT, page.EncodeRec(ptr, page.REC_INFO_MIN_REC_FLAG))
	c.setLeaf(child)
	log.Debugf("change buffer root raised, new leaf %d", child.ID().PageNo)
	return nil
}

// splitAndInsert 分裂叶子后插入. 追加到叶子末尾时新叶子只放新记录
func (c *cursor) splitAndInsert(t page.Tuple) error {
	root := c.rootPage()
	ptrSize := append(nodeKey(t).Clone(), uint32Field(0)).Size()
	if ptrSize > root.MaxInsertSizeAfterReorganize() {
		return errTreeFull
	}
	left := c.pg
	n := left.NRecs()
	pos := insertPos(left, t)
	split := n / 2
	if pos == n {
		split = n
	}
	right, err := c.allocPage()
	if err != nil {
		return err
	}
	rpg := page.Create(right.Frame(), right.ID(), IBUF_INDEX_ID, 0)
	if split < n {
		if err := left.MoveTo(rpg, split); err != nil {
			return err
		}
	}
	rightNo := right.ID().PageNo
	rpg.SetPrev(left.PageNo())
	rpg.SetNext(left.Next())
	if next := left.Next(); next != common.FIL_NULL {
		np, err := c.get(next, mtr.RW_X_LATCH)
		if err != nil {
			return err
		}
		page.Wrap(np.Frame()).SetPrev(rightNo)
		c.m.SetModified(np, mtr.MLOG_WRITE_STRING, nil)
	}
	left.SetNext(rightNo)
	c.m.SetModified(c.leaf, mtr.MLOG_WRITE_STRING, nil)
	c.m.SetModified(right, mtr.MLOG_PAGE_CREATE, nil)

	target, tpos := c.leaf, pos
	if pos >= split {
		target, tpos = right, pos-split
	}
	tpg := page.Wrap(target.Frame())
	if !tpg.Insert(tpos, t, 0) {
		tpg.Reorganize()
		if !tpg.Insert(tpos, t, 0) {
			return errors.Wrapf(page.ErrPageFull, "change buffer record of %d bytes after split", t.Size())
		}
	}
	c.m.SetModified(target, mtr.MLOG_REC_INSERT, page.EncodeRec(t, 0))

	ptr := nodePtr(rpg.Rec(0), rightNo)
	ppos := insertPos(root, ptr)
	if !root.Insert(ppos, ptr, 0) {
		root.Reorganize()
		if !root.Insert(ppos, ptr, 0) {
			return errTreeFull
		}
	}
	c.m.SetModified(c.root, mtr.MLOG_REC_INSERT, page.EncodeRec(ptr, 0))
	c.setLeaf(target)
	c.pos = tpos
	log.Debugf("change buffer leaf %d split at %d of %d records, new leaf %d", left.PageNo(), split, n, rightNo)
	return nil
}

// deleteOptimistic 叶子不会因此变空(根页除外)时删除当前记录
func (c *cursor) deleteOptimistic() bool {
	if !c.leafIsRoot() && c.pg.NRecs() <= 1 {
		return false
	}
	c.deleteCurrent()
	return true
}

func (c *cursor) deleteCurrent() {
	body := page.Rec(c.pg.Rec(c.pos))
	c.m.SetModified(c.leaf, mtr.MLOG_REC_DELETE, append([]byte(nil), body[:body.Size()]...))
	c.pg.Delete(c.pos)
}

// markProcessed 打上删除标记, 合并中断后重新定位时跳过
func (c *cursor) markProcessed() {
	c.pg.SetDeleteMark(c.pos, true)
	c.m.SetModified(c.leaf, mtr.MLOG_WRITE_STRING, nil)
}

// deletePessimistic 删除当前记录, 叶子变空时释放叶子, 根页只剩一个子页面时降低树高.
// 调用者持有 mu 与 tree 的X锁
func (c *cursor) deletePessimistic() error {
	if c.deleteOptimistic() {
		return nil
	}
	c.deleteCurrent()
	root := c.rootPage()
	leafNo := c.leaf.ID().PageNo
	slot := -1
	for i := 0; i < root.NRecs(); i++ {
		if nodePtrChild(root.Rec(i)) == leafNo {
			slot = i
			break
		}
	}
	if slot < 0 {
		return errors.Errorf("change buffer leaf %d has no node pointer in the root", leafNo)
	}
	root.Delete(slot)
	if slot == 0 && root.NRecs() > 0 {
		rebuildMinRec(root)
	}
	c.m.SetModified(c.root, mtr.MLOG_REC_DELETE, nil)

	prev, next := c.pg.Prev(), c.pg.Next()
	if prev != common.FIL_NULL {
		pp, err := c.get(prev, mtr.RW_X_LATCH)
		if err != nil {
			return err
		}
		page.Wrap(pp.Frame()).SetNext(next)
		c.m.SetModified(pp, mtr.MLOG_WRITE_STRING, nil)
	}
	if next != common.FIL_NULL {
		np, err := c.get(next, mtr.RW_X_LATCH)
		if err != nil {
			return err
		}
		page.Wrap(np.Frame()).SetPrev(prev)
		c.m.SetModified(np, mtr.MLOG_WRITE_STRING, nil)
	}
	c.freePage(c.leaf)
	log.Debugf("change buffer leaf %d freed", leafNo)

	if root.NRecs() == 1 {
		return c.liftRoot()
	}
	return nil
}

// rebuildMinRec 删除最左节点指针后, 新的第一个节点指针成为最左
func rebuildMinRec(root page.IndexPage) {
	r := root.Rec(0)
	if r.InfoBits()&page.REC_INFO_MIN_REC_FLAG == 0 {
		root.UpdateInPlace(0, r.Tuple().Clone(), r.InfoBits()|page.REC_INFO_MIN_REC_FLAG)
	}
}

// liftRoot 唯一子页面的记录移回根页, 树高降为1
func (c *cursor) liftRoot() error {
	root := c.rootPage()
	childNo := nodePtrChild(root.Rec(0))
	child, err := c.get(childNo, mtr.RW_X_LATCH)
	if err != nil {
		return err
	}
	root.Clear(0)
	if err := page.Wrap(child.Frame()).MoveTo(root, 0); err != nil {
		return err
	}
	c.m.SetModified(child, mtr.MLOG_REC_DELETE, nil)
	c.freePage(child)
	c.setLeaf(c.root)
	log.Debugf("change buffer tree lifted, leaf %d freed", childNo)
	return nil
}

/*
空闲页链表保存在根页的 PAGE_BTR_IBUF_FREE_LIST: 长度(4) 第一页(4).
空闲页用 FIL_PAGE_NEXT 链接, 按栈使用
*/
const (
	IBUF_FREE_LIST_LEN   = page.PAGE_BTR_IBUF_FREE_LIST
	IBUF_FREE_LIST_FIRST = page.PAGE_BTR_IBUF_FREE_LIST + 4
)

func freeListLen(root page.IndexPage) uint32 {
	return util.MachRead4(root.Frame(), IBUF_FREE_LIST_LEN)
}

func freeListFirst(root page.IndexPage) uint32 {
	return util.MachRead4(root.Frame(), IBUF_FREE_LIST_FIRST)
}

func setFreeList(root page.IndexPage, n uint32, first uint32) {
	util.MachWrite4(root.Frame(), IBUF_FREE_LIST_LEN, n)
	util.MachWrite4(root.Frame(), IBUF_FREE_LIST_FIRST, first)
}

// allocPage 从空闲页链表取一页给树使用. 调用者持有 mu 与根页X锁
func (c *cursor) allocPage() (*buffer_pool.Page, error) {
	root := c.rootPage()
	n, first := freeListLen(root), freeListFirst(root)
	if n == 0 || first == common.FIL_NULL {
		return nil, errNoFreePages
	}
	p, err := c.get(first, mtr.RW_X_LATCH)
	if err != nil {
		return nil, err
	}
	next := page.Wrap(p.Frame()).Next()
	setFreeList(root, n-1, next)
	c.m.SetModified(c.root, mtr.MLOG_WRITE_STRING, nil)
	c.cb.freeListLen = int(n - 1)
	return p, nil
}

// freePage 树页面放回空闲页链表
func (c *cursor) freePage(p *buffer_pool.Page) {
	root := c.rootPage()
	n, first := freeListLen(root), freeListFirst(root)
	initFreeListPage(p, first)
	setFreeList(root, n+1, p.ID().PageNo)
	c.m.SetModified(p, mtr.MLOG_PAGE_CREATE, nil)
	c.m.SetModified(c.root, mtr.MLOG_WRITE_STRING, nil)
	c.cb.freeListLen = int(n + 1)
}

func initFreeListPage(p *buffer_pool.Page, next uint32) {
	fil.InitPageHeader(p.Frame(), p.ID(), common.FIL_PAGE_IBUF_FREE_LIST)
	util.MachWrite4(p.Frame(), common.FIL_PAGE_NEXT, next)
}
