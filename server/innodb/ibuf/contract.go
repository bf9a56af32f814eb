package ibuf

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/mtr"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/page"
	"github.com/zhukovaskychina/xmysql-bufcore/util"
)

// Contract 从随机位置选取一组相邻页面读入, 由读完成时的合并收缩变更缓冲(ibuf_contract).
// 返回这些页面缓冲的字节数, 树为空时返回0
func (cb *ChangeBuffer) Contract(waitAll bool) int {
	n, _ := cb.mergePages(waitAll)
	return n
}

func (cb *ChangeBuffer) mergePages(waitAll bool) (volume int, nPages int) {
	m := mtr.Start(cb.redo, mtr.LogNone)
	m.LockMutex(latch.LevelIbufIndexTree, cb.tree.RLocker())
	c, err := cb.randomCursor(m)
	if err != nil {
		m.Commit()
		log.Errorf("cannot open a random change buffer cursor: %v", err)
		return 0, 0
	}
	if c.pg.IsEmpty() {
		m.Commit()
		return 0, 0
	}
	ids, volume := cb.mergePageNos(true, c.pg, c.pos)
	m.Commit()
	cb.readMergePages(ids, waitAll)
	return volume, len(ids)
}

// randomCursor 随机选择一个叶子上的随机记录
func (cb *ChangeBuffer) randomCursor(m *mtr.Mtr) (*cursor, error) {
	c := cb.newCursor(m)
	root, err := c.get(common.FSP_IBUF_TREE_ROOT_PAGE_NO, mtr.RW_S_LATCH)
	if err != nil {
		return nil, err
	}
	c.root = root
	rpg := page.Wrap(root.Frame())
	if rpg.IsLeaf() {
		c.setLeaf(root)
	} else {
		slot := cb.random(rpg.NRecs())
		leaf, err := c.get(nodePtrChild(rpg.Rec(slot)), mtr.RW_S_LATCH)
		if err != nil {
			return nil, err
		}
		c.setLeaf(leaf)
	}
	if n := c.pg.NRecs(); n > 0 {
		c.pos = cb.random(n)
	}
	return c, nil
}

// mergeThreshold 非收缩时只有缓冲量超过此值的相邻页面才一起合并
func (cb *ChangeBuffer) mergeThreshold() int {
	t := cb.cfg.MergeThreshold
	return (t - 1) * 4 * cb.pageSize / IBUF_PAGE_SIZE_PER_FREE_SPACE / t
}

// mergePageNos 收集 pos 附近同一合并区域内的页面(ibuf_get_merge_page_nos).
// contract 为 false 时只选择起始页面以及缓冲量较大的页面, 返回所选页面的缓冲字节数
func (cb *ChangeBuffer) mergePageNos(contract bool, pg page.IndexPage, pos int) ([]common.PageID, int) {
	n := pg.NRecs()
	if n == 0 {
		return nil, 0
	}
	limit := cb.pool.CurrSize() / 4
	if limit > IBUF_MAX_N_PAGES_MERGED {
		limit = IBUF_MAX_N_PAGES_MERGED
	}
	area := cb.cfg.MergeArea
	if pos >= n {
		pos = n - 1
	}
	if pos < 0 {
		pos = 0
	}
	rec := func(i int) ibufRec { return ibufRec{pg.Rec(i)} }
	first := rec(pos).pageID()
	inArea := func(id common.PageID) bool {
		return id.Space == first.Space && id.PageNo/area == first.PageNo/area
	}

	// 向左找到合并区域的起点
	i := pos
	var prev common.PageID
	for nPages := 0; i >= 0 && nPages < limit; i-- {
		id := rec(i).pageID()
		if !inArea(id) {
			break
		}
		if id != prev {
			nPages++
		}
		prev = id
	}
	i++

	// (0,0) 与 (0,1) 不会出现在变更缓冲中, 分别表示开始与结束
	none := common.PageID{}
	end := common.NewPageID(0, 1)
	var ids []common.PageID
	prev = none
	sum, volForPage := 0, 0
	for len(ids) < limit {
		cur := end
		if i < n {
			cur = rec(i).pageID()
		}
		if cur != prev && prev != none {
			if contract || prev == first || volForPage > cb.mergeThreshold() {
				ids = append(ids, prev)
				sum += volForPage
			}
			if !inArea(cur) {
				break
			}
			volForPage = 0
		}
		if cur == end {
			break
		}
		volForPage += rec(i).volume()
		prev = cur
		i++
	}
	return ids, sum
}

// readMergePages 读入页面触发合并. 已在池中的页面就地合并
func (cb *ChangeBuffer) readMergePages(ids []common.PageID, waitAll bool) {
	if len(ids) == 0 {
		return
	}
	toRead := ids[:0:0]
	for _, id := range ids {
		if cb.pool.IsResident(id) {
			cb.mergeResident(id)
			continue
		}
		toRead = append(toRead, id)
	}
	if _, err := cb.pool.ReadMergePages(toRead, waitAll, cb.DeleteForDiscardedSpace); err != nil {
		log.Warnf("change buffer merge reads: %v", err)
	}
}

// mergeResident 页面在缓冲之后被读入, 直接在池中合并
func (cb *ChangeBuffer) mergeResident(id common.PageID) {
	p, err := cb.pool.GetPage(id, mtr.RW_X_LATCH, buffer_pool.BUF_GET_IF_IN_POOL, nil)
	if err != nil || p == nil {
		return
	}
	defer cb.pool.ReleasePage(p, mtr.RW_X_LATCH)
	cb.MergeOrDeleteForPage(p, id, true)
}

// MergeInBackground 后台合并(ibuf_merge_in_background). full 时按 100% io_capacity,
// 否则按 5%, 大小超过上限一半后按比例增加. 返回合并涉及的字节数
func (cb *ChangeBuffer) MergeInBackground(full bool) int {
	if cb.IsEmpty() {
		return 0
	}
	pcfg := cb.pool.Config()
	var nPages int
	if full {
		nPages = pcfg.PCT_IO(100)
	} else {
		nPages = pcfg.PCT_IO(5)
		cb.mu.Lock()
		size, max := cb.size, cb.maxSize
		cb.mu.Unlock()
		// 超过上限一半后按超出的比例加快
		if size >= max/2 {
			diff := size - max/2
			nPages += pcfg.PCT_IO(float64(diff*100) / float64(max+1))
		}
	}
	sumBytes, sumPages := 0, 0
	for sumPages < nPages {
		n, pages := cb.mergePages(false)
		if n == 0 {
			break
		}
		sumBytes += n
		sumPages += pages
	}
	return sumBytes
}

// MergeSpace 合并某个表空间的缓冲修改, 每次最多 IBUF_MAX_N_PAGES_MERGED 个页面并等待完成.
// 返回本次读入的页面数(ibuf_merge_space)
func (cb *ChangeBuffer) MergeSpace(space uint32) int {
	m := mtr.Start(cb.redo, mtr.LogNone)
	m.LockMutex(latch.LevelIbufIndexTree, cb.tree.RLocker())
	c, err := cb.openCursor(m, searchTuple(common.NewPageID(space, 0))[:IBUF_REC_FIELD_MARKER+1],
		searchGE, mtr.RW_S_LATCH, false)
	if err != nil {
		m.Commit()
		log.Errorf("cannot position in the change buffer for space %d: %v", space, err)
		return 0
	}
	var ids []common.PageID
	for len(ids) < IBUF_MAX_N_PAGES_MERGED {
		if !c.onUserRec() {
			if c.pos < c.pg.NRecs() || c.pg.Next() == common.FIL_NULL {
				break
			}
			if err := c.moveToNext(mtr.RW_S_LATCH); err != nil {
				break
			}
			continue
		}
		r := c.rec()
		if r.space() != space {
			break
		}
		if id := r.pageID(); len(ids) == 0 || ids[len(ids)-1] != id {
			ids = append(ids, id)
		}
		c.pos++
	}
	m.Commit()
	cb.readMergePages(ids, true)
	return len(ids)
}

// addFreePage 从系统表空间分配一页放入空闲页链表(ibuf_add_free_page)
func (cb *ChangeBuffer) addFreePage() error {
	pageNo, err := cb.sys.AllocPage(common.IBUF_SPACE_ID)
	if err != nil {
		return errors.Wrap(err, "allocate change buffer page")
	}
	id := common.NewPageID(common.IBUF_SPACE_ID, pageNo)

	m := mtr.Start(cb.redo, mtr.LogAll)
	hdr, err := cb.pool.GetPage(headerID(), mtr.RW_X_LATCH, buffer_pool.BUF_GET, m)
	if err != nil {
		m.Commit()
		return err
	}
	m.LockMutex(latch.LevelIbufMutex, &cb.mu)
	c := cb.newCursor(m)
	if c.root, err = c.get(common.FSP_IBUF_TREE_ROOT_PAGE_NO, mtr.RW_X_LATCH); err != nil {
		m.Commit()
		return err
	}
	p, err := cb.pool.CreatePage(id, common.FIL_PAGE_IBUF_FREE_LIST, m)
	if err != nil {
		m.Commit()
		return err
	}
	c.pages[pageNo] = p
	c.freePage(p)

	cb.segSize++
	util.MachWrite4(hdr.Frame(), IBUF_HEADER_SEG_SIZE, uint32(cb.segSize))
	m.SetModified(hdr, mtr.MLOG_WRITE_STRING, nil)
	cb.sizeUpdateLocked(c.rootPage())

	bitmap, err := cb.getBitmapPage(m, id, mtr.RW_X_LATCH)
	if err == nil {
		cb.setBits(m, bitmap, pageNo, IBUF_BITMAP_IBUF, 1)
	}
	m.Commit()
	return err
}

// removeFreePage 空闲页过多时归还一页(ibuf_remove_free_page), 返回是否归还了
func (cb *ChangeBuffer) removeFreePage() (bool, error) {
	m := mtr.Start(cb.redo, mtr.LogAll)
	m.LockMutex(latch.LevelIbufPessInsertMutex, &cb.pessInsertMu)
	hdr, err := cb.pool.GetPage(headerID(), mtr.RW_X_LATCH, buffer_pool.BUF_GET, m)
	if err != nil {
		m.Commit()
		return false, err
	}
	m.LockMutex(latch.LevelIbufMutex, &cb.mu)
	if !cb.tooMuchFreeLocked() {
		m.Commit()
		return false, nil
	}
	c := cb.newCursor(m)
	if c.root, err = c.get(common.FSP_IBUF_TREE_ROOT_PAGE_NO, mtr.RW_X_LATCH); err != nil {
		m.Commit()
		return false, err
	}
	p, err := c.allocPage()
	if err != nil {
		m.Commit()
		return false, err
	}
	pageNo := p.ID().PageNo
	cb.segSize--
	util.MachWrite4(hdr.Frame(), IBUF_HEADER_SEG_SIZE, uint32(cb.segSize))
	m.SetModified(hdr, mtr.MLOG_WRITE_STRING, nil)
	cb.sizeUpdateLocked(c.rootPage())

	bitmap, err := cb.getBitmapPage(m, p.ID(), mtr.RW_X_LATCH)
	if err == nil {
		cb.setBits(m, bitmap, pageNo, IBUF_BITMAP_IBUF, 0)
	}
	m.Commit()
	if ferr := cb.sys.FreePage(common.IBUF_SPACE_ID, pageNo); ferr != nil {
		return true, errors.Wrapf(ferr, "free change buffer page %d", pageNo)
	}
	return true, err
}

// FreeExcessPages 插入较少时把多余的空闲页还给系统表空间, 每次最多4页
func (cb *ChangeBuffer) FreeExcessPages() int {
	n := 0
	for ; n < 4; n++ {
		removed, err := cb.removeFreePage()
		if err != nil {
			log.Warnf("cannot free excess change buffer pages: %v", err)
			break
		}
		if !removed {
			break
		}
	}
	return n
}
