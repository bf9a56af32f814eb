package ibuf

import (
	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/fil"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/mtr"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/page"
)

// MergeOrDeleteForPage 把缓冲的修改应用到刚读入的页面并删除这些记录(ibuf_merge_or_delete_for_page).
// block 为 nil 时页面被重新创建或表空间已删除, 只删除记录.
// 调用时 block 持有X锁且处于读io-fix
func (cb *ChangeBuffer) MergeOrDeleteForPage(block *buffer_pool.Page, id common.PageID, updateBitmap bool) {
	if id.Space == common.IBUF_SPACE_ID || fixedAddrPage(id, cb.pageSize) ||
		id.PageNo%uint32(cb.pageSize) == common.FSP_XDES_OFFSET {
		return
	}
	if cb.cfg.ForceRecovery >= SRV_FORCE_NO_IBUF_MERGE || cb.sys.IsTemporary(id.Space) {
		return
	}
	if updateBitmap {
		if !cb.sys.Exists(id.Space) {
			// 表空间已删除, 只能丢弃
			block = nil
			updateBitmap = false
		} else {
			bm := mtr.Start(cb.redo, mtr.LogNone)
			bitmap, err := cb.getBitmapPage(bm, id, mtr.RW_S_LATCH)
			buffered := err == nil && bitmapGetBits(bitmap.Frame(), id.PageNo, cb.pageSize, IBUF_BITMAP_BUFFERED) != 0
			bm.Commit()
			if err != nil {
				log.Warnf("cannot read the change buffer bitmap of page %s: %v", id, err)
			}
			if !buffered {
				return
			}
		}
	}

	corrupted := false
	if block != nil {
		pg := page.Wrap(block.Frame())
		if !pg.IsIndex() || !pg.IsLeaf() {
			corrupted = true
			log.Errorf("trying to merge buffered changes into page %s of type %s, which is not an index leaf page; "+
				"the buffered changes are discarded. Please run CHECK TABLE on the table that owns the page",
				id, fil.PageType(block.Frame()))
		}
	}
	cb.merge(block, id, updateBitmap, corrupted)
}

// merge 逐条应用并删除 id 的记录. 每处理完一个叶子或者需要悲观删除时提交并重新定位
func (cb *ChangeBuffer) merge(block *buffer_pool.Page, id common.PageID, updateBitmap, corrupted bool) {
	search := searchTuple(id)
	var mops, dops [IBUF_OP_COUNT]int
	var ub mtr.Block
	if block != nil {
		ub = block.Borrowed()
	}
	start := func() *mtr.Mtr {
		m := mtr.Start(cb.redo, mtr.LogAll)
		if ub != nil {
			m.MemoPushLevel(ub, mtr.RW_X_LATCH, latch.LevelIbufTreeNode)
		}
		m.LockMutex(latch.LevelIbufIndexTree, cb.tree.RLocker())
		return m
	}

loop:
	for {
		m := start()
		c, err := cb.openCursor(m, search, searchGE, mtr.RW_X_LATCH, false)
		if err != nil {
			m.Commit()
			log.Errorf("cannot position in the change buffer for page %s: %v", id, err)
			return
		}
		for {
			if !c.onUserRec() {
				if c.pos >= c.pg.NRecs() && c.pg.Next() != common.FIL_NULL {
					// 当前叶子处理完, 提交后重新定位到右边的叶子
					m.Commit()
					continue loop
				}
				break
			}
			r := c.rec()
			if !samePage(r.Rec, id) {
				break
			}
			op := r.op()
			if block == nil || corrupted || r.Deleted() {
				if corrupted {
					log.Warnf("discarding %s", r)
				}
				dops[op]++
			} else {
				entry := r.userTuple().Clone()
				uidx := r.userIndex()
				switch op {
				case IBUF_OP_INSERT:
					cb.applyInsert(m, ub, block, entry, uidx)
				case IBUF_OP_DELETE_MARK:
					cb.applyDeleteMark(m, ub, block, entry, uidx)
				case IBUF_OP_DELETE:
					cb.applyDelete(m, ub, block, entry, uidx)
					// 先标记记录已处理并提交, 用户页面的删除与记录的删除不在同一个 mini-transaction
					c.markProcessed()
					key := c.rec().Tuple()[:nodePtrKeyFields].Clone()
					m.Commit()
					m = start()
					var ok bool
					c, ok = cb.restorePosition(m, key, id.Space, false)
					if !ok {
						mops[op]++
						continue loop
					}
				}
				mops[op]++
			}
			if cb.deleteRec(m, c, id.Space) {
				// 悲观删除已经提交了 m
				continue loop
			}
		}
		if updateBitmap {
			cb.resetBufferedBit(m, block, id)
		}
		m.Commit()
		break
	}

	cb.nMerges.Add(1)
	cb.addOps(&cb.nMergedOps, mops, "merged")
	cb.addOps(&cb.nDiscardedOps, dops, "discarded")
	log.Debugf("page %s: merged %v, discarded %v", id, mops, dops)
}

// resetBufferedBit 合并结束后清除 BUFFERED 并按页面实际空间设置 FREE
func (cb *ChangeBuffer) resetBufferedBit(m *mtr.Mtr, block *buffer_pool.Page, id common.PageID) {
	bitmap, err := cb.getBitmapPage(m, id, mtr.RW_X_LATCH)
	if err != nil {
		log.Warnf("cannot reset the change buffer bitmap of page %s: %v", id, err)
		return
	}
	cb.setBits(m, bitmap, id.PageNo, IBUF_BITMAP_BUFFERED, 0)
	if block != nil {
		cb.setBits(m, bitmap, id.PageNo, IBUF_BITMAP_FREE, cb.calcFree(page.Wrap(block.Frame())))
	}
}

// deleteRec 删除游标处的记录, 返回 true 表示走了悲观路径, m 已提交(ibuf_delete_rec)
func (cb *ChangeBuffer) deleteRec(m *mtr.Mtr, c *cursor, space uint32) bool {
	if c.deleteOptimistic() {
		if c.leafIsRoot() && c.pg.IsEmpty() {
			cb.empty.Store(true)
		}
		return false
	}
	// 叶子会变空: 先打上已处理标记, 再在持有 mu 与 tree X锁时重新定位删除
	c.markProcessed()
	key := c.rec().Tuple()[:nodePtrKeyFields].Clone()
	m.Commit()

	pm := mtr.Start(cb.redo, mtr.LogAll)
	pm.LockMutex(latch.LevelIbufMutex, &cb.mu)
	pm.LockMutex(latch.LevelIbufIndexTree, &cb.tree)
	pc, ok := cb.restorePosition(pm, key, space, true)
	if !ok {
		return true
	}
	if err := pc.deletePessimistic(); err != nil {
		log.Errorf("change buffer pessimistic delete failed: %v", err)
	}
	cb.sizeUpdateLocked(pc.rootPage())
	pm.Commit()
	return true
}

// restorePosition 重新定位到保存的记录. 表空间已删除时返回 false, 其他情况下找不到记录是致命错误.
// 失败时 m 已提交
func (cb *ChangeBuffer) restorePosition(m *mtr.Mtr, key page.Tuple, space uint32, modifyTree bool) (*cursor, bool) {
	c, err := cb.openCursor(m, key, searchGE, mtr.RW_X_LATCH, modifyTree)
	if err == nil && c.onUserRec() && cmpPrefix(c.pg.Rec(c.pos), key) == 0 {
		return c, true
	}
	m.Commit()
	if !cb.sys.Exists(space) {
		// 合并过程中表空间被删除, 记录由 DeleteForDiscardedSpace 清理
		return nil, false
	}
	log.Fatalf("change buffer cursor restoration failed for %s: %v", key, err)
	return nil, false
}

// applyInsert 把缓冲的插入应用到页面. 只差删除标记的同一条记录直接清除标记
func (cb *ChangeBuffer) applyInsert(m *mtr.Mtr, ub mtr.Block, block *buffer_pool.Page, entry page.Tuple, uidx *page.Index) {
	pg := page.Wrap(block.Frame())
	if pg.NRecs() > 0 && pg.Rec(0).NFields() != len(entry) {
		cb.dumpCorrupt(block, entry, uidx, "the number of fields does not match the index page")
		return
	}
	pos, exact := pg.Search(uidx, entry)
	if exact {
		r := pg.Rec(pos)
		if pg.SameFieldSizes(pos, entry) {
			// 排序相等, 列长度相同, 原地覆盖并清除删除标记
			pg.UpdateInPlace(pos, entry, r.InfoBits()&^page.REC_INFO_DELETED_FLAG)
			m.SetModified(ub, mtr.MLOG_REC_INSERT, page.EncodeRec(entry, 0))
			return
		}
		// 排序相等但长度不同, 删除后重新插入
		pg.Delete(pos)
		m.SetModified(ub, mtr.MLOG_REC_DELETE, nil)
	}
	if _, ok := pg.InsertTuple(uidx, entry); !ok {
		cb.dumpCorrupt(block, entry, uidx, "the page has no room for the buffered insert")
		return
	}
	m.SetModified(ub, mtr.MLOG_REC_INSERT, page.EncodeRec(entry, 0))
}

// applyDeleteMark 设置删除标记, 记录必须存在
func (cb *ChangeBuffer) applyDeleteMark(m *mtr.Mtr, ub mtr.Block, block *buffer_pool.Page, entry page.Tuple, uidx *page.Index) {
	pg := page.Wrap(block.Frame())
	pos, exact := pg.Search(uidx, entry)
	if !exact {
		cb.dumpCorrupt(block, entry, uidx, "unable to find a record to delete-mark")
		return
	}
	if !pg.Rec(pos).Deleted() {
		pg.SetDeleteMark(pos, true)
		m.SetModified(ub, mtr.MLOG_WRITE_STRING, nil)
	}
}

// applyDelete purge: 删除已标记删除的记录, 不会删除页面上最后一条记录
func (cb *ChangeBuffer) applyDelete(m *mtr.Mtr, ub mtr.Block, block *buffer_pool.Page, entry page.Tuple, uidx *page.Index) {
	pg := page.Wrap(block.Frame())
	pos, exact := pg.Search(uidx, entry)
	if !exact {
		// 已经被清除
		return
	}
	if pg.NRecs() <= 1 || !pg.Rec(pos).Deleted() {
		cb.dumpCorrupt(block, entry, uidx, "unable to purge a record")
		return
	}
	pg.Delete(pos)
	m.SetModified(ub, mtr.MLOG_REC_DELETE, page.EncodeRec(entry, 0))
}

func (cb *ChangeBuffer) dumpCorrupt(block *buffer_pool.Page, entry page.Tuple, uidx *page.Index, what string) {
	log.Errorf("change buffer merge into page %s: %s\n%s\n%s\n"+
		"The table where this index record belongs is now probably corrupt. Please run CHECK TABLE on your tables.",
		block.ID(), what, uidx.Format(entry), page.Wrap(block.Frame()))
}

// DeleteForDiscardedSpace 删除已删除表空间的全部记录(ibuf_delete_for_discarded_space)
func (cb *ChangeBuffer) DeleteForDiscardedSpace(space uint32) {
	search := searchTuple(common.NewPageID(space, 0))[:IBUF_REC_FIELD_MARKER+1]
	var dops [IBUF_OP_COUNT]int
loop:
	for {
		m := mtr.Start(cb.redo, mtr.LogAll)
		m.LockMutex(latch.LevelIbufIndexTree, cb.tree.RLocker())
		c, err := cb.openCursor(m, search, searchGE, mtr.RW_X_LATCH, false)
		if err != nil {
			m.Commit()
			log.Errorf("cannot position in the change buffer for space %d: %v", space, err)
			return
		}
		for {
			if !c.onUserRec() {
				if c.pos >= c.pg.NRecs() && c.pg.Next() != common.FIL_NULL {
					m.Commit()
					continue loop
				}
				break
			}
			r := c.rec()
			if r.space() != space {
				break
			}
			dops[r.op()]++
			if cb.deleteRec(m, c, space) {
				continue loop
			}
		}
		m.Commit()
		break
	}
	cb.addOps(&cb.nDiscardedOps, dops, "discarded")
	log.Infof("discarded buffered changes of dropped space %d: %v", space, dops)
}
