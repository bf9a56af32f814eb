package engine

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/fil"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/ibuf"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/mtr"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/page"
)

// CreateTablespace 创建(或重新打开)用户表空间
func (e *XMySQLEngine) CreateTablespace(id uint32, name string, temporary bool) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if id == common.SYSTEM_SPACE_ID {
		return errors.Errorf("space %d is reserved for the system tablespace", id)
	}
	purpose := fil.PurposeTablespace
	if temporary {
		purpose = fil.PurposeTemporary
	}
	_, err := e.sys.CreateSpace(id, name, purpose, e.compression)
	return err
}

// DropTablespace 丢弃表空间的脏页, 删除文件, 再清理变更缓冲中属于它的记录
func (e *XMySQLEngine) DropTablespace(id uint32) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.pool.RemoveSpacePages(id, nil, false)
	if err := e.sys.DropSpace(id); err != nil {
		return err
	}
	e.ibuf.DeleteForDiscardedSpace(id)
	return nil
}

func (e *XMySQLEngine) logMode(space uint32) mtr.LogMode {
	if e.sys.IsTemporary(space) {
		return mtr.LogNoRedo
	}
	return mtr.LogAll
}

// CreateIndexPage 在索引所在表空间分配一个空的叶子页, 位图中标记为空闲
func (e *XMySQLEngine) CreateIndexPage(idx *page.Index) (common.PageID, error) {
	if e.closed.Load() {
		return common.PageID{}, ErrClosed
	}
	pageNo, err := e.sys.AllocPage(idx.Space)
	if err != nil {
		return common.PageID{}, err
	}
	id := common.NewPageID(idx.Space, pageNo)
	e.redo.FreeCheck()
	m := mtr.Start(e.redo, e.logMode(idx.Space))
	p, err := e.pool.CreatePage(id, common.FIL_PAGE_INDEX, m)
	if err != nil {
		m.Commit()
		return common.PageID{}, err
	}
	page.Create(p.Frame(), id, idx.ID, 0)
	m.SetModified(p, mtr.MLOG_PAGE_CREATE, nil)
	e.ibuf.UpdateFreeBits(m, p, 0)
	m.Commit()
	e.pool.IncActivity()
	return id, nil
}

// SecondaryIndexOp 对二级索引叶子页 id 执行一次修改. 页面不在缓冲池时先尝试写入变更缓冲,
// 否则读入页面(读入时合并已缓冲的修改)直接修改.
// DELETE 是 purge 的物理删除: 先设置页面监视, 缓冲期间页面被读入时放弃缓冲
func (e *XMySQLEngine) SecondaryIndexOp(op ibuf.Op, idx *page.Index, entry page.Tuple, id common.PageID) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := idx.Check(entry); err != nil {
		return err
	}
	e.redo.FreeCheck()
	e.pool.IncActivity()

	if op == ibuf.IBUF_OP_DELETE {
		// 页面已在池中时 WatchSet 不设置哨兵, 不能再调用 WatchUnset
		resident, err := e.pool.WatchSet(id)
		if err != nil {
			log.Debugf("no watch slot for page %s, purging in place: %v", id, err)
		} else if !resident {
			buffered := e.ibuf.Insert(op, entry, idx, id)
			e.pool.WatchUnset(id)
			if buffered {
				return nil
			}
		}
	} else if e.ibuf.Insert(op, entry, idx, id) {
		return nil
	}
	return e.applyToPage(op, idx, entry, id)
}

func (e *XMySQLEngine) applyToPage(op ibuf.Op, idx *page.Index, entry page.Tuple, id common.PageID) error {
	m := mtr.Start(e.redo, e.logMode(id.Space))
	defer m.Commit()
	p, err := e.pool.GetPage(id, mtr.RW_X_LATCH, buffer_pool.BUF_GET, m)
	if err != nil {
		return err
	}
	pg := page.Wrap(p.Frame())
	if !pg.IsIndex() || !pg.IsLeaf() {
		return errors.Wrapf(page.ErrNotIndexPage, "page %s", id)
	}
	maxInsBefore := pg.MaxInsertSizeAfterReorganize()
	pos, exact := pg.Search(idx, entry)

	switch op {
	case ibuf.IBUF_OP_INSERT:
		if exact {
			r := pg.Rec(pos)
			if !r.Deleted() {
				return errors.Wrapf(ErrDuplicateKey, "%s in page %s", idx.Format(entry), id)
			}
			if pg.SameFieldSizes(pos, entry) {
				pg.UpdateInPlace(pos, entry, r.InfoBits()&^page.REC_INFO_DELETED_FLAG)
				m.SetModified(p, mtr.MLOG_REC_INSERT, page.EncodeRec(entry, 0))
				break
			}
			pg.Delete(pos)
		}
		if _, ok := pg.InsertTuple(idx, entry); !ok {
			return errors.Wrapf(page.ErrPageFull, "%s in page %s", idx.Format(entry), id)
		}
		m.SetModified(p, mtr.MLOG_REC_INSERT, page.EncodeRec(entry, 0))
	case ibuf.IBUF_OP_DELETE_MARK:
		if !exact {
			return errors.Wrapf(ErrRecordNotFound, "%s in page %s", idx.Format(entry), id)
		}
		pg.SetDeleteMark(pos, true)
		m.SetModified(p, mtr.MLOG_WRITE_STRING, nil)
	case ibuf.IBUF_OP_DELETE:
		if !exact {
			return errors.Wrapf(ErrRecordNotFound, "%s in page %s", idx.Format(entry), id)
		}
		if !pg.Rec(pos).Deleted() {
			return errors.Errorf("cannot purge %s in page %s: record is not delete-marked", idx.Format(entry), id)
		}
		pg.Delete(pos)
		m.SetModified(p, mtr.MLOG_REC_DELETE, page.EncodeRec(entry, 0))
	default:
		return errors.Errorf("unknown secondary index operation %d", op)
	}
	e.ibuf.UpdateFreeBits(m, p, maxInsBefore)
	return nil
}

// ReadIndexPage 读入页面, 返回记录副本与各自的删除标记
func (e *XMySQLEngine) ReadIndexPage(id common.PageID) ([]page.Tuple, []bool, error) {
	if e.closed.Load() {
		return nil, nil, ErrClosed
	}
	p, err := e.pool.GetPage(id, mtr.RW_S_LATCH, buffer_pool.BUF_GET, nil)
	if err != nil {
		return nil, nil, err
	}
	defer e.pool.ReleasePage(p, mtr.RW_S_LATCH)
	pg := page.Wrap(p.Frame())
	if !pg.IsIndex() {
		return nil, nil, errors.Wrapf(page.ErrNotIndexPage, "page %s", id)
	}
	deleted := make([]bool, pg.NRecs())
	for i := range deleted {
		deleted[i] = pg.Rec(i).Deleted()
	}
	return pg.Tuples(), deleted, nil
}
