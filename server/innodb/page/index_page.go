package page

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/fil"
	"github.com/zhukovaskychina/xmysql-bufcore/util"
)

// 索引页头, 位于文件头之后
const (
	PAGE_N_RECS   = common.PAGE_HEADER
	PAGE_HEAP_TOP = common.PAGE_HEADER + 2
	// 被删除记录占用, 整理页面后可以回收的字节数
	PAGE_GARBAGE  = common.PAGE_HEADER + 4
	PAGE_LEVEL    = common.PAGE_HEADER + 6
	PAGE_INDEX_ID = common.PAGE_HEADER + 8
	PAGE_MAX_TRX  = common.PAGE_HEADER + 16
	// PAGE_BTR_SEG_LEAF 叶子段头; 变更缓冲树根页在这里保存空闲页链表
	PAGE_BTR_SEG_LEAF       = common.PAGE_HEADER + 36
	PAGE_BTR_IBUF_FREE_LIST = PAGE_BTR_SEG_LEAF
)

// PAGE_DIR_SLOT_SIZE 页尾目录中每条记录的槽位
const PAGE_DIR_SLOT_SIZE = 2

// IndexPage 索引页: 记录从 PAGE_DATA 向后堆放, 页尾的槽位按键值顺序指向记录.
// 只操作页面内容, 调用者负责加锁与redo
type IndexPage struct {
	frame []byte
}

// Wrap 包装一个页面
func Wrap(frame []byte) IndexPage {
	return IndexPage{frame: frame}
}

// Create 把新页面初始化为空索引页
func Create(frame []byte, id common.PageID, indexID uint64, level uint16) IndexPage {
	fil.InitPageHeader(frame, id, common.FIL_PAGE_INDEX)
	pg := IndexPage{frame: frame}
	pg.clear(indexID, level)
	return pg
}

func (pg IndexPage) clear(indexID uint64, level uint16) {
	util.MachWrite2(pg.frame, PAGE_N_RECS, 0)
	util.MachWrite2(pg.frame, PAGE_HEAP_TOP, common.PAGE_DATA)
	util.MachWrite2(pg.frame, PAGE_GARBAGE, 0)
	util.MachWrite2(pg.frame, PAGE_LEVEL, level)
	util.MachWrite8(pg.frame, PAGE_INDEX_ID, indexID)
}

// Clear 清空全部记录, 保留页头链接
func (pg IndexPage) Clear(level uint16) {
	pg.clear(pg.IndexID(), level)
}

// EmptyFreeSpace 空页面可以容纳的记录字节数(含一个槽位)
func EmptyFreeSpace(pageSize int) int {
	return pageSize - common.PAGE_DATA - common.FIL_PAGE_DATA_END - PAGE_DIR_SLOT_SIZE
}

func (pg IndexPage) Frame() []byte {
	return pg.frame
}

// IsIndex 文件头中的页面类型是否为索引页
func (pg IndexPage) IsIndex() bool {
	return fil.PageType(pg.frame) == common.FIL_PAGE_INDEX
}

func (pg IndexPage) IsLeaf() bool {
	return pg.Level() == 0
}

func (pg IndexPage) NRecs() int {
	return int(util.MachRead2(pg.frame, PAGE_N_RECS))
}

func (pg IndexPage) IsEmpty() bool {
	return pg.NRecs() == 0
}

func (pg IndexPage) Level() uint16 {
	return util.MachRead2(pg.frame, PAGE_LEVEL)
}

func (pg IndexPage) SetLevel(level uint16) {
	util.MachWrite2(pg.frame, PAGE_LEVEL, level)
}

func (pg IndexPage) IndexID() uint64 {
	return util.MachRead8(pg.frame, PAGE_INDEX_ID)
}

func (pg IndexPage) PageNo() uint32 {
	return util.MachRead4(pg.frame, common.FIL_PAGE_OFFSET)
}

func (pg IndexPage) Prev() uint32 {
	return util.MachRead4(pg.frame, common.FIL_PAGE_PREV)
}

func (pg IndexPage) Next() uint32 {
	return util.MachRead4(pg.frame, common.FIL_PAGE_NEXT)
}

func (pg IndexPage) SetPrev(pageNo uint32) {
	util.MachWrite4(pg.frame, common.FIL_PAGE_PREV, pageNo)
}

func (pg IndexPage) SetNext(pageNo uint32) {
	util.MachWrite4(pg.frame, common.FIL_PAGE_NEXT, pageNo)
}

// MaxTrxID 页面上最大的修改事务号
func (pg IndexPage) MaxTrxID() uint64 {
	return util.MachRead8(pg.frame, PAGE_MAX_TRX)
}

// UpdateMaxTrxID 只增不减
func (pg IndexPage) UpdateMaxTrxID(id uint64) {
	if id > pg.MaxTrxID() {
		util.MachWrite8(pg.frame, PAGE_MAX_TRX, id)
	}
}

func (pg IndexPage) heapTop() int {
	return int(util.MachRead2(pg.frame, PAGE_HEAP_TOP))
}

func (pg IndexPage) garbage() int {
	return int(util.MachRead2(pg.frame, PAGE_GARBAGE))
}

func (pg IndexPage) dirEnd() int {
	return len(pg.frame) - common.FIL_PAGE_DATA_END
}

func (pg IndexPage) slot(i int) int {
	return pg.dirEnd() - PAGE_DIR_SLOT_SIZE*(i+1)
}

func (pg IndexPage) dirStart() int {
	return pg.slot(pg.NRecs() - 1)
}

func (pg IndexPage) recOffset(i int) int {
	return int(util.MachRead2(pg.frame, pg.slot(i)))
}

// Rec 按键值顺序的第 i 条记录
func (pg IndexPage) Rec(i int) Rec {
	return Rec(pg.frame[pg.recOffset(i):pg.dirStart()])
}

// DataSize 记录占用的字节数, 不含槽位
func (pg IndexPage) DataSize() int {
	return pg.heapTop() - common.PAGE_DATA - pg.garbage()
}

// MaxInsertSize 不整理页面时还能插入的最大记录
func (pg IndexPage) MaxInsertSize() int {
	n := pg.dirStart() - pg.heapTop() - PAGE_DIR_SLOT_SIZE
	if n < 0 {
		return 0
	}
	return n
}

// MaxInsertSizeAfterReorganize 整理页面后还能插入的最大记录
func (pg IndexPage) MaxInsertSizeAfterReorganize() int {
	n := pg.dirEnd() - common.PAGE_DATA - pg.DataSize() - PAGE_DIR_SLOT_SIZE*(pg.NRecs()+1)
	if n < 0 {
		return 0
	}
	return n
}

// SearchFunc 第一个使 ge 为真的位置, ge 对键值有序的记录单调
func (pg IndexPage) SearchFunc(ge func(Rec) bool) int {
	return sort.Search(pg.NRecs(), func(i int) bool { return ge(pg.Rec(i)) })
}

// Search 第一个不小于 t 的位置, exact 表示该位置的记录与 t 全部列相等
func (pg IndexPage) Search(idx *Index, t Tuple) (pos int, exact bool) {
	pos = pg.SearchFunc(func(r Rec) bool { return idx.Compare(r.Tuple(), t, 0) >= 0 })
	exact = pos < pg.NRecs() && idx.Compare(pg.Rec(pos).Tuple(), t, 0) == 0
	return
}

// Insert 在位置 pos 插入, 空间不够时返回 false
func (pg IndexPage) Insert(pos int, t Tuple, info byte) bool {
	size := t.Size()
	if size > pg.MaxInsertSize() {
		return false
	}
	top := pg.heapTop()
	encodeRec(pg.frame[top:], t, info)
	util.MachWrite2(pg.frame, PAGE_HEAP_TOP, uint16(top+size))

	n := pg.NRecs()
	// 槽位向低地址增长, pos 之后的槽位整体下移一格
	from := pg.slot(n - 1)
	to := pg.slot(pos - 1)
	copy(pg.frame[from-PAGE_DIR_SLOT_SIZE:], pg.frame[from:to])
	util.MachWrite2(pg.frame, pg.slot(pos), uint16(top))
	util.MachWrite2(pg.frame, PAGE_N_RECS, uint16(n+1))
	return true
}

// InsertTuple 按键值插入, 放不下时先整理页面(page_cur_tuple_insert + btr_page_reorganize)
func (pg IndexPage) InsertTuple(idx *Index, t Tuple) (int, bool) {
	pos, _ := pg.Search(idx, t)
	if pg.Insert(pos, t, 0) {
		return pos, true
	}
	if t.Size() > pg.MaxInsertSizeAfterReorganize() {
		return pos, false
	}
	pg.Reorganize()
	return pos, pg.Insert(pos, t, 0)
}

// Delete 删除位置 pos 的记录, 空间计入碎片
func (pg IndexPage) Delete(pos int) {
	n := pg.NRecs()
	size := pg.Rec(pos).Size()
	from := pg.slot(n - 1)
	to := pg.slot(pos)
	copy(pg.frame[from+PAGE_DIR_SLOT_SIZE:to+PAGE_DIR_SLOT_SIZE], pg.frame[from:to])
	util.MachWrite2(pg.frame, PAGE_N_RECS, uint16(n-1))
	util.MachWrite2(pg.frame, PAGE_GARBAGE, uint16(pg.garbage()+size))
	if n == 1 {
		util.MachWrite2(pg.frame, PAGE_HEAP_TOP, common.PAGE_DATA)
		util.MachWrite2(pg.frame, PAGE_GARBAGE, 0)
	}
}

// SetDeleteMark 设置或清除删除标记
func (pg IndexPage) SetDeleteMark(pos int, on bool) {
	off := pg.recOffset(pos)
	if on {
		pg.frame[off] |= REC_INFO_DELETED_FLAG
	} else {
		pg.frame[off] &^= REC_INFO_DELETED_FLAG
	}
}

// SameFieldSizes 元组能否原地覆盖位置 pos 的记录
func (pg IndexPage) SameFieldSizes(pos int, t Tuple) bool {
	r := pg.Rec(pos)
	if r.NFields() != len(t) {
		return false
	}
	for i, f := range t {
		l := r.fieldLen(i)
		if f.Null != (l == recNullLen) || (!f.Null && l != len(f.Data)) {
			return false
		}
	}
	return true
}

// UpdateInPlace 原地覆盖列数据并设置 info bits, 要求各列长度不变
func (pg IndexPage) UpdateInPlace(pos int, t Tuple, info byte) {
	off := pg.recOffset(pos)
	encodeRec(pg.frame[off:], t, info)
}

// Reorganize 按键值顺序重排记录, 回收碎片
func (pg IndexPage) Reorganize() {
	n := pg.NRecs()
	recs := make([][]byte, n)
	for i := 0; i < n; i++ {
		r := pg.Rec(i)
		recs[i] = append([]byte(nil), r[:r.Size()]...)
	}
	top := common.PAGE_DATA
	for i, r := range recs {
		copy(pg.frame[top:], r)
		util.MachWrite2(pg.frame, pg.slot(i), uint16(top))
		top += len(r)
	}
	util.MachWrite2(pg.frame, PAGE_HEAP_TOP, uint16(top))
	util.MachWrite2(pg.frame, PAGE_GARBAGE, 0)
}

// Tuples 全部记录的副本
func (pg IndexPage) Tuples() []Tuple {
	out := make([]Tuple, pg.NRecs())
	for i := range out {
		out[i] = pg.Rec(i).Tuple().Clone()
	}
	return out
}

// MoveTo 把位置 from 之后的记录移到空页面 dst 的末尾
func (pg IndexPage) MoveTo(dst IndexPage, from int) error {
	n := pg.NRecs()
	for i := from; i < n; i++ {
		r := pg.Rec(i)
		if !dst.Insert(dst.NRecs(), r.Tuple(), r.InfoBits()) {
			return errors.Wrapf(ErrPageFull, "moving record %d of page %d", i, pg.PageNo())
		}
	}
	for i := n - 1; i >= from; i-- {
		pg.Delete(i)
	}
	pg.Reorganize()
	return nil
}

// Validate 检查页头与记录顺序; idx 为 nil 时只检查结构
func (pg IndexPage) Validate(idx *Index) error {
	n := pg.NRecs()
	top := pg.heapTop()
	if top < common.PAGE_DATA || top > pg.dirEnd()-PAGE_DIR_SLOT_SIZE*n {
		return errors.Errorf("page %d: heap top %d overlaps directory of %d slots", pg.PageNo(), top, n)
	}
	used := 0
	for i := 0; i < n; i++ {
		off := pg.recOffset(i)
		if off < common.PAGE_DATA || off >= top {
			return errors.Errorf("page %d: slot %d points to %d outside heap", pg.PageNo(), i, off)
		}
		used += pg.Rec(i).Size()
		if idx != nil && i > 0 && idx.Compare(pg.Rec(i-1).Tuple(), pg.Rec(i).Tuple(), 0) >= 0 {
			return errors.Errorf("page %d: records %d and %d out of order", pg.PageNo(), i-1, i)
		}
	}
	if used != pg.DataSize() {
		return errors.Errorf("page %d: records use %d bytes, header says %d", pg.PageNo(), used, pg.DataSize())
	}
	return nil
}

func (pg IndexPage) String() string {
	return fmt.Sprintf("index page %d (index %d, level %d, %d records, %d bytes free)",
		pg.PageNo(), pg.IndexID(), pg.Level(), pg.NRecs(), pg.MaxInsertSizeAfterReorganize())
}
