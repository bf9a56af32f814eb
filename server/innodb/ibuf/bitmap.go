package ibuf

import (
	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/fil"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/mtr"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/page"
	"github.com/zhukovaskychina/xmysql-bufcore/util"
)

/*
位图页: 每个表空间每 page_size 个页面的第二页, 为这一段中的每个页面保存4位:

	FREE(2位)  页面剩余空间的粗略估计, 0..3
	BUFFERED   变更缓冲中有该页面的记录
	IBUF       页面属于变更缓冲树(只在系统表空间中使用)
*/
const (
	IBUF_BITMAP_FREE     = 0
	IBUF_BITMAP_BUFFERED = 2
	IBUF_BITMAP_IBUF     = 3
	IBUF_BITS_PER_PAGE   = 4

	// 位图从页面数据区开始
	IBUF_BITMAP = common.PAGE_DATA

	// FREE 每一级代表 page_size/32 字节
	IBUF_PAGE_SIZE_PER_FREE_SPACE = 32
)

func isBitmapPage(pageNo uint32, pageSize int) bool {
	return pageNo%uint32(pageSize) == common.FSP_IBUF_BITMAP_OFFSET
}

// bitmapPageID 描述 id 的位图页
func bitmapPageID(id common.PageID, pageSize int) common.PageID {
	return common.NewPageID(id.Space, common.FSP_IBUF_BITMAP_OFFSET+id.PageNo-id.PageNo%uint32(pageSize))
}

// fixedAddrPage 变更缓冲根页与位图页不会被缓存修改
func fixedAddrPage(id common.PageID, pageSize int) bool {
	return (id.Space == common.IBUF_SPACE_ID && id.PageNo == common.FSP_IBUF_TREE_ROOT_PAGE_NO) ||
		isBitmapPage(id.PageNo, pageSize)
}

func bitOffset(pageNo uint32, pageSize int, bit int) int {
	return int(pageNo%uint32(pageSize))*IBUF_BITS_PER_PAGE + bit
}

// bitmapGetBits 读取页面的某一项, FREE 返回两位的值
func bitmapGetBits(frame []byte, pageNo uint32, pageSize int, bit int) uint {
	off := bitOffset(pageNo, pageSize, bit)
	b := frame[IBUF_BITMAP+off/8]
	v := uint(util.BitGetNth(b, uint(off%8)))
	if bit == IBUF_BITMAP_FREE {
		off++
		b = frame[IBUF_BITMAP+off/8]
		v = v<<1 | uint(util.BitGetNth(b, uint(off%8)))
	}
	return v
}

func bitmapSetBits(frame []byte, pageNo uint32, pageSize int, bit int, val uint) {
	off := bitOffset(pageNo, pageSize, bit)
	if bit == IBUF_BITMAP_FREE {
		i := IBUF_BITMAP + off/8
		frame[i] = util.BitSetNth(frame[i], uint(off%8), byte(val>>1))
		off++
		val &= 1
	}
	i := IBUF_BITMAP + off/8
	frame[i] = util.BitSetNth(frame[i], uint(off%8), byte(val))
}

// calcFreeBits 最大可插入字节数换算成 FREE 值.
// 2 与 3 之间没有区别, 3 只给几乎空的页面
func calcFreeBits(pageSize int, maxInsSize int) uint {
	n := maxInsSize / (pageSize / IBUF_PAGE_SIZE_PER_FREE_SPACE)
	if n == 3 {
		n = 2
	}
	if n > 3 {
		n = 3
	}
	return uint(n)
}

// calcFreeFromBits FREE 值对应的可用字节数下限
func calcFreeFromBits(pageSize int, bits uint) int {
	if bits == 3 {
		return 4 * pageSize / IBUF_PAGE_SIZE_PER_FREE_SPACE
	}
	return int(bits) * pageSize / IBUF_PAGE_SIZE_PER_FREE_SPACE
}

func (cb *ChangeBuffer) calcFree(pg page.IndexPage) uint {
	return calcFreeBits(cb.pageSize, pg.MaxInsertSizeAfterReorganize())
}

// bitmapLogMode 临时与导入中的表空间不写redo
func (cb *ChangeBuffer) bitmapLogMode(space uint32) mtr.LogMode {
	switch cb.sys.SpacePurpose(space) {
	case fil.PurposeTemporary, fil.PurposeImport:
		return mtr.LogNoRedo
	}
	return mtr.LogAll
}

// getBitmapPage 取得描述 id 的位图页, X锁时初始化从未写过的位图页
func (cb *ChangeBuffer) getBitmapPage(m *mtr.Mtr, id common.PageID, mode mtr.LatchMode) (*buffer_pool.Page, error) {
	bid := bitmapPageID(id, cb.pageSize)
	p, err := cb.pool.GetPage(bid, mode, buffer_pool.BUF_GET, m)
	if err != nil {
		return nil, err
	}
	if mode == mtr.RW_X_LATCH && fil.PageType(p.Frame()) != common.FIL_PAGE_IBUF_BITMAP {
		fil.InitPageHeader(p.Frame(), bid, common.FIL_PAGE_IBUF_BITMAP)
		m.SetModified(p, mtr.MLOG_PAGE_CREATE, nil)
	}
	return p, nil
}

// setBits 修改位图并写redo
func (cb *ChangeBuffer) setBits(m *mtr.Mtr, bitmap *buffer_pool.Page, pageNo uint32, bit int, val uint) {
	if bitmapGetBits(bitmap.Frame(), pageNo, cb.pageSize, bit) == val {
		return
	}
	bitmapSetBits(bitmap.Frame(), pageNo, cb.pageSize, bit, val)
	body := make([]byte, 6)
	util.MachWrite4(body, 0, pageNo)
	body[4] = byte(bit)
	body[5] = byte(val)
	m.SetModified(bitmap, mtr.MLOG_IBUF_BITMAP, body)
}

// BitmapBits 页面在位图中的三项
type BitmapBits struct {
	Free     uint
	Buffered bool
	IbufPage bool
}

// Bits 读取页面的位图项
func (cb *ChangeBuffer) Bits(id common.PageID) (BitmapBits, error) {
	m := mtr.Start(cb.redo, mtr.LogNone)
	defer m.Commit()
	bitmap, err := cb.getBitmapPage(m, id, mtr.RW_S_LATCH)
	if err != nil {
		return BitmapBits{}, err
	}
	f := bitmap.Frame()
	return BitmapBits{
		Free:     bitmapGetBits(f, id.PageNo, cb.pageSize, IBUF_BITMAP_FREE),
		Buffered: bitmapGetBits(f, id.PageNo, cb.pageSize, IBUF_BITMAP_BUFFERED) != 0,
		IbufPage: bitmapGetBits(f, id.PageNo, cb.pageSize, IBUF_BITMAP_IBUF) != 0,
	}, nil
}

// SetFreeBits 在单独的 mini-transaction 中设置 FREE(ibuf_set_free_bits).
// 调用者持有 block 的X锁
func (cb *ChangeBuffer) SetFreeBits(block *buffer_pool.Page, val uint) {
	pg := page.Wrap(block.Frame())
	if !pg.IsLeaf() {
		return
	}
	id := block.ID()
	m := mtr.Start(cb.redo, cb.bitmapLogMode(id.Space))
	defer m.Commit()
	bitmap, err := cb.getBitmapPage(m, id, mtr.RW_X_LATCH)
	if err != nil {
		log.Warnf("cannot update free bits of page %s: %v", id, err)
		return
	}
	cb.setBits(m, bitmap, id.PageNo, IBUF_BITMAP_FREE, val)
}

// ResetFreeBits 页面被重组或修改后不再可信时清零, 之后的缓冲会先合并
func (cb *ChangeBuffer) ResetFreeBits(block *buffer_pool.Page) {
	cb.SetFreeBits(block, 0)
}

// UpdateFreeBits 在修改页面的 mini-transaction 中按页面实际空间更新 FREE.
// maxInsBefore 为修改前的最大可插入字节数(ibuf_update_free_bits_low)
func (cb *ChangeBuffer) UpdateFreeBits(m *mtr.Mtr, block *buffer_pool.Page, maxInsBefore int) {
	pg := page.Wrap(block.Frame())
	if !pg.IsLeaf() {
		return
	}
	before := calcFreeBits(cb.pageSize, maxInsBefore)
	after := cb.calcFree(pg)
	if before == after {
		return
	}
	id := block.ID()
	bitmap, err := cb.getBitmapPage(m, id, mtr.RW_X_LATCH)
	if err != nil {
		log.Warnf("cannot update free bits of page %s: %v", id, err)
		return
	}
	cb.setBits(m, bitmap, id.PageNo, IBUF_BITMAP_FREE, after)
}

// UpdateFreeBitsIfFull 插入 increase 字节后, 估计值下降时才更新 FREE(ibuf_update_free_bits_if_full).
// maxInsBefore 为插入前的最大可插入字节数
func (cb *ChangeBuffer) UpdateFreeBitsIfFull(block *buffer_pool.Page, maxInsBefore int, increase int) {
	before := calcFreeBits(cb.pageSize, maxInsBefore)
	var after uint
	if maxInsBefore >= increase {
		after = calcFreeBits(cb.pageSize, maxInsBefore-increase)
	} else {
		after = cb.calcFree(page.Wrap(block.Frame()))
	}
	if before > after {
		cb.SetFreeBits(block, after)
	}
}
