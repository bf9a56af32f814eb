package common

import "fmt"

// LSNT 日志序列号
type LSNT uint64

// LSN_MAX 表示没有上限
const LSN_MAX LSNT = ^LSNT(0)

type PageType uint16

// Page types defines the different types of pages in InnoDB
const (
	// FIL_PAGE_TYPE_ALLOCATED 新分配, 还未使用
	FIL_PAGE_TYPE_ALLOCATED PageType = 0x0000
	FIL_PAGE_UNDO_LOG       PageType = 0x0002
	FIL_PAGE_INODE          PageType = 0x0003
	// FIL_PAGE_IBUF_FREE_LIST 插入缓冲空闲列表页
	FIL_PAGE_IBUF_FREE_LIST PageType = 0x0004
	// FIL_PAGE_IBUF_BITMAP 插入缓冲位图页
	FIL_PAGE_IBUF_BITMAP  PageType = 0x0005
	FIL_PAGE_TYPE_SYS     PageType = 0x0006
	FIL_PAGE_TYPE_TRX_SYS PageType = 0x0007
	FIL_PAGE_TYPE_FSP_HDR PageType = 0x0008
	FIL_PAGE_TYPE_XDES    PageType = 0x0009
	FIL_PAGE_TYPE_BLOB    PageType = 0x000A
	// FIL_PAGE_COMPRESSED 透明压缩后的磁盘映像, 只出现在文件中
	FIL_PAGE_COMPRESSED PageType = 0x000E
	// FIL_PAGE_INDEX B+树索引页
	FIL_PAGE_INDEX PageType = 0x45BF
)

func (t PageType) String() string {
	switch t {
	case FIL_PAGE_TYPE_ALLOCATED:
		return "ALLOCATED"
	case FIL_PAGE_UNDO_LOG:
		return "UNDO_LOG"
	case FIL_PAGE_INODE:
		return "INODE"
	case FIL_PAGE_IBUF_FREE_LIST:
		return "IBUF_FREE_LIST"
	case FIL_PAGE_IBUF_BITMAP:
		return "IBUF_BITMAP"
	case FIL_PAGE_TYPE_SYS:
		return "SYS"
	case FIL_PAGE_TYPE_TRX_SYS:
		return "TRX_SYS"
	case FIL_PAGE_TYPE_FSP_HDR:
		return "FSP_HDR"
	case FIL_PAGE_TYPE_XDES:
		return "XDES"
	case FIL_PAGE_TYPE_BLOB:
		return "BLOB"
	case FIL_PAGE_COMPRESSED:
		return "COMPRESSED"
	case FIL_PAGE_INDEX:
		return "INDEX"
	}
	return fmt.Sprintf("UNKNOWN(%#x)", uint16(t))
}

// PageID 页面标识: 表空间ID + 页号
type PageID struct {
	Space  uint32
	PageNo uint32
}

func NewPageID(space, pageNo uint32) PageID {
	return PageID{Space: space, PageNo: pageNo}
}

func (id PageID) String() string {
	return fmt.Sprintf("[page id: space=%d, page number=%d]", id.Space, id.PageNo)
}

// Fold 用于选择缓冲池实例: 同一预读区域的页面落在同一实例中, 邻接页刷新依赖这一点
func (id PageID) Fold() uint64 {
	return (uint64(id.Space) << 20) + uint64(id.Space) + uint64(id.PageNo/BUF_READ_AHEAD_AREA)
}
