package common

const UNIV_PAGE_SIZE = 16384

// 最小支持页面大小, 测试中使用小页面
const UNIV_PAGE_SIZE_MIN = 4096

const UNIV_PAGE_SIZE_MAX = 65536

// FIL 文件头偏移
const (
	FIL_PAGE_SPACE_OR_CHKSUM         = 0
	FIL_PAGE_OFFSET                  = 4
	FIL_PAGE_PREV                    = 8
	FIL_PAGE_NEXT                    = 12
	FIL_PAGE_LSN                     = 16
	FIL_PAGE_TYPE                    = 24
	FIL_PAGE_FILE_FLUSH_LSN          = 26
	FIL_PAGE_ARCH_LOG_NO_OR_SPACE_ID = 34
	FIL_PAGE_DATA                    = 38
)

// FIL 文件尾: 4字节checksum + LSN低32位
const FIL_PAGE_END_LSN_OLD_CHKSUM = 8

const FIL_PAGE_DATA_END = 8

// 页面头紧跟在文件头之后
const PAGE_HEADER = FIL_PAGE_DATA

const FSEG_HEADER_SIZE = 10

// 页面数据区起始位置, ibuf位图也从这里开始
const PAGE_DATA = PAGE_HEADER + 36 + 2*FSEG_HEADER_SIZE

// 表空间中的固定页面
const (
	FSP_XDES_OFFSET            = 0
	FSP_IBUF_BITMAP_OFFSET     = 1
	FSP_FIRST_INODE_PAGE_NO    = 2
	FSP_IBUF_HEADER_PAGE_NO    = 3
	FSP_IBUF_TREE_ROOT_PAGE_NO = 4
	FSP_TRX_SYS_PAGE_NO        = 5
	FSP_FIRST_RSEG_PAGE_NO     = 6
	FSP_DICT_HDR_PAGE_NO       = 7
)

// 系统表空间ID, 同时也是change buffer所在的表空间
const SYSTEM_SPACE_ID = 0

const IBUF_SPACE_ID = SYSTEM_SPACE_ID

// 预读区域, 同时决定邻接页刷新的窗口大小
const BUF_READ_AHEAD_AREA = 64

// 空页号, 用于链表指针
const FIL_NULL uint32 = 0xFFFFFFFF

// 第一个不再被保留的页面, 更小的页号在每个表空间中有固定用途
const FSP_FIRST_FREE_PAGE_NO = 8
