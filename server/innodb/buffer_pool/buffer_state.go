package buffer_pool

import "fmt"

// PageState 控制块状态, 每个消费处都要对全部状态做穷举判断
type PageState uint8

const (
	// 监视哨兵, 只存在于page hash中, 没有frame
	BUF_BLOCK_POOL_WATCH PageState = iota + 1
	// 在空闲链表中
	BUF_BLOCK_NOT_USED
	// 刚从空闲链表取出, 还没有放入page hash
	BUF_BLOCK_READY_FOR_USE
	// 存放数据页, 在LRU与page hash中
	BUF_BLOCK_FILE_PAGE
	// 被收缩的块, 不再参与分配
	BUF_BLOCK_MEMORY
	// 正在从page hash中移除
	BUF_BLOCK_REMOVE_HASH
)

func (s PageState) String() string {
	switch s {
	case BUF_BLOCK_POOL_WATCH:
		return "POOL_WATCH"
	case BUF_BLOCK_NOT_USED:
		return "NOT_USED"
	case BUF_BLOCK_READY_FOR_USE:
		return "READY_FOR_USE"
	case BUF_BLOCK_FILE_PAGE:
		return "FILE_PAGE"
	case BUF_BLOCK_MEMORY:
		return "MEMORY"
	case BUF_BLOCK_REMOVE_HASH:
		return "REMOVE_HASH"
	}
	return fmt.Sprintf("PageState(%d)", uint8(s))
}

// inFile 是否对应一个数据文件页
func (s PageState) inFile() bool {
	switch s {
	case BUF_BLOCK_FILE_PAGE, BUF_BLOCK_REMOVE_HASH:
		return true
	case BUF_BLOCK_POOL_WATCH, BUF_BLOCK_NOT_USED, BUF_BLOCK_READY_FOR_USE, BUF_BLOCK_MEMORY:
		return false
	}
	panic(fmt.Sprintf("buffer_pool: unknown page state %d", uint8(s)))
}

// FlushType 刷新批次的类型
type FlushType int

const (
	// 从LRU尾部刷新并淘汰
	BUF_FLUSH_LRU FlushType = iota
	// 从flush list尾部按LSN刷新
	BUF_FLUSH_LIST
	// 单页刷新, 用户线程找不到空闲块时使用
	BUF_FLUSH_SINGLE_PAGE
	BUF_FLUSH_N_TYPES
)

func (t FlushType) String() string {
	switch t {
	case BUF_FLUSH_LRU:
		return "LRU"
	case BUF_FLUSH_LIST:
		return "LIST"
	case BUF_FLUSH_SINGLE_PAGE:
		return "SINGLE_PAGE"
	}
	return fmt.Sprintf("FlushType(%d)", int(t))
}

// IOFix 页面上正在进行的I/O
type IOFix uint8

const (
	BUF_IO_NONE IOFix = iota
	BUF_IO_READ
	BUF_IO_WRITE
	// 被固定, 不能重定位
	BUF_IO_PIN
)

func (f IOFix) String() string {
	switch f {
	case BUF_IO_NONE:
		return "NONE"
	case BUF_IO_READ:
		return "READ"
	case BUF_IO_WRITE:
		return "WRITE"
	case BUF_IO_PIN:
		return "PIN"
	}
	return fmt.Sprintf("IOFix(%d)", uint8(f))
}

// Fetch 取页面的方式
type Fetch int

const (
	// 不在池中则读入
	BUF_GET Fetch = iota
	// 只在池中时返回
	BUF_GET_IF_IN_POOL
	// 不在池中时设置监视, 返回nil
	BUF_GET_IF_IN_POOL_OR_WATCH
)
