package buffer_pool

import (
	"errors"

	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/fil"
)

var (
	// 页面错误
	ErrPageNotFound = errors.New("page not found in buffer pool")
	ErrPageFixed    = errors.New("page is buffer-fixed or io-fixed")
	// 读入时校验和不匹配
	ErrPageCorrupted = fil.ErrPageCorrupted

	// 缓冲池错误
	ErrBufferPoolFull = errors.New("no free block in buffer pool")
	ErrInvalidConfig  = errors.New("invalid buffer pool configuration")
	ErrNoWatchSlot    = errors.New("all page watch sentinels are in use")

	// 刷新错误
	ErrFlushFailed    = errors.New("failed to flush dirty page")
	ErrCleanerStopped = errors.New("page cleaner is not running")
)

// BufferPoolError 缓冲池错误结构
type BufferPoolError struct {
	Op  string // 操作名称
	Err error  // 原始错误
}

func (e *BufferPoolError) Error() string {
	if e.Err == nil {
		return "<nil>"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *BufferPoolError) Unwrap() error {
	return e.Err
}

// NewError 创建新的缓冲池错误
func NewError(op string, err error) error {
	return &BufferPoolError{
		Op:  op,
		Err: err,
	}
}

// IsCorrupted 检查是否为页面损坏错误
func IsCorrupted(err error) bool {
	return errors.Is(err, ErrPageCorrupted)
}

// IsBufferPoolFull 检查是否为缓冲池已满错误
func IsBufferPoolFull(err error) bool {
	return errors.Is(err, ErrBufferPoolFull)
}
