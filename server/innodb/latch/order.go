package latch

import (
	"fmt"
	"sync/atomic"

	"github.com/smartystreets/assertions"
)

// Level 锁序层级, 同一个线程只能按层级升序加锁
// 变更缓冲的锁都排在用户页面之后, 合并时被合并的用户页面按 IBUF_TREE_NODE 对待
type Level int

const (
	LevelNone Level = iota
	LevelIbufPessInsertMutex
	// 普通用户索引页面, 可以在持有它时获取变更缓冲的锁
	LevelTreeNode
	// 文件空间分配
	LevelFSP
	// 变更缓冲头页面, 只在增删空闲页时使用
	LevelIbufHeader
	LevelIbufMutex
	// 变更缓冲树的索引锁
	LevelIbufIndexTree
	// 变更缓冲树自身的页面, 以及合并时被io-fix的用户页面
	LevelIbufTreeNode
	LevelIbufBitmapMutex
	LevelIbufBitmap
)

var levelNames = map[Level]string{
	LevelNone:                "NONE",
	LevelIbufPessInsertMutex: "IBUF_PESS_INSERT_MUTEX",
	LevelTreeNode:            "TREE_NODE",
	LevelFSP:                 "FSP",
	LevelIbufHeader:          "IBUF_HEADER",
	LevelIbufMutex:           "IBUF_MUTEX",
	LevelIbufIndexTree:       "IBUF_INDEX_TREE",
	LevelIbufTreeNode:        "IBUF_TREE_NODE",
	LevelIbufBitmapMutex:     "IBUF_BITMAP_MUTEX",
	LevelIbufBitmap:          "IBUF_BITMAP",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// 页面层级允许同级多次加锁, 互斥量不允许
func (l Level) reentrant() bool {
	return l == LevelIbufTreeNode || l == LevelIbufBitmap || l == LevelTreeNode || l == LevelFSP
}

var debugChecks atomic.Bool

func init() {
	debugChecks.Store(true)
}

// DebugChecks 是否开启锁序与刷新链表顺序等调试断言
func DebugChecks() bool {
	return debugChecks.Load()
}

// SetDebugChecks 开关调试断言
func SetDebugChecks(on bool) {
	debugChecks.Store(on)
}

// Assert 调试模式下断言失败即panic, smartystreets 断言成功时返回空串
func Assert(message string) {
	if message != "" && DebugChecks() {
		panic(message)
	}
}

// Checker 记录一个 mini-transaction 已持有的锁层级
// 只在持有它的goroutine中使用
type Checker struct {
	held []Level
}

// Highest 当前持有的最高层级
func (c *Checker) Highest() Level {
	max := LevelNone
	for _, l := range c.held {
		if l > max {
			max = l
		}
	}
	return max
}

// Acquire 登记一次加锁, 层级倒退时断言失败
func (c *Checker) Acquire(level Level) {
	if level == LevelNone {
		return
	}
	highest := c.Highest()
	if level == highest && level.reentrant() {
		c.held = append(c.held, level)
		return
	}
	// 合并时先持有被io-fix的用户页面, 再获取变更缓冲树的索引锁
	if level == LevelIbufIndexTree && highest == LevelIbufTreeNode && !c.Holds(LevelIbufIndexTree) {
		c.held = append(c.held, level)
		return
	}
	if highest != LevelNone {
		Assert(orderViolation(level, highest))
	}
	c.held = append(c.held, level)
}

func orderViolation(level, highest Level) string {
	msg := assertions.ShouldBeGreaterThan(int(level), int(highest))
	if msg == "" {
		return ""
	}
	return fmt.Sprintf("latch order violation: acquiring %s while holding %s", level, highest)
}

// Release 释放最近一次登记的该层级
func (c *Checker) Release(level Level) {
	if level == LevelNone {
		return
	}
	for i := len(c.held) - 1; i >= 0; i-- {
		if c.held[i] == level {
			c.held = append(c.held[:i], c.held[i+1:]...)
			return
		}
	}
	Assert(fmt.Sprintf("latch %s released but not held", level))
}

// Holds 是否持有某层级
func (c *Checker) Holds(level Level) bool {
	for _, l := range c.held {
		if l == level {
			return true
		}
	}
	return false
}

// Reset 清空记录
func (c *Checker) Reset() {
	c.held = c.held[:0]
}
