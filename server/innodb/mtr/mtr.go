package mtr

import (
	"fmt"
	"sync"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/latch"
	redo "github.com/zhukovaskychina/xmysql-bufcore/server/innodb/log"
	"github.com/zhukovaskychina/xmysql-bufcore/util"
)

// LogMode 日志模式
type LogMode int

const (
	// LogAll 写redo
	LogAll LogMode = iota
	// LogNoRedo 修改页面但不写redo, 临时表空间使用, 刷新链表借用LSN
	LogNoRedo
	// LogNone 不记录任何日志
	LogNone
)

// LatchMode 页面在memo中的锁模式
type LatchMode int

const (
	RW_NO_LATCH LatchMode = iota
	RW_S_LATCH
	RW_SX_LATCH
	RW_X_LATCH
	// BUF_FIX 只固定页面, 不加锁
	BUF_FIX
)

func (m LatchMode) String() string {
	switch m {
	case RW_S_LATCH:
		return "S"
	case RW_SX_LATCH:
		return "SX"
	case RW_X_LATCH:
		return "X"
	case BUF_FIX:
		return "FIX"
	}
	return "NO_LATCH"
}

// Block mini-transaction 可以持有的缓冲页面
type Block interface {
	PageID() common.PageID
	LatchLevel() latch.Level
	// NoteModification 在持有X锁时把页面登记为脏页, start为0表示没有redo
	NoteModification(start, end common.LSNT, observer FlushObserver)
	ReleaseLatch(mode LatchMode)
	Unfix()
}

// FlushObserver 在线DDL用来跟踪某个表空间脏页的观察者
type FlushObserver interface {
	SpaceID() uint32
}

// Redo 记录头: 类型(1) 表空间(4) 页号(4) 长度(2)
const redoRecHeader = 11

// 这里只区分页面写入, 记录体由调用者定义
const (
	MLOG_WRITE_STRING byte = 30
	MLOG_IBUF_BITMAP  byte = 60
	MLOG_REC_INSERT   byte = 9
	MLOG_REC_DELETE   byte = 14
	MLOG_PAGE_CREATE  byte = 19
)

type memoSlot struct {
	block    Block
	mode     LatchMode
	mutex    sync.Locker
	level    latch.Level
	modified bool
}

type state int

const (
	stateInit state = iota
	stateActive
	stateCommitted
)

// Mtr 一个mini-transaction: 持有的页面与互斥量在提交时按逆序释放
// 只在创建它的goroutine中使用
type Mtr struct {
	log      *redo.Log
	mode     LogMode
	state    state
	memo     []memoSlot
	checker  latch.Checker
	redo     []byte
	nRecs    int
	modified bool
	observer FlushObserver

	startLSN  common.LSNT
	commitLSN common.LSNT
}

// Start 开始一个 mini-transaction
func Start(l *redo.Log, mode LogMode) *Mtr {
	return &Mtr{log: l, mode: mode, state: stateActive}
}

func (m *Mtr) LogMode() LogMode {
	return m.mode
}

// SetLogMode 修改日志模式, 返回旧模式
func (m *Mtr) SetLogMode(mode LogMode) LogMode {
	old := m.mode
	m.mode = mode
	return old
}

// SetFlushObserver 设置观察者, 提交时随脏页登记
func (m *Mtr) SetFlushObserver(obs FlushObserver) {
	m.observer = obs
}

func (m *Mtr) IsActive() bool {
	return m.state == stateActive
}

// CheckLatch 加锁前检查锁序
func (m *Mtr) CheckLatch(level latch.Level) {
	m.checker.Acquire(level)
	m.checker.Release(level)
}

// MemoPush 登记已经加锁(或固定)的页面
func (m *Mtr) MemoPush(b Block, mode LatchMode) {
	m.mustBeActive()
	level := latch.LevelNone
	if mode != BUF_FIX && mode != RW_NO_LATCH {
		level = b.LatchLevel()
	}
	m.checker.Acquire(level)
	m.memo = append(m.memo, memoSlot{block: b, mode: mode, level: level})
}

// MemoPushLevel 以指定层级登记页面, 合并时被io-fix的用户页面按变更缓冲树页面对待
func (m *Mtr) MemoPushLevel(b Block, mode LatchMode, level latch.Level) {
	m.mustBeActive()
	m.checker.Acquire(level)
	m.memo = append(m.memo, memoSlot{block: b, mode: mode, level: level})
}

// LockMutex 按层级获取互斥量并登记
func (m *Mtr) LockMutex(level latch.Level, mu sync.Locker) {
	m.mustBeActive()
	m.checker.Acquire(level)
	mu.Lock()
	m.memo = append(m.memo, memoSlot{mutex: mu, level: level})
}

// ReleaseMutex 提前释放互斥量
func (m *Mtr) ReleaseMutex(mu sync.Locker) {
	for i := len(m.memo) - 1; i >= 0; i-- {
		if m.memo[i].mutex == mu {
			slot := m.memo[i]
			m.memo = append(m.memo[:i], m.memo[i+1:]...)
			mu.Unlock()
			m.checker.Release(slot.level)
			return
		}
	}
	panic("mtr: releasing a mutex that is not in the memo")
}

// HoldsMutex 是否持有该互斥量
func (m *Mtr) HoldsMutex(mu sync.Locker) bool {
	for i := range m.memo {
		if m.memo[i].mutex == mu {
			return true
		}
	}
	return false
}

// MemoContains 页面是否以 mode 登记
func (m *Mtr) MemoContains(b Block, mode LatchMode) bool {
	for i := range m.memo {
		if m.memo[i].block == b && m.memo[i].mode == mode {
			return true
		}
	}
	return false
}

// ReleaseBlock 提前释放一个未修改的页面
func (m *Mtr) ReleaseBlock(b Block) {
	for i := len(m.memo) - 1; i >= 0; i-- {
		slot := m.memo[i]
		if slot.block != b {
			continue
		}
		if slot.modified {
			panic(fmt.Sprintf("mtr: releasing modified page %s before commit", b.PageID()))
		}
		m.memo = append(m.memo[:i], m.memo[i+1:]...)
		m.releaseSlot(slot)
		return
	}
}

// SetModified 标记页面被修改并追加redo记录
func (m *Mtr) SetModified(b Block, recType byte, body []byte) {
	m.mustBeActive()
	found := false
	for i := range m.memo {
		if m.memo[i].block == b && m.memo[i].mode == RW_X_LATCH {
			m.memo[i].modified = true
			found = true
			break
		}
	}
	if !found {
		panic(fmt.Sprintf("mtr: page %s modified without an X latch", b.PageID()))
	}
	m.modified = true
	if m.mode != LogAll {
		return
	}
	id := b.PageID()
	var hdr [redoRecHeader]byte
	hdr[0] = recType
	util.MachWrite4(hdr[:], 1, id.Space)
	util.MachWrite4(hdr[:], 5, id.PageNo)
	util.MachWrite2(hdr[:], 9, uint16(len(body)))
	m.redo = append(m.redo, hdr[:]...)
	m.redo = append(m.redo, body...)
	m.nRecs++
}

// IsModified 是否修改过页面
func (m *Mtr) IsModified() bool {
	return m.modified
}

// NRecs 产生的redo记录条数
func (m *Mtr) NRecs() int {
	return m.nRecs
}

// CommitLSN 提交得到的结束LSN, 无redo时为0
func (m *Mtr) CommitLSN() common.LSNT {
	return m.commitLSN
}

// Commit 写redo, 把修改过的页面加入flush list, 按逆序释放全部锁
func (m *Mtr) Commit() {
	m.mustBeActive()
	if m.modified {
		if m.mode == LogAll && len(m.redo) > 0 && m.log != nil {
			start, end := m.log.Append(m.redo)
			m.startLSN, m.commitLSN = start, end
			// 限制flush list的乱序程度
			m.log.WaitForSpaceInRecentClosed(start)
			m.noteModifications(start, end)
			m.log.Close(start, end)
		} else {
			m.noteModifications(0, 0)
		}
	}
	for i := len(m.memo) - 1; i >= 0; i-- {
		m.releaseSlot(m.memo[i])
	}
	m.memo = nil
	m.redo = nil
	m.state = stateCommitted
}

func (m *Mtr) noteModifications(start, end common.LSNT) {
	for i := range m.memo {
		slot := &m.memo[i]
		if slot.modified {
			slot.block.NoteModification(start, end, m.observer)
		}
	}
}

func (m *Mtr) releaseSlot(slot memoSlot) {
	if slot.mutex != nil {
		slot.mutex.Unlock()
	} else {
		slot.block.ReleaseLatch(slot.mode)
		slot.block.Unfix()
	}
	m.checker.Release(slot.level)
}

func (m *Mtr) mustBeActive() {
	if m.state != stateActive {
		panic("mtr: not active")
	}
}
