package latch

import "sync"

// Latch 页面读写锁, 带有在锁序中的层级
type Latch struct {
	mu    sync.RWMutex
	level Level
}

// NewLatch 创建一个新的锁
func NewLatch(level Level) *Latch {
	return &Latch{level: level}
}

// Level 锁所在层级
func (l *Latch) Level() Level {
	return l.level
}

// SetLevel 调整层级, 页面被分配给变更缓冲树或用户索引时调用
func (l *Latch) SetLevel(level Level) {
	l.level = level
}

// Lock 获取写锁
func (l *Latch) Lock() {
	l.mu.Lock()
}

// Unlock 释放写锁
func (l *Latch) Unlock() {
	l.mu.Unlock()
}

// RLock 获取读锁
func (l *Latch) RLock() {
	l.mu.RLock()
}

// RUnlock 释放读锁
func (l *Latch) RUnlock() {
	l.mu.RUnlock()
}

// TryLock 尝试获取写锁
func (l *Latch) TryLock() bool {
	return l.mu.TryLock()
}

// TryRLock 尝试获取读锁
func (l *Latch) TryRLock() bool {
	return l.mu.TryRLock()
}
