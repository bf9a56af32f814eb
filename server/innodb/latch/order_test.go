package latch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckerAscending(t *testing.T) {
	var c Checker
	c.Acquire(LevelIbufPessInsertMutex)
	c.Acquire(LevelTreeNode)
	c.Acquire(LevelTreeNode)
	c.Acquire(LevelFSP)
	c.Acquire(LevelIbufHeader)
	c.Acquire(LevelIbufMutex)
	c.Acquire(LevelIbufTreeNode)
	c.Acquire(LevelIbufTreeNode)
	c.Acquire(LevelIbufBitmapMutex)
	c.Acquire(LevelIbufBitmap)
	assert.Equal(t, LevelIbufBitmap, c.Highest())
	assert.True(t, c.Holds(LevelIbufMutex))

	c.Release(LevelIbufBitmap)
	c.Release(LevelIbufBitmapMutex)
	c.Release(LevelIbufMutex)
	assert.False(t, c.Holds(LevelIbufMutex))
	assert.Equal(t, LevelIbufTreeNode, c.Highest())
}

func TestCheckerViolationPanics(t *testing.T) {
	var c Checker
	c.Acquire(LevelIbufTreeNode)
	assert.Panics(t, func() { c.Acquire(LevelTreeNode) })

	var m Checker
	m.Acquire(LevelIbufMutex)
	assert.Panics(t, func() { m.Acquire(LevelIbufMutex) })
}

func TestCheckerDisabled(t *testing.T) {
	SetDebugChecks(false)
	defer SetDebugChecks(true)

	var c Checker
	c.Acquire(LevelIbufBitmap)
	assert.NotPanics(t, func() { c.Acquire(LevelIbufMutex) })
}

func TestLatchTry(t *testing.T) {
	l := NewLatch(LevelTreeNode)
	l.Lock()
	assert.False(t, l.TryRLock())
	l.Unlock()
	assert.True(t, l.TryRLock())
	assert.False(t, l.TryLock())
	l.RUnlock()
	assert.Equal(t, "TREE_NODE", l.Level().String())
}

func TestIndexTreeAfterMergedUserPage(t *testing.T) {
	var c Checker
	c.Acquire(LevelIbufTreeNode)
	assert.NotPanics(t, func() { c.Acquire(LevelIbufIndexTree) })
	assert.NotPanics(t, func() { c.Acquire(LevelIbufTreeNode) })
	assert.Panics(t, func() { c.Acquire(LevelIbufIndexTree) })
}
