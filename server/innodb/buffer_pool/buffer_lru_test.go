package buffer_pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/mtr"
)

func lruPages(n int) []*Page {
	pages := make([]*Page, n)
	for i := range pages {
		pages[i] = newPage(nil, i, 16)
	}
	return pages
}

func lruOrder(l *lruList) []int {
	var out []int
	for p := l.head; p != nil; p = p.lruNext {
		out = append(out, p.index)
	}
	return out
}

func TestLRUMidpointInsertion(t *testing.T) {
	l := newLRUList(8)
	pages := lruPages(10)
	for _, p := range pages[:8] {
		l.Add(p, true)
	}
	// 达到最小长度后从tail划出3/8作为old区
	require.Equal(t, 3, l.OldLen())
	assert.Same(t, pages[2], l.old)
	assert.True(t, pages[0].old)
	assert.False(t, pages[3].old)

	l.Add(pages[8], true)
	assert.True(t, pages[8].old)
	assert.Same(t, pages[8], l.old)
	assert.Same(t, pages[7], l.head)
	assert.Equal(t, []int{7, 6, 5, 4, 3, 8, 2, 1, 0}, lruOrder(l))

	l.Add(pages[9], false)
	assert.Same(t, pages[9], l.head)
	assert.False(t, pages[9].old)

	l.MakeYoung(pages[0])
	assert.Same(t, pages[0], l.head)
	assert.False(t, pages[0].old)
	assert.Same(t, pages[1], l.Tail())
	assert.Equal(t, 10, l.Len())
}

func TestLRUShrinkClearsOldRegion(t *testing.T) {
	l := newLRUList(4)
	pages := lruPages(4)
	for _, p := range pages {
		l.Add(p, true)
	}
	require.Equal(t, 1, l.OldLen())
	l.Remove(pages[3])
	assert.Zero(t, l.OldLen())
	assert.Nil(t, l.old)
	for p := l.head; p != nil; p = p.lruNext {
		assert.False(t, p.old)
	}
}

func TestLRURemoveAdjustsCursor(t *testing.T) {
	l := newLRUList(100)
	c := l.newCursor()
	pages := lruPages(3)
	for _, p := range pages {
		l.Add(p, false)
	}
	c.Set(pages[1])
	l.Remove(pages[1])
	assert.Same(t, pages[2], c.Get())

	to := newPage(nil, 9, 16)
	c.Set(pages[2])
	l.Replace(pages[2], to)
	assert.Same(t, to, c.Get())
	assert.Same(t, to, l.head)
	assert.Same(t, pages[0], l.Tail())
}

func TestOldPageMadeYoungAfterThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.LRUOldMinLen = 8
	cfg.OldBlocksTime = 0
	e := newTestEnv(t, cfg)
	for n := uint32(10); n < 20; n++ {
		e.create(t, n)
	}
	p := e.resident(10)
	require.True(t, p.IsOld())

	e.pool.ReleasePage(e.latchX(t, 10), mtr.RW_X_LATCH)
	e.pool.ReleasePage(e.latchX(t, 10), mtr.RW_X_LATCH)
	assert.False(t, p.IsOld())
	require.NoError(t, e.pool.Validate())
}
