package mtr

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/latch"
	redo "github.com/zhukovaskychina/xmysql-bufcore/server/innodb/log"
)

type fakeBlock struct {
	id       common.PageID
	level    latch.Level
	events   *[]string
	start    common.LSNT
	end      common.LSNT
	observer FlushObserver
	noted    int
}

func (b *fakeBlock) PageID() common.PageID   { return b.id }
func (b *fakeBlock) LatchLevel() latch.Level { return b.level }
func (b *fakeBlock) NoteModification(start, end common.LSNT, obs FlushObserver) {
	b.start, b.end, b.observer = start, end, obs
	b.noted++
	*b.events = append(*b.events, "note "+b.id.String())
}
func (b *fakeBlock) ReleaseLatch(mode LatchMode) {
	*b.events = append(*b.events, "release "+mode.String()+" "+b.id.String())
}
func (b *fakeBlock) Unfix() {}

type recordingMutex struct {
	sync.Mutex
	name   string
	events *[]string
}

func (m *recordingMutex) Unlock() {
	*m.events = append(*m.events, "unlock "+m.name)
	m.Mutex.Unlock()
}

type spaceObserver uint32

func (o spaceObserver) SpaceID() uint32 { return uint32(o) }

func openLog(t *testing.T) *redo.Log {
	l, err := redo.Open(redo.Config{Dir: t.TempDir(), FileSize: 4 << 20, RecentClosedSize: 4096, BufferSize: 1 << 16})
	require.NoError(t, err)
	t.Cleanup(func() { l.Shutdown(0) })
	return l
}

func TestCommitAssignsLSNAndReleasesInReverse(t *testing.T) {
	l := openLog(t)
	var events []string
	a := &fakeBlock{id: common.NewPageID(1, 10), level: latch.LevelTreeNode, events: &events}
	b := &fakeBlock{id: common.NewPageID(1, 11), level: latch.LevelTreeNode, events: &events}
	mu := &recordingMutex{name: "ibuf", events: &events}

	m := Start(l, LogAll)
	m.SetFlushObserver(spaceObserver(1))
	m.MemoPush(a, RW_X_LATCH)
	m.MemoPush(b, RW_S_LATCH)
	m.LockMutex(latch.LevelIbufMutex, mu)
	m.SetModified(a, MLOG_WRITE_STRING, []byte("hello"))
	before := l.CurrentLSN()
	m.Commit()

	assert.Equal(t, before, a.start)
	assert.Equal(t, before+redoRecHeader+5, a.end)
	assert.Equal(t, a.end, m.CommitLSN())
	assert.Equal(t, uint32(1), a.observer.SpaceID())
	assert.Equal(t, 0, b.noted)
	assert.Equal(t, a.end, l.DirtyPagesAddedUpToLSN())
	assert.Equal(t, []string{
		"note " + a.id.String(),
		"unlock ibuf",
		"release S " + b.id.String(),
		"release X " + a.id.String(),
	}, events)
	assert.False(t, m.IsActive())
}

func TestNoRedoBorrowsLSN(t *testing.T) {
	l := openLog(t)
	var events []string
	a := &fakeBlock{id: common.NewPageID(9, 3), level: latch.LevelTreeNode, events: &events}
	m := Start(l, LogNoRedo)
	m.MemoPush(a, RW_X_LATCH)
	m.SetModified(a, MLOG_WRITE_STRING, []byte("tmp"))
	m.Commit()
	assert.Equal(t, 1, a.noted)
	assert.Equal(t, common.LSNT(0), a.start)
	assert.Equal(t, redo.LOG_START_LSN, l.CurrentLSN())
	assert.Equal(t, 0, m.NRecs())
}

func TestModifyWithoutXLatchPanics(t *testing.T) {
	var events []string
	a := &fakeBlock{id: common.NewPageID(1, 1), level: latch.LevelTreeNode, events: &events}
	m := Start(nil, LogAll)
	m.MemoPush(a, RW_S_LATCH)
	assert.Panics(t, func() { m.SetModified(a, MLOG_WRITE_STRING, nil) })
}

func TestLatchOrderChecked(t *testing.T) {
	var events []string
	bitmap := &fakeBlock{id: common.NewPageID(0, 1), level: latch.LevelIbufBitmap, events: &events}
	user := &fakeBlock{id: common.NewPageID(5, 8), level: latch.LevelTreeNode, events: &events}

	m := Start(nil, LogNone)
	m.MemoPush(user, RW_X_LATCH)
	m.MemoPush(bitmap, RW_X_LATCH)
	m.Commit()

	m = Start(nil, LogNone)
	m.MemoPush(bitmap, RW_X_LATCH)
	assert.Panics(t, func() { m.MemoPush(user, RW_X_LATCH) })

	// a merged page is latched at ibuf tree level
	m = Start(nil, LogNone)
	m.MemoPushLevel(user, RW_X_LATCH, latch.LevelIbufTreeNode)
	m.MemoPush(bitmap, RW_X_LATCH)
	m.Commit()
}

func TestReleaseEarly(t *testing.T) {
	var events []string
	a := &fakeBlock{id: common.NewPageID(1, 1), level: latch.LevelTreeNode, events: &events}
	mu := &recordingMutex{name: "m", events: &events}
	m := Start(nil, LogNone)
	m.LockMutex(latch.LevelIbufMutex, mu)
	assert.True(t, m.HoldsMutex(mu))
	m.ReleaseMutex(mu)
	assert.False(t, m.HoldsMutex(mu))

	m.MemoPush(a, RW_S_LATCH)
	assert.True(t, m.MemoContains(a, RW_S_LATCH))
	m.ReleaseBlock(a)
	assert.False(t, m.MemoContains(a, RW_S_LATCH))
	m.Commit()
	assert.Equal(t, []string{"unlock m", "release S " + a.id.String()}, events)
}
