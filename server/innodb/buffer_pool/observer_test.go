package buffer_pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/mtr"
)

func dirtyObserved(t *testing.T, e *testEnv, n uint32, lsn common.LSNT, obs *FlushObserver) {
	t.Helper()
	p := e.latchX(t, n)
	p.NoteModification(lsn, lsn+10, obs)
	e.pool.ReleasePage(p, mtr.RW_X_LATCH)
}

func TestFlushObserverWritesItsPages(t *testing.T) {
	e := newTestEnv(t, testConfig())
	obs := NewFlushObserver(testSpace, e.pool)
	for i := uint32(0); i < 3; i++ {
		e.create(t, 10+i)
		dirtyObserved(t, e, 10+i, common.LSNT(100*(i+1)), obs)
	}
	e.create(t, 20)
	e.dirty(t, 20, 50)

	obs.Flush()
	assert.True(t, obs.IsComplete())
	flushed, removed := obs.Counts()
	assert.Equal(t, int64(3), flushed)
	assert.Equal(t, int64(3), removed)

	// 只处理观察者登记的页面, 写出的页面留在池中
	assert.Equal(t, 1, e.pool.NDirty())
	assert.True(t, e.resident(20).IsDirty())
	for i := uint32(0); i < 3; i++ {
		assert.NotNil(t, e.resident(10+i))
	}
	e.sys.WaitIO()
	assert.Equal(t, int64(3), e.pool.Stats().Snapshot().FlushedSingle)
}

func TestFlushObserverInterrupted(t *testing.T) {
	e := newTestEnv(t, testConfig())
	obs := NewFlushObserver(testSpace, e.pool)
	for i := uint32(0); i < 3; i++ {
		e.create(t, 10+i)
		dirtyObserved(t, e, 10+i, common.LSNT(100*(i+1)), obs)
	}
	obs.Interrupt()
	require.True(t, obs.Interrupted())

	obs.Flush()
	assert.True(t, obs.IsComplete())
	flushed, removed := obs.Counts()
	assert.Zero(t, flushed)
	assert.Equal(t, int64(3), removed)
	assert.Zero(t, e.pool.NDirty())
	assert.Zero(t, e.pool.Stats().Snapshot().PageWrites)
}

func TestRemoveSpacePagesWithoutWrite(t *testing.T) {
	e := newTestEnv(t, testConfig())
	for i := uint32(0); i < 4; i++ {
		e.create(t, 10+i)
		e.dirty(t, 10+i, common.LSNT(100*(i+1)))
	}
	e.pool.RemoveSpacePages(testSpace, nil, false)
	assert.Zero(t, e.pool.NDirty())
	assert.Zero(t, e.pool.OldestModification())
	require.NoError(t, e.pool.Validate())
}

func TestDroppedSpacePagesAreEvicted(t *testing.T) {
	cfg := testConfig()
	cfg.LRUMinLen = 0
	cfg.LRUScanDepth = 64
	e := newTestEnv(t, cfg)
	e.create(t, 10)
	e.create(t, 11)
	e.dirty(t, 11, 100)

	require.NoError(t, e.sys.DropSpace(testSpace))
	res := e.pool.FlushLRU(ULINT_MAX)
	assert.Equal(t, 2, res.Evicted)
	assert.Zero(t, res.Flushed)
	assert.Zero(t, e.pool.NDirty())
	assert.Nil(t, e.resident(11))
	assert.Equal(t, 64, e.pool.instances[0].FreeLen())
}
