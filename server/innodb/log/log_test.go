package log

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
)

func testConfig(dir string) Config {
	return Config{
		Dir:              dir,
		FileSize:         4 << 20,
		RecentClosedSize: 1024,
		BufferSize:       64 << 10,
	}
}

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { l.Shutdown(0) })
	return l
}

func TestAppendAdvancesLSN(t *testing.T) {
	l := openTestLog(t)
	assert.Equal(t, LOG_START_LSN, l.CurrentLSN())

	s1, e1 := l.Append(make([]byte, 100))
	s2, e2 := l.Append(make([]byte, 50))
	assert.Equal(t, LOG_START_LSN, s1)
	assert.Equal(t, s1+100, e1)
	assert.Equal(t, e1, s2)
	assert.Equal(t, s2+50, e2)
	assert.Equal(t, e2, l.CurrentLSN())
	assert.Equal(t, LOG_START_LSN, l.FlushedToDiskLSN())

	require.NoError(t, l.WriteUpTo(e1, true))
	assert.Equal(t, e2, l.FlushedToDiskLSN())
}

func TestRecentClosedOutOfOrder(t *testing.T) {
	l := openTestLog(t)
	s1, e1 := l.Append(make([]byte, 10))
	s2, e2 := l.Append(make([]byte, 10))
	s3, e3 := l.Append(make([]byte, 10))

	l.Close(s3, e3)
	assert.Equal(t, LOG_START_LSN, l.DirtyPagesAddedUpToLSN())
	l.Close(s1, e1)
	assert.Equal(t, e1, l.DirtyPagesAddedUpToLSN())
	l.Close(s2, e2)
	assert.Equal(t, e3, l.DirtyPagesAddedUpToLSN())
}

func TestWaitForSpaceInRecentClosed(t *testing.T) {
	l := openTestLog(t)
	s1, e1 := l.Append(make([]byte, 2000))
	s2, _ := l.Append(make([]byte, 10))

	var wg sync.WaitGroup
	released := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		// s2 is more than the 1024 byte capacity ahead of the closed tail
		l.WaitForSpaceInRecentClosed(s2)
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("waiter released before the range was closed")
	case <-time.After(50 * time.Millisecond):
	}
	l.Close(s1, e1)
	wg.Wait()
}

func TestCheckpointPersists(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(testConfig(dir))
	require.NoError(t, err)
	_, end := l.Append(make([]byte, 300))
	require.NoError(t, l.Checkpoint(end))
	assert.Equal(t, end, l.LastCheckpointLSN())
	require.NoError(t, l.Shutdown(end))

	l2, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer l2.Shutdown(0)
	assert.Equal(t, end, l2.LastCheckpointLSN())
	assert.Equal(t, end, l2.CurrentLSN())
	assert.False(t, l2.IsRecovery())
}

func TestUncleanShutdownStartsRecovery(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(testConfig(dir))
	require.NoError(t, err)
	_, e1 := l.Append(make([]byte, 100))
	_, e2 := l.Append(make([]byte, 100))
	require.NoError(t, l.WriteUpTo(e2, true))
	require.NoError(t, l.Checkpoint(e1))
	require.NoError(t, l.Shutdown(0))

	l2, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer l2.Shutdown(0)
	assert.True(t, l2.IsRecovery())
	assert.Equal(t, e2, l2.CurrentLSN())
}

func TestMarginsAndWrap(t *testing.T) {
	l := openTestLog(t)
	assert.True(t, l.MaxModifiedAgeAsync() < l.MaxModifiedAgeSync())
	assert.True(t, l.MaxModifiedAgeSync() < l.Capacity())

	// more than the file capacity wraps around
	for i := 0; i < 80; i++ {
		l.Append(make([]byte, 64<<10))
	}
	require.NoError(t, l.WriteUpTo(l.CurrentLSN(), true))
	assert.Equal(t, l.CurrentLSN(), l.FlushedToDiskLSN())
}

type recordingFlusher struct {
	target common.LSNT
}

func (f *recordingFlusher) SyncFlush(lsn common.LSNT) { f.target = lsn }

func TestFreeCheckRequestsSyncFlush(t *testing.T) {
	l := openTestLog(t)
	f := &recordingFlusher{}
	l.SetFlusher(f)

	l.FreeCheck()
	assert.Equal(t, common.LSNT(0), f.target)

	for l.CheckpointAge() <= l.MaxModifiedAgeSync() {
		l.Append(make([]byte, 64<<10))
	}
	l.FreeCheck()
	assert.Equal(t, l.CurrentLSN()-l.MaxModifiedAgeAsync(), f.target)
}

func TestCheckpointer(t *testing.T) {
	l := openTestLog(t)
	s, e := l.Append(make([]byte, 100))
	l.Close(s, e)
	_, _ = l.Append(make([]byte, 100))

	oldest := s + 40
	c := NewCheckpointer(l, func() common.LSNT { return oldest }, time.Hour)
	assert.Equal(t, oldest, c.CheckpointLSN())
	require.NoError(t, c.Run())
	assert.Equal(t, oldest, l.LastCheckpointLSN())

	oldest = 0
	assert.Equal(t, e, c.CheckpointLSN())
	c.Start()
	c.Stop()
}
