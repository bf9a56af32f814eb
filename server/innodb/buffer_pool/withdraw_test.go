package buffer_pool

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/mtr"
)

func TestWithdrawRelocatesDirtyPages(t *testing.T) {
	e := newTestEnv(t, testConfig())
	// 页面 3+i 使用第 i 个块
	for i := uint32(0); i < 56; i++ {
		e.create(t, 3+i)
	}
	for n := uint32(53); n < 59; n++ {
		p := e.latchX(t, n)
		p.Frame()[common.PAGE_DATA] = byte(n)
		p.NoteModification(common.LSNT(100*n), common.LSNT(100*n+10), nil)
		e.pool.ReleasePage(p, mtr.RW_X_LATCH)
		require.GreaterOrEqual(t, p.index, 48)
	}
	inst := e.pool.instances[0]
	oldest := inst.flushList.Oldest()

	n, err := e.pool.Withdraw(16)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, 48, inst.CurrSize())
	assert.Equal(t, 48, e.pool.CurrSize())

	for n := uint32(53); n < 59; n++ {
		p := e.resident(n)
		require.NotNil(t, p, "page %d", n)
		assert.Less(t, p.index, 48)
		assert.True(t, p.IsDirty())
		assert.Equal(t, byte(n), p.Frame()[common.PAGE_DATA])
	}
	assert.Equal(t, 6, e.pool.NDirty())
	assert.Equal(t, oldest, inst.flushList.Oldest())
	for _, b := range inst.blocks[48:] {
		assert.Equal(t, BUF_BLOCK_MEMORY, b.State())
	}
	require.NoError(t, e.pool.Validate())

	// 收缩出去的块不会再被分配
	for i := uint32(0); i < 60; i++ {
		e.create(t, 100+i)
	}
	for _, b := range inst.blocks[48:] {
		assert.Equal(t, BUF_BLOCK_MEMORY, b.State())
	}
}

func TestWithdrawTooMuch(t *testing.T) {
	e := newTestEnv(t, testConfig())
	_, err := e.pool.instances[0].Withdraw(60)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	n, err := e.pool.instances[0].Withdraw(0)
	assert.NoError(t, err)
	assert.Zero(t, n)
}
