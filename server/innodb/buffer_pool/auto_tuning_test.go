package buffer_pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
)

func TestRecommendFollowsCheckpointAge(t *testing.T) {
	e := newTestEnv(t, testConfig())
	e.create(t, 10)
	e.dirty(t, 10, 100)
	at := NewAutoTuner(e.pool)

	// 第一次调用只记录起点
	e.log.setCurrent(40000)
	rec := at.Recommend(0)
	assert.Zero(t, rec.Pages)
	rec = at.Recommend(0)
	assert.Zero(t, rec.Pages)

	// 年龄低于 adaptive_flushing_lwm
	e.log.setCurrent(50000)
	rec = at.Recommend(0)
	assert.Zero(t, rec.PctForLSN)
	assert.Zero(t, rec.PctForDirty)
	assert.Zero(t, rec.Pages)
	assert.Equal(t, common.LSN_MAX, rec.LSNLimit)

	// 超过异步刷新点后按幂律增长
	e.log.setCurrent(800000)
	rec = at.Recommend(0)
	assert.InDelta(t, 1622, rec.PctForLSN, 1)
	assert.Positive(t, rec.Pages)
	assert.LessOrEqual(t, rec.Pages, e.pool.cfg.IOCapacityMax)
	require.Len(t, rec.Quotas, 1)
	assert.Positive(t, rec.Quotas[0])
}

func TestPctForLSNWithoutAdaptiveFlushing(t *testing.T) {
	cfg := testConfig()
	cfg.AdaptiveFlushing = false
	e := newTestEnv(t, cfg)
	at := NewAutoTuner(e.pool)

	assert.Zero(t, at.pctForLSN(300000))
	assert.Positive(t, at.pctForLSN(700000))
}

func TestPctForDirty(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDirtyPagesPct = 1
	cfg.MaxDirtyPagesPctLwm = 0
	e := newTestEnv(t, cfg)
	at := NewAutoTuner(e.pool)
	assert.Zero(t, at.pctForDirty())

	e.create(t, 10)
	e.dirty(t, 10, 100)
	// 1/65 的脏页超过 1% 上限
	assert.Equal(t, float64(100), at.pctForDirty())

	e.pool.cfg.MaxDirtyPagesPct = 10
	e.pool.cfg.MaxDirtyPagesPctLwm = 1
	assert.Equal(t, float64(13), at.pctForDirty())

	e.pool.cfg.MaxDirtyPagesPctLwm = 5
	assert.Zero(t, at.pctForDirty())
}

func TestSyncQuotas(t *testing.T) {
	e := newTestEnv(t, testConfig())
	for i := uint32(0); i < 3; i++ {
		e.create(t, 10+i)
		e.dirty(t, 10+i, common.LSNT(100*(i+1)))
	}
	at := NewAutoTuner(e.pool)
	assert.Equal(t, []int{200}, at.SyncQuotas(250))

	e.pool.cfg.IOCapacity = 1
	assert.Equal(t, []int{2}, at.SyncQuotas(250))
	assert.Equal(t, []int{3}, at.SyncQuotas(common.LSN_MAX))
}
