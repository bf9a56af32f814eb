package buffer_pool

import (
	"math"
	"sync/atomic"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
)

// 估算检查点推进所需页数时向前看的平均LSN增长倍数
const flushLSNScanFactor = 3

// pct_for_lsn 幂律公式的除数, 经验值
const pctForLSNDivisor = 7.5

// AutoTuner 自适应刷新: 按脏页比例与检查点年龄估算每轮需要刷出的页数.
// 除 LSNAvgRate 外只在页面清理协调者中使用
type AutoTuner struct {
	pool *Pool
	cfg  *Config

	prevLSN     common.LSNT
	prevTime    time.Time
	sumPages    int
	avgPageRate int
	nIterations int

	lsnAvgRate atomic.Uint64
}

// NewAutoTuner 创建自适应刷新状态
func NewAutoTuner(pool *Pool) *AutoTuner {
	return &AutoTuner{pool: pool, cfg: &pool.cfg}
}

// LSNAvgRate 平滑后的每秒LSN增长
func (at *AutoTuner) LSNAvgRate() common.LSNT {
	return common.LSNT(at.lsnAvgRate.Load())
}

// AvgPageRate 平滑后的每秒刷页数
func (at *AutoTuner) AvgPageRate() int {
	return at.avgPageRate
}

// pctForDirty 按脏页比例换算的io_capacity百分比(af_get_pct_for_dirty)
func (at *AutoTuner) pctForDirty() float64 {
	dirty := at.pool.ModifiedRatioPct()
	if dirty == 0 {
		return 0
	}
	if at.cfg.MaxDirtyPagesPctLwm == 0 {
		// 没有预刷水位, 只在越过上限后全速刷新
		if dirty >= at.cfg.MaxDirtyPagesPct {
			return 100
		}
		return 0
	}
	if dirty >= at.cfg.MaxDirtyPagesPctLwm {
		return math.Floor(dirty * 100 / (at.cfg.MaxDirtyPagesPct + 1))
	}
	return 0
}

// pctForLSN 按检查点年龄换算的io_capacity百分比(af_get_pct_for_lsn)
func (at *AutoTuner) pctForLSN(age common.LSNT) float64 {
	redo := at.pool.log
	lwm := common.LSNT(at.cfg.AdaptiveFlushingLwm) * redo.Capacity() / 100
	if age < lwm {
		return 0
	}
	maxAsync := redo.MaxModifiedAgeAsync()
	if maxAsync == 0 {
		return 0
	}
	if age < maxAsync && !at.cfg.AdaptiveFlushing {
		return 0
	}
	factor := float64(age * 100 / maxAsync)
	ioRatio := float64(at.cfg.IOCapacityMax / at.cfg.IOCapacity)
	return math.Floor(ioRatio * (factor * math.Sqrt(factor)) / pctForLSNDivisor)
}

// Recommendation 一轮的建议
type Recommendation struct {
	// 全部实例需要刷出的页数
	Pages int
	// 每个实例的配额
	Quotas   []int
	LSNLimit common.LSNT

	PctForDirty float64
	PctForLSN   float64
}

// Recommend 计算本轮的刷新页数与每个实例的配额(page_cleaner_flush_pages_recommendation).
// lastPages 是上一轮flush list批次刷出的页数
func (at *AutoTuner) Recommend(lastPages int) Recommendation {
	pool := at.pool
	n := len(pool.instances)
	rec := Recommendation{Quotas: make([]int, n), LSNLimit: common.LSN_MAX}

	curLSN := pool.log.CurrentLSN()
	now := time.Now()
	if at.prevLSN == 0 {
		at.prevLSN = curLSN
		at.prevTime = now
		return rec
	}
	if at.prevLSN == curLSN {
		return rec
	}

	at.sumPages += lastPages
	elapsed := now.Sub(at.prevTime).Seconds()
	at.nIterations++
	if at.nIterations >= at.cfg.FlushingAvgLoops || elapsed >= float64(at.cfg.FlushingAvgLoops) {
		if elapsed < 1 {
			elapsed = 1
		}
		at.avgPageRate = int((float64(at.sumPages)/elapsed + float64(at.avgPageRate)) / 2)
		lsnRate := common.LSNT(float64(curLSN-at.prevLSN) / elapsed)
		at.lsnAvgRate.Store(uint64((at.LSNAvgRate() + lsnRate) / 2))
		metrics.SetGauge([]string{"bufcore", "adaptive", "avg_page_rate"}, float32(at.avgPageRate))
		metrics.SetGauge([]string{"bufcore", "adaptive", "lsn_avg_rate"}, float32(at.LSNAvgRate()))

		at.prevLSN = curLSN
		at.prevTime = now
		at.nIterations = 0
		at.sumPages = 0
	}

	oldest := pool.OldestModification()
	var age common.LSNT
	if oldest != 0 && curLSN > oldest {
		age = curLSN - oldest
	}
	rec.PctForDirty = at.pctForDirty()
	rec.PctForLSN = at.pctForLSN(age)
	pct := math.Max(rec.PctForDirty, rec.PctForLSN)

	// 推进检查点需要刷出的页数
	target := oldest + at.LSNAvgRate()*flushLSNScanFactor
	sumForLSN := 0
	for i, inst := range pool.instances {
		pages := inst.flushList.countUpTo(target)
		sumForLSN += pages
		rec.Quotas[i] = pages/flushLSNScanFactor + 1
	}
	sumForLSN /= flushLSNScanFactor
	if sumForLSN < 1 {
		sumForLSN = 1
	}
	pagesForLSN := sumForLSN
	if limit := 2 * at.cfg.IOCapacityMax; pagesForLSN > limit {
		pagesForLSN = limit
	}

	pages := (at.cfg.PCT_IO(pct) + at.avgPageRate + pagesForLSN) / 3
	if pages > at.cfg.IOCapacityMax {
		pages = at.cfg.IOCapacityMax
	}
	rec.Pages = pages

	for i := range rec.Quotas {
		// redo空间充足时不关心页面的年龄分布
		if rec.PctForLSN > 30 {
			rec.Quotas[i] = rec.Quotas[i]*pages/sumForLSN + 1
		} else {
			rec.Quotas[i] = pages / n
		}
	}
	return rec
}

// SyncQuotas 同步刷新时每个实例的配额: 比 target 老的页面数, 至少 io_capacity/实例数
func (at *AutoTuner) SyncQuotas(target common.LSNT) []int {
	pool := at.pool
	floor := at.cfg.IOCapacity / len(pool.instances)
	quotas := make([]int, len(pool.instances))
	for i, inst := range pool.instances {
		n := inst.flushList.countUpTo(target)
		if n < floor {
			n = floor
		}
		quotas[i] = n
	}
	return quotas
}
