package buffer_pool

import (
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
)

// SlotState 页面清理槽位的状态
type SlotState int

const (
	SlotNone SlotState = iota
	SlotRequested
	SlotFlushing
	SlotFinished
)

func (s SlotState) String() string {
	switch s {
	case SlotNone:
		return "NONE"
	case SlotRequested:
		return "REQUESTED"
	case SlotFlushing:
		return "FLUSHING"
	case SlotFinished:
		return "FINISHED"
	}
	return "UNKNOWN"
}

const (
	pageCleanerLoop = time.Second
	// 超过预定时间这么多才告警
	pageCleanerLagWarn = 3 * time.Second
	maxWarnInterval    = 600
)

// CleanerSlot 每个实例一个槽位, 一轮中只被一个协程处理
type CleanerSlot struct {
	State          SlotState
	PagesRequested int
	FlushedLRU     int
	FlushedList    int
	SucceededList  bool

	LRUTime  time.Duration
	ListTime time.Duration
	LRUPass  int
	ListPass int
}

// PageCleaner 页面清理: 一个协调者加若干工作协程, 每轮为每个实例刷LRU尾部与flush list
type PageCleaner struct {
	pool  *Pool
	tuner *AutoTuner

	mu          sync.Mutex
	isRequested *sync.Cond
	isFinished  *sync.Cond

	slots          []CleanerSlot
	requested      bool
	lsnLimit       common.LSNT
	nRequested     int
	nFlushing      int
	nFinished      int
	isRunning      bool
	shuttingDown   bool
	syncLSN        common.LSNT
	flushTime      time.Duration
	flushPass      int
	fastShutdown   int
	coordinatorRun sync.WaitGroup
	workers        sync.WaitGroup

	// buf_flush_event: 唤醒协调者
	wake chan struct{}
	stop chan struct{}
}

// NewPageCleaner 创建页面清理, 每个实例一个槽位
func NewPageCleaner(pool *Pool) *PageCleaner {
	c := &PageCleaner{
		pool:  pool,
		tuner: NewAutoTuner(pool),
		slots: make([]CleanerSlot, len(pool.instances)),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	c.isRequested = sync.NewCond(&c.mu)
	c.isFinished = sync.NewCond(&c.mu)
	return c
}

// Tuner 自适应刷新状态
func (c *PageCleaner) Tuner() *AutoTuner {
	return c.tuner
}

// Start 启动协调者与 PageCleaners-1 个工作协程(buf_flush_page_cleaner_init)
func (c *PageCleaner) Start() {
	c.mu.Lock()
	c.isRunning = true
	c.mu.Unlock()
	c.pool.cleaner.Store(c)

	c.coordinatorRun.Add(1)
	go c.coordinator()
	for i := 1; i < c.pool.cfg.PageCleaners; i++ {
		c.workers.Add(1)
		go c.worker()
	}
	log.Infof("page cleaner started with %d threads for %d instances", c.pool.cfg.PageCleaners, len(c.slots))
}

// IsRunning 协调者与工作协程是否在运行
func (c *PageCleaner) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRunning
}

// Wakeup 唤醒协调者
func (c *PageCleaner) Wakeup() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// RequestSyncFlush 请求同步刷新到 lsn(buf_flush_request_force), 目标按平均LSN增长放宽.
// 协调者已停止或正在停止时返回 ErrCleanerStopped
func (c *PageCleaner) RequestSyncFlush(lsn common.LSNT) error {
	target := lsn + c.tuner.LSNAvgRate()*flushLSNScanFactor
	c.mu.Lock()
	if !c.isRunning || c.shuttingDown {
		c.mu.Unlock()
		return ErrCleanerStopped
	}
	if target > c.syncLSN {
		c.syncLSN = target
	}
	c.mu.Unlock()
	c.Wakeup()
	return nil
}

// Request 发起一轮(pc_request): 每个槽位进入REQUESTED并唤醒工作协程.
// minN 为 ULINT_MAX 时不限页数; 否则平均分给各实例, 为0时只刷LRU.
// quotas 不为nil时覆盖每个槽位的配额
func (c *PageCleaner) Request(minN int, lsnLimit common.LSNT, quotas []int) {
	n := len(c.slots)
	if minN != ULINT_MAX {
		minN = (minN + n - 1) / n
	}
	c.mu.Lock()
	c.requested = minN > 0
	c.lsnLimit = lsnLimit
	for i := range c.slots {
		s := &c.slots[i]
		switch {
		case minN == ULINT_MAX:
			s.PagesRequested = ULINT_MAX
		case minN == 0:
			s.PagesRequested = 0
		case quotas != nil:
			s.PagesRequested = quotas[i]
		default:
			s.PagesRequested = minN
		}
		s.State = SlotRequested
	}
	c.nRequested = n
	c.nFlushing = 0
	c.nFinished = 0
	c.isRequested.Broadcast()
	c.mu.Unlock()
}

// FlushSlot 领取并处理一个REQUESTED槽位(pc_flush_slot), 返回还没有被领取的槽位数
func (c *PageCleaner) FlushSlot() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nRequested == 0 {
		return 0
	}
	i := 0
	for ; i < len(c.slots); i++ {
		if c.slots[i].State == SlotRequested {
			break
		}
	}
	if i == len(c.slots) {
		panic("buffer_pool: page cleaner lost a requested slot")
	}
	slot := &c.slots[i]
	inst := c.pool.instances[i]
	c.nRequested--
	c.nFlushing++
	slot.State = SlotFlushing

	if c.isRunning {
		requested := c.requested
		lsnLimit := c.lsnLimit
		quota := slot.PagesRequested
		c.mu.Unlock()

		start := time.Now()
		flushedLRU := inst.flushLRUTail()
		lruTime := time.Since(start)

		flushedList, succeeded := 0, true
		var listTime time.Duration
		if requested && c.IsRunning() {
			start = time.Now()
			var res BatchResult
			res, succeeded = inst.DoBatch(BUF_FLUSH_LIST, quota, lsnLimit)
			flushedList = res.Flushed
			listTime = time.Since(start)
		}

		c.mu.Lock()
		slot.FlushedLRU = flushedLRU
		slot.FlushedList = flushedList
		slot.SucceededList = succeeded
		slot.LRUTime += lruTime
		slot.LRUPass++
		if listTime > 0 {
			slot.ListTime += listTime
			slot.ListPass++
		}
	} else {
		slot.FlushedLRU = 0
		slot.FlushedList = 0
	}

	c.nFlushing--
	c.nFinished++
	slot.State = SlotFinished
	if c.nRequested == 0 && c.nFlushing == 0 {
		c.isFinished.Broadcast()
	}
	return c.nRequested
}

// WaitFinished 等待本轮全部槽位完成(pc_wait_finished), 汇总并把槽位复位为NONE.
// 任一实例的flush list批次没能启动时返回 false
func (c *PageCleaner) WaitFinished() (flushedLRU, flushedList int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.nRequested > 0 || c.nFlushing > 0 {
		c.isFinished.Wait()
	}
	ok = true
	for i := range c.slots {
		s := &c.slots[i]
		flushedLRU += s.FlushedLRU
		flushedList += s.FlushedList
		ok = ok && s.SucceededList
		s.State = SlotNone
		s.PagesRequested = 0
	}
	c.nFinished = 0
	return
}

// Slots 槽位的快照
func (c *PageCleaner) Slots() []CleanerSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CleanerSlot, len(c.slots))
	copy(out, c.slots)
	return out
}

// round 协调者发起一轮并亲自处理槽位, 返回LRU与flush list刷出的页数
func (c *PageCleaner) round(minN int, lsnLimit common.LSNT, quotas []int) (int, int, bool) {
	c.Request(minN, lsnLimit, quotas)
	start := time.Now()
	for c.FlushSlot() > 0 {
	}
	c.mu.Lock()
	c.flushTime += time.Since(start)
	c.flushPass++
	c.mu.Unlock()
	lru, list, ok := c.WaitFinished()
	if lru > 0 || list > 0 {
		metrics.IncrCounter([]string{"bufcore", "page_cleaner", "flushed_list"}, float32(list))
		metrics.IncrCounter([]string{"bufcore", "page_cleaner", "flushed_lru"}, float32(lru))
	}
	metrics.MeasureSince([]string{"bufcore", "page_cleaner", "round"}, start)
	return lru, list, ok
}

// flushLRUTail 实例LRU尾部的清理(buf_flush_LRU_list), 扫描深度不超过LRU长度
func (inst *Instance) flushLRUTail() int {
	inst.mu.Lock()
	depth := inst.lru.Len()
	withdraw := inst.withdrawDepthLocked()
	inst.mu.Unlock()
	scan := inst.cfg.LRUScanDepth
	if withdraw > scan {
		scan = withdraw
	}
	if scan < depth {
		depth = scan
	}
	res, _ := inst.DoBatch(BUF_FLUSH_LRU, depth, 0)
	return res.Flushed
}

// sleepIfNeeded 睡到下一轮, 返回 true 表示超时而不是被唤醒
func (c *PageCleaner) sleepIfNeeded(next time.Time) (timedOut bool, stopped bool) {
	d := time.Until(next)
	if d <= 0 {
		return true, false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true, false
	case <-c.wake:
		return false, false
	case <-c.stop:
		return false, true
	}
}

func (c *PageCleaner) stopping() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// coordinator 协调者主循环(buf_flush_page_coordinator_thread)
func (c *PageCleaner) coordinator() {
	defer c.coordinatorRun.Done()
	pool := c.pool
	var (
		nEvicted, nFlushedLast, nFlushed int
		warnInterval                     = 1
		warnCount                        int
		lastPages                        int
	)
	nextLoop := time.Now().Add(pageCleanerLoop)
	lastActivity := pool.ActivityCount()

	for !c.stopping() {
		var timedOut bool
		if pool.ActivityCount() != lastActivity || pool.PendingReads() > 0 || nFlushed == 0 {
			var stopped bool
			timedOut, stopped = c.sleepIfNeeded(nextLoop)
			if stopped {
				break
			}
		} else if time.Now().After(nextLoop) {
			timedOut = true
		}

		if timedOut {
			now := time.Now()
			if now.After(nextLoop.Add(pageCleanerLagWarn)) {
				if warnCount == 0 {
					log.Infof("page_cleaner: 1000ms intended loop took %dms. The settings might not be optimal. "+
						"(flushed=%d and evicted=%d, during the time.)",
						(pageCleanerLoop + now.Sub(nextLoop)).Milliseconds(), nFlushedLast, nEvicted)
					if warnInterval > maxWarnInterval/2 {
						warnInterval = maxWarnInterval
					} else {
						warnInterval *= 2
					}
					warnCount = warnInterval
				} else {
					warnCount--
				}
			} else {
				warnInterval = 1
				warnCount = 0
			}
			nextLoop = now.Add(pageCleanerLoop)
			nFlushedLast, nEvicted = 0, 0
		}

		c.mu.Lock()
		syncLSN := c.syncLSN
		if !timedOut && pool.cfg.FlushSync && syncLSN > 0 {
			c.syncLSN = 0
		}
		c.mu.Unlock()

		switch {
		case !timedOut && pool.cfg.FlushSync && syncLSN > 0:
			// 日志空间不足的同步刷新
			lru, list, _ := c.syncRound(syncLSN)
			nFlushed = lru + list
			nEvicted += lru
			nFlushedLast += list
		case pool.ActivityCount() != lastActivity:
			nToFlush, lsnLimit := 0, common.LSNT(0)
			var quotas []int
			if timedOut {
				lastActivity = pool.ActivityCount()
				rec := c.tuner.Recommend(lastPages)
				nToFlush, lsnLimit, quotas = rec.Pages, rec.LSNLimit, rec.Quotas
			}
			lru, list, _ := c.round(nToFlush, lsnLimit, quotas)
			if timedOut {
				lastPages = list
			}
			nEvicted += lru
			nFlushedLast += list
			nFlushed = lru + list
		case timedOut:
			// 空闲时按全部io_capacity刷新
			n, _ := pool.FlushLists(pool.cfg.PCT_IO(100), common.LSN_MAX)
			nFlushedLast += n
			nFlushed = n
		default:
			nFlushed = 0
		}
	}
	c.drain()
}

// syncRound 同步刷新: 每个实例至少刷出比 target 老的页面
func (c *PageCleaner) syncRound(target common.LSNT) (int, int, bool) {
	quotas := c.tuner.SyncQuotas(target)
	total := 0
	for _, q := range quotas {
		total += q
	}
	return c.round(total, target, quotas)
}

// drain 关闭时反复整轮刷新, 直到所有flush list为空且没有未完成的读
func (c *PageCleaner) drain() {
	pool := c.pool
	if c.fastShutdown >= 2 {
		return
	}
	start := time.Now()
	for {
		lru, list, ok := c.round(ULINT_MAX, common.LSN_MAX, nil)
		pool.WaitBatchEnd(BUF_FLUSH_LIST)
		pool.WaitBatchEnd(BUF_FLUSH_LRU)
		n := lru + list
		if ok && n == 0 && pool.NDirty() == 0 && pool.PendingReads() == 0 {
			break
		}
		if n == 0 {
			time.Sleep(100 * time.Millisecond)
		}
	}
	log.Infof("page cleaner drained the buffer pool in %s", time.Since(start).Round(time.Millisecond))
}

// worker 工作协程(buf_flush_page_cleaner_worker)
func (c *PageCleaner) worker() {
	defer c.workers.Done()
	for {
		c.mu.Lock()
		for c.isRunning && c.nRequested == 0 {
			c.isRequested.Wait()
		}
		running := c.isRunning
		c.mu.Unlock()
		if !running {
			return
		}
		c.FlushSlot()
	}
}

// Shutdown 停止协调者并等待它清空缓冲池, fast 为2时跳过清空(buf_flush_page_cleaner_close)
func (c *PageCleaner) Shutdown(fast int) {
	c.mu.Lock()
	if !c.isRunning || c.shuttingDown {
		c.mu.Unlock()
		return
	}
	c.shuttingDown = true
	c.fastShutdown = fast
	c.mu.Unlock()

	close(c.stop)
	c.coordinatorRun.Wait()

	c.mu.Lock()
	c.isRunning = false
	c.isRequested.Broadcast()
	c.mu.Unlock()
	c.workers.Wait()
	c.pool.cleaner.CompareAndSwap(c, nil)
	log.Infof("page cleaner stopped")
}
