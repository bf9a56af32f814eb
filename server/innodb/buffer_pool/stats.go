package buffer_pool

import (
	"sync/atomic"
	"time"

	metrics "github.com/hashicorp/go-metrics"
)

// BufferPoolStats 缓冲池统计信息, 所有实例共享
type BufferPoolStats struct {
	// 页面访问
	PageRequests int64
	PageHits     int64
	PageMisses   int64

	// IO统计
	PageReads     int64
	PageWrites    int64
	PageEvictions int64
	CorruptReads  int64

	// 刷新统计, 按批次类型
	FlushedLRU    int64
	FlushedList   int64
	FlushedSingle int64
	FlushSkipped  int64
	FlushFailures int64
	NeighborPages int64

	// 性能统计
	ReadLatencyTotal  int64 // 纳秒
	WriteLatencyTotal int64 // 纳秒
	LastResetTime     time.Time
}

// NewBufferPoolStats 创建新的统计对象
func NewBufferPoolStats() *BufferPoolStats {
	return &BufferPoolStats{
		LastResetTime: time.Now(),
	}
}

// RecordPageRequest 记录页面请求
func (s *BufferPoolStats) RecordPageRequest(hit bool) {
	atomic.AddInt64(&s.PageRequests, 1)
	if hit {
		atomic.AddInt64(&s.PageHits, 1)
	} else {
		atomic.AddInt64(&s.PageMisses, 1)
	}
}

// RecordPageIO 记录页面IO
func (s *BufferPoolStats) RecordPageIO(isRead bool, latencyNs int64) {
	if isRead {
		atomic.AddInt64(&s.PageReads, 1)
		atomic.AddInt64(&s.ReadLatencyTotal, latencyNs)
		metrics.IncrCounter([]string{"bufcore", "buffer_pool", "pages_read"}, 1)
	} else {
		atomic.AddInt64(&s.PageWrites, 1)
		atomic.AddInt64(&s.WriteLatencyTotal, latencyNs)
		metrics.IncrCounter([]string{"bufcore", "buffer_pool", "pages_written"}, 1)
	}
}

// RecordFlush 记录一次页面刷新
func (s *BufferPoolStats) RecordFlush(t FlushType) {
	switch t {
	case BUF_FLUSH_LRU:
		atomic.AddInt64(&s.FlushedLRU, 1)
	case BUF_FLUSH_LIST:
		atomic.AddInt64(&s.FlushedList, 1)
	case BUF_FLUSH_SINGLE_PAGE:
		atomic.AddInt64(&s.FlushedSingle, 1)
	case BUF_FLUSH_N_TYPES:
	}
	metrics.IncrCounterWithLabels([]string{"bufcore", "flush", "pages"}, 1,
		[]metrics.Label{{Name: "type", Value: t.String()}})
}

// RecordCorruptRead 读入的页面校验和不匹配
func (s *BufferPoolStats) RecordCorruptRead() {
	atomic.AddInt64(&s.CorruptReads, 1)
	metrics.IncrCounter([]string{"bufcore", "buffer_pool", "corrupt_reads"}, 1)
}

// RecordEviction 记录淘汰
func (s *BufferPoolStats) RecordEviction() {
	atomic.AddInt64(&s.PageEvictions, 1)
	metrics.IncrCounter([]string{"bufcore", "buffer_pool", "evicted"}, 1)
}

// RecordSkip 页面启发式可刷新但加锁失败, 下一轮再刷
func (s *BufferPoolStats) RecordSkip() {
	atomic.AddInt64(&s.FlushSkipped, 1)
}

// RecordFlushFailure 写失败
func (s *BufferPoolStats) RecordFlushFailure() {
	atomic.AddInt64(&s.FlushFailures, 1)
}

// RecordNeighbors 邻居刷新页数
func (s *BufferPoolStats) RecordNeighbors(n int) {
	if n > 1 {
		atomic.AddInt64(&s.NeighborPages, int64(n-1))
	}
}

// GetHitRatio 获取命中率
func (s *BufferPoolStats) GetHitRatio() float64 {
	requests := atomic.LoadInt64(&s.PageRequests)
	if requests == 0 {
		return 0
	}
	hits := atomic.LoadInt64(&s.PageHits)
	return float64(hits) / float64(requests)
}

// GetAvgWriteLatency 获取平均写入延迟(纳秒)
func (s *BufferPoolStats) GetAvgWriteLatency() float64 {
	writes := atomic.LoadInt64(&s.PageWrites)
	if writes == 0 {
		return 0
	}
	total := atomic.LoadInt64(&s.WriteLatencyTotal)
	return float64(total) / float64(writes)
}

// Snapshot 返回计数的拷贝
func (s *BufferPoolStats) Snapshot() BufferPoolStats {
	return BufferPoolStats{
		PageRequests:      atomic.LoadInt64(&s.PageRequests),
		PageHits:          atomic.LoadInt64(&s.PageHits),
		PageMisses:        atomic.LoadInt64(&s.PageMisses),
		PageReads:         atomic.LoadInt64(&s.PageReads),
		PageWrites:        atomic.LoadInt64(&s.PageWrites),
		PageEvictions:     atomic.LoadInt64(&s.PageEvictions),
		CorruptReads:      atomic.LoadInt64(&s.CorruptReads),
		FlushedLRU:        atomic.LoadInt64(&s.FlushedLRU),
		FlushedList:       atomic.LoadInt64(&s.FlushedList),
		FlushedSingle:     atomic.LoadInt64(&s.FlushedSingle),
		FlushSkipped:      atomic.LoadInt64(&s.FlushSkipped),
		FlushFailures:     atomic.LoadInt64(&s.FlushFailures),
		NeighborPages:     atomic.LoadInt64(&s.NeighborPages),
		ReadLatencyTotal:  atomic.LoadInt64(&s.ReadLatencyTotal),
		WriteLatencyTotal: atomic.LoadInt64(&s.WriteLatencyTotal),
		LastResetTime:     s.LastResetTime,
	}
}

// Reset 重置统计信息
func (s *BufferPoolStats) Reset() {
	for _, p := range []*int64{
		&s.PageRequests, &s.PageHits, &s.PageMisses, &s.PageReads, &s.PageWrites,
		&s.PageEvictions, &s.CorruptReads, &s.FlushedLRU, &s.FlushedList, &s.FlushedSingle,
		&s.FlushSkipped, &s.FlushFailures, &s.NeighborPages,
		&s.ReadLatencyTotal, &s.WriteLatencyTotal,
	} {
		atomic.StoreInt64(p, 0)
	}
	s.LastResetTime = time.Now()
}
