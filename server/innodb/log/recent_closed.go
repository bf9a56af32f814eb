package log

import (
	"container/heap"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
)

type lsnRange struct {
	start, end common.LSNT
}

// rangeHeap 按起始LSN排序的小顶堆
type rangeHeap []lsnRange

func (h rangeHeap) Len() int            { return len(h) }
func (h rangeHeap) Less(i, j int) bool  { return h[i].start < h[j].start }
func (h rangeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *rangeHeap) Push(x interface{}) { *h = append(*h, x.(lsnRange)) }
func (h *rangeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// recentClosed 跟踪已经把脏页加入flush list的LSN区间
// tail 之前的所有区间都已关闭, 即 dirty_pages_added_up_to_lsn
type recentClosed struct {
	tail    common.LSNT
	pending rangeHeap
}

func newRecentClosed(start common.LSNT) *recentClosed {
	return &recentClosed{tail: start}
}

// add 关闭一个区间, 返回tail是否前进
func (rc *recentClosed) add(start, end common.LSNT) bool {
	if start != rc.tail {
		heap.Push(&rc.pending, lsnRange{start, end})
		return false
	}
	rc.tail = end
	for rc.pending.Len() > 0 && rc.pending[0].start <= rc.tail {
		r := heap.Pop(&rc.pending).(lsnRange)
		if r.end > rc.tail {
			rc.tail = r.end
		}
	}
	return true
}
