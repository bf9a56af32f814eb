package buffer_pool

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/fil"
)

// 在途读超过 curr_size/readAheadPendLimit 时暂停提交
const readAheadPendLimit = 2

// ReadMergePages 为变更缓冲合并读入页面(buf_read_ibuf_merge_pages).
// 读入完成时合并钩子会应用缓存的记录. waitAll 为真时等待最后一个页面读完.
// 表空间不存在时调用 discarded 并跳过该表空间后续的页面, 返回提交的读数
func (pool *Pool) ReadMergePages(ids []common.PageID, waitAll bool, discarded func(space uint32)) (int, error) {
	var wg sync.WaitGroup
	issued := 0
	var firstErr error
	for i := 0; i < len(ids); i++ {
		id := ids[i]
		if !pool.store.Exists(id.Space) {
			if discarded != nil {
				discarded(id.Space)
			}
			for i+1 < len(ids) && ids[i+1].Space == id.Space {
				i++
			}
			continue
		}
		inst := pool.InstanceFor(id)
		for inst.PendingReads() > int64(inst.CurrSize()/readAheadPendLimit) {
			time.Sleep(10 * time.Millisecond)
		}
		wg.Add(1)
		err := inst.readPage(id, false, func(err error) {
			if err != nil && !errors.Is(err, fil.ErrTablespaceDeleted) {
				log.Warnf("merge read of page %s failed: %v", id, err)
			}
			wg.Done()
		})
		if err != nil {
			wg.Done()
			if firstErr == nil {
				firstErr = err
			}
			if IsBufferPoolFull(err) {
				// 没有空闲块, 剩下的页面留给下一次合并
				break
			}
			continue
		}
		issued++
	}
	if waitAll {
		wg.Wait()
	}
	return issued, firstErr
}
