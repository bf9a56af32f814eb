package engine

import (
	"context"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
)

// masterThread 每秒一轮(srv_master_thread). 有用户活动时按5%的io_capacity在后台合并变更缓冲;
// 空闲时全速合并, 按100%的io_capacity刷脏页, 并归还多余的变更缓冲空闲页
func (e *XMySQLEngine) masterThread(ctx context.Context, interval time.Duration) {
	defer e.master.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastActivity := e.pool.ActivityCount()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		activity := e.pool.ActivityCount()
		if activity != lastActivity {
			lastActivity = activity
			e.activeRound()
		} else {
			e.idleRound()
		}
	}
}

func (e *XMySQLEngine) activeRound() {
	start := time.Now()
	e.activeRounds.Add(1)
	e.redo.FreeCheck()
	e.ibuf.MergeInBackground(false)
	metrics.MeasureSince([]string{"bufcore", "master", "active_round"}, start)
}

func (e *XMySQLEngine) idleRound() {
	start := time.Now()
	e.idleRounds.Add(1)
	pcfg := e.pool.Config()
	if n, _ := e.pool.FlushLists(pcfg.PCT_IO(100), common.LSN_MAX); n > 0 {
		log.Debugf("master thread flushed %d pages while idle", n)
	}
	e.ibuf.MergeInBackground(true)
	e.ibuf.FreeExcessPages()
	metrics.MeasureSince([]string{"bufcore", "master", "idle_round"}, start)
}
