package log

import (
	"context"
	"sync"
	"time"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
)

// OldestProvider 返回所有缓冲池中最老的修改LSN, 没有脏页时返回0
type OldestProvider func() common.LSNT

// Checkpointer 后台推进检查点
type Checkpointer struct {
	log      *Log
	oldest   OldestProvider
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCheckpointer(l *Log, oldest OldestProvider, interval time.Duration) *Checkpointer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Checkpointer{log: l, oldest: oldest, interval: interval}
}

// CheckpointLSN 可以安全作为检查点的LSN
// 尚未加入flush list的修改不能越过, 所以取 dirty_pages_added_up_to 与最老脏页的较小者
func (c *Checkpointer) CheckpointLSN() common.LSNT {
	lsn := c.log.DirtyPagesAddedUpToLSN()
	if oldest := c.oldest(); oldest != 0 && oldest < lsn {
		lsn = oldest
	}
	return lsn
}

// Run 执行一次检查点
func (c *Checkpointer) Run() error {
	return c.log.Checkpoint(c.CheckpointLSN())
}

// Start 启动后台协程
func (c *Checkpointer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Run(); err != nil {
					c.log.log.Errorf("checkpoint failed: %v", err)
				}
			}
		}
	}()
}

// Stop 停止后台协程
func (c *Checkpointer) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
		c.cancel = nil
	}
}
