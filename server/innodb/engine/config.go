package engine

import (
	"time"

	"github.com/zhukovaskychina/xmysql-bufcore/server/conf"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/ibuf"
	redo "github.com/zhukovaskychina/xmysql-bufcore/server/innodb/log"
)

// 以下把配置文件转换为各子系统自己的配置, 子系统不读取全局配置

func bufferPoolConfig(cfg *conf.Cfg) buffer_pool.Config {
	pages := cfg.PoolPages() / cfg.BufferPoolInstances
	lruOldMin := 512
	if lruOldMin > pages/4 {
		lruOldMin = pages / 4
	}
	return buffer_pool.Config{
		PageSize:            cfg.PageSize,
		Instances:           cfg.BufferPoolInstances,
		PagesPerInstance:    pages,
		PageCleaners:        cfg.PageCleaners,
		IOCapacity:          cfg.IOCapacity,
		IOCapacityMax:       cfg.IOCapacityMax,
		MaxDirtyPagesPct:    cfg.MaxDirtyPagesPct,
		MaxDirtyPagesPctLwm: cfg.MaxDirtyPagesPctLwm,
		AdaptiveFlushing:    cfg.AdaptiveFlushing,
		AdaptiveFlushingLwm: cfg.AdaptiveFlushingLwm,
		FlushingAvgLoops:    cfg.FlushingAvgLoops,
		FlushNeighbors:      cfg.FlushNeighbors,
		LRUScanDepth:        cfg.LRUScanDepth,
		FlushSync:           cfg.FlushSync,
		LRUMinLen:           cfg.LRUMinLen,
		LRUOldMinLen:        lruOldMin,
		OldBlocksTime:       time.Second,
		WatchSize:           32,
	}
}

func logConfig(cfg *conf.Cfg) redo.Config {
	return redo.Config{
		Dir:              cfg.DataHomeDir,
		FileSize:         cfg.LogFileSize,
		RecentClosedSize: cfg.LogRecentClosedSize,
		BufferSize:       cfg.LogBufferSize,
	}
}

func changeBufferConfig(cfg *conf.Cfg) (ibuf.Config, error) {
	use, err := ibuf.ParseUse(cfg.ChangeBuffering)
	if err != nil {
		return ibuf.Config{}, err
	}
	icfg := ibuf.DefaultConfig()
	icfg.Use = use
	icfg.MaxSizePct = cfg.ChangeBufferMaxSize
	if icfg.MaxSizePct == 0 {
		// 上限为0等于关闭缓冲, 已有的记录照常合并
		icfg.Use = ibuf.IBUF_USE_NONE
		icfg.MaxSizePct = 1
	}
	icfg.ForceRecovery = cfg.ForceRecovery
	return icfg, nil
}
