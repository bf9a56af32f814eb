package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/ibuf"
)

// Status 引擎运行状态快照, 对应 SHOW ENGINE INNODB STATUS 中缓冲池, 变更缓冲与日志部分
type Status struct {
	Uptime     string           `toml:"uptime"`
	BufferPool BufferPoolStatus `toml:"buffer_pool"`
	Cleaner    CleanerStatus    `toml:"page_cleaner"`
	ChangeBuf  ChangeBufStatus  `toml:"change_buffer"`
	Log        LogStatus        `toml:"log"`
	Master     MasterStatus     `toml:"master"`
}

type BufferPoolStatus struct {
	Instances       int64   `toml:"instances"`
	Pages           int64   `toml:"pages"`
	DirtyPages      int64   `toml:"dirty_pages"`
	ModifiedPct     float64 `toml:"modified_pct"`
	PageRequests    int64   `toml:"page_requests"`
	PageHits        int64   `toml:"page_hits"`
	PageReads       int64   `toml:"page_reads"`
	PageWrites      int64   `toml:"page_writes"`
	Evictions       int64   `toml:"evictions"`
	FlushedLRU      int64   `toml:"flushed_lru"`
	FlushedList     int64   `toml:"flushed_list"`
	FlushedSingle   int64   `toml:"flushed_single"`
	FlushFailures   int64   `toml:"flush_failures"`
	NeighborPages   int64   `toml:"neighbor_pages"`
	OldestModifyLSN int64   `toml:"oldest_modification"`
	FlushListBytes  int64   `toml:"flush_list_bytes"`
	PendingReads    int64   `toml:"pending_reads"`
}

type CleanerStatus struct {
	Running     bool  `toml:"running"`
	AvgPageRate int64 `toml:"avg_page_rate"`
	LSNAvgRate  int64 `toml:"lsn_avg_rate"`
}

type ChangeBufStatus struct {
	Size          int64  `toml:"size"`
	FreeListLen   int64  `toml:"free_list_len"`
	SegSize       int64  `toml:"seg_size"`
	MaxSize       int64  `toml:"max_size"`
	Height        int64  `toml:"height"`
	Merges        int64  `toml:"merges"`
	MergedInsert  int64  `toml:"merged_insert"`
	MergedDelMark int64  `toml:"merged_delete_mark"`
	MergedDelete  int64  `toml:"merged_delete"`
	Discarded     int64  `toml:"discarded"`
	Summary       string `toml:"summary"`
}

type LogStatus struct {
	CurrentLSN    int64 `toml:"current_lsn"`
	FlushedLSN    int64 `toml:"flushed_lsn"`
	CheckpointLSN int64 `toml:"checkpoint_lsn"`
	CheckpointAge int64 `toml:"checkpoint_age"`
}

type MasterStatus struct {
	ActiveRounds int64 `toml:"active_rounds"`
	IdleRounds   int64 `toml:"idle_rounds"`
}

// Status 收集当前状态, 引擎关闭后返回 ErrClosed
func (e *XMySQLEngine) Status() (Status, error) {
	if e.closed.Load() {
		return Status{}, ErrClosed
	}
	var st Status
	st.Uptime = time.Since(e.startTime).Round(time.Second).String()

	ps := e.pool.Stats().Snapshot()
	bp := &st.BufferPool
	bp.Instances = int64(len(e.pool.Instances()))
	bp.Pages = int64(e.pool.CurrSize())
	bp.DirtyPages = int64(e.pool.NDirty())
	bp.ModifiedPct = e.pool.ModifiedRatioPct()
	bp.PageRequests = ps.PageRequests
	bp.PageHits = ps.PageHits
	bp.PageReads = ps.PageReads
	bp.PageWrites = ps.PageWrites
	bp.Evictions = ps.PageEvictions
	bp.FlushedLRU = ps.FlushedLRU
	bp.FlushedList = ps.FlushedList
	bp.FlushedSingle = ps.FlushedSingle
	bp.FlushFailures = ps.FlushFailures
	bp.NeighborPages = ps.NeighborPages
	bp.OldestModifyLSN = int64(e.pool.OldestModification())
	for _, inst := range e.pool.Instances() {
		is := inst.Status()
		bp.FlushListBytes += is.FlushListBytes
		bp.PendingReads += is.PendingReads
	}

	st.Cleaner.Running = e.cleaner.IsRunning()
	st.Cleaner.AvgPageRate = int64(e.cleaner.Tuner().AvgPageRate())
	st.Cleaner.LSNAvgRate = int64(e.cleaner.Tuner().LSNAvgRate())

	is := e.ibuf.Stats()
	cb := &st.ChangeBuf
	cb.Size = int64(is.Size)
	cb.FreeListLen = int64(is.FreeListLen)
	cb.SegSize = int64(is.SegSize)
	cb.MaxSize = int64(e.ibuf.MaxSize())
	cb.Height = int64(is.Height)
	cb.Merges = is.Merges
	cb.MergedInsert = is.MergedOps[ibuf.IBUF_OP_INSERT]
	cb.MergedDelMark = is.MergedOps[ibuf.IBUF_OP_DELETE_MARK]
	cb.MergedDelete = is.MergedOps[ibuf.IBUF_OP_DELETE]
	for _, n := range is.DiscardedOps {
		cb.Discarded += n
	}
	cb.Summary = is.Summary()

	st.Log.CurrentLSN = int64(e.redo.CurrentLSN())
	st.Log.FlushedLSN = int64(e.redo.FlushedToDiskLSN())
	st.Log.CheckpointLSN = int64(e.redo.LastCheckpointLSN())
	st.Log.CheckpointAge = int64(e.redo.CheckpointAge())

	st.Master.ActiveRounds = e.activeRounds.Load()
	st.Master.IdleRounds = e.idleRounds.Load()
	return st, nil
}

// StatusTOML 以TOML输出状态
func (e *XMySQLEngine) StatusTOML() (string, error) {
	st, err := e.Status()
	if err != nil {
		return "", err
	}
	b, err := toml.Marshal(st)
	if err != nil {
		return "", errors.Wrap(err, "marshal engine status")
	}
	return string(b), nil
}

func (st Status) String() string {
	var sb strings.Builder
	bp := st.BufferPool
	fmt.Fprintf(&sb, "uptime %s\n", st.Uptime)
	fmt.Fprintf(&sb, "buffer pool: %s pages in %d instances, %s dirty (%.2f%%)\n",
		humanize.Comma(bp.Pages), bp.Instances, humanize.Comma(bp.DirtyPages), bp.ModifiedPct)
	fmt.Fprintf(&sb, "page requests %s, hits %s, reads %s, writes %s, evictions %s\n",
		humanize.Comma(bp.PageRequests), humanize.Comma(bp.PageHits), humanize.Comma(bp.PageReads),
		humanize.Comma(bp.PageWrites), humanize.Comma(bp.Evictions))
	fmt.Fprintf(&sb, "flushed: lru %d, flush list %d, single page %d, neighbors %d, failures %d\n",
		bp.FlushedLRU, bp.FlushedList, bp.FlushedSingle, bp.NeighborPages, bp.FlushFailures)
	fmt.Fprintf(&sb, "change buffer: %s\n", st.ChangeBuf.Summary)
	fmt.Fprintf(&sb, "log sequence number %d, flushed up to %d, last checkpoint at %d\n",
		st.Log.CurrentLSN, st.Log.FlushedLSN, st.Log.CheckpointLSN)
	fmt.Fprintf(&sb, "master thread: %d active rounds, %d idle rounds\n",
		st.Master.ActiveRounds, st.Master.IdleRounds)
	return sb.String()
}
