package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-bufcore/logger"
	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/conf"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/fil"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/ibuf"
	redo "github.com/zhukovaskychina/xmysql-bufcore/server/innodb/log"
)

var log = logger.Subsystem("engine")

const (
	lockFileName    = "bufcored.pid.lock"
	systemSpaceName = "ibdata1"
)

var (
	ErrDataDirInUse   = errors.New("data directory is used by another process")
	ErrClosed         = errors.New("engine is closed")
	ErrDuplicateKey   = errors.New("duplicate key in secondary index page")
	ErrRecordNotFound = errors.New("record not found in secondary index page")
)

// XMySQLEngine 存储引擎上下文, 持有全部子系统. 打开顺序:
// 数据目录锁 -> 表空间 -> redo -> 缓冲池 -> 变更缓冲 -> 页面清理 -> 检查点 -> master
type XMySQLEngine struct {
	conf *conf.Cfg

	fileLock *flock.Flock
	sys      *fil.System
	redo     *redo.Log
	pool     *buffer_pool.Pool
	cleaner  *buffer_pool.PageCleaner
	ckpt     *redo.Checkpointer
	ibuf     *ibuf.ChangeBuffer
	sink     *metrics.InmemSink

	compression fil.Compression

	cancel context.CancelFunc
	master sync.WaitGroup
	closed atomic.Bool

	activeRounds atomic.Int64
	idleRounds   atomic.Int64
	startTime    time.Time
}

// Open 打开数据目录, 首次打开时创建系统表空间与变更缓冲树
func Open(cfg *conf.Cfg) (*XMySQLEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &XMySQLEngine{
		conf:        cfg,
		compression: fil.ParseCompression(cfg.PageCompression),
		startTime:   time.Now(),
	}
	if err := e.init(); err != nil {
		e.release()
		return nil, err
	}
	e.startBackground()
	log.Infof("engine opened in %s: buffer pool %s in %d instances, page size %s, %s",
		cfg.DataHomeDir, humanize.IBytes(uint64(cfg.BufferPoolSize)), cfg.BufferPoolInstances,
		humanize.IBytes(uint64(cfg.PageSize)), e.ibuf.Stats().Summary())
	return e, nil
}

func (e *XMySQLEngine) init() error {
	dir := e.conf.DataHomeDir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "create data directory %s", dir)
	}
	if err := e.initFileLock(dir); err != nil {
		return err
	}
	e.initMetrics()
	if err := e.initStorageLayer(dir); err != nil {
		return err
	}
	if err := e.initBufferLayer(); err != nil {
		return err
	}
	return e.initChangeBuffer()
}

func (e *XMySQLEngine) initFileLock(dir string) error {
	fileLock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := fileLock.TryLock()
	if err != nil {
		return errors.Wrapf(err, "lock %s", fileLock.Path())
	}
	if !locked {
		return errors.Wrapf(ErrDataDirInUse, "%s", dir)
	}
	e.fileLock = fileLock
	return nil
}

// initMetrics 每个引擎一个内存汇聚, 供状态输出
func (e *XMySQLEngine) initMetrics() {
	e.sink = metrics.NewInmemSink(10*time.Second, time.Minute)
	mcfg := metrics.DefaultConfig("")
	mcfg.EnableHostname = false
	mcfg.EnableRuntimeMetrics = false
	if _, err := metrics.NewGlobal(mcfg, e.sink); err != nil {
		log.Warnf("cannot install metrics sink: %v", err)
	}
}

func (e *XMySQLEngine) initStorageLayer(dir string) error {
	ioThreads := 2 * e.conf.BufferPoolInstances
	if ioThreads < 4 {
		ioThreads = 4
	}
	sys, err := fil.NewSystem(dir, e.conf.PageSize, ioThreads)
	if err != nil {
		return err
	}
	e.sys = sys
	if _, err := sys.CreateSpace(common.SYSTEM_SPACE_ID, systemSpaceName, fil.PurposeTablespace, e.compression); err != nil {
		return errors.Wrap(err, "open system tablespace")
	}

	l, err := redo.Open(logConfig(e.conf))
	if err != nil {
		return err
	}
	e.redo = l
	return nil
}

func (e *XMySQLEngine) initBufferLayer() error {
	pool, err := buffer_pool.NewPool(bufferPoolConfig(e.conf), e.sys, e.redo)
	if err != nil {
		return err
	}
	e.pool = pool
	// 检查点年龄超过同步上限时由缓冲池同步刷新
	e.redo.SetFlusher(pool)
	return nil
}

func (e *XMySQLEngine) initChangeBuffer() error {
	icfg, err := changeBufferConfig(e.conf)
	if err != nil {
		return err
	}
	cb, err := ibuf.Open(icfg, e.pool, e.sys, e.redo)
	if err != nil {
		return err
	}
	e.ibuf = cb
	return nil
}

func (e *XMySQLEngine) startBackground() {
	e.cleaner = buffer_pool.NewPageCleaner(e.pool)
	e.cleaner.Start()
	e.ckpt = redo.NewCheckpointer(e.redo, e.pool.OldestModificationLWM, time.Second)
	e.ckpt.Start()

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.master.Add(1)
	go e.masterThread(ctx, time.Second)
}

// Close 停止后台任务并关闭子系统. innodb_fast_shutdown 为0时先合并全部缓冲的修改,
// 为2时不刷脏页也不写最终检查点
func (e *XMySQLEngine) Close() error {
	if e.closed.Swap(true) {
		return ErrClosed
	}
	start := time.Now()
	if e.cancel != nil {
		e.cancel()
		e.master.Wait()
	}
	fast := e.conf.FastShutdown
	if fast == 0 {
		e.contractAll()
	}
	e.cleaner.Shutdown(fast)
	e.ckpt.Stop()
	e.ibuf.Close()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	finalCheckpoint := common.LSNT(0)
	if fast < 2 {
		finalCheckpoint = e.ckpt.CheckpointLSN()
	}
	keep(e.redo.Shutdown(finalCheckpoint))
	e.redo = nil
	e.sys.WaitIO()
	keep(e.sys.FlushAll())
	e.release()
	log.Infof("engine closed in %s (fast shutdown %d, final checkpoint %d)",
		time.Since(start).Round(time.Millisecond), fast, finalCheckpoint)
	return firstErr
}

// contractAll 慢关闭: 反复收缩直到变更缓冲为空
func (e *XMySQLEngine) contractAll() {
	total := 0
	for rounds := 0; !e.ibuf.IsEmpty(); rounds++ {
		n := e.ibuf.Contract(true)
		total += n
		if n == 0 {
			break
		}
		if rounds%100 == 99 {
			log.Infof("merging the change buffer: %s merged so far", humanize.IBytes(uint64(total)))
		}
	}
	log.Infof("change buffer merged for shutdown: %s", humanize.IBytes(uint64(total)))
}

// release 关闭文件并释放数据目录锁, 打开失败时也用它清理
func (e *XMySQLEngine) release() {
	if e.redo != nil {
		if err := e.redo.Shutdown(0); err != nil {
			log.Warnf("close redo log: %v", err)
		}
		e.redo = nil
	}
	if e.sys != nil {
		if err := e.sys.Close(); err != nil {
			log.Warnf("close tablespaces: %v", err)
		}
		e.sys = nil
	}
	if e.fileLock != nil {
		if err := e.fileLock.Unlock(); err != nil {
			log.Warnf("unlock %s: %v", e.fileLock.Path(), err)
		}
		e.fileLock = nil
	}
}

// Pool 缓冲池
func (e *XMySQLEngine) Pool() *buffer_pool.Pool {
	return e.pool
}

// ChangeBuffer 变更缓冲
func (e *XMySQLEngine) ChangeBuffer() *ibuf.ChangeBuffer {
	return e.ibuf
}

// PageCleaner 页面清理
func (e *XMySQLEngine) PageCleaner() *buffer_pool.PageCleaner {
	return e.cleaner
}

// Config 引擎配置
func (e *XMySQLEngine) Config() *conf.Cfg {
	return e.conf
}
