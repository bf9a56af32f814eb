package log

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	jerrors "github.com/juju/errors"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-bufcore/logger"
	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/util"
)

// LOG_START_LSN 新日志的起始LSN, 0 保留给"没有redo的修改"
const LOG_START_LSN common.LSNT = 8192

const (
	logFileName = "ib_logfile0"
	// 文件头: 0 号块为文件头, 1 号块为检查点, 数据从 LOG_FILE_HDR_SIZE 开始
	logBlockSize     = 512
	logFileHdrSize   = 4 * logBlockSize
	logHdrMagic      = 0
	logHdrStartLSN   = 4
	logCheckpointOff = logBlockSize
	logCpLSN         = 0
	logCpFlushedLSN  = 8
	logCpChecksum    = 16
	logMagic         = 0x42554643
)

var (
	ErrLogCorrupted = errors.New("redo log header corrupted")
	ErrLogClosed    = errors.New("redo log closed")
)

// Config redo日志配置
type Config struct {
	Dir              string
	FileSize         int64
	RecentClosedSize int64
	BufferSize       int64
}

// Flusher 同步刷脏页直到最老修改LSN不小于lsn, 由缓冲池实现
type Flusher interface {
	SyncFlush(lsn common.LSNT)
}

// Log redo日志, 同时作为LSN的权威来源
type Log struct {
	cfg  Config
	file *os.File

	// mu 保护日志缓冲与写入位置
	mu          sync.Mutex
	closedCond  *sync.Cond
	buf         []byte
	bufStartLSN common.LSNT
	currentLSN  common.LSNT
	closed      *recentClosed
	shutdown    bool

	// writeMu 串行化写文件
	writeMu          sync.Mutex
	writtenLSN       atomic.Uint64
	flushedToDiskLSN atomic.Uint64
	lastCheckpoint   atomic.Uint64

	capacity            common.LSNT
	maxModifiedAgeAsync common.LSNT
	maxModifiedAgeSync  common.LSNT

	recovery atomic.Bool
	flusher  atomic.Value

	log *logger.Entry
}

// Open 打开或创建 ib_logfile0
func Open(cfg Config) (*Log, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, jerrors.Annotatef(err, "mkdir %s", cfg.Dir)
	}
	path := filepath.Join(cfg.Dir, logFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, jerrors.Annotatef(err, "open %s", path)
	}
	l := &Log{
		cfg:  cfg,
		file: f,
		log:  logger.Subsystem("redo"),
	}
	l.closedCond = sync.NewCond(&l.mu)
	l.computeMargins()

	start, cp, flushed, err := l.readHeader()
	if err != nil {
		f.Close()
		return nil, err
	}
	if start == 0 {
		start, cp, flushed = LOG_START_LSN, LOG_START_LSN, LOG_START_LSN
		if err := l.initFile(); err != nil {
			f.Close()
			return nil, err
		}
	}
	if flushed > cp {
		// 上次没有完成最后的检查点
		l.recovery.Store(true)
		l.log.Warnf("log sequence number %d is ahead of checkpoint %d, starting crash recovery", flushed, cp)
	}
	l.currentLSN = flushed
	l.bufStartLSN = flushed
	l.closed = newRecentClosed(flushed)
	l.writtenLSN.Store(uint64(flushed))
	l.flushedToDiskLSN.Store(uint64(flushed))
	l.lastCheckpoint.Store(uint64(cp))
	l.log.Infof("redo log %s opened at lsn %d, capacity %s", path, flushed, humanize.IBytes(uint64(l.capacity)))
	return l, nil
}

func (l *Log) computeMargins() {
	capacity := common.LSNT(l.cfg.FileSize - logFileHdrSize)
	margin := capacity - capacity/10
	l.capacity = capacity
	l.maxModifiedAgeAsync = margin - margin/8
	l.maxModifiedAgeSync = margin - margin/16
}

func (l *Log) initFile() error {
	if err := l.file.Truncate(l.cfg.FileSize); err != nil {
		return jerrors.Annotatef(err, "truncate redo log to %d", l.cfg.FileSize)
	}
	hdr := make([]byte, logBlockSize)
	util.MachWrite4(hdr, logHdrMagic, logMagic)
	util.MachWrite8(hdr, logHdrStartLSN, uint64(LOG_START_LSN))
	if _, err := l.file.WriteAt(hdr, 0); err != nil {
		return jerrors.Annotate(err, "write redo header")
	}
	return l.writeCheckpoint(LOG_START_LSN, LOG_START_LSN)
}

func (l *Log) readHeader() (start, cp, flushed common.LSNT, err error) {
	hdr := make([]byte, 2*logBlockSize)
	n, rerr := l.file.ReadAt(hdr, 0)
	if n < len(hdr) {
		// 空文件
		return 0, 0, 0, nil
	}
	if rerr != nil {
		return 0, 0, 0, jerrors.Annotate(rerr, "read redo header")
	}
	if util.MachRead4(hdr, logHdrMagic) != logMagic {
		return 0, 0, 0, errors.Wrap(ErrLogCorrupted, "bad magic")
	}
	block := hdr[logCheckpointOff:]
	sum := uint32(util.HashCode(block[:logCpChecksum]))
	if util.MachRead4(block, logCpChecksum) != sum {
		return 0, 0, 0, errors.Wrap(ErrLogCorrupted, "checkpoint checksum")
	}
	start = common.LSNT(util.MachRead8(hdr, logHdrStartLSN))
	cp = common.LSNT(util.MachRead8(block, logCpLSN))
	flushed = common.LSNT(util.MachRead8(block, logCpFlushedLSN))
	return start, cp, flushed, nil
}

func (l *Log) writeCheckpoint(cp, flushed common.LSNT) error {
	block := make([]byte, logBlockSize)
	util.MachWrite8(block, logCpLSN, uint64(cp))
	util.MachWrite8(block, logCpFlushedLSN, uint64(flushed))
	util.MachWrite4(block, logCpChecksum, uint32(util.HashCode(block[:logCpChecksum])))
	if _, err := l.file.WriteAt(block, logCheckpointOff); err != nil {
		return jerrors.Annotate(err, "write checkpoint block")
	}
	return jerrors.Annotate(l.file.Sync(), "fsync redo log")
}

// Append 预留一段LSN并把redo记录拷贝进日志缓冲, 返回 [start, end)
func (l *Log) Append(rec []byte) (start, end common.LSNT) {
	l.mu.Lock()
	start = l.currentLSN
	end = start + common.LSNT(len(rec))
	l.currentLSN = end
	l.buf = append(l.buf, rec...)
	full := int64(len(l.buf)) >= l.cfg.BufferSize
	l.mu.Unlock()
	if full {
		if err := l.WriteUpTo(end, false); err != nil {
			l.log.Errorf("write redo buffer: %v", err)
		}
	}
	return start, end
}

// WaitForSpaceInRecentClosed 等到 start 与 dirty_pages_added_up_to_lsn 的距离小于容量
// 这保证flush list的乱序程度不超过 RecentClosedCapacity
func (l *Log) WaitForSpaceInRecentClosed(start common.LSNT) {
	capacity := l.RecentClosedCapacity()
	l.mu.Lock()
	for !l.shutdown && start >= l.closed.tail+capacity {
		l.closedCond.Wait()
	}
	l.mu.Unlock()
}

// Close 脏页已经加入flush list, 关闭区间
func (l *Log) Close(start, end common.LSNT) {
	l.mu.Lock()
	if l.closed.add(start, end) {
		l.closedCond.Broadcast()
	}
	l.mu.Unlock()
}

// CurrentLSN 当前LSN
func (l *Log) CurrentLSN() common.LSNT {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentLSN
}

// DirtyPagesAddedUpToLSN 此LSN之前的所有修改都已加入flush list
func (l *Log) DirtyPagesAddedUpToLSN() common.LSNT {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed.tail
}

// RecentClosedCapacity flush list 允许的乱序范围
func (l *Log) RecentClosedCapacity() common.LSNT {
	return common.LSNT(l.cfg.RecentClosedSize)
}

// FlushedToDiskLSN 已经持久化的LSN
func (l *Log) FlushedToDiskLSN() common.LSNT {
	return common.LSNT(l.flushedToDiskLSN.Load())
}

// WrittenLSN 已写入文件(未必fsync)的LSN
func (l *Log) WrittenLSN() common.LSNT {
	return common.LSNT(l.writtenLSN.Load())
}

// WriteUpTo 把日志缓冲写入文件, flush 为真时fsync
// 写页面前调用, 保证 WAL
func (l *Log) WriteUpTo(lsn common.LSNT, flush bool) error {
	if flush {
		if l.FlushedToDiskLSN() >= lsn {
			return nil
		}
	} else if l.WrittenLSN() >= lsn {
		return nil
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	data := l.buf
	from := l.bufStartLSN
	l.buf = nil
	l.bufStartLSN = l.currentLSN
	l.mu.Unlock()

	if len(data) > 0 {
		if err := l.writeCircular(from, data); err != nil {
			return err
		}
		l.writtenLSN.Store(uint64(from) + uint64(len(data)))
	}
	if flush {
		written := l.WrittenLSN()
		if l.FlushedToDiskLSN() < written {
			if err := l.file.Sync(); err != nil {
				return jerrors.Annotate(err, "fsync redo log")
			}
			l.flushedToDiskLSN.Store(uint64(written))
		}
	}
	return nil
}

func (l *Log) writeCircular(from common.LSNT, data []byte) error {
	capacity := uint64(l.capacity)
	for len(data) > 0 {
		pos := (uint64(from) - uint64(LOG_START_LSN)) % capacity
		n := uint64(len(data))
		if pos+n > capacity {
			n = capacity - pos
		}
		if _, err := l.file.WriteAt(data[:n], int64(logFileHdrSize+pos)); err != nil {
			return jerrors.Annotatef(err, "write redo at lsn %d", from)
		}
		data = data[n:]
		from += common.LSNT(n)
	}
	return nil
}

// Checkpoint 把检查点推进到 lsn, lsn 之前的脏页必须已经写盘
func (l *Log) Checkpoint(lsn common.LSNT) error {
	if lsn <= l.LastCheckpointLSN() {
		return nil
	}
	if err := l.WriteUpTo(lsn, true); err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.writeCheckpoint(lsn, l.FlushedToDiskLSN()); err != nil {
		return err
	}
	l.lastCheckpoint.Store(uint64(lsn))
	return nil
}

// LastCheckpointLSN 最近一次检查点
func (l *Log) LastCheckpointLSN() common.LSNT {
	return common.LSNT(l.lastCheckpoint.Load())
}

// Capacity 日志可用容量
func (l *Log) Capacity() common.LSNT {
	return l.capacity
}

// MaxModifiedAgeAsync 检查点年龄超过此值时开始自适应刷新
func (l *Log) MaxModifiedAgeAsync() common.LSNT {
	return l.maxModifiedAgeAsync
}

// MaxModifiedAgeSync 检查点年龄超过此值时用户线程必须等待同步刷新
func (l *Log) MaxModifiedAgeSync() common.LSNT {
	return l.maxModifiedAgeSync
}

// CheckpointAge 当前LSN与最近检查点的距离
func (l *Log) CheckpointAge() common.LSNT {
	return l.CurrentLSN() - l.LastCheckpointLSN()
}

// SetFlusher 注册同步刷脏的实现
func (l *Log) SetFlusher(f Flusher) {
	l.flusher.Store(&f)
}

// FreeCheck 在开始修改前调用, 检查点年龄过大时请求同步刷新
func (l *Log) FreeCheck() {
	age := l.CheckpointAge()
	if age <= l.maxModifiedAgeSync {
		return
	}
	v, _ := l.flusher.Load().(*Flusher)
	if v == nil {
		return
	}
	target := l.CurrentLSN() - l.maxModifiedAgeAsync
	l.log.Debugf("checkpoint age %d over sync limit %d, flushing up to %d", age, l.maxModifiedAgeSync, target)
	(*v).SyncFlush(target)
}

// IsRecovery 是否处于崩溃恢复阶段
func (l *Log) IsRecovery() bool {
	return l.recovery.Load()
}

// SetRecovery 开关恢复阶段
func (l *Log) SetRecovery(on bool) {
	l.recovery.Store(on)
}

// Shutdown 写出全部日志, 记录最终检查点并关闭文件
func (l *Log) Shutdown(finalCheckpoint common.LSNT) error {
	if err := l.WriteUpTo(l.CurrentLSN(), true); err != nil {
		return err
	}
	if finalCheckpoint > 0 {
		if err := l.Checkpoint(finalCheckpoint); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.shutdown = true
	l.closedCond.Broadcast()
	l.mu.Unlock()
	return jerrors.Annotate(l.file.Close(), "close redo log")
}
