package fil

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	gxsync "github.com/dubbogo/gost/sync"
	jerrors "github.com/juju/errors"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/zhukovaskychina/xmysql-bufcore/logger"
	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
)

// System 管理全部表空间文件与异步I/O
type System struct {
	dir      string
	pageSize int

	spaces *xsync.MapOf[uint32, *Space]
	// 被删除的表空间保留一个墓碑, 用于判断页面是否已经过期
	dropped *xsync.MapOf[uint32, struct{}]

	ioPool  gxsync.GenericTaskPool
	pending sync.WaitGroup
	log     *logger.Entry
}

// NewSystem 创建页面存储, ioThreads 为异步I/O协程数
func NewSystem(dir string, pageSize int, ioThreads int) (*System, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, jerrors.Annotatef(err, "mkdir %s", dir)
	}
	if ioThreads < 1 {
		ioThreads = 4
	}
	return &System{
		dir:      dir,
		pageSize: pageSize,
		spaces:   xsync.NewMapOf[uint32, *Space](),
		dropped:  xsync.NewMapOf[uint32, struct{}](),
		ioPool:   gxsync.NewTaskPoolSimple(ioThreads),
		log:      logger.Subsystem("fil"),
	}, nil
}

func (s *System) PageSize() int {
	return s.pageSize
}

func spaceFileName(id uint32, name string) string {
	if id == common.SYSTEM_SPACE_ID {
		return "ibdata1"
	}
	if name == "" {
		name = fmt.Sprintf("space_%d", id)
	}
	return name + ".ibd"
}

// CreateSpace 打开或创建表空间文件
func (s *System) CreateSpace(id uint32, name string, purpose Purpose, compression Compression) (*Space, error) {
	if _, ok := s.spaces.Load(id); ok {
		return nil, errors.Wrapf(ErrSpaceExists, "space %d", id)
	}
	path := filepath.Join(s.dir, spaceFileName(id, name))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, jerrors.Annotatef(err, "open %s", path)
	}
	sp := &Space{
		ID:          id,
		Name:        name,
		Purpose:     purpose,
		Compression: compression,
		pageSize:    s.pageSize,
		path:        path,
		file:        f,
	}
	sp.mu.Lock()
	err = sp.loadHeader()
	if err == nil && sp.size == 0 {
		err = sp.extendLocked(fspExtendPages)
	}
	sp.mu.Unlock()
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, loaded := s.spaces.LoadOrStore(id, sp); loaded {
		f.Close()
		return nil, errors.Wrapf(ErrSpaceExists, "space %d", id)
	}
	s.dropped.Delete(id)
	s.log.Debugf("opened space %d (%s, %s) with %d pages", id, path, purpose, sp.size)
	return sp, nil
}

// Space 查找表空间
func (s *System) Space(id uint32) (*Space, error) {
	sp, ok := s.spaces.Load(id)
	if !ok {
		if s.IsDropped(id) {
			return nil, errors.Wrapf(ErrTablespaceDeleted, "space %d", id)
		}
		return nil, errors.Wrapf(ErrSpaceNotFound, "space %d", id)
	}
	if sp.IsDropped() {
		return nil, errors.Wrapf(ErrTablespaceDeleted, "space %d", id)
	}
	return sp, nil
}

// Exists 表空间存在且未删除
func (s *System) Exists(id uint32) bool {
	_, err := s.Space(id)
	return err == nil
}

// IsDropped 表空间是否已被删除
func (s *System) IsDropped(id uint32) bool {
	_, ok := s.dropped.Load(id)
	return ok
}

// IsTemporary 是否为临时表空间
func (s *System) IsTemporary(id uint32) bool {
	sp, err := s.Space(id)
	return err == nil && sp.IsTemporary()
}

// SpacePurpose 表空间用途
func (s *System) SpacePurpose(id uint32) Purpose {
	if sp, err := s.Space(id); err == nil {
		return sp.Purpose
	}
	return PurposeTablespace
}

func (s *System) checkFrame(frame []byte) error {
	if len(frame) != s.pageSize {
		return errors.Wrapf(ErrBadFrame, "got %d want %d", len(frame), s.pageSize)
	}
	return nil
}

// ReadPage 同步读取页面, 校验和不匹配时返回 ErrPageCorrupted
func (s *System) ReadPage(id common.PageID, frame []byte) error {
	if err := s.checkFrame(frame); err != nil {
		return err
	}
	sp, err := s.Space(id.Space)
	if err != nil {
		return err
	}
	sp.mu.Lock()
	size := sp.size
	sp.mu.Unlock()
	if id.PageNo >= size {
		return errors.Wrapf(ErrPageOutOfRange, "%s size %d", id, size)
	}
	if err := sp.readAt(frame, id.PageNo); err != nil {
		return err
	}
	if err := decompressFrame(frame); err != nil {
		return jerrors.Annotatef(err, "%s", id)
	}
	if !VerifyChecksum(frame) {
		return errors.Wrapf(ErrPageCorrupted, "%s", id)
	}
	return nil
}

// WritePage 同步写页面, 调用者已通过 PrepareForWrite 盖章
func (s *System) WritePage(id common.PageID, frame []byte) error {
	if err := s.checkFrame(frame); err != nil {
		return err
	}
	sp, err := s.Space(id.Space)
	if err != nil {
		return err
	}
	sp.mu.Lock()
	size := sp.size
	sp.mu.Unlock()
	if id.PageNo >= size {
		return errors.Wrapf(ErrPageOutOfRange, "%s size %d", id, size)
	}
	return sp.writeAt(frame, id.PageNo)
}

func (s *System) submit(sp *Space, fn func() error, done func(error)) {
	s.pending.Add(1)
	if sp != nil {
		sp.pendingIO.Add(1)
	}
	s.ioPool.AddTaskAlways(func() {
		err := fn()
		if sp != nil {
			sp.pendingIO.Done()
		}
		if done != nil {
			done(err)
		}
		s.pending.Done()
	})
}

// ReadPageAsync 在I/O协程池中读取页面, 完成后回调 done
func (s *System) ReadPageAsync(id common.PageID, frame []byte, done func(error)) {
	sp, _ := s.spaces.Load(id.Space)
	s.submit(sp, func() error { return s.ReadPage(id, frame) }, done)
}

// WritePageAsync 在I/O协程池中写页面, 完成后回调 done
func (s *System) WritePageAsync(id common.PageID, frame []byte, done func(error)) {
	sp, _ := s.spaces.Load(id.Space)
	s.submit(sp, func() error { return s.WritePage(id, frame) }, done)
}

// WaitIO 等待所有已提交的异步I/O完成
func (s *System) WaitIO() {
	s.pending.Wait()
}

// FlushSpace fsync 表空间文件
func (s *System) FlushSpace(id uint32) error {
	sp, err := s.Space(id)
	if err != nil {
		return err
	}
	return jerrors.Annotatef(sp.file.Sync(), "fsync space %d", id)
}

// FlushAll fsync 所有表空间
func (s *System) FlushAll() error {
	var firstErr error
	s.spaces.Range(func(id uint32, sp *Space) bool {
		if sp.IsDropped() {
			return true
		}
		if err := sp.file.Sync(); err != nil && firstErr == nil {
			firstErr = jerrors.Annotatef(err, "fsync space %d", id)
		}
		return true
	})
	return firstErr
}

// DropSpace 删除表空间: 先标记, 等待在途I/O, 再删除文件
// 缓冲池中该表空间的页面随后被视为过期
func (s *System) DropSpace(id uint32) error {
	sp, err := s.Space(id)
	if err != nil {
		return err
	}
	if id == common.SYSTEM_SPACE_ID {
		return jerrors.Errorf("cannot drop the system tablespace")
	}
	sp.dropped.Store(true)
	s.dropped.Store(id, struct{}{})
	sp.pendingIO.Wait()
	s.spaces.Delete(id)
	if err := sp.file.Close(); err != nil {
		return jerrors.Annotatef(err, "close space %d", id)
	}
	if err := os.Remove(sp.path); err != nil {
		return jerrors.Annotatef(err, "remove %s", sp.path)
	}
	s.log.Infof("dropped space %d", id)
	return nil
}

// Extend 扩展表空间到至少 pages 页
func (s *System) Extend(id uint32, pages uint32) error {
	sp, err := s.Space(id)
	if err != nil {
		return err
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.extendLocked(pages)
}

// AllocPage 分配一个页面
func (s *System) AllocPage(id uint32) (uint32, error) {
	sp, err := s.Space(id)
	if err != nil {
		return common.FIL_NULL, err
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.allocLocked()
}

// FreePage 释放页面
func (s *System) FreePage(id uint32, pageNo uint32) error {
	sp, err := s.Space(id)
	if err != nil {
		return err
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.freeLocked(pageNo)
}

// Size 表空间当前页数
func (s *System) Size(id uint32) (uint32, error) {
	sp, err := s.Space(id)
	if err != nil {
		return 0, err
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.size, nil
}

// Close 等待I/O并关闭全部文件
func (s *System) Close() error {
	s.WaitIO()
	s.ioPool.Close()
	var firstErr error
	s.spaces.Range(func(id uint32, sp *Space) bool {
		if err := sp.file.Sync(); err != nil && firstErr == nil {
			firstErr = jerrors.Annotatef(err, "fsync space %d", id)
		}
		if err := sp.file.Close(); err != nil && firstErr == nil {
			firstErr = jerrors.Annotatef(err, "close space %d", id)
		}
		s.spaces.Delete(id)
		return true
	})
	return firstErr
}
