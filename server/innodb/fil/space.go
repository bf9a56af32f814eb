package fil

import (
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/util"
)

// Purpose 表空间用途, 决定变更缓冲位图更新是否写redo
type Purpose int

const (
	PurposeTablespace Purpose = iota
	PurposeTemporary
	PurposeImport
)

func (p Purpose) String() string {
	switch p {
	case PurposeTemporary:
		return "temporary"
	case PurposeImport:
		return "import"
	}
	return "tablespace"
}

// FSP 头部, 位于每个表空间的0号页
const (
	fspSpaceID   = common.FIL_PAGE_DATA
	fspSize      = fspSpaceID + 8
	fspFreeLimit = fspSize + 4
	fspNFree     = fspFreeLimit + 4
	fspFreeArray = fspNFree + 4
)

// extend 每次扩展的页数
const fspExtendPages = 64

// Space 一个表空间文件
type Space struct {
	ID          uint32
	Name        string
	Purpose     Purpose
	Compression Compression

	pageSize int
	path     string
	file     *os.File

	// mu 保护空间分配状态, 相当于FSP锁
	mu        sync.Mutex
	size      uint32
	freeLimit uint32
	free      []uint32

	dropped atomic.Bool
	// 正在进行的I/O, DropSpace 等待其归零
	pendingIO sync.WaitGroup
}

func (s *Space) IsTemporary() bool {
	return s.Purpose == PurposeTemporary
}

func (s *Space) IsDropped() bool {
	return s.dropped.Load()
}

func (s *Space) maxFree() int {
	return (s.pageSize - fspFreeArray - common.FIL_PAGE_DATA_END) / 4
}

// reserved 固定用途的页面永远不会被分配
func (s *Space) reserved(pageNo uint32) bool {
	ps := uint32(s.pageSize)
	switch pageNo % ps {
	case common.FSP_XDES_OFFSET, common.FSP_IBUF_BITMAP_OFFSET:
		return true
	}
	return pageNo < common.FSP_FIRST_FREE_PAGE_NO
}

func (s *Space) loadHeader() error {
	frame := make([]byte, s.pageSize)
	n, err := s.file.ReadAt(frame, 0)
	if err != nil && n == 0 {
		// 新文件
		s.size = 0
		s.freeLimit = common.FSP_FIRST_FREE_PAGE_NO
		return nil
	}
	s.size = util.MachRead4(frame, fspSize)
	s.freeLimit = util.MachRead4(frame, fspFreeLimit)
	if s.freeLimit < common.FSP_FIRST_FREE_PAGE_NO {
		s.freeLimit = common.FSP_FIRST_FREE_PAGE_NO
	}
	nFree := int(util.MachRead4(frame, fspNFree))
	if nFree > s.maxFree() {
		return jerrors.Annotatef(ErrPageCorrupted, "space %d header free count %d", s.ID, nFree)
	}
	s.free = make([]uint32, nFree)
	for i := range s.free {
		s.free[i] = util.MachRead4(frame, fspFreeArray+4*i)
	}
	return nil
}

// writeHeader 持久化FSP头, 调用者持有 mu
func (s *Space) writeHeader() error {
	frame := make([]byte, s.pageSize)
	InitPageHeader(frame, common.NewPageID(s.ID, 0), common.FIL_PAGE_TYPE_FSP_HDR)
	util.MachWrite4(frame, fspSpaceID, s.ID)
	util.MachWrite4(frame, fspSize, s.size)
	util.MachWrite4(frame, fspFreeLimit, s.freeLimit)
	util.MachWrite4(frame, fspNFree, uint32(len(s.free)))
	for i, p := range s.free {
		util.MachWrite4(frame, fspFreeArray+4*i, p)
	}
	PrepareForWrite(frame, 0)
	_, err := s.file.WriteAt(frame, 0)
	return jerrors.Annotatef(err, "write fsp header of space %d", s.ID)
}

// extendLocked 扩展到至少 pages 页
func (s *Space) extendLocked(pages uint32) error {
	if pages <= s.size {
		return nil
	}
	if err := s.file.Truncate(int64(pages) * int64(s.pageSize)); err != nil {
		return jerrors.Annotatef(err, "extend space %d to %d pages", s.ID, pages)
	}
	s.size = pages
	return s.writeHeader()
}

func (s *Space) allocLocked() (uint32, error) {
	if n := len(s.free); n > 0 {
		p := s.free[n-1]
		s.free = s.free[:n-1]
		return p, s.writeHeader()
	}
	for s.reserved(s.freeLimit) {
		s.freeLimit++
	}
	p := s.freeLimit
	s.freeLimit++
	if p >= s.size {
		if err := s.extendLocked(p + fspExtendPages); err != nil {
			return common.FIL_NULL, err
		}
		return p, nil
	}
	return p, s.writeHeader()
}

func (s *Space) freeLocked(pageNo uint32) error {
	if s.reserved(pageNo) || pageNo >= s.freeLimit {
		return jerrors.Errorf("space %d: page %d is not allocated", s.ID, pageNo)
	}
	i := sort.Search(len(s.free), func(i int) bool { return s.free[i] >= pageNo })
	if i < len(s.free) && s.free[i] == pageNo {
		return jerrors.Errorf("space %d: page %d freed twice", s.ID, pageNo)
	}
	if len(s.free) >= s.maxFree() {
		return jerrors.Trace(ErrSpaceFull)
	}
	s.free = append(s.free, 0)
	copy(s.free[i+1:], s.free[i:])
	s.free[i] = pageNo
	return s.writeHeader()
}

func (s *Space) readAt(frame []byte, pageNo uint32) error {
	n, err := s.file.ReadAt(frame, int64(pageNo)*int64(s.pageSize))
	if err != nil && err != io.EOF {
		return jerrors.Annotatef(err, "read space %d page %d", s.ID, pageNo)
	}
	// 文件中未写过的尾部按全零处理
	for i := n; i < len(frame); i++ {
		frame[i] = 0
	}
	return nil
}

func (s *Space) writeAt(frame []byte, pageNo uint32) error {
	img := compressFrame(s.Compression, frame)
	_, err := s.file.WriteAt(img, int64(pageNo)*int64(s.pageSize))
	return jerrors.Annotatef(err, "write space %d page %d", s.ID, pageNo)
}
