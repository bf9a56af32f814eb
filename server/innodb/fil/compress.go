package fil

import (
	"github.com/golang/snappy"
	jerrors "github.com/juju/errors"
	"github.com/pierrec/lz4/v4"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/util"
)

// Compression 表空间级别的透明页面压缩算法
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionLZ4
)

func ParseCompression(name string) Compression {
	switch name {
	case "snappy":
		return CompressionSnappy
	case "lz4":
		return CompressionLZ4
	}
	return CompressionNone
}

func (c Compression) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	}
	return "none"
}

// 压缩映像布局: 原文件头(类型改为COMPRESSED) | 原类型(2) | 算法(1) | 压缩长度(4) | 数据
const (
	compOrigType = common.FIL_PAGE_DATA
	compAlgo     = compOrigType + 2
	compLen      = compAlgo + 1
	compPayload  = compLen + 4
)

// compressFrame 生成磁盘映像, 压缩后放不下时返回原页面
func compressFrame(c Compression, frame []byte) []byte {
	if c == CompressionNone {
		return frame
	}
	body := frame[common.FIL_PAGE_DATA:]
	var payload []byte
	switch c {
	case CompressionSnappy:
		payload = snappy.Encode(nil, body)
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(body)))
		var comp lz4.Compressor
		n, err := comp.CompressBlock(body, buf)
		if err != nil || n == 0 {
			return frame
		}
		payload = buf[:n]
	}
	if compPayload+len(payload) >= len(frame) {
		return frame
	}

	out := make([]byte, len(frame))
	copy(out, frame[:common.FIL_PAGE_DATA])
	util.MachWrite2(out, compOrigType, uint16(PageType(frame)))
	SetPageType(out, common.FIL_PAGE_COMPRESSED)
	util.MachWrite1(out, compAlgo, uint8(c))
	util.MachWrite4(out, compLen, uint32(len(payload)))
	copy(out[compPayload:], payload)
	return out
}

// decompressFrame 就地还原压缩映像, 非压缩页面原样返回
func decompressFrame(frame []byte) error {
	if PageType(frame) != common.FIL_PAGE_COMPRESSED {
		return nil
	}
	algo := Compression(util.MachRead1(frame, compAlgo))
	n := int(util.MachRead4(frame, compLen))
	if compPayload+n > len(frame) {
		return jerrors.Annotatef(ErrPageCorrupted, "compressed length %d", n)
	}
	payload := make([]byte, n)
	copy(payload, frame[compPayload:compPayload+n])
	origType := common.PageType(util.MachRead2(frame, compOrigType))

	body := frame[common.FIL_PAGE_DATA:]
	switch algo {
	case CompressionSnappy:
		out, err := snappy.Decode(nil, payload)
		if err != nil {
			return jerrors.Annotate(err, "snappy.Decode")
		}
		if len(out) != len(body) {
			return jerrors.Annotatef(ErrPageCorrupted, "snappy body %d bytes", len(out))
		}
		copy(body, out)
	case CompressionLZ4:
		m, err := lz4.UncompressBlock(payload, body)
		if err != nil {
			return jerrors.Annotate(err, "lz4.UncompressBlock")
		}
		if m != len(body) {
			return jerrors.Annotatef(ErrPageCorrupted, "lz4 body %d bytes", m)
		}
	default:
		return jerrors.Annotatef(ErrPageCorrupted, "unknown compression %d", algo)
	}
	SetPageType(frame, origType)
	return nil
}
