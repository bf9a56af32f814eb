package page

import "github.com/zhukovaskychina/xmysql-bufcore/util"

/*
页面上的记录格式:

	info bits (1) | 列数 (1) | 每列长度 (2, 0xFFFF 表示NULL) | 列数据

info bits 中的删除标记与InnoDB相同, 位于 0x20
*/
const (
	recHeaderSize = 2
	recLenSize    = 2
	recNullLen    = 0xFFFF

	// REC_INFO_DELETED_FLAG 记录被标记删除
	REC_INFO_DELETED_FLAG byte = 0x20
	// REC_INFO_MIN_REC_FLAG 非叶子层最左边的节点指针
	REC_INFO_MIN_REC_FLAG byte = 0x10
)

// Rec 页面中的一条记录, 切片从记录头开始
type Rec []byte

func (r Rec) InfoBits() byte {
	return r[0]
}

func (r Rec) Deleted() bool {
	return r[0]&REC_INFO_DELETED_FLAG != 0
}

func (r Rec) NFields() int {
	return int(r[1])
}

func (r Rec) fieldLen(i int) int {
	return int(util.MachRead2(r, recHeaderSize+recLenSize*i))
}

func (r Rec) dataStart() int {
	return recHeaderSize + recLenSize*r.NFields()
}

// Size 记录占用的字节数
func (r Rec) Size() int {
	n := r.dataStart()
	for i := 0; i < r.NFields(); i++ {
		if l := r.fieldLen(i); l != recNullLen {
			n += l
		}
	}
	return n
}

// Field 第 i 列, 数据引用页面内容
func (r Rec) Field(i int) Field {
	off := r.dataStart()
	for j := 0; j < i; j++ {
		if l := r.fieldLen(j); l != recNullLen {
			off += l
		}
	}
	l := r.fieldLen(i)
	if l == recNullLen {
		return Field{Null: true}
	}
	return Field{Data: r[off : off+l : off+l]}
}

// Tuple 全部列, 数据引用页面内容
func (r Rec) Tuple() Tuple {
	n := r.NFields()
	t := make(Tuple, n)
	off := r.dataStart()
	for i := 0; i < n; i++ {
		l := r.fieldLen(i)
		if l == recNullLen {
			t[i] = Field{Null: true}
			continue
		}
		t[i] = Field{Data: r[off : off+l : off+l]}
		off += l
	}
	return t
}

// encodeRec 把元组写到 buf, 返回写入的字节数
func encodeRec(buf []byte, t Tuple, info byte) int {
	buf[0] = info
	buf[1] = byte(len(t))
	off := recHeaderSize + recLenSize*len(t)
	for i, f := range t {
		if f.Null {
			util.MachWrite2(buf, recHeaderSize+recLenSize*i, recNullLen)
			continue
		}
		util.MachWrite2(buf, recHeaderSize+recLenSize*i, uint16(len(f.Data)))
		off += copy(buf[off:], f.Data)
	}
	return off
}

// EncodeRec 记录的字节形式, 用于redo
func EncodeRec(t Tuple, info byte) []byte {
	buf := make([]byte, t.Size())
	encodeRec(buf, t, info)
	return buf
}
