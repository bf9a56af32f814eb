package ibuf

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/page"
	"github.com/zhukovaskychina/xmysql-bufcore/util"
)

/*
变更缓冲记录的列:

	0 表空间号(4)
	1 标记(1), 恒为0
	2 页号(4)
	3 元数据: 计数器(2) 操作(1) 标志(1), 之后每个用户列6字节类型描述
	4.. 用户索引记录的各列

前三列确定目标页面, 计数器保证同一页面的记录按缓冲的顺序合并.
树按前四列逐字节比较
*/
const (
	IBUF_REC_FIELD_SPACE    = 0
	IBUF_REC_FIELD_MARKER   = 1
	IBUF_REC_FIELD_PAGE     = 2
	IBUF_REC_FIELD_METADATA = 3
	IBUF_REC_FIELD_USER     = 4

	IBUF_REC_INFO_SIZE      = 4
	IBUF_REC_OFFSET_COUNTER = 0
	IBUF_REC_OFFSET_TYPE    = 2
	IBUF_REC_OFFSET_FLAGS   = 3
	IBUF_REC_COMPACT        = 0x1

	// 类型(1) 标志(1) 长度(2) 字符集(2)
	IBUF_TYPE_DESC_SIZE = 6
	ibufTypeNotNull     = 0x1

	// 计数器上限, 达到后该页面不再缓冲
	IBUF_MAX_COUNTER = 0xFFFF
)

func uint32Field(v uint32) page.Field {
	b := make([]byte, 4)
	util.MachWrite4(b, 0, v)
	return page.Field{Data: b}
}

// searchTuple 定位某个页面全部记录的前缀
func searchTuple(id common.PageID) page.Tuple {
	return page.Tuple{
		uint32Field(id.Space),
		{Data: []byte{0}},
		uint32Field(id.PageNo),
	}
}

// buildEntry 把用户记录包装成变更缓冲记录, 计数器之后设置
func buildEntry(op Op, entry page.Tuple, idx *page.Index, id common.PageID) page.Tuple {
	t := make(page.Tuple, 0, IBUF_REC_FIELD_USER+len(entry))
	t = append(t, searchTuple(id)...)
	meta := make([]byte, IBUF_REC_INFO_SIZE+IBUF_TYPE_DESC_SIZE*len(entry))
	meta[IBUF_REC_OFFSET_TYPE] = byte(op)
	meta[IBUF_REC_OFFSET_FLAGS] = IBUF_REC_COMPACT
	for i := range entry {
		off := IBUF_REC_INFO_SIZE + IBUF_TYPE_DESC_SIZE*i
		if i >= len(idx.Columns) {
			continue
		}
		col := idx.Columns[i]
		meta[off] = byte(col.Type)
		if col.NotNull {
			meta[off+1] = ibufTypeNotNull
		}
		util.MachWrite2(meta, off+2, uint16(col.Len))
		util.MachWrite2(meta, off+4, col.Charset)
	}
	t = append(t, page.Field{Data: meta})
	for _, f := range entry {
		t = append(t, f)
	}
	return t
}

func setCounter(t page.Tuple, counter uint16) {
	util.MachWrite2(t[IBUF_REC_FIELD_METADATA].Data, IBUF_REC_OFFSET_COUNTER, counter)
}

// ibufRec 树叶子上的一条记录
type ibufRec struct {
	page.Rec
}

func (r ibufRec) space() uint32 {
	return util.MachRead4(r.Field(IBUF_REC_FIELD_SPACE).Data, 0)
}

func (r ibufRec) pageNo() uint32 {
	return util.MachRead4(r.Field(IBUF_REC_FIELD_PAGE).Data, 0)
}

func (r ibufRec) pageID() common.PageID {
	return common.NewPageID(r.space(), r.pageNo())
}

func (r ibufRec) meta() []byte {
	return r.Field(IBUF_REC_FIELD_METADATA).Data
}

func (r ibufRec) counter() uint16 {
	return util.MachRead2(r.meta(), IBUF_REC_OFFSET_COUNTER)
}

func (r ibufRec) op() Op {
	return Op(r.meta()[IBUF_REC_OFFSET_TYPE])
}

func (r ibufRec) nUserFields() int {
	return r.NFields() - IBUF_REC_FIELD_USER
}

// userTuple 用户记录, 数据引用页面
func (r ibufRec) userTuple() page.Tuple {
	return r.Tuple()[IBUF_REC_FIELD_USER:]
}

// userIndex 由类型描述还原的索引定义, 只用于比较与诊断
func (r ibufRec) userIndex() *page.Index {
	meta := r.meta()
	n := r.nUserFields()
	cols := make([]page.Column, n)
	for i := range cols {
		off := IBUF_REC_INFO_SIZE + IBUF_TYPE_DESC_SIZE*i
		if off+IBUF_TYPE_DESC_SIZE > len(meta) {
			cols[i].Type = page.FieldBinary
			continue
		}
		cols[i] = page.Column{
			Type:    page.FieldType(meta[off]),
			NotNull: meta[off+1]&ibufTypeNotNull != 0,
			Len:     int(util.MachRead2(meta, off+2)),
			Charset: util.MachRead2(meta, off+4),
		}
	}
	return &page.Index{Name: "CHANGE_BUFFER_ENTRY", Columns: cols}
}

// volume 合并后在目标页面上占用的字节数
func (r ibufRec) volume() int {
	return r.userTuple().Size() + page.PAGE_DIR_SLOT_SIZE
}

func (r ibufRec) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "change buffer record (page %s, counter %d, %s", r.pageID(), r.counter(), r.op())
	if r.Deleted() {
		sb.WriteString(", processed")
	}
	sb.WriteString("): ")
	sb.WriteString(r.userIndex().Format(r.userTuple()))
	return sb.String()
}

// cmpPrefix 按 key 的列数逐字节比较, 前缀相同时为0
func cmpPrefix(r page.Rec, key page.Tuple) int {
	n := len(key)
	if rn := r.NFields(); rn < n {
		n = rn
	}
	for i := 0; i < n; i++ {
		if c := bytes.Compare(r.Field(i).Data, key[i].Data); c != 0 {
			return c
		}
	}
	return 0
}

// samePage 记录是否属于 id
func samePage(r page.Rec, id common.PageID) bool {
	ir := ibufRec{r}
	return ir.space() == id.Space && ir.pageNo() == id.PageNo
}
