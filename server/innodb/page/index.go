package page

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrTupleMismatch = errors.New("tuple does not match index definition")
	ErrPageFull      = errors.New("index page has no room for the record")
	ErrNotIndexPage  = errors.New("not an index leaf page")
)

// Tuple 一条索引记录的全部列
type Tuple []Field

// Size 转换成页面记录后的字节数
func (t Tuple) Size() int {
	n := recHeaderSize + recLenSize*len(t)
	for _, f := range t {
		n += f.Len()
	}
	return n
}

// Clone 深拷贝, 从页面读出的记录在释放锁之前要复制
func (t Tuple) Clone() Tuple {
	c := make(Tuple, len(t))
	for i, f := range t {
		c[i] = Field{Null: f.Null}
		if !f.Null {
			c[i].Data = append([]byte(nil), f.Data...)
		}
	}
	return c
}

// String 不带列定义的十六进制形式
func (t Tuple) String() string {
	return (&Index{}).Format(t)
}

// Index 二级索引的定义. 二级索引记录包含主键列, 全部列一起唯一
type Index struct {
	ID        uint64
	Name      string
	Table     string
	Space     uint32
	Columns   []Column
	Unique    bool
	Clustered bool
}

// NewIndex 创建普通二级索引定义
func NewIndex(id uint64, name string, space uint32, cols ...Column) *Index {
	return &Index{ID: id, Name: name, Space: space, Columns: cols}
}

func (idx *Index) NFields() int {
	return len(idx.Columns)
}

func (idx *Index) column(i int) *Column {
	if i < len(idx.Columns) {
		return &idx.Columns[i]
	}
	return nil
}

// Compare 比较两个元组的前 n 列, n<=0 表示全部列; 前缀相同时短的在前
func (idx *Index) Compare(a, b Tuple, n int) int {
	if n <= 0 || n > len(a) || n > len(b) {
		n = len(a)
		if len(b) < n {
			n = len(b)
		}
		if c := idx.compareFields(a, b, n); c != 0 {
			return c
		}
		return len(a) - len(b)
	}
	return idx.compareFields(a, b, n)
}

func (idx *Index) compareFields(a, b Tuple, n int) int {
	for i := 0; i < n; i++ {
		if c := CompareField(idx.column(i), a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

// CompareRec 记录与元组比较
func (idx *Index) CompareRec(r Rec, t Tuple) int {
	return idx.Compare(r.Tuple(), t, 0)
}

// Check 元组的列数, NOT NULL 与长度是否符合定义
func (idx *Index) Check(t Tuple) error {
	if len(t) != len(idx.Columns) {
		return errors.Wrapf(ErrTupleMismatch, "index %s has %d columns, tuple %d", idx.Name, len(idx.Columns), len(t))
	}
	for i, col := range idx.Columns {
		f := t[i]
		if f.Null {
			if col.NotNull {
				return errors.Wrapf(ErrTupleMismatch, "column %s is NOT NULL", col.Name)
			}
			continue
		}
		switch col.Type {
		case FieldInt:
			if len(f.Data) != 4 {
				return errors.Wrapf(ErrTupleMismatch, "column %s: INT of %d bytes", col.Name, len(f.Data))
			}
		case FieldBigInt:
			if len(f.Data) != 8 {
				return errors.Wrapf(ErrTupleMismatch, "column %s: BIGINT of %d bytes", col.Name, len(f.Data))
			}
		case FieldBinary, FieldVarchar, FieldDecimal:
			if col.Len > 0 && len(f.Data) > col.Len {
				return errors.Wrapf(ErrTupleMismatch, "column %s: %d bytes exceeds %d", col.Name, len(f.Data), col.Len)
			}
		}
	}
	return nil
}

// Format 诊断输出
func (idx *Index) Format(t Tuple) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "TUPLE (info_bits=0, %d fields): {", len(t))
	for i, f := range t {
		if i > 0 {
			sb.WriteString(", ")
		}
		col := idx.column(i)
		if col != nil && col.Name != "" {
			sb.WriteString(col.Name)
			sb.WriteByte('=')
		}
		sb.WriteString(FormatField(col, f))
	}
	sb.WriteByte('}')
	return sb.String()
}

func (idx *Index) String() string {
	return fmt.Sprintf("index %s of table %s (id %d, space %d)", idx.Name, idx.Table, idx.ID, idx.Space)
}
