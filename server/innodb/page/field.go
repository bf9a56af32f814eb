package page

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/piex/transcode"
	"github.com/shopspring/decimal"

	"github.com/zhukovaskychina/xmysql-bufcore/util"
)

// FieldType 索引列的类型
type FieldType uint8

const (
	// FieldBinary 按字节比较, 变更缓冲自身的记录只用这一种
	FieldBinary FieldType = iota
	FieldInt
	FieldBigInt
	FieldVarchar
	FieldDecimal
)

func (t FieldType) String() string {
	switch t {
	case FieldInt:
		return "INT"
	case FieldBigInt:
		return "BIGINT"
	case FieldVarchar:
		return "VARCHAR"
	case FieldDecimal:
		return "DECIMAL"
	}
	return "BINARY"
}

// 字符集编号, 与MySQL的默认排序规则编号一致
const (
	CharsetGBK    uint16 = 28
	CharsetUTF8   uint16 = 33
	CharsetBinary uint16 = 63
)

// Column 索引列定义
type Column struct {
	Name string
	Type FieldType
	// 定长类型为字节数, 变长类型为最大字节数, 0 表示不限
	Len     int
	Charset uint16
	NotNull bool
}

// Field 一个列值
type Field struct {
	Data []byte
	Null bool
}

// NullField SQL NULL
func NullField() Field {
	return Field{Null: true}
}

// BinaryField 原样保存的字节串
func BinaryField(b []byte) Field {
	return Field{Data: b}
}

// IntField 有符号4字节整数, 翻转符号位后按大端保存, 字节序与数值序一致
func IntField(v int32) Field {
	b := make([]byte, 4)
	util.MachWrite4(b, 0, uint32(v)^0x80000000)
	return Field{Data: b}
}

// BigIntField 有符号8字节整数
func BigIntField(v int64) Field {
	b := make([]byte, 8)
	util.MachWrite8(b, 0, uint64(v)^0x8000000000000000)
	return Field{Data: b}
}

// VarcharField UTF-8 字符串
func VarcharField(s string) Field {
	return Field{Data: []byte(s)}
}

// GBKVarcharField 把 UTF-8 字符串转成GBK保存
func GBKVarcharField(s string) Field {
	return Field{Data: transcode.FromString(s).Encode("GBK").ToByteArray()}
}

// DecimalField 保留原始写法, "1.0" 与 "1.00" 比较相等但长度不同
func DecimalField(s string) (Field, error) {
	if _, err := decimal.NewFromString(s); err != nil {
		return Field{}, fmt.Errorf("invalid decimal %q: %v", s, err)
	}
	return Field{Data: []byte(s)}, nil
}

// Int 取出 IntField 的值
func (f Field) Int() int32 {
	return int32(util.MachRead4(f.Data, 0) ^ 0x80000000)
}

// BigInt 取出 BigIntField 的值
func (f Field) BigInt() int64 {
	return int64(util.MachRead8(f.Data, 0) ^ 0x8000000000000000)
}

// Len 保存在记录中的字节数
func (f Field) Len() int {
	if f.Null {
		return 0
	}
	return len(f.Data)
}

// Equal 字节完全相同
func (f Field) Equal(o Field) bool {
	return f.Null == o.Null && bytes.Equal(f.Data, o.Data)
}

// CompareField 按列类型比较, NULL 最小
func CompareField(col *Column, a, b Field) int {
	switch {
	case a.Null && b.Null:
		return 0
	case a.Null:
		return -1
	case b.Null:
		return 1
	}
	if col != nil && col.Type == FieldDecimal {
		da, errA := decimal.NewFromString(string(a.Data))
		db, errB := decimal.NewFromString(string(b.Data))
		if errA == nil && errB == nil {
			return da.Cmp(db)
		}
	}
	return bytes.Compare(a.Data, b.Data)
}

// FormatField 诊断输出用的文本形式
func FormatField(col *Column, f Field) string {
	if f.Null {
		return "NULL"
	}
	if col == nil {
		return hex.EncodeToString(f.Data)
	}
	switch col.Type {
	case FieldInt:
		if len(f.Data) == 4 {
			return strconv.Itoa(int(f.Int()))
		}
	case FieldBigInt:
		if len(f.Data) == 8 {
			return strconv.FormatInt(f.BigInt(), 10)
		}
	case FieldVarchar:
		if col.Charset == CharsetGBK {
			return strconv.Quote(transcode.FromByteArray(f.Data).Decode("GBK").ToString())
		}
		return strconv.Quote(string(f.Data))
	case FieldDecimal:
		return string(f.Data)
	case FieldBinary:
	}
	return hex.EncodeToString(f.Data)
}
