package page

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntFieldOrder(t *testing.T) {
	col := &Column{Type: FieldInt}
	vals := []int32{-1 << 31, -7, -1, 0, 1, 42, 1<<31 - 1}
	for i := 1; i < len(vals); i++ {
		assert.Negative(t, CompareField(col, IntField(vals[i-1]), IntField(vals[i])))
	}
	for _, v := range vals {
		assert.Equal(t, v, IntField(v).Int())
	}
	assert.Equal(t, int64(-5), BigIntField(-5).BigInt())
	assert.Negative(t, CompareField(col, BigIntField(-5), BigIntField(3)))
}

func TestNullSortsFirst(t *testing.T) {
	col := &Column{Type: FieldVarchar}
	assert.Equal(t, 0, CompareField(col, NullField(), NullField()))
	assert.Negative(t, CompareField(col, NullField(), VarcharField("")))
	assert.Positive(t, CompareField(col, VarcharField(""), NullField()))
	assert.Equal(t, 0, NullField().Len())
}

func TestDecimalCompareNumeric(t *testing.T) {
	col := &Column{Type: FieldDecimal}
	a, err := DecimalField("1.0")
	require.NoError(t, err)
	b, err := DecimalField("1.00")
	require.NoError(t, err)
	c, err := DecimalField("10")
	require.NoError(t, err)
	assert.Equal(t, 0, CompareField(col, a, b))
	assert.False(t, a.Equal(b))
	assert.Negative(t, CompareField(col, b, c))
	// 按字节比较时 "10" < "9"
	nine, _ := DecimalField("9")
	assert.Positive(t, CompareField(col, c, nine))
	assert.Negative(t, CompareField(nil, c, nine))

	_, err = DecimalField("1.x")
	assert.Error(t, err)
}

func TestGBKField(t *testing.T) {
	f := GBKVarcharField("中文")
	assert.Len(t, f.Data, 4)
	col := &Column{Type: FieldVarchar, Charset: CharsetGBK}
	assert.Equal(t, `"中文"`, FormatField(col, f))
}

func TestFormatField(t *testing.T) {
	assert.Equal(t, "NULL", FormatField(nil, NullField()))
	assert.Equal(t, "0a0b", FormatField(nil, BinaryField([]byte{10, 11})))
	assert.Equal(t, "-3", FormatField(&Column{Type: FieldInt}, IntField(-3)))
	assert.Equal(t, "12345678901", FormatField(&Column{Type: FieldBigInt}, BigIntField(12345678901)))
	assert.Equal(t, `"abc"`, FormatField(&Column{Type: FieldVarchar}, VarcharField("abc")))
	d, _ := DecimalField("3.50")
	assert.Equal(t, "3.50", FormatField(&Column{Type: FieldDecimal}, d))
	// 长度不符时按字节输出
	assert.Equal(t, "0102", FormatField(&Column{Type: FieldInt}, BinaryField([]byte{1, 2})))
}

func TestIndexCheck(t *testing.T) {
	idx := NewIndex(1, "i", 5,
		Column{Name: "a", Type: FieldInt, NotNull: true},
		Column{Name: "b", Type: FieldVarchar, Len: 3})
	assert.NoError(t, idx.Check(Tuple{IntField(1), VarcharField("abc")}))
	assert.NoError(t, idx.Check(Tuple{IntField(1), NullField()}))
	assert.ErrorIs(t, idx.Check(Tuple{IntField(1)}), ErrTupleMismatch)
	assert.ErrorIs(t, idx.Check(Tuple{NullField(), NullField()}), ErrTupleMismatch)
	assert.ErrorIs(t, idx.Check(Tuple{BinaryField([]byte{1}), NullField()}), ErrTupleMismatch)
	assert.ErrorIs(t, idx.Check(Tuple{IntField(1), VarcharField("abcd")}), ErrTupleMismatch)

	assert.Equal(t, `TUPLE (info_bits=0, 2 fields): {a=1, b="x"}`, idx.Format(Tuple{IntField(1), VarcharField("x")}))
}

func TestTupleString(t *testing.T) {
	key := Tuple{BinaryField([]byte{0, 5}), NullField()}
	assert.Equal(t, "TUPLE (info_bits=0, 2 fields): {0005, NULL}", key.String())
	assert.Equal(t, "key TUPLE (info_bits=0, 2 fields): {0005, NULL}", fmt.Sprintf("key %s", key))
}

func TestIndexComparePrefix(t *testing.T) {
	idx := NewIndex(1, "i", 5, Column{Type: FieldInt}, Column{Type: FieldInt})
	a := Tuple{IntField(1), IntField(2)}
	b := Tuple{IntField(1), IntField(3)}
	assert.Negative(t, idx.Compare(a, b, 0))
	assert.Equal(t, 0, idx.Compare(a, b, 1))
	assert.Negative(t, idx.Compare(a[:1], a, 0))
}
