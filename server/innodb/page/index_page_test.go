package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/fil"
)

func testIndex() *Index {
	return NewIndex(9, "k", 5,
		Column{Name: "k", Type: FieldInt, NotNull: true},
		Column{Name: "v", Type: FieldVarchar})
}

func kv(k int32, v string) Tuple {
	return Tuple{IntField(k), VarcharField(v)}
}

func newPage(t *testing.T) IndexPage {
	t.Helper()
	frame := make([]byte, common.UNIV_PAGE_SIZE_MIN)
	pg := Create(frame, common.NewPageID(5, 3), 9, 0)
	require.True(t, pg.IsIndex())
	require.True(t, pg.IsLeaf())
	require.True(t, pg.IsEmpty())
	return pg
}

func TestCreate(t *testing.T) {
	pg := newPage(t)
	assert.Equal(t, common.FIL_PAGE_INDEX, fil.PageType(pg.Frame()))
	assert.Equal(t, uint32(3), pg.PageNo())
	assert.Equal(t, uint64(9), pg.IndexID())
	assert.Equal(t, common.FIL_NULL, pg.Prev())
	assert.Equal(t, common.FIL_NULL, pg.Next())
	assert.Equal(t, EmptyFreeSpace(common.UNIV_PAGE_SIZE_MIN), pg.MaxInsertSizeAfterReorganize())
	assert.Equal(t, 0, pg.DataSize())
}

func TestInsertKeepsOrder(t *testing.T) {
	idx := testIndex()
	pg := newPage(t)
	for _, k := range []int32{5, 1, 9, 3, 7} {
		_, ok := pg.InsertTuple(idx, kv(k, "x"))
		require.True(t, ok)
	}
	require.NoError(t, pg.Validate(idx))
	require.Equal(t, 5, pg.NRecs())
	for i, k := range []int32{1, 3, 5, 7, 9} {
		assert.Equal(t, k, pg.Rec(i).Field(0).Int())
	}

	pos, exact := pg.Search(idx, kv(7, "x"))
	assert.Equal(t, 3, pos)
	assert.True(t, exact)
	pos, exact = pg.Search(idx, kv(6, "x"))
	assert.Equal(t, 3, pos)
	assert.False(t, exact)
}

func TestDeleteAndReorganize(t *testing.T) {
	idx := testIndex()
	pg := newPage(t)
	for k := int32(0); k < 10; k++ {
		_, ok := pg.InsertTuple(idx, kv(k, "value"))
		require.True(t, ok)
	}
	before := pg.DataSize()
	size := pg.Rec(4).Size()
	pg.Delete(4)
	assert.Equal(t, 9, pg.NRecs())
	assert.Equal(t, before-size, pg.DataSize())
	free := pg.MaxInsertSize()
	require.NoError(t, pg.Validate(idx))

	pg.Reorganize()
	require.NoError(t, pg.Validate(idx))
	assert.Equal(t, free+size, pg.MaxInsertSize())
	assert.Equal(t, pg.MaxInsertSize(), pg.MaxInsertSizeAfterReorganize())

	for i := pg.NRecs() - 1; i >= 0; i-- {
		pg.Delete(i)
	}
	assert.True(t, pg.IsEmpty())
	assert.Equal(t, 0, pg.DataSize())
}

func TestInsertReorganizesWhenFragmented(t *testing.T) {
	idx := testIndex()
	pg := newPage(t)
	long := string(make([]byte, 200))
	n := int32(0)
	for {
		if _, ok := pg.InsertTuple(idx, kv(n, long)); !ok {
			break
		}
		n++
	}
	require.Greater(t, n, int32(2))
	pg.Delete(0)
	pg.Delete(0)
	assert.GreaterOrEqual(t, pg.MaxInsertSizeAfterReorganize(), kv(0, long).Size())
	_, ok := pg.InsertTuple(idx, kv(-1, long))
	assert.True(t, ok)
	require.NoError(t, pg.Validate(idx))
}

func TestDeleteMarkAndUpdateInPlace(t *testing.T) {
	idx := testIndex()
	pg := newPage(t)
	_, ok := pg.InsertTuple(idx, kv(1, "abc"))
	require.True(t, ok)

	pg.SetDeleteMark(0, true)
	assert.True(t, pg.Rec(0).Deleted())
	assert.True(t, pg.SameFieldSizes(0, kv(1, "xyz")))
	assert.False(t, pg.SameFieldSizes(0, kv(1, "abcd")))
	assert.False(t, pg.SameFieldSizes(0, Tuple{IntField(1), NullField()}))

	pg.UpdateInPlace(0, kv(1, "xyz"), pg.Rec(0).InfoBits()&^REC_INFO_DELETED_FLAG)
	assert.False(t, pg.Rec(0).Deleted())
	assert.Equal(t, "xyz", string(pg.Rec(0).Field(1).Data))
}

func TestNullFieldRoundTrip(t *testing.T) {
	pg := newPage(t)
	tup := Tuple{IntField(1), NullField(), VarcharField("z")}
	require.True(t, pg.Insert(0, tup, REC_INFO_MIN_REC_FLAG))
	r := pg.Rec(0)
	assert.Equal(t, REC_INFO_MIN_REC_FLAG, r.InfoBits())
	assert.Equal(t, 3, r.NFields())
	assert.Equal(t, tup.Size(), r.Size())
	assert.True(t, r.Field(1).Null)
	assert.Equal(t, "z", string(r.Field(2).Data))
	assert.Equal(t, EncodeRec(tup, REC_INFO_MIN_REC_FLAG), []byte(r[:r.Size()]))
}

func TestMoveTo(t *testing.T) {
	idx := testIndex()
	src := newPage(t)
	for k := int32(0); k < 6; k++ {
		_, ok := src.InsertTuple(idx, kv(k, "v"))
		require.True(t, ok)
	}
	dst := Create(make([]byte, common.UNIV_PAGE_SIZE_MIN), common.NewPageID(5, 4), 9, 0)
	require.NoError(t, src.MoveTo(dst, 3))
	assert.Equal(t, 3, src.NRecs())
	assert.Equal(t, 3, dst.NRecs())
	assert.Equal(t, int32(3), dst.Rec(0).Field(0).Int())
	require.NoError(t, src.Validate(idx))
	require.NoError(t, dst.Validate(idx))
	assert.Equal(t, []Tuple{kv(0, "v"), kv(1, "v"), kv(2, "v")}, src.Tuples())
}

func TestLinksAndLevel(t *testing.T) {
	pg := newPage(t)
	pg.SetPrev(7)
	pg.SetNext(8)
	pg.SetLevel(1)
	assert.Equal(t, uint32(7), pg.Prev())
	assert.Equal(t, uint32(8), pg.Next())
	assert.False(t, pg.IsLeaf())
	pg.Clear(0)
	assert.True(t, pg.IsLeaf())
	assert.Equal(t, uint32(8), pg.Next())
	pg.UpdateMaxTrxID(10)
	pg.UpdateMaxTrxID(5)
	assert.Equal(t, uint64(10), pg.MaxTrxID())
}
