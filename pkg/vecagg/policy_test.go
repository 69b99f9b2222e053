package vecagg

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/btree"

	"github.com/daviszhen/vecagg/pkg/batch"
	"github.com/daviszhen/vecagg/pkg/util"
)

func countPolicy(t *testing.T, gc GroupingColumn, opts ...PolicyOption) *GroupingPolicyHash {
	defs := []*AggrDef{
		{Func: CountStarAggr(), InputOffset: -1, OutputOffset: 1},
	}
	p, err := NewGroupingPolicyHash(defs, []GroupingColumn{gc}, opts...)
	require.NoError(t, err)
	return p
}

func int64Batch(vals []int64, nulls []int) *batch.BatchState {
	return &batch.BatchState{
		RowCount: len(vals),
		Columns:  []batch.ColumnValues{*batch.NewFixedColumn(vals, nulls)},
	}
}

type emittedRow struct {
	key     uint64
	keyNull bool
	val     uint64
	valNull bool
}

func drain(t *testing.T, p *GroupingPolicyHash, width int) []emittedRow {
	out := batch.NewRowBuffer(width)
	var rows []emittedRow
	for p.DoEmit(out) {
		rows = append(rows, emittedRow{
			key:     out.Values[0].U64,
			keyNull: out.IsNull[0],
			val:     out.Values[1].U64,
			valNull: out.IsNull[1],
		})
	}
	// once drained it stays drained
	assert.False(t, p.DoEmit(out))
	return rows
}

func TestCountPerGroup(t *testing.T) {
	p := countPolicy(t, GroupingColumn{InputOffset: 0, OutputOffset: 0, ValueBytes: 8, ByValue: true})
	p.AddBatch(int64Batch([]int64{1, 2, 1}, nil))
	p.AddBatch(int64Batch([]int64{2, 3, 0}, []int{2}))

	rows := drain(t, p, 2)
	require.Equal(t, 4, len(rows))
	// groups come out in discovery order
	assert.Equal(t, uint64(1), rows[0].key)
	assert.Equal(t, int64(2), int64(rows[0].val))
	assert.Equal(t, uint64(2), rows[1].key)
	assert.Equal(t, int64(2), int64(rows[1].val))
	assert.Equal(t, uint64(3), rows[2].key)
	assert.Equal(t, int64(1), int64(rows[2].val))
	assert.True(t, rows[3].keyNull)
	assert.Equal(t, int64(1), int64(rows[3].val))
}

func TestKeyIndexStability(t *testing.T) {
	p := countPolicy(t, GroupingColumn{InputOffset: 0, OutputOffset: 0, ValueBytes: 8, ByValue: true})
	p.AddBatch(int64Batch([]int64{7, 8, 7, 9}, nil))
	p.AddBatch(int64Batch([]int64{9, 7}, nil))
	rows := drain(t, p, 2)
	require.Equal(t, 3, len(rows))
	assert.Equal(t, uint64(7), rows[0].key)
	assert.Equal(t, int64(3), int64(rows[0].val))
	assert.Equal(t, uint64(9), rows[2].key)
	assert.Equal(t, int64(2), int64(rows[2].val))
}

func TestNullKeySingleton(t *testing.T) {
	p := countPolicy(t, GroupingColumn{InputOffset: 0, OutputOffset: 0, ValueBytes: 8, ByValue: true})
	p.AddBatch(int64Batch([]int64{0, 1, 0}, []int{0, 2}))
	p.AddBatch(int64Batch([]int64{0}, []int{0}))
	rows := drain(t, p, 2)
	require.Equal(t, 2, len(rows))
	assert.True(t, rows[0].keyNull)
	assert.Equal(t, int64(3), int64(rows[0].val))
	assert.False(t, rows[1].keyNull)
}

func TestBatchFilter(t *testing.T) {
	p := countPolicy(t, GroupingColumn{InputOffset: 0, OutputOffset: 0, ValueBytes: 8, ByValue: true})
	bs := int64Batch([]int64{1, 2, 3, 4}, nil)
	bs.Filter = util.NewBitmap(4)
	bs.Filter.SetInvalid(1)
	bs.Filter.SetInvalid(3)
	p.AddBatch(bs)
	rows := drain(t, p, 2)
	require.Equal(t, 2, len(rows))
	assert.Equal(t, uint64(1), rows[0].key)
	assert.Equal(t, uint64(3), rows[1].key)
	assert.Equal(t, int64(2), p.Stats().FilteredRows)
}

func TestSmallWidthKeys(t *testing.T) {
	for _, width := range []int{2, 4} {
		t.Run(fmt.Sprintf("width%d", width), func(t *testing.T) {
			p := countPolicy(t, GroupingColumn{InputOffset: 0, OutputOffset: 0, ValueBytes: width, ByValue: true})
			var col *batch.ColumnValues
			if width == 2 {
				col = batch.NewFixedColumn([]uint16{5, 6, 5}, nil)
			} else {
				col = batch.NewFixedColumn([]uint32{5, 6, 5}, nil)
			}
			p.AddBatch(&batch.BatchState{RowCount: 3, Columns: []batch.ColumnValues{*col}})
			rows := drain(t, p, 2)
			require.Equal(t, 2, len(rows))
			assert.Equal(t, uint64(5), rows[0].key)
			assert.Equal(t, int64(2), int64(rows[0].val))
		})
	}
}

func TestScalarGroupingColumn(t *testing.T) {
	p := countPolicy(t, GroupingColumn{InputOffset: 0, OutputOffset: 0, ValueBytes: 8, ByValue: true})
	bs := &batch.BatchState{
		RowCount: 5,
		Columns:  []batch.ColumnValues{*batch.NewScalarColumn(batch.Value{U64: 77}, false)},
	}
	p.AddBatch(bs)
	rows := drain(t, p, 2)
	require.Equal(t, 1, len(rows))
	assert.Equal(t, uint64(77), rows[0].key)
	assert.Equal(t, int64(5), int64(rows[0].val))
}

func TestSumAggregate(t *testing.T) {
	defs := []*AggrDef{
		{Func: SumAggr[int64, int64](), InputOffset: 1, OutputOffset: 1},
	}
	p, err := NewGroupingPolicyHash(defs,
		[]GroupingColumn{{InputOffset: 0, OutputOffset: 0, ValueBytes: 8, ByValue: true}})
	require.NoError(t, err)

	keys := batch.NewFixedColumn([]int64{1, 2, 1, 2}, nil)
	vals := batch.NewFixedColumn([]int64{10, 20, 30, 40}, []int{3})
	p.AddBatch(&batch.BatchState{RowCount: 4, Columns: []batch.ColumnValues{*keys, *vals}})

	rows := drain(t, p, 2)
	require.Equal(t, 2, len(rows))
	assert.Equal(t, int64(40), int64(rows[0].val))
	assert.Equal(t, int64(20), int64(rows[1].val))
}

func TestSumAllNullEmitsNull(t *testing.T) {
	defs := []*AggrDef{
		{Func: SumAggr[int64, int64](), InputOffset: 1, OutputOffset: 1},
	}
	p, err := NewGroupingPolicyHash(defs,
		[]GroupingColumn{{InputOffset: 0, OutputOffset: 0, ValueBytes: 8, ByValue: true}})
	require.NoError(t, err)
	keys := batch.NewFixedColumn([]int64{1}, nil)
	vals := batch.NewFixedColumn([]int64{5}, []int{0})
	p.AddBatch(&batch.BatchState{RowCount: 1, Columns: []batch.ColumnValues{*keys, *vals}})
	rows := drain(t, p, 2)
	require.Equal(t, 1, len(rows))
	assert.True(t, rows[0].valNull)
}

func TestMinMaxAggregate(t *testing.T) {
	defs := []*AggrDef{
		{Func: MinAggr[int64](), InputOffset: 1, OutputOffset: 1},
		{Func: MaxAggr[int64](), InputOffset: 1, OutputOffset: 2},
	}
	p, err := NewGroupingPolicyHash(defs,
		[]GroupingColumn{{InputOffset: 0, OutputOffset: 0, ValueBytes: 8, ByValue: true}})
	require.NoError(t, err)
	keys := batch.NewFixedColumn([]int64{1, 1, 1}, nil)
	vals := batch.NewFixedColumn([]int64{5, -3, 9}, nil)
	p.AddBatch(&batch.BatchState{RowCount: 3, Columns: []batch.ColumnValues{*keys, *vals}})

	out := batch.NewRowBuffer(3)
	require.True(t, p.DoEmit(out))
	assert.Equal(t, int64(-3), int64(out.Values[1].U64))
	assert.Equal(t, int64(9), int64(out.Values[2].U64))
	assert.False(t, p.DoEmit(out))
}

func TestPerAggregateFilter(t *testing.T) {
	filt := util.NewBitmap(4)
	filt.SetInvalid(0)
	filt.SetInvalid(2)
	defs := []*AggrDef{
		{Func: CountStarAggr(), InputOffset: -1, OutputOffset: 1},
		{Func: CountStarAggr(), InputOffset: -1, OutputOffset: 2, Filter: filt},
	}
	p, err := NewGroupingPolicyHash(defs,
		[]GroupingColumn{{InputOffset: 0, OutputOffset: 0, ValueBytes: 8, ByValue: true}})
	require.NoError(t, err)
	keys := batch.NewFixedColumn([]int64{1, 1, 2, 2}, nil)
	p.AddBatch(&batch.BatchState{RowCount: 4, Columns: []batch.ColumnValues{*keys}})

	out := batch.NewRowBuffer(3)
	require.True(t, p.DoEmit(out))
	assert.Equal(t, int64(2), int64(out.Values[1].U64))
	assert.Equal(t, int64(1), int64(out.Values[2].U64))
	require.True(t, p.DoEmit(out))
	assert.Equal(t, int64(2), int64(out.Values[1].U64))
	assert.Equal(t, int64(1), int64(out.Values[2].U64))
}

func TestTextGrouping(t *testing.T) {
	p := countPolicy(t, GroupingColumn{InputOffset: 0, OutputOffset: 0, ValueBytes: VarlenWidth})
	col := batch.NewTextColumn([]string{"a", "bb", "a", ""}, []int{3})
	p.AddBatch(&batch.BatchState{RowCount: 4, Columns: []batch.ColumnValues{*col}})
	col2 := batch.NewTextColumn([]string{"bb", "ccc"}, nil)
	p.AddBatch(&batch.BatchState{RowCount: 2, Columns: []batch.ColumnValues{*col2}})

	out := batch.NewRowBuffer(2)
	type tr struct {
		key  string
		null bool
		cnt  int64
	}
	var rows []tr
	for p.DoEmit(out) {
		rows = append(rows, tr{string(out.Values[0].Bytes), out.IsNull[0], int64(out.Values[1].U64)})
	}
	require.Equal(t, 4, len(rows))
	assert.Equal(t, tr{"a", false, 2}, rows[0])
	assert.Equal(t, tr{"bb", false, 2}, rows[1])
	assert.True(t, rows[2].null)
	assert.Equal(t, int64(1), rows[2].cnt)
	assert.Equal(t, tr{"ccc", false, 1}, rows[3])
}

func TestDictGroupingMatchesText(t *testing.T) {
	dictVals := []string{"x", "y", "z"}
	indexes := []int16{0, 1, 0, 2, 1, 0, 0, 2}
	nulls := []int{4}

	pd := countPolicy(t, GroupingColumn{InputOffset: 0, OutputOffset: 0, ValueBytes: VarlenWidth})
	dcol := batch.NewDictColumn(dictVals, indexes, nulls)
	pd.AddBatch(&batch.BatchState{RowCount: len(indexes), Columns: []batch.ColumnValues{*dcol}})

	pt := countPolicy(t, GroupingColumn{InputOffset: 0, OutputOffset: 0, ValueBytes: VarlenWidth})
	texts := make([]string, len(indexes))
	for i, d := range indexes {
		texts[i] = dictVals[d]
	}
	tcol := batch.NewTextColumn(texts, nulls)
	pt.AddBatch(&batch.BatchState{RowCount: len(indexes), Columns: []batch.ColumnValues{*tcol}})

	collect := func(p *GroupingPolicyHash) map[string]int64 {
		out := batch.NewRowBuffer(2)
		m := map[string]int64{}
		for p.DoEmit(out) {
			k := string(out.Values[0].Bytes)
			if out.IsNull[0] {
				k = "<null>"
			}
			m[k] = int64(out.Values[1].U64)
		}
		return m
	}
	assert.Equal(t, collect(pt), collect(pd))
}

func TestDictUnusedEntriesNotGrouped(t *testing.T) {
	// dictionary entry "dead" is never referenced by a passing row and must
	// not become a group
	p := countPolicy(t, GroupingColumn{InputOffset: 0, OutputOffset: 0, ValueBytes: VarlenWidth})
	col := batch.NewDictColumn([]string{"live", "dead"}, []int16{0, 0, 0}, nil)
	p.AddBatch(&batch.BatchState{RowCount: 3, Columns: []batch.ColumnValues{*col}})
	assert.Equal(t, 1, p.GroupCount())
}

func TestMultiColumnGrouping(t *testing.T) {
	defs := []*AggrDef{
		{Func: CountStarAggr(), InputOffset: -1, OutputOffset: 2},
	}
	cols := []GroupingColumn{
		{InputOffset: 0, OutputOffset: 0, ValueBytes: 8, ByValue: true},
		{InputOffset: 1, OutputOffset: 1, ValueBytes: VarlenWidth},
	}
	p, err := NewGroupingPolicyHash(defs, cols)
	require.NoError(t, err)

	k1 := batch.NewFixedColumn([]int64{1, 1, 2, 1}, []int{3})
	k2 := batch.NewTextColumn([]string{"a", "a", "a", "a"}, nil)
	p.AddBatch(&batch.BatchState{RowCount: 4, Columns: []batch.ColumnValues{*k1, *k2}})

	out := batch.NewRowBuffer(3)
	type mr struct {
		k1     int64
		k1Null bool
		k2     string
		cnt    int64
	}
	var rows []mr
	for p.DoEmit(out) {
		rows = append(rows, mr{
			int64(out.Values[0].U64), out.IsNull[0],
			string(out.Values[1].Bytes), int64(out.Values[2].U64),
		})
	}
	require.Equal(t, 3, len(rows))
	assert.Equal(t, mr{1, false, "a", 2}, rows[0])
	assert.Equal(t, mr{2, false, "a", 1}, rows[1])
	assert.True(t, rows[2].k1Null)
	assert.Equal(t, int64(1), rows[2].cnt)
}

func TestStateGrowthManyGroups(t *testing.T) {
	p := countPolicy(t,
		GroupingColumn{InputOffset: 0, OutputOffset: 0, ValueBytes: 8, ByValue: true},
		WithInitialCapacity(4))
	const n = 50000
	vals := make([]int64, n)
	for i := range vals {
		vals[i] = int64(i)
	}
	p.AddBatch(int64Batch(vals, nil))
	p.AddBatch(int64Batch(vals, nil))
	assert.Equal(t, n, p.GroupCount())

	rows := drain(t, p, 2)
	require.Equal(t, n, len(rows))
	for i, r := range rows {
		assert.Equal(t, uint64(i), r.key)
		assert.Equal(t, int64(2), int64(r.val))
	}
}

func TestResetIsolation(t *testing.T) {
	p := countPolicy(t, GroupingColumn{InputOffset: 0, OutputOffset: 0, ValueBytes: 8, ByValue: true})
	p.AddBatch(int64Batch([]int64{1, 2, 1}, []int{1}))
	rows := drain(t, p, 2)
	require.Equal(t, 2, len(rows))

	p.Reset()
	assert.Equal(t, 0, p.GroupCount())
	p.AddBatch(int64Batch([]int64{5, 5, 6}, nil))
	rows = drain(t, p, 2)
	require.Equal(t, 2, len(rows))
	assert.Equal(t, uint64(5), rows[0].key)
	assert.Equal(t, int64(2), int64(rows[0].val))
	assert.False(t, rows[0].keyNull)
	assert.Equal(t, int64(3), p.Stats().Rows)
}

func TestShouldEmitMemoryLimit(t *testing.T) {
	p := countPolicy(t,
		GroupingColumn{InputOffset: 0, OutputOffset: 0, ValueBytes: 8, ByValue: true})
	assert.False(t, p.ShouldEmit())

	tiny := countPolicy(t,
		GroupingColumn{InputOffset: 0, OutputOffset: 0, ValueBytes: 8, ByValue: true},
		WithEmitMemoryLimit(1))
	tiny.AddBatch(int64Batch([]int64{1, 2, 3}, nil))
	assert.True(t, tiny.ShouldEmit())

	// emission in flight also demands draining
	out := batch.NewRowBuffer(2)
	require.True(t, tiny.DoEmit(out))
	assert.True(t, tiny.ShouldEmit())
}

func TestRandomizedAgainstReference(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	p := countPolicy(t, GroupingColumn{InputOffset: 0, OutputOffset: 0, ValueBytes: 8, ByValue: true})

	ref := btree.NewMap[int64, int64](8)
	var nullCount int64
	for b := 0; b < 20; b++ {
		n := 1 + rng.Intn(500)
		vals := make([]int64, n)
		var nulls []int
		for i := range vals {
			vals[i] = int64(rng.Intn(40))
			if rng.Intn(10) == 0 {
				nulls = append(nulls, i)
			}
		}
		bs := int64Batch(vals, nulls)
		if rng.Intn(2) == 0 {
			bs.Filter = util.NewBitmap(n)
			for i := 0; i < n; i++ {
				if rng.Intn(3) == 0 {
					bs.Filter.SetInvalid(uint64(i))
				}
			}
		}
		nullSet := map[int]bool{}
		for _, i := range nulls {
			nullSet[i] = true
		}
		for i := 0; i < n; i++ {
			if !bs.Filter.RowIsValid(uint64(i)) {
				continue
			}
			if nullSet[i] {
				nullCount++
				continue
			}
			old, _ := ref.Get(vals[i])
			ref.Set(vals[i], old+1)
		}
		p.AddBatch(bs)
	}

	got := map[int64]int64{}
	var gotNull int64
	out := batch.NewRowBuffer(2)
	for p.DoEmit(out) {
		if out.IsNull[0] {
			gotNull = int64(out.Values[1].U64)
			continue
		}
		got[int64(out.Values[0].U64)] = int64(out.Values[1].U64)
	}
	assert.Equal(t, nullCount, gotNull)
	assert.Equal(t, ref.Len(), len(got))
	ref.Scan(func(k int64, v int64) bool {
		assert.Equal(t, v, got[k])
		return true
	})
}

func TestExplain(t *testing.T) {
	defs := []*AggrDef{
		{Func: CountStarAggr(), InputOffset: -1, OutputOffset: 1},
	}
	p, err := NewGroupingPolicyHash(defs,
		[]GroupingColumn{{InputOffset: 0, OutputOffset: 0, ValueBytes: 8, ByValue: true}})
	require.NoError(t, err)
	s := p.Explain()
	assert.Contains(t, s, "fixed key 8 bytes")
	assert.Contains(t, s, "count_star")
}

func TestInvalidGroupingWidth(t *testing.T) {
	defs := []*AggrDef{
		{Func: CountStarAggr(), InputOffset: -1, OutputOffset: 1},
	}
	_, err := NewGroupingPolicyHash(defs,
		[]GroupingColumn{{InputOffset: 0, OutputOffset: 0, ValueBytes: 3}})
	assert.Error(t, err)
	_, err = NewGroupingPolicyHash(defs, nil)
	assert.Error(t, err)
}

func TestScalarArgumentVectorKeys(t *testing.T) {
	defs := []*AggrDef{
		{Func: SumAggr[int64, int64](), InputOffset: 1, OutputOffset: 1},
	}
	p, err := NewGroupingPolicyHash(defs,
		[]GroupingColumn{{InputOffset: 0, OutputOffset: 0, ValueBytes: 8, ByValue: true}})
	require.NoError(t, err)
	bs := &batch.BatchState{
		RowCount: 3,
		Columns: []batch.ColumnValues{
			*batch.NewFixedColumn([]int64{1, 1, 2}, nil),
			*batch.NewScalarColumn(batch.Value{U64: 7}, false),
		},
	}
	p.AddBatch(bs)
	rows := drain(t, p, 2)
	require.Equal(t, 2, len(rows))
	assert.Equal(t, uint64(1), rows[0].key)
	assert.Equal(t, int64(14), int64(rows[0].val))
	assert.Equal(t, uint64(2), rows[1].key)
	assert.Equal(t, int64(7), int64(rows[1].val))
}

func TestNullScalarArgumentVectorKeys(t *testing.T) {
	defs := []*AggrDef{
		{Func: SumAggr[int64, int64](), InputOffset: 1, OutputOffset: 1},
		{Func: CountAggr(), InputOffset: 1, OutputOffset: 2},
	}
	p, err := NewGroupingPolicyHash(defs,
		[]GroupingColumn{{InputOffset: 0, OutputOffset: 0, ValueBytes: 8, ByValue: true}})
	require.NoError(t, err)
	bs := &batch.BatchState{
		RowCount: 3,
		Columns: []batch.ColumnValues{
			*batch.NewFixedColumn([]int64{1, 1, 2}, nil),
			*batch.NewScalarColumn(batch.Value{U64: 7}, true),
		},
	}
	p.AddBatch(bs)
	out := batch.NewRowBuffer(3)
	seen := 0
	for p.DoEmit(out) {
		seen++
		// null argument contributes nothing, sum of nothing is null
		assert.True(t, out.IsNull[1])
		assert.False(t, out.IsNull[2])
		assert.Equal(t, int64(0), int64(out.Values[2].U64))
	}
	assert.Equal(t, 2, seen)
}

func TestScalarArgumentHonorsFilter(t *testing.T) {
	defs := []*AggrDef{
		{Func: SumAggr[int64, int64](), InputOffset: 1, OutputOffset: 1},
	}
	p, err := NewGroupingPolicyHash(defs,
		[]GroupingColumn{{InputOffset: 0, OutputOffset: 0, ValueBytes: 8, ByValue: true}})
	require.NoError(t, err)
	bs := &batch.BatchState{
		RowCount: 4,
		Columns: []batch.ColumnValues{
			*batch.NewFixedColumn([]int64{1, 1, 2, 2}, nil),
			*batch.NewScalarColumn(batch.Value{U64: 5}, false),
		},
	}
	bs.Filter = util.NewBitmap(4)
	bs.Filter.SetInvalid(1)
	bs.Filter.SetInvalid(3)
	p.AddBatch(bs)
	rows := drain(t, p, 2)
	require.Equal(t, 2, len(rows))
	assert.Equal(t, int64(5), int64(rows[0].val))
	assert.Equal(t, int64(5), int64(rows[1].val))
}

func TestArenaBlockSizeOption(t *testing.T) {
	p := countPolicy(t,
		GroupingColumn{InputOffset: 0, OutputOffset: 0, ValueBytes: VarlenWidth},
		WithArenaBlockSize(64))
	var vals []string
	for i := 0; i < 100; i++ {
		vals = append(vals, fmt.Sprintf("%02d-%s", i%10, strings.Repeat("x", 40)))
	}
	p.AddBatch(&batch.BatchState{
		RowCount: len(vals),
		Columns:  []batch.ColumnValues{*batch.NewTextColumn(vals, nil)},
	})
	rows := drain(t, p, 2)
	require.Equal(t, 10, len(rows))
	for _, r := range rows {
		assert.Equal(t, int64(10), int64(r.val))
	}
}
