package batch

import (
	"unsafe"

	"github.com/daviszhen/vecagg/pkg/util"
)

type DecompressionType int

const (
	DT_Invalid DecompressionType = iota
	// DT_Scalar holds one value shared by every row of the batch.
	DT_Scalar
	// DT_Fixed holds fixed width values back to back in Data.
	DT_Fixed
	// DT_Text holds variable length values addressed by Offsets.
	DT_Text
	// DT_TextDict holds per row indexes into a distinct-value dictionary.
	DT_TextDict
	// DT_Iterator marks columns only reachable through a row iterator. The
	// engine does not consume them.
	DT_Iterator
)

// ColumnValues is one decompressed column of a batch.
type ColumnValues struct {
	DecompType DecompressionType
	// ValueBytes is the fixed value width, or VarlenWidth for text.
	ValueBytes int
	// Validity marks per row nulls. Nil means all rows valid. For
	// DT_TextDict the mask is addressed by row, not by dictionary index.
	Validity *util.Bitmap

	// DT_Fixed payload
	Data []byte

	// DT_Text / DT_TextDict payload. Offsets has one extra trailing entry,
	// element i spans Data[Offsets[i]:Offsets[i+1]].
	Offsets []uint32

	// DT_TextDict
	DictIndexes []int16
	DictCount   int

	// DT_Scalar
	ScalarValue  Value
	ScalarIsNull bool
}

// GetFixedSlice reinterprets the fixed width payload as typed values.
func GetFixedSlice[T any](col *ColumnValues) []T {
	return util.ToSlice[T](col.Data, col.ValueBytes)
}

// TextSpan returns dictionary or text element i.
func (col *ColumnValues) TextSpan(i int) []byte {
	return col.Data[col.Offsets[i]:col.Offsets[i+1]]
}

func (col *ColumnValues) RowIsValid(row int) bool {
	if col.DecompType == DT_Scalar {
		return !col.ScalarIsNull
	}
	return col.Validity.RowIsValid(uint64(row))
}

func NewFixedColumn[T any](vals []T, nulls []int) *ColumnValues {
	var zero T
	sz := int(unsafe.Sizeof(zero))
	data := make([]byte, sz*len(vals))
	dst := util.ToSlice[T](data, sz)
	copy(dst, vals)
	col := &ColumnValues{
		DecompType: DT_Fixed,
		ValueBytes: sz,
		Data:       data,
	}
	col.Validity = buildValidity(len(vals), nulls)
	return col
}

func NewScalarColumn(val Value, isNull bool) *ColumnValues {
	return &ColumnValues{
		DecompType:   DT_Scalar,
		ScalarValue:  val,
		ScalarIsNull: isNull,
	}
}

func NewTextColumn(vals []string, nulls []int) *ColumnValues {
	col := &ColumnValues{
		DecompType: DT_Text,
		ValueBytes: -1,
	}
	col.Offsets = make([]uint32, 0, len(vals)+1)
	col.Offsets = append(col.Offsets, 0)
	for _, v := range vals {
		col.Data = append(col.Data, v...)
		col.Offsets = append(col.Offsets, uint32(len(col.Data)))
	}
	col.Validity = buildValidity(len(vals), nulls)
	return col
}

// NewDictColumn builds a dictionary column. indexes address dictVals per row,
// rows listed in nulls carry no value and their index is ignored.
func NewDictColumn(dictVals []string, indexes []int16, nulls []int) *ColumnValues {
	col := &ColumnValues{
		DecompType:  DT_TextDict,
		ValueBytes:  -1,
		DictIndexes: util.CopyTo(indexes),
		DictCount:   len(dictVals),
	}
	col.Offsets = make([]uint32, 0, len(dictVals)+1)
	col.Offsets = append(col.Offsets, 0)
	for _, v := range dictVals {
		col.Data = append(col.Data, v...)
		col.Offsets = append(col.Offsets, uint32(len(col.Data)))
	}
	col.Validity = buildValidity(len(indexes), nulls)
	return col
}

func buildValidity(rows int, nulls []int) *util.Bitmap {
	if len(nulls) == 0 {
		return nil
	}
	bm := util.NewBitmap(rows)
	for _, r := range nulls {
		bm.SetInvalid(uint64(r))
	}
	return bm
}

// BatchState is the unit of work fed into a grouping policy.
type BatchState struct {
	RowCount int
	// Filter selects the rows to aggregate. Nil means all rows pass.
	Filter  *util.Bitmap
	Columns []ColumnValues
}

func (bs *BatchState) Column(offset int) *ColumnValues {
	return &bs.Columns[offset]
}
