package vecagg

import (
	"fmt"

	"github.com/daviszhen/vecagg/pkg/batch"
	"github.com/daviszhen/vecagg/pkg/util"
)

// fixedKeyStrategy groups by a single fixed width column. Key bits are the
// hash table key directly, no byte storage needed.
type fixedKeyStrategy[K uint16 | uint32 | uint64] struct {
	_col    GroupingColumn
	_policy *GroupingPolicyHash
	_table  *keyTable[K]
	// _outputKeys[i] is the key of key index i+1. The null key leaves a gap.
	_outputKeys []K
}

func newFixedKeyStrategy[K uint16 | uint32 | uint64](gc GroupingColumn, initialCapacity int) *fixedKeyStrategy[K] {
	return &fixedKeyStrategy[K]{
		_col: gc,
		_table: newKeyTable[K](initialCapacity,
			func(k K) uint64 {
				return util.Hash64(uint64(k))
			},
			func(a, b K) bool {
				return a == b
			}),
	}
}

func (fs *fixedKeyStrategy[K]) Init(policy *GroupingPolicyHash) {
	fs._policy = policy
}

func (fs *fixedKeyStrategy[K]) Reset() {
	fs._table.Reset()
	fs._outputKeys = fs._outputKeys[:0]
}

func (fs *fixedKeyStrategy[K]) PrepareForBatch(bs *batch.BatchState) {
}

func (fs *fixedKeyStrategy[K]) keyAt(col *batch.ColumnValues, row int) K {
	switch col.DecompType {
	case batch.DT_Scalar:
		return K(col.ScalarValue.U64)
	case batch.DT_Fixed:
		return batch.GetFixedSlice[K](col)[row]
	default:
		panic("usp")
	}
}

func (fs *fixedKeyStrategy[K]) FillKeyIndexes(bs *batch.BatchState, filter *util.Bitmap, startRow, endRow int) {
	col := bs.Column(fs._col.InputOffset)
	keyIdxs := fs._policy._keyIndexes
	for row := startRow; row < endRow; row++ {
		if !filter.RowIsValid(uint64(row)) {
			continue
		}
		if !col.RowIsValid(row) {
			keyIdxs[row] = fs._policy.nullKeyIndex()
			continue
		}
		key := fs.keyAt(col, row)
		ent, found := fs._table.Insert(key)
		if !found {
			ent._keyIndex = fs._policy.nextKeyIndex()
			fs.storeKey(ent._keyIndex, key)
		}
		keyIdxs[row] = ent._keyIndex
	}
}

func (fs *fixedKeyStrategy[K]) storeKey(keyIndex uint32, key K) {
	for uint32(len(fs._outputKeys)) < keyIndex {
		var zero K
		fs._outputKeys = append(fs._outputKeys, zero)
	}
	fs._outputKeys[keyIndex-1] = key
}

func (fs *fixedKeyStrategy[K]) EmitKey(keyIndex uint32, out *batch.RowBuffer) {
	off := fs._col.OutputOffset
	if keyIndex == fs._policy._nullKeyIndex {
		out.Values[off] = batch.Value{}
		out.IsNull[off] = true
		return
	}
	out.Values[off] = batch.Value{U64: uint64(fs._outputKeys[keyIndex-1])}
	out.IsNull[off] = false
}

func (fs *fixedKeyStrategy[K]) SizeBytes() int64 {
	return fs._table.SizeBytes() + int64(len(fs._outputKeys))*int64(fs._col.ValueBytes)
}

func (fs *fixedKeyStrategy[K]) ExplainName() string {
	return fmt.Sprintf("fixed key %d bytes", fs._col.ValueBytes)
}
