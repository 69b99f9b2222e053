package vecagg

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/daviszhen/vecagg/pkg/batch"
	"github.com/daviszhen/vecagg/pkg/util"
)

// serialTableKey holds a multi-column key serialized into one byte string.
type serialTableKey struct {
	_hash uint64
	_data []byte
}

// serializedKeyStrategy is the fallback for multi-column grouping. Each row
// is serialized column by column, one null byte per column followed by the
// value bytes, varlen values are length prefixed.
type serializedKeyStrategy struct {
	_cols   []GroupingColumn
	_policy *GroupingPolicyHash
	_table  *keyTable[serialTableKey]
	// _outputKeys[i] is the serialized key of key index i+1.
	_outputKeys     [][]byte
	_storedKeyBytes int64
	_scratch        []byte
}

func newSerializedKeyStrategy(cols []GroupingColumn, initialCapacity int) *serializedKeyStrategy {
	return &serializedKeyStrategy{
		_cols: cols,
		_table: newKeyTable[serialTableKey](initialCapacity,
			func(k serialTableKey) uint64 {
				return k._hash
			},
			func(a, b serialTableKey) bool {
				return a._hash == b._hash && bytes.Equal(a._data, b._data)
			}),
	}
}

func (ss *serializedKeyStrategy) Init(policy *GroupingPolicyHash) {
	ss._policy = policy
}

func (ss *serializedKeyStrategy) Reset() {
	ss._table.Reset()
	ss._outputKeys = ss._outputKeys[:0]
	ss._storedKeyBytes = 0
}

func (ss *serializedKeyStrategy) PrepareForBatch(bs *batch.BatchState) {
}

func (ss *serializedKeyStrategy) serializeRow(bs *batch.BatchState, row int) []byte {
	buf := ss._scratch[:0]
	for i := range ss._cols {
		gc := &ss._cols[i]
		col := bs.Column(gc.InputOffset)
		if !col.RowIsValid(row) {
			buf = append(buf, 1)
			continue
		}
		buf = append(buf, 0)
		if gc.ValueBytes == VarlenWidth {
			span := textSpanOf(col, row)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(span)))
			buf = append(buf, span...)
		} else {
			buf = appendFixedBits(buf, col, row, gc.ValueBytes)
		}
	}
	ss._scratch = buf
	return buf
}

func textSpanOf(col *batch.ColumnValues, row int) []byte {
	switch col.DecompType {
	case batch.DT_Scalar:
		return col.ScalarValue.Bytes
	case batch.DT_Text:
		return col.TextSpan(row)
	case batch.DT_TextDict:
		return col.TextSpan(int(col.DictIndexes[row]))
	default:
		panic("usp")
	}
}

func appendFixedBits(buf []byte, col *batch.ColumnValues, row int, width int) []byte {
	var bits uint64
	if col.DecompType == batch.DT_Scalar {
		bits = col.ScalarValue.U64
	} else {
		switch width {
		case 2:
			bits = uint64(batch.GetFixedSlice[uint16](col)[row])
		case 4:
			bits = uint64(batch.GetFixedSlice[uint32](col)[row])
		case 8:
			bits = batch.GetFixedSlice[uint64](col)[row]
		default:
			panic("usp")
		}
	}
	switch width {
	case 2:
		buf = binary.LittleEndian.AppendUint16(buf, uint16(bits))
	case 4:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(bits))
	case 8:
		buf = binary.LittleEndian.AppendUint64(buf, bits)
	}
	return buf
}

func (ss *serializedKeyStrategy) insertSerialized(data []byte) uint32 {
	key := serialTableKey{
		_hash: util.HashSlice(data),
		_data: data,
	}
	ent, found := ss._table.Insert(key)
	if !found {
		// the scratch buffer is reused per row, keep an arena copy
		stored := ss._policy._arena.AllocCopy(data)
		ent._key._data = stored
		ent._keyIndex = ss._policy.nextKeyIndex()
		ss.storeKey(ent._keyIndex, stored)
		ss._storedKeyBytes += int64(len(stored))
	}
	return ent._keyIndex
}

func (ss *serializedKeyStrategy) storeKey(keyIndex uint32, stored []byte) {
	for uint32(len(ss._outputKeys)) < keyIndex {
		ss._outputKeys = append(ss._outputKeys, nil)
	}
	ss._outputKeys[keyIndex-1] = stored
}

func (ss *serializedKeyStrategy) FillKeyIndexes(bs *batch.BatchState, filter *util.Bitmap, startRow, endRow int) {
	keyIdxs := ss._policy._keyIndexes
	for row := startRow; row < endRow; row++ {
		if !filter.RowIsValid(uint64(row)) {
			continue
		}
		keyIdxs[row] = ss.insertSerialized(ss.serializeRow(bs, row))
	}
}

// EmitKey walks the serialized layout and splits it back into per column
// output values.
func (ss *serializedKeyStrategy) EmitKey(keyIndex uint32, out *batch.RowBuffer) {
	data := ss._outputKeys[keyIndex-1]
	pos := 0
	for i := range ss._cols {
		gc := &ss._cols[i]
		off := gc.OutputOffset
		if data[pos] == 1 {
			pos++
			out.Values[off] = batch.Value{}
			out.IsNull[off] = true
			continue
		}
		pos++
		out.IsNull[off] = false
		if gc.ValueBytes == VarlenWidth {
			l := int(binary.LittleEndian.Uint32(data[pos:]))
			pos += 4
			out.Values[off] = batch.Value{Bytes: data[pos : pos+l]}
			pos += l
		} else {
			var bits uint64
			switch gc.ValueBytes {
			case 2:
				bits = uint64(binary.LittleEndian.Uint16(data[pos:]))
			case 4:
				bits = uint64(binary.LittleEndian.Uint32(data[pos:]))
			case 8:
				bits = binary.LittleEndian.Uint64(data[pos:])
			}
			pos += gc.ValueBytes
			out.Values[off] = batch.Value{U64: bits}
		}
	}
}

func (ss *serializedKeyStrategy) SizeBytes() int64 {
	return ss._table.SizeBytes() +
		int64(len(ss._outputKeys))*int64(24) +
		ss._storedKeyBytes
}

func (ss *serializedKeyStrategy) ExplainName() string {
	return fmt.Sprintf("serialized %d columns", len(ss._cols))
}
