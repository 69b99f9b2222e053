package vecagg

import (
	"github.com/dchest/siphash"

	"github.com/daviszhen/vecagg/pkg/batch"
	"github.com/daviszhen/vecagg/pkg/util"
)

const (
	textHashSeed0 = 0x6d656d6f636f6465
	textHashSeed1 = 0x74657874676b6579
)

// textTableKey is a 96 bit fingerprint of a text value. Collisions across
// the full fingerprint are treated as impossible, stored key bytes are kept
// only for emission.
type textTableKey struct {
	_hash uint32
	_rest uint64
}

func fingerprintText(span []byte) textTableKey {
	lo, hi := siphash.Hash128(textHashSeed0, textHashSeed1, span)
	return textTableKey{
		_hash: uint32(lo),
		_rest: hi,
	}
}

// textKeyStrategy groups by a single variable length column. Unique key bytes
// are copied into the policy arena once and referenced by key index.
type textKeyStrategy struct {
	_col    GroupingColumn
	_policy *GroupingPolicyHash
	_table  *keyTable[textTableKey]
	// _outputKeys[i] is the stored text of key index i+1.
	_outputKeys     [][]byte
	_storedKeyBytes int64

	// dictionary fast path state, valid for the current batch only
	_useDictTranslation bool
	_dictKeyIndexes     []uint32
}

func newTextKeyStrategy(gc GroupingColumn, initialCapacity int) *textKeyStrategy {
	return &textKeyStrategy{
		_col: gc,
		_table: newKeyTable[textTableKey](initialCapacity,
			func(k textTableKey) uint64 {
				return uint64(k._hash)
			},
			func(a, b textTableKey) bool {
				return a == b
			}),
	}
}

func (ts *textKeyStrategy) Init(policy *GroupingPolicyHash) {
	ts._policy = policy
}

func (ts *textKeyStrategy) Reset() {
	ts._table.Reset()
	ts._outputKeys = ts._outputKeys[:0]
	ts._storedKeyBytes = 0
	ts._useDictTranslation = false
}

// insertBytes finds or creates the key index for one text value.
func (ts *textKeyStrategy) insertBytes(span []byte) uint32 {
	ent, found := ts._table.Insert(fingerprintText(span))
	if !found {
		ent._keyIndex = ts._policy.nextKeyIndex()
		stored := ts._policy._arena.AllocCopy(span)
		ts.storeKey(ent._keyIndex, stored)
		ts._storedKeyBytes += int64(len(span))
	}
	return ent._keyIndex
}

func (ts *textKeyStrategy) storeKey(keyIndex uint32, stored []byte) {
	for uint32(len(ts._outputKeys)) < keyIndex {
		ts._outputKeys = append(ts._outputKeys, nil)
	}
	ts._outputKeys[keyIndex-1] = stored
}

// PrepareForBatch hashes each dictionary element at most once when the
// dictionary is smaller than the passing row count, so FillKeyIndexes can
// translate rows by dictionary index instead of hashing row values.
func (ts *textKeyStrategy) PrepareForBatch(bs *batch.BatchState) {
	ts._useDictTranslation = false
	col := bs.Column(ts._col.InputOffset)
	if col.DecompType != batch.DT_TextDict {
		return
	}
	rows := bs.RowCount
	passing := bs.Filter.CountValid(rows)
	if col.DictCount > passing {
		return
	}

	// restrict the dictionary to elements some passing row actually uses
	dictFilter := ts._policy._tmpFilter
	dictFilter.SetAllInvalid(col.DictCount)
	haveNull := false
	for row := 0; row < rows; row++ {
		if !bs.Filter.RowIsValid(uint64(row)) {
			continue
		}
		if !col.Validity.RowIsValid(uint64(row)) {
			haveNull = true
			continue
		}
		dictFilter.SetValidUnsafe(uint64(col.DictIndexes[row]))
	}

	if cap(ts._dictKeyIndexes) < col.DictCount {
		ts._dictKeyIndexes = make([]uint32, col.DictCount)
	}
	ts._dictKeyIndexes = ts._dictKeyIndexes[:col.DictCount]
	for d := 0; d < col.DictCount; d++ {
		if !dictFilter.RowIsValidUnsafe(uint64(d)) {
			ts._dictKeyIndexes[d] = 0
			continue
		}
		ts._dictKeyIndexes[d] = ts.insertBytes(col.TextSpan(d))
	}
	if haveNull {
		ts._policy.nullKeyIndex()
	}
	ts._useDictTranslation = true
}

func (ts *textKeyStrategy) getSpan(col *batch.ColumnValues, row int) []byte {
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

func (ts *textKeyStrategy) FillKeyIndexes(bs *batch.BatchState, filter *util.Bitmap, startRow, endRow int) {
	col := bs.Column(ts._col.InputOffset)
	keyIdxs := ts._policy._keyIndexes
	if ts._useDictTranslation {
		for row := startRow; row < endRow; row++ {
			if !filter.RowIsValid(uint64(row)) {
				continue
			}
			if !col.Validity.RowIsValid(uint64(row)) {
				keyIdxs[row] = ts._policy.nullKeyIndex()
				continue
			}
			keyIdxs[row] = ts._dictKeyIndexes[col.DictIndexes[row]]
		}
		return
	}
	for row := startRow; row < endRow; row++ {
		if !filter.RowIsValid(uint64(row)) {
			continue
		}
		if !col.RowIsValid(row) {
			keyIdxs[row] = ts._policy.nullKeyIndex()
			continue
		}
		keyIdxs[row] = ts.insertBytes(ts.getSpan(col, row))
	}
}

func (ts *textKeyStrategy) EmitKey(keyIndex uint32, out *batch.RowBuffer) {
	off := ts._col.OutputOffset
	if keyIndex == ts._policy._nullKeyIndex {
		out.Values[off] = batch.Value{}
		out.IsNull[off] = true
		return
	}
	out.Values[off] = batch.Value{Bytes: ts._outputKeys[keyIndex-1]}
	out.IsNull[off] = false
}

func (ts *textKeyStrategy) SizeBytes() int64 {
	return ts._table.SizeBytes() +
		int64(len(ts._outputKeys))*int64(16) +
		ts._storedKeyBytes
}

func (ts *textKeyStrategy) ExplainName() string {
	return "single text key"
}
