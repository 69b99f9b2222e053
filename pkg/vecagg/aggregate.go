package vecagg

import (
	"unsafe"

	"github.com/daviszhen/vecagg/pkg/batch"
	"github.com/daviszhen/vecagg/pkg/util"
)

// VarlenWidth marks a variable length grouping column.
const VarlenWidth = -1

// GroupingColumn describes one grouping key.
type GroupingColumn struct {
	// InputOffset addresses the column inside incoming batches.
	InputOffset int
	// OutputOffset addresses the key inside emitted rows.
	OutputOffset int
	// ValueBytes is 2, 4 or 8 for fixed width keys, VarlenWidth for text.
	ValueBytes int
	// ByValue is true for fixed width keys.
	ByValue bool
}

// AggrDef describes one aggregate computed over the groups.
type AggrDef struct {
	Func *AggrFuncs
	// InputOffset addresses the argument column, -1 for no argument.
	InputOffset int
	// OutputOffset addresses the result inside emitted rows.
	OutputOffset int
	// Filter restricts the rows this aggregate sees. The caller owns the
	// mask and refreshes it before every AddBatch.
	Filter *util.Bitmap
}

// AggrFuncs is a vectorized aggregate implementation. States live back to
// back in caller owned byte arrays, _stateBytes apart.
type AggrFuncs struct {
	_name       string
	_stateBytes int
	_init       func(states unsafe.Pointer, count int)
	// _manyVector folds rows [startRow, endRow) of an array column into the
	// states addressed by keyIndexes.
	_manyVector func(states unsafe.Pointer, keyIndexes []uint32,
		filter *util.Bitmap, startRow, endRow int,
		col *batch.ColumnValues, arena *util.Arena)
	// _scalar folds one value, repeated count times, into a single state.
	_scalar func(state unsafe.Pointer, val batch.Value, isNull bool,
		count int, arena *util.Arena)
	_emit func(state unsafe.Pointer, outVal *batch.Value, outIsNull *bool)
}

func (af *AggrFuncs) Name() string {
	return af._name
}

func (af *AggrFuncs) StateBytes() int {
	return af._stateBytes
}

func stateAt(states unsafe.Pointer, stateBytes int, keyIndex uint32) unsafe.Pointer {
	return util.PointerAdd(states, int(keyIndex)*stateBytes)
}
