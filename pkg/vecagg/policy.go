package vecagg

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/huandu/go-clone"
	"go.uber.org/zap"

	"github.com/daviszhen/vecagg/pkg/batch"
	"github.com/daviszhen/vecagg/pkg/util"
)

const (
	// MaxRowsPerBatch bounds the rows of one AddBatch call.
	MaxRowsPerBatch = 1 << 16

	defaultEmitMemoryLimit = int64(128) << 20
	defaultInitialCapacity = 1024
)

// PolicyStats counts work done since the last Reset.
type PolicyStats struct {
	Batches      int64
	Rows         int64
	FilteredRows int64
	Groups       int64
	EmittedRows  int64
}

// GroupingPolicyHash aggregates batches into per group states addressed by
// dense key indexes. It alternates between an accumulating phase fed by
// AddBatch and an emitting phase drained by DoEmit, Reset starts a new
// accumulating phase keeping the allocated capacity.
type GroupingPolicyHash struct {
	_aggrDefs     []*AggrDef
	_groupingCols []GroupingColumn
	_strategy     hashingStrategy
	_arena        *util.Arena

	// _perAggrStates[i] holds _numStateRows states of aggregate i back to
	// back. Row 0 belongs to the reserved key index and stays unused.
	_perAggrStates [][]byte
	_numStateRows  int
	// key indexes 1.._lastUsedKeyIndex are live,
	// 1.._lastInitializedKeyIndex have initialized states.
	_lastUsedKeyIndex        uint32
	_lastInitializedKeyIndex uint32
	// _nullKeyIndex is the shared index of the null key, zero until the
	// first null grouping value shows up.
	_nullKeyIndex uint32

	_keyIndexes  []uint32
	_tmpFilter   *util.Bitmap
	_fusedFilter *util.Bitmap

	_returningResults bool
	_drained          bool
	_emitCursor       uint32
	_emitMemoryLimit  int64
	_initialCapacity  int
	_arenaBlockSize   int

	_stats PolicyStats
	_owner util.OwnerGuard
}

type PolicyOption func(*GroupingPolicyHash)

func WithEmitMemoryLimit(limit int64) PolicyOption {
	return func(p *GroupingPolicyHash) {
		p._emitMemoryLimit = limit
	}
}

func WithInitialCapacity(capacity int) PolicyOption {
	return func(p *GroupingPolicyHash) {
		p._initialCapacity = capacity
	}
}

// WithArenaBlockSize sets the block size of the key and value arena.
func WithArenaBlockSize(blockSize int) PolicyOption {
	return func(p *GroupingPolicyHash) {
		p._arenaBlockSize = blockSize
	}
}

func NewGroupingPolicyHash(aggrDefs []*AggrDef, groupingCols []GroupingColumn,
	opts ...PolicyOption) (*GroupingPolicyHash, error) {
	for i := range groupingCols {
		w := groupingCols[i].ValueBytes
		if w != 2 && w != 4 && w != 8 && w != VarlenWidth {
			return nil, fmt.Errorf("unsupported grouping key width %d", w)
		}
	}
	for _, def := range aggrDefs {
		if def.Func == nil {
			return nil, fmt.Errorf("aggregate without implementation")
		}
	}
	p := &GroupingPolicyHash{
		_aggrDefs:        aggrDefs,
		_groupingCols:    clone.Clone(groupingCols).([]GroupingColumn),
		_emitMemoryLimit: defaultEmitMemoryLimit,
		_initialCapacity: defaultInitialCapacity,
		_tmpFilter:       &util.Bitmap{},
		_fusedFilter:     &util.Bitmap{},
	}
	for _, opt := range opts {
		opt(p)
	}
	strategy, err := chooseStrategy(p._groupingCols, p._initialCapacity)
	if err != nil {
		return nil, err
	}
	p._strategy = strategy
	p._arena = util.NewArena(p._arenaBlockSize)
	p._perAggrStates = make([][]byte, len(aggrDefs))
	p._keyIndexes = make([]uint32, MaxRowsPerBatch)
	strategy.Init(p)
	return p, nil
}

// nextKeyIndex hands out the next unused key index.
func (p *GroupingPolicyHash) nextKeyIndex() uint32 {
	p._lastUsedKeyIndex++
	p._stats.Groups++
	return p._lastUsedKeyIndex
}

// nullKeyIndex returns the shared null key index, allocating it lazily.
func (p *GroupingPolicyHash) nullKeyIndex() uint32 {
	if p._nullKeyIndex == 0 {
		p._nullKeyIndex = p.nextKeyIndex()
	}
	return p._nullKeyIndex
}

// AddBatch folds one batch into the group states. It must not be called
// while results are being emitted.
func (p *GroupingPolicyHash) AddBatch(bs *batch.BatchState) {
	p._owner.Check()
	util.AssertFunc(!p._returningResults)
	util.AssertFunc(bs.RowCount <= MaxRowsPerBatch)
	p._stats.Batches++
	p._stats.Rows += int64(bs.RowCount)
	p._stats.FilteredRows += int64(bs.RowCount - bs.Filter.CountValid(bs.RowCount))

	util.Fill(p._keyIndexes, bs.RowCount, 0)
	p._strategy.PrepareForBatch(bs)
	for start := 0; start < bs.RowCount; {
		span := nextFilterSpan(bs.Filter, bs.RowCount, start)
		switch span._class {
		case spanNonePass:
		case spanAllPass:
			p._strategy.FillKeyIndexes(bs, nil, span._start, span._end)
		case spanMixed:
			p._strategy.FillKeyIndexes(bs, bs.Filter, span._start, span._end)
		}
		start = span._end
	}
	p.initNewStates()
	for _, def := range p._aggrDefs {
		p.computeAggregate(def, bs)
	}
}

// initNewStates grows the state arrays to cover every handed out key index
// and initializes exactly the fresh range once.
func (p *GroupingPolicyHash) initNewStates() {
	if p._lastUsedKeyIndex <= p._lastInitializedKeyIndex {
		return
	}
	need := int(p._lastUsedKeyIndex) + 1
	if need > p._numStateRows {
		newRows := p._numStateRows
		if newRows == 0 {
			newRows = p._initialCapacity
		}
		for newRows < need {
			newRows = newRows*2 + 1
		}
		for i, def := range p._aggrDefs {
			sz := def.Func._stateBytes
			grown := util.GAlloc.Alloc(newRows * sz)
			copy(grown, p._perAggrStates[i])
			util.GAlloc.Free(p._perAggrStates[i])
			p._perAggrStates[i] = grown
		}
		p._numStateRows = newRows
	}
	first := p._lastInitializedKeyIndex + 1
	count := int(p._lastUsedKeyIndex - p._lastInitializedKeyIndex)
	for i, def := range p._aggrDefs {
		states := util.BytesSliceToPointer(p._perAggrStates[i])
		def.Func._init(stateAt(states, def.Func._stateBytes, first), count)
	}
	p._lastInitializedKeyIndex = p._lastUsedKeyIndex
}

func (p *GroupingPolicyHash) groupingAllScalar(bs *batch.BatchState) bool {
	for i := range p._groupingCols {
		if bs.Column(p._groupingCols[i].InputOffset).DecompType != batch.DT_Scalar {
			return false
		}
	}
	return true
}

func (p *GroupingPolicyHash) computeAggregate(def *AggrDef, bs *batch.BatchState) {
	var argCol *batch.ColumnValues
	if def.InputOffset >= 0 {
		argCol = bs.Column(def.InputOffset)
	}

	var validity *util.Bitmap
	if argCol != nil && argCol.DecompType != batch.DT_Scalar {
		validity = argCol.Validity
	}
	fused := fuseFilters(p._fusedFilter, bs.RowCount, bs.Filter, def.Filter, validity)

	states := util.BytesSliceToPointer(p._perAggrStates[indexOfDef(p._aggrDefs, def)])

	// when every grouping column is scalar the whole batch lands on one
	// key index and a constant argument folds in one call
	if (argCol == nil || argCol.DecompType == batch.DT_Scalar) &&
		p.groupingAllScalar(bs) && def.Func._scalar != nil {
		passing := fused.CountValid(bs.RowCount)
		if passing == 0 {
			return
		}
		keyIndex := p.firstPassingKeyIndex(bs, fused)
		val := batch.Value{}
		isNull := false
		if argCol != nil {
			val = argCol.ScalarValue
			isNull = argCol.ScalarIsNull
		}
		def.Func._scalar(stateAt(states, def.Func._stateBytes, keyIndex),
			val, isNull, passing, p._arena)
		return
	}

	// a constant argument never takes the arrow path, only the single state
	// accumulate sees the scalar null flag
	if argCol != nil && argCol.DecompType == batch.DT_Scalar {
		p.scalarArgument(def, states, bs, fused, argCol)
		return
	}

	for start := 0; start < bs.RowCount; {
		span := nextFilterSpan(fused, bs.RowCount, start)
		switch span._class {
		case spanNonePass:
		case spanAllPass:
			def.Func._manyVector(states, p._keyIndexes, nil,
				span._start, span._end, argCol, p._arena)
		case spanMixed:
			def.Func._manyVector(states, p._keyIndexes, fused,
				span._start, span._end, argCol, p._arena)
		}
		start = span._end
	}
}

// scalarArgument accumulates a scalar value row at a time, equivalent to the
// vectorized path over an array repeating that value.
func (p *GroupingPolicyHash) scalarArgument(def *AggrDef, states unsafe.Pointer,
	bs *batch.BatchState, fused *util.Bitmap, argCol *batch.ColumnValues) {
	util.AssertFunc(def.Func._scalar != nil)
	for start := 0; start < bs.RowCount; {
		span := nextFilterSpan(fused, bs.RowCount, start)
		if span._class != spanNonePass {
			for row := span._start; row < span._end; row++ {
				if span._class == spanMixed && !fused.RowIsValid(uint64(row)) {
					continue
				}
				def.Func._scalar(stateAt(states, def.Func._stateBytes, p._keyIndexes[row]),
					argCol.ScalarValue, argCol.ScalarIsNull, 1, p._arena)
			}
		}
		start = span._end
	}
}

func (p *GroupingPolicyHash) firstPassingKeyIndex(bs *batch.BatchState, fused *util.Bitmap) uint32 {
	for row := 0; row < bs.RowCount; row++ {
		if fused.RowIsValid(uint64(row)) {
			return p._keyIndexes[row]
		}
	}
	panic("no passing row")
}

func indexOfDef(defs []*AggrDef, def *AggrDef) int {
	for i := range defs {
		if defs[i] == def {
			return i
		}
	}
	panic("unknown aggregate")
}

// ShouldEmit reports whether the accumulated state should be drained before
// the next batch, either because key indexes could overflow or because the
// memory footprint crossed the limit.
func (p *GroupingPolicyHash) ShouldEmit() bool {
	p._owner.Check()
	if p._returningResults {
		return true
	}
	if uint64(p._lastUsedKeyIndex) > uint64(math.MaxUint32)-2*uint64(MaxRowsPerBatch) {
		return true
	}
	return p.memoryFootprint() > p._emitMemoryLimit
}

func (p *GroupingPolicyHash) memoryFootprint() int64 {
	total := p._strategy.SizeBytes() + int64(p._arena.TotalBytes())
	for _, def := range p._aggrDefs {
		total += int64(p._numStateRows) * int64(def.Func._stateBytes)
	}
	return total
}

// DoEmit writes the next group into out and returns true, or returns false
// once every group has been emitted. Groups come out in key discovery order.
func (p *GroupingPolicyHash) DoEmit(out *batch.RowBuffer) bool {
	p._owner.Check()
	if p._drained {
		return false
	}
	if !p._returningResults {
		p._returningResults = true
		p._emitCursor = 1
		util.Debug("emission started",
			zap.Uint32("groups", p._lastUsedKeyIndex),
			zap.Int64("footprint", p.memoryFootprint()))
	}
	if p._emitCursor > p._lastUsedKeyIndex {
		p._drained = true
		return false
	}
	keyIndex := p._emitCursor
	p._emitCursor++
	p._stats.EmittedRows++

	p._strategy.EmitKey(keyIndex, out)
	for i, def := range p._aggrDefs {
		states := util.BytesSliceToPointer(p._perAggrStates[i])
		def.Func._emit(stateAt(states, def.Func._stateBytes, keyIndex),
			&out.Values[def.OutputOffset], &out.IsNull[def.OutputOffset])
	}
	return true
}

// Reset starts a new accumulating phase. Allocated capacity is retained.
func (p *GroupingPolicyHash) Reset() {
	p._owner.Check()
	p._strategy.Reset()
	p._arena.Reset()
	p._lastUsedKeyIndex = 0
	p._lastInitializedKeyIndex = 0
	p._nullKeyIndex = 0
	p._returningResults = false
	p._drained = false
	p._emitCursor = 0
	p._stats = PolicyStats{}
}

func (p *GroupingPolicyHash) Stats() PolicyStats {
	return p._stats
}

// GroupCount reports the groups discovered so far.
func (p *GroupingPolicyHash) GroupCount() int {
	return int(p._lastUsedKeyIndex)
}
