// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vecagg

import (
	"bytes"
	"unsafe"

	dec "github.com/govalues/decimal"

	"github.com/daviszhen/vecagg/pkg/batch"
	"github.com/daviszhen/vecagg/pkg/util"
)

type fixedPayload interface {
	~int16 | ~int32 | ~int64 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

func stateSize[STATE any]() int {
	var val STATE
	return int(unsafe.Sizeof(val))
}

func initStates[STATE any](states unsafe.Pointer, count int) {
	slice := util.PointerToSlice[STATE](states, count)
	var zero STATE
	for i := range slice {
		slice[i] = zero
	}
}

func argValue[T fixedPayload](col *batch.ColumnValues, row int) T {
	if col.DecompType == batch.DT_Scalar {
		return util.Load[T](unsafe.Pointer(&col.ScalarValue.U64))
	}
	return batch.GetFixedSlice[T](col)[row]
}

func rawBits[T fixedPayload](v T) uint64 {
	var u uint64
	util.Store[T](v, unsafe.Pointer(&u))
	return u
}

type countState struct {
	_count int64
}

// CountStarAggr counts rows per group regardless of any argument.
func CountStarAggr() *AggrFuncs {
	sz := stateSize[countState]()
	return &AggrFuncs{
		_name:       "count_star",
		_stateBytes: sz,
		_init:       initStates[countState],
		_manyVector: func(states unsafe.Pointer, keyIndexes []uint32,
			filter *util.Bitmap, startRow, endRow int,
			col *batch.ColumnValues, arena *util.Arena) {
			for row := startRow; row < endRow; row++ {
				if !filter.RowIsValid(uint64(row)) {
					continue
				}
				st := (*countState)(stateAt(states, sz, keyIndexes[row]))
				st._count++
			}
		},
		_scalar: func(state unsafe.Pointer, val batch.Value, isNull bool,
			count int, arena *util.Arena) {
			(*countState)(state)._count += int64(count)
		},
		_emit: func(state unsafe.Pointer, outVal *batch.Value, outIsNull *bool) {
			outVal.U64 = rawBits((*countState)(state)._count)
			*outIsNull = false
		},
	}
}

// CountAggr counts non null argument rows per group. Null arguments are
// assumed to be masked out of the filter already.
func CountAggr() *AggrFuncs {
	af := CountStarAggr()
	af._name = "count"
	af._scalar = func(state unsafe.Pointer, val batch.Value, isNull bool,
		count int, arena *util.Arena) {
		if isNull {
			return
		}
		(*countState)(state)._count += int64(count)
	}
	return af
}

type sumState[R int64 | uint64 | float64] struct {
	_sum   R
	_count uint64
}

// SumAggr sums the argument per group. T is the input payload, R the
// accumulator type. Groups with no non null input emit null.
func SumAggr[T fixedPayload, R int64 | uint64 | float64]() *AggrFuncs {
	sz := stateSize[sumState[R]]()
	return &AggrFuncs{
		_name:       "sum",
		_stateBytes: sz,
		_init:       initStates[sumState[R]],
		_manyVector: func(states unsafe.Pointer, keyIndexes []uint32,
			filter *util.Bitmap, startRow, endRow int,
			col *batch.ColumnValues, arena *util.Arena) {
			for row := startRow; row < endRow; row++ {
				if !filter.RowIsValid(uint64(row)) {
					continue
				}
				st := (*sumState[R])(stateAt(states, sz, keyIndexes[row]))
				st._sum += R(argValue[T](col, row))
				st._count++
			}
		},
		_scalar: func(state unsafe.Pointer, val batch.Value, isNull bool,
			count int, arena *util.Arena) {
			if isNull {
				return
			}
			st := (*sumState[R])(state)
			v := util.Load[T](unsafe.Pointer(&val.U64))
			st._sum += R(v) * R(count)
			st._count += uint64(count)
		},
		_emit: func(state unsafe.Pointer, outVal *batch.Value, outIsNull *bool) {
			st := (*sumState[R])(state)
			if st._count == 0 {
				*outIsNull = true
				return
			}
			outVal.U64 = rawBits(st._sum)
			*outIsNull = false
		},
	}
}

type minMaxState[T fixedPayload] struct {
	_val  T
	_seen bool
}

func minMaxAggr[T fixedPayload](name string, better func(cand, cur T) bool) *AggrFuncs {
	sz := stateSize[minMaxState[T]]()
	fold := func(st *minMaxState[T], v T) {
		if !st._seen || better(v, st._val) {
			st._val = v
			st._seen = true
		}
	}
	return &AggrFuncs{
		_name:       name,
		_stateBytes: sz,
		_init:       initStates[minMaxState[T]],
		_manyVector: func(states unsafe.Pointer, keyIndexes []uint32,
			filter *util.Bitmap, startRow, endRow int,
			col *batch.ColumnValues, arena *util.Arena) {
			for row := startRow; row < endRow; row++ {
				if !filter.RowIsValid(uint64(row)) {
					continue
				}
				st := (*minMaxState[T])(stateAt(states, sz, keyIndexes[row]))
				fold(st, argValue[T](col, row))
			}
		},
		_scalar: func(state unsafe.Pointer, val batch.Value, isNull bool,
			count int, arena *util.Arena) {
			if isNull || count == 0 {
				return
			}
			fold((*minMaxState[T])(state), util.Load[T](unsafe.Pointer(&val.U64)))
		},
		_emit: func(state unsafe.Pointer, outVal *batch.Value, outIsNull *bool) {
			st := (*minMaxState[T])(state)
			if !st._seen {
				*outIsNull = true
				return
			}
			outVal.U64 = rawBits(st._val)
			*outIsNull = false
		},
	}
}

func MinAggr[T fixedPayload]() *AggrFuncs {
	return minMaxAggr[T]("min", func(cand, cur T) bool { return cand < cur })
}

func MaxAggr[T fixedPayload]() *AggrFuncs {
	return minMaxAggr[T]("max", func(cand, cur T) bool { return cand > cur })
}

type textMinMaxState struct {
	_data unsafe.Pointer
	_len  uint32
	_seen bool
}

func (st *textMinMaxState) bytes() []byte {
	if !st._seen {
		return nil
	}
	return util.PointerToSlice[byte](st._data, int(st._len))
}

func textMinMaxAggr(name string, better func(cand, cur []byte) bool) *AggrFuncs {
	sz := stateSize[textMinMaxState]()
	fold := func(st *textMinMaxState, span []byte, arena *util.Arena) {
		if st._seen && !better(span, st.bytes()) {
			return
		}
		stored := arena.AllocCopy(span)
		if len(stored) == 0 {
			st._data = nil
		} else {
			st._data = util.BytesSliceToPointer(stored)
		}
		st._len = uint32(len(span))
		st._seen = true
	}
	return &AggrFuncs{
		_name:       name,
		_stateBytes: sz,
		_init:       initStates[textMinMaxState],
		_manyVector: func(states unsafe.Pointer, keyIndexes []uint32,
			filter *util.Bitmap, startRow, endRow int,
			col *batch.ColumnValues, arena *util.Arena) {
			for row := startRow; row < endRow; row++ {
				if !filter.RowIsValid(uint64(row)) {
					continue
				}
				st := (*textMinMaxState)(stateAt(states, sz, keyIndexes[row]))
				fold(st, textSpanOf(col, row), arena)
			}
		},
		_scalar: func(state unsafe.Pointer, val batch.Value, isNull bool,
			count int, arena *util.Arena) {
			if isNull || count == 0 {
				return
			}
			fold((*textMinMaxState)(state), val.Bytes, arena)
		},
		_emit: func(state unsafe.Pointer, outVal *batch.Value, outIsNull *bool) {
			st := (*textMinMaxState)(state)
			if !st._seen {
				*outIsNull = true
				return
			}
			outVal.Bytes = st.bytes()
			*outIsNull = false
		},
	}
}

func MinTextAggr() *AggrFuncs {
	return textMinMaxAggr("min", func(cand, cur []byte) bool {
		return bytes.Compare(cand, cur) < 0
	})
}

func MaxTextAggr() *AggrFuncs {
	return textMinMaxAggr("max", func(cand, cur []byte) bool {
		return bytes.Compare(cand, cur) > 0
	})
}

type avgDecState struct {
	_sum   int64
	_count int64
}

// AvgDecimalAggr averages a decimal column stored as scaled int64 values.
// The result is the decimal string of sum divided by count.
func AvgDecimalAggr(scale int) *AggrFuncs {
	sz := stateSize[avgDecState]()
	return &AggrFuncs{
		_name:       "avg",
		_stateBytes: sz,
		_init:       initStates[avgDecState],
		_manyVector: func(states unsafe.Pointer, keyIndexes []uint32,
			filter *util.Bitmap, startRow, endRow int,
			col *batch.ColumnValues, arena *util.Arena) {
			for row := startRow; row < endRow; row++ {
				if !filter.RowIsValid(uint64(row)) {
					continue
				}
				st := (*avgDecState)(stateAt(states, sz, keyIndexes[row]))
				st._sum += argValue[int64](col, row)
				st._count++
			}
		},
		_scalar: func(state unsafe.Pointer, val batch.Value, isNull bool,
			count int, arena *util.Arena) {
			if isNull {
				return
			}
			st := (*avgDecState)(state)
			st._sum += int64(val.U64) * int64(count)
			st._count += int64(count)
		},
		_emit: func(state unsafe.Pointer, outVal *batch.Value, outIsNull *bool) {
			st := (*avgDecState)(state)
			if st._count == 0 {
				*outIsNull = true
				return
			}
			sum := dec.MustNew(st._sum, scale)
			cnt := dec.MustNew(st._count, 0)
			quo, err := sum.Quo(cnt)
			if err != nil {
				panic(err)
			}
			outVal.Bytes = []byte(quo.String())
			*outIsNull = false
		},
	}
}
