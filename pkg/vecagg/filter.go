package vecagg

import (
	"github.com/daviszhen/vecagg/pkg/util"
)

type spanClass int

const (
	spanNonePass spanClass = iota
	spanAllPass
	spanMixed
)

// filterSpan is a run of rows with uniform filter behavior. Rows
// [_start, _end) either all pass, none pass, or need per row checks.
type filterSpan struct {
	_start int
	_end   int
	_class spanClass
}

func classifyFilterWord(w uint64, bits int) spanClass {
	if bits < 64 {
		w &= (uint64(1) << uint(bits)) - 1
		if w == (uint64(1)<<uint(bits))-1 {
			return spanAllPass
		}
	} else if util.AllValidInEntry(w) {
		return spanAllPass
	}
	if w == 0 {
		return spanNonePass
	}
	return spanMixed
}

// nextFilterSpan scans the filter from start and returns the longest span of
// uniform class. start must be word aligned or the final partial position.
func nextFilterSpan(f *util.Bitmap, rows int, start int) filterSpan {
	if !f.IsMaskSet() {
		return filterSpan{_start: start, _end: rows, _class: spanAllPass}
	}
	util.AssertFunc(start%64 == 0)
	eIdx := uint64(start / 64)
	bits := rows - start
	if bits > 64 {
		bits = 64
	}
	cls := classifyFilterWord(f.GetEntry(eIdx), bits)
	end := start + bits
	for end < rows {
		bits = rows - end
		if bits > 64 {
			bits = 64
		}
		if classifyFilterWord(f.GetEntry(uint64(end/64)), bits) != cls {
			break
		}
		end += bits
	}
	return filterSpan{_start: start, _end: end, _class: cls}
}

// fuseFilters ANDs the set masks among srcs into dst and returns the
// combined mask. Nil means every row passes. A single set mask is returned
// as is without copying.
func fuseFilters(dst *util.Bitmap, rows int, srcs ...*util.Bitmap) *util.Bitmap {
	var set []*util.Bitmap
	for _, s := range srcs {
		if s.IsMaskSet() {
			set = append(set, s)
		}
	}
	if len(set) == 0 {
		return nil
	}
	if len(set) == 1 {
		return set[0]
	}
	eCnt := util.EntryCount(rows)
	dst.PrepareSpace(rows)
	for i := 0; i < eCnt; i++ {
		w := set[0].Words[i]
		for _, s := range set[1:] {
			w &= s.Words[i]
		}
		dst.Words[i] = w
	}
	return dst
}
