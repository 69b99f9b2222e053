package util

import "math/bits"

// Bitmap is a validity/filter mask with 64-row word granularity. A nil word
// slice means every row is valid.
type Bitmap struct {
	Words []uint64
}

func NewBitmap(count int) *Bitmap {
	bm := &Bitmap{}
	bm.Init(count)
	return bm
}

func (bm *Bitmap) Init(count int) {
	cnt := EntryCount(count)
	bm.Words = make([]uint64, cnt)
	for i := range bm.Words {
		bm.Words[i] = ^uint64(0)
	}
}

func (bm *Bitmap) Invalid() bool {
	return len(bm.Words) == 0
}

func (bm *Bitmap) IsMaskSet() bool {
	return bm != nil && bm.Words != nil
}

func (bm *Bitmap) AllValid() bool {
	return !bm.IsMaskSet()
}

func (bm *Bitmap) GetEntry(eIdx uint64) uint64 {
	if bm == nil || bm.Invalid() {
		return ^uint64(0)
	}
	return bm.Words[eIdx]
}

func GetEntryIndex(idx uint64) (uint64, uint64) {
	return idx / 64, idx % 64
}

func EntryIsSet(e uint64, pos uint64) bool {
	return e&(1<<pos) != 0
}

func NoneValidInEntry(e uint64) bool {
	return e == 0
}

func AllValidInEntry(e uint64) bool {
	return e == ^uint64(0)
}

func (bm *Bitmap) RowIsValidUnsafe(idx uint64) bool {
	eIdx, pos := GetEntryIndex(idx)
	return EntryIsSet(bm.GetEntry(eIdx), pos)
}

func (bm *Bitmap) RowIsValid(idx uint64) bool {
	if bm == nil || bm.Invalid() {
		return true
	}
	return bm.RowIsValidUnsafe(idx)
}

func (bm *Bitmap) SetValidUnsafe(idx uint64) {
	eIdx, pos := GetEntryIndex(idx)
	bm.Words[eIdx] |= 1 << pos
}

func (bm *Bitmap) SetInvalidUnsafe(idx uint64) {
	eIdx, pos := GetEntryIndex(idx)
	bm.Words[eIdx] &= ^(uint64(1) << pos)
}

func (bm *Bitmap) SetInvalid(idx uint64) {
	AssertFunc(!bm.Invalid())
	bm.SetInvalidUnsafe(idx)
}

func (bm *Bitmap) Set(idx uint64, valid bool) {
	if valid {
		bm.SetValidUnsafe(idx)
	} else {
		bm.SetInvalidUnsafe(idx)
	}
}

func (bm *Bitmap) Reset() {
	bm.Words = nil
}

func EntryCount(cnt int) int {
	return (cnt + 63) / 64
}

func (bm *Bitmap) PrepareSpace(cnt int) {
	need := EntryCount(cnt)
	if len(bm.Words) < need {
		bm.Words = make([]uint64, need)
	}
}

func (bm *Bitmap) SetAllInvalid(cnt int) {
	bm.PrepareSpace(cnt)
	for i := 0; i < EntryCount(cnt); i++ {
		bm.Words[i] = 0
	}
}

func (bm *Bitmap) SetAllValid(cnt int) {
	bm.PrepareSpace(cnt)
	for i := 0; i < EntryCount(cnt); i++ {
		bm.Words[i] = ^uint64(0)
	}
}

// CountValid counts the valid rows among the first count rows.
func (bm *Bitmap) CountValid(count int) int {
	if bm == nil || bm.Invalid() {
		return count
	}
	valid := 0
	eCnt := EntryCount(count)
	for i := 0; i < eCnt; i++ {
		w := bm.Words[i]
		if i == eCnt-1 && count%64 != 0 {
			w &= (uint64(1) << uint(count%64)) - 1
		}
		valid += bits.OnesCount64(w)
	}
	return valid
}
