package vecagg

import (
	"unsafe"

	"github.com/daviszhen/vecagg/pkg/util"
)

const (
	LOAD_FACTOR          = 1.5
	defaultTableCapacity = 1024
)

// htEntry is one open addressing slot. _keyIndex zero marks an empty slot,
// zero is never a valid key index.
type htEntry[K any] struct {
	_key      K
	_keyIndex uint32
}

// keyTable maps grouping keys to key indexes with linear probing.
type keyTable[K any] struct {
	_entries []htEntry[K]
	_count   int
	_bitmask uint64
	_hash    func(K) uint64
	_equal   func(K, K) bool
}

func newKeyTable[K any](capacity int, hash func(K) uint64, equal func(K, K) bool) *keyTable[K] {
	if capacity <= 0 {
		capacity = defaultTableCapacity
	}
	cap2 := util.NextPowerOfTwo(uint64(capacity))
	util.AssertFunc(util.IsPowerOfTwo(cap2))
	ht := &keyTable[K]{
		_entries: make([]htEntry[K], cap2),
		_bitmask: cap2 - 1,
		_hash:    hash,
		_equal:   equal,
	}
	return ht
}

// Insert finds or creates the slot for key. The second result is true when
// the key was already present. A newly created slot has _keyIndex zero and
// the caller must assign the key index before the next Insert.
func (ht *keyTable[K]) Insert(key K) (*htEntry[K], bool) {
	if float64(ht._count)*LOAD_FACTOR >= float64(len(ht._entries)) {
		ht.grow()
	}
	idx := ht._hash(key) & ht._bitmask
	for {
		ent := &ht._entries[idx]
		if ent._keyIndex == 0 {
			ent._key = key
			ht._count++
			return ent, false
		}
		if ht._equal(ent._key, key) {
			return ent, true
		}
		idx = (idx + 1) & ht._bitmask
	}
}

func (ht *keyTable[K]) grow() {
	old := ht._entries
	ht._entries = make([]htEntry[K], len(old)*2)
	ht._bitmask = uint64(len(ht._entries)) - 1
	for i := range old {
		if old[i]._keyIndex == 0 {
			continue
		}
		idx := ht._hash(old[i]._key) & ht._bitmask
		for ht._entries[idx]._keyIndex != 0 {
			idx = (idx + 1) & ht._bitmask
		}
		ht._entries[idx] = old[i]
	}
}

func (ht *keyTable[K]) Count() int {
	return ht._count
}

// Reset empties the table but keeps its capacity.
func (ht *keyTable[K]) Reset() {
	clear(ht._entries)
	ht._count = 0
}

func (ht *keyTable[K]) SizeBytes() int64 {
	var e htEntry[K]
	return int64(len(ht._entries)) * int64(unsafe.Sizeof(e))
}
