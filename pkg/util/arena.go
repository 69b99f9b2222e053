package util

const (
	defaultArenaBlockSize = 64 * 1024
)

// Arena hands out byte slices from large blocks. Allocations stay alive
// until Reset. The arena is not safe for concurrent use.
type Arena struct {
	_blockSize int
	_blocks    [][]byte
	_cur       []byte
	_off       int
	_total     int
}

func NewArena(blockSize int) *Arena {
	if blockSize <= 0 {
		blockSize = defaultArenaBlockSize
	}
	return &Arena{
		_blockSize: blockSize,
	}
}

func (a *Arena) Alloc(sz int) []byte {
	AssertFunc(sz >= 0)
	if sz == 0 {
		return nil
	}
	if sz > a._blockSize {
		// oversized allocation gets a dedicated block
		blk := GAlloc.Alloc(sz)
		a._blocks = append(a._blocks, blk)
		a._total += sz
		return blk
	}
	if a._cur == nil || a._off+sz > a._blockSize {
		a._cur = GAlloc.Alloc(a._blockSize)
		a._blocks = append(a._blocks, a._cur)
		a._off = 0
		a._total += a._blockSize
	}
	ret := a._cur[a._off : a._off+sz : a._off+sz]
	a._off += sz
	return ret
}

// AllocCopy copies data into arena owned memory.
func (a *Arena) AllocCopy(data []byte) []byte {
	dst := a.Alloc(len(data))
	copy(dst, data)
	return dst
}

// Reset drops every block except the current bump block so the next round
// reuses its capacity.
func (a *Arena) Reset() {
	for _, blk := range a._blocks {
		if a._cur != nil && len(blk) == a._blockSize && &blk[0] == &a._cur[0] {
			continue
		}
		GAlloc.Free(blk)
	}
	a._blocks = a._blocks[:0]
	a._total = 0
	a._off = 0
	if a._cur != nil {
		a._blocks = append(a._blocks, a._cur)
		a._total = a._blockSize
	}
}

func (a *Arena) TotalBytes() int {
	return a._total
}
