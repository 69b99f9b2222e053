package util

import (
	"sync/atomic"

	"github.com/petermattis/goid"
)

// OwnerGuard pins a structure to the first goroutine that touches it and
// panics if another goroutine uses it afterwards.
type OwnerGuard struct {
	_owner atomic.Int64
}

func (g *OwnerGuard) Check() {
	rid := goid.Get()
	if g._owner.CompareAndSwap(0, rid) {
		return
	}
	AssertFunc(g._owner.Load() == rid)
}

func (g *OwnerGuard) Release() {
	g._owner.Store(0)
}
