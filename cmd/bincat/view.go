package main

import (
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/zhouat/bincat/pkg/cfa"
)

// taintView is the console's rendition of address annotations.
type taintView struct {
	mu    sync.Mutex
	taint map[cfa.Address]bool
}

func newTaintView() *taintView {
	return &taintView{taint: map[cfa.Address]bool{}}
}

func (v *taintView) SetTaint(addr cfa.Address, tainted bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.taint[addr] = tainted
}

func (v *taintView) ClearAll(addrs []cfa.Address) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, addr := range addrs {
		delete(v.taint, addr)
	}
}

func (v *taintView) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.taint)
}

func (v *taintView) Tainted() []cfa.Address {
	v.mu.Lock()
	defer v.mu.Unlock()
	addrs := lo.Keys(lo.PickBy(v.taint, func(_ cfa.Address, tainted bool) bool { return tainted }))
	slices.Sort(addrs)
	return addrs
}
