// Copyright 2024 The SGX-EMM Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sgxmm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/intel/sgx-emm/internal/bitarray"
	"github.com/intel/sgx-emm/rtabs"
)

// list is one of the EMM's two EMA roots (spec §3, "Two roots"): a
// sentinel-guarded circular doubly linked list, sorted strictly by
// start, whose members all lie within the window this list owns. This
// mirrors the cyclic-sentinel structure spec §9 calls out explicitly,
// rather than the head/tail-nil style of the teacher's own pkg/ilist —
// the sentinel is what makes ema_new's "reserve the range before the
// heap-allocated replacement arrives" trick (§9) a pure relink with no
// head/tail special case, so it is kept even though package emalloc
// no longer serves the node allocation itself (see ema.go).
type list struct {
	guard ema

	isRTS             bool
	userBase, userEnd uintptr
	rt                rtabs.Runtime
}

func newList(userBase, userEnd uintptr, isRTS bool, rt rtabs.Runtime) *list {
	l := &list{isRTS: isRTS, userBase: userBase, userEnd: userEnd, rt: rt}
	l.guard.isGuard = true
	l.guard.next = &l.guard
	l.guard.prev = &l.guard
	return l
}

func (l *list) empty() bool { return l.guard.next == &l.guard }

func (l *list) front() *ema { return l.guard.next }
func (l *list) back() *ema  { return l.guard.prev }

// windowContains reports whether [start, end) lies entirely within the
// window this list owns. The RTS window is "everything outside
// [userBase, userEnd)" (spec §3), which may be two disjoint ranges, so
// this is "does not overlap the user window" rather than a single
// [lo, hi) containment test; the user list's window is the ordinary
// single range.
func (l *list) windowContains(start, end uintptr) bool {
	if end < start {
		return false
	}
	if l.isRTS {
		return end <= l.userBase || start >= l.userEnd
	}
	return start >= l.userBase && end <= l.userEnd
}

// insertBefore splices n into the list immediately before at.
func (l *list) insertBefore(at, n *ema) {
	n.next = at
	n.prev = at.prev
	at.prev.next = n
	at.prev = n
}

// remove unlinks n from the list. It detects link corruption the same
// way the original's list_remove does (spec §4.3 "destroy") and aborts,
// since a corrupt list means the driver's model has already diverged
// from reality and continuing could silently lose track of committed
// pages.
func (l *list) remove(n *ema) {
	if n.prev.next != n || n.next.prev != n {
		panic(fmt.Sprintf("sgxmm: EMA list corruption detected removing [%#x, %#x)", n.start, n.end))
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev, n.next = nil, nil
}

// search returns the unique ema containing addr, or nil.
func (l *list) search(addr uintptr) *ema {
	for e := l.guard.next; e != &l.guard; e = e.next {
		if e.covers(addr) {
			return e
		}
		if e.start > addr {
			break
		}
	}
	return nil
}

// searchRange returns the half-open span [first, last) of nodes that
// could overlap [start, end): first is the first node with end > start
// (or the guard if none), and last is the node immediately after the
// last node with start < end (or the guard if none). Spec §4.3.
func (l *list) searchRange(start, end uintptr) (first, last *ema) {
	first, last = &l.guard, &l.guard
	for e := l.guard.next; e != &l.guard; e = e.next {
		if first == &l.guard && e.end > start {
			first = e
		}
		if e.start < end {
			last = e.next
		}
	}
	return first, last
}

func alignUp(addr, align uintptr) uintptr {
	if align <= 1 {
		return addr
	}
	return (addr + align - 1) &^ (align - 1)
}

func alignDown(addr, align uintptr) uintptr {
	if align <= 1 {
		return addr
	}
	return addr &^ (align - 1)
}

// regionOK reports whether [addr, addr+size) is a candidate free region:
// it does not overflow, lies within this list's window, and — for the
// RTS list — lies within the enclave image per the runtime's predicate.
func (l *list) regionOK(addr, size uintptr) bool {
	end := addr + size
	if end < addr {
		return false
	}
	if !l.windowContains(addr, end) {
		return false
	}
	if l.isRTS && l.rt != nil && !l.rt.IsWithinEnclave(addr, size) {
		return false
	}
	return true
}

// findFreeRegion implements spec §4.3's find_free_region: for an empty
// window, prefer the highest aligned address below user_base (RTS) or
// the aligned user_base itself (user); otherwise take the first
// sufficiently large gap between nodes in address order, then the space
// above the last node, then the space below the first node.
func (l *list) findFreeRegion(size, align uintptr) (uintptr, error) {
	if align == 0 {
		align = PageSize
	}
	if l.empty() {
		var addr uintptr
		if l.isRTS {
			addr = alignDown(l.userBase-size, align)
		} else {
			addr = alignUp(l.userBase, align)
		}
		if l.regionOK(addr, size) {
			return addr, nil
		}
		return 0, unix.ENOMEM
	}

	prevEnd := uintptr(0)
	first := true
	for e := l.guard.next; e != &l.guard; e = e.next {
		if !first {
			gapStart := alignUp(prevEnd, align)
			if gapStart+size >= gapStart && gapStart+size <= e.start && l.regionOK(gapStart, size) {
				return gapStart, nil
			}
		}
		first = false
		prevEnd = e.end
	}

	if addr := alignUp(l.back().end, align); l.regionOK(addr, size) {
		return addr, nil
	}
	if addr := alignDown(l.front().start-size, align); l.regionOK(addr, size) {
		return addr, nil
	}
	return 0, unix.ENOMEM
}

// findFreeRegionAt reports success iff [addr, addr+size) is entirely
// free and inside this list's window.
func (l *list) findFreeRegionAt(addr, size uintptr) error {
	if !l.regionOK(addr, size) {
		return unix.EINVAL
	}
	first, last := l.searchRange(addr, addr+size)
	if first != last {
		return unix.EEXIST
	}
	return nil
}

// split divides e into two nodes at addr, which must satisfy
// e.start < addr < e.end. newLower selects which half the freshly
// allocated node takes; the other half is e itself, mutated in place.
// lowerBitmap/higherBitmap are the two halves of e's original bitmap
// split by the caller (Manager.splitBitmapAt in manager.go), or both
// nil if e had none. split returns the freshly allocated node.
func (l *list) split(e *ema, addr uintptr, newLower bool, lowerBitmap, higherBitmap *bitarray.Array) *ema {
	n := e.clone()
	if newLower {
		n.start, n.end = e.start, addr
		n.bitmap = lowerBitmap
		e.start = addr
		e.bitmap = higherBitmap
		l.insertBefore(e, n)
	} else {
		n.start, n.end = addr, e.end
		n.bitmap = higherBitmap
		e.end = addr
		e.bitmap = lowerBitmap
		l.insertBefore(e.next, n)
	}
	return n
}
