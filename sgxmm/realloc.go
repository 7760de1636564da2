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

import "golang.org/x/sys/unix"

// reserveRange records one span of address space this Manager has
// handed to its own internal heap via GrowReserve. reallocFromReserve
// refuses to repurpose any such span, mirroring can_erealloc's refusal
// to let the EMM's own bookkeeping memory be reclaimed out from under
// it (spec §4.4 "Realloc from reserve").
type reserveRange struct{ start, end uintptr }

func (m *Manager) backsInternalHeap(start, end uintptr) bool {
	for _, r := range m.reserveRanges {
		if start < r.end && end > r.start {
			return true
		}
	}
	return false
}

// reallocFromReserve is ema_realloc_from_reserve_range (spec §4.4):
// it converts a span of adjacent RESERVE EMAs covering exactly
// [start, end) into one freshly flagged EMA. It fails if the span has
// gaps, contains any non-RESERVE EMA, or contains memory backing the
// internal heap's own reserves.
func (m *Manager) reallocFromReserve(root *list, start, end uintptr, flags AllocFlags, prot Prot, pt PageType, handler PFHandler, priv any) (*ema, error) {
	first, last := root.searchRange(start, end)
	if !coversRangeContiguous(first, last, start, end) {
		return nil, unix.EINVAL
	}
	for e := first; e != last; e = e.next {
		if !e.isReserve() {
			return nil, unix.EINVAL
		}
	}
	if m.backsInternalHeap(start, end) {
		return nil, unix.EACCES
	}

	e := first
	for e != last {
		next := e.next
		mid, err := m.splitEx(root, e, maxAddr(e.start, start), minAddr(e.end, end))
		if err != nil {
			return nil, err
		}
		m.destroyEma(root, mid)
		e = next
	}
	return m.emaNew(root, start, end-start, flags, prot, pt, handler, priv), nil
}
