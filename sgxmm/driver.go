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

import "github.com/intel/sgx-emm/rtabs"

// eaccept issues EACCEPT(state|type|prot) at addr via the runtime.
func (m *Manager) eaccept(addr uintptr, state uint64, prot Prot, pt PageType) error {
	si := &rtabs.SecInfo{Flags: state | siFlags(prot, pt)}
	return m.rt.DoEaccept(si, addr)
}

// emodpe issues EMODPE(prot|type) at addr.
func (m *Manager) emodpe(addr uintptr, prot Prot, pt PageType) error {
	si := &rtabs.SecInfo{Flags: siFlags(prot, pt)}
	return m.rt.DoEmodpe(si, addr)
}

// eacceptCopy issues EACCEPTCOPY(state|type|prot) at addr, copying one
// page in from src.
func (m *Manager) eacceptCopy(addr, src uintptr, state uint64, prot Prot, pt PageType) error {
	si := &rtabs.SecInfo{Flags: state | siFlags(prot, pt)}
	return m.rt.DoEacceptCopy(si, addr, src)
}

func maxAddr(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}

func minAddr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}

// coversRangeContiguous reports whether the EMAs in the half-open span
// [first, last) cover [start, end) with no gaps, i.e. first.start <=
// start, each node's end equals the next node's start, and the final
// node's end >= end. It is the shared "no gaps in range" check spec §4.4
// requires as a precondition of commit, uncommit, and permission-change.
func coversRangeContiguous(first, last *ema, start, end uintptr) bool {
	if first == last {
		return false
	}
	if first.start > start {
		return false
	}
	prevEnd := first.end
	for e := first.next; e != last; e = e.next {
		if e.start != prevEnd {
			return false
		}
		prevEnd = e.end
	}
	return prevEnd >= end
}

// forEachCovered walks the EMAs in [first, last), invoking fn with each
// EMA and the portion of [start, end) it covers. The walk reads e.next
// before calling fn, so fn may split or destroy the current EMA, but must
// not otherwise touch the list structure outside [os, oe).
func forEachCovered(first, last *ema, start, end uintptr, fn func(e *ema, os, oe uintptr) error) error {
	e := first
	for e != last {
		next := e.next
		os := maxAddr(e.start, start)
		oe := minAddr(e.end, end)
		if err := fn(e, os, oe); err != nil {
			return err
		}
		e = next
	}
	return nil
}
