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

// doDeallocLoop drives ema_do_dealloc_loop (spec §4.4 "Dealloc"): it
// uncommits the covered range (skipping RESERVE EMAs, which carry
// nothing to uncommit) and then uses splitEx to isolate each EMA's
// overlap with [start, end) to its own node and destroys it. Tolerant of
// partial RESERVE coverage, as spec §6 requires.
func (m *Manager) doDeallocLoop(root *list, first, last *ema, start, end uintptr) error {
	return forEachCovered(first, last, start, end, func(e *ema, os, oe uintptr) error {
		if !e.isReserve() && e.bitmap != nil && e.bitmap.TestRangeAny(e.pageIndex(os), e.pageIndex(oe)-e.pageIndex(os)) {
			if err := m.doUncommitLoop(e, e.next, os, oe); err != nil {
				return err
			}
		}
		mid, err := m.splitEx(root, e, os, oe)
		if err != nil {
			return err
		}
		m.destroyEma(root, mid)
		return nil
	})
}

// Dealloc removes [addr, size) from the address space, uncommitting and
// destroying every EMA it covers (spec §6 "dealloc").
func (m *Manager) Dealloc(addr, size uintptr) error {
	m.lock()
	defer m.unlock()

	if addr%PageSize != 0 || size%PageSize != 0 || size == 0 {
		return unix.EINVAL
	}
	root := m.rootOf(addr)
	first, last := root.searchRange(addr, addr+size)
	if first == last {
		return unix.EINVAL
	}
	return m.doDeallocLoop(root, first, last, addr, addr+size)
}
