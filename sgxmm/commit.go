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
	"golang.org/x/sys/unix"

	"github.com/intel/sgx-emm/rtabs"
)

// canCommit is ema_do_commit_loop's precheck (spec §4.4 "Commit"): every
// covered EMA must be REG, writable, non-RESERVE, and the range must
// have no gaps.
func (m *Manager) canCommit(root *list, start, end uintptr) (first, last *ema, err error) {
	first, last = root.searchRange(start, end)
	if !coversRangeContiguous(first, last, start, end) {
		return nil, nil, unix.EINVAL
	}
	for e := first; e != last; e = e.next {
		if e.isReserve() {
			return nil, nil, unix.EACCES
		}
		if e.pageType != PageTypeReg {
			return nil, nil, unix.EINVAL
		}
		if e.prot&ProtWrite == 0 {
			return nil, nil, unix.EACCES
		}
	}
	return first, last, nil
}

// doCommitLoop drives ema_do_commit_loop: for each EMA in range, every
// page whose bit is already 1 is skipped (idempotence, spec §8 property
// 7); every other page is EACCEPT(PENDING|REG|prot)ed and its bit set.
// An EACCEPT failure here means the driver believed a precondition held
// that hardware rejects, which is an invariant violation (spec §4.4,
// §7), not an ordinary error.
func (m *Manager) doCommitLoop(first, last *ema, start, end uintptr) error {
	return forEachCovered(first, last, start, end, func(e *ema, os, oe uintptr) error {
		if e.bitmap == nil {
			bm, err := m.newBitmap(e.numPages(), false)
			if err != nil {
				return err
			}
			e.bitmap = bm
		}
		startPage, endPage := e.pageIndex(os), e.pageIndex(oe)
		for p := startPage; p < endPage; p++ {
			if e.bitmap.Test(p) {
				continue
			}
			addr := e.start + uintptr(p)<<PageShift
			if err := m.eaccept(addr, rtabs.StatePending, e.prot, e.pageType); err != nil {
				m.invariantViolation("EACCEPT(PENDING) failed committing %#x: %v", addr, err)
			}
			e.bitmap.Set(p)
		}
		return nil
	})
}

// Commit makes every page in [addr, size) resident (spec §6 "commit").
func (m *Manager) Commit(addr, size uintptr) error {
	m.lock()
	defer m.unlock()

	if addr%PageSize != 0 || size%PageSize != 0 || size == 0 {
		return unix.EINVAL
	}
	root := m.rootOf(addr)
	first, last, err := m.canCommit(root, addr, addr+size)
	if err != nil {
		return err
	}
	return m.doCommitLoop(first, last, addr, addr+size)
}
