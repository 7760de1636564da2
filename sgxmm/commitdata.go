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
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/intel/sgx-emm/rtabs"
)

// canCommitData is ema_do_commit_data_loop's precheck: every covered
// page must currently be uncommitted, and every covered EMA must be
// COMMIT_ON_DEMAND, REG, non-RESERVE, and writable.
func (m *Manager) canCommitData(root *list, start, end uintptr) (first, last *ema, err error) {
	first, last = root.searchRange(start, end)
	if !coversRangeContiguous(first, last, start, end) {
		return nil, nil, unix.EINVAL
	}
	for e := first; e != last; e = e.next {
		if e.isReserve() {
			return nil, nil, unix.EACCES
		}
		if e.pageType != PageTypeReg || !e.allocFlags.isCommitOnDemand() {
			return nil, nil, unix.EINVAL
		}
		if e.prot&ProtWrite == 0 {
			return nil, nil, unix.EACCES
		}
		if e.bitmap != nil {
			os, oe := maxAddr(e.start, start), minAddr(e.end, end)
			sp, ep := e.pageIndex(os), e.pageIndex(oe)
			if e.bitmap.TestRangeAny(sp, ep-sp) {
				return nil, nil, unix.EINVAL
			}
		}
	}
	return first, last, nil
}

// doCommitDataLoop drives ema_do_commit_data_loop (spec §4.4
// "Commit-with-data"): each page is brought into the EPC with its
// content initialized from the matching offset of data via
// EACCEPTCOPY, then marked committed at the EMA's existing (write-
// capable, per the precheck) permission.
func (m *Manager) doCommitDataLoop(first, last *ema, start, end uintptr, data []byte) error {
	var srcBase uintptr
	if len(data) > 0 {
		srcBase = uintptr(unsafe.Pointer(&data[0]))
	}
	offset := uintptr(0)
	return forEachCovered(first, last, start, end, func(e *ema, os, oe uintptr) error {
		if e.bitmap == nil {
			bm, err := m.newBitmap(e.numPages(), false)
			if err != nil {
				return err
			}
			e.bitmap = bm
		}
		sp, ep := e.pageIndex(os), e.pageIndex(oe)
		for p := sp; p < ep; p++ {
			addr := e.start + uintptr(p)<<PageShift
			src := srcBase + offset
			if err := m.eacceptCopy(addr, src, rtabs.StatePending, e.prot, e.pageType); err != nil {
				m.invariantViolation("EACCEPTCOPY failed committing %#x: %v", addr, err)
			}
			e.bitmap.Set(p)
			offset += PageSize
		}
		return nil
	})
}

// CommitData commits [addr, size), copying data in as each page lands
// and then demoting permissions to prot in one atomic-to-the-caller
// effect (spec §6 "commit_data"). len(data) must equal size.
func (m *Manager) CommitData(addr, size uintptr, data []byte, prot Prot) error {
	m.lock()
	defer m.unlock()

	if addr%PageSize != 0 || size%PageSize != 0 || size == 0 {
		return unix.EINVAL
	}
	if uintptr(len(data)) != size {
		return unix.EINVAL
	}

	root := m.rootOf(addr)
	first, last, err := m.canCommitData(root, addr, addr+size)
	if err != nil {
		return err
	}
	if err := m.doCommitDataLoop(first, last, addr, addr+size, data); err != nil {
		return err
	}

	first, last = root.searchRange(addr, addr+size)
	return m.modifyPermissionsLoop(root, first, last, addr, addr+size, prot)
}
