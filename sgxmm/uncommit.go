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

// canUncommit is ema_do_uncommit_loop's precheck: the range must have no
// gaps and contain no RESERVE EMA.
func (m *Manager) canUncommit(root *list, start, end uintptr) (first, last *ema, err error) {
	first, last = root.searchRange(start, end)
	if !coversRangeContiguous(first, last, start, end) {
		return nil, nil, unix.EINVAL
	}
	for e := first; e != last; e = e.next {
		if e.isReserve() {
			return nil, nil, unix.EACCES
		}
	}
	return first, last, nil
}

// doUncommitLoop drives ema_do_uncommit_loop (spec §4.4 "Uncommit"): it
// finds maximal runs of committed pages within each EMA's overlap with
// [start, end) and, for each run, issues the untrusted trim, confirms it
// in-enclave, clears the bits, then notifies the untrusted side the trim
// landed.
//
// Per spec §9's open question, an EMA whose current permission is
// PROT_NONE has that permission raised to READ for the duration (reading
// is required to uncommit) but it is never lowered back for pages that
// remain committed after this call — that bug in the original is
// reproduced here by simply mutating e.prot and never reverting it.
func (m *Manager) doUncommitLoop(first, last *ema, start, end uintptr) error {
	return forEachCovered(first, last, start, end, func(e *ema, os, oe uintptr) error {
		if e.prot == ProtNone {
			e.prot = ProtRead
		}
		if e.bitmap == nil {
			return nil
		}
		startPage, endPage := e.pageIndex(os), e.pageIndex(oe)
		p := startPage
		for p < endPage {
			if !e.bitmap.Test(p) {
				p++
				continue
			}
			runStart := p
			for p < endPage && e.bitmap.Test(p) {
				p++
			}
			runEnd := p

			blockAddr := e.start + uintptr(runStart)<<PageShift
			blockLen := uintptr(runEnd-runStart) << PageShift
			fromFlags := e.prot.toRT() | e.pageType.toRT()
			toFlags := e.prot.toRT() | rtabs.PageTypeTrim

			if err := m.rt.ModifyOcall(blockAddr, blockLen, fromFlags, toFlags); err != nil {
				return unix.EFAULT
			}
			for pp := runStart; pp < runEnd; pp++ {
				addr := e.start + uintptr(pp)<<PageShift
				if err := m.eaccept(addr, rtabs.StateModified, e.prot, PageTypeTrim); err != nil {
					m.invariantViolation("EACCEPT(MODIFIED|TRIM) failed uncommitting %#x: %v", addr, err)
				}
			}
			e.bitmap.ResetRange(runStart, runEnd-runStart)
			if err := m.rt.ModifyOcall(blockAddr, blockLen, toFlags, toFlags); err != nil {
				return unix.EFAULT
			}
		}
		return nil
	})
}

// Uncommit releases the pages in [addr, size) but keeps the region
// reserved (spec §6 "uncommit").
func (m *Manager) Uncommit(addr, size uintptr) error {
	m.lock()
	defer m.unlock()

	if addr%PageSize != 0 || size%PageSize != 0 || size == 0 {
		return unix.EINVAL
	}
	root := m.rootOf(addr)
	first, last, err := m.canUncommit(root, addr, addr+size)
	if err != nil {
		return err
	}
	return m.doUncommitLoop(first, last, addr, addr+size)
}
