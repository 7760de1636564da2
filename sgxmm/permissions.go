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

const protRWX = ProtRead | ProtWrite | ProtExec

// canModifyPermissions is ema_modify_permissions_loop's precheck: every
// page in range must already be committed, and every covered EMA must
// be REG and non-RESERVE.
func (m *Manager) canModifyPermissions(root *list, start, end uintptr) (first, last *ema, err error) {
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
		os, oe := maxAddr(e.start, start), minAddr(e.end, end)
		if e.bitmap == nil {
			return nil, nil, unix.EINVAL
		}
		sp, ep := e.pageIndex(os), e.pageIndex(oe)
		if !e.bitmap.TestRange(sp, ep-sp) {
			return nil, nil, unix.EINVAL
		}
	}
	return first, last, nil
}

// modifyPermissionsLoop drives ema_modify_permissions_loop (spec §4.4
// "Permission change"). For each covered EMA whose current permission
// differs from newProt, it notifies the untrusted side, EMODPEs pages
// that are gaining a bit, EACCEPTs the new permission (skipped when
// newProt is exactly R+W+X, since no EMODPR was needed to reach it),
// splits off the affected sub-range and records its new permission, and
// — if newProt is NONE — issues a final idempotent modify_ocall to pin
// the untrusted mapping to PROT_NONE.
func (m *Manager) modifyPermissionsLoop(root *list, first, last *ema, start, end uintptr, newProt Prot) error {
	return forEachCovered(first, last, start, end, func(e *ema, os, oe uintptr) error {
		if e.prot == newProt {
			return nil
		}
		oldProt := e.prot
		fromFlags := oldProt.toRT() | e.pageType.toRT()
		toFlags := newProt.toRT() | e.pageType.toRT()
		if err := m.rt.ModifyOcall(os, oe-os, fromFlags, toFlags); err != nil {
			return unix.EFAULT
		}

		adding := newProt&^oldProt != 0
		skipEaccept := newProt == protRWX
		sp, ep := e.pageIndex(os), e.pageIndex(oe)
		for p := sp; p < ep; p++ {
			addr := e.start + uintptr(p)<<PageShift
			if adding {
				if err := m.emodpe(addr, newProt, e.pageType); err != nil {
					m.invariantViolation("EMODPE failed relaxing permissions at %#x: %v", addr, err)
				}
			}
			if !skipEaccept {
				if err := m.eaccept(addr, rtabs.StatePR, newProt, e.pageType); err != nil {
					m.invariantViolation("EACCEPT(PR) failed at %#x: %v", addr, err)
				}
			}
		}

		mid, err := m.splitEx(root, e, os, oe)
		if err != nil {
			return err
		}
		mid.prot = newProt

		if newProt == ProtNone {
			if err := m.rt.ModifyOcall(os, oe-os, toFlags, toFlags); err != nil {
				return unix.EFAULT
			}
		}
		return nil
	})
}

// ModifyPermissions changes R/W/X permissions over [addr, size), which
// must already be committed REG pages (spec §6 "modify_permissions").
func (m *Manager) ModifyPermissions(addr, size uintptr, newProt Prot) error {
	m.lock()
	defer m.unlock()

	if addr%PageSize != 0 || size%PageSize != 0 || size == 0 {
		return unix.EINVAL
	}
	root := m.rootOf(addr)
	first, last, err := m.canModifyPermissions(root, addr, addr+size)
	if err != nil {
		return err
	}
	return m.modifyPermissionsLoop(root, first, last, addr, addr+size, newProt)
}
