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

// ModifyType changes the page type of a single page at addr. Only
// REG -> TCS is supported (spec §6 "modify_type"); the source page must
// already be committed, REG, and R+W (spec §4.4 "Change to TCS").
// Re-invoking on a page that is already TCS succeeds without any
// hardware effect, matching spec §8 scenario S5.
func (m *Manager) ModifyType(addr, size uintptr, newType PageType) error {
	m.lock()
	defer m.unlock()

	if addr%PageSize != 0 || size != PageSize {
		return unix.EINVAL
	}
	if newType != PageTypeTCS {
		return unix.EINVAL
	}

	root := m.rootOf(addr)
	e := root.search(addr)
	if e == nil {
		return unix.EINVAL
	}
	if e.pageType == PageTypeTCS {
		return nil
	}
	if e.isReserve() {
		return unix.EACCES
	}
	if e.pageType != PageTypeReg {
		return unix.EINVAL
	}
	if e.prot != (ProtRead | ProtWrite) {
		return unix.EACCES
	}
	if e.bitmap == nil || !e.bitmap.Test(e.pageIndex(addr)) {
		return unix.EACCES
	}

	fromFlags := e.prot.toRT() | PageTypeReg.toRT()
	toFlags := PageTypeTCS.toRT()
	if err := m.rt.ModifyOcall(addr, PageSize, fromFlags, toFlags); err != nil {
		return unix.EFAULT
	}
	if err := m.eaccept(addr, rtabs.StateModified, ProtNone, PageTypeTCS); err != nil {
		m.invariantViolation("EACCEPT(MODIFIED|TCS) failed at %#x: %v", addr, err)
	}

	mid, err := m.splitEx(root, e, addr, addr+PageSize)
	if err != nil {
		return err
	}
	mid.pageType = PageTypeTCS
	mid.prot = ProtNone
	return nil
}
