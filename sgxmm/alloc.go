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

// doAlloc drives ema_do_alloc (spec §4.4 "Allocation"). RESERVE EMAs are
// pure address-space placeholders: no out-call, no bitmap. Every other
// EMA gets an alloc_ocall and a bitmap; COMMIT_NOW additionally walks
// every page with EACCEPT(PENDING|type|perm) in an order that puts the
// first valid-for-fault address at the region's anchor: forward for a
// grow-up region, backward for grow-down (stack) regions.
func (m *Manager) doAlloc(e *ema) error {
	if !e.isReserve() {
		if err := m.rt.AllocOcall(e.start, e.size(), uint32(e.pageType.toRT()), e.allocFlags.toRT()); err != nil {
			return unix.EFAULT
		}
	}
	if e.isReserve() {
		e.bitmap = nil
		return nil
	}

	bm, err := m.newBitmap(e.numPages(), false)
	if err != nil {
		return err
	}
	e.bitmap = bm

	if !e.allocFlags.isCommitNow() {
		return nil
	}

	n := e.numPages()
	if e.allocFlags.isGrowsDown() {
		for i := n; i > 0; i-- {
			p := i - 1
			addr := e.start + uintptr(p)<<PageShift
			if err := m.eaccept(addr, rtabs.StatePending, e.prot, e.pageType); err != nil {
				return unix.EFAULT
			}
			e.bitmap.Set(p)
		}
		return nil
	}
	for p := uint64(0); p < n; p++ {
		addr := e.start + uintptr(p)<<PageShift
		if err := m.eaccept(addr, rtabs.StatePending, e.prot, e.pageType); err != nil {
			return unix.EFAULT
		}
		e.bitmap.Set(p)
	}
	return nil
}

// alloc is the implementation behind the public Alloc; it does not take
// m.mu itself. GrowReserve reaches it through Alloc, re-entering m.mu
// while the outer public method already holds it.
func (m *Manager) alloc(addr, size uintptr, flags AllocFlags, prot Prot, pt PageType, handler PFHandler, priv any) (uintptr, error) {
	if size == 0 || size%PageSize != 0 || addr%PageSize != 0 {
		return 0, unix.EINVAL
	}
	if flags.isFixed() && addr == 0 {
		return 0, unix.EINVAL
	}
	root := m.rootFor(flags)

	var chosen uintptr
	if flags.isFixed() {
		chosen = addr
		if e, err := m.reallocFromReserve(root, addr, addr+size, flags, prot, pt, handler, priv); err == nil {
			if derr := m.doAlloc(e); derr != nil {
				m.destroyEma(root, e)
				return 0, derr
			}
			return addr, nil
		}
		if err := root.findFreeRegionAt(addr, size); err != nil {
			return 0, err
		}
	} else {
		var err error
		chosen, err = root.findFreeRegion(size, PageSize)
		if err != nil {
			return 0, err
		}
	}

	e := m.emaNew(root, chosen, size, flags, prot, pt, handler, priv)
	if err := m.doAlloc(e); err != nil {
		m.destroyEma(root, e)
		return 0, err
	}
	return chosen, nil
}

// Alloc reserves, and according to flags commits, size bytes of address
// space (spec §6 "alloc"). addr is either 0 (any address) or a fixed
// request; System-flagged requests go to the RTS root, everything else
// to the user root.
func (m *Manager) Alloc(addr, size uintptr, flags AllocFlags, prot Prot, pt PageType, handler PFHandler, priv any) (uintptr, error) {
	m.lock()
	defer m.unlock()
	return m.alloc(addr, size, flags, prot, pt, handler, priv)
}
