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

// HandleFault is the [DOMAIN] addition described in SPEC_FULL.md §4.4:
// a thin first-phase page-fault entry point above the commit driver. It
// looks up the EMA covering addr; if it is a COMMIT_ON_DEMAND, non-
// RESERVE EMA with a registered handler, it drives the same commit path
// Commit uses for the single containing page and then invokes the
// handler so demand-load content can be installed. A fault on an
// already-resident page skips the commit and only invokes the handler.
//
// Callers are responsible for installing this as the actual first-phase
// fault entry point on a dedicated, pre-committed stack, and for running
// it on the faulting thread, per spec §5 — neither of which this module
// can do on its own, since both are properties of the runtime
// abstraction layer spec §1 puts out of scope.
func (m *Manager) HandleFault(addr uintptr, write bool) error {
	m.lock()
	defer m.unlock()

	root := m.rootOf(addr)
	e := root.search(addr)
	if e == nil || e.handler == nil {
		return unix.EFAULT
	}
	if e.isReserve() || !e.allocFlags.isCommitOnDemand() {
		return unix.EFAULT
	}

	pageAddr := addr &^ (PageSize - 1)
	if e.bitmap != nil && e.bitmap.Test(e.pageIndex(pageAddr)) {
		return e.handler(m, addr, write, e.priv)
	}

	first, last, err := m.canCommit(root, pageAddr, pageAddr+PageSize)
	if err != nil {
		return err
	}
	if err := m.doCommitLoop(first, last, pageAddr, pageAddr+PageSize); err != nil {
		return err
	}
	return e.handler(m, addr, write, e.priv)
}
