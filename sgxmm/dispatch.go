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

// RegisterPFHandler attaches a demand-load page-fault handler to every
// EMA covering [addr, size) (spec §6 "register_pfhandler"). The range
// must already be entirely covered by existing EMAs; it otherwise has no
// hardware effect, matching the "dispatch glue is trivial" framing of
// spec §1/§4.5.
func (m *Manager) RegisterPFHandler(addr, size uintptr, handler PFHandler, priv any) error {
	m.lock()
	defer m.unlock()

	if addr%PageSize != 0 || size%PageSize != 0 || size == 0 {
		return unix.EINVAL
	}
	root := m.rootOf(addr)
	first, last := root.searchRange(addr, addr+size)
	if !coversRangeContiguous(first, last, addr, addr+size) {
		return unix.EINVAL
	}
	for e := first; e != last; e = e.next {
		e.handler = handler
		e.priv = priv
	}
	return nil
}
