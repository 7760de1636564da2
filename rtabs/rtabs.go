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

// Package rtabs defines the runtime-abstraction-layer collaborators that
// package sgxmm consumes but does not implement: the recursive mutex, the
// is-this-address-inside-the-enclave predicate, and the untrusted out-calls
// and in-enclave instructions that actually move EPC pages. sgxmm is
// injected with a Runtime the same way gVisor's pkg/sentry/mm.MemoryManager
// is injected with a platform.Platform — the core never binds to a
// concrete hardware backend directly.
package rtabs

// State bits, OR'd into SecInfo.Flags alongside page-type and permission
// bits to describe why an EACCEPT/EMODPE/EACCEPTCOPY is being issued.
const (
	StatePending  uint64 = 0x8
	StateModified uint64 = 0x10
	StatePR       uint64 = 0x20
)

// SecInfo is the security-information block passed to EACCEPT, EMODPE and
// EACCEPTCOPY. The real instruction requires a 64-byte, 64-byte-aligned
// structure whose first qword is si_flags OR'd with a state bit; the
// remainder is reserved. Runtime implementations that issue the real
// instruction are responsible for satisfying the alignment requirement
// when they marshal this value (e.g. via a pointer to a statically
// over-aligned buffer); sgxmm only ever populates Flags.
type SecInfo struct {
	Flags uint64
	_     [56]byte
}

// Runtime is the set of primitives the EDMM driver (sgxmm) needs from the
// enclave's runtime and from untrusted host support, none of which this
// module implements:
//
//   - IsWithinEnclave answers whether an address range lies inside this
//     enclave's image, used by the RTS-window free-region search.
//   - AllocOcall/ModifyOcall are the untrusted-side out-calls that add,
//     remove, or reprotect EPC pages outside the enclave.
//   - DoEaccept, DoEmodpe, DoEacceptCopy are the in-enclave instruction
//     wrappers that confirm or effect a page-state transition.
type Runtime interface {
	IsWithinEnclave(addr uintptr, size uintptr) bool

	AllocOcall(addr, size uintptr, pageType uint32, allocFlags uint32) error
	ModifyOcall(addr, size uintptr, fromFlags, toFlags uint64) error

	DoEaccept(si *SecInfo, addr uintptr) error
	DoEmodpe(si *SecInfo, addr uintptr) error
	DoEacceptCopy(si *SecInfo, addr uintptr, src uintptr) error
}
