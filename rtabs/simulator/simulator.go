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

// Package simulator is a software-only implementation of rtabs.Runtime.
// It backs its "enclave" with a single anonymous mmap and turns every
// EDMM hardware primitive into the closest equivalent host mmap/mprotect
// call, so that package sgxmm's property tests (spec §8) can run without
// real SGX2 hardware. It is grounded in the same approach gVisor's
// platform/kvm and platform/ptrace backends take to host paging: drive
// golang.org/x/sys/unix directly rather than reimplement syscall numbers.
package simulator

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/intel/sgx-emm/rtabs"
)

// pageSize is the SGX EPC page size. It is duplicated from sgxmm's own
// PageSize constant rather than imported, since rtabs/simulator must not
// depend on the package it is injected into.
const pageSize = 4096

// Runtime is a software EDMM backend. The zero value is not valid; use
// New.
type Runtime struct {
	mu     sync.Mutex
	region []byte
	base   uintptr
	size   uintptr
}

// New reserves a size-byte anonymous mapping to stand in for enclave
// linear address space and returns a Runtime backed by it. Callers
// typically pass Base() and Base()+size to (*sgxmm.Manager).Init.
func New(size uintptr) (*Runtime, error) {
	if size == 0 || size%pageSize != 0 {
		return nil, fmt.Errorf("simulator: size %#x must be a non-zero multiple of the page size", size)
	}
	region, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("simulator: mmap: %w", err)
	}
	return &Runtime{
		region: region,
		base:   uintptr(unsafe.Pointer(&region[0])),
		size:   size,
	}, nil
}

// Base returns the start address of the simulated enclave range.
func (r *Runtime) Base() uintptr { return r.base }

// End returns the address immediately past the simulated enclave range.
func (r *Runtime) End() uintptr { return r.base + r.size }

// Close releases the backing mapping. Not part of rtabs.Runtime; it is a
// test-lifecycle convenience.
func (r *Runtime) Close() error {
	return unix.Munmap(r.region)
}

func (r *Runtime) slice(addr, size uintptr) ([]byte, error) {
	if addr < r.base || addr+size > r.base+r.size || addr+size < addr {
		return nil, fmt.Errorf("simulator: range [%#x, %#x) escapes the simulated enclave", addr, addr+size)
	}
	off := addr - r.base
	return r.region[off : off+size], nil
}

func protBits(flags uint64) int {
	prot := unix.PROT_NONE
	if flags&rtabs.ProtRead != 0 {
		prot |= unix.PROT_READ
	}
	if flags&rtabs.ProtWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if flags&rtabs.ProtExec != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// IsWithinEnclave implements rtabs.Runtime.
func (r *Runtime) IsWithinEnclave(addr uintptr, size uintptr) bool {
	if addr+size < addr {
		return false
	}
	return addr >= r.base && addr+size <= r.base+r.size
}

// AllocOcall implements rtabs.Runtime. The simulator has already reserved
// the whole address range at construction time, so this only validates
// that the request stays within bounds; actual protection is established
// when the caller subsequently EACCEPTs (or, for purely-RESERVE EMAs,
// never).
func (r *Runtime) AllocOcall(addr, size uintptr, pageType uint32, allocFlags uint32) error {
	_ = pageType
	_ = allocFlags
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.slice(addr, size)
	return err
}

// ModifyOcall implements rtabs.Runtime, mirroring the untrusted side's
// EMODPR/trim-notify behavior by adjusting the host mapping's protection
// ahead of (toFlags) or in confirmation of (the trim-notify call, where
// fromFlags == toFlags) the enclave-side EACCEPT.
func (r *Runtime) ModifyOcall(addr, size uintptr, fromFlags, toFlags uint64) error {
	_ = fromFlags
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.slice(addr, size); err != nil {
		return err
	}
	prot := unix.PROT_NONE
	if toFlags&rtabs.PageTypeMask != rtabs.PageTypeTrim {
		prot = protBits(toFlags)
	}
	return unix.Mprotect(r.region[addr-r.base:addr-r.base+size], prot)
}

// DoEaccept implements rtabs.Runtime by applying the permission state
// si encodes directly to the host mapping: PENDING and PR states bring
// the page up to si's permission bits; MODIFIED|TRIM or MODIFIED|TCS
// drop the host mapping to PROT_NONE, since neither page type is
// directly host-accessible once confirmed.
func (r *Runtime) DoEaccept(si *rtabs.SecInfo, addr uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.slice(addr, pageSize); err != nil {
		return err
	}
	prot := unix.PROT_NONE
	pageType := si.Flags & rtabs.PageTypeMask
	if si.Flags&rtabs.StateModified == 0 || pageType == rtabs.PageTypeReg {
		prot = protBits(si.Flags)
	}
	return unix.Mprotect(r.region[addr-r.base:addr-r.base+pageSize], prot)
}

// DoEmodpe implements rtabs.Runtime. On real hardware this raises the
// untrusted EPCM permission bits before the EACCEPT(PR,...) that follows
// narrows them again from the enclave's point of view; the simulator
// performs the actual protection change in DoEaccept, so this is a no-op
// that only validates the address.
func (r *Runtime) DoEmodpe(si *rtabs.SecInfo, addr uintptr) error {
	_ = si
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.slice(addr, pageSize)
	return err
}

// DoEacceptCopy implements rtabs.Runtime by copying one page from src
// into addr and then applying si's permission bits, simulating the
// atomic "bring page into EPC with this content" semantics of the real
// instruction.
func (r *Runtime) DoEacceptCopy(si *rtabs.SecInfo, addr uintptr, src uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dst, err := r.slice(addr, pageSize)
	if err != nil {
		return err
	}
	srcSlice := unsafe.Slice((*byte)(unsafe.Pointer(src)), pageSize)
	if err := unix.Mprotect(dst, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return err
	}
	copy(dst, srcSlice)
	return unix.Mprotect(dst, protBits(si.Flags))
}
