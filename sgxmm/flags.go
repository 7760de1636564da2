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

import "github.com/intel/sgx-emm/rtabs"

// PageSize is the SGX EPC page size. Every address and size at the
// public interface is a multiple of it.
const (
	PageSize  uintptr = 4096
	PageShift uintptr = 12
)

// AllocFlags encodes the commit policy and address placement of an
// allocation request (spec §6, "Flag encoding"). The low nibble is a
// mutually exclusive commit policy; the high nibble is OR'd in
// independently. Bit values are shared with rtabs.Alloc* so conversion
// is a plain cast.
type AllocFlags uint32

const (
	CommitNow      AllocFlags = AllocFlags(rtabs.AllocCommitNow)
	CommitOnDemand AllocFlags = AllocFlags(rtabs.AllocCommitOnDemand)
	AllocReserve   AllocFlags = AllocFlags(rtabs.AllocReserve)
	commitMask     AllocFlags = AllocFlags(rtabs.AllocCommitMask)

	Fixed     AllocFlags = AllocFlags(rtabs.AllocFixed)
	GrowsDown AllocFlags = AllocFlags(rtabs.AllocGrowsDown)
	GrowsUp   AllocFlags = AllocFlags(rtabs.AllocGrowsUp)
	System    AllocFlags = AllocFlags(rtabs.AllocSystem)
)

func (f AllocFlags) commitPolicy() AllocFlags { return f & commitMask }
func (f AllocFlags) isReserve() bool          { return f.commitPolicy() == AllocReserve }
func (f AllocFlags) isCommitNow() bool        { return f.commitPolicy() == CommitNow }
func (f AllocFlags) isCommitOnDemand() bool   { return f.commitPolicy() == CommitOnDemand }
func (f AllocFlags) isFixed() bool            { return f&Fixed != 0 }
func (f AllocFlags) isGrowsDown() bool        { return f&GrowsDown != 0 }
func (f AllocFlags) isSystem() bool           { return f&System != 0 }

func (f AllocFlags) toRT() uint32 { return uint32(f) }

// Prot encodes page permission bits, shared with rtabs.Prot*.
type Prot uint8

const (
	ProtNone  Prot = 0
	ProtRead  Prot = Prot(rtabs.ProtRead)
	ProtWrite Prot = Prot(rtabs.ProtWrite)
	ProtExec  Prot = Prot(rtabs.ProtExec)
	protMask  Prot = Prot(rtabs.ProtMask)
)

func (p Prot) toRT() uint64 { return uint64(p) & uint64(protMask) }

// String implements fmt.Stringer for diagnostic logging.
func (p Prot) String() string {
	buf := [3]byte{'-', '-', '-'}
	if p&ProtRead != 0 {
		buf[0] = 'r'
	}
	if p&ProtWrite != 0 {
		buf[1] = 'w'
	}
	if p&ProtExec != 0 {
		buf[2] = 'x'
	}
	return string(buf[:])
}

// PageType is the EPC page type component of si_flags.
type PageType uint8

const (
	PageTypeReg PageType = iota
	PageTypeTCS
	PageTypeTrim
)

func (t PageType) toRT() uint64 {
	switch t {
	case PageTypeTCS:
		return rtabs.PageTypeTCS
	case PageTypeTrim:
		return rtabs.PageTypeTrim
	default:
		return rtabs.PageTypeReg
	}
}

// siFlags packs a page's permission and type bits the way sec_info_t
// does; state bits (PENDING/MODIFIED/PR) are OR'd in by the driver at
// the point each hardware call is issued, not stored here.
func siFlags(prot Prot, pt PageType) uint64 {
	return pt.toRT() | prot.toRT()
}

// PFHandler is a user-supplied page-fault handler, attached to an EMA by
// Alloc or RegisterPFHandler and invoked by HandleFault for demand-commit
// or demand-load ranges. It receives the manager so it may itself call
// back into CommitData, the priv value it was registered with, the
// faulting address and whether the fault was a write.
type PFHandler func(m *Manager, addr uintptr, write bool, priv any) error
