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

package rtabs

// Permission bits of si_flags, passed to ModifyOcall/DoEaccept/DoEmodpe
// via SecInfo.Flags or the raw toFlags/fromFlags parameters.
const (
	ProtNone  uint64 = 0x0
	ProtRead  uint64 = 0x1
	ProtWrite uint64 = 0x2
	ProtExec  uint64 = 0x4
	ProtMask  uint64 = 0x7
)

// Page-type bits of si_flags.
const (
	PageTypeReg  uint64 = 0x100
	PageTypeTCS  uint64 = 0x200
	PageTypeTrim uint64 = 0x400
	PageTypeMask uint64 = 0x700
)

// AllocFlags bits, passed to AllocOcall. The low nibble is a mutually
// exclusive commit policy; the high nibble is OR'd in independently.
const (
	AllocCommitNow      uint32 = 0x1
	AllocCommitOnDemand uint32 = 0x2
	AllocReserve        uint32 = 0x4
	AllocCommitMask     uint32 = 0x7

	AllocFixed     uint32 = 0x10
	AllocGrowsDown uint32 = 0x20
	AllocGrowsUp   uint32 = 0x40
	AllocSystem    uint32 = 0x80
)
