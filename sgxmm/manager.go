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

// Package sgxmm is the core of the Enclave Memory Manager: the EMA node
// and list (spec §4.3), the EDMM driver state machine (§4.4), and the
// public dispatcher (§4.5/§6). It depends on package rtabs for the
// hardware/out-call collaborators spec §1 puts out of scope, and on
// package internal/emalloc for the bitmap-backing heap described in
// §4.2.
package sgxmm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/intel/sgx-emm/internal/bitarray"
	"github.com/intel/sgx-emm/internal/emalloc"
	"github.com/intel/sgx-emm/pkg/log"
	"github.com/intel/sgx-emm/rtabs"
)

// Manager is the EMM. The zero value is not valid; use NewManager.
// Every exported method, Init included, acquires m.mu for its duration,
// including on every error return path, per spec §5.
type Manager struct {
	rt  rtabs.Runtime
	log log.Logger
	mu  rtabs.Mutex

	userBase, userEnd uintptr
	userRoot          *list
	rtsRoot           *list

	heap          *emalloc.Heap
	reserveRanges []reserveRange

	initialized bool
}

// NewManager constructs a Manager driven by rt. logger may be nil, in
// which case the package-level log.Log() target is used.
func NewManager(rt rtabs.Runtime, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.Log()
	}
	m := &Manager{rt: rt, log: logger}
	m.heap = emalloc.New(m)
	return m
}

// GrowReserve implements emalloc.ReserveGrower: when the internal heap
// needs more backing memory for bitmap buffers, it reserves size bytes
// of RTS-window address space as COMMIT_NOW and hands back the
// committed base address. RTS (not user) memory is used deliberately:
// bitmap storage is EMM bookkeeping, not user-visible allocation, the
// same way the original ties add_reserve's growth to the loader/runtime
// side of the address space rather than the application heap.
//
// This is the recursive call spec §4.2 and §5 describe: GrowReserve runs
// nested inside a call to the public, lock-acquiring Alloc (via Emalloc,
// via newBitmap) while that same goroutine already holds m.mu, so it
// goes back through the public, locking Alloc rather than the internal
// lock-free alloc — m.mu is reentrant exactly so that this does not
// deadlock.
func (m *Manager) GrowReserve(size uintptr) (uintptr, error) {
	addr, err := m.Alloc(0, size, CommitNow|System, ProtRead|ProtWrite, PageTypeReg, nil, nil)
	if err != nil {
		return 0, err
	}
	m.reserveRanges = append(m.reserveRanges, reserveRange{start: addr, end: addr + size})
	return addr, nil
}

func (m *Manager) lock()   { m.mu.Lock() }
func (m *Manager) unlock() { m.mu.Unlock() }

// Init validates [userBase, userEnd) and bootstraps the EMM. It must be
// called exactly once before any other public operation (spec §6).
func (m *Manager) Init(userBase, userEnd uintptr) error {
	m.lock()
	defer m.unlock()

	if m.initialized {
		return unix.EINVAL
	}
	if userBase == 0 || userEnd <= userBase {
		return unix.EINVAL
	}
	if userBase%PageSize != 0 || userEnd%PageSize != 0 {
		return unix.EINVAL
	}
	if !m.rt.IsWithinEnclave(userBase, userEnd-userBase) {
		return unix.EINVAL
	}

	m.userBase, m.userEnd = userBase, userEnd
	m.userRoot = newList(userBase, userEnd, false, m.rt)
	m.rtsRoot = newList(userBase, userEnd, true, m.rt)
	m.initialized = true

	if m.log.IsLogging(log.Debug) {
		m.log.Debugf("sgxmm: initialized, user window [%#x, %#x)", userBase, userEnd)
	}
	return nil
}

// rootFor selects the root an allocation request belongs to: System
// requests (the loader, the internal heap's own reserve growth) go to
// the RTS root; everything else goes to the user root.
func (m *Manager) rootFor(flags AllocFlags) *list {
	if flags.isSystem() {
		return m.rtsRoot
	}
	return m.userRoot
}

// rootOf returns whichever root, if any, owns addr.
func (m *Manager) rootOf(addr uintptr) *list {
	if addr >= m.userBase && addr < m.userEnd {
		return m.userRoot
	}
	return m.rtsRoot
}

func (l *list) insertionPoint(addr uintptr) *ema {
	for e := l.guard.next; e != &l.guard; e = e.next {
		if e.start > addr {
			return e
		}
	}
	return &l.guard
}

// newBitmap allocates a bitarray.Array of nBits bits backed by memory
// obtained from the internal heap (spec §4.2's actual intended
// consumer), rather than through bitarray.New's plain make(), so that
// bitmap churn is what exercises emalloc's segregated free lists and
// reserve-growth recursion fence.
func (m *Manager) newBitmap(nBits uint64, set bool) (*bitarray.Array, error) {
	nBytes := uintptr((nBits + 7) / 8)
	if nBytes == 0 {
		nBytes = 1
	}
	addr, err := m.heap.Emalloc(nBytes)
	if err != nil {
		return nil, unix.ENOMEM
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), nBytes)
	a := new(bitarray.Array)
	a.Reattach(nBits, buf)
	if set {
		a.SetAll()
	} else {
		a.ResetAll()
	}
	return a, nil
}

// freeBitmap returns a's backing buffer to the internal heap. Passing
// nil is a no-op, since a purely-RESERVE ema carries no bitmap.
func (m *Manager) freeBitmap(a *bitarray.Array) {
	if a == nil {
		return
	}
	buf := a.Bytes()
	if len(buf) == 0 {
		return
	}
	m.heap.Efree(uintptr(unsafe.Pointer(&buf[0])))
}

// splitBitmapAt splits a at page index posPages. For a split point inside
// a, Array.Split reuses a as the lower half and gives both halves fresh
// buffers from plain make(); those halves are moved onto internal-heap
// buffers here so that freeBitmap can later return them to the heap, and
// a's original heap buffer, orphaned by the split, is freed.
func (m *Manager) splitBitmapAt(a *bitarray.Array, posPages uint64) (lower, higher *bitarray.Array, err error) {
	if a == nil {
		return nil, nil, nil
	}
	wasMiddle := posPages > 0 && posPages < a.Len()
	var oldBuf []byte
	if wasMiddle {
		oldBuf = a.Bytes()
	}
	lower, higher, err = a.Split(posPages)
	if err != nil {
		return nil, nil, unix.ENOMEM
	}
	if wasMiddle {
		for _, half := range []*bitarray.Array{lower, higher} {
			hb, err := m.newBitmap(half.Len(), false)
			if err != nil {
				return nil, nil, err
			}
			copy(hb.Bytes(), half.Bytes())
			half.Reattach(half.Len(), hb.Bytes())
		}
		if len(oldBuf) > 0 {
			m.heap.Efree(uintptr(unsafe.Pointer(&oldBuf[0])))
		}
	}
	return lower, higher, nil
}

// splitEma splits e at addr (e.start < addr < e.end), handling the
// bitmap split (if any) and the list-structure split together. newLower
// selects which half is the freshly allocated node, matching
// list.split's contract; it returns that node.
func (m *Manager) splitEma(l *list, e *ema, addr uintptr, newLower bool) (*ema, error) {
	lower, higher, err := m.splitBitmapAt(e.bitmap, e.pageIndex(addr))
	if err != nil {
		return nil, err
	}
	return l.split(e, addr, newLower, lower, higher), nil
}

// splitEx trims e to exactly [start, end), splitting at either or both
// ends as needed (spec §4.3 split_ex), and returns the middle node
// covering [start, end). e must already satisfy e.start <= start and
// end <= e.end.
func (m *Manager) splitEx(l *list, e *ema, start, end uintptr) (*ema, error) {
	if start > e.start {
		right, err := m.splitEma(l, e, start, false)
		if err != nil {
			return nil, err
		}
		e = right
	}
	if end < e.end {
		left, err := m.splitEma(l, e, end, true)
		if err != nil {
			return nil, err
		}
		e = left
	}
	return e, nil
}

// emaNew creates and links a new ema covering [addr, addr+size) into l,
// in sorted position, with no bitmap (callers that commit immediately
// attach one afterward via newBitmap). It mirrors spec §4.3's ema_new,
// minus the stack-then-heap allocation dance that exists in the
// original only to defend against emalloc recursing into a list search —
// a concern specific to a C allocator sharing address space with its own
// bookkeeping, not to Go's GC-backed node allocation (see ema.go).
func (m *Manager) emaNew(l *list, addr, size uintptr, flags AllocFlags, prot Prot, pt PageType, handler PFHandler, priv any) *ema {
	n := &ema{
		start:      addr,
		end:        addr + size,
		allocFlags: flags,
		prot:       prot,
		pageType:   pt,
		handler:    handler,
		priv:       priv,
	}
	l.insertBefore(l.insertionPoint(addr), n)
	return n
}

// destroyEma unlinks and frees e's bitmap and removes it from l. See
// spec §4.3 "destroy".
func (m *Manager) destroyEma(l *list, e *ema) {
	l.remove(e)
	m.freeBitmap(e.bitmap)
}

// invariantViolation logs at Warning and panics, per spec §7's
// "abort"-on-divergence policy. It is deliberately panic rather than
// os.Exit, documented as an Open Question resolution in DESIGN.md: the
// original always calls libc abort() unconditionally, and Go has no
// exact analogue inside a library that doesn't own the process.
func (m *Manager) invariantViolation(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	m.log.Warningf("sgxmm: invariant violation, aborting: %s", msg)
	panic("sgxmm: invariant violation: " + msg)
}
