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
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/sync/errgroup"
)

// checkListInvariants enforces §8 properties 1-3 (non-overlap, sortedness,
// windowing) against the current state of a root.
func checkListInvariants(t *testing.T, l *list, isRTS bool) {
	t.Helper()
	var prevEnd uintptr
	first := true
	for e := l.front(); e != &l.guard; e = e.next {
		if e.start >= e.end {
			t.Fatalf("degenerate EMA [%#x, %#x)", e.start, e.end)
		}
		if !first && e.start < prevEnd {
			t.Fatalf("sortedness/non-overlap violated: prevEnd=%#x, next start=%#x", prevEnd, e.start)
		}
		if !l.windowContains(e.start, e.end) {
			t.Fatalf("EMA [%#x, %#x) escapes its root's window", e.start, e.end)
		}
		if e.isReserve() != (e.bitmap == nil) {
			t.Fatalf("bitmap-presence invariant violated for [%#x, %#x): reserve=%v bitmap!=nil=%v", e.start, e.end, e.isReserve(), e.bitmap != nil)
		}
		prevEnd = e.end
		first = false
	}
}

func checkAllInvariants(t *testing.T, m *Manager) {
	t.Helper()
	checkListInvariants(t, m.userRoot, false)
	checkListInvariants(t, m.rtsRoot, true)
}

// TestInvariantsUnderRandomSequence drives a random sequence of alloc,
// commit, and dealloc calls over a single Manager and checks
// §8 properties 1-4 hold after every step.
func TestInvariantsUnderRandomSequence(t *testing.T) {
	m, _, userBase, userEnd := newTestManager(t, 64*PageSize)
	rng := rand.New(rand.NewSource(1))

	var live []emaRange
	for step := 0; step < 200; step++ {
		checkAllInvariants(t, m)

		switch rng.Intn(3) {
		case 0: // alloc
			n := uintptr(1+rng.Intn(3)) * PageSize
			flags := []AllocFlags{CommitNow, CommitOnDemand, AllocReserve}[rng.Intn(3)]
			addr, err := m.Alloc(0, n, flags, ProtRead|ProtWrite, PageTypeReg, nil, nil)
			if err == nil {
				live = append(live, emaRange{addr, addr + n})
			}
		case 1: // commit a whole live range
			if len(live) == 0 {
				continue
			}
			r := live[rng.Intn(len(live))]
			m.Commit(r.start, r.end-r.start) // error ignored: may be RESERVE
		case 2: // dealloc a live range
			if len(live) == 0 {
				continue
			}
			idx := rng.Intn(len(live))
			r := live[idx]
			if err := m.Dealloc(r.start, r.end-r.start); err == nil {
				live = append(live[:idx], live[idx+1:]...)
			}
		}
		_ = userBase
		_ = userEnd
	}
	checkAllInvariants(t, m)
}

// TestRoundTrip is §8 property 6: alloc followed by dealloc of the same
// range returns the user list to its prior contents, by set equality.
func TestRoundTrip(t *testing.T) {
	m, _, _, _ := newTestManager(t, 32*PageSize)

	addr1, err := m.Alloc(0, 2*PageSize, CommitOnDemand, ProtRead|ProtWrite, PageTypeReg, nil, nil)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	before := snapshotUserList(m)

	addr2, err := m.Alloc(0, 2*PageSize, CommitOnDemand, ProtRead|ProtWrite, PageTypeReg, nil, nil)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := m.Dealloc(addr2, 2*PageSize); err != nil {
		t.Fatalf("Dealloc: %v", err)
	}

	after := snapshotUserList(m)
	if diff := cmp.Diff(before, after, cmpopts.EquateComparable(emaRange{})); diff != "" {
		t.Fatalf("round-trip alloc/dealloc changed the user list (-before +after):\n%s", diff)
	}
	if m.userRoot.search(addr1) == nil {
		t.Fatal("the surviving allocation should still be present")
	}
}

// TestCommitIdempotent is half of §8 property 7: committing an
// already-fully-committed range is a no-op.
func TestCommitIdempotent(t *testing.T) {
	m, _, _, _ := newTestManager(t, 32*PageSize)

	addr, err := m.Alloc(0, 4*PageSize, CommitOnDemand, ProtRead|ProtWrite, PageTypeReg, nil, nil)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := m.Commit(addr, 4*PageSize); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	before := snapshotUserList(m)
	bitsBefore := bitmapBits(m.userRoot.search(addr))

	if err := m.Commit(addr, 4*PageSize); err != nil {
		t.Fatalf("second Commit: %v", err)
	}

	after := snapshotUserList(m)
	if diff := cmp.Diff(before, after, cmpopts.EquateComparable(emaRange{})); diff != "" {
		t.Fatalf("idempotent Commit changed the list (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(bitsBefore, bitmapBits(m.userRoot.search(addr))); diff != "" {
		t.Fatalf("idempotent Commit changed the bitmap (-before +after):\n%s", diff)
	}
}

// TestModifyPermissionsIdempotent is the other half of §8 property 7:
// modify_permissions to the current permission is a no-op.
func TestModifyPermissionsIdempotent(t *testing.T) {
	m, _, _, _ := newTestManager(t, 32*PageSize)

	addr, err := m.Alloc(0, 2*PageSize, CommitNow, ProtRead, PageTypeReg, nil, nil)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	before := snapshotUserList(m)

	if err := m.ModifyPermissions(addr, 2*PageSize, ProtRead); err != nil {
		t.Fatalf("ModifyPermissions (no-op): %v", err)
	}
	after := snapshotUserList(m)
	if diff := cmp.Diff(before, after, cmpopts.EquateComparable(emaRange{})); diff != "" {
		t.Fatalf("no-op ModifyPermissions changed the list (-before +after):\n%s", diff)
	}
}

func bitmapBits(e *ema) []bool {
	if e.bitmap == nil {
		return nil
	}
	n := e.bitmap.Len()
	out := make([]bool, n)
	for i := uint64(0); i < n; i++ {
		out[i] = e.bitmap.Test(i)
	}
	return out
}

// TestRecursiveMutexAllowsNestedGrowReserve exercises the re-entrant
// acquisition path directly: GrowReserve runs nested inside an Alloc call
// already holding m.mu, on the same goroutine, and must not deadlock.
// It also confirms the mutex serializes a concurrent goroutine's Alloc
// call behind the first one.
func TestRecursiveMutexAllowsNestedGrowReserve(t *testing.T) {
	m, _, _, _ := newTestManager(t, 64*PageSize)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := m.Alloc(0, PageSize, CommitOnDemand, ProtRead|ProtWrite, PageTypeReg, nil, nil)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Alloc calls: %v", err)
	}
	checkAllInvariants(t, m)
}
