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

package emalloc

import (
	"testing"
	"unsafe"
)

// pinnedGrower hands out real Go-heap buffers and keeps them referenced
// for the lifetime of the test, so the uintptr addresses Heap computes
// from them stay valid (Go's current collector does not move or compact
// heap allocations, which is the same non-relocating assumption the
// simulator package makes of its mmap'd region).
type pinnedGrower struct {
	bufs [][]byte
}

func (g *pinnedGrower) GrowReserve(size uintptr) (uintptr, error) {
	buf := make([]byte, size)
	g.bufs = append(g.bufs, buf)
	return uintptr(unsafe.Pointer(&buf[0])), nil
}

func TestEmallocBasic(t *testing.T) {
	h := New(&pinnedGrower{})

	p1, err := h.Emalloc(64)
	if err != nil {
		t.Fatalf("Emalloc: %v", err)
	}
	p2, err := h.Emalloc(128)
	if err != nil {
		t.Fatalf("Emalloc: %v", err)
	}
	if p1 == 0 || p2 == 0 || p1 == p2 {
		t.Fatalf("expected distinct non-zero pointers, got %#x %#x", p1, p2)
	}

	*(*byte)(unsafe.Pointer(p1)) = 0xAB
	if got := *(*byte)(unsafe.Pointer(p1)); got != 0xAB {
		t.Fatalf("write/read through returned pointer failed: got %#x", got)
	}

	h.Efree(p1)
	h.Efree(p2)
}

func TestEmallocReuseAfterFree(t *testing.T) {
	h := New(&pinnedGrower{})

	p1, err := h.Emalloc(40)
	if err != nil {
		t.Fatalf("Emalloc: %v", err)
	}
	h.Efree(p1)

	p2, err := h.Emalloc(40)
	if err != nil {
		t.Fatalf("Emalloc: %v", err)
	}
	if p2 != p1 {
		t.Fatalf("expected the freed same-size block to be reused, got p1=%#x p2=%#x", p1, p2)
	}
}

func TestEmallocGrowsAcrossReserves(t *testing.T) {
	g := &pinnedGrower{}
	h := New(g)

	// Exhaust the first reserve with many large-ish allocations so a
	// second add_reserve is forced.
	var ptrs []uintptr
	for i := 0; i < 2000; i++ {
		p, err := h.Emalloc(256)
		if err != nil {
			t.Fatalf("Emalloc #%d: %v", i, err)
		}
		ptrs = append(ptrs, p)
	}
	if len(g.bufs) < 2 {
		t.Fatalf("expected at least 2 reserves to have been grown, got %d", len(g.bufs))
	}

	seen := make(map[uintptr]bool)
	for _, p := range ptrs {
		if seen[p] {
			t.Fatalf("duplicate pointer returned: %#x", p)
		}
		seen[p] = true
	}
}

func TestCanErealloc(t *testing.T) {
	h := New(&pinnedGrower{})

	p, err := h.Emalloc(32)
	if err != nil {
		t.Fatalf("Emalloc: %v", err)
	}
	if !h.CanErealloc(p) {
		t.Fatalf("expected a reserve-backed pointer to be realloc-able")
	}

	// Force a meta-reserve allocation by simulating the recursion fence.
	h.addingRes = true
	metaPtr, err := h.Emalloc(16)
	h.addingRes = false
	if err != nil {
		t.Fatalf("Emalloc (meta): %v", err)
	}
	if h.CanErealloc(metaPtr) {
		t.Fatalf("expected a meta-reserve pointer to be reported as not realloc-able")
	}
	h.Efree(metaPtr) // must be a safe no-op, not a panic
}
