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

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// Mutex is a recursive mutual-exclusion lock: the goroutine that currently
// holds it may Lock it again without deadlocking, as sgxmm's internal heap
// requires (add_reserve calls back into the public allocator on the same
// logical call stack). The zero value is an unlocked Mutex.
//
// Like sync.Mutex, it admits one holding goroutine at a time; other
// goroutines block in Lock until the holder's depth returns to zero. The
// EMM's concurrency model (§5) is a single serialized critical section,
// re-entered only by the goroutine that already holds it.
type Mutex struct {
	mu       sync.Mutex
	cond     sync.Cond
	condInit sync.Once
	owner    int64 // goroutine id of the current holder, 0 if unlocked
	depth    int
}

func (m *Mutex) initCond() {
	m.condInit.Do(func() { m.cond.L = &m.mu })
}

// goroutineID extracts the numeric id Go prints at the head of
// runtime.Stack output. There is no supported API for this; every
// recursive-lock implementation that needs to detect same-goroutine
// re-entry without threading a context value through every call site
// resorts to the same trick.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		panic("rtabs: could not parse goroutine id: " + err.Error())
	}
	return id
}

// Lock acquires m. If the calling goroutine already holds m, Lock
// increments the recursion depth and returns immediately instead of
// deadlocking against itself.
func (m *Mutex) Lock() {
	m.initCond()
	id := goroutineID()

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.depth > 0 && m.owner != id {
		m.cond.Wait()
	}
	m.owner = id
	m.depth++
}

// Unlock releases one level of recursion. It panics if the calling
// goroutine does not hold m, matching the fatal-on-corruption posture §7
// takes for every other internal invariant.
func (m *Mutex) Unlock() {
	m.initCond()
	id := goroutineID()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth == 0 || m.owner != id {
		panic("rtabs: Unlock of a Mutex not held by the calling goroutine")
	}
	m.depth--
	if m.depth == 0 {
		m.owner = 0
		m.cond.Signal()
	}
}
