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
	"sync"
	"testing"
	"time"
)

func TestMutexReentrant(t *testing.T) {
	var m Mutex
	m.Lock()
	done := make(chan struct{})
	go func() {
		m.Lock() // must block: a different goroutine holds m
		close(done)
		m.Unlock()
	}()

	select {
	case <-done:
		t.Fatal("second goroutine acquired the lock while the first still held it")
	case <-time.After(50 * time.Millisecond):
	}

	m.Lock() // reentrant acquire by the same goroutine must not block
	m.Unlock()
	m.Unlock()

	<-done
}

func TestMutexUnlockWithoutLockPanics(t *testing.T) {
	var m Mutex
	defer func() {
		if recover() == nil {
			t.Fatal("expected Unlock of an unheld Mutex to panic")
		}
	}()
	m.Unlock()
}

func TestMutexExcludesOtherGoroutines(t *testing.T) {
	var m Mutex
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock()
			defer m.Unlock()
			counter++
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("got %d, want 50", counter)
	}
}
