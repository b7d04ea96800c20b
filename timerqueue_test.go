// Copyright 2023 Kami
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

package reactor

import (
	"container/heap"
	"sync"
	"testing"
	"time"
)

func TestTimerHeapOrdersByWhenThenSequence(t *testing.T) {
	base := time.Now()
	var h timerHeap
	heap.Init(&h)

	heap.Push(&h, newTimer(nil, base.Add(30*time.Millisecond), 0, 3))
	heap.Push(&h, newTimer(nil, base.Add(10*time.Millisecond), 0, 1))
	heap.Push(&h, newTimer(nil, base.Add(10*time.Millisecond), 0, 2))

	var order []uint64
	for h.Len() > 0 {
		order = append(order, heap.Pop(&h).(*timer).sequence)
	}
	want := []uint64{1, 2, 3}
	for i, seq := range want {
		if order[i] != seq {
			t.Fatalf("pop order = %v, want %v", order, want)
		}
	}
}

// TestMonotonicFireOrder covers invariant 6's first half: fire-times
// observed by callbacks are monotonically non-decreasing.
func TestMonotonicFireOrder(t *testing.T) {
	loop := NewEventLoop()
	go loop.Loop()
	defer loop.Quit()

	var mu timesMu
	loop.RunAfter(10*time.Millisecond, func() { mu.add(1) })
	loop.RunAfter(30*time.Millisecond, func() { mu.add(2) })
	loop.RunAfter(20*time.Millisecond, func() { mu.add(3) })

	time.Sleep(80 * time.Millisecond)

	got := mu.order()
	want := []int{1, 3, 2}
	if len(got) != len(want) {
		t.Fatalf("fired %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fire order = %v, want %v", got, want)
		}
	}
}

type timesMu struct {
	mu  sync.Mutex
	seq []int
}

func (m *timesMu) add(v int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq = append(m.seq, v)
}

func (m *timesMu) order() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}
