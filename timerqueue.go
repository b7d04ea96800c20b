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
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// minTimerArm is the floor applied to every timerfd arm value, to avoid a
// degenerate zero-or-negative delay spinning the loop.
const minTimerArm = time.Millisecond

// timerHeap orders pending timers by (fire-time, sequence), so two timers
// scheduled for the same instant still have a deterministic tie-broken
// order.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if !h[i].when.Equal(h[j].when) {
		return h[i].when.Before(h[j].when)
	}
	return h[i].sequence < h[j].sequence
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x interface{}) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerQueue is the ordered collection of pending timers for one loop,
// backed by a single kernel timerfd armed to the earliest deadline.
type timerQueue struct {
	loop     *EventLoop
	timerfd  int
	channel  *Channel
	heap     timerHeap
	byID     map[uint64]*timer
	nextSeq  uint64
}

func newTimerQueue(loop *EventLoop) *timerQueue {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		L().Fatal("timerQueue: timerfd_create", zap.Error(err))
	}
	tq := &timerQueue{
		loop:    loop,
		timerfd: fd,
		byID:    make(map[uint64]*timer),
	}
	tq.channel = newChannel(loop, fd)
	tq.channel.SetReadCallback(tq.handleRead)
	return tq
}

func (tq *timerQueue) close() {
	tq.channel.DisableAll()
	_ = unix.Close(tq.timerfd)
}

// addTimer is safe from any thread: the insertion is posted to the owning
// loop, and the kernel timerfd is re-armed only if the new timer became
// the earliest deadline.
func (tq *timerQueue) addTimer(callback func(), when time.Time, interval time.Duration) TimerID {
	seq := atomic.AddUint64(&tq.nextSeq, 1)
	t := newTimer(callback, when, interval, seq)
	id := t.id()
	tq.loop.RunInLoop(func() {
		tq.insert(t)
	})
	return id
}

func (tq *timerQueue) insert(t *timer) {
	tq.loop.AssertInLoopThread()
	wasEarliest := tq.heap.Len() == 0 || t.when.Before(tq.heap[0].when)
	heap.Push(&tq.heap, t)
	tq.byID[t.sequence] = t
	if wasEarliest {
		tq.armTimerfd(t.when)
	}
}

// cancel marks the timer canceled and removes it from the queue. Posted
// from any thread, serialized through the loop.
func (tq *timerQueue) cancel(id TimerID) {
	tq.loop.RunInLoop(func() {
		tq.loop.AssertInLoopThread()
		t, ok := tq.byID[id.sequence]
		if !ok {
			return
		}
		t.canceled.Store(true)
		delete(tq.byID, id.sequence)
		if t.index >= 0 {
			heap.Remove(&tq.heap, t.index)
		}
	})
}

func (tq *timerQueue) handleRead() {
	tq.loop.AssertInLoopThread()
	drainTimerfd(tq.timerfd)

	now := time.Now()
	var expired []*timer
	for tq.heap.Len() > 0 && !tq.heap[0].when.After(now) {
		t := heap.Pop(&tq.heap).(*timer)
		expired = append(expired, t)
	}

	for _, t := range expired {
		if !t.canceled.Load() {
			t.run()
		}
		if !t.canceled.Load() && t.repeat {
			t.restart(now)
			heap.Push(&tq.heap, t)
		} else {
			delete(tq.byID, t.sequence)
		}
	}

	if tq.heap.Len() > 0 {
		tq.armTimerfd(tq.heap[0].when)
	}
}

func (tq *timerQueue) armTimerfd(when time.Time) {
	d := time.Until(when)
	if d < minTimerArm {
		d = minTimerArm
	}
	spec := &unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(tq.timerfd, 0, spec, nil); err != nil {
		L().Error("timerQueue: timerfd_settime", zap.Error(err))
	}
}

func drainTimerfd(fd int) {
	var buf [8]byte
	_, err := unix.Read(fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		L().Error("timerQueue: drain timerfd", zap.Error(err))
	}
}
