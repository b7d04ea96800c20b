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
	"encoding/binary"
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// loopRegistry enforces "at most one loop per (OS) thread" the way the
// C++ original's __thread EventLoop* slot does. Go has no stable
// goroutine-local storage, so the slot is realized as a tid -> *EventLoop
// map, populated when Loop() pins its goroutine with
// runtime.LockOSThread and cleared when Loop() returns.
var loopRegistry struct {
	mu sync.Mutex
	m  map[int]*EventLoop
}

func init() {
	loopRegistry.m = make(map[int]*EventLoop)
}

// EventLoop is the per-thread reactor: it composes an epoll poller, an
// ordered timer queue, a wakeup descriptor, and a cross-thread task
// inbox. Every field except the task inbox and the quit flag is mutated
// only from the goroutine that calls Loop().
type EventLoop struct {
	tid     int
	running bool

	quit              atomic.Bool
	doingPendingTasks atomic.Bool

	poller *poller
	active []*Channel

	wakeupFd      int
	wakeupChannel *Channel

	mu    sync.Mutex
	tasks []func()

	timers *timerQueue
}

// NewEventLoop constructs a loop. It does not pin any goroutine; call
// Loop() on the goroutine that should own it.
func NewEventLoop() *EventLoop {
	ignoreSigpipe()

	loop := &EventLoop{}
	loop.poller = newPoller()

	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		L().Fatal("EventLoop: eventfd", zap.Error(err))
	}
	loop.wakeupFd = fd
	loop.wakeupChannel = newChannel(loop, fd)
	loop.wakeupChannel.SetReadCallback(loop.handleWakeupRead)

	loop.timers = newTimerQueue(loop)

	return loop
}

// Loop runs until Quit is observed. Each pass clears the active-channel
// list, blocks in the poller until a descriptor is ready, a timer fires,
// or the loop is woken, dispatches each active channel's events in the
// order the poller returned them, then drains pending cross-thread
// tasks.
func (l *EventLoop) Loop() {
	runtime.LockOSThread()
	l.tid = unix.Gettid()
	l.running = true

	loopRegistry.mu.Lock()
	if _, dup := loopRegistry.m[l.tid]; dup {
		loopRegistry.mu.Unlock()
		L().Fatal("one EventLoop already runs on this thread")
	}
	loopRegistry.m[l.tid] = l
	loopRegistry.mu.Unlock()

	defer func() {
		loopRegistry.mu.Lock()
		delete(loopRegistry.m, l.tid)
		loopRegistry.mu.Unlock()
		l.running = false
	}()

	// The wakeup and timerfd channels are armed here rather than in
	// NewEventLoop: EnableReading reaches updateChannel's
	// AssertInLoopThread, which requires tid/running to already be set
	// above.
	l.wakeupChannel.EnableReading()
	l.timers.channel.EnableReading()

	l.quit.Store(false)
	for !l.quit.Load() {
		l.active = l.active[:0]
		l.poller.poll(&l.active)
		for _, ch := range l.active {
			ch.handleEvent()
		}
		l.doPendingTasks()
	}
}

// Quit sets the quit flag; if called from another thread it additionally
// writes the wakeup descriptor so a blocked epoll_wait returns promptly.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		l.wakeup()
	}
}

// RunInLoop executes fn inline if the caller is already on the owning
// goroutine, otherwise hands it to QueueInLoop.
func (l *EventLoop) RunInLoop(fn func()) {
	if l.IsInLoopThread() {
		fn()
		return
	}
	l.QueueInLoop(fn)
}

// QueueInLoop appends fn to the task inbox. The loop is woken if the
// caller is on another thread, or if the loop is currently draining
// pending tasks — in the latter case fn would otherwise have to wait
// for the next readiness cycle even though the loop is still running.
func (l *EventLoop) QueueInLoop(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	if !l.IsInLoopThread() || l.doingPendingTasks.Load() {
		l.wakeup()
	}
}

// RunAt schedules cb to fire at when.
func (l *EventLoop) RunAt(when time.Time, cb func()) TimerID {
	return l.timers.addTimer(cb, when, 0)
}

// RunAfter schedules cb to fire after delay.
func (l *EventLoop) RunAfter(delay time.Duration, cb func()) TimerID {
	return l.RunAt(time.Now().Add(delay), cb)
}

// RunEvery schedules cb to fire every interval, fixed-rate, starting one
// interval from now.
func (l *EventLoop) RunEvery(interval time.Duration, cb func()) TimerID {
	return l.timers.addTimer(cb, time.Now().Add(interval), interval)
}

// CancelTimer cancels a timer scheduled via RunAt/RunAfter/RunEvery. A
// timer that was already canceled, or has already fired and was
// non-repeating, is a harmless no-op.
func (l *EventLoop) CancelTimer(id TimerID) {
	l.timers.cancel(id)
}

// updateChannel is callable only on the owning goroutine; a channel
// whose interest mask has gone empty is deregistered from the poller as
// part of the same reconciliation, so there is no separate removeChannel
// step.
func (l *EventLoop) updateChannel(ch *Channel) {
	l.AssertInLoopThread()
	l.poller.updateChannel(ch)
}

// AssertInLoopThread fails fatally if invoked from a goroutine pinned to
// a different OS thread than the one that called Loop().
func (l *EventLoop) AssertInLoopThread() {
	if !l.IsInLoopThread() {
		L().Fatal("EventLoop used from a thread other than its own")
	}
}

// IsInLoopThread reports whether the calling goroutine's OS thread is the
// one running this loop. Before Loop() has run, no thread is "in" the
// loop yet.
func (l *EventLoop) IsInLoopThread() bool {
	return l.running && unix.Gettid() == l.tid
}

func (l *EventLoop) doPendingTasks() {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()

	l.doingPendingTasks.Store(true)
	for _, fn := range tasks {
		fn()
	}
	l.doingPendingTasks.Store(false)
}

func (l *EventLoop) wakeup() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(l.wakeupFd, buf[:]); err != nil {
		L().Error("EventLoop: wakeup write", zap.Error(err))
	}
}

func (l *EventLoop) handleWakeupRead() {
	var buf [8]byte
	if _, err := unix.Read(l.wakeupFd, buf[:]); err != nil && err != unix.EAGAIN {
		L().Error("EventLoop: wakeup read", zap.Error(err))
	}
}
