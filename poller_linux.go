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
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const initialPollerEventCount = 128

// poller is a thin adapter over epoll: level-triggered, one registration
// per descriptor. Unlike the C++ original, golang.org/x/sys/unix's
// EpollEvent carries only a 32-bit Fd in its identity slot (no arbitrary
// pointer), so the poller keeps an fd -> *Channel index instead of
// stashing a Channel pointer directly in the kernel event payload. This
// is the realization the rest of the Go epoll-wrapper ecosystem uses
// (see other_examples gnet/evio snippets) and plays the same role as the
// original's epoll_data.ptr.
type poller struct {
	epfd     int
	events   []unix.EpollEvent
	channels map[int32]*Channel
}

func newPoller() *poller {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		L().Fatal("poller: epoll_create1", zap.Error(err))
	}
	return &poller{
		epfd:     epfd,
		events:   make([]unix.EpollEvent, initialPollerEventCount),
		channels: make(map[int32]*Channel),
	}
}

func (p *poller) close() {
	_ = unix.Close(p.epfd)
}

// poll blocks until at least one registered descriptor is ready, the
// timerfd fires, or the wakeup descriptor is written; it appends every
// now-ready channel to activeOut in the order epoll_wait returned them.
// There is no caller-supplied timeout: any pending deadline is already
// represented by the timerfd channel registered with this same poller,
// so epoll_wait itself always blocks indefinitely.
func (p *poller) poll(activeOut *[]*Channel) {
	n, err := unix.EpollWait(p.epfd, p.events, -1)
	if err != nil {
		if err == unix.EINTR {
			return
		}
		L().Error("poller: epoll_wait", zap.Error(err))
		return
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		ch, ok := p.channels[ev.Fd]
		if !ok {
			continue
		}
		ch.setRevents(ev.Events)
		*activeOut = append(*activeOut, ch)
	}
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
}

// updateChannel reconciles ch's registration with its current interest
// mask: ADD if it was unregistered and interest is non-empty, MODIFY if
// already registered and still non-empty, DELETE if registered and the
// interest has gone empty.
func (p *poller) updateChannel(ch *Channel) {
	if !ch.polling {
		if ch.IsNoneEvent() {
			return
		}
		ch.polling = true
		p.channels[int32(ch.fd)] = ch
		p.ctl(unix.EPOLL_CTL_ADD, ch)
		return
	}
	if !ch.IsNoneEvent() {
		p.ctl(unix.EPOLL_CTL_MOD, ch)
		return
	}
	ch.polling = false
	delete(p.channels, int32(ch.fd))
	p.ctl(unix.EPOLL_CTL_DEL, ch)
}

func (p *poller) ctl(op int, ch *Channel) {
	ev := unix.EpollEvent{Events: ch.events, Fd: int32(ch.fd)}
	if err := unix.EpollCtl(p.epfd, op, ch.fd, &ev); err != nil {
		L().Error("poller: epoll_ctl", zap.Int("op", op), zap.Int("fd", ch.fd), zap.Error(err))
	}
}
