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
	"golang.org/x/sys/unix"
)

// weakConn stands in for a weak_ptr<void> tie: the channel holds the raw
// pointer but consults the connection's own "destroyed" latch before
// dispatching into it, so that a channel dispatch occurring after its
// owning TcpConnection has torn down becomes a no-op instead of touching
// freed state.
type weakConn struct {
	conn *TcpConnection
}

func (w *weakConn) lock() (*TcpConnection, bool) {
	if w == nil || w.conn == nil {
		return nil, false
	}
	if w.conn.destroyed.Load() {
		return nil, false
	}
	return w.conn, true
}

// Channel is the per-descriptor event handle. It is mutated only on its
// owning loop's goroutine; the one exception, Fd, is immutable after
// construction and safe to read from anywhere.
type Channel struct {
	loop   *EventLoop
	fd     int
	events uint32
	revents uint32
	polling bool // registered with the poller

	handlingEvents bool

	tie *weakConn

	readCallback  func()
	writeCallback func()
	closeCallback func()
	errorCallback func()
}

func newChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd}
}

// Fd returns the underlying file descriptor.
func (c *Channel) Fd() int { return c.fd }

func (c *Channel) SetReadCallback(fn func())  { c.readCallback = fn }
func (c *Channel) SetWriteCallback(fn func()) { c.writeCallback = fn }
func (c *Channel) SetCloseCallback(fn func()) { c.closeCallback = fn }
func (c *Channel) SetErrorCallback(fn func()) { c.errorCallback = fn }

// tieTo records a weak back-reference to conn, used to guard dispatch
// after the connection has been destroyed.
func (c *Channel) tieTo(conn *TcpConnection) { c.tie = &weakConn{conn: conn} }

func (c *Channel) IsNoneEvent() bool { return c.events == 0 }
func (c *Channel) IsReading() bool   { return c.events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 }
func (c *Channel) IsWriting() bool   { return c.events&unix.EPOLLOUT != 0 }

func (c *Channel) EnableReading() {
	c.events |= unix.EPOLLIN | unix.EPOLLPRI
	c.update()
}
func (c *Channel) EnableWriting() {
	c.events |= unix.EPOLLOUT
	c.update()
}
func (c *Channel) DisableReading() {
	c.events &^= unix.EPOLLIN | unix.EPOLLPRI
	c.update()
}
func (c *Channel) DisableWriting() {
	c.events &^= unix.EPOLLOUT
	c.update()
}
func (c *Channel) DisableAll() {
	c.events = 0
	c.update()
}

func (c *Channel) update() {
	c.loop.updateChannel(c)
}

// setRevents stashes the ready mask reported by the poller for the
// upcoming handleEvent call.
func (c *Channel) setRevents(revents uint32) { c.revents = revents }

// handleEvent dispatches the latest ready mask to the registered
// callbacks, in the order: hangup-without-read, error, read, write. If a
// weak tie is set, the tied connection is upgraded first; a failed
// upgrade (owner already torn down) makes the call a no-op.
func (c *Channel) handleEvent() {
	c.loop.AssertInLoopThread()
	if c.tie != nil {
		if _, ok := c.tie.lock(); !ok {
			return
		}
	}
	c.handleEventWithGuard()
}

func (c *Channel) handleEventWithGuard() {
	if c.handlingEvents {
		L().Fatal("channel handleEvent re-entered while handling events")
	}
	c.handlingEvents = true
	defer func() { c.handlingEvents = false }()

	if c.revents&unix.EPOLLHUP != 0 && c.revents&unix.EPOLLIN == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.revents&unix.EPOLLERR != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.revents&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		if c.readCallback != nil {
			c.readCallback()
		}
	}
	if c.revents&unix.EPOLLOUT != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}
