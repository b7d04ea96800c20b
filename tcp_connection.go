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
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type connState int32

const (
	stateConnecting connState = iota
	stateConnected
	stateDisconnecting
	stateDisconnected
)

// TcpConnection is the per-connection state machine: input/output
// buffering, backpressure, half/forced close. It is kept alive by a
// shared reference held by its owning server/client and by any closure
// the loop has scheduled against it; its Channel holds only a weak back
// reference, so a dispatch racing with teardown becomes a no-op instead
// of touching freed state.
type TcpConnection struct {
	loop    *EventLoop
	fd      int
	channel *Channel

	state atomic.Int32

	local Addr
	peer  Addr

	input  *Buffer
	output *Buffer

	highWaterMark     int
	highWaterMarkFunc HighWaterMarkFunc

	context interface{}

	messageFunc       MessageFunc
	writeCompleteFunc WriteCompleteFunc
	closeFunc         ConnectionFunc

	// destroyed latches true once the close handler has run, so a
	// channel dispatch that races with (or follows) teardown can
	// detect the owner is gone. See weakConn.
	destroyed atomic.Bool
}

// NewTcpConnection wraps an already-accepted-or-connected, non-blocking
// socket fd. The connection starts in the Connecting state; call
// ConnectEstablished once it has been registered with its owner's
// bookkeeping to move it to Connected and arm read interest.
func NewTcpConnection(loop *EventLoop, fd int, local, peer Addr) *TcpConnection {
	c := &TcpConnection{
		loop:        loop,
		fd:          fd,
		local:       local,
		peer:        peer,
		input:       NewBuffer(),
		output:      NewBuffer(),
		messageFunc: defaultMessageCallback,
	}
	c.state.Store(int32(stateConnecting))
	c.channel = newChannel(loop, fd)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	return c
}

func (c *TcpConnection) SetMessageCallback(fn MessageFunc)             { c.messageFunc = fn }
func (c *TcpConnection) SetWriteCompleteCallback(fn WriteCompleteFunc) { c.writeCompleteFunc = fn }
func (c *TcpConnection) SetCloseCallback(fn ConnectionFunc)            { c.closeFunc = fn }

// SetHighWaterMarkCallback installs fn, invoked at most once per upward
// crossing of mark bytes queued in the output buffer.
func (c *TcpConnection) SetHighWaterMarkCallback(fn HighWaterMarkFunc, mark int) {
	c.highWaterMarkFunc = fn
	c.highWaterMark = mark
}

// ConnectEstablished ties the channel to this connection, enables read
// interest, and transitions Connecting -> Connected.
func (c *TcpConnection) ConnectEstablished() {
	c.loop.AssertInLoopThread()
	if connState(c.state.Load()) != stateConnecting {
		L().Fatal("ConnectEstablished called outside Connecting state")
	}
	c.state.Store(int32(stateConnected))
	c.channel.tieTo(c)
	c.channel.EnableReading()
}

func (c *TcpConnection) Connected() bool    { return connState(c.state.Load()) == stateConnected }
func (c *TcpConnection) Disconnected() bool { return connState(c.state.Load()) == stateDisconnected }

func (c *TcpConnection) Local() Addr { return c.local }
func (c *TcpConnection) Peer() Addr  { return c.peer }

// Name renders "peer -> local", matching the muduo convention used for
// log lines and connection-set keys.
func (c *TcpConnection) Name() string { return c.peer.String() + " -> " + c.local.String() }

func (c *TcpConnection) SetContext(ctx interface{}) { c.context = ctx }
func (c *TcpConnection) Context() interface{}       { return c.context }

// Loop returns the EventLoop this connection is pinned to.
func (c *TcpConnection) Loop() *EventLoop { return c.loop }

// Send queues data for delivery. Called from the owning loop's goroutine
// it writes (or buffers) immediately; called from any other goroutine it
// marshals an owned copy through QueueInLoop so the buffer itself is only
// ever touched on the owning loop.
func (c *TcpConnection) Send(data []byte) {
	if connState(c.state.Load()) != stateConnected {
		L().Warn("TcpConnection.Send: not connected, dropping", zap.String("conn", c.Name()))
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return
	}
	owned := append([]byte(nil), data...)
	c.loop.QueueInLoop(func() { c.sendInLoop(owned) })
}

// SendString is a convenience wrapper over Send.
func (c *TcpConnection) SendString(s string) { c.Send([]byte(s)) }

// SendBuffer sends and fully retrieves buf's readable bytes.
func (c *TcpConnection) SendBuffer(buf *Buffer) {
	if connState(c.state.Load()) != stateConnected {
		L().Warn("TcpConnection.Send: not connected, dropping", zap.String("conn", c.Name()))
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(buf.Peek())
		buf.RetrieveAll()
		return
	}
	owned := buf.RetrieveAllBytes()
	c.loop.QueueInLoop(func() { c.sendInLoop(owned) })
}

func (c *TcpConnection) sendInLoop(data []byte) {
	c.loop.AssertInLoopThread()
	if connState(c.state.Load()) == stateDisconnected {
		L().Warn("TcpConnection.sendInLoop: disconnected, dropping", zap.String("conn", c.Name()))
		return
	}

	var (
		written int
		fault   bool
	)

	if !c.channel.IsWriting() && c.output.ReadableBytes() == 0 {
		n, err := unix.Write(c.fd, data)
		if err != nil {
			if err != unix.EAGAIN {
				L().Warn("TcpConnection: write", zap.String("conn", c.Name()), zap.Error(err))
				if err == unix.EPIPE || err == unix.ECONNRESET {
					fault = true
				}
			}
			n = 0
		} else {
			written = n
			if written == len(data) && c.writeCompleteFunc != nil {
				fn := c.writeCompleteFunc
				c.loop.QueueInLoop(func() { fn(c) })
			}
		}
	}

	if fault {
		return
	}

	remainder := data[written:]
	if len(remainder) == 0 {
		return
	}

	if c.highWaterMarkFunc != nil {
		oldLen := c.output.ReadableBytes()
		newLen := oldLen + len(remainder)
		if oldLen < c.highWaterMark && newLen >= c.highWaterMark {
			fn := c.highWaterMarkFunc
			c.loop.QueueInLoop(func() { fn(c, newLen) })
		}
	}
	c.output.Append(remainder)
	c.channel.EnableWriting()
}

func (c *TcpConnection) handleWrite() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		return
	}
	n, err := unix.Write(c.fd, c.output.Peek())
	if err != nil {
		if err != unix.EAGAIN {
			L().Warn("TcpConnection: write-readiness write", zap.String("conn", c.Name()), zap.Error(err))
		}
		return
	}
	c.output.Retrieve(n)
	if c.output.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if connState(c.state.Load()) == stateDisconnecting {
			c.shutdownInLoop()
		}
		if c.writeCompleteFunc != nil {
			fn := c.writeCompleteFunc
			c.loop.QueueInLoop(func() { fn(c) })
		}
	}
}

func (c *TcpConnection) handleRead() {
	c.loop.AssertInLoopThread()
	n, err := c.input.ReadFromFD(c.fd)
	switch {
	case err != nil:
		L().Warn("TcpConnection: read", zap.String("conn", c.Name()), zap.Error(err))
		// A failed read (e.g. ECONNRESET with no accompanying EPOLLHUP)
		// leaves the fd read-armed; treat it as a close rather than
		// relying on the hangup bit to eventually arrive.
		c.handleClose()
	case n == 0:
		c.handleClose()
	default:
		if c.messageFunc != nil {
			c.messageFunc(c, c.input)
		}
	}
}

func (c *TcpConnection) handleClose() {
	c.loop.AssertInLoopThread()
	if connState(c.state.Load()) == stateDisconnected {
		return
	}
	c.state.Store(int32(stateDisconnected))
	c.channel.DisableAll()
	c.destroyed.Store(true)
	if c.closeFunc != nil {
		c.closeFunc(c)
	}
}

func (c *TcpConnection) handleError() {
	if err := getSockError(c.fd); err != nil {
		L().Warn("TcpConnection: socket error", zap.String("conn", c.Name()), zap.Error(err))
	}
}

// Shutdown requests a half-close of the write side. It is effected
// immediately if the output buffer is already empty, otherwise deferred
// until the output buffer drains. Exactly one caller of Shutdown/ForceClose
// moves the connection out of Connected, even under concurrent calls from
// many goroutines: the Connected -> Disconnecting transition is a single
// atomic exchange. ForceClose still proceeds on a connection that is
// already Disconnecting (for example after a Shutdown); Shutdown does not.
func (c *TcpConnection) Shutdown() {
	if c.state.CAS(int32(stateConnected), int32(stateDisconnecting)) {
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *TcpConnection) shutdownInLoop() {
	c.loop.AssertInLoopThread()
	if connState(c.state.Load()) == stateDisconnected || c.channel.IsWriting() {
		return
	}
	if err := unix.Shutdown(c.fd, unix.SHUT_WR); err != nil {
		L().Warn("TcpConnection: shutdown(SHUT_WR)", zap.String("conn", c.Name()), zap.Error(err))
	}
}

// ForceClose requests an immediate close regardless of buffered output.
func (c *TcpConnection) ForceClose() {
	prev := connState(c.state.Load())
	if prev == stateDisconnected {
		return
	}
	if c.state.CAS(int32(prev), int32(stateDisconnecting)) {
		c.loop.QueueInLoop(c.forceCloseInLoop)
	}
}

func (c *TcpConnection) forceCloseInLoop() {
	c.loop.AssertInLoopThread()
	if connState(c.state.Load()) != stateDisconnected {
		c.handleClose()
	}
}

// StopRead/StartRead toggle read interest without tearing the connection
// down, the mechanism an idle-timeout or flow-control policy built on top
// of this package uses for backpressure.
func (c *TcpConnection) StopRead() {
	c.loop.RunInLoop(func() {
		if c.channel.IsReading() {
			c.channel.DisableReading()
		}
	})
}

func (c *TcpConnection) StartRead() {
	c.loop.RunInLoop(func() {
		if !c.channel.IsReading() {
			c.channel.EnableReading()
		}
	})
}

func (c *TcpConnection) IsReading() bool { return c.channel.IsReading() }

// InputBuffer and OutputBuffer expose the connection's buffers for
// inspection; the message callback is expected to consume from
// InputBuffer directly rather than copying it.
func (c *TcpConnection) InputBuffer() *Buffer  { return c.input }
func (c *TcpConnection) OutputBuffer() *Buffer { return c.output }

// Close releases the underlying descriptor. The caller must ensure the
// connection has reached Disconnected first; this mirrors the C++
// original's destructor assertion.
func (c *TcpConnection) Close() {
	if connState(c.state.Load()) != stateDisconnected {
		L().Fatal("TcpConnection closed while not Disconnected", zap.String("conn", c.Name()))
	}
	_ = unix.Close(c.fd)
}
