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

// ErrorFunc is invoked when an outbound connect attempt fails.
type ErrorFunc func(err error)

// Connector performs one active-open attempt: immediate success,
// EINPROGRESS followed by a writable notification, or hard failure. It
// always deregisters its channel before handing the descriptor to a
// TcpConnection, so the fd is registered with the poller exactly once.
type Connector struct {
	loop      *EventLoop
	peer      Addr
	fd        int
	started   bool
	connected bool
	channel   *Channel

	onNewConnection NewConnectionFunc
	onError         ErrorFunc
}

// NewConnector prepares (but does not start) an active-open attempt to
// peer.
func NewConnector(loop *EventLoop, peer Addr) *Connector {
	fd := newStreamSocket()
	c := &Connector{loop: loop, peer: peer, fd: fd}
	c.channel = newChannel(loop, fd)
	c.channel.SetWriteCallback(c.handleWrite)
	return c
}

func (c *Connector) SetNewConnectionCallback(fn NewConnectionFunc) { c.onNewConnection = fn }
func (c *Connector) SetErrorCallback(fn ErrorFunc)                 { c.onError = fn }

// Start issues the connect() call. Must run on the owning loop.
func (c *Connector) Start() {
	c.loop.AssertInLoopThread()
	if c.started {
		L().Fatal("Connector started twice")
	}
	c.started = true

	err := unix.Connect(c.fd, c.peer.sockaddr())
	switch {
	case err == nil:
		c.handleWrite()
	case err == unix.EINPROGRESS:
		c.channel.EnableWriting()
	default:
		L().Warn("Connector: connect", zap.String("peer", c.peer.String()), zap.Error(err))
		if c.onError != nil {
			c.onError(err)
		}
	}
}

func (c *Connector) handleWrite() {
	c.loop.AssertInLoopThread()

	c.channel.DisableAll()
	if err := getSockError(c.fd); err != nil {
		L().Warn("Connector: async connect failed", zap.String("peer", c.peer.String()), zap.Error(err))
		if c.onError != nil {
			c.onError(err)
		}
		return
	}

	c.connected = true
	local := getLocalAddr(c.fd)
	if c.onNewConnection != nil {
		c.onNewConnection(c.fd, local, c.peer)
	}
}

// Close releases the socket if it was never handed off to a connection.
func (c *Connector) Close() {
	if !c.connected {
		_ = unix.Close(c.fd)
	}
}
