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
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// NewConnectionFunc receives an accepted or connected descriptor along
// with its local and peer addresses.
type NewConnectionFunc func(fd int, local, peer Addr)

// Acceptor owns a non-blocking listening socket bound to local, with
// SO_REUSEADDR and SO_REUSEPORT enabled.
type Acceptor struct {
	loop      *EventLoop
	fd        int
	channel   *Channel
	local     Addr
	listening bool

	// idleFd is a pre-opened spare descriptor, closed and reopened
	// around an EMFILE so the very next accept() has a free slot to
	// succeed into instead of spinning a tight accept-fail loop. This
	// is the recovery technique the C++ original's author explicitly
	// chose not to implement (see DESIGN.md).
	idleFd int

	onNewConnection NewConnectionFunc
}

// NewAcceptor binds a listening socket to local. Bind/socket failures are
// fatal, per spec.md's "unrecoverable system fault at construction time".
func NewAcceptor(loop *EventLoop, local Addr) *Acceptor {
	fd := newStreamSocket()
	setReuseAddr(fd)
	setReusePort(fd)
	bindSocket(fd, local)

	idleFd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		L().Warn("Acceptor: could not reserve idle fd for EMFILE recovery", zap.Error(err))
		idleFd = -1
	}

	a := &Acceptor{
		loop:   loop,
		fd:     fd,
		local:  local,
		idleFd: idleFd,
	}
	a.channel = newChannel(loop, fd)
	a.channel.SetReadCallback(a.handleRead)
	return a
}

// SetNewConnectionCallback installs the callback invoked for each
// accepted connection.
func (a *Acceptor) SetNewConnectionCallback(fn NewConnectionFunc) {
	a.onNewConnection = fn
}

// Listen arms the kernel listen backlog and enables read interest. It
// must be called on the owning loop.
func (a *Acceptor) Listen() {
	a.loop.AssertInLoopThread()
	listenSocket(a.fd)
	a.listening = true
	a.channel.EnableReading()
}

func (a *Acceptor) Listening() bool { return a.listening }

func (a *Acceptor) handleRead() {
	a.loop.AssertInLoopThread()

	nfd, sa, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		switch err {
		case unix.EAGAIN:
			return
		case unix.ECONNABORTED:
			L().Warn("Acceptor: accept4 ECONNABORTED")
			return
		case unix.EMFILE:
			L().Warn("Acceptor: accept4 EMFILE, recovering via idle fd")
			a.recoverFromEMFILE()
			return
		default:
			L().Fatal("Acceptor: accept4", zap.Error(err))
			return
		}
	}

	if a.onNewConnection != nil {
		a.onNewConnection(nfd, a.local, addrFromSockaddr(sa))
	} else {
		_ = unix.Close(nfd)
	}
}

// recoverFromEMFILE frees the reserved idle descriptor so the pending
// connection in the accept backlog can be accepted, then immediately
// drops it (there is no budget left to service it) and reopens the
// reservation.
func (a *Acceptor) recoverFromEMFILE() {
	if a.idleFd < 0 {
		return
	}
	_ = unix.Close(a.idleFd)
	a.idleFd = -1

	nfd, _, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err == nil {
		_ = unix.Close(nfd)
	}

	if fd, oerr := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0); oerr == nil {
		a.idleFd = fd
	} else {
		L().Warn("Acceptor: failed to re-reserve idle fd", zap.Error(oerr))
	}
}

// Close releases the listening socket and the idle-fd reservation,
// combining any close() failures from the two descriptors.
func (a *Acceptor) Close() error {
	a.channel.DisableAll()
	err := unix.Close(a.fd)
	if a.idleFd >= 0 {
		err = multierr.Append(err, unix.Close(a.idleFd))
	}
	return err
}
