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

// newStreamSocket opens a non-blocking, close-on-exec IPv4 TCP socket.
func newStreamSocket() int {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		L().Fatal("reactor: socket", zap.Error(err))
	}
	return fd
}

func setReuseAddr(fd int) {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		L().Fatal("reactor: setsockopt SO_REUSEADDR", zap.Error(err))
	}
}

func setReusePort(fd int) {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		L().Fatal("reactor: setsockopt SO_REUSEPORT", zap.Error(err))
	}
}

func bindSocket(fd int, local Addr) {
	if err := unix.Bind(fd, local.sockaddr()); err != nil {
		L().Fatal("reactor: bind", zap.String("addr", local.String()), zap.Error(err))
	}
}

func listenSocket(fd int) {
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		L().Fatal("reactor: listen", zap.Error(err))
	}
}

// getSockError reads SO_ERROR, the idiom for distinguishing a real
// asynchronous connect() success from a failure once the socket becomes
// writable.
func getSockError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

func getLocalAddr(fd int) Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		L().Error("reactor: getsockname", zap.Error(err))
		return Addr{}
	}
	return addrFromSockaddr(sa)
}
