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
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"
)

// Addr is an immutable IPv4 endpoint: a 32-bit address plus a 16-bit port.
// No name resolution is performed anywhere in this package; construct an
// Addr from a dotted-quad literal or from a net.ResolveTCPAddr result
// obtained outside the package.
type Addr struct {
	ip   [4]byte
	port uint16
}

// NewAddr builds an Addr from a dotted-quad IPv4 literal and a port. An
// empty ip selects 127.0.0.1, mirroring the common "bind to localhost for
// tests" shortcut.
func NewAddr(ip string, port uint16) (Addr, error) {
	if ip == "" {
		return Addr{ip: [4]byte{127, 0, 0, 1}, port: port}, nil
	}
	var b [4]byte
	n, err := fmt.Sscanf(ip, "%d.%d.%d.%d", &b[0], &b[1], &b[2], &b[3])
	if err != nil || n != 4 {
		return Addr{}, fmt.Errorf("reactor: invalid IPv4 literal %q", ip)
	}
	return Addr{ip: b, port: port}, nil
}

// AnyAddr returns the wildcard 0.0.0.0:port address, used by listeners that
// should accept on every local interface.
func AnyAddr(port uint16) Addr {
	return Addr{port: port}
}

// IP renders the dotted-quad form of the address, e.g. "192.168.1.1".
func (a Addr) IP() string {
	return fmt.Sprintf("%d.%d.%d.%d", a.ip[0], a.ip[1], a.ip[2], a.ip[3])
}

// Port returns the 16-bit port in host byte order.
func (a Addr) Port() uint16 { return a.port }

// String renders "ip:port".
func (a Addr) String() string {
	return a.IP() + ":" + strconv.Itoa(int(a.port))
}

// sockaddr builds the unix.SockaddrInet4 used to bind/connect.
func (a Addr) sockaddr() *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Port: int(a.port), Addr: a.ip}
}

// addrFromSockaddr converts a sockaddr returned by getsockname/getpeername
// back into an Addr. Non-IPv4 addresses are not expected since every socket
// opened by this package is AF_INET.
func addrFromSockaddr(sa unix.Sockaddr) Addr {
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		return Addr{ip: sa4.Addr, port: uint16(sa4.Port)}
	}
	return Addr{}
}
