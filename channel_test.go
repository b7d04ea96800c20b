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
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// TestChannelReadDispatch verifies that enabling read interest on a
// socketpair fd delivers a read callback once the peer writes, exercised
// end-to-end through a running EventLoop (invariant 1: channels are
// mutated/dispatched only from their owning loop's thread, which is the
// only thread this test ever touches the channel from).
func TestChannelReadDispatch(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	loop := NewEventLoop()
	go loop.Loop()
	defer loop.Quit()

	fired := make(chan struct{}, 1)
	loop.RunInLoop(func() {
		ch := newChannel(loop, fds[0])
		ch.SetReadCallback(func() {
			var buf [16]byte
			unix.Read(fds[0], buf[:])
			fired <- struct{}{}
		})
		ch.EnableReading()
	})

	if _, err := unix.Write(fds[1], []byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read callback")
	}
}

func TestWeakConnLockAfterDestroy(t *testing.T) {
	conn := &TcpConnection{}
	w := &weakConn{conn: conn}

	if _, ok := w.lock(); !ok {
		t.Fatal("lock() on live connection = not ok, want ok")
	}

	conn.destroyed.Store(true)
	if _, ok := w.lock(); ok {
		t.Fatal("lock() after destroy = ok, want not ok")
	}
}
