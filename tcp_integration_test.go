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
	"bytes"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// freePort binds an ephemeral port, reads back its address, and releases
// it immediately so a server under test can bind the same port; there is
// a theoretical reuse race but it is not observed at this package's test
// scale.
func freePort(t *testing.T) Addr {
	t.Helper()
	fd := newStreamSocket()
	setReuseAddr(fd)
	bindSocket(fd, AnyAddr(0))
	addr := getLocalAddr(fd)
	_ = unix.Close(fd)
	return addr
}

// TestEchoRoundTrip is spec.md §8's literal echo scenario: client sends
// "hello\n", server echoes verbatim, client half-closes, both sides reach
// Disconnected.
func TestEchoRoundTrip(t *testing.T) {
	local := freePort(t)

	serverLoop := NewEventLoop()
	go serverLoop.Loop()
	defer serverLoop.Quit()

	var downEdges sync.WaitGroup
	downEdges.Add(1)

	serverLoop.RunInLoop(func() {
		srv := NewTcpServerSingle(serverLoop, local)
		srv.SetMessageCallback(func(conn *TcpConnection, buf *Buffer) {
			conn.Send(buf.RetrieveAllBytes())
		})
		srv.SetConnectionCallback(func(conn *TcpConnection) {
			if conn.Disconnected() {
				downEdges.Done()
			}
		})
		srv.Start()
	})

	time.Sleep(30 * time.Millisecond)

	clientLoop := NewEventLoop()
	go clientLoop.Loop()
	defer clientLoop.Quit()

	echoed := make(chan []byte, 1)
	clientLoop.RunInLoop(func() {
		client := NewTcpClient(clientLoop, local)
		client.SetMessageCallback(func(conn *TcpConnection, buf *Buffer) {
			echoed <- buf.RetrieveAllBytes()
			conn.Shutdown()
		})
		client.SetConnectionCallback(func(conn *TcpConnection) {
			if conn.Connected() {
				conn.SendString("hello\n")
			}
		})
		client.Connect()
	})

	select {
	case got := <-echoed:
		if !bytes.Equal(got, []byte("hello\n")) {
			t.Fatalf("echoed = %q, want %q", got, "hello\n")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}

	done := make(chan struct{})
	go func() { downEdges.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server down-edge after client half-close")
	}
}

// TestBackpressureHighWaterMark is spec.md §8's backpressure scenario: the
// server writes far more than the client reads, the HWM callback fires
// exactly once, and once the client starts reading the write-complete
// callback fires.
func TestBackpressureHighWaterMark(t *testing.T) {
	const payloadSize = 1 << 20 // 1 MiB
	const hwm = 1024

	local := freePort(t)

	serverLoop := NewEventLoop()
	go serverLoop.Loop()
	defer serverLoop.Quit()

	var hwmHits int
	var hwmMu sync.Mutex
	writeComplete := make(chan struct{}, 1)

	serverLoop.RunInLoop(func() {
		srv := NewTcpServerSingle(serverLoop, local)
		srv.SetHighWaterMarkCallback(func(conn *TcpConnection, queued int) {
			hwmMu.Lock()
			hwmHits++
			hwmMu.Unlock()
		}, hwm)
		srv.SetWriteCompleteCallback(func(conn *TcpConnection) {
			select {
			case writeComplete <- struct{}{}:
			default:
			}
		})
		srv.SetConnectionCallback(func(conn *TcpConnection) {
			if conn.Connected() {
				conn.Send(bytes.Repeat([]byte{'a'}, payloadSize))
			}
		})
		srv.Start()
	})

	time.Sleep(30 * time.Millisecond)

	clientLoop := NewEventLoop()
	go clientLoop.Loop()
	defer clientLoop.Quit()

	received := make(chan int, 1)
	var total int
	var totalMu sync.Mutex

	clientLoop.RunInLoop(func() {
		client := NewTcpClient(clientLoop, local)
		client.SetConnectionCallback(func(conn *TcpConnection) {
			if conn.Connected() {
				// Withhold reading so the server's output piles up past
				// the HWM threshold before any of it drains.
				conn.StopRead()
				clientLoop.RunAfter(200*time.Millisecond, conn.StartRead)
			}
		})
		client.SetMessageCallback(func(conn *TcpConnection, buf *Buffer) {
			totalMu.Lock()
			total += buf.ReadableBytes()
			got := total
			totalMu.Unlock()
			buf.RetrieveAll()
			if got >= payloadSize {
				select {
				case received <- got:
				default:
				}
			}
		})
		client.Connect()
	})

	select {
	case got := <-received:
		if got < payloadSize {
			t.Fatalf("received %d bytes, want >= %d", got, payloadSize)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for full payload")
	}

	select {
	case <-writeComplete:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write-complete callback")
	}

	hwmMu.Lock()
	hits := hwmHits
	hwmMu.Unlock()
	if hits != 1 {
		t.Errorf("high-water-mark callback fired %d times for a 1 MiB unread backlog, want exactly 1", hits)
	}
}

// TestReconnect is spec.md §8's reconnect scenario: a client retries
// against an initially unbound port and succeeds once the server binds.
func TestReconnect(t *testing.T) {
	local := freePort(t)

	clientLoop := NewEventLoop()
	go clientLoop.Loop()
	defer clientLoop.Quit()

	connected := make(chan struct{}, 1)
	clientLoop.RunInLoop(func() {
		client := NewTcpClient(clientLoop, local)
		client.EnableRetry()
		client.SetConnectionCallback(func(conn *TcpConnection) {
			if conn.Connected() {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		})
		client.Connect()
	})

	// Give the client time to fail at least once against the unbound
	// port before the server starts listening.
	time.Sleep(100 * time.Millisecond)

	serverLoop := NewEventLoop()
	go serverLoop.Loop()
	defer serverLoop.Quit()
	serverLoop.RunInLoop(func() {
		srv := NewTcpServerSingle(serverLoop, local)
		srv.Start()
	})

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected after server bound")
	}
}

// TestIdleTimeout is spec.md §8's idle-timeout scenario: a server-side
// timer force-closes a connection that never sends anything within its
// deadline. The package itself has no built-in idle timer (spec.md
// scopes that out), so this test builds one the way an application is
// expected to: an EventLoop timer driving ForceClose.
func TestIdleTimeout(t *testing.T) {
	const idle = 150 * time.Millisecond

	local := freePort(t)

	serverLoop := NewEventLoop()
	go serverLoop.Loop()
	defer serverLoop.Quit()

	serverDown := make(chan struct{}, 1)
	serverLoop.RunInLoop(func() {
		srv := NewTcpServerSingle(serverLoop, local)
		srv.SetConnectionCallback(func(conn *TcpConnection) {
			if conn.Connected() {
				serverLoop.RunAfter(idle, func() {
					if conn.Connected() {
						conn.ForceClose()
					}
				})
				return
			}
			select {
			case serverDown <- struct{}{}:
			default:
			}
		})
		srv.Start()
	})

	time.Sleep(30 * time.Millisecond)

	clientLoop := NewEventLoop()
	go clientLoop.Loop()
	defer clientLoop.Quit()

	clientDown := make(chan struct{}, 1)
	clientLoop.RunInLoop(func() {
		client := NewTcpClient(clientLoop, local)
		client.SetConnectionCallback(func(conn *TcpConnection) {
			if conn.Disconnected() {
				select {
				case clientDown <- struct{}{}:
				default:
				}
			}
		})
		client.Connect()
	})

	select {
	case <-serverDown:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side idle force-close")
	}
	select {
	case <-clientDown:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client to observe the forced close")
	}
}

// TestMultiWorkerFanout is spec.md §8's fan-out scenario at reduced
// scale for test runtime: a handful of clients against a 2-worker
// server each land a connection and complete one round-trip.
func TestMultiWorkerFanout(t *testing.T) {
	const numClients = 20

	local := freePort(t)

	baseLoop := NewEventLoop()
	go baseLoop.Loop()
	defer baseLoop.Quit()

	var started sync.WaitGroup
	started.Add(1)

	var srv *TcpServer
	baseLoop.RunInLoop(func() {
		srv = NewTcpServer(baseLoop, local)
		srv.SetNumThread(2)
		srv.SetMessageCallback(func(conn *TcpConnection, buf *Buffer) {
			conn.Send(buf.RetrieveAllBytes())
		})
		srv.Start()
		started.Done()
	})
	started.Wait()
	defer srv.Stop()

	var wg sync.WaitGroup
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop := NewEventLoop()
			go loop.Loop()
			defer loop.Quit()

			echoed := make(chan struct{}, 1)
			loop.RunInLoop(func() {
				c := NewTcpClient(loop, local)
				c.SetMessageCallback(func(conn *TcpConnection, buf *Buffer) {
					buf.RetrieveAll()
					select {
					case echoed <- struct{}{}:
					default:
					}
				})
				c.SetConnectionCallback(func(conn *TcpConnection) {
					if conn.Connected() {
						conn.SendString("ping")
					}
				})
				c.Connect()
			})

			select {
			case <-echoed:
			case <-time.After(5 * time.Second):
				t.Error("client round-trip timed out")
			}
		}()
	}
	wg.Wait()

	stats := srv.Stats()
	if len(stats) != 2 {
		t.Fatalf("Stats() returned %d workers, want 2", len(stats))
	}
}
