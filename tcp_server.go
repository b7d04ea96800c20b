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
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TcpServerSingle owns one Acceptor and the set of connections it has
// accepted, all pinned to a single EventLoop. TcpServer composes one of
// these per worker thread to spread accepted connections across
// SO_REUSEPORT siblings.
type TcpServerSingle struct {
	loop     *EventLoop
	acceptor *Acceptor

	mu    sync.Mutex
	conns map[*TcpConnection]struct{}

	connectionFunc    ConnectionFunc
	messageFunc       MessageFunc
	writeCompleteFunc WriteCompleteFunc

	highWaterMark     int
	highWaterMarkFunc HighWaterMarkFunc
}

// NewTcpServerSingle binds and prepares (but does not yet Listen()) an
// acceptor for local on loop.
func NewTcpServerSingle(loop *EventLoop, local Addr) *TcpServerSingle {
	s := &TcpServerSingle{
		loop:           loop,
		conns:          make(map[*TcpConnection]struct{}),
		connectionFunc: defaultConnectionCallback,
		messageFunc:    defaultMessageCallback,
	}
	s.acceptor = NewAcceptor(loop, local)
	s.acceptor.SetNewConnectionCallback(s.handleNewConnection)
	return s
}

func (s *TcpServerSingle) SetConnectionCallback(fn ConnectionFunc)       { s.connectionFunc = fn }
func (s *TcpServerSingle) SetMessageCallback(fn MessageFunc)             { s.messageFunc = fn }
func (s *TcpServerSingle) SetWriteCompleteCallback(fn WriteCompleteFunc) { s.writeCompleteFunc = fn }

// SetHighWaterMarkCallback installs the per-connection high-water-mark
// callback applied to every subsequently accepted connection.
func (s *TcpServerSingle) SetHighWaterMarkCallback(fn HighWaterMarkFunc, mark int) {
	s.highWaterMarkFunc = fn
	s.highWaterMark = mark
}

// Start arms the acceptor's listen backlog. Must run on the owning loop.
func (s *TcpServerSingle) Start() {
	s.loop.AssertInLoopThread()
	if !s.acceptor.Listening() {
		s.acceptor.Listen()
	}
}

func (s *TcpServerSingle) handleNewConnection(fd int, local, peer Addr) {
	s.loop.AssertInLoopThread()

	conn := NewTcpConnection(s.loop, fd, local, peer)
	conn.SetMessageCallback(s.messageFunc)
	conn.SetWriteCompleteCallback(s.writeCompleteFunc)
	if s.highWaterMarkFunc != nil {
		conn.SetHighWaterMarkCallback(s.highWaterMarkFunc, s.highWaterMark)
	}
	conn.SetCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	conn.ConnectEstablished()
	s.connectionFunc(conn)
}

// ConnectionCount reports the number of connections currently tracked on
// this loop. Safe to call from any goroutine.
func (s *TcpServerSingle) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *TcpServerSingle) removeConnection(conn *TcpConnection) {
	s.loop.AssertInLoopThread()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.connectionFunc(conn)
	// Release the descriptor once the current dispatch pass is over, so
	// the peer observes the close.
	s.loop.QueueInLoop(conn.Close)
}

// Stop closes the listening socket and force-closes every live
// connection. Must run on the owning loop.
func (s *TcpServerSingle) Stop() error {
	s.loop.AssertInLoopThread()
	err := s.acceptor.Close()
	s.mu.Lock()
	live := make([]*TcpConnection, 0, len(s.conns))
	for c := range s.conns {
		live = append(live, c)
	}
	s.mu.Unlock()
	for _, c := range live {
		c.ForceClose()
	}
	return err
}

// worker is one SO_REUSEPORT sibling: its own loop, acceptor and
// connection set, running on a dedicated, LockOSThread-pinned goroutine.
type worker struct {
	loop   *EventLoop
	server *TcpServerSingle
	done   chan struct{}
}

// TcpServer fans a single listen address out across NumThread worker
// loops sharing SO_REUSEPORT, so accepted connections spread across
// threads without any single acceptor funneling them through one loop.
// With NumThread == 1 (the default) it degenerates to running its sole
// TcpServerSingle directly on the loop passed to NewTcpServer.
type TcpServer struct {
	baseLoop *EventLoop
	local    Addr

	numThread int
	started   bool

	base    *TcpServerSingle
	workers []*worker

	threadInitFunc ThreadInitFunc

	connectionFunc    ConnectionFunc
	messageFunc       MessageFunc
	writeCompleteFunc WriteCompleteFunc

	highWaterMark     int
	highWaterMarkFunc HighWaterMarkFunc
}

// NewTcpServer prepares a server bound to local. baseLoop both runs
// worker 0 (the base loop is never idle) and is the loop callers must
// use for Start/Stop.
func NewTcpServer(baseLoop *EventLoop, local Addr) *TcpServer {
	return &TcpServer{
		baseLoop:       baseLoop,
		local:          local,
		numThread:      1,
		threadInitFunc: defaultThreadInitCallback,
		connectionFunc: defaultConnectionCallback,
		messageFunc:    defaultMessageCallback,
	}
}

func (s *TcpServer) SetConnectionCallback(fn ConnectionFunc)       { s.connectionFunc = fn }
func (s *TcpServer) SetMessageCallback(fn MessageFunc)             { s.messageFunc = fn }
func (s *TcpServer) SetWriteCompleteCallback(fn WriteCompleteFunc) { s.writeCompleteFunc = fn }
func (s *TcpServer) SetThreadInitCallback(fn ThreadInitFunc)       { s.threadInitFunc = fn }

// SetHighWaterMarkCallback installs the per-connection high-water-mark
// callback applied on every worker.
func (s *TcpServer) SetHighWaterMarkCallback(fn HighWaterMarkFunc, mark int) {
	s.highWaterMarkFunc = fn
	s.highWaterMark = mark
}

// SetNumThread fixes the worker fan-out width. Valid only before Start;
// n < 1 is treated as 1.
func (s *TcpServer) SetNumThread(n int) {
	if s.started {
		L().Fatal("TcpServer: SetNumThread after Start")
	}
	if n < 1 {
		n = 1
	}
	s.numThread = n
}

// WorkerStats is a point-in-time snapshot of one worker loop, surfaced
// through the debug package's inspection endpoint.
type WorkerStats struct {
	Worker      int `json:"worker"`
	Connections int `json:"connections"`
}

// Stats reports a per-worker connection count snapshot, worker 0 being
// the base loop. Safe to call from any goroutine.
func (s *TcpServer) Stats() []WorkerStats {
	out := make([]WorkerStats, 0, 1+len(s.workers))
	if s.base != nil {
		out = append(out, WorkerStats{Worker: 0, Connections: s.base.ConnectionCount()})
	}
	for i, w := range s.workers {
		out = append(out, WorkerStats{Worker: i + 1, Connections: w.server.ConnectionCount()})
	}
	return out
}

func (s *TcpServer) newSingle(loop *EventLoop) *TcpServerSingle {
	single := NewTcpServerSingle(loop, s.local)
	single.SetConnectionCallback(s.connectionFunc)
	single.SetMessageCallback(s.messageFunc)
	single.SetWriteCompleteCallback(s.writeCompleteFunc)
	if s.highWaterMarkFunc != nil {
		single.SetHighWaterMarkCallback(s.highWaterMarkFunc, s.highWaterMark)
	}
	return single
}

// Start spins up numThread-1 additional worker loops (each on its own
// LockOSThread-pinned goroutine, sharing the listen port via
// SO_REUSEPORT), runs thread-init on each, and arms every acceptor
// including the base loop's. Safe to call only once; a second call is
// fatal.
func (s *TcpServer) Start() {
	if s.started {
		L().Fatal("TcpServer: Start called twice")
	}
	s.started = true

	s.base = s.newSingle(s.baseLoop)

	var ready sync.WaitGroup
	ready.Add(s.numThread - 1)

	for i := 1; i < s.numThread; i++ {
		idx := i
		w := &worker{loop: NewEventLoop(), done: make(chan struct{})}
		w.server = s.newSingle(w.loop)
		s.workers = append(s.workers, w)

		go func() {
			s.threadInitFunc(idx)
			w.loop.RunInLoop(func() {
				w.server.Start()
				ready.Done()
			})
			w.loop.Loop()
			close(w.done)
		}()
	}
	ready.Wait()

	s.threadInitFunc(0)
	s.base.Start()
}

// Stop tears down every worker loop (via Quit, joined in construction
// order) and the base server, combining any teardown error from each
// worker with go.uber.org/multierr the way a multi-component shutdown
// in this stack typically reports partial failure.
func (s *TcpServer) Stop() error {
	if !s.started {
		return nil
	}

	var errs error
	for _, w := range s.workers {
		var werr error
		w.loop.RunInLoop(func() { werr = w.server.Stop() })
		w.loop.Quit()
		<-w.done
		errs = multierr.Append(errs, werr)
	}

	var baseErr error
	baseDone := make(chan struct{})
	s.baseLoop.RunInLoop(func() {
		baseErr = s.base.Stop()
		close(baseDone)
	})
	<-baseDone
	errs = multierr.Append(errs, baseErr)

	if errs != nil {
		L().Warn("TcpServer: stop completed with errors", zap.Error(errs))
	}
	return errs
}
