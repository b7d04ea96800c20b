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

// ServerOption configures a TcpServer at construction time.
type ServerOption func(s *TcpServer)

// WithNumThread sets the worker fan-out width. Equivalent to calling
// SetNumThread after NewTcpServer, provided as an option for construction-site
// configuration.
func WithNumThread(n int) ServerOption {
	return func(s *TcpServer) { s.SetNumThread(n) }
}

// WithServerConnectionCallback installs the connection edge callback.
func WithServerConnectionCallback(fn ConnectionFunc) ServerOption {
	return func(s *TcpServer) { s.SetConnectionCallback(fn) }
}

// WithServerMessageCallback installs the message callback.
func WithServerMessageCallback(fn MessageFunc) ServerOption {
	return func(s *TcpServer) { s.SetMessageCallback(fn) }
}

// WithServerWriteCompleteCallback installs the write-complete callback.
func WithServerWriteCompleteCallback(fn WriteCompleteFunc) ServerOption {
	return func(s *TcpServer) { s.SetWriteCompleteCallback(fn) }
}

// WithServerHighWaterMark installs a high-water-mark callback and its
// trigger threshold in bytes.
func WithServerHighWaterMark(fn HighWaterMarkFunc, mark int) ServerOption {
	return func(s *TcpServer) { s.SetHighWaterMarkCallback(fn, mark) }
}

// WithThreadInit installs the per-worker thread-init callback.
func WithThreadInit(fn ThreadInitFunc) ServerOption {
	return func(s *TcpServer) { s.SetThreadInitCallback(fn) }
}

// NewServer constructs a TcpServer bound to local on baseLoop, applying
// opts in order.
func NewServer(baseLoop *EventLoop, local Addr, opts ...ServerOption) *TcpServer {
	s := NewTcpServer(baseLoop, local)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ClientOption configures a TcpClient at construction time.
type ClientOption func(c *TcpClient)

// WithRetry enables automatic reconnection.
func WithRetry() ClientOption {
	return func(c *TcpClient) { c.EnableRetry() }
}

// WithClientConnectionCallback installs the connection edge callback.
func WithClientConnectionCallback(fn ConnectionFunc) ClientOption {
	return func(c *TcpClient) { c.SetConnectionCallback(fn) }
}

// WithClientMessageCallback installs the message callback.
func WithClientMessageCallback(fn MessageFunc) ClientOption {
	return func(c *TcpClient) { c.SetMessageCallback(fn) }
}

// WithClientWriteCompleteCallback installs the write-complete callback.
func WithClientWriteCompleteCallback(fn WriteCompleteFunc) ClientOption {
	return func(c *TcpClient) { c.SetWriteCompleteCallback(fn) }
}

// NewClient constructs a TcpClient targeting peer on loop, applying opts
// in order.
func NewClient(loop *EventLoop, peer Addr, opts ...ClientOption) *TcpClient {
	c := NewTcpClient(loop, peer)
	for _, opt := range opts {
		opt(c)
	}
	return c
}
