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

import "go.uber.org/zap"

// ConnectionFunc is invoked on both the up-edge (connectEstablished) and
// the down-edge (after the close handler runs) of a connection's life.
type ConnectionFunc func(conn *TcpConnection)

// MessageFunc is invoked whenever bytes are available in conn's input
// buffer; the callback owns consuming bytes from buf.
type MessageFunc func(conn *TcpConnection, buf *Buffer)

// WriteCompleteFunc is invoked after the output buffer fully drains.
type WriteCompleteFunc func(conn *TcpConnection)

// HighWaterMarkFunc is invoked at most once per upward crossing of the
// configured threshold.
type HighWaterMarkFunc func(conn *TcpConnection, bytesQueued int)

// ThreadInitFunc runs once in each TcpServer worker loop's goroutine,
// before that worker starts accepting.
type ThreadInitFunc func(workerIndex int)

func defaultConnectionCallback(conn *TcpConnection) {
	edge := "down"
	if conn.Connected() {
		edge = "up"
	}
	L().Info("connection", zap.String("peer", conn.Peer().String()), zap.String("local", conn.Local().String()), zap.String("edge", edge))
}

func defaultMessageCallback(conn *TcpConnection, buf *Buffer) {
	L().Debug("connection recv", zap.String("peer", conn.Peer().String()), zap.Int("bytes", buf.ReadableBytes()))
	buf.RetrieveAll()
}

func defaultThreadInitCallback(workerIndex int) {
	L().Debug("event loop thread started", zap.Int("worker", workerIndex))
}
