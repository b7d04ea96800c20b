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
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var logp atomic.Value

func init() {
	logp.Store(zap.NewNop())
}

// SetLogger replaces the package-wide logger used by every reactor
// component. Safe to call from any goroutine; callers should do so once,
// before constructing any EventLoop.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logp.Store(l)
}

// L returns the current package-wide logger.
func L() *zap.Logger {
	return logp.Load().(*zap.Logger)
}

// FileLoggerOption customizes NewFileLogger.
type FileLoggerOption func(*lumberjack.Logger)

// WithMaxSizeMB caps the rotated log file size, in megabytes.
func WithMaxSizeMB(mb int) FileLoggerOption {
	return func(lj *lumberjack.Logger) { lj.MaxSize = mb }
}

// WithMaxBackups caps the number of rotated files retained.
func WithMaxBackups(n int) FileLoggerOption {
	return func(lj *lumberjack.Logger) { lj.MaxBackups = n }
}

// WithMaxAgeDays caps the age, in days, of retained rotated files.
func WithMaxAgeDays(days int) FileLoggerOption {
	return func(lj *lumberjack.Logger) { lj.MaxAge = days }
}

// NewFileLogger builds a zap.Logger that writes JSON-encoded entries to a
// lumberjack-rotated file at path. It is a convenience for hosts that want
// the reactor's diagnostic log kept out of stderr.
func NewFileLogger(path string, opts ...FileLoggerOption) *zap.Logger {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
	for _, opt := range opts {
		opt(lj)
	}
	enc := zap.NewProductionEncoderConfig()
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(lj), zap.InfoLevel)
	return zap.New(core)
}
