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
	"os/signal"
	"sync"
	"syscall"
)

var ignoreSigpipeOnce sync.Once

// ignoreSigpipe makes writes to a half-closed peer fail locally with
// EPIPE instead of terminating the process. It runs once, at first
// EventLoop construction, the way the C++ original installs a
// process-wide SIG_IGN the first time an EventLoop is built.
func ignoreSigpipe() {
	ignoreSigpipeOnce.Do(func() {
		signal.Ignore(syscall.SIGPIPE)
	})
}
