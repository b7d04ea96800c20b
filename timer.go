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
	"time"

	"go.uber.org/atomic"
)

// TimerID identifies a scheduled timer for CancelTimer. The zero value
// never identifies a real timer.
type TimerID struct {
	sequence uint64
}

// timer is a single pending or repeating callback. Repeat is fixed-rate:
// the next fire time is always previous-fire-time + interval, never
// "now + interval", so a timer that fires late does not push subsequent
// deadlines outward.
type timer struct {
	callback func()
	when     time.Time
	interval time.Duration
	repeat   bool
	canceled atomic.Bool
	sequence uint64
	index    int // position in timerQueue's heap, -1 when not present
}

func newTimer(callback func(), when time.Time, interval time.Duration, seq uint64) *timer {
	return &timer{
		callback: callback,
		when:     when,
		interval: interval,
		repeat:   interval > 0,
		sequence: seq,
		index:    -1,
	}
}

func (t *timer) id() TimerID { return TimerID{sequence: t.sequence} }

func (t *timer) run() {
	if t.callback != nil {
		t.callback()
	}
}

// restart advances the deadline by exactly one interval (fixed-rate); if
// that still isn't strictly after now, it's clamped to now+1ms so a timer
// that falls arbitrarily far behind does not spin the loop on a
// zero-or-negative arm. Catch-up ticks are not replayed: at most one
// callback invocation happens per queue pass regardless of how many
// intervals elapsed, matching the "core requires only that the next
// deadline be strictly greater than now" latitude in the source design.
func (t *timer) restart(now time.Time) {
	next := t.when.Add(t.interval)
	if !next.After(now) {
		next = now.Add(minTimerArm)
	}
	t.when = next
}
