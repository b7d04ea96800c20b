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

import "testing"

func TestAddrString(t *testing.T) {
	a, err := NewAddr("127.0.0.1", 9000)
	if err != nil {
		t.Fatalf("NewAddr: %v", err)
	}
	if got, want := a.String(), "127.0.0.1:9000"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got, want := a.Port(), uint16(9000); got != want {
		t.Errorf("Port() = %d, want %d", got, want)
	}
}

func TestAddrLoopbackDefault(t *testing.T) {
	a, err := NewAddr("", 80)
	if err != nil {
		t.Fatalf("NewAddr: %v", err)
	}
	if got, want := a.IP(), "127.0.0.1"; got != want {
		t.Errorf("IP() = %q, want %q", got, want)
	}
}

func TestAnyAddr(t *testing.T) {
	a := AnyAddr(8080)
	if got, want := a.String(), "0.0.0.0:8080"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestNewAddrRejectsGarbage(t *testing.T) {
	if _, err := NewAddr("not-an-ip", 1); err == nil {
		t.Error("NewAddr(\"not-an-ip\", 1) = nil error, want non-nil")
	}
}
