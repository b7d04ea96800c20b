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
	"testing"

	"golang.org/x/sys/unix"
)

func TestBufferAppendRetrieve(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("hello"))
	b.Append([]byte(" world"))
	if got, want := b.ReadableBytes(), len("hello world"); got != want {
		t.Fatalf("ReadableBytes() = %d, want %d", got, want)
	}
	if got, want := b.RetrieveAllString(), "hello world"; got != want {
		t.Fatalf("RetrieveAllString() = %q, want %q", got, want)
	}
	if got := b.ReadableBytes(); got != 0 {
		t.Fatalf("ReadableBytes() after RetrieveAll = %d, want 0", got)
	}
}

func TestBufferPartialRetrieve(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("abcdef"))
	b.Retrieve(3)
	if got, want := string(b.Peek()), "def"; got != want {
		t.Fatalf("Peek() = %q, want %q", got, want)
	}
}

func TestBufferGrowsPastInitialCapacity(t *testing.T) {
	b := NewBuffer()
	payload := bytes.Repeat([]byte{'x'}, bufferInitialSize*4)
	b.Append(payload)
	if got := b.ReadableBytes(); got != len(payload) {
		t.Fatalf("ReadableBytes() = %d, want %d", got, len(payload))
	}
	if !bytes.Equal(b.Peek(), payload) {
		t.Fatal("Peek() does not match appended payload after growth")
	}
}

func TestBufferReadFromFD(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if _, err := unix.Write(fds[1], []byte("reactor")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	b := NewBuffer()
	n, err := b.ReadFromFD(fds[0])
	if err != nil {
		t.Fatalf("ReadFromFD: %v", err)
	}
	if n != len("reactor") {
		t.Fatalf("ReadFromFD() n = %d, want %d", n, len("reactor"))
	}
	if got := b.RetrieveAllString(); got != "reactor" {
		t.Fatalf("RetrieveAllString() = %q, want %q", got, "reactor")
	}

	unix.Close(fds[1])
	n, err = b.ReadFromFD(fds[0])
	if err != nil {
		t.Fatalf("ReadFromFD on closed peer: %v", err)
	}
	if n != 0 {
		t.Fatalf("ReadFromFD() n = %d, want 0 on peer close", n)
	}
}

func TestBufferRetrieveAllBytesIsACopy(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("payload"))
	out := b.RetrieveAllBytes()
	b.Append([]byte("next"))
	if string(out) != "payload" {
		t.Fatalf("RetrieveAllBytes() = %q, want %q (must not alias later writes)", out, "payload")
	}
}
