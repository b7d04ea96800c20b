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
	"golang.org/x/sys/unix"
)

// Buffer is the growable byte queue used for a connection's input and
// output sides. It is the "byte buffer" collaborator spec.md treats as an
// external dependency with a known contract; this is a minimal, self
// contained realization of that contract (not a hot-path engineering
// target in its own right).
const (
	bufferInitialSize = 1024
	buffferCheapPrependSize = 8
)

type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

// NewBuffer returns an empty buffer with room for a header prepend, the
// way muduo's Buffer reserves cheap prepend space for length-prefixing use
// cases even though this package does not frame messages itself.
func NewBuffer() *Buffer {
	b := &Buffer{buf: make([]byte, buffferCheapPrependSize+bufferInitialSize)}
	b.readerIndex = buffferCheapPrependSize
	b.writerIndex = buffferCheapPrependSize
	return b
}

// ReadableBytes returns the number of unread bytes.
func (b *Buffer) ReadableBytes() int { return b.writerIndex - b.readerIndex }

// WritableBytes returns the number of bytes that can be appended without
// growing the backing array.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writerIndex }

// Peek returns the unread bytes without consuming them.
func (b *Buffer) Peek() []byte { return b.buf[b.readerIndex:b.writerIndex] }

// Retrieve consumes n bytes from the front of the readable region.
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.readerIndex += n
		return
	}
	b.RetrieveAll()
}

// RetrieveAll consumes every readable byte, resetting the buffer to empty.
func (b *Buffer) RetrieveAll() {
	b.readerIndex = buffferCheapPrependSize
	b.writerIndex = buffferCheapPrependSize
}

// RetrieveAllString consumes every readable byte and returns it as a string.
func (b *Buffer) RetrieveAllString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// RetrieveAllBytes consumes every readable byte and returns a copy.
func (b *Buffer) RetrieveAllBytes() []byte {
	out := make([]byte, b.ReadableBytes())
	copy(out, b.Peek())
	b.RetrieveAll()
	return out
}

// Append appends data to the writable end, growing the backing array if
// necessary.
func (b *Buffer) Append(data []byte) {
	if b.WritableBytes() < len(data) {
		b.makeSpace(len(data))
	}
	n := copy(b.buf[b.writerIndex:], data)
	b.writerIndex += n
}

func (b *Buffer) makeSpace(need int) {
	if b.WritableBytes()+b.readerIndex-buffferCheapPrependSize >= need {
		// Slide the readable region down to reclaim space already
		// retrieved from the front, instead of growing.
		readable := b.ReadableBytes()
		copy(b.buf[buffferCheapPrependSize:], b.buf[b.readerIndex:b.writerIndex])
		b.readerIndex = buffferCheapPrependSize
		b.writerIndex = b.readerIndex + readable
		return
	}
	newCap := len(b.buf)
	for newCap-b.writerIndex < need {
		newCap *= 2
	}
	grown := make([]byte, newCap)
	copy(grown, b.buf[:b.writerIndex])
	b.buf = grown
}

// ReadFromFD reads into the buffer's tail and, when that read fills the
// tail, reads once more into a fixed stack scratch area that is then
// appended, so a large burst of input does not require pre-sizing the
// buffer. These are two separate read calls, not one vectored read. A
// result of 0 with a nil err means the peer closed, a non-nil err reports
// a failed first read (n is then 0), and a positive count is the number
// of bytes appended.
func (b *Buffer) ReadFromFD(fd int) (n int, err error) {
	writable := b.WritableBytes()
	if writable == 0 {
		b.makeSpace(bufferInitialSize)
		writable = b.WritableBytes()
	}

	nread, rerr := unix.Read(fd, b.buf[b.writerIndex:b.writerIndex+writable])
	if rerr != nil {
		return 0, rerr
	}
	b.writerIndex += nread
	n = nread

	// The tail was filled completely: there may be more waiting in the
	// socket than the buffer currently has room for. Drain it into a
	// stack scratch area instead of growing the buffer speculatively.
	if nread == writable && nread > 0 {
		var extra [65536]byte
		more, merr := unix.Read(fd, extra[:])
		switch {
		case merr == unix.EAGAIN:
			// nothing more pending right now
		case merr != nil:
			// surface only the first read's result; the error will
			// reappear on the next readiness notification
		case more > 0:
			b.Append(extra[:more])
			n += more
		}
	}
	return n, nil
}
