// Package framing holds the growable byte buffers that sit between the
// input and output pipes of the segmenter, and the flush policies that decide
// how many buffered bytes may be written onward without splitting a frame
// across two recordings.
package framing

import "bytes"

// PipeBuf is the largest write the kernel performs atomically on a pipe
// (PIPE_BUF on Linux).
const PipeBuf = 4096

// Marker is an Annex-B start code followed by an SPS NAL header. Every
// recording begins at one of these so it is independently decodable.
var Marker = []byte{0x00, 0x00, 0x00, 0x01, 0x67}

// Buffer accumulates bytes read from a pipe until they are flushed. It
// counts bytes in and out since the last ResetCounters.
type Buffer struct {
	data []byte
	in   int64
	out  int64
}

// Append adds freshly read bytes.
func (b *Buffer) Append(p []byte) {
	b.data = append(b.data, p...)
	b.in += int64(len(p))
}

// Bytes returns the buffered bytes. The slice is valid until the next
// Append or Consume.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int { return len(b.data) }

// HasPrefix reports whether the buffer currently starts with p.
func (b *Buffer) HasPrefix(p []byte) bool { return bytes.HasPrefix(b.data, p) }

// Consume drops the first n bytes after they have been written onward.
func (b *Buffer) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.data = b.data[:0]
	} else {
		rest := copy(b.data, b.data[n:])
		b.data = b.data[:rest]
	}
	b.out += int64(n)
}

// In returns bytes appended since the last reset.
func (b *Buffer) In() int64 { return b.in }

// Out returns bytes consumed since the last reset.
func (b *Buffer) Out() int64 { return b.out }

// ResetCounters zeroes the in/out counters. Buffered bytes are kept.
func (b *Buffer) ResetCounters() {
	b.in, b.out = 0, 0
}

// VideoFlushLen returns how many leading bytes of buf may be written onward
// in one atomic pipe write of at most limit bytes.
//
// With no split pending everything up to limit is flushable. With a split
// pending, bytes are flushed up to the rightmost marker that starts after
// offset 0 and ends within the write window, leaving that marker at the head
// of the buffer. Without such a marker only bytes that cannot be part of a
// marker still being received are flushed.
func VideoFlushLen(buf, marker []byte, splitPending bool, limit int) int {
	if len(buf) == 0 || limit <= 0 {
		return 0
	}
	if !splitPending {
		return min(len(buf), limit)
	}
	window := buf[:min(len(buf), limit+len(marker)-1)]
	if i := bytes.LastIndex(window[1:], marker); i >= 0 {
		return i + 1
	}
	return max(0, min(len(buf)-(len(marker)-1), limit))
}

// AudioFlushLen returns the largest whole number of samples in n buffered
// bytes that fits in limit.
func AudioFlushLen(n, sampleSize, limit int) int {
	if sampleSize <= 0 {
		return 0
	}
	n = min(n, limit)
	return n - n%sampleSize
}
