// Package pstring implements the growable, append-only byte buffer used
// throughout the proxy for staged request/response bytes: request URLs,
// header fragments, and outbound send queues. Append, replace,
// substring-from-offset, and finalize are expressed as a Go value type
// instead of a malloc'd struct.
package pstring

// Buffer is a growable byte sequence. The zero value is ready to use.
type Buffer struct {
	data []byte
}

// Append grows the buffer by copying data onto the end.
func (b *Buffer) Append(data []byte) {
	b.data = append(b.data, data...)
}

// AppendString is a convenience wrapper around Append.
func (b *Buffer) AppendString(s string) {
	b.data = append(b.data, s...)
}

// Replace discards prior contents and appends data, leaving the buffer
// equal to data.
func (b *Buffer) Replace(data []byte) {
	b.data = append(b.data[:0], data...)
}

// Substring retains the suffix starting at begin, discarding the prefix.
// Used after a partial send to keep only the unsent tail. begin must be
// <= Len(); Substring(Len()) empties the buffer.
func (b *Buffer) Substring(begin int) {
	if begin <= 0 {
		return
	}
	if begin >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	remaining := len(b.data) - begin
	copy(b.data, b.data[begin:])
	b.data = b.data[:remaining]
}

// Finalize is a no-op carried over from the original's C-string contract
// (reserve a trailing NUL without changing the logical length). Go byte
// slices are already length-delimited, so there is nothing to reserve;
// this method exists so call sites that mirror the original's control
// flow (finalize-then-read-as-string) keep reading naturally via Bytes/
// String.
func (b *Buffer) Finalize() {}

// Reset empties the buffer, retaining its backing array.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}

// Len returns the number of bytes currently stored.
func (b *Buffer) Len() int { return len(b.data) }

// Bytes returns the buffer's contents. The returned slice aliases the
// buffer's backing array and is invalidated by the next mutating call.
func (b *Buffer) Bytes() []byte { return b.data }

// String returns a copy of the buffer's contents as a string.
func (b *Buffer) String() string { return string(b.data) }
