// Package capture holds bounded output buffers for subprocesses whose output
// is fed back to the reasoner.
package capture

import (
	"fmt"
	"sync"
)

// DefaultLimit caps captured output per stream (64 KiB).
const DefaultLimit = 64 << 10

// Buffer is an io.Writer that keeps the first and last halves of its limit
// and drops the middle once the limit is exceeded.
type Buffer struct {
	mu      sync.Mutex
	limit   int
	head    []byte
	tail    []byte
	omitted int
	total   int
}

// NewBuffer creates a buffer that retains at most limit bytes.
func NewBuffer(limit int) *Buffer {
	if limit < 0 {
		limit = 0
	}
	return &Buffer{limit: limit}
}

// Write implements io.Writer. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += len(p)

	headBudget := b.limit / 2
	tailBudget := b.limit - headBudget

	chunk := p
	if room := headBudget - len(b.head); room > 0 {
		if len(chunk) <= room {
			b.head = append(b.head, chunk...)
			return len(p), nil
		}
		b.head = append(b.head, chunk[:room]...)
		chunk = chunk[room:]
	}

	if tailBudget == 0 {
		b.omitted += len(chunk)
		return len(p), nil
	}

	b.tail = append(b.tail, chunk...)
	if excess := len(b.tail) - tailBudget; excess > 0 {
		b.omitted += excess
		b.tail = append(b.tail[:0:0], b.tail[excess:]...)
	}
	return len(p), nil
}

// Bytes returns head and tail joined, without a truncation marker.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.head)+len(b.tail) == 0 {
		return nil
	}
	out := make([]byte, 0, len(b.head)+len(b.tail))
	out = append(out, b.head...)
	return append(out, b.tail...)
}

// String returns the retained output with a marker where bytes were dropped.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.omitted == 0 {
		return string(b.head) + string(b.tail)
	}
	return fmt.Sprintf("%s\n... [%d bytes omitted] ...\n%s", b.head, b.omitted, b.tail)
}

// Omitted returns the number of bytes dropped from the middle.
func (b *Buffer) Omitted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.omitted
}

// Total returns the number of bytes ever written.
func (b *Buffer) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Len returns the number of bytes currently retained.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.head) + len(b.tail)
}
