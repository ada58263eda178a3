package supervisor

import (
	"strings"
	"sync"
)

// RingBuffer keeps the last N lines of daemon output. When full, the oldest
// line is overwritten.
type RingBuffer struct {
	mu sync.RWMutex

	lines []string

	// head is where the next write goes, not the newest line.
	head int
	size int
	cap  int
}

// NewRingBuffer creates a ring buffer holding capacity lines.
// If capacity is <= 0, it defaults to 500 lines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &RingBuffer{
		lines: make([]string, capacity),
		cap:   capacity,
	}
}

// Write appends a line, overwriting the oldest when full.
func (rb *RingBuffer) Write(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.lines[rb.head] = line
	rb.head = (rb.head + 1) % rb.cap
	if rb.size < rb.cap {
		rb.size++
	}
}

// Lines returns a copy of the buffered lines, oldest first.
func (rb *RingBuffer) Lines() []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]string, rb.size)
	if rb.size < rb.cap {
		copy(result, rb.lines[:rb.size])
		return result
	}
	for i := 0; i < rb.size; i++ {
		result[i] = rb.lines[(rb.head+i)%rb.cap]
	}
	return result
}

// Tail joins the newest n lines with newlines. n <= 0 means all of them.
func (rb *RingBuffer) Tail(n int) string {
	lines := rb.Lines()
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Size returns the current number of lines in the buffer.
func (rb *RingBuffer) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}
