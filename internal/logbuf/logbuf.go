// Package logbuf keeps the most recent log lines in memory so the admin
// surface can dump them without shelling into the host. It plugs into
// zerolog as an extra writer.
package logbuf

import (
	"strings"
	"sync"
)

// Buffer is a bounded, thread-safe ring of log lines. Writes never fail and
// never block on readers; once full, the oldest line is dropped.
type Buffer struct {
	mu    sync.Mutex
	lines []string
	head  int
	count int
}

const DefaultSize = 512

func New(size int) *Buffer {
	if size < 1 {
		size = DefaultSize
	}
	return &Buffer{lines: make([]string, size)}
}

// Write implements io.Writer for use as a zerolog sink. Each call is
// treated as one log line; trailing newlines are stripped.
func (b *Buffer) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	if line == "" {
		return len(p), nil
	}
	b.mu.Lock()
	b.lines[b.head] = line
	b.head = (b.head + 1) % len(b.lines)
	if b.count < len(b.lines) {
		b.count++
	}
	b.mu.Unlock()
	return len(p), nil
}

// Snapshot returns the buffered lines oldest-first.
func (b *Buffer) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, b.count)
	start := b.head - b.count
	if start < 0 {
		start += len(b.lines)
	}
	for i := 0; i < b.count; i++ {
		out = append(out, b.lines[(start+i)%len(b.lines)])
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
