// Package ringlog is the bounded in-memory log tail kept per model,
// grounded on the ring-buffer-plus-file shape of the teacher's
// internal/logstore/logstore.go, simplified to what a single model's
// ~200-line recent-output window needs. It is in-memory only; model output
// is not written to disk.
package ringlog

import "sync"

const defaultCap = 200

// Buffer is a fixed-capacity FIFO of log lines. Safe for concurrent use.
type Buffer struct {
	mu    sync.Mutex
	lines []string
	cap   int
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = defaultCap
	}
	return &Buffer{cap: capacity}
}

// Append adds line, evicting the oldest line if the buffer is full.
func (b *Buffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.cap {
		b.lines = b.lines[len(b.lines)-b.cap:]
	}
}

// Lines returns a snapshot copy of the buffered lines, oldest first.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

// Write implements io.Writer so a Buffer can sit directly in an
// exec.Cmd's Stdout/Stderr, splitting on newlines.
func (b *Buffer) Write(p []byte) (int, error) {
	start := 0
	for i, c := range p {
		if c == '\n' {
			b.Append(string(p[start:i]))
			start = i + 1
		}
	}
	if start < len(p) {
		b.Append(string(p[start:]))
	}
	return len(p), nil
}
