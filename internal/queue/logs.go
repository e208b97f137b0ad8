package queue

import (
	"io"
	"sync"
)

// LogBuffer is the append-only output of one job. Once a spool (console.log)
// is attached, lines are also written to it as they arrive.
type LogBuffer struct {
	mu     sync.Mutex
	lines  []string
	spool  io.WriteCloser
	closed bool
}

func NewLogBuffer(spool io.WriteCloser) *LogBuffer {
	return &LogBuffer{spool: spool}
}

// Append adds a line and returns its index.
func (b *LogBuffer) Append(line string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if b.spool != nil && !b.closed {
		_, _ = io.WriteString(b.spool, line+"\n")
	}
	return len(b.lines) - 1
}

// Attach starts spooling to w, first writing the lines buffered so far. A
// closed or already spooling buffer closes w instead.
func (b *LogBuffer) Attach(w io.WriteCloser) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.spool != nil {
		return w.Close()
	}
	for _, line := range b.lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			_ = w.Close()
			return err
		}
	}
	b.spool = w
	return nil
}

func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// Lines returns a copy of every line so far.
func (b *LogBuffer) Lines() []string {
	return b.Since(0)
}

// Since returns a copy of the lines from offset on.
func (b *LogBuffer) Since(offset int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(b.lines) {
		return []string{}
	}
	return append([]string(nil), b.lines[offset:]...)
}

// Close stops spooling. The in-memory lines stay readable.
func (b *LogBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.spool != nil {
		return b.spool.Close()
	}
	return nil
}
