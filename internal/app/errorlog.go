package app

import (
	"sync"

	"github.com/imgfloat/server-sub000/internal/domain"
)

const defaultErrorLogSize = 100

// ErrorLog is a bounded ring of recent script error reports.
type ErrorLog struct {
	mu      sync.Mutex
	entries []domain.ScriptError
	next    int
	full    bool
}

func NewErrorLog(size int) *ErrorLog {
	if size <= 0 {
		size = defaultErrorLogSize
	}
	return &ErrorLog{entries: make([]domain.ScriptError, size)}
}

func (l *ErrorLog) Add(report domain.ScriptError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = report
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// Recent returns the stored reports, newest first.
func (l *ErrorLog) Recent() []domain.ScriptError {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.next
	if l.full {
		n = len(l.entries)
	}
	out := make([]domain.ScriptError, 0, n)
	for i := range n {
		idx := (l.next - 1 - i + len(l.entries)) % len(l.entries)
		out = append(out, l.entries[idx])
	}
	return out
}
