// Package errlog keeps a bounded in-memory ring of recent operational
// errors for the /errors command and the control plane /status endpoint.
//
// The ring is process-wide state by role, but it is never a package
// global: the owning process constructs one Ring and passes it to the
// components that record or read errors.
package errlog

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of entries kept when no capacity is given.
const DefaultCapacity = 50

// Entry is a single recorded error.
type Entry struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// Ring is a fixed-capacity ring buffer of recent errors.
// All methods are safe for concurrent use.
type Ring struct {
	mu   sync.Mutex
	buf  []Entry
	next int
	full bool
}

// New creates a Ring with the given capacity. Capacity values below 1
// fall back to DefaultCapacity.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]Entry, capacity)}
}

// Record appends an error message attributed to source.
func (r *Ring) Record(source, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = Entry{Time: time.Now(), Source: source, Message: message}
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// Recent returns up to n entries, newest first. n <= 0 returns all
// recorded entries.
func (r *Ring) Recent(n int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Len returns the number of recorded entries (capped at capacity).
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}
