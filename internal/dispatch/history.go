package dispatch

import (
	"sync"
	"time"
)

// History is a bounded in-memory ring of recent dispatch summaries. It exists
// for the health surface and the operator; it is not durable and starts empty
// on every boot.
type History struct {
	mu   sync.Mutex
	buf  []Summary
	next int
	full bool
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 128
	}
	return &History{buf: make([]Summary, size)}
}

func (h *History) Record(s Summary) {
	h.mu.Lock()
	h.buf[h.next] = s
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()
}

// Recent returns up to n summaries, newest first.
func (h *History) Recent(n int) []Summary {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.next
	if h.full {
		size = len(h.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Summary, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.buf)) % len(h.buf)
		out = append(out, h.buf[idx])
	}
	return out
}

// TrimOlderThan drops summaries that finished before the cutoff and returns
// how many were removed. Used by the maintenance sweep.
func (h *History) TrimOlderThan(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.next
	if h.full {
		size = len(h.buf)
	}
	kept := make([]Summary, 0, size)
	for i := size; i >= 1; i-- {
		idx := (h.next - i + len(h.buf)) % len(h.buf)
		if !h.buf[idx].Finished.Before(cutoff) {
			kept = append(kept, h.buf[idx])
		}
	}
	removed := size - len(kept)
	if removed == 0 {
		return 0
	}
	h.buf = make([]Summary, cap(h.buf))
	copy(h.buf, kept)
	h.next = len(kept) % len(h.buf)
	h.full = len(kept) == len(h.buf)
	return removed
}
