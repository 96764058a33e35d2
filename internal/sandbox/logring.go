package sandbox

import "sync"

// logRingCapacity bounds the per-session stderr buffer.
const logRingCapacity = 500

// LogRing is a bounded in-memory buffer of recent sandbox output lines.
// Not durable; reads return a snapshot.
type LogRing struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewLogRing creates an empty ring with the default capacity.
func NewLogRing() *LogRing {
	return &LogRing{lines: make([]string, logRingCapacity)}
}

// Append adds a line, evicting the oldest once the ring is full.
func (r *LogRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Snapshot returns the buffered lines oldest first.
func (r *LogRing) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}
