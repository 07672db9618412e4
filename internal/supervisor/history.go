// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

package supervisor

import (
	"sync"
	"time"
)

// historyCap bounds how many log lines one run retains.
const historyCap = 1000

// duplicateWindow suppresses identical consecutive log lines emitted in
// rapid succession, typically by tight polling loops.
const duplicateWindow = 500 * time.Millisecond

// history is a fixed-capacity ring of log lines for a single run.
type history struct {
	mu       sync.Mutex
	lines    []string
	start    int
	count    int
	lastLine string
	lastAt   time.Time
}

func newHistory() *history {
	return &history{lines: make([]string, historyCap)}
}

// add records a line, dropping the oldest once the ring is full. A line
// identical to the previous one and inside duplicateWindow is suppressed;
// add reports whether the line was recorded.
func (h *history) add(line string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if line == h.lastLine && now.Sub(h.lastAt) < duplicateWindow {
		return false
	}
	h.lastLine = line
	h.lastAt = now

	if h.count == len(h.lines) {
		h.lines[h.start] = line
		h.start = (h.start + 1) % len(h.lines)
		return true
	}
	h.lines[(h.start+h.count)%len(h.lines)] = line
	h.count++
	return true
}

// snapshot returns the recorded lines, oldest first.
func (h *history) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, h.count)
	for i := range out {
		out[i] = h.lines[(h.start+i)%len(h.lines)]
	}
	return out
}
