package core

import "sync"

// runHistory is a bounded ring of finished commands.
type runHistory struct {
	mu    sync.RWMutex
	runs  []RunResult
	next  int
	count int
}

func newRunHistory(size int) *runHistory {
	return &runHistory{runs: make([]RunResult, size)}
}

func (h *runHistory) add(r RunResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs[h.next] = r
	h.next = (h.next + 1) % len(h.runs)
	if h.count < len(h.runs) {
		h.count++
	}
}

// list returns the recorded runs, newest first.
func (h *runHistory) list() []RunResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]RunResult, 0, h.count)
	for i := 1; i <= h.count; i++ {
		idx := (h.next - i + len(h.runs)) % len(h.runs)
		out = append(out, h.runs[idx])
	}
	return out
}
