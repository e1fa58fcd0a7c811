package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryWindows is a process-local WindowStore for tests and single-node development.
type MemoryWindows struct {
	mu      sync.Mutex
	windows map[string]Window
}

func NewMemoryWindows() *MemoryWindows {
	return &MemoryWindows{windows: make(map[string]Window)}
}

func (m *MemoryWindows) Current(_ context.Context, orgID string, now time.Time, size time.Duration) (Window, error) {
	return m.apply(orgID, now, size, 0), nil
}

func (m *MemoryWindows) Increment(_ context.Context, orgID string, now time.Time, size time.Duration) (Window, error) {
	return m.apply(orgID, now, size, 1), nil
}

func (m *MemoryWindows) apply(orgID string, now time.Time, size time.Duration, incr int) Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[orgID]
	if !ok || now.Sub(w.Start) >= size {
		w = Window{OrgID: orgID, Start: now}
	}
	w.Count += incr
	m.windows[orgID] = w
	return w
}

func (m *MemoryWindows) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for org, w := range m.windows {
		if w.Start.Before(cutoff) {
			delete(m.windows, org)
			n++
		}
	}
	return n, nil
}
