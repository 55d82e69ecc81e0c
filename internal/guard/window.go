package guard

import (
	"context"
	"sync"
	"time"
)

// hits is a per-key sliding window of timestamps.
type hits struct {
	mu    sync.Mutex
	times []time.Time
}

// prune drops hits at or before now-window. Caller holds mu.
func (h *hits) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(h.times) && !h.times[i].After(cutoff) {
		i++
	}
	h.times = h.times[i:]
}

// keyed maps keys to their windows. The map lock is held only to find or
// create a key; counting happens under the key's own lock.
type keyed struct {
	mu   sync.Mutex
	keys map[string]*hits
}

func (k *keyed) get(key string) *hits {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys == nil {
		k.keys = make(map[string]*hits)
	}
	h, ok := k.keys[key]
	if !ok {
		h = &hits{}
		k.keys[key] = h
	}
	return h
}

// SlidingWindow allows at most limit hits per key in any window.
type SlidingWindow struct {
	limit  int
	window time.Duration
	clock  func() time.Time
	keys   keyed
}

// NewSlidingWindow creates an in-process sliding-window limiter.
func NewSlidingWindow(limit int, window time.Duration, clock func() time.Time) *SlidingWindow {
	return &SlidingWindow{limit: limit, window: window, clock: clock}
}

// Allow records a hit for key if it fits in the window.
func (w *SlidingWindow) Allow(_ context.Context, key string) (bool, error) {
	now := w.clock()
	h := w.keys.get(key)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune(now, w.window)
	if len(h.times) >= w.limit {
		return false, nil
	}
	h.times = append(h.times, now)
	return true, nil
}

// failureTracker counts rejected proposals per initiator in a rolling
// window.
type failureTracker struct {
	threshold int
	window    time.Duration
	clock     func() time.Time
	keys      keyed
}

// record adds a failure and reports whether the key is now at or over the
// threshold.
func (f *failureTracker) record(key string) bool {
	now := f.clock()
	h := f.keys.get(key)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune(now, f.window)
	h.times = append(h.times, now)
	return len(h.times) >= f.threshold
}

func (f *failureTracker) flagged(key string) bool {
	now := f.clock()
	h := f.keys.get(key)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune(now, f.window)
	return len(h.times) >= f.threshold
}
