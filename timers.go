package vines

import (
	"sync"
	"time"
)

// timerRegistry holds at most one pending one-shot timer per key. Arming a
// key cancels any prior timer for it. Used for per-peer failure detection
// and per-topic election deadlines.
//
// Note this is thread safe.
type timerRegistry struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newTimerRegistry() *timerRegistry {
	return &timerRegistry{
		timers: make(map[string]*time.Timer),
	}
}

// Reset arms a one-shot timer for the key, cancelling any prior timer. The
// action runs on its own goroutine after the duration elapses.
func (r *timerRegistry) Reset(key string, d time.Duration, action func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.timers[key]; ok {
		t.Stop()
	}
	r.timers[key] = time.AfterFunc(d, func() {
		r.remove(key)
		action()
	})
}

// Cancel stops the pending timer for the key, if any.
func (r *timerRegistry) Cancel(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.timers[key]; ok {
		t.Stop()
		delete(r.timers, key)
	}
}

// Clear stops every pending timer. Idempotent, used on teardown.
func (r *timerRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, t := range r.timers {
		t.Stop()
		delete(r.timers, key)
	}
}

func (r *timerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.timers)
}

func (r *timerRegistry) remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.timers, key)
}
