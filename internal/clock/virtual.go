package clock

import (
	"sync"
	"time"
)

// Virtual is a manually driven clock. Time only moves when Advance or Set is
// called, which makes limiter decisions reproducible.
//
// Safe for concurrent use.
type Virtual struct {
	mu      sync.RWMutex
	now     time.Time
	pending []timer
}

type timer struct {
	fireAt time.Time
	ch     chan time.Time
}

// NewVirtual returns a Virtual clock frozen at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

func (v *Virtual) Now() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.now
}

func (v *Virtual) Since(t time.Time) time.Duration {
	return v.Now().Sub(t)
}

// After fires when the clock is advanced to now+d or beyond. A non-positive
// d fires immediately.
func (v *Virtual) After(d time.Duration) <-chan time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- v.now
		return ch
	}
	v.pending = append(v.pending, timer{fireAt: v.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward by d. It panics on a negative d.
func (v *Virtual) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: negative advance")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = v.now.Add(d)
	v.fire()
}

// Set jumps the clock to t. It panics if t is before the current time.
func (v *Virtual) Set(t time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t.Before(v.now) {
		panic("clock: cannot move backwards")
	}
	v.now = t
	v.fire()
}

// fire must be called with v.mu held.
func (v *Virtual) fire() {
	keep := v.pending[:0]
	for _, t := range v.pending {
		if t.fireAt.After(v.now) {
			keep = append(keep, t)
			continue
		}
		t.ch <- v.now
	}
	v.pending = keep
}
