package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock is the read side of the simulation clock. The coordinator and the
// event queue depend on it rather than on a concrete controller.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// After returns a channel that receives the simulation time once d has
	// elapsed in simulation time.
	After(d time.Duration) <-chan time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime waits one Tick of wall-clock time per step.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still stepping by Tick.
	Accelerated
)

// ParseMode maps "realtime" and "accelerated" to a Mode, defaulting to
// Accelerated.
func ParseMode(s string) Mode {
	if s == "realtime" || s == "real-time" {
		return RealTime
	}
	return Accelerated
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// TimeController is a discrete step clock. Simulation time is always
// StartTime + step*Tick, so repeated stepping does not accumulate drift.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	step      int
	listeners []func(step int, at time.Time)
	waiters   []waiter
}

// NewTimeController constructs a controller positioned at step 0.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime: start,
		Tick:      tick,
		Mode:      mode,
	}
}

// Step returns the number of completed steps.
func (tc *TimeController) Step() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.step
}

// Seconds returns the elapsed simulation time in seconds.
func (tc *TimeController) Seconds() float64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return float64(tc.step) * tc.Tick.Seconds()
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.nowLocked()
}

func (tc *TimeController) nowLocked() time.Time {
	return tc.StartTime.Add(time.Duration(tc.step) * tc.Tick)
}

// After returns a buffered channel that receives the simulation time on the
// first Advance that reaches Now()+d. Implements SimClock.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	at := tc.nowLocked().Add(d)
	if d <= 0 {
		ch <- tc.nowLocked()
		return ch
	}
	tc.waiters = append(tc.waiters, waiter{at: at, ch: ch})
	return ch
}

// AddListener registers a callback invoked after every step.
func (tc *TimeController) AddListener(fn func(step int, at time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// SetStep repositions the clock without notifying listeners.
func (tc *TimeController) SetStep(step int) {
	if step < 0 {
		step = 0
	}
	tc.mu.Lock()
	tc.step = step
	tc.mu.Unlock()
}

// Reset moves the clock back to step 0 and drops pending waiters.
func (tc *TimeController) Reset() {
	tc.mu.Lock()
	tc.step = 0
	tc.waiters = nil
	tc.mu.Unlock()
}

// Advance moves the clock forward by one Tick. In RealTime mode it first
// waits one Tick of wall time, returning ctx.Err() if the context ends
// before that.
func (tc *TimeController) Advance(ctx context.Context) error {
	if tc.Mode == RealTime && tc.Tick > 0 {
		timer := time.NewTimer(tc.Tick)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	tc.mu.Lock()
	tc.step++
	step := tc.step
	now := tc.nowLocked()
	listeners := append([]func(int, time.Time){}, tc.listeners...)
	pending := tc.waiters[:0]
	for _, w := range tc.waiters {
		if !w.at.After(now) {
			w.ch <- now
			continue
		}
		pending = append(pending, w)
	}
	tc.waiters = pending
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(step, now)
	}
	return nil
}

// Start advances the controller in a separate goroutine until duration of
// simulation time has elapsed or ctx ends. The returned channel is closed
// when it stops.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		elapsed := time.Duration(0)
		for duration <= 0 || elapsed < duration {
			if err := tc.Advance(ctx); err != nil {
				return
			}
			elapsed += tc.Tick
		}
	}()
	return done
}
