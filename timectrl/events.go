package timectrl

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// EventQueue runs callbacks once the simulation clock reaches their scheduled
// time. The coordinator uses it for deferred admissions of waiting agents.
type EventQueue struct {
	clock SimClock

	mu      sync.Mutex
	counter uint64
	events  []*scheduledEvent // ordered by when, earliest first
	index   map[string]*scheduledEvent
}

type scheduledEvent struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

// NewEventQueue creates a queue backed by the given clock.
func NewEventQueue(clock SimClock) *EventQueue {
	return &EventQueue{
		clock: clock,
		index: make(map[string]*scheduledEvent),
	}
}

// Schedule registers f to run at simulation time at and returns an id that
// can be passed to Cancel.
func (q *EventQueue) Schedule(at time.Time, f func()) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.counter++
	id := fmt.Sprintf("ev-%d", q.counter)
	ev := &scheduledEvent{id: id, when: at, f: f}

	idx := sort.Search(len(q.events), func(i int) bool {
		return q.events[i].when.After(ev.when)
	})
	q.events = append(q.events, nil)
	copy(q.events[idx+1:], q.events[idx:])
	q.events[idx] = ev
	q.index[id] = ev
	return id
}

// Cancel marks an event as cancelled. Unknown or already-run ids are ignored.
func (q *EventQueue) Cancel(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ev, ok := q.index[id]; ok {
		ev.cancelled = true
		delete(q.index, id)
	}
}

// Now returns the current simulation time.
func (q *EventQueue) Now() time.Time {
	return q.clock.Now()
}

// Len reports the number of pending, non-cancelled events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// RunDue executes every event whose time is <= Now() in scheduling order and
// returns how many ran. Callbacks run without the queue lock held, so they
// may schedule further events; those only run on a later call if they are
// not yet due.
func (q *EventQueue) RunDue() int {
	ran := 0
	for {
		ev := q.popDue()
		if ev == nil {
			return ran
		}
		ev.f()
		ran++
	}
}

func (q *EventQueue) popDue() *scheduledEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	for len(q.events) > 0 {
		ev := q.events[0]
		if ev.cancelled {
			q.events = q.events[1:]
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		q.events = q.events[1:]
		delete(q.index, ev.id)
		return ev
	}
	return nil
}
