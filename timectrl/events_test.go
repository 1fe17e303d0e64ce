package timectrl

import (
	"context"
	"testing"
	"time"
)

func TestEventQueueRunsDueInOrder(t *testing.T) {
	tc := NewTimeController(epoch, time.Second, Accelerated)
	q := NewEventQueue(tc)

	var order []string
	q.Schedule(epoch.Add(2*time.Second), func() { order = append(order, "b") })
	q.Schedule(epoch.Add(time.Second), func() { order = append(order, "a") })
	q.Schedule(epoch.Add(2*time.Second), func() { order = append(order, "c") })

	if n := q.RunDue(); n != 0 {
		t.Fatalf("RunDue at t0 ran %d events, want 0", n)
	}
	_ = tc.Advance(context.Background())
	_ = tc.Advance(context.Background())
	if n := q.RunDue(); n != 3 {
		t.Fatalf("RunDue ran %d events, want 3", n)
	}
	if got := order; len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("order = %v, want [a b c]", got)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}

func TestEventQueueCancel(t *testing.T) {
	tc := NewTimeController(epoch, time.Second, Accelerated)
	q := NewEventQueue(tc)
	ran := false
	id := q.Schedule(epoch, func() { ran = true })
	q.Cancel(id)
	q.Cancel("ev-unknown")
	q.RunDue()
	if ran {
		t.Fatalf("cancelled event ran")
	}
}

func TestEventQueueReschedulingFromCallback(t *testing.T) {
	tc := NewTimeController(epoch, time.Second, Accelerated)
	q := NewEventQueue(tc)
	runs := 0
	var retry func()
	retry = func() {
		runs++
		q.Schedule(tc.Now().Add(tc.Tick), retry)
	}
	q.Schedule(epoch, retry)

	if n := q.RunDue(); n != 1 {
		t.Fatalf("RunDue ran %d, want 1", n)
	}
	_ = tc.Advance(context.Background())
	q.RunDue()
	if runs != 2 {
		t.Fatalf("runs = %d, want 2", runs)
	}
}
