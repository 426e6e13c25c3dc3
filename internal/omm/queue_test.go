package omm

import (
	"sync"
	"testing"
	"time"
)

func TestEventQueue_PostAndDispatch(t *testing.T) {
	q := NewEventQueue("test-queue", 8)

	var mu sync.Mutex
	var got []Event
	done := make(chan struct{})
	go func() {
		q.Dispatch(func(ev Event) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		})
		close(done)
	}()

	if !q.Post(Event{Type: EventLoginStatus, SessionName: "A"}) {
		t.Fatal("post rejected on active queue")
	}
	if !q.Post(Event{Type: EventCmdError, SessionName: "B"}) {
		t.Fatal("post rejected on active queue")
	}
	q.Deactivate()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not finish after deactivate")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0].SessionName != "A" || got[1].SessionName != "B" {
		t.Fatalf("dispatched events wrong: %+v", got)
	}
}

func TestEventQueue_PostAfterDeactivateDropped(t *testing.T) {
	q := NewEventQueue("test-queue", 8)
	q.Deactivate()
	if q.Post(Event{Type: EventLoginStatus}) {
		t.Fatal("expected post to be dropped after deactivate")
	}
	// Idempotent
	q.Deactivate()
}

func TestEventQueue_FullQueueDrops(t *testing.T) {
	q := NewEventQueue("test-queue", 1)
	if !q.Post(Event{Type: EventLoginStatus}) {
		t.Fatal("first post should fit")
	}
	if q.Post(Event{Type: EventLoginStatus}) {
		t.Fatal("second post should be dropped, queue full")
	}
}
