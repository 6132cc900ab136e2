package monitor

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishReachesWatcher(t *testing.T) {
	hub := NewHub()
	addr, err := hub.Start("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 8)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, fmt.Sprintf("ws://%s/ws", addr), func(e Event) { events <- e })
	}()

	waitFor(t, func() bool { return hub.Subscribers() == 1 })

	hub.Publish(Event{Type: EventStarted, ID: "t1", Op: "PUT", Path: "/a.bin", Mode: "UDP"})
	hub.Publish(Event{Type: EventCompleted, ID: "t1", Op: "PUT", Bytes: 5000, ElapsedMS: 12})

	for _, want := range []EventType{EventStarted, EventCompleted} {
		select {
		case e := <-events:
			if e.Type != want || e.ID != "t1" {
				t.Fatalf("got %+v, want type %s", e, want)
			}
			if e.Time.IsZero() {
				t.Fatal("event time not stamped")
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("no %s event", want)
		}
	}

	hub.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned %v after server close", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not return after close")
	}
}

func TestWatcherDisconnectIsNoticed(t *testing.T) {
	hub := NewHub()
	addr, err := hub.Start("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go Watch(ctx, fmt.Sprintf("ws://%s/ws", addr), func(Event) {})

	waitFor(t, func() bool { return hub.Subscribers() == 1 })
	cancel()
	waitFor(t, func() bool { return hub.Subscribers() == 0 })

	hub.Publish(Event{Type: EventAborted})
}

func TestNilHubDiscards(t *testing.T) {
	var hub *Hub
	hub.Publish(Event{Type: EventStarted})
	hub.Close()
	if hub.Subscribers() != 0 {
		t.Fatal("nil hub has subscribers")
	}
}

func TestWatchDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := Watch(ctx, "ws://127.0.0.1:1/ws", func(Event) {}); err == nil {
		t.Fatal("expected dial error")
	}
}
