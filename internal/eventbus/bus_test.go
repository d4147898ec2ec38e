package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/tanglehq/loom/internal/eventbus"
	"github.com/tanglehq/loom/internal/schema"
	"github.com/tanglehq/loom/internal/testutil"
)

func TestPushAndListOrdering(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	bus := eventbus.NewBus(db)
	ctx := context.Background()

	for _, body := range []string{"first", "second", "third"} {
		if _, err := bus.Push(ctx, eventbus.EventInput{
			Stream:  schema.StreamHandlerStatus,
			ScopeID: "task-1",
			Body:    body,
		}); err != nil {
			t.Fatalf("push %q: %v", body, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	// handler_status is a fifo stream: progress reads oldest first.
	events, err := bus.List(ctx, schema.StreamHandlerStatus, eventbus.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Body != "first" || events[2].Body != "third" {
		t.Fatalf("fifo ordering broken: %v", events)
	}

	// Explicit lifo flips it.
	events, err = bus.List(ctx, schema.StreamHandlerStatus, eventbus.ListOptions{Order: "lifo"})
	if err != nil {
		t.Fatalf("list lifo: %v", err)
	}
	if events[0].Body != "third" {
		t.Fatalf("lifo ordering broken: %v", events)
	}
}

func TestPushRequiresStreamAndBody(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	bus := eventbus.NewBus(db)
	ctx := context.Background()

	if _, err := bus.Push(ctx, eventbus.EventInput{Body: "no stream"}); err == nil {
		t.Fatalf("expected error for missing stream")
	}
	if _, err := bus.Push(ctx, eventbus.EventInput{Stream: "signals"}); err == nil {
		t.Fatalf("expected error for missing body")
	}
}

func TestListFiltersByScope(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	bus := eventbus.NewBus(db)
	ctx := context.Background()

	for _, scopeID := range []string{"task-a", "task-b"} {
		if _, err := bus.Push(ctx, eventbus.EventInput{
			Stream:    schema.StreamStageOutput,
			ScopeType: "task",
			ScopeID:   scopeID,
			Body:      "stage done",
		}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	events, err := bus.List(ctx, schema.StreamStageOutput, eventbus.ListOptions{
		ScopeType: "task",
		ScopeID:   "task-a",
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 || events[0].ScopeID != "task-a" {
		t.Fatalf("scope filter broken: %v", events)
	}
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	bus := eventbus.NewBus(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := bus.Subscribe(ctx, []string{schema.StreamSweeps})
	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.SubscriberCount())
	}

	if _, err := bus.Push(context.Background(), eventbus.EventInput{
		Stream: schema.StreamSweeps,
		Body:   "expiry sweep complete",
	}); err != nil {
		t.Fatalf("push: %v", err)
	}
	// Events on other streams must not reach this subscriber.
	if _, err := bus.Push(context.Background(), eventbus.EventInput{
		Stream: schema.StreamErrors,
		Body:   "unrelated",
	}); err != nil {
		t.Fatalf("push other stream: %v", err)
	}

	select {
	case evt := <-sub:
		if evt.Stream != schema.StreamSweeps || evt.Body != "expiry sweep complete" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber never received the event")
	}

	select {
	case evt := <-sub:
		t.Fatalf("received event from unsubscribed stream: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	// Channel closes once the context ends.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("subscription channel never closed")
		}
	}
}
