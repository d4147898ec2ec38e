package api

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tanglehq/loom/internal/eventbus"
	"github.com/tanglehq/loom/internal/schema"
	"github.com/tanglehq/loom/internal/testutil"
)

type recordingWriter struct {
	mu       sync.Mutex
	messages [][]byte
}

func (w *recordingWriter) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	w.messages = append(w.messages, buf)
	return nil
}

func (w *recordingWriter) snapshot() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]byte, len(w.messages))
	copy(out, w.messages)
	return out
}

func TestStreamEventsForwardsSubscribedStreams(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	bus := eventbus.NewBus(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := &recordingWriter{}
	done := make(chan error, 1)
	go func() {
		done <- streamEvents(ctx, bus, []string{schema.StreamSweeps}, writer)
	}()

	// Wait for the subscription to register before pushing.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription never registered")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := bus.Push(context.Background(), eventbus.EventInput{
		Stream: schema.StreamSweeps,
		Body:   "staleness sweep complete",
	}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := bus.Push(context.Background(), eventbus.EventInput{
		Stream: schema.StreamErrors,
		Body:   "should not be forwarded",
	}); err != nil {
		t.Fatalf("push other stream: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for len(writer.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("event never forwarded")
		}
		time.Sleep(time.Millisecond)
	}

	messages := writer.snapshot()
	var evt eventbus.Event
	if err := json.Unmarshal(messages[0], &evt); err != nil {
		t.Fatalf("decode forwarded event: %v", err)
	}
	if evt.Stream != schema.StreamSweeps || evt.Body != "staleness sweep complete" {
		t.Fatalf("unexpected event forwarded: %+v", evt)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("streamEvents returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("streamEvents never returned after cancel")
	}

	for _, raw := range writer.snapshot() {
		var got eventbus.Event
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Stream == schema.StreamErrors {
			t.Fatalf("event from unsubscribed stream was forwarded: %+v", got)
		}
	}
}
