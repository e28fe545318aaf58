package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	commandsevents "feeder-cloud/internal/commands/application/events"
	"feeder-cloud/internal/eventing"
)

func TestWebhookNotifierPostsPayload(t *testing.T) {
	var mu sync.Mutex
	var received []webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload webhookPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL)
	err := notifier.Notify(context.Background(), FeedEvent{
		CommandID:   "cmd-1",
		DeviceID:    "feeder-1",
		Kind:        "feed_now",
		Status:      "completed",
		PortionSize: 25,
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received = %d, want 1", len(received))
	}
	if received[0].Event.CommandID != "cmd-1" || received[0].Event.Status != "completed" {
		t.Fatalf("event = %+v", received[0].Event)
	}
	if received[0].Text.Content == "" {
		t.Fatal("missing text content")
	}
}

func TestWebhookNotifierNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL)
	if err := notifier.Notify(context.Background(), FeedEvent{CommandID: "cmd-1"}); err == nil {
		t.Fatal("expected error on non-2xx")
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []FeedEvent
}

func (r *recordingNotifier) Notify(ctx context.Context, event FeedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func TestSubscribeForwardsTerminalTransitions(t *testing.T) {
	bus := eventing.NewInMemoryBus()
	recorder := &recordingNotifier{}
	Subscribe(bus, recorder, nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := bus.Publish(ctx, commandsevents.CommandCompleted{
		CommandID: "cmd-1", DeviceID: "feeder-1", Kind: "feed_now", PortionSize: 25, OccurredAt: now,
	}); err != nil {
		t.Fatalf("publish completed: %v", err)
	}
	if err := bus.Publish(ctx, commandsevents.CommandFailed{
		CommandID: "cmd-2", DeviceID: "feeder-1", Kind: "feed_now", ErrorMessage: "hopper jammed", OccurredAt: now,
	}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	// Queued events are not terminal and must not notify.
	if err := bus.Publish(ctx, commandsevents.CommandQueued{
		CommandID: "cmd-3", DeviceID: "feeder-1", Kind: "feed_now", OccurredAt: now,
	}); err != nil {
		t.Fatalf("publish queued: %v", err)
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.events) != 2 {
		t.Fatalf("events = %d, want 2", len(recorder.events))
	}
	if recorder.events[0].Status != "completed" || recorder.events[1].Status != "failed" {
		t.Fatalf("events = %+v", recorder.events)
	}
	if recorder.events[1].ErrorMessage != "hopper jammed" {
		t.Fatalf("failed event = %+v", recorder.events[1])
	}
}
