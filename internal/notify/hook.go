package notify

import (
	"context"
	"log"
	"time"

	commandsevents "feeder-cloud/internal/commands/application/events"
	"feeder-cloud/internal/eventing"
)

// Subscribe wires the notifier to terminal command transitions on the bus.
// Delivery is best effort: a failed webhook never fails the transition that
// produced it.
func Subscribe(bus *eventing.InMemoryBus, notifier Notifier, logger *log.Logger) {
	if bus == nil || notifier == nil {
		return
	}
	send := func(ctx context.Context, event FeedEvent) error {
		if err := notifier.Notify(ctx, event); err != nil && logger != nil {
			logger.Printf("notify failed: command=%s err=%v", event.CommandID, err)
		}
		return nil
	}

	bus.Subscribe(eventing.EventTypeOf[commandsevents.CommandCompleted](), func(ctx context.Context, event any) error {
		e, ok := event.(commandsevents.CommandCompleted)
		if !ok {
			return nil
		}
		return send(ctx, FeedEvent{
			CommandID:   e.CommandID,
			DeviceID:    e.DeviceID,
			Kind:        e.Kind,
			Status:      "completed",
			PortionSize: e.PortionSize,
			OccurredAt:  e.OccurredAt.Format(time.RFC3339),
		})
	})
	bus.Subscribe(eventing.EventTypeOf[commandsevents.CommandFailed](), func(ctx context.Context, event any) error {
		e, ok := event.(commandsevents.CommandFailed)
		if !ok {
			return nil
		}
		return send(ctx, FeedEvent{
			CommandID:    e.CommandID,
			DeviceID:     e.DeviceID,
			Kind:         e.Kind,
			Status:       "failed",
			ErrorMessage: e.ErrorMessage,
			OccurredAt:   e.OccurredAt.Format(time.RFC3339),
		})
	})
}
