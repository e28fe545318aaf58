package notify

import "context"

// FeedEvent represents a notification payload for a command reaching a
// terminal state.
type FeedEvent struct {
	CommandID    string  `json:"command_id"`
	DeviceID     string  `json:"device_id"`
	Kind         string  `json:"kind"`
	Status       string  `json:"status"`
	PortionSize  float64 `json:"portion_size,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	OccurredAt   string  `json:"occurred_at"`
}

// Notifier sends notifications.
type Notifier interface {
	Notify(ctx context.Context, event FeedEvent) error
}
