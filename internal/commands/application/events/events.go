package events

import "time"

// CommandQueued is published when a new command enters the queue.
type CommandQueued struct {
	CommandID   string    `json:"command_id"`
	Kind        string    `json:"kind"`
	DeviceID    string    `json:"device_id"`
	PortionSize float64   `json:"portion_size,omitempty"`
	Source      string    `json:"source"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// CommandCompleted is published when a device acknowledges success.
type CommandCompleted struct {
	CommandID   string    `json:"command_id"`
	Kind        string    `json:"kind"`
	DeviceID    string    `json:"device_id"`
	PortionSize float64   `json:"portion_size,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// CommandFailed is published when a command reaches the failed state,
// whether by device acknowledgment, cancel, or the stale-command reaper.
type CommandFailed struct {
	CommandID    string    `json:"command_id"`
	Kind         string    `json:"kind"`
	DeviceID     string    `json:"device_id"`
	ErrorMessage string    `json:"error_message,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}
