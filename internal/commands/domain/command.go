package commands

import "time"

// Command kinds accepted from callers and from the schedule trigger engine.
const (
	KindFeedNow     = "feed_now"
	KindStopFeeding = "stop_feeding"
	KindCalibrate   = "calibrate"
)

// Command lifecycle states.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Portion size bounds for feed commands, in grams.
const (
	MinPortionSize = 1.0
	MaxPortionSize = 100.0
)

// ValidKind reports whether kind is a known command kind.
func ValidKind(kind string) bool {
	switch kind {
	case KindFeedNow, KindStopFeeding, KindCalibrate:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether status accepts no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Command represents a single-shot imperative command for a feeder device.
// Rows are append-only history and are never deleted.
type Command struct {
	ID           string
	Kind         string
	PortionSize  float64 // grams; zero means not set (non-feed kinds)
	Status       string
	DeviceID     string
	CreatedAt    time.Time
	ProcessedAt  time.Time // zero until first picked up by a device
	ErrorMessage string
}

// TransitionEvent is one immutable entry of the command lifecycle log.
type TransitionEvent struct {
	CommandID  string
	FromStatus string // empty on creation
	ToStatus   string
	DeviceID   string
	CreatedAt  time.Time
}
