package commands

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates a missing command record.
var ErrNotFound = errors.New("commands: command not found")

// ErrDeviceUnreachable indicates the target device failed both the direct
// ping and the heartbeat freshness check.
var ErrDeviceUnreachable = errors.New("commands: device unreachable")

// ErrNotCancelable indicates a cancel attempt against a command that is no
// longer pending.
var ErrNotCancelable = errors.New("commands: only pending commands can be canceled")

// ConflictError rejects an enqueue because an equivalent command is already
// queued or was created moments ago. It carries the existing command so the
// caller can surface its id and portion.
type ConflictError struct {
	CommandID   string
	PortionSize float64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("commands: command already pending (id=%s)", e.CommandID)
}

// ValidationError rejects malformed enqueue input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("commands: invalid %s: %s", e.Field, e.Reason)
}
