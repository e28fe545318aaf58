package commands

import (
	"context"
	"time"
)

// Reasons recorded when the engine self-heals a stale command.
const (
	ReasonExpiredPendingReplaced    = "expired pending replaced"
	ReasonExpiredProcessingReplaced = "expired processing replaced"
	ReasonExpiredPending            = "expired pending"
	ReasonExpiredProcessing         = "expired processing"
	ReasonCanceled                  = "canceled"
)

// EnqueuePolicy carries the timing rules applied inside the enqueue
// transaction. All windows are configuration, not constants.
type EnqueuePolicy struct {
	Now             time.Time
	RecentDupWindow time.Duration // identical-kind commands created within this window conflict regardless of status
	PendingStale    time.Duration // pending older than this is auto-failed and replaced
	ProcessingStale time.Duration // processing whose processedAt is older than this is auto-failed and replaced
}

// Store persists commands and their transition log. Every mutating method is
// a single atomic unit: the status change and its transition row commit or
// roll back together. Implementations serialize conflicting writers per
// (kind, device) and must let fetches for independent devices proceed in
// parallel.
type Store interface {
	// Enqueue inserts cmd after running the duplicate/staleness checks under
	// a row lock scoped to (kind, device). Returns *ConflictError when a live
	// or too-recent equivalent exists.
	Enqueue(ctx context.Context, cmd *Command, policy EnqueuePolicy) (*Command, error)

	// FetchNext atomically claims the oldest pending command for the device,
	// skipping rows locked by concurrent fetchers, and marks it processing.
	// Returns (nil, nil) when nothing is pending.
	FetchNext(ctx context.Context, deviceID string, now time.Time) (*Command, error)

	// Acknowledge transitions the command to toStatus unless it is already
	// terminal; the bool result reports whether a transition happened.
	Acknowledge(ctx context.Context, commandID, deviceID, toStatus, errorMessage string, now time.Time) (*Command, bool, error)

	// CancelPending fails a pending command with ReasonCanceled. Returns
	// ErrNotCancelable when the command has left the pending state.
	CancelPending(ctx context.Context, commandID string, now time.Time) (*Command, error)

	// SweepStale fails commands stuck beyond the staleness windows and
	// returns the commands it touched. Safe to run concurrently.
	SweepStale(ctx context.Context, now time.Time, pendingStale, processingStale time.Duration) ([]Command, error)

	GetByID(ctx context.Context, commandID string) (*Command, error)
	ListByDevice(ctx context.Context, deviceID, status string, limit int) ([]Command, error)
	ListTransitions(ctx context.Context, commandID string) ([]TransitionEvent, error)

	// RecentFeedTimes returns creation timestamps of feed_now commands queued
	// since the given instant, newest last. The schedule trigger engine uses
	// this as the durable backstop against duplicate triggers.
	RecentFeedTimes(ctx context.Context, deviceID string, since time.Time) ([]time.Time, error)
}
