package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	commands "feeder-cloud/internal/commands/domain"

	"github.com/jackc/pgx/v5/pgconn"
)

const commandColumns = `command_id, kind, portion_size, status, device_id, created_at, processed_at, error_message`

// Store is the Postgres implementation of the command queue. Every mutating
// method runs inside one transaction so the status change and its transition
// row commit together. An advisory lock scopes enqueue contention to
// (kind, device); fetches use SKIP LOCKED so concurrent pollers never
// dequeue the same row.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Enqueue runs the duplicate and staleness checks under a per-(kind, device)
// advisory lock, then inserts cmd.
func (s *Store) Enqueue(ctx context.Context, cmd *commands.Command, policy commands.EnqueuePolicy) (*commands.Command, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("command store: nil db")
	}
	if cmd == nil {
		return nil, errors.New("command store: nil command")
	}
	now := policy.Now.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Serialize writers for this (kind, device) before reading the live set.
	// Row locks alone cannot do it: with no live row there is nothing to
	// lock, and two concurrent enqueues would each see an empty set and both
	// insert. The advisory lock is transaction-scoped and released on commit
	// or rollback; writers for other pairs proceed in parallel.
	_, err = tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2))`, cmd.Kind, cmd.DeviceID)
	if err != nil {
		return nil, err
	}

	// Lock the live set for this (kind, device).
	rows, err := tx.QueryContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE kind = $1 AND device_id = $2 AND status IN ($3, $4)
ORDER BY created_at ASC
FOR UPDATE`, cmd.Kind, cmd.DeviceID, commands.StatusPending, commands.StatusProcessing)
	if err != nil {
		return nil, err
	}
	live, err := collectCommands(rows)
	if err != nil {
		return nil, err
	}

	for _, existing := range live {
		var reason string
		switch existing.Status {
		case commands.StatusPending:
			if now.Sub(existing.CreatedAt) <= policy.PendingStale {
				return nil, &commands.ConflictError{CommandID: existing.ID, PortionSize: existing.PortionSize}
			}
			reason = commands.ReasonExpiredPendingReplaced
		case commands.StatusProcessing:
			ref := existing.ProcessedAt
			if ref.IsZero() {
				ref = existing.CreatedAt
			}
			if now.Sub(ref) <= policy.ProcessingStale {
				return nil, &commands.ConflictError{CommandID: existing.ID, PortionSize: existing.PortionSize}
			}
			reason = commands.ReasonExpiredProcessingReplaced
		}
		if err := failLocked(ctx, tx, &existing, reason, now); err != nil {
			return nil, err
		}
	}

	// A just-finished duplicate still conflicts inside the recency window.
	if policy.RecentDupWindow > 0 {
		row := tx.QueryRowContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE kind = $1 AND device_id = $2 AND created_at > $3
ORDER BY created_at DESC
LIMIT 1`, cmd.Kind, cmd.DeviceID, now.Add(-policy.RecentDupWindow))
		recent, err := scanCommand(row)
		if err != nil {
			return nil, err
		}
		if recent != nil {
			return nil, &commands.ConflictError{CommandID: recent.ID, PortionSize: recent.PortionSize}
		}
	}

	cmd.Status = commands.StatusPending
	cmd.CreatedAt = now
	_, err = tx.ExecContext(ctx, `
INSERT INTO commands (command_id, kind, portion_size, status, device_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		cmd.ID, cmd.Kind, nullFloat(cmd.PortionSize), cmd.Status, cmd.DeviceID, cmd.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, s.liveConflict(ctx, cmd.Kind, cmd.DeviceID)
		}
		return nil, err
	}
	if err := insertTransition(ctx, tx, cmd.ID, "", commands.StatusPending, cmd.DeviceID, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	out := *cmd
	return &out, nil
}

// FetchNext claims the oldest pending command for the device. SKIP LOCKED
// makes concurrent fetchers take distinct rows instead of blocking.
func (s *Store) FetchNext(ctx context.Context, deviceID string, now time.Time) (*commands.Command, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("command store: nil db")
	}
	now = now.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE device_id = $1 AND status = $2
ORDER BY created_at ASC
LIMIT 1
FOR UPDATE SKIP LOCKED`, deviceID, commands.StatusPending)
	cmd, err := scanCommand(row)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
UPDATE commands
SET status = $1, processed_at = $2
WHERE command_id = $3`, commands.StatusProcessing, now, cmd.ID)
	if err != nil {
		return nil, err
	}
	if err := insertTransition(ctx, tx, cmd.ID, commands.StatusPending, commands.StatusProcessing, deviceID, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	cmd.Status = commands.StatusProcessing
	cmd.ProcessedAt = now
	return cmd, nil
}

// Acknowledge moves the command to toStatus unless it already reached a
// terminal state. Re-delivered acks report changed=false and leave the row
// and the transition log untouched.
func (s *Store) Acknowledge(ctx context.Context, commandID, deviceID, toStatus, errorMessage string, now time.Time) (*commands.Command, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("command store: nil db")
	}
	now = now.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE command_id = $1
FOR UPDATE`, commandID)
	cmd, err := scanCommand(row)
	if err != nil {
		return nil, false, err
	}
	if cmd == nil {
		return nil, false, commands.ErrNotFound
	}
	if deviceID != "" && cmd.DeviceID != deviceID {
		return nil, false, commands.ErrNotFound
	}
	if commands.IsTerminal(cmd.Status) {
		return cmd, false, tx.Commit()
	}

	from := cmd.Status
	processedAt := cmd.ProcessedAt
	if processedAt.IsZero() {
		processedAt = now
	}
	_, err = tx.ExecContext(ctx, `
UPDATE commands
SET status = $1, processed_at = $2, error_message = $3
WHERE command_id = $4`, toStatus, processedAt, nullString(errorMessage), commandID)
	if err != nil {
		return nil, false, err
	}
	if err := insertTransition(ctx, tx, commandID, from, toStatus, cmd.DeviceID, now); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	cmd.Status = toStatus
	cmd.ProcessedAt = processedAt
	cmd.ErrorMessage = errorMessage
	return cmd, true, nil
}

// CancelPending fails a pending command with the cancel reason.
func (s *Store) CancelPending(ctx context.Context, commandID string, now time.Time) (*commands.Command, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("command store: nil db")
	}
	now = now.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE command_id = $1
FOR UPDATE`, commandID)
	cmd, err := scanCommand(row)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, commands.ErrNotFound
	}
	if cmd.Status != commands.StatusPending {
		return nil, commands.ErrNotCancelable
	}
	if err := failLocked(ctx, tx, cmd, commands.ReasonCanceled, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// SweepStale fails every command stuck beyond its staleness window. Each row
// is claimed with SKIP LOCKED so overlapping sweeps and in-flight enqueues
// never double-fail a command.
func (s *Store) SweepStale(ctx context.Context, now time.Time, pendingStale, processingStale time.Duration) ([]commands.Command, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("command store: nil db")
	}
	now = now.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE (status = $1 AND created_at < $2)
   OR (status = $3 AND COALESCE(processed_at, created_at) < $4)
ORDER BY created_at ASC
FOR UPDATE SKIP LOCKED`,
		commands.StatusPending, now.Add(-pendingStale),
		commands.StatusProcessing, now.Add(-processingStale))
	if err != nil {
		return nil, err
	}
	stale, err := collectCommands(rows)
	if err != nil {
		return nil, err
	}

	swept := make([]commands.Command, 0, len(stale))
	for i := range stale {
		reason := commands.ReasonExpiredPending
		if stale[i].Status == commands.StatusProcessing {
			reason = commands.ReasonExpiredProcessing
		}
		if err := failLocked(ctx, tx, &stale[i], reason, now); err != nil {
			return nil, err
		}
		swept = append(swept, stale[i])
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return swept, nil
}

// GetByID fetches a command by id.
func (s *Store) GetByID(ctx context.Context, commandID string) (*commands.Command, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("command store: nil db")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE command_id = $1
LIMIT 1`, commandID)
	cmd, err := scanCommand(row)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, commands.ErrNotFound
	}
	return cmd, nil
}

// ListByDevice lists commands for a device, newest first. status filters
// when non-empty.
func (s *Store) ListByDevice(ctx context.Context, deviceID, status string, limit int) ([]commands.Command, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("command store: nil db")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
SELECT ` + commandColumns + `
FROM commands
WHERE device_id = $1`
	args := []any{deviceID}
	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", len(args)+1)
		args = append(args, status)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectCommands(rows)
}

// ListTransitions returns the lifecycle log for a command, oldest first.
func (s *Store) ListTransitions(ctx context.Context, commandID string) ([]commands.TransitionEvent, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("command store: nil db")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT command_id, from_status, to_status, device_id, created_at
FROM command_events
WHERE command_id = $1
ORDER BY created_at ASC, id ASC`, commandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []commands.TransitionEvent
	for rows.Next() {
		var ev commands.TransitionEvent
		var from sql.NullString
		if err := rows.Scan(&ev.CommandID, &from, &ev.ToStatus, &ev.DeviceID, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if from.Valid {
			ev.FromStatus = from.String
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// RecentFeedTimes returns creation timestamps of feed commands queued since
// the given instant, oldest first.
func (s *Store) RecentFeedTimes(ctx context.Context, deviceID string, since time.Time) ([]time.Time, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("command store: nil db")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT created_at
FROM commands
WHERE device_id = $1 AND kind = $2 AND created_at >= $3
ORDER BY created_at ASC`, deviceID, commands.KindFeedNow, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		result = append(result, t.UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// liveConflict reports the live command that beat a concurrent insert. The
// partial unique index on (kind, device_id) backstops the advisory lock;
// when it fires the transaction is aborted, so the winning row is read on
// a fresh connection.
func (s *Store) liveConflict(ctx context.Context, kind, deviceID string) error {
	row := s.db.QueryRowContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE kind = $1 AND device_id = $2 AND status IN ($3, $4)
ORDER BY created_at DESC
LIMIT 1`, kind, deviceID, commands.StatusPending, commands.StatusProcessing)
	existing, err := scanCommand(row)
	if err != nil || existing == nil {
		return &commands.ConflictError{}
	}
	return &commands.ConflictError{CommandID: existing.ID, PortionSize: existing.PortionSize}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// failLocked marks an already-locked command failed and writes the
// transition row. cmd is mutated to reflect the new state.
func failLocked(ctx context.Context, tx *sql.Tx, cmd *commands.Command, reason string, now time.Time) error {
	from := cmd.Status
	processedAt := cmd.ProcessedAt
	if processedAt.IsZero() {
		processedAt = now
	}
	_, err := tx.ExecContext(ctx, `
UPDATE commands
SET status = $1, processed_at = $2, error_message = $3
WHERE command_id = $4`, commands.StatusFailed, processedAt, reason, cmd.ID)
	if err != nil {
		return err
	}
	if err := insertTransition(ctx, tx, cmd.ID, from, commands.StatusFailed, cmd.DeviceID, now); err != nil {
		return err
	}
	cmd.Status = commands.StatusFailed
	cmd.ProcessedAt = processedAt
	cmd.ErrorMessage = reason
	return nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, commandID, from, to, deviceID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO command_events (command_id, from_status, to_status, device_id, created_at)
VALUES ($1, $2, $3, $4, $5)`, commandID, nullString(from), to, deviceID, at)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*commands.Command, error) {
	var cmd commands.Command
	var portion sql.NullFloat64
	var processedAt sql.NullTime
	var errMsg sql.NullString
	if err := row.Scan(
		&cmd.ID,
		&cmd.Kind,
		&portion,
		&cmd.Status,
		&cmd.DeviceID,
		&cmd.CreatedAt,
		&processedAt,
		&errMsg,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if portion.Valid {
		cmd.PortionSize = portion.Float64
	}
	if processedAt.Valid {
		cmd.ProcessedAt = processedAt.Time.UTC()
	}
	if errMsg.Valid {
		cmd.ErrorMessage = errMsg.String
	}
	cmd.CreatedAt = cmd.CreatedAt.UTC()
	return &cmd, nil
}

func collectCommands(rows *sql.Rows) ([]commands.Command, error) {
	defer rows.Close()
	var result []commands.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: f != 0}
}
