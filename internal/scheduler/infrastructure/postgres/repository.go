package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	schedule "feeder-cloud/internal/scheduler/domain"
)

const scheduleColumns = `id, device_id, label, feed_time, portion_size, days_of_week, enabled, created_at, updated_at`

// Store is the Postgres schedule repository. days_of_week is stored as a
// comma-separated list of weekday abbreviations.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a schedule and returns it with its assigned id.
func (s *Store) Create(ctx context.Context, sch *schedule.Schedule) (*schedule.Schedule, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("schedule store: nil db")
	}
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
INSERT INTO feeding_schedules (device_id, label, feed_time, portion_size, days_of_week, enabled, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
RETURNING `+scheduleColumns,
		sch.DeviceID, sch.Label, sch.Time, sch.PortionSize, strings.Join(sch.DaysOfWeek, ","), sch.Enabled, now)
	return scanSchedule(row)
}

// Update rewrites a schedule in place.
func (s *Store) Update(ctx context.Context, sch *schedule.Schedule) (*schedule.Schedule, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("schedule store: nil db")
	}
	row := s.db.QueryRowContext(ctx, `
UPDATE feeding_schedules
SET device_id = $1, label = $2, feed_time = $3, portion_size = $4, days_of_week = $5, enabled = $6, updated_at = $7
WHERE id = $8
RETURNING `+scheduleColumns,
		sch.DeviceID, sch.Label, sch.Time, sch.PortionSize, strings.Join(sch.DaysOfWeek, ","), sch.Enabled, time.Now().UTC(), sch.ID)
	out, err := scanSchedule(row)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, schedule.ErrNotFound
	}
	return out, nil
}

// Delete removes a schedule.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return errors.New("schedule store: nil db")
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM feeding_schedules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	count, _ := result.RowsAffected()
	if count == 0 {
		return schedule.ErrNotFound
	}
	return nil
}

// Get fetches a schedule by id.
func (s *Store) Get(ctx context.Context, id int64) (*schedule.Schedule, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("schedule store: nil db")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT `+scheduleColumns+`
FROM feeding_schedules
WHERE id = $1
LIMIT 1`, id)
	out, err := scanSchedule(row)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, schedule.ErrNotFound
	}
	return out, nil
}

// List returns schedules, optionally scoped to a device, ascending by id.
func (s *Store) List(ctx context.Context, deviceID string) ([]schedule.Schedule, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("schedule store: nil db")
	}
	query := `
SELECT ` + scheduleColumns + `
FROM feeding_schedules`
	var args []any
	if deviceID != "" {
		query += " WHERE device_id = $1"
		args = append(args, deviceID)
	}
	query += " ORDER BY id ASC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectSchedules(rows)
}

// ListEnabled returns every enabled schedule, ascending by id.
func (s *Store) ListEnabled(ctx context.Context) ([]schedule.Schedule, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("schedule store: nil db")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+scheduleColumns+`
FROM feeding_schedules
WHERE enabled = TRUE
ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	return collectSchedules(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*schedule.Schedule, error) {
	var sch schedule.Schedule
	var days string
	if err := row.Scan(
		&sch.ID,
		&sch.DeviceID,
		&sch.Label,
		&sch.Time,
		&sch.PortionSize,
		&days,
		&sch.Enabled,
		&sch.CreatedAt,
		&sch.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if days != "" {
		sch.DaysOfWeek = strings.Split(days, ",")
	}
	sch.CreatedAt = sch.CreatedAt.UTC()
	sch.UpdatedAt = sch.UpdatedAt.UTC()
	return &sch, nil
}

func collectSchedules(rows *sql.Rows) ([]schedule.Schedule, error) {
	defer rows.Close()
	var result []schedule.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *sch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
