package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	feedlog "feeder-cloud/internal/feedlog/domain"
)

// Store is the Postgres feeding log repository.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert writes a batch of entries in one transaction.
func (s *Store) Insert(ctx context.Context, entries []feedlog.Entry) ([]feedlog.Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("feedlog store: nil db")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	created := make([]feedlog.Entry, 0, len(entries))
	for _, e := range entries {
		row := tx.QueryRowContext(ctx, `
INSERT INTO feeding_logs (device_id, command_id, portion_dispensed, source, fed_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, device_id, command_id, portion_dispensed, source, fed_at, created_at`,
			e.DeviceID, nullString(e.CommandID), e.PortionDispensed, e.Source, e.FedAt.UTC(), now)
		out, err := scanEntry(row)
		if err != nil {
			return nil, err
		}
		created = append(created, *out)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

// List returns entries for a device, newest first. Zero from/to leave that
// bound open.
func (s *Store) List(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]feedlog.Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("feedlog store: nil db")
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Hour)
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, device_id, command_id, portion_dispensed, source, fed_at, created_at
FROM feeding_logs
WHERE device_id = $1 AND fed_at >= $2 AND fed_at < $3
ORDER BY fed_at DESC
LIMIT $4`, deviceID, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []feedlog.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Stats summarizes feeding activity for a device since the given instant.
func (s *Store) Stats(ctx context.Context, deviceID string, since time.Time) (*feedlog.Stats, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("feedlog store: nil db")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(portion_dispensed), 0), MAX(fed_at)
FROM feeding_logs
WHERE device_id = $1 AND fed_at >= $2`, deviceID, since.UTC())

	stats := feedlog.Stats{DeviceID: deviceID}
	var lastFedAt sql.NullTime
	if err := row.Scan(&stats.Count, &stats.TotalPortion, &lastFedAt); err != nil {
		return nil, err
	}
	if lastFedAt.Valid {
		stats.LastFedAt = lastFedAt.Time.UTC()
	}
	return &stats, nil
}

// RecentSince returns feed timestamps at or after the given instant.
func (s *Store) RecentSince(ctx context.Context, deviceID string, since time.Time) ([]time.Time, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("feedlog store: nil db")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT fed_at
FROM feeding_logs
WHERE device_id = $1 AND fed_at >= $2
ORDER BY fed_at ASC`, deviceID, since.UTC())
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*feedlog.Entry, error) {
	var e feedlog.Entry
	var commandID sql.NullString
	if err := row.Scan(
		&e.ID,
		&e.DeviceID,
		&commandID,
		&e.PortionDispensed,
		&e.Source,
		&e.FedAt,
		&e.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if commandID.Valid {
		e.CommandID = commandID.String
	}
	e.FedAt = e.FedAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
