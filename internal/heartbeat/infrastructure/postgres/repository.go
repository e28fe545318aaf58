package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	heartbeat "feeder-cloud/internal/heartbeat/domain"
)

// Store is the Postgres heartbeat repository: one row per device, refreshed
// in place.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const heartbeatColumns = `device_id, last_seen, last_feed, daily_feeds, firmware_version, ip_address, wifi_rssi, uptime_sec, food_level_pct, error_message, updated_at`

// Upsert refreshes last_seen and merges reported telemetry. COALESCE keeps
// the stored value for fields the device did not report this time.
func (s *Store) Upsert(ctx context.Context, deviceID string, at time.Time, tel heartbeat.Telemetry) (*heartbeat.Heartbeat, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("heartbeat store: nil db")
	}
	at = at.UTC()
	row := s.db.QueryRowContext(ctx, `
INSERT INTO device_heartbeats (device_id, last_seen, firmware_version, ip_address, wifi_rssi, uptime_sec, food_level_pct, error_message, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $2)
ON CONFLICT (device_id) DO UPDATE SET
	last_seen = EXCLUDED.last_seen,
	firmware_version = COALESCE(EXCLUDED.firmware_version, device_heartbeats.firmware_version),
	ip_address = COALESCE(EXCLUDED.ip_address, device_heartbeats.ip_address),
	wifi_rssi = COALESCE(EXCLUDED.wifi_rssi, device_heartbeats.wifi_rssi),
	uptime_sec = COALESCE(EXCLUDED.uptime_sec, device_heartbeats.uptime_sec),
	food_level_pct = COALESCE(EXCLUDED.food_level_pct, device_heartbeats.food_level_pct),
	error_message = COALESCE(EXCLUDED.error_message, device_heartbeats.error_message),
	updated_at = EXCLUDED.updated_at
RETURNING `+heartbeatColumns,
		deviceID, at, tel.FirmwareVersion, tel.IPAddress, tel.WifiRSSI, tel.UptimeSec, tel.FoodLevelPct, tel.ErrorMessage)
	return scanHeartbeat(row)
}

// TouchFeed records the moment of a completed feed and bumps the daily
// counter.
func (s *Store) TouchFeed(ctx context.Context, deviceID string, at time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("heartbeat store: nil db")
	}
	at = at.UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO device_heartbeats (device_id, last_seen, last_feed, daily_feeds, updated_at)
VALUES ($1, $2, $2, 1, $2)
ON CONFLICT (device_id) DO UPDATE SET
	last_seen = EXCLUDED.last_seen,
	last_feed = EXCLUDED.last_feed,
	daily_feeds = device_heartbeats.daily_feeds + 1,
	updated_at = EXCLUDED.updated_at`, deviceID, at)
	return err
}

// Get fetches the heartbeat row for a device.
func (s *Store) Get(ctx context.Context, deviceID string) (*heartbeat.Heartbeat, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("heartbeat store: nil db")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT `+heartbeatColumns+`
FROM device_heartbeats
WHERE device_id = $1
LIMIT 1`, deviceID)
	hb, err := scanHeartbeat(row)
	if err != nil {
		return nil, err
	}
	if hb == nil {
		return nil, heartbeat.ErrNotFound
	}
	return hb, nil
}

// List returns every known device row.
func (s *Store) List(ctx context.Context) ([]heartbeat.Heartbeat, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("heartbeat store: nil db")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+heartbeatColumns+`
FROM device_heartbeats
ORDER BY device_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []heartbeat.Heartbeat
	for rows.Next() {
		hb, err := scanHeartbeat(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *hb)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHeartbeat(row rowScanner) (*heartbeat.Heartbeat, error) {
	var hb heartbeat.Heartbeat
	var lastFeed sql.NullTime
	var firmware, ip, errMsg sql.NullString
	var rssi, uptime sql.NullInt64
	var food sql.NullFloat64
	if err := row.Scan(
		&hb.DeviceID,
		&hb.LastSeen,
		&lastFeed,
		&hb.DailyFeeds,
		&firmware,
		&ip,
		&rssi,
		&uptime,
		&food,
		&errMsg,
		&hb.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lastFeed.Valid {
		hb.LastFeed = lastFeed.Time.UTC()
	}
	if firmware.Valid {
		hb.FirmwareVersion = firmware.String
	}
	if ip.Valid {
		hb.IPAddress = ip.String
	}
	if rssi.Valid {
		hb.WifiRSSI = int(rssi.Int64)
	}
	if uptime.Valid {
		hb.UptimeSec = uptime.Int64
	}
	if food.Valid {
		hb.FoodLevelPct = food.Float64
	}
	if errMsg.Valid {
		hb.ErrorMessage = errMsg.String
	}
	hb.LastSeen = hb.LastSeen.UTC()
	hb.UpdatedAt = hb.UpdatedAt.UTC()
	return &hb, nil
}
