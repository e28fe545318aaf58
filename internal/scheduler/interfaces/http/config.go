package http

import (
	"net/http"

	schedulerapp "feeder-cloud/internal/scheduler/application"
	schedule "feeder-cloud/internal/scheduler/domain"
)

// NewDeviceConfigHandler serves GET /api/v1/device/config: the poll cadence,
// endpoint map, and enabled schedules firmware reads on boot instead of
// hardcoding paths.
func NewDeviceConfigHandler(cfg schedulerapp.Config, store schedule.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		schedules := make([]map[string]any, 0)
		if store != nil {
			list, err := store.List(r.Context(), r.URL.Query().Get("device_id"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			for i := range list {
				if !list[i].Enabled {
					continue
				}
				schedules = append(schedules, scheduleJSON(&list[i]))
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"poll_interval_sec":      cfg.PollIntervalSec,
			"heartbeat_interval_sec": 60,
			"timezone":               cfg.Timezone,
			"schedules":              schedules,
			"endpoints": map[string]string{
				"next_command":   "/api/v1/commands/next",
				"acknowledge":    "/api/v1/commands/{id}/ack",
				"heartbeat":      "/api/v1/heartbeat",
				"schedule_check": "/api/v1/schedule/check",
				"feed_logs":      "/api/v1/device/logs",
			},
		})
	})
}
