package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	heartbeatapp "feeder-cloud/internal/heartbeat/application"
	heartbeat "feeder-cloud/internal/heartbeat/domain"
)

// Handler serves /api/v1/heartbeat. POST is the firmware check-in; GET is
// the operator view of computed device status.
type Handler struct {
	tracker *heartbeatapp.Tracker
}

// NewHandler constructs a handler.
func NewHandler(tracker *heartbeatapp.Tracker) (*Handler, error) {
	if tracker == nil {
		return nil, errors.New("heartbeat handler: nil tracker")
	}
	return &Handler{tracker: tracker}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type heartbeatRequest struct {
	DeviceID string `json:"device_id"`
	heartbeat.Telemetry
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if req.DeviceID == "" {
		http.Error(w, "device_id required", http.StatusBadRequest)
		return
	}

	status, err := h.tracker.Record(r.Context(), req.DeviceID, req.Telemetry)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"server_time": time.Now().UTC().Format(time.RFC3339),
		"online":      status.Online,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		statuses, err := h.tracker.ListStatuses(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"devices": statuses})
		return
	}

	status, err := h.tracker.Status(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, heartbeat.ErrNotFound) {
			http.Error(w, "device not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
