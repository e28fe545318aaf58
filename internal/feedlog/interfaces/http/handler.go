package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	feedlogapp "feeder-cloud/internal/feedlog/application"
	feedlog "feeder-cloud/internal/feedlog/domain"
	"feeder-cloud/internal/feedlog/interfaces"
)

// Handler serves the feeding log endpoints: the firmware report path and
// the operator read paths.
type Handler struct {
	service *feedlogapp.Service
}

// NewHandler constructs a handler.
func NewHandler(service *feedlogapp.Service) (*Handler, error) {
	if service == nil {
		return nil, errors.New("feedlog handler: nil service")
	}
	return &Handler{service: service}, nil
}

// HandleDeviceLogs serves POST /api/v1/device/logs. The body is either a
// single entry object or a batch under "logs".
func (h *Handler) HandleDeviceLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var raw struct {
		Logs []feedlogapp.RecordRequest `json:"logs"`
		feedlogapp.RecordRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	batch := raw.Logs
	if len(batch) == 0 {
		batch = []feedlogapp.RecordRequest{raw.RecordRequest}
	}
	created, err := h.service.Record(r.Context(), batch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"recorded": len(created)})
}

// HandleList serves GET /api/v1/feedlogs.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	deviceID, from, to, limit, err := listParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := h.service.List(r.Context(), deviceID, from, to, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryJSON(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": out})
}

// HandleStats serves GET /api/v1/feedlogs/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		http.Error(w, "device_id required", http.StatusBadRequest)
		return
	}
	since := time.Now().UTC().AddDate(0, 0, -7)
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		since = parsed.UTC()
	}
	stats, err := h.service.Stats(r.Context(), deviceID, since)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleExport serves GET /api/v1/exports/feedlogs.{csv,xlsx,pdf}.
func (h *Handler) HandleExport(format string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		deviceID, from, to, limit, err := listParams(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		entries, err := h.service.List(r.Context(), deviceID, from, to, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		stats, err := h.service.Stats(r.Context(), deviceID, from)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		var payload []byte
		var contentType, filename string
		switch format {
		case "csv":
			payload, err = interfaces.BuildFeedLogCSV(entries)
			contentType, filename = "text/csv", "feedlogs.csv"
		case "xlsx":
			payload, err = interfaces.BuildFeedLogXLSX(deviceID, stats, entries)
			contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
			filename = "feedlogs.xlsx"
		case "pdf":
			payload, err = interfaces.BuildFeedLogPDF(deviceID, stats, entries)
			contentType, filename = "application/pdf", "feedlogs.pdf"
		default:
			http.Error(w, "unknown format", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
		_, _ = w.Write(payload)
	}
}

func listParams(r *http.Request) (deviceID string, from, to time.Time, limit int, err error) {
	deviceID = r.URL.Query().Get("device_id")
	if deviceID == "" {
		return "", time.Time{}, time.Time{}, 0, errors.New("device_id required")
	}
	if v := r.URL.Query().Get("from"); v != "" {
		from, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return "", time.Time{}, time.Time{}, 0, errors.New("from must be RFC3339")
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		to, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return "", time.Time{}, time.Time{}, 0, errors.New("to must be RFC3339")
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	return deviceID, from, to, limit, nil
}

func entryJSON(e feedlog.Entry) map[string]any {
	out := map[string]any{
		"id":                e.ID,
		"device_id":         e.DeviceID,
		"portion_dispensed": e.PortionDispensed,
		"source":            e.Source,
		"fed_at":            e.FedAt.Format(time.RFC3339),
	}
	if e.CommandID != "" {
		out["command_id"] = e.CommandID
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
