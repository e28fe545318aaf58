package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	schedulerapp "feeder-cloud/internal/scheduler/application"
	schedule "feeder-cloud/internal/scheduler/domain"
)

// Clock supplies the current time; injected for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Handler serves the schedule CRUD surface and the firmware check endpoint.
type Handler struct {
	engine *schedulerapp.Engine
	store  schedule.Store
	clock  Clock
}

// NewHandler constructs a handler.
func NewHandler(engine *schedulerapp.Engine, store schedule.Store) (*Handler, error) {
	if engine == nil || store == nil {
		return nil, errors.New("schedule handler: nil engine or store")
	}
	return &Handler{engine: engine, store: store, clock: systemClock{}}, nil
}

// WithClock overrides the time source; used by tests.
func (h *Handler) WithClock(clock Clock) *Handler {
	if clock != nil {
		h.clock = clock
	}
	return h
}

// ServeHTTP routes /api/v1/schedules, its subpaths, and
// /api/v1/schedule/check.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")

	if path == "/api/v1/schedule/check" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleCheck(w, r)
		return
	}
	if path == "/api/v1/schedules" {
		switch r.Method {
		case http.MethodPost:
			h.handleCreate(w, r)
		case http.MethodGet:
			h.handleList(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	idValue := strings.TrimPrefix(path, "/api/v1/schedules/")
	id, err := strconv.ParseInt(idValue, 10, 64)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.handleGet(w, r, id)
	case http.MethodPut:
		h.handleUpdate(w, r, id)
	case http.MethodDelete:
		h.handleDelete(w, r, id)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleCheck is the firmware fallback: a polling device asks whether a
// schedule should fire for it right now. The engine's shared dedup path
// keeps this and the server loop exactly-once together.
func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		http.Error(w, "device_id required", http.StatusBadRequest)
		return
	}
	trigger, snapshot, err := h.engine.CheckDevice(r.Context(), deviceID, h.clock.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]map[string]any, 0, len(snapshot))
	for i := range snapshot {
		views = append(views, scheduleJSON(&snapshot[i]))
	}
	if trigger == nil {
		writeJSON(w, http.StatusOK, map[string]any{"feed_now": false, "schedules": views})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"feed_now":     true,
		"schedule_id":  trigger.ScheduleID,
		"portion_size": trigger.PortionSize,
		"schedules":    views,
	})
}

type scheduleRequest struct {
	DeviceID    string   `json:"device_id"`
	Label       string   `json:"label"`
	Time        string   `json:"time"`
	PortionSize float64  `json:"portion_size"`
	DaysOfWeek  []string `json:"days_of_week"`
	Enabled     *bool    `json:"enabled"`
}

func (r scheduleRequest) toSchedule() (schedule.Schedule, error) {
	days, err := schedule.NormalizeDays(r.DaysOfWeek)
	if err != nil {
		return schedule.Schedule{}, err
	}
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	s := schedule.Schedule{
		DeviceID:    r.DeviceID,
		Label:       strings.TrimSpace(r.Label),
		Time:        r.Time,
		PortionSize: r.PortionSize,
		DaysOfWeek:  days,
		Enabled:     enabled,
	}
	if err := s.Validate(); err != nil {
		return schedule.Schedule{}, err
	}
	return s, nil
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	s, err := req.toSchedule()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	created, err := h.store.Create(r.Context(), &s)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, scheduleJSON(created))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List(r.Context(), r.URL.Query().Get("device_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for i := range list {
		out = append(out, scheduleJSON(&list[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": out})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id int64) {
	s, err := h.store.Get(r.Context(), id)
	if err != nil {
		respondScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleJSON(s))
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request, id int64) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	s, err := req.toSchedule()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.ID = id
	updated, err := h.store.Update(r.Context(), &s)
	if err != nil {
		respondScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleJSON(updated))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, id int64) {
	if err := h.store.Delete(r.Context(), id); err != nil {
		respondScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func scheduleJSON(s *schedule.Schedule) map[string]any {
	return map[string]any{
		"id":           s.ID,
		"device_id":    s.DeviceID,
		"label":        s.Label,
		"time":         s.Time,
		"portion_size": s.PortionSize,
		"days_of_week": s.DaysOfWeek,
		"enabled":      s.Enabled,
	}
}

func respondScheduleError(w http.ResponseWriter, err error) {
	if errors.Is(err, schedule.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
