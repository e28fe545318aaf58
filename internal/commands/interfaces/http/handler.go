package http

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"feeder-cloud/internal/audit"
	"feeder-cloud/internal/auth"
	commandsapp "feeder-cloud/internal/commands/application"
	commands "feeder-cloud/internal/commands/domain"
)

// Handler provides the command HTTP endpoints: the operator-facing queue
// surface and the firmware-facing poll/ack surface.
type Handler struct {
	service     *commandsapp.Service
	auditLogger audit.Logger
	logger      *log.Logger
}

// NewHandler constructs a handler.
func NewHandler(service *commandsapp.Service, auditLogger audit.Logger, logger *log.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("commands handler: nil service")
	}
	return &Handler{service: service, auditLogger: auditLogger, logger: logger}, nil
}

// ServeHTTP routes /api/v1/commands and its subpaths.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")

	if path == "/api/v1/commands" {
		switch r.Method {
		case http.MethodPost:
			h.handleEnqueue(w, r)
		case http.MethodGet:
			h.handleList(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}
	if path == "/api/v1/commands/next" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleNext(w, r)
		return
	}

	rest := strings.TrimPrefix(path, "/api/v1/commands/")
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGet(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "ack" && r.Method == http.MethodPost:
		h.handleAck(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		h.handleCancel(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		h.handleEvents(w, r, parts[0])
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req commandsapp.EnqueueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		req.Source = "manual"
	}

	cmd, err := h.service.Enqueue(r.Context(), req)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandJSON(cmd))

	h.logAudit(r, "command.enqueue", cmd.ID, cmd.DeviceID, map[string]any{
		"kind":         cmd.Kind,
		"portion_size": cmd.PortionSize,
		"source":       req.Source,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		http.Error(w, "device_id required", http.StatusBadRequest)
		return
	}
	status := r.URL.Query().Get("status")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	list, err := h.service.List(r.Context(), deviceID, status, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for i := range list {
		out = append(out, commandJSON(&list[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": out})
}

// handleNext is the firmware poll endpoint. A store failure degrades to an
// empty answer so a flaky database never crashes a device's poll loop.
func (h *Handler) handleNext(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		http.Error(w, "device_id required", http.StatusBadRequest)
		return
	}

	cmd, err := h.service.FetchNext(r.Context(), deviceID)
	if err != nil {
		if h.logger != nil {
			h.logger.Printf("fetch next degraded: device=%s err=%v", deviceID, err)
		}
		writeJSON(w, http.StatusOK, map[string]any{"has_command": false})
		return
	}
	if cmd == nil {
		writeJSON(w, http.StatusOK, map[string]any{"has_command": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"has_command": true,
		"command":     commandJSON(cmd),
	})
}

type ackRequest struct {
	DeviceID     string `json:"device_id"`
	Result       string `json:"result"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request, commandID string) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	cmd, err := h.service.Acknowledge(r.Context(), commandID, req.DeviceID, req.Result, req.ErrorMessage)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandJSON(cmd))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, commandID string) {
	cmd, err := h.service.Cancel(r.Context(), commandID)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandJSON(cmd))

	h.logAudit(r, "command.cancel", cmd.ID, cmd.DeviceID, nil)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request, commandID string) {
	events, err := h.service.ListTransitions(r.Context(), commandID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		out = append(out, map[string]any{
			"command_id":  ev.CommandID,
			"from_status": ev.FromStatus,
			"to_status":   ev.ToStatus,
			"device_id":   ev.DeviceID,
			"created_at":  ev.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, commandID string) {
	cmd, err := h.service.GetByID(r.Context(), commandID)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandJSON(cmd))
}

func (h *Handler) logAudit(r *http.Request, action, commandID, deviceID string, meta map[string]any) {
	if h.auditLogger == nil {
		return
	}
	var raw json.RawMessage
	if meta != nil {
		raw, _ = json.Marshal(meta)
	}
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		ID:           audit.NewID(),
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: "command",
		ResourceID:   commandID,
		DeviceID:     deviceID,
		Metadata:     raw,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
}

func commandJSON(cmd *commands.Command) map[string]any {
	out := map[string]any{
		"command_id": cmd.ID,
		"kind":       cmd.Kind,
		"status":     cmd.Status,
		"device_id":  cmd.DeviceID,
		"created_at": cmd.CreatedAt.Format(time.RFC3339),
	}
	if cmd.PortionSize > 0 {
		out["portion_size"] = cmd.PortionSize
	}
	if !cmd.ProcessedAt.IsZero() {
		out["processed_at"] = cmd.ProcessedAt.Format(time.RFC3339)
	}
	if cmd.ErrorMessage != "" {
		out["error_message"] = cmd.ErrorMessage
	}
	return out
}

func respondCommandError(w http.ResponseWriter, err error) {
	var conflict *commands.ConflictError
	var invalid *commands.ValidationError
	switch {
	case errors.As(err, &conflict):
		body := map[string]any{
			"error":      "command already pending",
			"command_id": conflict.CommandID,
		}
		if conflict.PortionSize > 0 {
			body["portion_size"] = conflict.PortionSize
		}
		writeJSON(w, http.StatusConflict, body)
	case errors.As(err, &invalid):
		http.Error(w, invalid.Error(), http.StatusBadRequest)
	case errors.Is(err, commands.ErrDeviceUnreachable):
		http.Error(w, "device unreachable", http.StatusServiceUnavailable)
	case errors.Is(err, commands.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, commands.ErrNotCancelable):
		http.Error(w, "command is not pending", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
