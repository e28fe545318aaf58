package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	commandsapp "feeder-cloud/internal/commands/application"
	"feeder-cloud/internal/commands/infrastructure/memory"
)

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time { return c.t }

func newTestHandler(t *testing.T) (*Handler, *stepClock) {
	t.Helper()
	clock := &stepClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, err := commandsapp.NewService(memory.NewStore(), commandsapp.Config{}, commandsapp.WithClock(clock))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	h, err := NewHandler(svc, nil, nil)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h, clock
}

func doJSON(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)

	decoded := map[string]any{}
	_ = json.Unmarshal(resp.Body.Bytes(), &decoded)
	return resp, decoded
}

func TestEnqueueEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	resp, body := doJSON(t, h, http.MethodPost, "/api/v1/commands",
		`{"kind":"feed_now","portion_size":25,"device_id":"feeder-1"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.Code, resp.Body.String())
	}
	if body["status"] != "pending" {
		t.Fatalf("status field = %v", body["status"])
	}
	if body["portion_size"].(float64) != 25 {
		t.Fatalf("portion_size = %v", body["portion_size"])
	}
	if body["command_id"] == "" {
		t.Fatal("missing command_id")
	}
}

func TestEnqueueEndpointConflict(t *testing.T) {
	h, clock := newTestHandler(t)

	_, first := doJSON(t, h, http.MethodPost, "/api/v1/commands",
		`{"kind":"feed_now","portion_size":25,"device_id":"feeder-1"}`)

	clock.t = clock.t.Add(5 * time.Second)
	resp, body := doJSON(t, h, http.MethodPost, "/api/v1/commands",
		`{"kind":"feed_now","portion_size":30,"device_id":"feeder-1"}`)
	if resp.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.Code)
	}
	if body["command_id"] != first["command_id"] {
		t.Fatalf("conflict must carry the existing command id, got %v", body["command_id"])
	}
	if body["portion_size"].(float64) != 25 {
		t.Fatalf("conflict must carry the existing portion, got %v", body["portion_size"])
	}
}

func TestEnqueueEndpointValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	resp, _ := doJSON(t, h, http.MethodPost, "/api/v1/commands",
		`{"kind":"feed_now","portion_size":500,"device_id":"feeder-1"}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.Code)
	}

	resp, _ = doJSON(t, h, http.MethodPost, "/api/v1/commands", `{not json`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.Code)
	}
}

func TestNextEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	resp, body := doJSON(t, h, http.MethodGet, "/api/v1/commands/next?device_id=feeder-1", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	if body["has_command"] != false {
		t.Fatalf("empty queue should report has_command=false, got %v", body["has_command"])
	}

	doJSON(t, h, http.MethodPost, "/api/v1/commands",
		`{"kind":"feed_now","portion_size":25,"device_id":"feeder-1"}`)

	resp, body = doJSON(t, h, http.MethodGet, "/api/v1/commands/next?device_id=feeder-1", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	if body["has_command"] != true {
		t.Fatalf("has_command = %v", body["has_command"])
	}
	cmd := body["command"].(map[string]any)
	if cmd["status"] != "processing" {
		t.Fatalf("dispatched status = %v", cmd["status"])
	}

	resp, _ = doJSON(t, h, http.MethodGet, "/api/v1/commands/next", "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("missing device_id should be 400, got %d", resp.Code)
	}
}

func TestAckEndpointIdempotent(t *testing.T) {
	h, _ := newTestHandler(t)

	_, created := doJSON(t, h, http.MethodPost, "/api/v1/commands",
		`{"kind":"feed_now","portion_size":25,"device_id":"feeder-1"}`)
	id := created["command_id"].(string)
	doJSON(t, h, http.MethodGet, "/api/v1/commands/next?device_id=feeder-1", "")

	resp, body := doJSON(t, h, http.MethodPost, "/api/v1/commands/"+id+"/ack",
		`{"device_id":"feeder-1","result":"ok"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("ack status = %d", resp.Code)
	}
	if body["status"] != "completed" {
		t.Fatalf("status = %v", body["status"])
	}

	resp, body = doJSON(t, h, http.MethodPost, "/api/v1/commands/"+id+"/ack",
		`{"device_id":"feeder-1","result":"error","error_message":"late"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("redelivered ack status = %d", resp.Code)
	}
	if body["status"] != "completed" {
		t.Fatalf("redelivered ack must not change state, got %v", body["status"])
	}

	resp, _ = doJSON(t, h, http.MethodPost, "/api/v1/commands/missing/ack",
		`{"device_id":"feeder-1","result":"ok"}`)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("unknown command ack = %d, want 404", resp.Code)
	}
}

func TestCancelAndEventsEndpoints(t *testing.T) {
	h, _ := newTestHandler(t)

	_, created := doJSON(t, h, http.MethodPost, "/api/v1/commands",
		`{"kind":"feed_now","portion_size":25,"device_id":"feeder-1"}`)
	id := created["command_id"].(string)

	resp, body := doJSON(t, h, http.MethodPost, "/api/v1/commands/"+id+"/cancel", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.Code)
	}
	if body["status"] != "failed" || body["error_message"] != "canceled" {
		t.Fatalf("canceled command = %v", body)
	}

	resp, body = doJSON(t, h, http.MethodPost, "/api/v1/commands/"+id+"/cancel", "")
	if resp.Code != http.StatusConflict {
		t.Fatalf("second cancel = %d, want 409", resp.Code)
	}

	resp, body = doJSON(t, h, http.MethodGet, "/api/v1/commands/"+id+"/events", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("events status = %d", resp.Code)
	}
	events := body["events"].([]any)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	last := events[1].(map[string]any)
	if last["from_status"] != "pending" || last["to_status"] != "failed" {
		t.Fatalf("last transition = %v", last)
	}
}

func TestListEndpoint(t *testing.T) {
	h, clock := newTestHandler(t)

	doJSON(t, h, http.MethodPost, "/api/v1/commands",
		`{"kind":"feed_now","portion_size":25,"device_id":"feeder-1"}`)
	clock.t = clock.t.Add(time.Second)
	doJSON(t, h, http.MethodPost, "/api/v1/commands",
		`{"kind":"calibrate","device_id":"feeder-1"}`)

	resp, body := doJSON(t, h, http.MethodGet, "/api/v1/commands?device_id=feeder-1", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("list status = %d", resp.Code)
	}
	list := body["commands"].([]any)
	if len(list) != 2 {
		t.Fatalf("list = %d, want 2", len(list))
	}
	newest := list[0].(map[string]any)
	if newest["kind"] != "calibrate" {
		t.Fatalf("list must be newest first, got %v", newest["kind"])
	}

	resp, body = doJSON(t, h, http.MethodGet, "/api/v1/commands?device_id=feeder-1&status=pending&limit=1", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("filtered list status = %d", resp.Code)
	}
	if len(body["commands"].([]any)) != 1 {
		t.Fatalf("filtered list size = %d", len(body["commands"].([]any)))
	}
}
