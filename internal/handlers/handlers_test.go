package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"devscreen/internal/hitl"
	"devscreen/internal/metrics"
	"devscreen/internal/middleware"
	"devscreen/internal/models"
	"devscreen/pkg/auth"

	fiberws "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
)

func setupTestApp(t *testing.T, jwtAuth *auth.LocalJWTAuth) (*fiber.App, *hitl.Coordinator) {
	t.Helper()

	opts := hitl.Options{Metrics: metrics.NewUnregistered()}
	if jwtAuth != nil {
		opts.Validator = hitl.NewJWTTokenValidator(jwtAuth)
	}
	coordinator := hitl.NewCoordinator(opts)

	app := fiber.New()
	RegisterRoutes(app, coordinator, jwtAuth, middleware.DefaultRateLimitConfig(), fiberws.Config{})
	return app, coordinator
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any, token string) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

// TestHealthHandler tests the health check endpoint
func TestHealthHandler(t *testing.T) {
	app, _ := setupTestApp(t, nil)

	status, body := doJSON(t, app, "GET", "/health", nil, "")
	if status != fiber.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if result["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", result["status"])
	}
	if result["single_instance"] != true {
		t.Errorf("Expected single_instance true, got %v", result["single_instance"])
	}
}

func TestHITLRest_AdmitPendingFinalize(t *testing.T) {
	app, _ := setupTestApp(t, nil)

	status, body := doJSON(t, app, "POST", "/hitl/cases", models.AdmitCaseRequest{ClinicID: "clinic-1", CaseID: "case-1"}, "")
	if status != fiber.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", status, body)
	}
	doJSON(t, app, "POST", "/hitl/cases", models.AdmitCaseRequest{ClinicID: "clinic-1", CaseID: "case-2"}, "")

	status, body = doJSON(t, app, "GET", "/hitl/pending?clinicId=clinic-1", nil, "")
	if status != fiber.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	var pending models.PendingResponse
	json.Unmarshal(body, &pending)
	if pending.Count != 2 || pending.Queue[0].CaseID != "case-1" || pending.Queue[1].Position != 1 {
		t.Errorf("Unexpected pending %+v", pending)
	}

	status, body = doJSON(t, app, "POST", "/hitl/finalize", models.FinalizeRequest{
		ClinicID: "clinic-1", CaseID: "case-1", Decision: "approved",
	}, "")
	if status != fiber.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", status, body)
	}

	status, _ = doJSON(t, app, "POST", "/hitl/finalize", models.FinalizeRequest{
		ClinicID: "clinic-1", CaseID: "case-1", Decision: "approved",
	}, "")
	if status != fiber.StatusNotFound {
		t.Errorf("Expected 404 for finalized case, got %d", status)
	}

	status, body = doJSON(t, app, "GET", "/hitl/audit?clinicId=clinic-1&caseId=case-1", nil, "")
	if status != fiber.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	var trail models.AuditTrailResponse
	json.Unmarshal(body, &trail)
	if len(trail.Events) != 3 {
		t.Errorf("Expected admitted, approved and finalized events, got %+v", trail.Events)
	}
	if trail.Events[1].ActorID != "dev-clinician" {
		t.Errorf("Expected dev clinician as actor, got %q", trail.Events[1].ActorID)
	}
}

func TestHITLRest_Validation(t *testing.T) {
	app, _ := setupTestApp(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"bad clinic", "GET", "/hitl/pending?clinicId=a:b", nil, fiber.StatusBadRequest},
		{"missing case", "POST", "/hitl/cases", models.AdmitCaseRequest{ClinicID: "clinic-1"}, fiber.StatusBadRequest},
		{"unknown decision", "POST", "/hitl/finalize", models.FinalizeRequest{ClinicID: "clinic-1", CaseID: "x", Decision: "maybe"}, fiber.StatusBadRequest},
		{"unknown action", "POST", "/hitl/audit", map[string]string{"clinicId": "clinic-1", "caseId": "x", "action": "deleted"}, fiber.StatusBadRequest},
		{"audit without case", "GET", "/hitl/audit?clinicId=clinic-1", nil, fiber.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, body := doJSON(t, app, tt.method, tt.path, tt.body, ""); status != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, status, body)
			}
		})
	}
}

func TestHITLRest_JWT(t *testing.T) {
	jwtAuth, _ := auth.NewLocalJWTAuth("test-secret", time.Hour)
	app, _ := setupTestApp(t, jwtAuth)

	if status, _ := doJSON(t, app, "GET", "/hitl/pending?clinicId=clinic-1", nil, ""); status != fiber.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", status)
	}

	token, _ := jwtAuth.GenerateToken("dr-ada", "clinician", "clinic-1")
	if status, _ := doJSON(t, app, "GET", "/hitl/pending?clinicId=clinic-1", nil, token); status != fiber.StatusOK {
		t.Errorf("Expected 200 for own clinic, got %d", status)
	}
	if status, _ := doJSON(t, app, "GET", "/hitl/pending?clinicId=clinic-2", nil, token); status != fiber.StatusForbidden {
		t.Errorf("Expected 403 for other clinic, got %d", status)
	}
}

// startServer serves app on a loopback port for WebSocket tests
func startServer(t *testing.T, app *fiber.App) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	go app.Listener(ln)
	t.Cleanup(func() { app.Shutdown() })
	return ln.Addr().String()
}

func dial(t *testing.T, addr, clinicID, token string) *websocket.Conn {
	t.Helper()
	url := "ws://" + addr + "/hitl/clinician/" + clinicID + "?token=" + token + "&clinicianId=dr-" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Dial failed (status %d): %v", status, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads messages until one of the wanted type arrives
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Did not receive %s: %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg.Data
		}
	}
}

func TestHITLWebSocket_EndToEnd(t *testing.T) {
	app, _ := setupTestApp(t, nil)
	addr := startServer(t, app)

	a := dial(t, addr, "clinic-1", "a")
	readUntil(t, a, models.MessageClinicianJoined)

	b := dial(t, addr, "clinic-1", "b")
	joined := readUntil(t, b, models.MessageClinicianJoined)
	if joined["online"] != float64(2) {
		t.Errorf("Expected 2 online, got %v", joined["online"])
	}
	if joined = readUntil(t, a, models.MessageClinicianJoined); joined["online"] != float64(2) {
		t.Errorf("First client expected 2 online, got %v", joined["online"])
	}

	// malformed input keeps the session open
	if err := a.WriteMessage(websocket.TextMessage, []byte("{oops")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := a.WriteJSON(map[string]string{"type": "case_selected", "caseId": "case-42"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	for _, conn := range []*websocket.Conn{a, b} {
		data := readUntil(t, conn, models.MessageQueueUpdated)
		if data["caseId"] != "case-42" || data["count"] != float64(1) || data["position"] != float64(0) {
			t.Errorf("Unexpected queue update %v", data)
		}
	}

	b.Close()
	joined = readUntil(t, a, models.MessageClinicianJoined)
	if joined["online"] != float64(1) || joined["left"] != true {
		t.Errorf("Expected departure with 1 online, got %v", joined)
	}
}

func TestHITLWebSocket_InvalidTokenCloses1008(t *testing.T) {
	jwtAuth, _ := auth.NewLocalJWTAuth("test-secret", time.Hour)
	app, _ := setupTestApp(t, jwtAuth)
	addr := startServer(t, app)

	conn := dial(t, addr, "clinic-1", "forged")
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("Expected close 1008, got %v", err)
	}
}

func TestHITLWebSocket_RequiresUpgrade(t *testing.T) {
	app, _ := setupTestApp(t, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/hitl/clinician/clinic-1?token=x", nil))
	if err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("Expected 426, got %d", resp.StatusCode)
	}
}
