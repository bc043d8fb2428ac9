package hitlclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"devscreen/internal/handlers"
	"devscreen/internal/hitl"
	"devscreen/internal/metrics"
	"devscreen/internal/middleware"
	"devscreen/internal/models"
	"devscreen/internal/resilience"
	"devscreen/pkg/auth"

	fiberws "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
)

func startCoordinator(t *testing.T, jwtAuth *auth.LocalJWTAuth) string {
	t.Helper()

	opts := hitl.Options{Metrics: metrics.NewUnregistered()}
	if jwtAuth != nil {
		opts.Validator = hitl.NewJWTTokenValidator(jwtAuth)
	}
	coordinator := hitl.NewCoordinator(opts)

	app := fiber.New()
	handlers.RegisterRoutes(app, coordinator, jwtAuth, middleware.DefaultRateLimitConfig(), fiberws.Config{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	go app.Listener(ln)
	t.Cleanup(func() { app.Shutdown() })
	return "http://" + ln.Addr().String()
}

func fastBackoff() *resilience.BackoffCalculator {
	return resilience.NewBackoffCalculator(time.Millisecond, 5*time.Millisecond, 2, 0)
}

// stateRecorder collects state transitions
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) last() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return ""
	}
	return r.states[len(r.states)-1]
}

func waitFor(t *testing.T, messages <-chan Message, msgType string) Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-messages:
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", msgType)
		}
	}
}

func TestClient_SelectCaseRoundTrip(t *testing.T) {
	base := startCoordinator(t, nil)

	client := New(Options{BaseURL: base, ClinicID: "clinic-1", ClinicianID: "dr-ada", Token: "dev"})
	messages := make(chan Message, 16)
	client.OnMessage(func(m Message) { messages <- m })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	var joined models.ClinicianJoinedData
	if err := waitFor(t, messages, models.MessageClinicianJoined).Decode(&joined); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if joined.Online != 1 || joined.ClinicianID != "dr-ada" {
		t.Errorf("Unexpected join %+v", joined)
	}
	if client.State() != StateConnected {
		t.Errorf("Expected connected, got %s", client.State())
	}

	// initial snapshot
	waitFor(t, messages, models.MessageQueueUpdated)

	if err := client.SelectCase("case-9"); err != nil {
		t.Fatalf("SelectCase failed: %v", err)
	}
	var update models.QueueUpdatedData
	waitFor(t, messages, models.MessageQueueUpdated).Decode(&update)
	if update.CaseID != "case-9" || update.Count != 1 || update.Queue[0].ClinicianAssigned != "dr-ada" {
		t.Errorf("Unexpected update %+v", update)
	}

	client.DecisionMade("case-9", "approved", "")
	var decision models.DecisionMadeData
	waitFor(t, messages, models.MessageDecisionMade).Decode(&decision)
	if decision.CaseID != "case-9" || decision.Decision != "approved" {
		t.Errorf("Unexpected decision %+v", decision)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if client.State() != StateDisconnected {
		t.Errorf("Expected disconnected after cancel, got %s", client.State())
	}
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	client := New(Options{
		BaseURL:     "ws://" + addr,
		ClinicID:    "clinic-1",
		Token:       "dev",
		MaxAttempts: 3,
		Backoff:     fastBackoff(),
	})
	rec := &stateRecorder{}
	client.OnStateChange(rec.record)

	err = client.Run(context.Background())
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("Expected ErrGaveUp, got %v", err)
	}
	if rec.last() != StateDisconnected {
		t.Errorf("Expected final state disconnected, got %v", rec.states)
	}
}

func TestClient_BacksOffWhenDroppedAfterUpgrade(t *testing.T) {
	var dials atomic.Int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "restarting"))
		conn.Close()
	}))
	defer server.Close()

	client := New(Options{
		BaseURL:     server.URL,
		ClinicID:    "clinic-1",
		Token:       "dev",
		MaxAttempts: 3,
		Backoff:     resilience.NewBackoffCalculator(50*time.Millisecond, 200*time.Millisecond, 2, 0),
	})
	rec := &stateRecorder{}
	client.OnStateChange(rec.record)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	err := client.Run(ctx)
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("Expected ErrGaveUp, got %v", err)
	}
	if n := dials.Load(); n != 3 {
		t.Errorf("Expected 3 dials, got %d", n)
	}
	// two waits: 50ms then 100ms
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("Expected backoff between reconnects, returned after %v", elapsed)
	}
	if rec.last() != StateDisconnected {
		t.Errorf("Expected final state disconnected, got %v", rec.states)
	}
}

func TestClient_RejectedTokenStops(t *testing.T) {
	jwtAuth, _ := auth.NewLocalJWTAuth("test-secret", time.Hour)
	base := startCoordinator(t, jwtAuth)

	client := New(Options{BaseURL: base, ClinicID: "clinic-1", Token: "forged", Backoff: fastBackoff()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Run(ctx); !errors.Is(err, ErrRejected) {
		t.Fatalf("Expected ErrRejected, got %v", err)
	}
}

func TestClient_Endpoint(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{"http://host:5001", "ws://host:5001/hitl/clinician/clinic-1?clinicianId=dr&token=t", false},
		{"https://host/", "wss://host/hitl/clinician/clinic-1?clinicianId=dr&token=t", false},
		{"ws://host", "ws://host/hitl/clinician/clinic-1?clinicianId=dr&token=t", false},
		{"ftp://host", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			c := New(Options{BaseURL: tt.base, ClinicID: "clinic-1", ClinicianID: "dr", Token: "t"})
			got, err := c.endpoint()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unexpected error %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}
