package handlers

import (
	"context"
	"log"
	"time"

	"devscreen/internal/hitl"
	"devscreen/internal/logging"
	"devscreen/internal/models"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	readTimeout  = 90 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// HITLWebSocketHandler serves GET /hitl/clinician/:clinicId
type HITLWebSocketHandler struct {
	coordinator       *hitl.Coordinator
	messagesPerSecond float64
	burst             int
}

// NewHITLWebSocketHandler creates the clinician WebSocket handler.
// messagesPerSecond and burst bound inbound messages per session.
func NewHITLWebSocketHandler(coordinator *hitl.Coordinator, messagesPerSecond float64, burst int) *HITLWebSocketHandler {
	if messagesPerSecond <= 0 {
		messagesPerSecond = 10
	}
	if burst <= 0 {
		burst = int(messagesPerSecond * 2)
	}
	return &HITLWebSocketHandler{
		coordinator:       coordinator,
		messagesPerSecond: messagesPerSecond,
		burst:             burst,
	}
}

// Upgrade rejects plain HTTP requests to the WebSocket route
func (h *HITLWebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("client_ip", c.IP())
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handle runs one clinician session. The token is checked after the upgrade
// so a rejected client sees close code 1008 rather than an HTTP error.
func (h *HITLWebSocketHandler) Handle(c *websocket.Conn) {
	clinicID := c.Params("clinicId")
	identity, err := h.coordinator.Authenticate(clinicID, c.Query("token"))
	if err != nil {
		clientIP, _ := c.Locals("client_ip").(string)
		log.Printf("🚫 [HITL] Rejected connection to clinic %q from %s: %v", clinicID, clientIP, err)
		c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"),
			time.Now().Add(writeTimeout))
		c.Close()
		return
	}

	clinicianID := identity.ClinicianID
	if clinicianID == "" {
		clinicianID = c.Query("clinicianId")
	}
	session := models.NewClientSession(uuid.New().String(), clinicID, clinicianID, identity.Role, c)
	logger := logging.WithClinic(clinicID, session.ClientID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	writerDone := make(chan struct{})

	go h.writeLoop(session, writerDone)

	defer func() {
		close(done)
		cancel()
		if err := h.coordinator.Disconnect(context.Background(), session); err != nil {
			logger.Warn("disconnect failed", "error", err)
		}
		// Disconnect closed the outbound channel; wait for the writer to flush
		<-writerDone
		c.Close()
	}()

	if err := h.coordinator.Connect(ctx, session); err != nil {
		logger.Error("connect failed", "error", err)
		return
	}
	logger.Info("clinician connected", "clinician_id", clinicianID)

	c.SetReadDeadline(time.Now().Add(readTimeout))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go h.pingLoop(session, done)

	h.readLoop(ctx, session)
}

// readLoop handles incoming messages until the socket fails
func (h *HITLWebSocketHandler) readLoop(ctx context.Context, session *models.ClientSession) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ [HITL] Panic in readLoop for %s: %v", session.ClientID, r)
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(h.messagesPerSecond), h.burst)

	for {
		_, msg, err := session.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("⚠️  [HITL] Read error for %s: %v", session.ClientID, err)
			}
			return
		}

		session.Conn.SetReadDeadline(time.Now().Add(readTimeout))

		if !limiter.Allow() {
			log.Printf("🚫 [HITL] Dropping message from %s: rate limit exceeded", session.ClientID)
			continue
		}

		if err := h.coordinator.HandleMessage(ctx, session, msg); err != nil {
			log.Printf("⚠️  [HITL] Message from %s not handled: %v", session.ClientID, err)
		}
	}
}

// writeLoop is the only writer of data frames on the connection
func (h *HITLWebSocketHandler) writeLoop(session *models.ClientSession, writerDone chan<- struct{}) {
	defer close(writerDone)

	for msg := range session.WriteChan {
		session.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := session.Conn.WriteJSON(msg); err != nil {
			log.Printf("❌ [HITL] Write failed for %s: %v", session.ClientID, err)
			session.Conn.Close()
			return
		}
	}

	// a slow client is cut off so it reconnects and gets a fresh snapshot
	if session.Overflowed() {
		log.Printf("⚠️  [HITL] Closing slow session %s: outbound buffer full", session.ClientID)
		session.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "client too slow"),
			time.Now().Add(writeTimeout))
		session.Conn.Close()
	}
}

// pingLoop keeps idle connections alive through proxies
func (h *HITLWebSocketHandler) pingLoop(session *models.ClientSession, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := session.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Printf("⚠️  [HITL] Ping failed for %s: %v", session.ClientID, err)
				return
			}
		}
	}
}
