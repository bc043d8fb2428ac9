// Package hitlclient is a reconnecting clinician client for the review queue
// WebSocket served by the coordinator.
package hitlclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"devscreen/internal/models"
	"devscreen/internal/resilience"

	"github.com/gorilla/websocket"
)

var (
	// ErrGaveUp is returned by Run once MaxAttempts consecutive attempts have failed
	ErrGaveUp = errors.New("hitl client gave up reconnecting")
	// ErrRejected means the coordinator closed the socket with 1008 (bad token)
	ErrRejected = errors.New("hitl client rejected by coordinator")
	// ErrBufferFull is returned when the outbound buffer cannot take another message
	ErrBufferFull = errors.New("hitl client outbound buffer full")
)

// State is the connection state reported to OnStateChange
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// Message is a server message with its data left raw for typed decoding
type Message struct {
	Type     string          `json:"type"`
	ClinicID string          `json:"clinicId,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// Decode unmarshals Data into v (e.g. *models.QueueUpdatedData)
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Options configures a Client. Zero values get defaults.
type Options struct {
	BaseURL     string // http(s):// or ws(s):// coordinator address
	ClinicID    string
	ClinicianID string
	Token       string

	Heartbeat   time.Duration // default 25s
	MaxAttempts int           // consecutive failed attempts before giving up, default 8
	Backoff     *resilience.BackoffCalculator
	Dialer      *websocket.Dialer
}

// Client keeps one clinician session open, reconnecting with exponential backoff
type Client struct {
	opts      Options
	writeChan chan models.ClientMessage

	mutex     sync.RWMutex
	state     State
	onMessage func(Message)
	onState   func(State)
}

// New creates a client. Call Run to connect.
func New(opts Options) *Client {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 25 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.Backoff == nil {
		opts.Backoff = resilience.NewBackoffCalculator(time.Second, 30*time.Second, 2, 0)
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Client{
		opts:      opts,
		writeChan: make(chan models.ClientMessage, 32),
		state:     StateDisconnected,
	}
}

// OnMessage sets the handler for server messages. It runs on the read goroutine.
func (c *Client) OnMessage(fn func(Message)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onMessage = fn
}

// OnStateChange sets the handler for connection state transitions
func (c *Client) OnStateChange(fn func(State)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onState = fn
}

// State returns the current connection state
func (c *Client) State() State {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.state
}

// SelectCase asks the coordinator to move caseID to the front of the queue
func (c *Client) SelectCase(caseID string) error {
	return c.enqueue(models.ClientMessage{
		Type:    models.MessageCaseSelected,
		CaseRef: models.CaseRef{CaseID: caseID, ClinicianID: c.opts.ClinicianID},
	})
}

// DecisionMade announces a review decision to the clinic
func (c *Client) DecisionMade(caseID, decision, notes string) error {
	return c.enqueue(models.ClientMessage{
		Type: models.MessageDecisionMade,
		CaseRef: models.CaseRef{
			CaseID:      caseID,
			ClinicianID: c.opts.ClinicianID,
			Decision:    decision,
			Notes:       notes,
		},
	})
}

func (c *Client) enqueue(msg models.ClientMessage) error {
	select {
	case c.writeChan <- msg:
		return nil
	default:
		return ErrBufferFull
	}
}

// Run connects and keeps reconnecting until ctx is cancelled, the coordinator
// rejects the token, or MaxAttempts consecutive attempts fail. An attempt only
// counts as successful once the coordinator has sent a message on it, so a
// socket dropped straight after the upgrade still backs off.
func (c *Client) Run(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	c.setState(StateConnecting)
	attempt := 0
	for {
		conn, _, err := c.opts.Dialer.DialContext(ctx, endpoint, nil)
		if err == nil {
			c.setState(StateConnected)
			log.Printf("✅ [HITL-CLIENT] Connected to clinic %s", c.opts.ClinicID)

			var established bool
			established, err = c.serve(ctx, conn)
			if established {
				attempt = 0
			}
			if errors.Is(err, ErrRejected) && ctx.Err() == nil {
				log.Printf("❌ [HITL-CLIENT] Token rejected for clinic %s", c.opts.ClinicID)
				c.setState(StateDisconnected)
				return err
			}
		}
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		attempt++
		if attempt >= c.opts.MaxAttempts {
			log.Printf("❌ [HITL-CLIENT] Giving up after %d attempts: %v", attempt, err)
			c.setState(StateDisconnected)
			return ErrGaveUp
		}

		delay := c.opts.Backoff.NextDelay(attempt - 1)
		log.Printf("⚠️  [HITL-CLIENT] Connection failed (attempt %d/%d), retrying in %v: %v", attempt, c.opts.MaxAttempts, delay, err)
		c.setState(StateReconnecting)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// serve runs one connection until it fails or ctx is cancelled. It reports
// whether at least one server message arrived.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) (bool, error) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx, conn, done)
	}()

	received, err := c.readLoop(conn)

	close(done)
	conn.Close()
	wg.Wait()
	return received, err
}

func (c *Client) readLoop(conn *websocket.Conn) (bool, error) {
	received := false
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return received, fmt.Errorf("%w: %v", ErrRejected, err)
			}
			return received, err
		}
		received = true

		c.mutex.RLock()
		handler := c.onMessage
		c.mutex.RUnlock()
		if handler != nil {
			handler(msg)
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteJSON(models.ClientMessage{Type: models.MessageHeartbeat}); err != nil {
				conn.Close()
				return
			}
		case msg := <-c.writeChan:
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("⚠️  [HITL-CLIENT] Failed to send %s: %v", msg.Type, err)
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) setState(s State) {
	c.mutex.Lock()
	changed := c.state != s
	c.state = s
	handler := c.onState
	c.mutex.Unlock()

	if changed && handler != nil {
		handler(s)
	}
}

// endpoint builds ws(s)://host/hitl/clinician/{clinicId}?token=...&clinicianId=...
func (c *Client) endpoint() (string, error) {
	if c.opts.ClinicID == "" {
		return "", errors.New("clinic ID is required")
	}

	base := strings.TrimRight(c.opts.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
	default:
		return "", fmt.Errorf("unsupported coordinator URL %q", c.opts.BaseURL)
	}

	query := url.Values{}
	query.Set("token", c.opts.Token)
	if c.opts.ClinicianID != "" {
		query.Set("clinicianId", c.opts.ClinicianID)
	}
	return fmt.Sprintf("%s/hitl/clinician/%s?%s", base, url.PathEscape(c.opts.ClinicID), query.Encode()), nil
}
