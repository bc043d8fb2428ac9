package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"devscreen/internal/logging"
	"devscreen/internal/metrics"
	"devscreen/internal/models"
)

var (
	// ErrUnknownMessage is returned for a well-formed message of unknown type
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrNotQueued is returned when finalizing a case that is not in the queue
	ErrNotQueued = errors.New("case is not queued")
	// ErrInvalidRequest is returned for requests missing required fields
	ErrInvalidRequest = errors.New("invalid request")
)

// Options selects the backing stores. Nil stores default to the in-memory
// implementations; a nil Broker means single-instance mode.
type Options struct {
	Queue     QueueStore
	Presence  Presence
	Audit     AuditStore
	Broker    Broker
	Validator TokenValidator
	Metrics   *metrics.Metrics
}

// Coordinator keeps one shared review queue and the online count consistent
// for every clinician connected to a clinic. Message handling is the same
// whichever backing stores are configured.
type Coordinator struct {
	queue     QueueStore
	presence  Presence
	audit     AuditStore
	broker    Broker
	validator TokenValidator
	registry  *Registry
	metrics   *metrics.Metrics
	now       func() time.Time

	stopKeepAlive context.CancelFunc
}

// NewCoordinator creates a coordinator
func NewCoordinator(opts Options) *Coordinator {
	c := &Coordinator{
		queue:     opts.Queue,
		presence:  opts.Presence,
		audit:     opts.Audit,
		broker:    opts.Broker,
		validator: opts.Validator,
		registry:  NewRegistry(),
		metrics:   opts.Metrics,
		now:       time.Now,
	}
	if c.queue == nil {
		c.queue = NewMemoryQueueStore()
	}
	if c.presence == nil {
		c.presence = NewMemoryPresence()
	}
	if c.audit == nil {
		c.audit = NewMemoryAuditStore()
	}
	if c.validator == nil {
		c.validator = NonEmptyTokenValidator{}
	}
	if c.metrics == nil {
		c.metrics = metrics.Get()
	}
	return c
}

// SingleInstance reports whether events stay within this process
func (c *Coordinator) SingleInstance() bool {
	return c.broker == nil
}

// Registry exposes the local session registry
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Start keeps this instance's presence alive and subscribes to events from
// other instances
func (c *Coordinator) Start() error {
	if k, ok := c.presence.(interface{ KeepAlive(context.Context) }); ok {
		ctx, cancel := context.WithCancel(context.Background())
		c.stopKeepAlive = cancel
		go k.KeepAlive(ctx)
	}

	if c.broker == nil {
		log.Printf("⚠️  [HITL] Running in single-instance mode: queue and presence are local to this process")
		return nil
	}
	if err := c.broker.Start(c.deliverLocal); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	log.Printf("✅ [HITL] Coordinator started with cross-instance broker")
	return nil
}

// Stop closes every local session, withdraws this instance's presence and
// detaches from the broker
func (c *Coordinator) Stop() error {
	c.registry.CloseAll()
	c.metrics.WebSocketSessions.Set(0)

	if c.stopKeepAlive != nil {
		c.stopKeepAlive()
	}

	if r, ok := c.presence.(interface{ Reset(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.Reset(ctx); err != nil {
			log.Printf("⚠️  [HITL] %v", err)
		}
		cancel()
	}

	if c.broker == nil {
		return nil
	}
	return c.broker.Stop()
}

// Authenticate admits a token to a clinic channel
func (c *Coordinator) Authenticate(clinicID, token string) (*Identity, error) {
	if err := ValidateClinicID(clinicID); err != nil {
		return nil, err
	}
	return c.validator.Validate(clinicID, token)
}

// Connect registers a session and announces the new online count to the
// whole clinic, the new session included. The new session also receives the
// current queue.
func (c *Coordinator) Connect(ctx context.Context, s *models.ClientSession) error {
	c.registry.Add(s)
	online, err := c.presence.Join(ctx, s.ClinicID)
	if err != nil {
		// never joined: unregister so Disconnect does not Leave for it
		c.registry.Remove(s)
		return fmt.Errorf("failed to join clinic %s: %w", s.ClinicID, err)
	}
	c.metrics.WebSocketSessions.Inc()

	c.fanOut(ctx, s.ClinicID, models.ServerMessage{
		Type:     models.MessageClinicianJoined,
		ClinicID: s.ClinicID,
		Data: models.ClinicianJoinedData{
			ClinicID:    s.ClinicID,
			ClinicianID: s.ClinicianID,
			Online:      online,
		},
	})

	entries, err := c.queue.List(ctx, s.ClinicID)
	if err != nil {
		return err
	}
	c.send(s, queueMessage(s.ClinicID, entries, ""))
	return nil
}

// Disconnect unregisters a session and announces the new online count
func (c *Coordinator) Disconnect(ctx context.Context, s *models.ClientSession) error {
	if !c.registry.Remove(s) {
		return nil
	}
	c.metrics.WebSocketSessions.Dec()

	online, err := c.presence.Leave(ctx, s.ClinicID)
	if err != nil {
		return err
	}

	c.fanOut(ctx, s.ClinicID, models.ServerMessage{
		Type:     models.MessageClinicianJoined,
		ClinicID: s.ClinicID,
		Data: models.ClinicianJoinedData{
			ClinicID:    s.ClinicID,
			ClinicianID: s.ClinicianID,
			Online:      online,
			Left:        true,
		},
	})
	return nil
}

// HandleMessage routes one raw inbound frame. Malformed frames are logged and
// ignored, leaving the session open.
func (c *Coordinator) HandleMessage(ctx context.Context, s *models.ClientSession, raw []byte) error {
	logger := logging.WithClinic(s.ClinicID, s.ClientID)

	var msg models.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.metrics.MalformedMessages.Inc()
		logger.Warn("ignoring malformed message", "error", err)
		return nil
	}
	c.metrics.WebSocketMessages.WithLabelValues(msg.Type, "inbound").Inc()

	ref := msg.Normalize()
	switch msg.Type {
	case models.MessageHeartbeat:
		return nil

	case models.MessageCaseSelected:
		if ref.CaseID == "" {
			c.metrics.MalformedMessages.Inc()
			logger.Warn("ignoring case_selected without caseId")
			return nil
		}
		if ref.ClinicianID == "" {
			ref.ClinicianID = s.ClinicianID
		}
		_, err := c.SelectCase(ctx, s.ClinicID, ref.CaseID, ref.ClinicianID)
		return err

	case models.MessageDecisionMade:
		if ref.CaseID == "" {
			c.metrics.MalformedMessages.Inc()
			logger.Warn("ignoring decision_made without caseId")
			return nil
		}
		if ref.ClinicianID == "" {
			ref.ClinicianID = s.ClinicianID
		}
		return c.RecordDecision(ctx, s.ClinicID, ref)

	default:
		c.metrics.MalformedMessages.Inc()
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// SelectCase moves a case to the front of the clinic queue and broadcasts the
// new queue
func (c *Coordinator) SelectCase(ctx context.Context, clinicID, caseID, clinicianID string) ([]models.QueueEntry, error) {
	entries, err := c.queue.Push(ctx, clinicID, caseID, clinicianID)
	if err != nil {
		return nil, err
	}
	c.metrics.QueueMutations.WithLabelValues("push").Inc()

	c.appendAudit(ctx, clinicID, models.AuditEvent{
		CaseID:  caseID,
		Action:  models.AuditSelected,
		ActorID: clinicianID,
	})
	c.fanOut(ctx, clinicID, queueMessage(clinicID, entries, caseID))
	return entries, nil
}

// RecordDecision broadcasts a clinician's decision on a case
func (c *Coordinator) RecordDecision(ctx context.Context, clinicID string, ref models.CaseRef) error {
	action := models.AuditAction(ref.Decision)
	if !action.Valid() || action == models.AuditFinalized || action == models.AuditAdmitted {
		action = models.AuditReviewed
	}
	now := c.now().UTC()

	c.appendAudit(ctx, clinicID, models.AuditEvent{
		CaseID:    ref.CaseID,
		Action:    action,
		ActorID:   ref.ClinicianID,
		Timestamp: now,
		Notes:     ref.Notes,
	})
	c.fanOut(ctx, clinicID, models.ServerMessage{
		Type:     models.MessageDecisionMade,
		ClinicID: clinicID,
		Data: models.DecisionMadeData{
			CaseID:      ref.CaseID,
			ClinicianID: ref.ClinicianID,
			Decision:    ref.Decision,
			Timestamp:   now,
		},
	})
	return nil
}

// AdmitCase appends a case that needs review to the back of the clinic queue.
// Admitting a queued case leaves its position unchanged.
func (c *Coordinator) AdmitCase(ctx context.Context, req models.AdmitCaseRequest) ([]models.QueueEntry, error) {
	if err := ValidateClinicID(req.ClinicID); err != nil {
		return nil, err
	}
	if req.CaseID == "" {
		return nil, fmt.Errorf("%w: caseId is required", ErrInvalidRequest)
	}

	entries, err := c.queue.Append(ctx, req.ClinicID, req.CaseID)
	if err != nil {
		return nil, err
	}
	c.metrics.QueueMutations.WithLabelValues("append").Inc()

	c.appendAudit(ctx, req.ClinicID, models.AuditEvent{
		CaseID:  req.CaseID,
		Action:  models.AuditAdmitted,
		ActorID: req.ActorID,
		Notes:   req.Notes,
	})
	c.fanOut(ctx, req.ClinicID, queueMessage(req.ClinicID, entries, req.CaseID))
	return entries, nil
}

// Pending returns the clinic queue and online count
func (c *Coordinator) Pending(ctx context.Context, clinicID string) (*models.PendingResponse, error) {
	if err := ValidateClinicID(clinicID); err != nil {
		return nil, err
	}

	entries, err := c.queue.List(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	online, err := c.presence.Count(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	return &models.PendingResponse{
		ClinicID: clinicID,
		Queue:    entries,
		Count:    len(entries),
		Online:   online,
	}, nil
}

// RecordAudit appends an externally produced audit event
func (c *Coordinator) RecordAudit(ctx context.Context, req models.AuditRequest) error {
	if err := ValidateClinicID(req.ClinicID); err != nil {
		return err
	}
	if req.CaseID == "" || !req.Action.Valid() {
		return fmt.Errorf("%w: caseId and a known action are required", ErrInvalidRequest)
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = c.now().UTC()
	}
	return c.audit.Append(ctx, req.ClinicID, req.AuditEvent)
}

// Audit returns the review trail of a case
func (c *Coordinator) Audit(ctx context.Context, clinicID, caseID string) (*models.AuditTrailResponse, error) {
	if err := ValidateClinicID(clinicID); err != nil {
		return nil, err
	}
	events, err := c.audit.List(ctx, clinicID, caseID)
	if err != nil {
		return nil, err
	}
	return &models.AuditTrailResponse{ClinicID: clinicID, CaseID: caseID, Events: events}, nil
}

// Finalize records the final decision on a case and removes it from the queue
func (c *Coordinator) Finalize(ctx context.Context, req models.FinalizeRequest) ([]models.QueueEntry, error) {
	if err := ValidateClinicID(req.ClinicID); err != nil {
		return nil, err
	}
	decision := models.AuditAction(req.Decision)
	switch decision {
	case models.AuditApproved, models.AuditRejected, models.AuditCorrected:
	default:
		return nil, fmt.Errorf("%w: decision must be approved, rejected or corrected", ErrInvalidRequest)
	}
	if req.CaseID == "" {
		return nil, fmt.Errorf("%w: caseId is required", ErrInvalidRequest)
	}

	entries, removed, err := c.queue.Remove(ctx, req.ClinicID, req.CaseID)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, fmt.Errorf("%w: %s", ErrNotQueued, req.CaseID)
	}
	c.metrics.QueueMutations.WithLabelValues("remove").Inc()

	now := c.now().UTC()
	c.appendAudit(ctx, req.ClinicID, models.AuditEvent{
		CaseID:    req.CaseID,
		Action:    decision,
		ActorID:   req.ClinicianID,
		Timestamp: now,
		Notes:     req.Notes,
	})
	c.appendAudit(ctx, req.ClinicID, models.AuditEvent{
		CaseID:    req.CaseID,
		Action:    models.AuditFinalized,
		ActorID:   req.ClinicianID,
		Timestamp: now,
	})

	c.fanOut(ctx, req.ClinicID, models.ServerMessage{
		Type:     models.MessageDecisionMade,
		ClinicID: req.ClinicID,
		Data: models.DecisionMadeData{
			CaseID:      req.CaseID,
			ClinicianID: req.ClinicianID,
			Decision:    req.Decision,
			Timestamp:   now,
		},
	})
	c.fanOut(ctx, req.ClinicID, queueMessage(req.ClinicID, entries, ""))
	return entries, nil
}

// appendAudit records an event; a failed audit write never blocks the queue
func (c *Coordinator) appendAudit(ctx context.Context, clinicID string, event models.AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = c.now().UTC()
	}
	if err := c.audit.Append(ctx, clinicID, event); err != nil {
		log.Printf("⚠️  [HITL] Failed to append audit event for case %s: %v", event.CaseID, err)
	}
}

// fanOut delivers to local sessions and publishes to other instances
func (c *Coordinator) fanOut(ctx context.Context, clinicID string, msg models.ServerMessage) {
	c.deliverLocal(clinicID, msg)
	if c.broker == nil {
		return
	}
	if err := c.broker.Publish(ctx, clinicID, msg); err != nil {
		log.Printf("⚠️  [HITL] Failed to publish %s to clinic %s: %v", msg.Type, clinicID, err)
	}
}

func (c *Coordinator) deliverLocal(clinicID string, msg models.ServerMessage) {
	for _, s := range c.registry.Snapshot(clinicID) {
		c.send(s, msg)
	}
}

func (c *Coordinator) send(s *models.ClientSession, msg models.ServerMessage) {
	if !s.Send(msg) {
		if s.Overflowed() {
			log.Printf("⚠️  [HITL] Session %s fell behind on %s and was closed", s.ClientID, msg.Type)
		}
		return
	}
	c.metrics.WebSocketMessages.WithLabelValues(msg.Type, "outbound").Inc()
}

func queueMessage(clinicID string, entries []models.QueueEntry, caseID string) models.ServerMessage {
	position := -1
	if caseID != "" {
		position = positionIn(entries, caseID)
	}
	return models.ServerMessage{
		Type:     models.MessageQueueUpdated,
		ClinicID: clinicID,
		Data: models.QueueUpdatedData{
			Queue:    entries,
			Position: position,
			Count:    len(entries),
			CaseID:   caseID,
		},
	}
}
