package services

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// PubSubService manages Redis pub/sub for cross-instance communication
type PubSubService struct {
	redis      *RedisService
	pubsub     *redis.PubSub
	handlers   map[string][]MessageHandler
	mu         sync.RWMutex
	instanceID string
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// MessageHandler is a callback for handling pub/sub messages
type MessageHandler func(channel string, message *PubSubMessage)

// PubSubMessage represents a message sent via pub/sub
type PubSubMessage struct {
	Type       string          `json:"type"`       // Message type (e.g., "queue_updated", "clinician_joined")
	ClinicID   string          `json:"clinicId"`   // Target clinic channel
	InstanceID string          `json:"instanceId"` // Source instance ID
	Payload    json.RawMessage `json:"payload"`
}

// ClinicChannel is the pub/sub channel of one clinic
func ClinicChannel(clinicID string) string {
	return "hitl:clinic:" + clinicID + ":events"
}

// ClinicPattern matches every clinic channel
const ClinicPattern = "hitl:clinic:*:events"

// NewPubSubService creates a new pub/sub service
func NewPubSubService(redisService *RedisService, instanceID string) *PubSubService {
	ctx, cancel := context.WithCancel(context.Background())
	return &PubSubService{
		redis:      redisService,
		handlers:   make(map[string][]MessageHandler),
		instanceID: instanceID,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// InstanceID returns the ID stamped on every message this instance publishes
func (s *PubSubService) InstanceID() string {
	return s.instanceID
}

// Subscribe registers a handler for a channel pattern
func (s *PubSubService) Subscribe(pattern string, handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[pattern] = append(s.handlers[pattern], handler)
	log.Printf("📡 [PUBSUB] Subscribed to pattern: %s", pattern)
}

// Start begins listening for pub/sub messages
func (s *PubSubService) Start() error {
	s.pubsub = s.redis.PSubscribe(s.ctx, ClinicPattern)

	// Wait for subscription confirmation
	if _, err := s.pubsub.Receive(s.ctx); err != nil {
		return err
	}

	go s.processMessages()

	log.Printf("✅ [PUBSUB] Started listening for messages (instance: %s)", s.instanceID)
	return nil
}

// processMessages handles incoming pub/sub messages in arrival order
func (s *PubSubService) processMessages() {
	defer close(s.done)
	ch := s.pubsub.Channel()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleMessage(msg)
		}
	}
}

// handleMessage processes a single pub/sub message
func (s *PubSubService) handleMessage(msg *redis.Message) {
	var message PubSubMessage
	if err := json.Unmarshal([]byte(msg.Payload), &message); err != nil {
		log.Printf("⚠️ [PUBSUB] Failed to unmarshal message: %v", err)
		return
	}

	// Skip messages from this instance (avoid loops)
	if message.InstanceID == s.instanceID {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for pattern, handlers := range s.handlers {
		if matchPattern(pattern, msg.Channel) {
			for _, handler := range handlers {
				handler(msg.Channel, &message)
			}
		}
	}
}

// PublishToClinic publishes a message on a clinic's channel
func (s *PubSubService) PublishToClinic(ctx context.Context, clinicID, msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	data, err := json.Marshal(&PubSubMessage{
		Type:       msgType,
		ClinicID:   clinicID,
		InstanceID: s.instanceID,
		Payload:    raw,
	})
	if err != nil {
		return err
	}

	return s.redis.Publish(ctx, ClinicChannel(clinicID), data)
}

// Stop stops the pub/sub service
func (s *PubSubService) Stop() error {
	s.cancel()
	if s.pubsub == nil {
		return nil
	}
	err := s.pubsub.Close()
	<-s.done
	return err
}

// matchPattern checks if a channel matches a pattern where "*" matches one
// colon-separated segment
func matchPattern(pattern, channel string) bool {
	if pattern == channel {
		return true
	}

	patternParts := strings.Split(pattern, ":")
	channelParts := strings.Split(channel, ":")

	if len(patternParts) != len(channelParts) {
		return false
	}

	for i, part := range patternParts {
		if part != "*" && part != channelParts[i] {
			return false
		}
	}

	return true
}
