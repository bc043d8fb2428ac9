package hitl

import (
	"context"
	"encoding/json"

	"devscreen/internal/models"
	"devscreen/internal/services"
)

// DeliverFunc hands a message published by another instance to local sessions
type DeliverFunc func(clinicID string, msg models.ServerMessage)

// Broker fans clinic events out to the other server instances. Delivery is
// at-least-once and unordered across instances.
type Broker interface {
	Publish(ctx context.Context, clinicID string, msg models.ServerMessage) error
	Start(deliver DeliverFunc) error
	Stop() error
}

// RedisBroker publishes clinic events over Redis pub/sub. Messages stamped
// with this instance's ID are dropped on receipt since they were already
// delivered locally.
type RedisBroker struct {
	pubsub *services.PubSubService
}

func NewRedisBroker(pubsub *services.PubSubService) *RedisBroker {
	return &RedisBroker{pubsub: pubsub}
}

func (b *RedisBroker) Publish(ctx context.Context, clinicID string, msg models.ServerMessage) error {
	return b.pubsub.PublishToClinic(ctx, clinicID, msg.Type, msg.Data)
}

func (b *RedisBroker) Start(deliver DeliverFunc) error {
	b.pubsub.Subscribe(services.ClinicPattern, func(channel string, m *services.PubSubMessage) {
		deliver(m.ClinicID, models.ServerMessage{
			Type:     m.Type,
			ClinicID: m.ClinicID,
			Data:     json.RawMessage(m.Payload),
		})
	})
	return b.pubsub.Start()
}

func (b *RedisBroker) Stop() error {
	return b.pubsub.Stop()
}
