package messaging

import (
	"context"
	"encoding/json"
	"time"

	"example.com/docstream/services/ledger/config"
	"example.com/docstream/services/ledger/internal/models"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// EventRelay publishes committed events to an Azure Service Bus queue
// for external consumers. It runs as a registered projection, so it
// gets a checkpoint, failure tracking and retries like any other
// consumer of the log, and it has no write access to the event store.
// Delivery is at-least-once; the envelope carries the event id so
// consumers can deduplicate.
type EventRelay struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
}

// Envelope is the published message shape
type Envelope struct {
	EventID       string            `json:"event_id"`
	Sequence      int64             `json:"sequence"`
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type"`
	EventType     string            `json:"event_type"`
	EventVersion  int               `json:"event_version"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// NewEventRelay creates a relay bound to the configured queue
func NewEventRelay(cfg config.RelayConfig) (*EventRelay, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("relay connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &EventRelay{
		client:    client,
		sender:    sender,
		queueName: cfg.QueueName,
	}, nil
}

// Name implements projection.Projection
func (r *EventRelay) Name() string {
	return "event_relay"
}

// Apply publishes one committed event. The tx is unused; the relay has
// no read model of its own.
func (r *EventRelay) Apply(ctx context.Context, _ *gorm.DB, event models.Event) error {
	var metadata map[string]string
	if len(event.Metadata) > 0 {
		if err := json.Unmarshal(event.Metadata, &metadata); err != nil {
			return errors.Wrap(err, "failed to decode event metadata")
		}
	}

	envelope := Envelope{
		EventID:       event.ID.String(),
		Sequence:      event.Sequence,
		AggregateID:   event.AggregateID.String(),
		AggregateType: event.AggregateType,
		EventType:     event.EventType,
		EventVersion:  event.EventVersion,
		Payload:       json.RawMessage(event.Payload),
		Metadata:      metadata,
		CreatedAt:     event.CreatedAt,
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "failed to marshal relay envelope")
	}

	messageID := envelope.EventID
	msg := &azservicebus.Message{
		MessageID: &messageID,
		Body:      body,
		ApplicationProperties: map[string]interface{}{
			"event_type":     event.EventType,
			"aggregate_type": event.AggregateType,
		},
	}

	if err := r.sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrap(err, "failed to publish event to Service Bus")
	}
	return nil
}

// Close closes the Service Bus sender and client
func (r *EventRelay) Close(ctx context.Context) error {
	if r.sender != nil {
		if err := r.sender.Close(ctx); err != nil {
			return err
		}
	}
	if r.client != nil {
		return r.client.Close(ctx)
	}
	return nil
}
