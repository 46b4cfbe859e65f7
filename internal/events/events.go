// Package events publishes command lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/safar/go-commerce/internal/config"
	"github.com/safar/go-commerce/internal/models"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	TypeCreated       = "command.created"
	TypeUpdated       = "command.updated"
	TypeStatusChanged = "command.status_changed"
	TypeCancelled     = "command.cancelled"
	TypeDeleted       = "command.deleted"
)

type Event struct {
	ID             string               `json:"event_id"`
	Type           string               `json:"type"`
	CommandID      int64                `json:"command_id"`
	Status         models.CommandStatus `json:"status,omitempty"`
	PreviousStatus models.CommandStatus `json:"previous_status,omitempty"`
	OccurredAt     time.Time            `json:"occurred_at"`
	Command        *models.Command      `json:"command,omitempty"`
}

// NewEvent stamps an event about command. For deletions command may carry
// only the id and last status.
func NewEvent(eventType string, command *models.Command, previous models.CommandStatus) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           eventType,
		CommandID:      command.ID,
		Status:         command.Status,
		PreviousStatus: previous,
		OccurredAt:     time.Now().UTC(),
		Command:        command,
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// New returns a Kafka publisher, or a no-op one when no brokers are configured.
func New(cfg config.KafkaConfig) Publisher {
	if len(cfg.Brokers) == 0 {
		return Nop{}
	}
	return NewKafkaPublisher(cfg.Brokers, cfg.Topic)
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Publish keys the message by command id so that a command's events stay
// ordered within one partition.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	msg, err := Message(ctx, e)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Message encodes e and carries the trace context of ctx in its headers.
func Message(ctx context.Context, e Event) (kafka.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event: %w", err)
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := []kafka.Header{{Key: "event_type", Value: []byte(e.Type)}}
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	return kafka.Message{
		Key:     []byte(strconv.FormatInt(e.CommandID, 10)),
		Value:   data,
		Headers: headers,
		Time:    e.OccurredAt,
	}, nil
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
