// Package events publishes terminal outcomes to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pinchtab/autoapply/internal/session"
)

//go:generate mockgen -destination=../mocks/mock_message_writer.go -package=mocks github.com/pinchtab/autoapply/internal/events MessageWriter

// MessageWriter is the subset of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OutcomeEvent is the message value. Keyed by session so one run's
// outcomes stay ordered within a partition.
type OutcomeEvent struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Platform  string         `json:"platform"`
	UserID    string         `json:"userId,omitempty"`
	URL       string         `json:"url"`
	Title     string         `json:"title,omitempty"`
	Status    session.Status `json:"status"`
	Detail    string         `json:"detail,omitempty"`
	Applied   int            `json:"applied"`
	Limit     int            `json:"limit"`
	At        time.Time      `json:"at"`
}

const eventType = "application.outcome"

type Producer struct {
	writer MessageWriter
}

func NewProducer(broker, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(broker),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
	}
}

// NewProducerWithWriter builds a producer on a custom writer.
func NewProducerWithWriter(w MessageWriter) *Producer {
	return &Producer{writer: w}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// RecordOutcome publishes one outcome.
func (p *Producer) RecordOutcome(ctx context.Context, o session.Outcome) error {
	payload, err := json.Marshal(OutcomeEvent{
		Type:      eventType,
		SessionID: o.SessionID,
		Platform:  o.Platform,
		UserID:    o.UserID,
		URL:       o.URL,
		Title:     o.Title,
		Status:    o.Status,
		Detail:    o.Detail,
		Applied:   o.Applied,
		Limit:     o.Limit,
		At:        o.At.UTC(),
	})
	if err != nil {
		return err
	}

	key := o.SessionID
	if key == "" {
		key = o.Platform
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  o.At.UTC(),
		Headers: []kafka.Header{
			{Key: "platform", Value: []byte(o.Platform)},
			{Key: "status", Value: []byte(o.Status)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish outcome: %w", err)
	}
	return nil
}
