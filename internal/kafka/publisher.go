// Package kafka publishes terminal execution events to a Kafka topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/runwarden/runwarden/internal/events"
	"github.com/runwarden/runwarden/internal/model"
)

const writeTimeout = 5 * time.Second

var _ events.Subscriber = (*Publisher)(nil)

type Config struct {
	Brokers []string
	Topic   string
}

// Publisher writes a record per finished execution, keyed by executionId.
type Publisher struct {
	writer messageWriter
	topic  string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Record is the value of every published message.
type Record struct {
	Kind        events.Kind  `json:"kind"`
	ExecutionID string       `json:"executionId"`
	ScriptID    string       `json:"scriptId"`
	FileName    string       `json:"fileName"`
	Status      model.Status `json:"status"`
	StartTime   time.Time    `json:"startTime"`
	EndTime     *time.Time   `json:"endTime,omitempty"`
	DurationMs  *int64       `json:"durationMs,omitempty"`
	Error       string       `json:"error,omitempty"`
	Screenshots []string     `json:"screenshots"`
	Traces      []string     `json:"traces"`
	Timestamp   time.Time    `json:"timestamp"`
}

func NewPublisher(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker must be provided")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic must be provided")
	}

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		AllowAutoTopicCreation: true,
		Balancer:               &kafkago.LeastBytes{},
		RequiredAcks:           kafkago.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
	}
	return newPublisher(writer, cfg.Topic), nil
}

func newPublisher(writer messageWriter, topic string) *Publisher {
	return &Publisher{writer: writer, topic: topic}
}

// HandleEvent publishes complete and error events. Failures are logged.
func (p *Publisher) HandleEvent(ctx context.Context, e events.Event) {
	if !e.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := p.Publish(ctx, e); err != nil {
		slog.WarnContext(ctx, "publishing execution event",
			slog.String("topic", p.topic),
			slog.String("executionId", e.Result.ExecutionID),
			slog.String("error", err.Error()))
	}
}

// Publish writes e synchronously.
func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	if p.writer == nil {
		return errors.New("publisher is not initialized")
	}
	r := e.Result
	payload, err := json.Marshal(Record{
		Kind:        e.Kind,
		ExecutionID: r.ExecutionID,
		ScriptID:    r.ScriptID,
		FileName:    r.FileName,
		Status:      r.Status,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
		DurationMs:  r.DurationMs,
		Error:       r.Error,
		Screenshots: r.Screenshots,
		Traces:      r.Traces,
		Timestamp:   e.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	msg := kafkago.Message{
		Key:   []byte(r.ExecutionID),
		Value: payload,
		Time:  e.Timestamp,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
