// Package kafka provides a Dispatcher that publishes jobs to a Kafka topic.
//
// Messages are keyed by identity, so one user's jobs land on one partition
// and are consumed in submission order. Kafka has no backlog bound the
// producer can see: a write that is not acknowledged within the dispatch
// timeout is the rejection.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/ineyio/querygate"
)

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Producer is a Kafka Dispatcher.
type Producer struct {
	writer MessageWriter
	topic  string
	now    func() time.Time
}

var _ querygate.Dispatcher = (*Producer)(nil)

// NewWriter returns a synchronous writer for the given brokers. Each write
// waits for the partition leader so Submit reports a real acceptance.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// New creates a Producer publishing to topic through w.
func New(w MessageWriter, topic string) *Producer {
	return &Producer{writer: w, topic: topic, now: time.Now}
}

func (p *Producer) Name() string { return "kafka" }

// Submit publishes the job and returns once the broker has accepted it.
func (p *Producer) Submit(ctx context.Context, sub querygate.Submission) (querygate.JobHandle, error) {
	now := p.now()
	job := querygate.Job{
		Token:         uuid.NewString(),
		RequestID:     sub.RequestID,
		Identity:      sub.Identity,
		Query:         sub.Query,
		Fingerprint:   sub.Fingerprint,
		Cost:          sub.Cost,
		ReservationID: sub.ReservationID,
		State:         querygate.JobPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	value, err := json.Marshal(job)
	if err != nil {
		return querygate.JobHandle{}, &querygate.DispatchError{Backend: p.Name(), Err: err}
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(sub.Identity),
		Value: value,
		Time:  now,
		Headers: []kafka.Header{
			{Key: "request_id", Value: []byte(sub.RequestID)},
			{Key: "fingerprint", Value: []byte(sub.Fingerprint)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return querygate.JobHandle{}, &querygate.DispatchError{
			Backend: p.Name(),
			Err:     fmt.Errorf("write message: %w", err),
		}
	}
	return querygate.JobHandle{Token: job.Token}, nil
}
