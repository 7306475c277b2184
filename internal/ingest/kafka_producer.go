package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/storage"
)

const publishTimeout = 2 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes ride lifecycle events keyed by ride id, so every
// event of one ride lands on the same partition in order.
type KafkaProducer struct {
	writer messageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) Publish(ctx context.Context, ev models.RideEvent) error {
	msg, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func EncodeEvent(ev models.RideEvent) (kafka.Message, error) {
	if ev.RideID == "" {
		return kafka.Message{}, models.ValidationError{Field: "ride_id", Msg: "is required"}
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode ride event: %w", err)
	}
	return kafka.Message{
		Key:     []byte(ev.RideID),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
		Time:    ev.OccurredAt,
	}, nil
}

// DecodeEvent parses a ride event produced by this service or by an older
// producer that spelled statuses differently.
func DecodeEvent(value []byte) (models.RideEvent, error) {
	var raw struct {
		models.RideEvent
		Status string `json:"status"`
	}
	if err := json.Unmarshal(value, &raw); err != nil {
		return models.RideEvent{}, fmt.Errorf("decode ride event: %w", err)
	}
	ev := raw.RideEvent
	if ev.RideID == "" {
		return models.RideEvent{}, models.ValidationError{Field: "ride_id", Msg: "is required"}
	}
	if raw.Status != "" {
		st, err := storage.ParseRideStatus(raw.Status)
		if err != nil {
			return models.RideEvent{}, err
		}
		ev.Status = st
	}
	return ev, nil
}
