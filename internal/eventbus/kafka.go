package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"

	"github.com/sells-group/reconciler/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards events to a Kafka topic keyed by record identity, so
// every change to one record lands on the same partition in order.
type KafkaSink struct {
	w       messageWriter
	timeout time.Duration
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
		timeout: 10 * time.Second,
	}
}

// Write publishes one message per event.
func (k *KafkaSink) Write(ctx context.Context, events []model.IntegrationEvent) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		val, err := json.Marshal(ev)
		if err != nil {
			return eris.Wrapf(err, "kafka: marshal event %s", ev.ID)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(MessageKey(ev)),
			Value: val,
			Time:  ev.CreatedAt,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(ev.ID)},
				{Key: "event_type", Value: []byte(ev.EventType)},
			},
		})
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.w.WriteMessages(ctx, msgs...); err != nil {
		return eris.Wrapf(err, "kafka: write %d events", len(msgs))
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	return eris.Wrap(k.w.Close(), "kafka: close writer")
}

// MessageKey is source/entity_type/external_id.
func MessageKey(ev model.IntegrationEvent) string {
	return string(ev.Source) + "/" + ev.EntityType + "/" + ev.EntityExternalID
}
