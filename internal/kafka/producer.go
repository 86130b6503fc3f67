package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fathima-sithara/marketplace-messaging/internal/fanout"
)

// EventLog appends every broadcast publication to a Kafka topic, keyed by
// channel so one channel's events stay in order within a partition.
type EventLog struct {
	writer *kafka.Writer
}

func NewEventLog(brokers []string, topic string) *EventLog {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &EventLog{writer: w}
}

type record struct {
	Channel string    `json:"channel"`
	Event   string    `json:"event"`
	Data    any       `json:"data"`
	At      time.Time `json:"at"`
}

func (l *EventLog) Record(ctx context.Context, pubs []fanout.Publication) error {
	if len(pubs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	msgs := make([]kafka.Message, 0, len(pubs))
	for _, p := range pubs {
		b, err := json.Marshal(record{Channel: p.Channel, Event: p.Event, Data: p.Data, At: now})
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{Key: []byte(p.Channel), Value: b, Time: now})
	}
	return l.writer.WriteMessages(ctx, msgs...)
}

func (l *EventLog) Close() error { return l.writer.Close() }
