// Package events publishes the outcome of every placed order to Kafka.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

const (
	OrderConfirmed = "order.confirmed"
	OrderCancelled = "order.cancelled"
)

type Event struct {
	EventID   string         `json:"eventId"`
	XID       string         `json:"xid"`
	OrderNo   string         `json:"orderNo"`
	Type      string         `json:"type"`
	CreatedAt time.Time      `json:"createdAt"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New returns an event of type typ with a fresh id.
func New(typ, xid, orderNo string, payload map[string]any) Event {
	return Event{
		EventID:   uuid.NewString(),
		XID:       xid,
		OrderNo:   orderNo,
		Type:      typ,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// messageWriter is the part of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events as JSON messages keyed by order number, so that all
// events of one order land in one partition.
type Kafka struct {
	w messageWriter
}

// Brokers splits a comma separated broker list.
func Brokers(csv string) []string {
	var brokers []string
	for _, b := range strings.Split(csv, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// NewPublisher returns a Kafka publisher writing to topic, or Nop if there
// are no brokers.
func NewPublisher(brokers []string, topic string) Publisher {
	if len(brokers) == 0 {
		return Nop{}
	}
	return &Kafka{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (k *Kafka) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "events: encode")
	}
	err = k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.OrderNo),
		Value: data,
		Time:  ev.CreatedAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	})
	return errors.Wrapf(err, "events: publish %s %s", ev.Type, ev.OrderNo)
}

func (k *Kafka) Close() error {
	return k.w.Close()
}
