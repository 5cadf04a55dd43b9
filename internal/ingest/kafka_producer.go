// Package ingest publishes presence and ride activity to Kafka so other
// services can project it.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-presence/internal/models"
)

const (
	KindLocation     = "location"
	KindDisconnected = "disconnected"
)

// PresenceMessage is the value written to the location topic, keyed by
// driver id so a partition sees one driver's updates in order.
type PresenceMessage struct {
	Kind      string    `json:"kind"`
	DriverID  string    `json:"driverId"`
	Lat       float64   `json:"lat,omitempty"`
	Lng       float64   `json:"lng,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	locations messageWriter
	rides     messageWriter
	now       func() time.Time
}

func NewKafkaProducer(brokers []string, locationTopic, rideTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: locationTopic, Balancer: &kafka.Hash{}},
		rides:     &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: rideTopic, Balancer: &kafka.Hash{}},
		now:       time.Now,
	}
}

func (k *KafkaProducer) Upsert(ctx context.Context, p models.DriverPosition) error {
	return k.write(ctx, k.locations, p.DriverID, PresenceMessage{
		Kind: KindLocation, DriverID: p.DriverID, Lat: p.Lat, Lng: p.Lng, UpdatedAt: p.UpdatedAt,
	})
}

func (k *KafkaProducer) Remove(ctx context.Context, driverID string) error {
	return k.write(ctx, k.locations, driverID, PresenceMessage{
		Kind: KindDisconnected, DriverID: driverID, UpdatedAt: k.now().UTC(),
	})
}

// PublishRideEvent appends a lifecycle change to the ride topic, keyed by
// ride id.
func (k *KafkaProducer) PublishRideEvent(ctx context.Context, ev models.RideEvent) error {
	return k.write(ctx, k.rides, ev.Ride.ID, ev)
}

func (k *KafkaProducer) write(ctx context.Context, w messageWriter, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	err := k.locations.Close()
	if rerr := k.rides.Close(); err == nil {
		err = rerr
	}
	return err
}
