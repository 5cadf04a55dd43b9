package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-presence/internal/models"
)

type captureWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error { c.closed = true; return nil }

func TestProducerKeysByDriverAndRide(t *testing.T) {
	locs, rides := &captureWriter{}, &captureWriter{}
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	k := &KafkaProducer{locations: locs, rides: rides, now: func() time.Time { return at }}
	ctx := context.Background()

	require.NoError(t, k.Upsert(ctx, models.DriverPosition{DriverID: "d1", Lat: 24.86, Lng: 67.0, UpdatedAt: at}))
	require.NoError(t, k.Remove(ctx, "d1"))
	require.NoError(t, k.PublishRideEvent(ctx, models.RideEvent{Type: "rideStarted", Ride: models.Ride{ID: "r1"}}))

	require.Len(t, locs.msgs, 2)
	assert.Equal(t, "d1", string(locs.msgs[0].Key))
	var first, second PresenceMessage
	require.NoError(t, json.Unmarshal(locs.msgs[0].Value, &first))
	require.NoError(t, json.Unmarshal(locs.msgs[1].Value, &second))
	assert.Equal(t, KindLocation, first.Kind)
	assert.Equal(t, 24.86, first.Lat)
	assert.Equal(t, KindDisconnected, second.Kind)
	assert.Equal(t, at, second.UpdatedAt)

	require.Len(t, rides.msgs, 1)
	assert.Equal(t, "r1", string(rides.msgs[0].Key))

	require.NoError(t, k.Close())
	assert.True(t, locs.closed)
	assert.True(t, rides.closed)
}
