package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-presence/internal/models"
	"github.com/example/ride-presence/internal/observability"
)

// Sink receives a copy of hub activity, e.g. a Redis GEO mirror or a Kafka
// topic.
type Sink interface {
	Upsert(ctx context.Context, p models.DriverPosition) error
	Remove(ctx context.Context, driverID string) error
}

// Forward drains a hub subscription into sink until ctx is done. Sink errors
// are logged and counted; they never reach publishers.
func Forward(ctx context.Context, h *Hub, name string, sink Sink, logger *slog.Logger) {
	sub := h.SubscribeAll()
	defer sub.Close()
	errs := observability.SinkErrors.WithLabelValues(name)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			var err error
			switch ev.Type {
			case EventLocationUpdate:
				err = sink.Upsert(opCtx, ev.Position)
			case EventDriverDisconnected:
				err = sink.Remove(opCtx, ev.DriverID)
			}
			cancel()
			if err != nil {
				errs.Inc()
				logger.Warn("presence_sink_failed", "sink", name, "driver_id", ev.DriverID, "error", err)
			}
		}
	}
}
