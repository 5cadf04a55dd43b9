// Package dispatch tells both parties of a ride about lifecycle changes.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/example/ride-presence/internal/models"
	"github.com/example/ride-presence/internal/observability"
)

// Live delivers to the realtime connections of a user.
type Live interface {
	SendToUser(userID, event string, payload any) int
}

// Pusher reaches users that are offline.
type Pusher interface {
	Push(ctx context.Context, userID, event string, payload any) error
}

type Notifier struct {
	Live   Live
	Push   Pusher // optional
	Logger *slog.Logger
}

// RideChanged notifies driver and passenger. Delivery is best effort.
func (n *Notifier) RideChanged(ctx context.Context, ev models.RideEvent) {
	for _, userID := range []string{ev.Ride.DriverID, ev.Ride.PassengerID} {
		if userID == "" {
			continue
		}
		if n.Live != nil && n.Live.SendToUser(userID, ev.Type, ev.Ride) > 0 {
			observability.NotificationsOut.WithLabelValues("ws").Inc()
			continue
		}
		if n.Push == nil {
			continue
		}
		if err := n.Push.Push(ctx, userID, ev.Type, ev.Ride); err != nil {
			if n.Logger != nil {
				n.Logger.Warn("push_failed", "user_id", userID, "event", ev.Type, "error", err)
			}
			continue
		}
		observability.NotificationsOut.WithLabelValues("push").Inc()
	}
}
