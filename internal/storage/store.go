package storage

import (
	"context"
	"time"

	"github.com/example/ride-presence/internal/models"
)

// TripStore defines persistence operations for rides. Missing rides are
// reported as apperr.ErrNotFound.
type TripStore interface {
	SaveRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// TransitionRide moves the ride to `to` only if its current status is one
	// of `from`, atomically. Otherwise it fails with apperr.ErrInvalidState.
	TransitionRide(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, at time.Time) (*models.Ride, error)
	// ListRidesByUser returns rides where the user is driver or passenger,
	// newest departure first.
	ListRidesByUser(ctx context.Context, userID string) ([]models.Ride, error)
}

// MessageStore is an append-only chat log.
type MessageStore interface {
	AppendMessage(ctx context.Context, m *models.ChatMessage) error
	// ListMessages returns a room's messages in append order.
	ListMessages(ctx context.Context, roomID string) ([]models.ChatMessage, error)
	// ListMessagesByParticipant returns every message sent or received by the
	// user, in append order.
	ListMessagesByParticipant(ctx context.Context, userID string) ([]models.ChatMessage, error)
}

// UserStore holds accounts. Duplicate emails fail with apperr.ErrConflict.
type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListUsersByRole(ctx context.Context, role models.Role) ([]models.User, error)
}

// Store bundles every repository the service needs.
type Store interface {
	TripStore
	MessageStore
	UserStore
	Ping(ctx context.Context) error
	Close() error
}
