// Package rides owns ride records and their lifecycle:
//
//	created -> ongoing -> completed
//	created | ongoing -> canceled
//
// A created ride may also be completed directly. Completed and canceled are
// terminal. Only the assigned driver may move a ride forward.
package rides

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-presence/internal/apperr"
	"github.com/example/ride-presence/internal/models"
	"github.com/example/ride-presence/internal/observability"
	"github.com/example/ride-presence/internal/storage"
)

// CreateInput carries the raw booking fields. DepartureTime is parsed here so
// malformed values are rejected as validation errors.
type CreateInput struct {
	DriverID      string
	PassengerID   string
	Origin        models.Place
	Destination   models.Place
	DepartureTime string
	Price         int64
}

type Lifecycle struct {
	store storage.TripStore
	locks *keyedMutex
	now   func() time.Time
}

func NewLifecycle(store storage.TripStore) *Lifecycle {
	return &Lifecycle{store: store, locks: newKeyedMutex(), now: time.Now}
}

// Create validates the input and stores a new ride in status created.
func (l *Lifecycle) Create(ctx context.Context, in CreateInput) (models.Ride, error) {
	dep, err := validate(in)
	if err != nil {
		return models.Ride{}, err
	}
	now := l.now().UTC()
	r := models.Ride{
		ID:            uuid.NewString(),
		DriverID:      in.DriverID,
		PassengerID:   in.PassengerID,
		Origin:        models.Place{Address: strings.TrimSpace(in.Origin.Address), Coordinates: append([]float64(nil), in.Origin.Coordinates...)},
		Destination:   models.Place{Address: strings.TrimSpace(in.Destination.Address), Coordinates: append([]float64(nil), in.Destination.Coordinates...)},
		DepartureTime: dep,
		Price:         in.Price,
		Status:        models.RideCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := l.store.SaveRide(ctx, &r); err != nil {
		return models.Ride{}, fmt.Errorf("save ride: %w", err)
	}
	observability.RideTransitions.WithLabelValues(string(models.RideCreated)).Inc()
	return r, nil
}

func (l *Lifecycle) Start(ctx context.Context, rideID, actingDriverID string) (models.Ride, error) {
	return l.transition(ctx, rideID, actingDriverID, models.RideOngoing)
}

func (l *Lifecycle) End(ctx context.Context, rideID, actingDriverID string) (models.Ride, error) {
	return l.transition(ctx, rideID, actingDriverID, models.RideCompleted)
}

func (l *Lifecycle) Cancel(ctx context.Context, rideID, actingDriverID string) (models.Ride, error) {
	return l.transition(ctx, rideID, actingDriverID, models.RideCanceled)
}

func (l *Lifecycle) Get(ctx context.Context, rideID string) (models.Ride, error) {
	r, err := l.store.GetRide(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	return *r, nil
}

// ListByUser returns the rides the user drives or rides in, newest departure
// first.
func (l *Lifecycle) ListByUser(ctx context.Context, userID string) ([]models.Ride, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", apperr.ErrValidation)
	}
	return l.store.ListRidesByUser(ctx, userID)
}

func (l *Lifecycle) transition(ctx context.Context, rideID, actingDriverID string, to models.RideStatus) (models.Ride, error) {
	unlock := l.locks.Lock(rideID)
	defer unlock()

	cur, err := l.store.GetRide(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if cur.DriverID != actingDriverID {
		return models.Ride{}, fmt.Errorf("%w: only the assigned driver may change ride %s", apperr.ErrForbidden, rideID)
	}
	if cur.Status.IsTerminal() {
		return models.Ride{}, fmt.Errorf("%w: ride %s is already %s", apperr.ErrInvalidState, rideID, cur.Status)
	}
	if !cur.Status.CanTransitionTo(to) {
		return models.Ride{}, fmt.Errorf("%w: ride %s is %s, cannot become %s", apperr.ErrInvalidState, rideID, cur.Status, to)
	}
	// the store re-checks the source status so concurrent writers in other
	// processes still see exactly one winner
	updated, err := l.store.TransitionRide(ctx, rideID, models.SourcesOf(to), to, l.now().UTC())
	if err != nil {
		return models.Ride{}, err
	}
	observability.RideTransitions.WithLabelValues(string(to)).Inc()
	return *updated, nil
}

var departureLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04", // HTML datetime-local
	"2006-01-02 15:04",
}

// ParseDepartureTime accepts RFC 3339 and the zone-less forms browsers send;
// zone-less values are taken as UTC.
func ParseDepartureTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range departureLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: departure time %q is not a valid timestamp", apperr.ErrValidation, s)
}

func validate(in CreateInput) (time.Time, error) {
	var missing []string
	if strings.TrimSpace(in.DriverID) == "" {
		missing = append(missing, "driver")
	}
	if strings.TrimSpace(in.PassengerID) == "" {
		missing = append(missing, "passenger")
	}
	if strings.TrimSpace(in.Origin.Address) == "" {
		missing = append(missing, "origin.address")
	}
	if _, ok := in.Origin.Coord(); !ok {
		missing = append(missing, "origin.coordinates")
	}
	if strings.TrimSpace(in.Destination.Address) == "" {
		missing = append(missing, "destination.address")
	}
	if _, ok := in.Destination.Coord(); !ok {
		missing = append(missing, "destination.coordinates")
	}
	if strings.TrimSpace(in.DepartureTime) == "" {
		missing = append(missing, "departureTime")
	}
	if len(missing) > 0 {
		return time.Time{}, fmt.Errorf("%w: missing or invalid %s", apperr.ErrValidation, strings.Join(missing, ", "))
	}
	if in.DriverID == in.PassengerID {
		return time.Time{}, fmt.Errorf("%w: driver and passenger must differ", apperr.ErrValidation)
	}
	if in.Price <= 0 {
		return time.Time{}, fmt.Errorf("%w: price must be positive", apperr.ErrValidation)
	}
	return ParseDepartureTime(in.DepartureTime)
}

// keyedMutex serializes work per key without a global lock. Entries are
// reference counted and dropped when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
