package gateway

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-presence/internal/apperr"
	"github.com/example/ride-presence/internal/chat"
	"github.com/example/ride-presence/internal/eta"
	"github.com/example/ride-presence/internal/logging"
	"github.com/example/ride-presence/internal/matcher"
	"github.com/example/ride-presence/internal/models"
	"github.com/example/ride-presence/internal/presence"
	"github.com/example/ride-presence/internal/rides"
	"github.com/example/ride-presence/internal/storage"
)

type recordingNotifier struct{ events []models.RideEvent }

func (r *recordingNotifier) RideChanged(_ context.Context, ev models.RideEvent) {
	r.events = append(r.events, ev)
}

type recordingSettler struct{ seen []models.RideStatus }

func (r *recordingSettler) Settle(_ context.Context, ride models.Ride) error {
	r.seen = append(r.seen, ride.Status)
	return nil
}

type failingEvents struct{ calls int }

func (f *failingEvents) PublishRideEvent(context.Context, models.RideEvent) error {
	f.calls++
	return errors.New("broker down")
}

type fixture struct {
	svc      *Service
	store    *storage.MemoryStore
	hub      *presence.Hub
	notes    *recordingNotifier
	payments *recordingSettler
	events   *failingEvents
	now      time.Time
}

var (
	passenger = models.Principal{UserID: "p1", Role: models.RolePassenger}
	driver    = models.Principal{UserID: "d1", Role: models.RoleDriver}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:    storage.NewMemoryStore(),
		notes:    &recordingNotifier{},
		payments: &recordingSettler{},
		events:   &failingEvents{},
		now:      time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.hub = presence.NewHub(presence.Options{Now: func() time.Time { return f.now }, Logger: logging.Discard()})
	for _, u := range []models.User{
		{ID: "d1", FullName: "Bilal", Email: "bilal@example.com", Role: models.RoleDriver},
		{ID: "d2", FullName: "Asad", Email: "asad@example.com", Role: models.RoleDriver},
		{ID: "d3", FullName: "Kamran", Email: "kamran@example.com", Role: models.RoleDriver},
		{ID: "p1", FullName: "Sana", Email: "sana@example.com", Role: models.RolePassenger},
	} {
		u := u
		require.NoError(t, f.store.CreateUser(ctx, &u))
	}
	est := &eta.Estimator{SpeedMps: 10}
	f.svc = New(Deps{
		Users:    f.store,
		Rides:    rides.NewLifecycle(f.store),
		Presence: f.hub,
		Rooms:    chat.NewRelay(f.store, 8),
		Ranker:   &matcher.Service{Router: est},
		Quoter:   &rides.Pricer{Router: est, Rate: 100},
		Notifier: f.notes,
		Events:   f.events,
		Payments: f.payments,
		Logger:   logging.Discard(),
	})
	f.svc.now = func() time.Time { return f.now }
	return f
}

func booking() CreateRideRequest {
	return CreateRideRequest{
		DriverID:      "d1",
		Origin:        models.Place{Address: "Saddar", Coordinates: []float64{67.0300, 24.8600}},
		Destination:   models.Place{Address: "Clifton", Coordinates: []float64{67.0300, 24.9050}},
		DepartureTime: "2025-03-01T10:00",
		Price:         500,
	}
}

func TestListDriversJoinsPresence(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.hub.Publish("d3", 24.86, 67.01))

	all, err := f.svc.ListAvailableDrivers(context.Background(), DriverFilter{IncludeOffline: true})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "d3", all[0].ID)
	require.NotNil(t, all[0].Location)
	assert.Equal(t, 67.01, all[0].Location.Lng)
	assert.Equal(t, []string{"d2", "d1"}, []string{all[1].ID, all[2].ID})
	assert.Nil(t, all[1].Location)

	live, err := f.svc.ListAvailableDrivers(context.Background(), DriverFilter{})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "d3", live[0].ID)
}

func TestListDriversMaxAgeAndNear(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.hub.Publish("d1", 24.90, 67.03))
	f.now = f.now.Add(time.Minute)
	require.NoError(t, f.hub.Publish("d2", 24.87, 67.03))
	require.NoError(t, f.hub.Publish("d3", 24.95, 67.03))

	fresh, err := f.svc.ListAvailableDrivers(context.Background(), DriverFilter{MaxAge: 10 * time.Second})
	require.NoError(t, err)
	assert.Len(t, fresh, 2)

	pickup := models.Coord{Lat: 24.86, Lng: 67.03}
	near, err := f.svc.ListAvailableDrivers(context.Background(), DriverFilter{Near: &pickup, Limit: 2})
	require.NoError(t, err)
	require.Len(t, near, 2)
	assert.Equal(t, "d2", near[0].ID)
	assert.Equal(t, "d1", near[1].ID)
	assert.Greater(t, near[1].ETASeconds, near[0].ETASeconds)

	bad := models.Coord{Lat: 91}
	_, err = f.svc.ListAvailableDrivers(context.Background(), DriverFilter{Near: &bad})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestCreateRideRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateRide(ctx, driver, booking())
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	other := booking()
	other.PassengerID = "p9"
	_, err = f.svc.CreateRide(ctx, passenger, other)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	unknown := booking()
	unknown.DriverID = "ghost"
	_, err = f.svc.CreateRide(ctx, passenger, unknown)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	notDriver := booking()
	notDriver.DriverID = "p1"
	_, err = f.svc.CreateRide(ctx, passenger, notDriver)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	history, err := f.svc.RideHistory(ctx, passenger)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, f.notes.events)
}

func TestCreateRideQuotesWhenPriceOmitted(t *testing.T) {
	f := newFixture(t)
	req := booking()
	req.Price = 0

	b, err := f.svc.CreateRide(context.Background(), passenger, req)
	require.NoError(t, err)
	// 0.045 degrees of latitude is roughly 5 km
	assert.InDelta(t, 500, b.Ride.Price, 5)
	assert.Equal(t, chat.RoomIDFor("d1", "p1"), b.RoomID)
	assert.Equal(t, "p1", b.Ride.PassengerID)
}

func TestBookEndAndCancelScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.CreateRide(ctx, passenger, booking())
	require.NoError(t, err)
	assert.Equal(t, models.RideCreated, b.Ride.Status)

	_, err = f.svc.EndRide(ctx, passenger, b.Ride.ID)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
	_, err = f.svc.EndRide(ctx, models.Principal{UserID: "d2", Role: models.RoleDriver}, b.Ride.ID)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	done, err := f.svc.EndRide(ctx, driver, b.Ride.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideCompleted, done.Status)

	_, err = f.svc.CancelRide(ctx, driver, b.Ride.ID)
	assert.True(t, errors.Is(err, apperr.ErrInvalidState))

	history, err := f.svc.RideHistory(ctx, passenger)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.RideCompleted, history[0].Status)

	require.Len(t, f.notes.events, 2)
	assert.Equal(t, "rideCreated", f.notes.events[0].Type)
	assert.Equal(t, "rideCompleted", f.notes.events[1].Type)
	assert.Equal(t, []models.RideStatus{models.RideCreated, models.RideCompleted}, f.payments.seen)
	// publish failures are logged, never surfaced
	assert.Equal(t, 2, f.events.calls)
}

func TestStartThenCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.svc.CreateRide(ctx, passenger, booking())
	require.NoError(t, err)

	started, err := f.svc.StartRide(ctx, driver, b.Ride.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideOngoing, started.Status)

	canceled, err := f.svc.CancelRide(ctx, driver, b.Ride.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideCanceled, canceled.Status)

	_, err = f.svc.StartRide(ctx, driver, "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestQuoteRide(t *testing.T) {
	f := newFixture(t)
	q, err := f.svc.QuoteRide(context.Background(), models.Coord{Lat: 24.86, Lng: 67.03}, models.Coord{Lat: 24.905, Lng: 67.03})
	require.NoError(t, err)
	assert.InDelta(t, 5.0, q.DistanceKm, 0.05)
	assert.Greater(t, q.ETASeconds, 0.0)
}

func TestQuoteRideWithoutQuoterIsUnavailable(t *testing.T) {
	svc := New(Deps{})
	_, err := svc.QuoteRide(context.Background(), models.Coord{Lat: 24.86, Lng: 67.03}, models.Coord{Lat: 24.905, Lng: 67.03})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrUnavailable))
	assert.Equal(t, http.StatusServiceUnavailable, apperr.HTTPStatus(err))
	assert.True(t, apperr.Known(err))
}

func TestListDriversDefaultsToLiveOnly(t *testing.T) {
	f := newFixture(t)
	none, err := f.svc.ListAvailableDrivers(context.Background(), DriverFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, f.hub.Publish("d1", 24.86, 67.03))
	live, err := f.svc.ListAvailableDrivers(context.Background(), DriverFilter{})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "d1", live[0].ID)
}
