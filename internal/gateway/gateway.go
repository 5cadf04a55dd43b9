// Package gateway is the application surface used by the HTTP and realtime
// layers: it joins accounts with live presence and enforces who may book and
// move rides.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ride-presence/internal/apperr"
	"github.com/example/ride-presence/internal/models"
	"github.com/example/ride-presence/internal/rides"
	"github.com/example/ride-presence/internal/storage"
)

type Presence interface {
	Snapshot() []models.DriverPosition
}

type Ranker interface {
	Rank(ctx context.Context, pickup models.Coord, positions []models.DriverPosition) []models.Candidate
}

type Quoter interface {
	Quote(ctx context.Context, from, to models.Coord) (rides.Quote, error)
}

type RoomOpener interface {
	OpenRoom(driverID, passengerID string) string
}

type Notifier interface {
	RideChanged(ctx context.Context, ev models.RideEvent)
}

type EventPublisher interface {
	PublishRideEvent(ctx context.Context, ev models.RideEvent) error
}

type Settler interface {
	Settle(ctx context.Context, r models.Ride) error
}

// Deps wires the gateway. Ranker, Quoter, Notifier, Events and Payments are
// optional.
type Deps struct {
	Users    storage.UserStore
	Rides    *rides.Lifecycle
	Presence Presence
	Rooms    RoomOpener
	Ranker   Ranker
	Quoter   Quoter
	Notifier Notifier
	Events   EventPublisher
	Payments Settler
	Logger   *slog.Logger
}

type Service struct {
	d   Deps
	now func() time.Time
}

func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{d: d, now: time.Now}
}

// DriverFilter narrows ListAvailableDrivers. The zero value selects every
// live driver. IncludeOffline adds drivers with no live position; it is
// ignored when Near is set, which orders live drivers by ETA to that point.
type DriverFilter struct {
	IncludeOffline bool
	MaxAge         time.Duration
	Near           *models.Coord
	Limit          int
}

// ListAvailableDrivers returns driver accounts joined with their live
// position. Live drivers come first.
func (s *Service) ListAvailableDrivers(ctx context.Context, f DriverFilter) ([]models.DriverView, error) {
	if f.Near != nil && !f.Near.Valid() {
		return nil, fmt.Errorf("%w: coordinates out of range", apperr.ErrValidation)
	}
	drivers, err := s.d.Users.ListUsersByRole(ctx, models.RoleDriver)
	if err != nil {
		return nil, err
	}
	now := s.now()
	live := make(map[string]models.DriverPosition)
	for _, p := range s.d.Presence.Snapshot() {
		if f.MaxAge > 0 && now.Sub(p.UpdatedAt) > f.MaxAge {
			continue
		}
		live[p.DriverID] = p
	}
	accounts := make(map[string]models.User, len(drivers))
	for _, u := range drivers {
		accounts[u.ID] = u
	}

	var out []models.DriverView
	if f.Near != nil && s.d.Ranker != nil {
		positions := make([]models.DriverPosition, 0, len(live))
		for id, p := range live {
			if _, ok := accounts[id]; ok {
				positions = append(positions, p)
			}
		}
		for _, c := range s.d.Ranker.Rank(ctx, *f.Near, positions) {
			pos := c.Position
			out = append(out, models.DriverView{User: accounts[pos.DriverID], Location: &pos, ETASeconds: c.ETASeconds, DistanceMeters: c.DistanceMeters})
		}
	} else {
		for _, u := range drivers {
			v := models.DriverView{User: u}
			if p, ok := live[u.ID]; ok {
				v.Location = &p
			} else if !f.IncludeOffline || f.Near != nil {
				continue
			}
			out = append(out, v)
		}
		sort.SliceStable(out, func(i, j int) bool {
			li, lj := out[i].Location != nil, out[j].Location != nil
			if li != lj {
				return li
			}
			if out[i].FullName != out[j].FullName {
				return out[i].FullName < out[j].FullName
			}
			return out[i].ID < out[j].ID
		})
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CreateRideRequest is the booking form. Passenger may be omitted; it is
// taken from the caller. A zero Price asks for a quote.
type CreateRideRequest struct {
	DriverID      string       `json:"driver"`
	PassengerID   string       `json:"passenger,omitempty"`
	Origin        models.Place `json:"origin"`
	Destination   models.Place `json:"destination"`
	DepartureTime string       `json:"departureTime"`
	Price         int64        `json:"price"`
}

// Booking is a created ride plus the chat room its parties share.
type Booking struct {
	Ride   models.Ride `json:"ride"`
	RoomID string      `json:"roomId"`
}

func (s *Service) CreateRide(ctx context.Context, p models.Principal, req CreateRideRequest) (Booking, error) {
	if p.Role != models.RolePassenger {
		return Booking{}, fmt.Errorf("%w: only passengers can book rides", apperr.ErrForbidden)
	}
	if req.PassengerID != "" && req.PassengerID != p.UserID {
		return Booking{}, fmt.Errorf("%w: cannot book on behalf of another passenger", apperr.ErrForbidden)
	}
	if req.DriverID == "" {
		return Booking{}, fmt.Errorf("%w: driver is required", apperr.ErrValidation)
	}
	driver, err := s.d.Users.GetUser(ctx, req.DriverID)
	if errors.Is(err, apperr.ErrNotFound) {
		return Booking{}, fmt.Errorf("%w: unknown driver %s", apperr.ErrValidation, req.DriverID)
	}
	if err != nil {
		return Booking{}, err
	}
	if driver.Role != models.RoleDriver {
		return Booking{}, fmt.Errorf("%w: user %s is not a driver", apperr.ErrValidation, req.DriverID)
	}

	price := req.Price
	if price == 0 && s.d.Quoter != nil {
		from, okFrom := req.Origin.Coord()
		to, okTo := req.Destination.Coord()
		if okFrom && okTo {
			q, err := s.d.Quoter.Quote(ctx, from, to)
			if err != nil {
				return Booking{}, err
			}
			price = q.Price
		}
	}

	ride, err := s.d.Rides.Create(ctx, rides.CreateInput{
		DriverID:      driver.ID,
		PassengerID:   p.UserID,
		Origin:        req.Origin,
		Destination:   req.Destination,
		DepartureTime: req.DepartureTime,
		Price:         price,
	})
	if err != nil {
		return Booking{}, err
	}
	s.announce(ctx, ride)

	b := Booking{Ride: ride}
	if s.d.Rooms != nil {
		b.RoomID = s.d.Rooms.OpenRoom(ride.DriverID, ride.PassengerID)
	}
	return b, nil
}

func (s *Service) StartRide(ctx context.Context, p models.Principal, rideID string) (models.Ride, error) {
	return s.move(ctx, p, rideID, s.d.Rides.Start)
}

func (s *Service) EndRide(ctx context.Context, p models.Principal, rideID string) (models.Ride, error) {
	return s.move(ctx, p, rideID, s.d.Rides.End)
}

func (s *Service) CancelRide(ctx context.Context, p models.Principal, rideID string) (models.Ride, error) {
	return s.move(ctx, p, rideID, s.d.Rides.Cancel)
}

func (s *Service) move(ctx context.Context, p models.Principal, rideID string, op func(context.Context, string, string) (models.Ride, error)) (models.Ride, error) {
	if p.Role != models.RoleDriver {
		return models.Ride{}, fmt.Errorf("%w: only drivers can change ride status", apperr.ErrForbidden)
	}
	ride, err := op(ctx, rideID, p.UserID)
	if err != nil {
		return models.Ride{}, err
	}
	s.announce(ctx, ride)
	return ride, nil
}

func (s *Service) RideHistory(ctx context.Context, p models.Principal) ([]models.Ride, error) {
	return s.d.Rides.ListByUser(ctx, p.UserID)
}

func (s *Service) QuoteRide(ctx context.Context, from, to models.Coord) (rides.Quote, error) {
	if s.d.Quoter == nil {
		return rides.Quote{}, fmt.Errorf("%w: quoting is not configured", apperr.ErrUnavailable)
	}
	return s.d.Quoter.Quote(ctx, from, to)
}

// announce runs the side effects of a lifecycle change. None of them can
// undo the change, so failures are only logged.
func (s *Service) announce(ctx context.Context, ride models.Ride) {
	ev := models.RideEvent{Type: models.RideEventFor(ride.Status), Ride: ride, At: ride.UpdatedAt}
	if s.d.Payments != nil {
		if err := s.d.Payments.Settle(ctx, ride); err != nil {
			s.d.Logger.Warn("payment_settle_failed", "ride_id", ride.ID, "status", ride.Status, "error", err)
		}
	}
	if s.d.Notifier != nil {
		s.d.Notifier.RideChanged(ctx, ev)
	}
	if s.d.Events != nil {
		if err := s.d.Events.PublishRideEvent(ctx, ev); err != nil {
			s.d.Logger.Warn("ride_event_publish_failed", "ride_id", ride.ID, "error", err)
		}
	}
}
