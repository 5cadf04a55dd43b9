// Package payments holds the fare when a ride is booked and settles it when
// the ride completes or is canceled.
package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/ride-presence/internal/models"
)

// Processor is a card processor supporting authorize-then-capture.
type Processor interface {
	Hold(ctx context.Context, rideID string, amount int64, currency string) (string, error)
	Capture(ctx context.Context, intentID string) error
	Cancel(ctx context.Context, intentID string) error
}

// Ledger remembers which hold belongs to which ride.
type Ledger struct {
	proc     Processor
	currency string

	mu    sync.Mutex
	holds map[string]string
}

func NewLedger(proc Processor, currency string) *Ledger {
	return &Ledger{proc: proc, currency: currency, holds: make(map[string]string)}
}

// Settle reacts to a ride entering a new status. Rides with no hold are
// ignored on capture and cancel.
func (l *Ledger) Settle(ctx context.Context, r models.Ride) error {
	switch r.Status {
	case models.RideCreated:
		if r.Price <= 0 {
			return nil
		}
		id, err := l.proc.Hold(ctx, r.ID, r.Price, l.currency)
		if err != nil {
			return fmt.Errorf("hold ride %s: %w", r.ID, err)
		}
		l.mu.Lock()
		l.holds[r.ID] = id
		l.mu.Unlock()
	case models.RideCompleted, models.RideCanceled:
		id, ok := l.take(r.ID)
		if !ok {
			return nil
		}
		if r.Status == models.RideCompleted {
			if err := l.proc.Capture(ctx, id); err != nil {
				return fmt.Errorf("capture ride %s: %w", r.ID, err)
			}
			return nil
		}
		if err := l.proc.Cancel(ctx, id); err != nil {
			return fmt.Errorf("release ride %s: %w", r.ID, err)
		}
	}
	return nil
}

// HoldFor returns the processor reference of the ride's open hold.
func (l *Ledger) HoldFor(rideID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.holds[rideID]
	return id, ok
}

func (l *Ledger) take(rideID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.holds[rideID]
	delete(l.holds, rideID)
	return id, ok
}
