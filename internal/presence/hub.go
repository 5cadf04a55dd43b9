// Package presence keeps the latest position of every connected driver and
// fans position changes out to subscribers.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-presence/internal/apperr"
	"github.com/example/ride-presence/internal/fanout"
	"github.com/example/ride-presence/internal/models"
	"github.com/example/ride-presence/internal/observability"
)

type EventType string

const (
	EventLocationUpdate     EventType = "locationUpdate"
	EventDriverDisconnected EventType = "driverDisconnected"
)

// Removal reasons, used for metrics and logs.
const (
	ReasonDisconnect = "disconnect"
	ReasonStale      = "stale"
)

type Event struct {
	Type     EventType             `json:"type"`
	DriverID string                `json:"driverId"`
	Position models.DriverPosition `json:"position"`
}

type Subscription = fanout.Subscription[Event]

type Options struct {
	StaleAfter    time.Duration
	SweepInterval time.Duration
	Buffer        int
	Now           func() time.Time
	Logger        *slog.Logger
}

type Hub struct {
	mu        sync.RWMutex
	positions map[string]models.DriverPosition
	topic     *fanout.Topic[Event]

	staleAfter    time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

func NewHub(opts Options) *Hub {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.StaleAfter / 2
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	dropped := observability.FanoutDropped.WithLabelValues("presence")
	return &Hub{
		positions:     make(map[string]models.DriverPosition),
		topic:         fanout.NewTopic[Event](opts.Buffer, dropped.Inc),
		staleAfter:    opts.StaleAfter,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		logger:        opts.Logger,
	}
}

// Publish overwrites the driver's position and notifies subscribers. Unknown
// drivers are created. Updates are applied in arrival order.
func (h *Hub) Publish(driverID string, lat, lng float64) error {
	if driverID == "" {
		return fmt.Errorf("%w: driver id is required", apperr.ErrValidation)
	}
	if !(models.Coord{Lat: lat, Lng: lng}).Valid() {
		return fmt.Errorf("%w: coordinates out of range", apperr.ErrValidation)
	}
	h.mu.Lock()
	p := models.DriverPosition{DriverID: driverID, Lat: lat, Lng: lng, UpdatedAt: h.now()}
	h.positions[driverID] = p
	n := len(h.positions)
	h.topic.Publish(Event{Type: EventLocationUpdate, DriverID: driverID, Position: p})
	h.mu.Unlock()

	observability.LocationUpdates.Inc()
	observability.DriversOnline.Set(float64(n))
	return nil
}

// Touch refreshes the staleness clock of a known driver without emitting an
// event. It reports whether the driver was known.
func (h *Hub) Touch(driverID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.positions[driverID]
	if !ok {
		return false
	}
	p.UpdatedAt = h.now()
	h.positions[driverID] = p
	return true
}

// SubscribeAll returns a stream of every driver's updates, seeded with the
// current table. Close the subscription to stop delivery.
func (h *Hub) SubscribeAll() *Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seed := make([]Event, 0, len(h.positions))
	for _, p := range h.sortedLocked() {
		seed = append(seed, Event{Type: EventLocationUpdate, DriverID: p.DriverID, Position: p})
	}
	return h.topic.Subscribe(seed...)
}

// RemoveDriver deletes the driver and emits driverDisconnected once. Removing
// an unknown driver is a no-op.
func (h *Hub) RemoveDriver(driverID string) {
	h.remove(driverID, ReasonDisconnect, time.Time{})
}

func (h *Hub) remove(driverID, reason string, olderThan time.Time) bool {
	h.mu.Lock()
	p, ok := h.positions[driverID]
	if !ok || (!olderThan.IsZero() && !p.UpdatedAt.Before(olderThan)) {
		h.mu.Unlock()
		return false
	}
	delete(h.positions, driverID)
	n := len(h.positions)
	h.topic.Publish(Event{Type: EventDriverDisconnected, DriverID: driverID, Position: p})
	h.mu.Unlock()

	observability.DriversRemoved.WithLabelValues(reason).Inc()
	observability.DriversOnline.Set(float64(n))
	h.logger.Info("driver_removed", "driver_id", driverID, "reason", reason)
	return true
}

// Sweep removes every driver whose last update is older than the staleness
// window and returns their ids.
func (h *Hub) Sweep() []string {
	cutoff := h.now().Add(-h.staleAfter)
	h.mu.RLock()
	var stale []string
	for id, p := range h.positions {
		if p.UpdatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()

	removed := stale[:0]
	for _, id := range stale {
		// re-checked under the write lock: a publish may have raced the scan
		if h.remove(id, ReasonStale, cutoff) {
			removed = append(removed, id)
		}
	}
	return removed
}

// Run sweeps stale drivers until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.Sweep()
		}
	}
}

func (h *Hub) Get(driverID string) (models.DriverPosition, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.positions[driverID]
	return p, ok
}

// Snapshot returns every live position ordered by driver id.
func (h *Hub) Snapshot() []models.DriverPosition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sortedLocked()
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.positions)
}

func (h *Hub) sortedLocked() []models.DriverPosition {
	out := make([]models.DriverPosition, 0, len(h.positions))
	for _, p := range h.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}
