package rides

import (
	"context"
	"fmt"
	"math"

	"github.com/example/ride-presence/internal/apperr"
	"github.com/example/ride-presence/internal/eta"
	"github.com/example/ride-presence/internal/models"
)

// Router answers route-distance questions.
type Router interface {
	Route(ctx context.Context, from, to models.Coord) eta.Route
}

type Quote struct {
	DistanceKm float64 `json:"distanceKm"`
	ETASeconds float64 `json:"etaSeconds"`
	Price      int64   `json:"price"`
}

// Pricer turns a route into a price: round(distanceKm * rate).
type Pricer struct {
	Router Router
	Rate   float64
}

// PriceFor is the pricing rule on its own. Any non-empty trip costs at least
// one unit so a quote always satisfies the positive-price rule.
func PriceFor(distanceKm, rate float64) int64 {
	p := int64(math.Round(distanceKm * rate))
	if p < 1 && distanceKm > 0 {
		p = 1
	}
	return p
}

func (p *Pricer) Quote(ctx context.Context, from, to models.Coord) (Quote, error) {
	if !from.Valid() || !to.Valid() {
		return Quote{}, fmt.Errorf("%w: coordinates out of range", apperr.ErrValidation)
	}
	r := p.Router.Route(ctx, from, to)
	km := r.DistanceMeters / 1000
	price := PriceFor(km, p.Rate)
	if price <= 0 {
		return Quote{}, fmt.Errorf("%w: origin and destination are the same place", apperr.ErrValidation)
	}
	return Quote{DistanceKm: km, ETASeconds: r.DurationSeconds, Price: price}, nil
}
