package matcher

import (
	"context"
	"sort"
	"time"

	"github.com/example/ride-presence/internal/eta"
	"github.com/example/ride-presence/internal/models"
	"github.com/example/ride-presence/internal/observability"
)

// Router answers travel time and distance between two points.
type Router interface {
	Route(ctx context.Context, from, to models.Coord) eta.Route
}

// Service orders live drivers by how quickly they can reach a pickup.
type Service struct {
	Router Router
	TopN   int
}

func (s *Service) Rank(ctx context.Context, pickup models.Coord, positions []models.DriverPosition) []models.Candidate {
	start := time.Now()
	defer func() { observability.RankLatency.Observe(time.Since(start).Seconds()) }()

	cands := make([]models.Candidate, 0, len(positions))
	for _, p := range positions {
		if ctx.Err() != nil {
			break
		}
		r := s.Router.Route(ctx, p.Coord(), pickup)
		cands = append(cands, models.Candidate{Position: p, ETASeconds: r.DurationSeconds, DistanceMeters: r.DistanceMeters})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].ETASeconds != cands[j].ETASeconds {
			return cands[i].ETASeconds < cands[j].ETASeconds
		}
		return cands[i].Position.DriverID < cands[j].Position.DriverID
	})
	if s.TopN > 0 && len(cands) > s.TopN {
		cands = cands[:s.TopN]
	}
	return cands
}
