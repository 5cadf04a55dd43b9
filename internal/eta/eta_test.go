package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/ride-presence/internal/models"
)

type countingClient struct {
	calls int
	route Route
	err   error
}

func (c *countingClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	c.calls++
	return c.route, c.err
}

func TestEstimatorUsesCache(t *testing.T) {
	c := &countingClient{route: Route{DistanceMeters: 1200, DurationSeconds: 90}}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute), SpeedMps: 10}
	a, b := models.Coord{Lat: 31.5, Lng: 74.3}, models.Coord{Lat: 31.6, Lng: 74.4}

	first := e.Route(context.Background(), a, b)
	second := e.Route(context.Background(), a, b)

	if first != second || first.DistanceMeters != 1200 {
		t.Fatalf("unexpected routes %+v %+v", first, second)
	}
	if c.calls != 1 {
		t.Fatalf("expected 1 backend call, got %d", c.calls)
	}
}

func TestEstimatorFallsBackToNaive(t *testing.T) {
	c := &countingClient{err: errors.New("down")}
	e := &Estimator{Client: c, SpeedMps: 10}
	a, b := models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 0, Lng: 0.01}

	r := e.Route(context.Background(), a, b)
	if r.DistanceMeters < 1000 || r.DistanceMeters > 1200 {
		t.Fatalf("unexpected distance %f", r.DistanceMeters)
	}
	if r.DurationSeconds != r.DistanceMeters/10 {
		t.Fatalf("unexpected duration %f", r.DurationSeconds)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Nanosecond)
	a := models.Coord{Lat: 1, Lng: 1}
	c.Set(a, a, Route{DistanceMeters: 1})
	time.Sleep(time.Millisecond)
	if _, ok := c.Get(a, a); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestOSRMClientRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/route/v1/driving/74.300000,31.500000;") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5,"distance":4200}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	r, err := c.Route(context.Background(), models.Coord{Lat: 31.5, Lng: 74.3}, models.Coord{Lat: 31.52, Lng: 74.35})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.DistanceMeters != 4200 || r.DurationSeconds != 321.5 {
		t.Fatalf("unexpected route %+v", r)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	if _, err := NewOSRMClient(srv.URL).Route(context.Background(), models.Coord{}, models.Coord{}); err == nil {
		t.Fatal("expected error")
	}
}
