package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-presence/internal/apperr"
	"github.com/example/ride-presence/internal/auth"
	"github.com/example/ride-presence/internal/chat"
	"github.com/example/ride-presence/internal/gateway"
	"github.com/example/ride-presence/internal/models"
)

const maxBodyBytes = 1 << 20

type Deps struct {
	Gateway  *gateway.Service
	Auth     *auth.Service
	Relay    *chat.Relay
	Realtime http.Handler
	// Ready reports whether backing stores are reachable. Optional.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

type Server struct {
	logger   *slog.Logger
	gateway  *gateway.Service
	auth     *auth.Service
	relay    *chat.Relay
	realtime http.Handler
	ready    func(ctx context.Context) error
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		logger:   d.Logger,
		gateway:  d.Gateway,
		auth:     d.Auth,
		relay:    d.Relay,
		realtime: d.Realtime,
		ready:    d.Ready,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/drivers", s.handleListDrivers).Methods(http.MethodGet)

	api.HandleFunc("/rides/create", s.authed(s.handleCreateRide)).Methods(http.MethodPost)
	api.HandleFunc("/rides/start/{id}", s.authed(s.handleStartRide)).Methods(http.MethodPut)
	api.HandleFunc("/rides/end/{id}", s.authed(s.handleEndRide)).Methods(http.MethodPut)
	api.HandleFunc("/rides/cancel/{id}", s.authed(s.handleCancelRide)).Methods(http.MethodPut)
	api.HandleFunc("/rides/ride-history", s.authed(s.handleRideHistory)).Methods(http.MethodGet)
	api.HandleFunc("/rides/quote", s.handleQuote).Methods(http.MethodGet)

	api.HandleFunc("/chat/rooms/{userId}", s.authed(s.handleListRooms)).Methods(http.MethodGet)
	api.HandleFunc("/chat/messages/{roomId}", s.authed(s.handleListMessages)).Methods(http.MethodGet)
	api.HandleFunc("/chat/message", s.authed(s.handlePostMessage)).Methods(http.MethodPost)

	if s.realtime != nil {
		s.mux.Handle("/ws", s.realtime).Methods(http.MethodGet)
	}
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("not_ready", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "not ready"})
			return
		}
	}
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	// the roster lists every driver unless asked for live ones only
	f := gateway.DriverFilter{IncludeOffline: true}
	var err error
	if v := q.Get("available"); v != "" {
		live, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, badRequest("available must be a boolean"))
			return
		}
		f.IncludeOffline = !live
	}
	if v := q.Get("maxAge"); v != "" {
		if f.MaxAge, err = parseAge(v); err != nil {
			s.writeError(w, r, badRequest("maxAge must be a duration or seconds"))
			return
		}
	}
	if q.Get("lat") != "" || q.Get("lng") != "" {
		c, err := parseCoord(q.Get("lat"), q.Get("lng"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f.Near = &c
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			s.writeError(w, r, badRequest("limit must be a non-negative integer"))
			return
		}
	}
	drivers, err := s.gateway.ListAvailableDrivers(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, drivers)
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req gateway.CreateRideRequest
	if !s.decode(w, r, &req) {
		return
	}
	b, err := s.gateway.CreateRide(r.Context(), principal(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	s.moveRide(w, r, s.gateway.StartRide)
}

func (s *Server) handleEndRide(w http.ResponseWriter, r *http.Request) {
	s.moveRide(w, r, s.gateway.EndRide)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	s.moveRide(w, r, s.gateway.CancelRide)
}

func (s *Server) moveRide(w http.ResponseWriter, r *http.Request, op func(context.Context, models.Principal, string) (models.Ride, error)) {
	ride, err := op(r.Context(), principal(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride})
}

func (s *Server) handleRideHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.gateway.RideHistory(r.Context(), principal(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseCoord(q.Get("fromLat"), q.Get("fromLng"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseCoord(q.Get("toLat"), q.Get("toLng"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	quote, err := s.gateway.QuoteRide(r.Context(), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status. Unknown errors are logged and hidden.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if !apperr.Known(err) {
		s.logger.Error("request_failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, badRequest("invalid JSON body"))
		return false
	}
	return true
}

func badRequest(msg string) error {
	return fmt.Errorf("%w: %s", apperr.ErrValidation, msg)
}

func parseCoord(lat, lng string) (models.Coord, error) {
	la, err1 := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	ln, err2 := strconv.ParseFloat(strings.TrimSpace(lng), 64)
	if err := errors.Join(err1, err2); err != nil {
		return models.Coord{}, badRequest("lat and lng must be numbers")
	}
	c := models.Coord{Lat: la, Lng: ln}
	if !c.Valid() {
		return models.Coord{}, badRequest("coordinates out of range")
	}
	return c, nil
}

// parseAge accepts Go durations ("45s") or bare seconds ("45").
func parseAge(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, errors.New("negative")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, errors.New("invalid duration")
	}
	return d, nil
}
