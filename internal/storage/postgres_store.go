package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-presence/internal/apperr"
	"github.com/example/ride-presence/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		b, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `id, driver_id, passenger_id, origin_address, origin_lng, origin_lat,
	destination_address, destination_lng, destination_lat, departure_time, price, status, created_at, updated_at`

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	oLng, oLat := lngLat(r.Origin)
	dLng, dLat := lngLat(r.Destination)
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, r.DriverID, r.PassengerID, r.Origin.Address, oLng, oLat,
		r.Destination.Address, dLng, dLat, r.DepartureTime, r.Price, string(r.Status), r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: ride %s", apperr.ErrNotFound, id)
	}
	return r, err
}

func (p *PostgresStore) TransitionRide(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, at time.Time) (*models.Ride, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	row := p.db.QueryRowContext(ctx, `UPDATE rides SET status=$1, updated_at=$2 WHERE id=$3 AND status = ANY($4) RETURNING `+rideColumns,
		string(to), at, id, pq.Array(allowed))
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := p.GetRide(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: ride %s is %s", apperr.ErrInvalidState, id, cur.Status)
	}
	return r, err
}

func (p *PostgresStore) ListRidesByUser(ctx context.Context, userID string) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE driver_id=$1 OR passenger_id=$1
		ORDER BY departure_time DESC, created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

const messageColumns = `id, room_id, sender_id, receiver_id, body, created_at`

func (p *PostgresStore) AppendMessage(ctx context.Context, m *models.ChatMessage) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO chat_messages(`+messageColumns+`) VALUES($1,$2,$3,$4,$5,$6)`,
		m.ID, m.RoomID, m.SenderID, m.ReceiverID, m.Body, m.CreatedAt)
	return err
}

func (p *PostgresStore) ListMessages(ctx context.Context, roomID string) ([]models.ChatMessage, error) {
	return p.queryMessages(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE room_id=$1 ORDER BY created_at, seq`, roomID)
}

func (p *PostgresStore) ListMessagesByParticipant(ctx context.Context, userID string) ([]models.ChatMessage, error) {
	return p.queryMessages(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE sender_id=$1 OR receiver_id=$1 ORDER BY created_at, seq`, userID)
}

func (p *PostgresStore) queryMessages(ctx context.Context, q string, arg string) ([]models.ChatMessage, error) {
	rows, err := p.db.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.ChatMessage, 0)
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.ReceiverID, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const userColumns = `id, full_name, email, phone, role, vehicle_make, vehicle_model, vehicle_plate, vehicle_color, password_hash, created_at`

func (p *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	var v models.Vehicle
	if u.Vehicle != nil {
		v = *u.Vehicle
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		u.ID, u.FullName, strings.ToLower(u.Email), u.Phone, string(u.Role), v.Make, v.Model, v.LicensePlate, v.Color, u.PasswordHash, u.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: email already registered", apperr.ErrConflict)
	}
	return err
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", apperr.ErrNotFound, id)
	}
	return u, err
}

func (p *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, strings.ToLower(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user with email %s", apperr.ErrNotFound, email)
	}
	return u, err
}

func (p *PostgresStore) ListUsersByRole(ctx context.Context, role models.Role) ([]models.User, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE role=$1 ORDER BY id`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var (
		r                      models.Ride
		status                 string
		oLng, oLat, dLng, dLat float64
	)
	if err := s.Scan(&r.ID, &r.DriverID, &r.PassengerID, &r.Origin.Address, &oLng, &oLat,
		&r.Destination.Address, &dLng, &dLat, &r.DepartureTime, &r.Price, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Origin.Coordinates = []float64{oLng, oLat}
	r.Destination.Coordinates = []float64{dLng, dLat}
	st, err := models.ParseRideStatus(status)
	if err != nil {
		return nil, fmt.Errorf("ride %s: %w", r.ID, err)
	}
	r.Status = st
	return &r, nil
}

func scanUser(s scanner) (*models.User, error) {
	var (
		u    models.User
		role string
		v    models.Vehicle
	)
	if err := s.Scan(&u.ID, &u.FullName, &u.Email, &u.Phone, &role, &v.Make, &v.Model, &v.LicensePlate, &v.Color, &u.PasswordHash, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	if v != (models.Vehicle{}) {
		u.Vehicle = &v
	}
	return &u, nil
}

func lngLat(p models.Place) (float64, float64) {
	if len(p.Coordinates) != 2 {
		return 0, 0
	}
	return p.Coordinates[0], p.Coordinates[1]
}
