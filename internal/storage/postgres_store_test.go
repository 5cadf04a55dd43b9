package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/example/ride-presence/internal/apperr"
	"github.com/example/ride-presence/internal/models"
)

var rideCols = []string{"id", "driver_id", "passenger_id", "origin_address", "origin_lng", "origin_lat",
	"destination_address", "destination_lng", "destination_lat", "departure_time", "price", "status", "created_at", "updated_at"}

func rideRow(status string, ts time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(rideCols).
		AddRow("r1", "d1", "p1", "Saddar", 67.03, 24.86, "Clifton", 67.03, 24.905, ts, int64(450), status, ts, ts)
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func TestPostgresTransitionRide_Success(t *testing.T) {
	p, mock := newMockStore(t)
	at := time.Unix(1740819600, 0).UTC()
	mock.ExpectQuery(`UPDATE rides SET status=(.+) WHERE id=(.+) AND status = ANY`).
		WithArgs("completed", at, "r1", sqlmock.AnyArg()).
		WillReturnRows(rideRow("completed", at))

	r, err := p.TransitionRide(context.Background(), "r1", models.SourcesOf(models.RideCompleted), models.RideCompleted, at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Status != models.RideCompleted || r.Origin.Coordinates[1] != 24.86 {
		t.Fatalf("unexpected ride: %+v", r)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresTransitionRide_LosesRace(t *testing.T) {
	p, mock := newMockStore(t)
	at := time.Unix(1740819600, 0).UTC()
	mock.ExpectQuery(`UPDATE rides SET status`).
		WithArgs("canceled", at, "r1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(rideCols))
	mock.ExpectQuery(`SELECT (.+) FROM rides WHERE id=`).
		WithArgs("r1").
		WillReturnRows(rideRow("completed", at))

	_, err := p.TransitionRide(context.Background(), "r1", models.SourcesOf(models.RideCanceled), models.RideCanceled, at)
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresGetRide_NotFound(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT (.+) FROM rides WHERE id=`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(rideCols))

	if _, err := p.GetRide(context.Background(), "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresCreateUser_DuplicateEmail(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO users`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := p.CreateUser(context.Background(), &models.User{ID: "u1", Email: "Sana@Example.com", Role: models.RolePassenger})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestPostgresListMessages_Ordered(t *testing.T) {
	p, mock := newMockStore(t)
	ts := time.Unix(1740819600, 0).UTC()
	rows := sqlmock.NewRows([]string{"id", "room_id", "sender_id", "receiver_id", "body", "created_at"}).
		AddRow("m1", "room_d1_p1", "p1", "d1", "hello", ts).
		AddRow("m2", "room_d1_p1", "d1", "p1", "on my way", ts.Add(time.Second))
	mock.ExpectQuery(`SELECT (.+) FROM chat_messages WHERE room_id=(.+) ORDER BY created_at, seq`).
		WithArgs("room_d1_p1").
		WillReturnRows(rows)

	msgs, err := p.ListMessages(context.Background(), "room_d1_p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].Body != "on my way" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestPostgresGetRide_UnknownStatus(t *testing.T) {
	p, mock := newMockStore(t)
	at := time.Unix(1740819600, 0).UTC()
	mock.ExpectQuery(`SELECT (.+) FROM rides WHERE id=`).
		WithArgs("r1").
		WillReturnRows(rideRow("teleported", at))

	if _, err := p.GetRide(context.Background(), "r1"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
