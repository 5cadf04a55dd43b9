package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-presence/internal/apperr"
	"github.com/example/ride-presence/internal/models"
)

// MemoryStore keeps everything in process memory. Values are copied in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]*models.Ride
	messages []models.ChatMessage
	rooms    map[string][]int
	users    map[string]*models.User
	emails   map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:  make(map[string]*models.Ride),
		rooms:  make(map[string][]int),
		users:  make(map[string]*models.User),
		emails: make(map[string]string),
	}
}

func (m *MemoryStore) SaveRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneRide(*r)
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, fmt.Errorf("%w: ride %s", apperr.ErrNotFound, id)
	}
	cp := cloneRide(*r)
	return &cp, nil
}

func (m *MemoryStore) TransitionRide(_ context.Context, id string, from []models.RideStatus, to models.RideStatus, at time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, fmt.Errorf("%w: ride %s", apperr.ErrNotFound, id)
	}
	if !slices.Contains(from, r.Status) {
		return nil, fmt.Errorf("%w: ride %s is %s", apperr.ErrInvalidState, id, r.Status)
	}
	r.Status = to
	r.UpdatedAt = at
	cp := cloneRide(*r)
	return &cp, nil
}

func (m *MemoryStore) ListRidesByUser(_ context.Context, userID string) ([]models.Ride, error) {
	m.mu.RLock()
	out := make([]models.Ride, 0)
	for _, r := range m.rides {
		if r.Involves(userID) {
			out = append(out, cloneRide(*r))
		}
	}
	m.mu.RUnlock()
	SortRidesNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg *models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, *msg)
	m.rooms[msg.RoomID] = append(m.rooms[msg.RoomID], len(m.messages)-1)
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, roomID string) ([]models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.rooms[roomID]
	out := make([]models.ChatMessage, 0, len(idx))
	for _, i := range idx {
		out = append(out, m.messages[i])
	}
	return out, nil
}

func (m *MemoryStore) ListMessagesByParticipant(_ context.Context, userID string) ([]models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ChatMessage, 0)
	for _, msg := range m.messages {
		if msg.SenderID == userID || msg.ReceiverID == userID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := strings.ToLower(u.Email)
	if _, ok := m.emails[email]; ok {
		return fmt.Errorf("%w: email already registered", apperr.ErrConflict)
	}
	if _, ok := m.users[u.ID]; ok {
		return fmt.Errorf("%w: user %s exists", apperr.ErrConflict, u.ID)
	}
	cp := cloneUser(*u)
	m.users[u.ID] = &cp
	m.emails[email] = u.ID
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", apperr.ErrNotFound, id)
	}
	cp := cloneUser(*u)
	return &cp, nil
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	id, ok := m.emails[strings.ToLower(email)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: user with email %s", apperr.ErrNotFound, email)
	}
	return m.GetUser(ctx, id)
}

func (m *MemoryStore) ListUsersByRole(_ context.Context, role models.Role) ([]models.User, error) {
	m.mu.RLock()
	out := make([]models.User, 0)
	for _, u := range m.users {
		if u.Role == role {
			out = append(out, cloneUser(*u))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// SortRidesNewestFirst orders by departure time descending, ties broken by
// creation time then id so the order is stable.
func SortRidesNewestFirst(rs []models.Ride) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].DepartureTime.Equal(rs[j].DepartureTime) {
			return rs[i].DepartureTime.After(rs[j].DepartureTime)
		}
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.After(rs[j].CreatedAt)
		}
		return rs[i].ID > rs[j].ID
	})
}

func cloneRide(r models.Ride) models.Ride {
	r.Origin.Coordinates = slices.Clone(r.Origin.Coordinates)
	r.Destination.Coordinates = slices.Clone(r.Destination.Coordinates)
	return r
}

func cloneUser(u models.User) models.User {
	if u.Vehicle != nil {
		v := *u.Vehicle
		u.Vehicle = &v
	}
	return u
}
