// Package chat routes messages between the two parties of a ride and keeps
// the append-only history of every room.
package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-presence/internal/apperr"
	"github.com/example/ride-presence/internal/fanout"
	"github.com/example/ride-presence/internal/models"
	"github.com/example/ride-presence/internal/observability"
	"github.com/example/ride-presence/internal/storage"
)

type Subscription = fanout.Subscription[models.ChatMessage]

type room struct {
	mu     sync.Mutex
	last   time.Time
	synced bool
	topic  *fanout.Topic[models.ChatMessage]

	// posts in flight plus pending subscribes; guarded by Relay.mu
	refs int
}

type Relay struct {
	store  storage.MessageStore
	buffer int
	now    func() time.Time

	mu    sync.Mutex
	rooms map[string]*room
}

func NewRelay(store storage.MessageStore, buffer int) *Relay {
	if buffer <= 0 {
		buffer = 64
	}
	return &Relay{store: store, buffer: buffer, now: time.Now, rooms: make(map[string]*room)}
}

// RoomIDFor is the room identity of an unordered participant pair.
func RoomIDFor(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "room_" + a + "_" + b
}

// IsParticipant reports whether userID is one of the pair roomID was built
// from.
func IsParticipant(roomID, userID string) bool {
	rest, ok := strings.CutPrefix(roomID, "room_")
	if !ok || userID == "" {
		return false
	}
	return strings.HasPrefix(rest, userID+"_") || strings.HasSuffix(rest, "_"+userID)
}

// OpenRoom returns the room a driver and passenger talk in. Rooms need no
// storage of their own; the id is all a client needs to join.
func (r *Relay) OpenRoom(driverID, passengerID string) string {
	return RoomIDFor(driverID, passengerID)
}

// PostMessage appends a message and notifies the room's live subscribers.
// With no roomID the room is derived from the pair; with no receiverID the
// counterparty is inferred from the room history. Both parties must belong
// to the room.
func (r *Relay) PostMessage(ctx context.Context, roomID, senderID, receiverID, body string) (models.ChatMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return models.ChatMessage{}, fmt.Errorf("%w: message body is empty", apperr.ErrValidation)
	}
	if senderID == "" {
		return models.ChatMessage{}, fmt.Errorf("%w: sender is required", apperr.ErrValidation)
	}
	if roomID == "" {
		if receiverID == "" {
			return models.ChatMessage{}, fmt.Errorf("%w: neither room nor receiver given", apperr.ErrAmbiguousRoom)
		}
		roomID = RoomIDFor(senderID, receiverID)
	}
	if !IsParticipant(roomID, senderID) {
		return models.ChatMessage{}, fmt.Errorf("%w: %s is not a participant of room %s", apperr.ErrForbidden, senderID, roomID)
	}
	if receiverID != "" && !IsParticipant(roomID, receiverID) {
		return models.ChatMessage{}, fmt.Errorf("%w: receiver %s is not a participant of room %s", apperr.ErrValidation, receiverID, roomID)
	}

	rm := r.acquire(roomID)
	defer r.release(roomID, rm)
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var history []models.ChatMessage
	if !rm.synced || receiverID == "" {
		h, err := r.store.ListMessages(ctx, roomID)
		if err != nil {
			return models.ChatMessage{}, err
		}
		history = h
		if !rm.synced {
			if n := len(h); n > 0 {
				rm.last = h[n-1].CreatedAt
			}
			rm.synced = true
		}
	}
	if receiverID == "" {
		inferred, err := inferReceiver(history, roomID, senderID)
		if err != nil {
			return models.ChatMessage{}, err
		}
		receiverID = inferred
	}
	if receiverID == senderID {
		return models.ChatMessage{}, fmt.Errorf("%w: sender and receiver must differ", apperr.ErrValidation)
	}

	created := r.now().UTC()
	if created.Before(rm.last) {
		created = rm.last
	}
	msg := models.ChatMessage{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Body:       body,
		CreatedAt:  created,
	}
	if err := r.store.AppendMessage(ctx, &msg); err != nil {
		return models.ChatMessage{}, fmt.Errorf("append message: %w", err)
	}
	rm.last = created
	rm.topic.Publish(msg)
	observability.ChatMessages.Inc()
	return msg, nil
}

func inferReceiver(history []models.ChatMessage, roomID, senderID string) (string, error) {
	for i := len(history) - 1; i >= 0; i-- {
		if other := history[i].SenderID; other != senderID && IsParticipant(roomID, other) {
			return other, nil
		}
	}
	// only our own messages so far: keep talking to whoever we addressed
	for i := len(history) - 1; i >= 0; i-- {
		if to := history[i].ReceiverID; to != "" && to != senderID && IsParticipant(roomID, to) {
			return to, nil
		}
	}
	return "", fmt.Errorf("%w: no receiver given and room %s has no history", apperr.ErrAmbiguousRoom, roomID)
}

// ListMessages returns the full history of a room in creation order.
func (r *Relay) ListMessages(ctx context.Context, roomID string) ([]models.ChatMessage, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: room id is required", apperr.ErrValidation)
	}
	return r.store.ListMessages(ctx, roomID)
}

// ListRoomsForUser returns one summary per counterparty, most recent first.
func (r *Relay) ListRoomsForUser(ctx context.Context, userID string) ([]models.RoomSummary, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", apperr.ErrValidation)
	}
	msgs, err := r.store.ListMessagesByParticipant(ctx, userID)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]models.ChatMessage)
	for _, m := range msgs {
		other := m.Counterparty(userID)
		if prev, ok := latest[other]; ok && m.CreatedAt.Before(prev.CreatedAt) {
			continue
		}
		latest[other] = m
	}
	out := make([]models.RoomSummary, 0, len(latest))
	for other, m := range latest {
		out = append(out, models.RoomSummary{
			RoomID:           m.RoomID,
			OtherParticipant: other,
			LatestMessage:    m.Body,
			LatestCreatedAt:  m.CreatedAt,
			LatestReceiverID: m.ReceiverID,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LatestCreatedAt.Equal(out[j].LatestCreatedAt) {
			return out[i].LatestCreatedAt.After(out[j].LatestCreatedAt)
		}
		return out[i].OtherParticipant < out[j].OtherParticipant
	})
	return out, nil
}

// Subscribe streams new messages of one room until the subscription is
// closed.
func (r *Relay) Subscribe(roomID string) *Subscription {
	rm := r.acquire(roomID)
	defer r.release(roomID, rm)
	return rm.topic.Subscribe()
}

// acquire pins a room until the matching release.
func (r *Relay) acquire(id string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[id]
	if !ok {
		dropped := observability.FanoutDropped.WithLabelValues("chat")
		rm = &room{topic: fanout.NewTopic[models.ChatMessage](r.buffer, dropped.Inc)}
		rm.topic.OnEmpty(func() { r.prune(id, rm) })
		r.rooms[id] = rm
	}
	rm.refs++
	return rm
}

func (r *Relay) release(id string, rm *room) {
	r.mu.Lock()
	rm.refs--
	r.mu.Unlock()
	r.prune(id, rm)
}

// prune forgets a room nobody posts to or listens on. History stays in the
// store and the next post reloads the room's clock from it.
func (r *Relay) prune(id string, rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm.refs == 0 && rm.topic.Len() == 0 && r.rooms[id] == rm {
		delete(r.rooms, id)
	}
}
