package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-presence/internal/apperr"
	"github.com/example/ride-presence/internal/models"
	"github.com/example/ride-presence/internal/storage"
)

func newRelay() (*Relay, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	return NewRelay(store, 8), store
}

func TestRoomIDForIsUnordered(t *testing.T) {
	assert.Equal(t, RoomIDFor("d1", "p1"), RoomIDFor("p1", "d1"))
	assert.NotEqual(t, RoomIDFor("d1", "p1"), RoomIDFor("d1", "p2"))
}

func TestIsParticipant(t *testing.T) {
	room := RoomIDFor("d1", "p1")
	assert.True(t, IsParticipant(room, "d1"))
	assert.True(t, IsParticipant(room, "p1"))
	assert.False(t, IsParticipant(room, "p2"))
	assert.False(t, IsParticipant("lobby", "d1"))
	assert.False(t, IsParticipant(room, ""))
}

func TestEmptyBodyIsRejectedAndHistoryUnchanged(t *testing.T) {
	ctx := context.Background()
	r, _ := newRelay()
	room := RoomIDFor("d1", "p1")
	_, err := r.PostMessage(ctx, room, "p1", "d1", "salam")
	require.NoError(t, err)

	for _, body := range []string{"", "   \n\t"} {
		_, err = r.PostMessage(ctx, room, "p1", "d1", body)
		assert.True(t, errors.Is(err, apperr.ErrValidation))
	}

	msgs, err := r.ListMessages(ctx, room)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMessagesAreOrderedByCreation(t *testing.T) {
	ctx := context.Background()
	r, _ := newRelay()
	// a clock that runs backwards must not reorder history
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	ticks := []time.Time{base, base.Add(-time.Minute), base.Add(time.Second)}
	var i int
	r.now = func() time.Time { t := ticks[i%len(ticks)]; i++; return t }

	room := RoomIDFor("d1", "p1")
	for _, body := range []string{"one", "two", "three"} {
		_, err := r.PostMessage(ctx, room, "p1", "d1", body)
		require.NoError(t, err)
	}

	msgs, err := r.ListMessages(ctx, room)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for j := 1; j < len(msgs); j++ {
		assert.False(t, msgs[j].CreatedAt.Before(msgs[j-1].CreatedAt))
	}
	assert.Equal(t, []string{"one", "two", "three"}, []string{msgs[0].Body, msgs[1].Body, msgs[2].Body})
}

func TestConcurrentPostsStayOrdered(t *testing.T) {
	ctx := context.Background()
	r, _ := newRelay()
	room := RoomIDFor("d1", "p1")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender, receiver := "p1", "d1"
			if i%2 == 0 {
				sender, receiver = receiver, sender
			}
			_, err := r.PostMessage(ctx, room, sender, receiver, "msg")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := r.ListMessages(ctx, room)
	require.NoError(t, err)
	require.Len(t, msgs, 20)
	for j := 1; j < len(msgs); j++ {
		assert.False(t, msgs[j].CreatedAt.Before(msgs[j-1].CreatedAt))
	}
}

func TestReceiverIsInferredFromHistory(t *testing.T) {
	ctx := context.Background()
	r, _ := newRelay()
	room := RoomIDFor("d1", "p1")

	_, err := r.PostMessage(ctx, room, "p1", "", "hello?")
	assert.True(t, errors.Is(err, apperr.ErrAmbiguousRoom))

	_, err = r.PostMessage(ctx, room, "d1", "p1", "on my way")
	require.NoError(t, err)

	msg, err := r.PostMessage(ctx, room, "p1", "", "thanks")
	require.NoError(t, err)
	assert.Equal(t, "d1", msg.ReceiverID)

	again, err := r.PostMessage(ctx, room, "p1", "", "see you")
	require.NoError(t, err)
	assert.Equal(t, "d1", again.ReceiverID)
}

func TestNoRoomAndNoReceiverIsAmbiguous(t *testing.T) {
	r, _ := newRelay()
	_, err := r.PostMessage(context.Background(), "", "p1", "", "hi")
	assert.True(t, errors.Is(err, apperr.ErrAmbiguousRoom))
}

func TestRoomDerivedFromPair(t *testing.T) {
	r, _ := newRelay()
	msg, err := r.PostMessage(context.Background(), "", "p1", "d1", "hi")
	require.NoError(t, err)
	assert.Equal(t, RoomIDFor("d1", "p1"), msg.RoomID)
	assert.Equal(t, r.OpenRoom("d1", "p1"), msg.RoomID)
}

func TestListRoomsForUser(t *testing.T) {
	ctx := context.Background()
	r, _ := newRelay()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var step int
	r.now = func() time.Time { step++; return base.Add(time.Duration(step) * time.Minute) }

	_, err := r.PostMessage(ctx, "", "p1", "d1", "first with d1")
	require.NoError(t, err)
	_, err = r.PostMessage(ctx, "", "d2", "p1", "hello from d2")
	require.NoError(t, err)
	_, err = r.PostMessage(ctx, "", "d1", "p1", "latest with d1")
	require.NoError(t, err)

	rooms, err := r.ListRoomsForUser(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "d1", rooms[0].OtherParticipant)
	assert.Equal(t, "latest with d1", rooms[0].LatestMessage)
	assert.Equal(t, "p1", rooms[0].LatestReceiverID)
	assert.Equal(t, "d2", rooms[1].OtherParticipant)
	assert.True(t, rooms[0].LatestCreatedAt.After(rooms[1].LatestCreatedAt))

	none, err := r.ListRoomsForUser(ctx, "stranger")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSubscribersReceiveNewMessages(t *testing.T) {
	ctx := context.Background()
	r, _ := newRelay()
	room := RoomIDFor("d1", "p1")
	sub := r.Subscribe(room)
	defer sub.Close()
	otherRoom := r.Subscribe(RoomIDFor("d9", "p9"))
	defer otherRoom.Close()

	sent, err := r.PostMessage(ctx, room, "d1", "p1", "arrived")
	require.NoError(t, err)

	select {
	case got := <-sub.C():
		assert.Equal(t, sent.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("no newMessage delivered")
	}
	assert.Len(t, otherRoom.C(), 0)
}

func openRooms(r *Relay) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func TestReceiverMustBelongToRoom(t *testing.T) {
	ctx := context.Background()
	r, _ := newRelay()
	room := RoomIDFor("alice", "bob")

	_, err := r.PostMessage(ctx, room, "alice", "mallory", "hi")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = r.PostMessage(ctx, room, "mallory", "bob", "hi")
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	msgs, err := r.ListMessages(ctx, room)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	rooms, err := r.ListRoomsForUser(ctx, "mallory")
	require.NoError(t, err)
	assert.Empty(t, rooms)

	sent, err := r.PostMessage(ctx, room, "alice", "bob", "hi")
	require.NoError(t, err)
	assert.Equal(t, "bob", sent.ReceiverID)
}

func TestInferenceIgnoresStrangersInHistory(t *testing.T) {
	ctx := context.Background()
	r, store := newRelay()
	room := RoomIDFor("alice", "bob")
	// a row written before receivers were checked
	require.NoError(t, store.AppendMessage(ctx, &models.ChatMessage{
		ID: "m0", RoomID: room, SenderID: "alice", ReceiverID: "mallory", Body: "old", CreatedAt: time.Now().UTC(),
	}))

	_, err := r.PostMessage(ctx, room, "alice", "", "again")
	assert.True(t, errors.Is(err, apperr.ErrAmbiguousRoom))
}

func TestIdleRoomsAreReleased(t *testing.T) {
	ctx := context.Background()
	r, _ := newRelay()
	room := RoomIDFor("d1", "p1")

	_, err := r.PostMessage(ctx, room, "p1", "d1", "hi")
	require.NoError(t, err)
	assert.Equal(t, 0, openRooms(r))

	sub := r.Subscribe(room)
	assert.Equal(t, 1, openRooms(r))
	_, err = r.PostMessage(ctx, room, "d1", "p1", "coming")
	require.NoError(t, err)
	got := <-sub.C()
	assert.Equal(t, "coming", got.Body)

	sub.Close()
	assert.Equal(t, 0, openRooms(r))
}

func TestClockSurvivesRoomRelease(t *testing.T) {
	ctx := context.Background()
	r, _ := newRelay()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	room := RoomIDFor("d1", "p1")
	_, err := r.PostMessage(ctx, room, "p1", "d1", "first")
	require.NoError(t, err)
	require.Equal(t, 0, openRooms(r))

	r.now = func() time.Time { return base.Add(-time.Hour) }
	second, err := r.PostMessage(ctx, room, "d1", "p1", "second")
	require.NoError(t, err)
	assert.Equal(t, base, second.CreatedAt)
}
