package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-presence/internal/apperr"
	"github.com/example/ride-presence/internal/chat"
	"github.com/example/ride-presence/internal/fanout"
	"github.com/example/ride-presence/internal/models"
	"github.com/example/ride-presence/internal/observability"
	"github.com/example/ride-presence/internal/presence"
)

// outbox is a single-reader queue that drops the oldest frame when full.
type outbox struct {
	topic *fanout.Topic[outgoing]
	queue *fanout.Subscription[outgoing]
}

func newOutbox(buffer int) *outbox {
	dropped := observability.FanoutDropped.WithLabelValues("ws")
	t := fanout.NewTopic[outgoing](buffer, dropped.Inc)
	return &outbox{topic: t, queue: t.Subscribe()}
}

type conn struct {
	id  string
	p   models.Principal
	ws  *websocket.Conn
	srv *Server
	out *outbox

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup

	// owned by the frame worker
	rooms map[string]*chat.Subscription
}

// Send queues a frame without blocking. It reports false once the connection
// is closing.
func (c *conn) Send(event string, payload any) bool {
	if c.closed.Load() {
		return false
	}
	c.out.topic.Publish(outgoing{Event: event, Data: payload})
	return true
}

// readPump reads frames and hands them, in order, to a single worker. The
// worker may be blocked on a store call, so reading continues and a close is
// noticed at once: the connection context is cancelled and frames still
// queued are dropped.
func (c *conn) readPump() {
	frames := make(chan []byte, maxPendingFrames)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for data := range frames {
			if c.ctx.Err() != nil {
				continue
			}
			c.handleFrame(data)
		}
	}()
	defer func() {
		c.cancel()
		close(frames)
		<-done
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Warn("ws_read_failed", "conn_id", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case frames <- data:
		default:
			c.Send(EventError, ErrorPayload{Error: "too many pending frames"})
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.out.queue.C():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// shutdown runs once the read loop and its worker have returned.
func (c *conn) shutdown() {
	c.closed.Store(true)
	c.cancel()
	for id, sub := range c.rooms {
		sub.Close()
		delete(c.rooms, id)
	}
	c.srv.registry.Unregister(c.id)
	c.wg.Wait()
	c.out.queue.Close()
	observability.WSConnections.Dec()
}

func (c *conn) handleFrame(data []byte) {
	var env Envelope
	defer func() {
		if rec := recover(); rec != nil {
			c.srv.logger.Error("ws_frame_panic", "conn_id", c.id, "event", env.Event, "error", rec)
			c.Send(EventError, ErrorPayload{Event: env.Event, Error: "internal error"})
		}
	}()
	if err := json.Unmarshal(data, &env); err != nil {
		c.Send(EventError, ErrorPayload{Error: "malformed frame"})
		return
	}

	var err error
	switch env.Event {
	case EventDriverLocation:
		err = c.onDriverLocation(env.Data)
	case EventPing:
		if c.p.Role == models.RoleDriver {
			c.srv.hub.Touch(c.p.UserID)
		}
	case EventJoinRoom:
		err = c.onJoinRoom(env.Data)
	case EventLeaveRoom:
		err = c.onLeaveRoom(env.Data)
	case EventSendMessage:
		err = c.onSendMessage(env.Data)
	default:
		err = fmt.Errorf("%w: unknown event %q", apperr.ErrValidation, env.Event)
	}
	if err != nil {
		c.Send(EventError, ErrorPayload{Event: env.Event, Error: clientMessage(err)})
		if !apperr.Known(err) {
			c.srv.logger.Error("ws_event_failed", "conn_id", c.id, "event", env.Event, "error", err)
		}
	}
}

func clientMessage(err error) string {
	if apperr.Known(err) {
		return err.Error()
	}
	return "internal error"
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", apperr.ErrValidation)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	return nil
}

func (c *conn) onDriverLocation(raw json.RawMessage) error {
	if c.p.Role != models.RoleDriver {
		return fmt.Errorf("%w: only drivers publish locations", apperr.ErrForbidden)
	}
	var in LocationPayload
	if err := decode(raw, &in); err != nil {
		return err
	}
	if in.DriverID != "" && in.DriverID != c.p.UserID {
		return fmt.Errorf("%w: cannot publish for another driver", apperr.ErrForbidden)
	}
	if in.Lat == nil || in.Lng == nil {
		return fmt.Errorf("%w: lat and lng are required", apperr.ErrValidation)
	}
	return c.srv.hub.Publish(c.p.UserID, *in.Lat, *in.Lng)
}

func (c *conn) onJoinRoom(raw json.RawMessage) error {
	var in RoomPayload
	if err := decode(raw, &in); err != nil {
		return err
	}
	if in.UserID != "" && in.UserID != c.p.UserID {
		return fmt.Errorf("%w: cannot join as another user", apperr.ErrForbidden)
	}
	if !chat.IsParticipant(in.RoomID, c.p.UserID) {
		return fmt.Errorf("%w: not a participant of room %s", apperr.ErrForbidden, in.RoomID)
	}
	if _, ok := c.rooms[in.RoomID]; ok {
		return nil
	}
	sub := c.srv.relay.Subscribe(in.RoomID)
	c.rooms[in.RoomID] = sub
	c.followRoom(sub)
	return nil
}

func (c *conn) onLeaveRoom(raw json.RawMessage) error {
	var in RoomPayload
	if err := decode(raw, &in); err != nil {
		return err
	}
	if sub, ok := c.rooms[in.RoomID]; ok {
		sub.Close()
		delete(c.rooms, in.RoomID)
	}
	return nil
}

func (c *conn) onSendMessage(raw json.RawMessage) error {
	var in SendMessagePayload
	if err := decode(raw, &in); err != nil {
		return err
	}
	if in.SenderID != "" && in.SenderID != c.p.UserID {
		return fmt.Errorf("%w: cannot send as another user", apperr.ErrForbidden)
	}
	_, err := c.srv.relay.PostMessage(c.ctx, in.RoomID, c.p.UserID, in.ReceiverID, in.Message)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *conn) followPresence(sub *presence.Subscription) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-c.ctx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				switch ev.Type {
				case presence.EventLocationUpdate:
					lat, lng := ev.Position.Lat, ev.Position.Lng
					c.Send(EventLocationUpdate, LocationPayload{DriverID: ev.DriverID, Lat: &lat, Lng: &lng})
				case presence.EventDriverDisconnected:
					c.Send(EventDriverDisconnected, DriverPayload{DriverID: ev.DriverID})
				}
			}
		}
	}()
}

func (c *conn) followRoom(sub *chat.Subscription) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				c.Send(EventNewMessage, msg)
			}
		}
	}()
}
