package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-presence/internal/apperr"
	"github.com/example/ride-presence/internal/chat"
)

type postMessageRequest struct {
	RoomID     string `json:"roomId"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Message    string `json:"message"`
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if userID != principal(r).UserID {
		s.writeError(w, r, fmt.Errorf("%w: rooms of another user", apperr.ErrForbidden))
		return
	}
	rooms, err := s.relay.ListRoomsForUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	if !chat.IsParticipant(roomID, principal(r).UserID) {
		s.writeError(w, r, fmt.Errorf("%w: not a participant of room %s", apperr.ErrForbidden, roomID))
		return
	}
	msgs, err := s.relay.ListMessages(r.Context(), roomID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	me := principal(r).UserID
	if req.SenderID != "" && req.SenderID != me {
		s.writeError(w, r, fmt.Errorf("%w: cannot send as another user", apperr.ErrForbidden))
		return
	}
	msg, err := s.relay.PostMessage(r.Context(), req.RoomID, me, req.ReceiverID, req.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}
