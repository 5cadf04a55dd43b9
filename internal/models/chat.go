package models

import "time"

type ChatMessage struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Counterparty returns the participant of m that is not userID.
func (m ChatMessage) Counterparty(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

type RoomSummary struct {
	RoomID           string    `json:"roomId"`
	OtherParticipant string    `json:"otherParticipant"`
	LatestMessage    string    `json:"latestMessage"`
	LatestCreatedAt  time.Time `json:"latestCreatedAt"`
	LatestReceiverID string    `json:"latestReceiverId"`
}
