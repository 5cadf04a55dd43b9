package realtime

import "encoding/json"

// Client to server.
const (
	EventDriverLocation = "driverLocation"
	EventPing           = "ping"
	EventJoinRoom       = "joinRoom"
	EventLeaveRoom      = "leaveRoom"
	EventSendMessage    = "sendMessage"
)

// Server to client. Ride events are named by models.RideEventFor.
const (
	EventLocationUpdate     = "locationUpdate"
	EventDriverDisconnected = "driverDisconnected"
	EventNewMessage         = "newMessage"
	EventError              = "error"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outgoing struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type LocationPayload struct {
	DriverID string   `json:"driverId"`
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
}

type DriverPayload struct {
	DriverID string `json:"driverId"`
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
}

type SendMessagePayload struct {
	RoomID     string `json:"roomId"`
	SenderID   string `json:"senderId,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
	Message    string `json:"message"`
}

type ErrorPayload struct {
	Event string `json:"event,omitempty"`
	Error string `json:"error"`
}
