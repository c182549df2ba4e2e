package websocket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names the events of the project-chat channel.
type EventType string

const (
	// System events
	TypePing EventType = "ping"
	TypePong EventType = "pong"

	// Room events
	TypeRoomJoin   EventType = "room.join"
	TypeRoomJoined EventType = "room.joined"
	TypeRoomLeave  EventType = "room.leave"

	// Message events
	TypeMessageSend  EventType = "message.send"
	TypeMessageAck   EventType = "message.ack"
	TypeMessageError EventType = "message.error"
	TypeMessageNew   EventType = "message.new"

	// Read-receipt events
	TypeMessageRead   EventType = "message.read"
	TypeReadAck       EventType = "read.ack"
	TypeReadBroadcast EventType = "message.read.broadcast"
)

// Envelope is the wire frame: an event type plus a type-specific payload.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Error codes carried by message.error payloads.
const (
	CodeForbidden             = "forbidden"
	CodeNotJoined             = "not_joined"
	CodeInvalidBody           = "invalid_body"
	CodeMissingIdempotencyKey = "missing_idempotency_key"
	CodePersistenceFailed     = "persistence_failed"
	CodeRateLimited           = "rate_limited"
	CodeBadRequest            = "bad_request"
)

type JoinPayload struct {
	ProjectID uuid.UUID `json:"project_id"`
}

type RoomJoinedPayload struct {
	ProjectID uuid.UUID `json:"project_id"`
}

type SendPayload struct {
	ProjectID       uuid.UUID `json:"project_id"`
	Body            string    `json:"body"`
	ClientMessageID string    `json:"client_message_id"`
}

// AckPayload confirms a send, new or duplicate. ServerID is authoritative: a
// retried send gets the same ServerID as the original commit.
type AckPayload struct {
	ClientMessageID string    `json:"client_message_id"`
	ServerID        int64     `json:"server_id"`
	CreatedAt       time.Time `json:"created_at"`
}

type ErrorPayload struct {
	ClientMessageID string `json:"client_message_id,omitempty"`
	Code            string `json:"code"`
	Detail          string `json:"detail,omitempty"`
}

type NewMessagePayload struct {
	ServerID  int64     `json:"server_id"`
	ProjectID uuid.UUID `json:"project_id"`
	SenderID  uuid.UUID `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type ReadPayload struct {
	MessageID int64 `json:"message_id"`
}

type ReadAckPayload struct {
	MessageID int64     `json:"message_id"`
	ReadAt    time.Time `json:"read_at"`
}

type ReadBroadcastPayload struct {
	MessageID int64     `json:"message_id"`
	ReaderID  uuid.UUID `json:"reader_id"`
	ReadAt    time.Time `json:"read_at"`
}

// NewEnvelope marshals a payload into a wire frame.
func NewEnvelope(eventType EventType, payload interface{}) ([]byte, error) {
	env := Envelope{Type: eventType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}
