package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// Write deadline for a single outbound frame.
	writeWait = 10 * time.Second

	// How long to wait for a pong before calling the peer dead.
	pongWait = 60 * time.Second

	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024

	// Outbound buffer per session. A member that cannot drain this many
	// frames is disconnected rather than allowed to stall or reorder the room.
	sendQueueSize = 256
)

// EventHandler processes the domain events a session reads off the wire.
type EventHandler interface {
	HandleEvent(session *Session, env *Envelope) error
}

// Session is one live, authenticated connection. A session only exists after
// the handshake credential check has passed: the connecting → authenticated
// transition happens in the transport layer, and an unauthenticated connection
// is refused before a Session is ever constructed.
type Session struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Role        string
	Conn        *websocket.Conn
	Send        chan []byte
	Hub         *Hub
	ConnectedAt time.Time

	rooms  map[uuid.UUID]bool
	closed bool
	mu     sync.RWMutex
}

func NewSession(hub *Hub, conn *websocket.Conn, userID uuid.UUID, role string) *Session {
	return &Session{
		ID:          uuid.New(),
		UserID:      userID,
		Role:        role,
		Conn:        conn,
		Send:        make(chan []byte, sendQueueSize),
		Hub:         hub,
		ConnectedAt: time.Now(),
		rooms:       make(map[uuid.UUID]bool),
	}
}

// ReadPump reads events from the peer until the connection dies, routing them
// to the handler. Each session runs exactly one ReadPump goroutine.
func (s *Session) ReadPump(handler EventHandler) {
	defer func() {
		s.Hub.Unregister(s)
		s.Conn.Close()
	}()

	s.Conn.SetReadLimit(maxMessageSize)
	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env Envelope
		if err := s.Conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Str("session_id", s.ID.String()).Err(err).Msg("websocket read error")
			}
			break
		}

		switch env.Type {
		case TypePing:
			s.SendEvent(TypePong, nil)
			continue
		case TypePong:
			continue
		case TypeRoomLeave:
			var payload JoinPayload
			if err := json.Unmarshal(env.Data, &payload); err == nil {
				s.Hub.LeaveRoom(s, payload.ProjectID)
			}
			continue
		}

		if handler == nil {
			continue
		}
		if err := handler.HandleEvent(s, &env); err != nil {
			// Handler errors affect only this session's request; the
			// connection stays up and other sessions are untouched.
			log.Warn().
				Str("session_id", s.ID.String()).
				Str("event", string(env.Type)).
				Err(err).
				Msg("event handling failed")
		}
	}
}

// WritePump drains the send queue onto the wire. Each session runs exactly one
// WritePump goroutine, so frames go out in queue order.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.Conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendEvent marshals and enqueues an event for this session.
func (s *Session) SendEvent(eventType EventType, payload interface{}) error {
	frame, err := NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	return s.enqueue(frame)
}

// SendError reports a failed request back to this session only.
func (s *Session) SendError(clientMessageID, code, detail string) {
	err := s.SendEvent(TypeMessageError, ErrorPayload{
		ClientMessageID: clientMessageID,
		Code:            code,
		Detail:          detail,
	})
	if err != nil {
		log.Warn().Str("session_id", s.ID.String()).Err(err).Msg("failed to deliver error event")
	}
}

// enqueue puts a frame on the outbound queue without blocking. The queue is
// bounded; a full queue means the peer is not draining and the caller decides
// what to do about it.
func (s *Session) enqueue(frame []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSessionClosed
	}

	select {
	case s.Send <- frame:
		return nil
	default:
		return ErrSessionQueueFull
	}
}

// close shuts the outbound queue. Called exactly once, by the hub, during
// unregistration.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.Send)
	if s.Conn != nil {
		s.Conn.Close()
	}
}

func (s *Session) addRoom(projectID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[projectID] = true
}

func (s *Session) removeRoom(projectID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, projectID)
}

// IsInRoom reports whether the session has joined the project's room.
func (s *Session) IsInRoom(projectID uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[projectID]
}

// JoinedRooms returns the projects this session has joined.
func (s *Session) JoinedRooms() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]uuid.UUID, 0, len(s.rooms))
	for projectID := range s.rooms {
		rooms = append(rooms, projectID)
	}
	return rooms
}
