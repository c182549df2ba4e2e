package websocket

import (
	"context"
	"sync"

	"github.com/expofab/portal/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RoomBroadcast is one fan-out request: a payload for every session currently
// joined to a project room. ExcludeSession skips one session (the sender of a
// message already got its ack); ExcludeUsers skips all sessions of the listed
// users (read receipts are not echoed to the reader or the original sender).
type RoomBroadcast struct {
	ProjectID      uuid.UUID
	Payload        []byte
	ExcludeSession uuid.UUID
	ExcludeUsers   []uuid.UUID
}

// Hub owns the room registry: the mapping from project IDs to the sessions
// currently joined. All mutation goes through the hub's mutex; fan-out order is
// fixed by the single dispatch loop in Run, so two members of the same room
// always observe broadcasts in the same sequence.
type Hub struct {
	sessions map[uuid.UUID]*Session

	// Sessions joined per project room. Rooms are created on first join and
	// discarded when the last member leaves.
	rooms map[uuid.UUID]map[uuid.UUID]*Session

	register   chan *Session
	unregister chan *Session

	broadcast chan *RoomBroadcast

	mu sync.RWMutex

	// Invoked after a session is torn down, e.g. to release rate-limiter
	// state. Set before Run.
	onSessionClosed func(sessionID uuid.UUID)

	ctx    context.Context
	cancel context.CancelFunc
}

// OnSessionClosed registers a callback fired when a session is unregistered.
func (h *Hub) OnSessionClosed(fn func(sessionID uuid.UUID)) {
	h.onSessionClosed = fn
}

func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sessions:   make(map[uuid.UUID]*Session),
		rooms:      make(map[uuid.UUID]map[uuid.UUID]*Session),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		broadcast:  make(chan *RoomBroadcast, 256),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run is the hub's dispatch loop. Broadcasts are delivered in the order they
// were enqueued, which the ingest path has already made consistent with
// server_id order per project.
func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case session := <-h.register:
			h.registerSession(session)

		case session := <-h.unregister:
			h.unregisterSession(session)

		case rb := <-h.broadcast:
			h.dispatch(rb)
		}
	}
}

func (h *Hub) Stop() {
	h.cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, session := range h.sessions {
		session.close()
	}
	h.sessions = make(map[uuid.UUID]*Session)
	h.rooms = make(map[uuid.UUID]map[uuid.UUID]*Session)
}

func (h *Hub) Register(session *Session) {
	select {
	case h.register <- session:
	case <-h.ctx.Done():
	}
}

func (h *Hub) Unregister(session *Session) {
	select {
	case h.unregister <- session:
	case <-h.ctx.Done():
	}
}

// Broadcast enqueues a fan-out request. It never blocks on any individual
// peer; slow consumers are handled per session in dispatch.
func (h *Hub) Broadcast(rb *RoomBroadcast) {
	select {
	case h.broadcast <- rb:
	case <-h.ctx.Done():
	}
}

func (h *Hub) registerSession(session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sessions[session.ID] = session
	metrics.SessionsConnected.Inc()

	log.Debug().
		Str("session_id", session.ID.String()).
		Str("user_id", session.UserID.String()).
		Msg("session registered")
}

// unregisterSession tears a session down: every joined room is left, so no
// dangling membership can survive a disconnect.
func (h *Hub) unregisterSession(session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[session.ID]; !ok {
		return
	}

	for _, projectID := range session.JoinedRooms() {
		h.removeFromRoomLocked(session, projectID)
	}

	delete(h.sessions, session.ID)
	session.close()
	metrics.SessionsConnected.Dec()

	if h.onSessionClosed != nil {
		h.onSessionClosed(session.ID)
	}

	log.Debug().
		Str("session_id", session.ID.String()).
		Str("user_id", session.UserID.String()).
		Msg("session unregistered")
}

// JoinRoom adds a session to a project room. Joining a room the session
// already belongs to is a no-op. Authorization has been checked by the caller.
func (h *Hub) JoinRoom(session *Session, projectID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rooms[projectID]; !ok {
		h.rooms[projectID] = make(map[uuid.UUID]*Session)
	}

	h.rooms[projectID][session.ID] = session
	session.addRoom(projectID)
}

func (h *Hub) LeaveRoom(session *Session, projectID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeFromRoomLocked(session, projectID)
}

func (h *Hub) removeFromRoomLocked(session *Session, projectID uuid.UUID) {
	room, ok := h.rooms[projectID]
	if !ok {
		return
	}
	if _, ok := room[session.ID]; !ok {
		return
	}

	delete(room, session.ID)
	session.removeRoom(projectID)

	if len(room) == 0 {
		delete(h.rooms, projectID)
	}
}

// MembersOf returns the session IDs currently joined to a project room.
func (h *Hub) MembersOf(projectID uuid.UUID) []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room := h.rooms[projectID]
	members := make([]uuid.UUID, 0, len(room))
	for sessionID := range room {
		members = append(members, sessionID)
	}
	return members
}

func (h *Hub) dispatch(rb *RoomBroadcast) {
	h.mu.RLock()
	room := h.rooms[rb.ProjectID]
	targets := make([]*Session, 0, len(room))
	for _, session := range room {
		if session.ID == rb.ExcludeSession {
			continue
		}
		if excludedUser(rb.ExcludeUsers, session.UserID) {
			continue
		}
		targets = append(targets, session)
	}
	h.mu.RUnlock()

	for _, session := range targets {
		if err := session.enqueue(rb.Payload); err != nil {
			// Delivery is best-effort. A session whose queue is full is too
			// far behind to keep its ordering guarantee, so it is dropped and
			// must reconnect.
			metrics.DeliveriesDropped.Inc()
			log.Warn().
				Str("session_id", session.ID.String()).
				Str("project_id", rb.ProjectID.String()).
				Err(err).
				Msg("delivery dropped, disconnecting slow session")
			go h.Unregister(session)
		}
	}
}

func excludedUser(excluded []uuid.UUID, userID uuid.UUID) bool {
	for _, id := range excluded {
		if id == userID {
			return true
		}
	}
	return false
}
