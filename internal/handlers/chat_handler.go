package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/expofab/portal/internal/metrics"
	"github.com/expofab/portal/internal/models"
	ws "github.com/expofab/portal/internal/websocket"
)

const (
	storeTimeout = 10 * time.Second

	// How long a replayable ack stays in the Redis fast path. Long enough to
	// cover any realistic client retry window; the DB constraint remains the
	// guarantee after expiry.
	ackCacheTTL = 24 * time.Hour
)

// ChatStore is the persistence surface the chat channel needs. Implemented by
// *database.Database; tests substitute an in-memory fake.
type ChatStore interface {
	SaveMessage(ctx context.Context, message *models.Message) error
	GetMessage(ctx context.Context, serverID int64) (*models.Message, error)
	FindMessageByClientID(ctx context.Context, projectID, senderID uuid.UUID, clientMessageID string) (*models.Message, error)
	SaveReceipt(ctx context.Context, receipt *models.ReadReceipt) (bool, error)
	GetReceipt(ctx context.Context, messageID int64, readerID uuid.UUID) (*models.ReadReceipt, error)
	IsProjectMember(ctx context.Context, projectID, userID uuid.UUID) (bool, error)
}

// ChatHandler implements the project-chat events: room joins, message ingest
// with idempotency-key dedup, and read receipts.
type ChatHandler struct {
	store   ChatStore
	hub     *ws.Hub
	limiter *ws.RateLimiter
	redis   *redis.Client

	// One lock per project serializes persist-then-enqueue, so the hub sees
	// broadcasts in server_id order. The DB constraint stays authoritative
	// for dedup; the lock only fixes broadcast ordering.
	projectLocks sync.Map
}

func NewChatHandler(store ChatStore, hub *ws.Hub, limiter *ws.RateLimiter, rdb *redis.Client) *ChatHandler {
	return &ChatHandler{
		store:   store,
		hub:     hub,
		limiter: limiter,
		redis:   rdb,
	}
}

func (h *ChatHandler) HandleEvent(session *ws.Session, env *ws.Envelope) error {
	switch env.Type {
	case ws.TypeRoomJoin:
		return h.handleJoin(session, env.Data)

	case ws.TypeMessageSend:
		return h.handleSend(session, env.Data)

	case ws.TypeMessageRead:
		return h.handleRead(session, env.Data)

	default:
		log.Debug().Str("event", string(env.Type)).Msg("unknown event type")
		return nil
	}
}

// handleJoin admits a session into a project room after confirming portal
// membership. A refused join leaves the registry untouched.
func (h *ChatHandler) handleJoin(session *ws.Session, data json.RawMessage) error {
	var payload ws.JoinPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ProjectID == uuid.Nil {
		session.SendError("", ws.CodeBadRequest, "invalid room.join payload")
		return ws.ErrInvalidEvent
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	member, err := h.store.IsProjectMember(ctx, payload.ProjectID, session.UserID)
	if err != nil {
		session.SendError("", ws.CodePersistenceFailed, "membership check failed")
		return fmt.Errorf("membership check: %w", err)
	}
	if !member {
		session.SendError("", ws.CodeForbidden, "not a member of this project")
		return ws.ErrForbidden
	}

	h.hub.JoinRoom(session, payload.ProjectID)

	return session.SendEvent(ws.TypeRoomJoined, ws.RoomJoinedPayload{ProjectID: payload.ProjectID})
}

// handleSend is the ingest-and-dedup path. For any
// (project, sender, client_message_id) tuple at most one message row ever
// commits; every call, first or retried, is answered with the same
// authoritative ack.
func (h *ChatHandler) handleSend(session *ws.Session, data json.RawMessage) error {
	var payload ws.SendPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		session.SendError("", ws.CodeBadRequest, "invalid message.send payload")
		return ws.ErrInvalidEvent
	}

	if payload.ClientMessageID == "" {
		h.refuse(session, "", ws.CodeMissingIdempotencyKey, "client_message_id is required")
		return nil
	}

	body := strings.TrimSpace(payload.Body)
	if body == "" {
		h.refuse(session, payload.ClientMessageID, ws.CodeInvalidBody, "message body is empty")
		return nil
	}

	if !session.IsInRoom(payload.ProjectID) {
		h.refuse(session, payload.ClientMessageID, ws.CodeNotJoined, "join the project room before sending")
		return nil
	}

	if !h.limiter.Allow(session.ID) {
		h.refuse(session, payload.ClientMessageID, ws.CodeRateLimited, "too many sends, slow down")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	lock := h.projectLock(payload.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	// Fast path: a retry whose original ack is still cached skips the DB
	// round-trip entirely. Optimization only; the DB lookup below catches
	// everything the cache misses or forgot.
	if ack, ok := h.cachedAck(ctx, session.UserID, payload.ProjectID, payload.ClientMessageID); ok {
		metrics.DedupHits.WithLabelValues("cache").Inc()
		return session.SendEvent(ws.TypeMessageAck, ack)
	}

	existing, err := h.store.FindMessageByClientID(ctx, payload.ProjectID, session.UserID, payload.ClientMessageID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		h.refuse(session, payload.ClientMessageID, ws.CodePersistenceFailed, "storage unavailable, retry with the same client_message_id")
		return fmt.Errorf("dedup lookup: %w", err)
	}
	if existing != nil {
		// Duplicate send: replay the original ack, write nothing, broadcast
		// nothing. Other members already saw this message once.
		metrics.DedupHits.WithLabelValues("lookup").Inc()
		return session.SendEvent(ws.TypeMessageAck, h.ackFor(existing, payload.ClientMessageID))
	}

	message := &models.Message{
		ProjectID:       payload.ProjectID,
		SenderID:        session.UserID,
		ClientMessageID: payload.ClientMessageID,
		Body:            body,
		CreatedAt:       time.Now(),
	}

	if err := h.store.SaveMessage(ctx, message); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the uniqueness race: someone else committed this key
			// first. The committed row wins, whatever its body; the ack must
			// carry the winner's content, not silently pretend ours landed.
			committed, ferr := h.store.FindMessageByClientID(ctx, payload.ProjectID, session.UserID, payload.ClientMessageID)
			if ferr != nil {
				h.refuse(session, payload.ClientMessageID, ws.CodePersistenceFailed, "storage unavailable, retry with the same client_message_id")
				return fmt.Errorf("post-conflict lookup: %w", ferr)
			}
			metrics.DedupHits.WithLabelValues("conflict").Inc()
			return session.SendEvent(ws.TypeMessageAck, h.ackFor(committed, payload.ClientMessageID))
		}

		h.refuse(session, payload.ClientMessageID, ws.CodePersistenceFailed, "storage unavailable, retry with the same client_message_id")
		return fmt.Errorf("save message: %w", err)
	}

	metrics.MessagesCommitted.Inc()
	h.cacheAck(ctx, message)

	// Enqueued under the project lock: hub dispatch order therefore matches
	// server_id order for this room.
	frame, err := ws.NewEnvelope(ws.TypeMessageNew, ws.NewMessagePayload{
		ServerID:  message.ServerID,
		ProjectID: message.ProjectID,
		SenderID:  message.SenderID,
		Body:      message.Body,
		CreatedAt: message.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode message.new: %w", err)
	}
	h.hub.Broadcast(&ws.RoomBroadcast{
		ProjectID:      message.ProjectID,
		Payload:        frame,
		ExcludeSession: session.ID,
	})

	return session.SendEvent(ws.TypeMessageAck, h.ackFor(message, payload.ClientMessageID))
}

// handleRead records a read marker and propagates it to the rest of the room,
// excluding the reader and the original sender.
func (h *ChatHandler) handleRead(session *ws.Session, data json.RawMessage) error {
	var payload ws.ReadPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.MessageID == 0 {
		session.SendError("", ws.CodeBadRequest, "invalid message.read payload")
		return ws.ErrInvalidEvent
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	message, err := h.store.GetMessage(ctx, payload.MessageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Unknown message: answer as forbidden, don't reveal which.
			session.SendError("", ws.CodeForbidden, "cannot mark this message read")
			return nil
		}
		session.SendError("", ws.CodePersistenceFailed, "storage unavailable")
		return fmt.Errorf("load message: %w", err)
	}

	if !session.IsInRoom(message.ProjectID) {
		session.SendError("", ws.CodeForbidden, "cannot mark this message read")
		return nil
	}

	receipt := &models.ReadReceipt{
		MessageID: message.ServerID,
		ReaderID:  session.UserID,
		ReadAt:    time.Now(),
	}

	created, err := h.store.SaveReceipt(ctx, receipt)
	if err != nil {
		session.SendError("", ws.CodePersistenceFailed, "storage unavailable")
		return fmt.Errorf("save receipt: %w", err)
	}

	if !created {
		// Repeated marking: return the original receipt, rebroadcast nothing.
		stored, gerr := h.store.GetReceipt(ctx, message.ServerID, session.UserID)
		if gerr != nil {
			session.SendError("", ws.CodePersistenceFailed, "storage unavailable")
			return fmt.Errorf("load receipt: %w", gerr)
		}
		receipt = stored
	} else {
		metrics.ReceiptsRecorded.Inc()

		frame, ferr := ws.NewEnvelope(ws.TypeReadBroadcast, ws.ReadBroadcastPayload{
			MessageID: receipt.MessageID,
			ReaderID:  receipt.ReaderID,
			ReadAt:    receipt.ReadAt,
		})
		if ferr != nil {
			return fmt.Errorf("encode read broadcast: %w", ferr)
		}
		h.hub.Broadcast(&ws.RoomBroadcast{
			ProjectID:    message.ProjectID,
			Payload:      frame,
			ExcludeUsers: []uuid.UUID{session.UserID, message.SenderID},
		})
	}

	return session.SendEvent(ws.TypeReadAck, ws.ReadAckPayload{
		MessageID: receipt.MessageID,
		ReadAt:    receipt.ReadAt,
	})
}

func (h *ChatHandler) refuse(session *ws.Session, clientMessageID, code, detail string) {
	metrics.SendErrors.WithLabelValues(code).Inc()
	session.SendError(clientMessageID, code, detail)
}

func (h *ChatHandler) ackFor(message *models.Message, clientMessageID string) ws.AckPayload {
	return ws.AckPayload{
		ClientMessageID: clientMessageID,
		ServerID:        message.ServerID,
		CreatedAt:       message.CreatedAt,
	}
}

func (h *ChatHandler) projectLock(projectID uuid.UUID) *sync.Mutex {
	lock, _ := h.projectLocks.LoadOrStore(projectID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func ackCacheKey(projectID, senderID uuid.UUID, clientMessageID string) string {
	return "ack:" + projectID.String() + ":" + senderID.String() + ":" + clientMessageID
}

func (h *ChatHandler) cachedAck(ctx context.Context, senderID, projectID uuid.UUID, clientMessageID string) (ws.AckPayload, bool) {
	if h.redis == nil {
		return ws.AckPayload{}, false
	}

	val, err := h.redis.Get(ctx, ackCacheKey(projectID, senderID, clientMessageID)).Result()
	if err != nil {
		return ws.AckPayload{}, false
	}

	parts := strings.SplitN(val, "|", 2)
	if len(parts) != 2 {
		return ws.AckPayload{}, false
	}
	serverID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ws.AckPayload{}, false
	}
	createdAt, err := time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return ws.AckPayload{}, false
	}

	return ws.AckPayload{
		ClientMessageID: clientMessageID,
		ServerID:        serverID,
		CreatedAt:       createdAt,
	}, true
}

func (h *ChatHandler) cacheAck(ctx context.Context, message *models.Message) {
	if h.redis == nil {
		return
	}

	key := ackCacheKey(message.ProjectID, message.SenderID, message.ClientMessageID)
	val := strconv.FormatInt(message.ServerID, 10) + "|" + message.CreatedAt.Format(time.RFC3339Nano)
	if err := h.redis.Set(ctx, key, val, ackCacheTTL).Err(); err != nil {
		log.Debug().Err(err).Msg("ack cache write failed")
	}
}
