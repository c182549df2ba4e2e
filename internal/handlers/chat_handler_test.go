package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/expofab/portal/internal/models"
	ws "github.com/expofab/portal/internal/websocket"
)

// fakeStore is an in-memory ChatStore honoring the same uniqueness semantics
// as the Postgres schema: one message per (project, sender, client id), one
// receipt per (message, reader).
type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	byKey    map[string]*models.Message
	byID     map[int64]*models.Message
	receipts map[string]*models.ReadReceipt
	members  map[string]bool

	saveErr    error
	beforeSave func(s *fakeStore)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byKey:    make(map[string]*models.Message),
		byID:     make(map[int64]*models.Message),
		receipts: make(map[string]*models.ReadReceipt),
		members:  make(map[string]bool),
	}
}

func msgKey(projectID, senderID uuid.UUID, clientMessageID string) string {
	return projectID.String() + "|" + senderID.String() + "|" + clientMessageID
}

func receiptKey(messageID int64, readerID uuid.UUID) string {
	return fmt.Sprintf("%d|%s", messageID, readerID)
}

func (f *fakeStore) addMember(projectID, userID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[projectID.String()+"|"+userID.String()] = true
}

// insertLocked commits a message row, bypassing the handler. Used to plant a
// race winner.
func (f *fakeStore) insertLocked(message *models.Message) *models.Message {
	f.nextID++
	stored := *message
	stored.ServerID = f.nextID
	f.byKey[msgKey(stored.ProjectID, stored.SenderID, stored.ClientMessageID)] = &stored
	f.byID[stored.ServerID] = &stored
	return &stored
}

func (f *fakeStore) SaveMessage(_ context.Context, message *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.beforeSave != nil {
		hook := f.beforeSave
		f.beforeSave = nil
		hook(f)
	}
	if f.saveErr != nil {
		return f.saveErr
	}

	key := msgKey(message.ProjectID, message.SenderID, message.ClientMessageID)
	if _, exists := f.byKey[key]; exists {
		return gorm.ErrDuplicatedKey
	}

	stored := f.insertLocked(message)
	message.ServerID = stored.ServerID
	return nil
}

func (f *fakeStore) GetMessage(_ context.Context, serverID int64) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	message, ok := f.byID[serverID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *message
	return &copied, nil
}

func (f *fakeStore) FindMessageByClientID(_ context.Context, projectID, senderID uuid.UUID, clientMessageID string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	message, ok := f.byKey[msgKey(projectID, senderID, clientMessageID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *message
	return &copied, nil
}

func (f *fakeStore) SaveReceipt(_ context.Context, receipt *models.ReadReceipt) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := receiptKey(receipt.MessageID, receipt.ReaderID)
	if _, exists := f.receipts[key]; exists {
		return false, nil
	}
	stored := *receipt
	f.receipts[key] = &stored
	return true, nil
}

func (f *fakeStore) GetReceipt(_ context.Context, messageID int64, readerID uuid.UUID) (*models.ReadReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	receipt, ok := f.receipts[receiptKey(messageID, readerID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *receipt
	return &copied, nil
}

func (f *fakeStore) IsProjectMember(_ context.Context, projectID, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[projectID.String()+"|"+userID.String()], nil
}

func (f *fakeStore) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byKey)
}

func (f *fakeStore) receiptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.receipts)
}

type testEnv struct {
	store   *fakeStore
	hub     *ws.Hub
	handler *ChatHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := newFakeStore()
	hub := ws.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	limiter := ws.NewRateLimiter(1000, time.Minute)
	handler := NewChatHandler(store, hub, limiter, nil)

	return &testEnv{store: store, hub: hub, handler: handler}
}

func (e *testEnv) newSession() *ws.Session {
	s := ws.NewSession(e.hub, nil, uuid.New(), "member")
	e.hub.Register(s)
	return s
}

// joinedSession creates a session that is a project member and has joined the
// room through the normal room.join path.
func (e *testEnv) joinedSession(t *testing.T, projectID uuid.UUID) *ws.Session {
	t.Helper()

	s := e.newSession()
	e.store.addMember(projectID, s.UserID)
	dispatchEvent(t, e.handler, s, ws.TypeRoomJoin, ws.JoinPayload{ProjectID: projectID})

	env := recvEvent(t, s)
	if env.Type != ws.TypeRoomJoined {
		t.Fatalf("join reply = %s, want %s", env.Type, ws.TypeRoomJoined)
	}
	return s
}

func dispatchEvent(t *testing.T, h *ChatHandler, s *ws.Session, eventType ws.EventType, payload interface{}) {
	t.Helper()

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	// Handler errors are reported to the session as error events; tests
	// assert on those, not on the returned error.
	_ = h.HandleEvent(s, &ws.Envelope{Type: eventType, Data: data})
}

func recvEvent(t *testing.T, s *ws.Session) *ws.Envelope {
	t.Helper()

	select {
	case frame := <-s.Send:
		var env ws.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return &env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return nil
	}
}

func recvAck(t *testing.T, s *ws.Session) ws.AckPayload {
	t.Helper()

	env := recvEvent(t, s)
	if env.Type != ws.TypeMessageError && env.Type != ws.TypeMessageAck {
		t.Fatalf("reply = %s, want ack", env.Type)
	}
	if env.Type == ws.TypeMessageError {
		var p ws.ErrorPayload
		_ = json.Unmarshal(env.Data, &p)
		t.Fatalf("got error %q (%s), want ack", p.Code, p.Detail)
	}
	var ack ws.AckPayload
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return ack
}

func recvError(t *testing.T, s *ws.Session) ws.ErrorPayload {
	t.Helper()

	env := recvEvent(t, s)
	if env.Type != ws.TypeMessageError {
		t.Fatalf("reply = %s, want %s", env.Type, ws.TypeMessageError)
	}
	var p ws.ErrorPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return p
}

func expectNoEvent(t *testing.T, s *ws.Session) {
	t.Helper()

	select {
	case frame := <-s.Send:
		var env ws.Envelope
		_ = json.Unmarshal(frame, &env)
		t.Fatalf("unexpected event %s", env.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func sendMessage(t *testing.T, e *testEnv, s *ws.Session, projectID uuid.UUID, body, clientMessageID string) {
	t.Helper()
	dispatchEvent(t, e.handler, s, ws.TypeMessageSend, ws.SendPayload{
		ProjectID:       projectID,
		Body:            body,
		ClientMessageID: clientMessageID,
	})
}

func TestSendCommitsAndFansOut(t *testing.T) {
	e := newTestEnv(t)
	projectID := uuid.New()
	sender := e.joinedSession(t, projectID)
	peer := e.joinedSession(t, projectID)

	sendMessage(t, e, sender, projectID, "hello", "c1")

	ack := recvAck(t, sender)
	if ack.ServerID != 1 {
		t.Errorf("ack server_id = %d, want 1", ack.ServerID)
	}
	if ack.ClientMessageID != "c1" {
		t.Errorf("ack client_message_id = %q, want %q", ack.ClientMessageID, "c1")
	}

	env := recvEvent(t, peer)
	if env.Type != ws.TypeMessageNew {
		t.Fatalf("peer event = %s, want %s", env.Type, ws.TypeMessageNew)
	}
	var msg ws.NewMessagePayload
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		t.Fatalf("decode message.new: %v", err)
	}
	if msg.Body != "hello" || msg.ServerID != ack.ServerID || msg.SenderID != sender.UserID {
		t.Errorf("message.new = %+v, inconsistent with ack %+v", msg, ack)
	}

	// The sender already has the ack; it must not also get message.new.
	expectNoEvent(t, sender)
}

func TestResendReplaysOriginalAck(t *testing.T) {
	e := newTestEnv(t)
	projectID := uuid.New()
	sender := e.joinedSession(t, projectID)
	peer := e.joinedSession(t, projectID)

	sendMessage(t, e, sender, projectID, "hello", "c1")
	first := recvAck(t, sender)

	if recvEvent(t, peer).Type != ws.TypeMessageNew {
		t.Fatal("peer did not get the first broadcast")
	}

	// Network blip: the client retries the identical payload.
	sendMessage(t, e, sender, projectID, "hello", "c1")
	second := recvAck(t, sender)

	if second.ServerID != first.ServerID {
		t.Errorf("retry ack server_id = %d, want %d", second.ServerID, first.ServerID)
	}
	if got := e.store.messageCount(); got != 1 {
		t.Errorf("stored messages = %d, want 1", got)
	}

	// The duplicate must not appear twice to other members.
	expectNoEvent(t, peer)
}

func TestSendPreconditions(t *testing.T) {
	e := newTestEnv(t)
	projectID := uuid.New()

	tests := []struct {
		name     string
		joined   bool
		body     string
		clientID string
		wantCode string
	}{
		{"not joined", false, "hello", "c1", ws.CodeNotJoined},
		{"empty body", true, "   ", "c1", ws.CodeInvalidBody},
		{"missing idempotency key", true, "hello", "", ws.CodeMissingIdempotencyKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s *ws.Session
			if tt.joined {
				s = e.joinedSession(t, projectID)
			} else {
				s = e.newSession()
			}

			sendMessage(t, e, s, projectID, tt.body, tt.clientID)

			if got := recvError(t, s); got.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", got.Code, tt.wantCode)
			}
		})
	}

	if got := e.store.messageCount(); got != 0 {
		t.Errorf("refused sends persisted %d messages", got)
	}
}

func TestJoinForbiddenForNonMember(t *testing.T) {
	e := newTestEnv(t)
	projectID := uuid.New()
	s := e.newSession()

	dispatchEvent(t, e.handler, s, ws.TypeRoomJoin, ws.JoinPayload{ProjectID: projectID})

	if got := recvError(t, s); got.Code != ws.CodeForbidden {
		t.Errorf("error code = %q, want %q", got.Code, ws.CodeForbidden)
	}
	if got := len(e.hub.MembersOf(projectID)); got != 0 {
		t.Errorf("registry has %d members after a refused join", got)
	}

	// A send to the never-joined project is refused too.
	sendMessage(t, e, s, projectID, "hello", "c1")
	if got := recvError(t, s); got.Code != ws.CodeNotJoined {
		t.Errorf("send error code = %q, want %q", got.Code, ws.CodeNotJoined)
	}
}

func TestDuplicateKeyRaceAcksWinner(t *testing.T) {
	e := newTestEnv(t)
	projectID := uuid.New()
	sender := e.joinedSession(t, projectID)

	// Another instance commits the same key first, with different content,
	// in the window between the dedup lookup and the insert.
	var winnerID int64
	e.store.beforeSave = func(f *fakeStore) {
		winner := f.insertLocked(&models.Message{
			ProjectID:       projectID,
			SenderID:        sender.UserID,
			ClientMessageID: "c1",
			Body:            "winner body",
			CreatedAt:       time.Now(),
		})
		winnerID = winner.ServerID
	}

	sendMessage(t, e, sender, projectID, "loser body", "c1")

	ack := recvAck(t, sender)
	if ack.ServerID != winnerID {
		t.Errorf("ack server_id = %d, want the winner's %d", ack.ServerID, winnerID)
	}
	if got := e.store.messageCount(); got != 1 {
		t.Errorf("stored messages = %d, want 1", got)
	}

	stored, err := e.store.FindMessageByClientID(context.Background(), projectID, sender.UserID, "c1")
	if err != nil {
		t.Fatalf("lookup committed row: %v", err)
	}
	if stored.Body != "winner body" {
		t.Errorf("committed body = %q, want the winner's", stored.Body)
	}
}

func TestPersistenceFailureIsRetryable(t *testing.T) {
	e := newTestEnv(t)
	projectID := uuid.New()
	sender := e.joinedSession(t, projectID)

	e.store.saveErr = errors.New("storage unavailable")
	sendMessage(t, e, sender, projectID, "hello", "c1")

	if got := recvError(t, sender); got.Code != ws.CodePersistenceFailed {
		t.Errorf("error code = %q, want %q", got.Code, ws.CodePersistenceFailed)
	}
	if got := e.store.messageCount(); got != 0 {
		t.Errorf("failed send persisted %d messages", got)
	}

	// Retrying with the identical key succeeds once storage is back.
	e.store.saveErr = nil
	sendMessage(t, e, sender, projectID, "hello", "c1")

	ack := recvAck(t, sender)
	if ack.ServerID == 0 {
		t.Error("retry did not produce a committed server_id")
	}
	if got := e.store.messageCount(); got != 1 {
		t.Errorf("stored messages = %d, want 1", got)
	}
}

func TestBroadcastOrderConsistentAcrossMembers(t *testing.T) {
	e := newTestEnv(t)
	projectID := uuid.New()
	sender := e.joinedSession(t, projectID)
	b := e.joinedSession(t, projectID)
	c := e.joinedSession(t, projectID)

	const n = 5
	for i := 0; i < n; i++ {
		sendMessage(t, e, sender, projectID, fmt.Sprintf("message %d", i), fmt.Sprintf("c%d", i))
		recvAck(t, sender)
	}

	observe := func(s *ws.Session) []int64 {
		ids := make([]int64, 0, n)
		for i := 0; i < n; i++ {
			env := recvEvent(t, s)
			if env.Type != ws.TypeMessageNew {
				t.Fatalf("event = %s, want %s", env.Type, ws.TypeMessageNew)
			}
			var msg ws.NewMessagePayload
			if err := json.Unmarshal(env.Data, &msg); err != nil {
				t.Fatalf("decode message.new: %v", err)
			}
			ids = append(ids, msg.ServerID)
		}
		return ids
	}

	idsB := observe(b)
	idsC := observe(c)

	for i := 1; i < n; i++ {
		if idsB[i] <= idsB[i-1] {
			t.Fatalf("member B observed non-increasing server_ids: %v", idsB)
		}
	}
	for i := 0; i < n; i++ {
		if idsB[i] != idsC[i] {
			t.Fatalf("members observed different orders: %v vs %v", idsB, idsC)
		}
	}
}

func TestMarkReadIdempotentAndPropagated(t *testing.T) {
	e := newTestEnv(t)
	projectID := uuid.New()
	sender := e.joinedSession(t, projectID)
	reader := e.joinedSession(t, projectID)
	observer := e.joinedSession(t, projectID)

	sendMessage(t, e, sender, projectID, "hello", "c1")
	ack := recvAck(t, sender)
	recvEvent(t, reader)   // message.new
	recvEvent(t, observer) // message.new

	dispatchEvent(t, e.handler, reader, ws.TypeMessageRead, ws.ReadPayload{MessageID: ack.ServerID})

	env := recvEvent(t, reader)
	if env.Type != ws.TypeReadAck {
		t.Fatalf("reply = %s, want %s", env.Type, ws.TypeReadAck)
	}
	var first ws.ReadAckPayload
	if err := json.Unmarshal(env.Data, &first); err != nil {
		t.Fatalf("decode read.ack: %v", err)
	}

	// The observer sees the receipt; the original sender does not.
	env = recvEvent(t, observer)
	if env.Type != ws.TypeReadBroadcast {
		t.Fatalf("observer event = %s, want %s", env.Type, ws.TypeReadBroadcast)
	}
	var rb ws.ReadBroadcastPayload
	if err := json.Unmarshal(env.Data, &rb); err != nil {
		t.Fatalf("decode read broadcast: %v", err)
	}
	if rb.MessageID != ack.ServerID || rb.ReaderID != reader.UserID {
		t.Errorf("read broadcast = %+v, want message %d read by %s", rb, ack.ServerID, reader.UserID)
	}
	expectNoEvent(t, sender)

	// Marking again is a no-op returning the original receipt.
	dispatchEvent(t, e.handler, reader, ws.TypeMessageRead, ws.ReadPayload{MessageID: ack.ServerID})

	env = recvEvent(t, reader)
	if env.Type != ws.TypeReadAck {
		t.Fatalf("second reply = %s, want %s", env.Type, ws.TypeReadAck)
	}
	var second ws.ReadAckPayload
	if err := json.Unmarshal(env.Data, &second); err != nil {
		t.Fatalf("decode read.ack: %v", err)
	}
	if !second.ReadAt.Equal(first.ReadAt) {
		t.Errorf("second read_at = %v, want original %v", second.ReadAt, first.ReadAt)
	}
	if got := e.store.receiptCount(); got != 1 {
		t.Errorf("stored receipts = %d, want 1", got)
	}
	expectNoEvent(t, observer)
}

func TestMarkReadForbiddenOutsideJoinedRooms(t *testing.T) {
	e := newTestEnv(t)
	projectID := uuid.New()
	sender := e.joinedSession(t, projectID)

	sendMessage(t, e, sender, projectID, "hello", "c1")
	ack := recvAck(t, sender)

	outsider := e.newSession()
	dispatchEvent(t, e.handler, outsider, ws.TypeMessageRead, ws.ReadPayload{MessageID: ack.ServerID})

	if got := recvError(t, outsider); got.Code != ws.CodeForbidden {
		t.Errorf("error code = %q, want %q", got.Code, ws.CodeForbidden)
	}
	if got := e.store.receiptCount(); got != 0 {
		t.Errorf("forbidden read stored %d receipts", got)
	}
}

func TestMarkReadUnknownMessage(t *testing.T) {
	e := newTestEnv(t)
	projectID := uuid.New()
	s := e.joinedSession(t, projectID)

	dispatchEvent(t, e.handler, s, ws.TypeMessageRead, ws.ReadPayload{MessageID: 9999})

	if got := recvError(t, s); got.Code != ws.CodeForbidden {
		t.Errorf("error code = %q, want %q", got.Code, ws.CodeForbidden)
	}
}

func TestRateLimitedSendRefused(t *testing.T) {
	store := newFakeStore()
	hub := ws.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	handler := NewChatHandler(store, hub, ws.NewRateLimiter(1, time.Minute), nil)
	e := &testEnv{store: store, hub: hub, handler: handler}

	projectID := uuid.New()
	s := e.joinedSession(t, projectID)

	sendMessage(t, e, s, projectID, "hello", "c1")
	recvAck(t, s)

	sendMessage(t, e, s, projectID, "hello again", "c2")
	if got := recvError(t, s); got.Code != ws.CodeRateLimited {
		t.Errorf("error code = %q, want %q", got.Code, ws.CodeRateLimited)
	}
	if got := store.messageCount(); got != 1 {
		t.Errorf("stored messages = %d, want 1", got)
	}
}
