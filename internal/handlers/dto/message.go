package dto

import (
	"github.com/google/uuid"
	"time"
)

// MessageResponse is the REST shape of a committed message, used by the
// history backfill endpoint.
type MessageResponse struct {
	ServerID  int64     `json:"server_id"`
	ProjectID uuid.UUID `json:"project_id"`
	SenderID  uuid.UUID `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Sender    UserInfo  `json:"sender"`
}

type UserInfo struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Role     string    `json:"role,omitempty"`
}
