package models

import (
	"github.com/google/uuid"
	"time"
)

// Message is one committed entry in a project's chat stream. ServerID is
// assigned by Postgres on the first successful insert and is the authoritative
// ordering key within a project. The composite unique index on
// (project_id, sender_id, client_message_id) is what makes client retries safe:
// a resend with the same ClientMessageID can never commit a second row.
type Message struct {
	ServerID        int64     `gorm:"primaryKey;autoIncrement"`
	ProjectID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:ux_project_sender_client,priority:1"`
	SenderID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:ux_project_sender_client,priority:2"`
	ClientMessageID string    `gorm:"not null;uniqueIndex:ux_project_sender_client,priority:3"`
	Body            string    `gorm:"not null"`
	CreatedAt       time.Time

	Sender  User    `gorm:"foreignKey:SenderID"`
	Project Project `gorm:"foreignKey:ProjectID"`
}
