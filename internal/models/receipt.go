package models

import (
	"github.com/google/uuid"
	"time"
)

// ReadReceipt marks a message as read by one user. The composite primary key
// makes repeated markings of the same (message, reader) pair no-ops.
type ReadReceipt struct {
	MessageID int64     `gorm:"primaryKey;autoIncrement:false"`
	ReaderID  uuid.UUID `gorm:"type:uuid;primaryKey"`
	ReadAt    time.Time `gorm:"not null"`

	Message Message `gorm:"foreignKey:MessageID"`
}
