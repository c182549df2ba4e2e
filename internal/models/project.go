package models

import (
	"github.com/google/uuid"
	"time"
)

type Project struct {
	ID        uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Name      string    `gorm:"not null"`
	Venue     string
	Status    string `gorm:"not null;default:'active';check:status IN ('active','archived')"`
	CreatedBy uuid.UUID
	CreatedAt time.Time

	Members  []User    `gorm:"many2many:project_members"`
	Messages []Message `gorm:"foreignKey:ProjectID"`
}
