package database

import (
	"context"

	"github.com/expofab/portal/internal/models"
	"github.com/google/uuid"
)

// SaveMessage appends a new chat message. The unique index on
// (project_id, sender_id, client_message_id) makes this the authoritative
// dedup point: concurrent retries race on the constraint and the loser gets
// gorm.ErrDuplicatedKey.
func (d *Database) SaveMessage(ctx context.Context, message *models.Message) error {
	return d.db.WithContext(ctx).Create(message).Error
}

func (d *Database) GetMessage(ctx context.Context, serverID int64) (*models.Message, error) {
	var message models.Message
	if err := d.db.WithContext(ctx).First(&message, "server_id = ?", serverID).Error; err != nil {
		return nil, err
	}
	return &message, nil
}

// FindMessageByClientID looks up a previously committed message by its
// idempotency key.
func (d *Database) FindMessageByClientID(ctx context.Context, projectID, senderID uuid.UUID, clientMessageID string) (*models.Message, error) {
	var message models.Message
	err := d.db.WithContext(ctx).
		Where("project_id = ? AND sender_id = ? AND client_message_id = ?", projectID, senderID, clientMessageID).
		First(&message).Error
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// GetProjectMessages returns up to limit messages of a project, oldest first,
// optionally only those with server_id below the cursor.
func (d *Database) GetProjectMessages(ctx context.Context, projectID string, limit int, beforeServerID *int64) ([]models.Message, error) {
	var messages []models.Message

	query := d.db.WithContext(ctx).Where("project_id = ?", projectID)

	if beforeServerID != nil {
		query = query.Where("server_id < ?", *beforeServerID)
	}

	err := query.
		Order("server_id DESC").
		Limit(limit).
		Preload("Sender").
		Find(&messages).Error

	if err != nil {
		return nil, err
	}

	// Oldest first for the client.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}
