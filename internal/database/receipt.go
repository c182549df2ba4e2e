package database

import (
	"context"

	"github.com/expofab/portal/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm/clause"
)

// SaveReceipt inserts a read receipt unless one already exists for the
// (message, reader) pair. The returned bool reports whether a new row was
// written; callers use it to skip rebroadcasting repeated read markers.
func (d *Database) SaveReceipt(ctx context.Context, receipt *models.ReadReceipt) (bool, error) {
	tx := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(receipt)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (d *Database) GetReceipt(ctx context.Context, messageID int64, readerID uuid.UUID) (*models.ReadReceipt, error) {
	var receipt models.ReadReceipt
	err := d.db.WithContext(ctx).
		Where("message_id = ? AND reader_id = ?", messageID, readerID).
		First(&receipt).Error
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}
