package database

import (
	"errors"
	"os"

	"github.com/expofab/portal/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func (d *Database) Connect() error {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is not set")
	}

	// TranslateError turns the postgres unique-violation into
	// gorm.ErrDuplicatedKey, which the chat ingest path relies on to detect
	// idempotency-key races.
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return err
	}

	err = db.AutoMigrate(&models.User{}, &models.Project{}, &models.Message{}, &models.ReadReceipt{})
	if err != nil {
		return err
	}

	d.db = db

	return nil
}
