package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// CommandEvent is one journaled lifecycle transition.
type CommandEvent struct {
	ID        int64          `gorm:"type:bigserial;primaryKey"`
	CmdID     string         `gorm:"type:text;not null;index"`
	Name      string         `gorm:"type:text;not null"`
	Status    string         `gorm:"type:text;not null"`
	Payload   datatypes.JSON `gorm:"type:jsonb"`
	Error     string         `gorm:"type:text"`
	At        time.Time      `gorm:"type:timestamptz;not null"`
	CreatedAt time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (CommandEvent) TableName() string { return "command_events" }

func commandEvents() *goose.Migration {
	return goose.NewGoMigration(1,
		&goose.GoFunc{RunTx: upCommandEvents},
		&goose.GoFunc{RunTx: downCommandEvents},
	)
}

func upCommandEvents(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := txORM(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&CommandEvent{})
}

func downCommandEvents(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := txORM(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&CommandEvent{})
}

func txORM(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}
