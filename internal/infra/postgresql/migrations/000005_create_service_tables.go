package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/notify-pipeline/internal/repository"
	"gorm.io/gorm"
)

func serviceTables() []any {
	return []any{
		&repository.ServiceModel{},
		&repository.TemplateHistoryModel{},
		&repository.SafelistModel{},
		&repository.SMSSenderModel{},
		&repository.EmailReplyToModel{},
		&repository.CallbackAPIModel{},
		&repository.InboundAPIModel{},
	}
}

func createServiceTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000005_create_service_tables",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(serviceTables()...)
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(serviceTables()...)
		},
	}
}
