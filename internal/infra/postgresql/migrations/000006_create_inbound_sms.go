package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/notify-pipeline/internal/repository"
	"gorm.io/gorm"
)

func createInboundSMSTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000006_create_inbound_sms",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.InboundSMSModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.InboundSMSModel{})
		},
	}
}
