package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/notify-pipeline/internal/repository"
	"gorm.io/gorm"
)

func createNotificationHistoryTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_notification_history",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.NotificationHistoryModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.NotificationHistoryModel{})
		},
	}
}
