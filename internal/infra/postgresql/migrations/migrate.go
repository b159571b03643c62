package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/buildrelay/buildrelay/internal/repository"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_notification_configs",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.ConfigModel{}); err != nil {
					return err
				}
				// The unique index on (repository_id, kind) comes from the
				// model tags; only the listing index needs raw SQL.
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_configs_created ON notification_configs (created_at, id)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.ConfigModel{})
			},
		},
		{
			ID: "000002_create_delivery_attempts",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.AttemptModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_attempts_repository_created ON delivery_attempts (repository_id, created_at DESC)`,
					`CREATE INDEX IF NOT EXISTS idx_attempts_config_id ON delivery_attempts (config_id)`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.AttemptModel{})
			},
		},
	})

	return m.Migrate()
}
