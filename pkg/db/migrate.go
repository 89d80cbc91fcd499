package db

import (
	"safekey-licensing/pkg/config"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Migrate creates or alters the tables for models when DATABASE.AUTO_MIGRATE
// is set. Production schemas are expected to be managed out of band.
func Migrate(db *gorm.DB, cfg *config.Config, models ...any) error {
	if !cfg.Database.AutoMigrate {
		return nil
	}

	if err := db.AutoMigrate(models...); err != nil {
		zap.L().Error("[DB] ❌ Auto migration failed", zap.Error(err))
		return err
	}

	zap.L().Info("[DB] ✅ Auto migration finished", zap.Int("models", len(models)))
	return nil
}
