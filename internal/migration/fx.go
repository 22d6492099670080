package migration

import (
	"github.com/veltis/entitled/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		// The embedded files are written for postgres; other dialects (sqlite
		// in tests and local setups) create their schema directly.
		if cfg.DBType != "postgres" {
			log.Named("migrations").Warn("skipping embedded migrations for non-postgres database",
				zap.String("database_type", cfg.DBType))
			return nil
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
