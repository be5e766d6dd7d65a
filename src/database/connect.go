package database

import (
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/model"
)

// MainDB is the process-wide read/write handle.
var MainDB *gorm.DB

// InitMainDB opens the configured database and migrates the trading
// schema. Must run before any repository is constructed.
func InitMainDB() error {
	config := GetConfig()

	var dialector gorm.Dialector
	switch config.Driver {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres":
		dialector = postgres.Open(config.DSN)
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", config.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		PrepareStmt: true,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get DB from GORM: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(1 * time.Hour)

	if err := db.AutoMigrate(
		&model.Position{},
		&model.OrderState{},
		&model.TradeRecord{},
	); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	MainDB = db
	logger.WithField("driver", config.Driver).Info("Database connection initialized")
	return nil
}
