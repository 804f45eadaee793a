package models

import (
	"fmt"

	"github.com/hetuflow/hetuflow/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Dialect names returned by Dialect.
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
)

func InitDB(cfg *config.DatabaseConfig) error {
	db, err := Open(cfg, logger.Warn)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open connects to the configured database and applies pool settings.
func Open(cfg *config.DatabaseConfig, level logger.LogLevel) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(level),
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.Driver == "sqlite" {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY under concurrent claims.
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func AutoMigrate() error {
	return Migrate(DB)
}

// Migrate creates or updates every scheduler table on db.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&DistributedLock{},
		&SchedServer{},
		&SchedAgent{},
		&SchedJob{},
		&SchedSchedule{},
		&SchedTask{},
		&SchedTaskInstance{},
	)
}

func GetDB() *gorm.DB {
	return DB
}

// Dialect returns the normalized dialect name of db.
func Dialect(db *gorm.DB) string {
	switch db.Dialector.Name() {
	case "postgres":
		return DialectPostgres
	case "mysql":
		return DialectMySQL
	default:
		return DialectSQLite
	}
}
