package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/profilevault/internal/accounts"
	"github.com/MarcoPoloResearchLab/profilevault/internal/assets"
	"github.com/MarcoPoloResearchLab/profilevault/internal/profiles"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultPostgresMaxConns = 10
)

var (
	errMissingPath = errors.New("database path is required")
	errMissingDSN  = errors.New("database dsn is required")
)

// Options selects and tunes the backing store.
type Options struct {
	Driver      string
	Path        string
	DSN         string
	LockTimeout time.Duration
}

// Open establishes the configured connection and performs schema migrations.
// The caller owns the handle and closes it at shutdown.
func Open(options Options, logger *zap.Logger) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch strings.ToLower(strings.TrimSpace(options.Driver)) {
	case DriverSQLite, "":
		db, err = openSQLite(options)
	case DriverPostgres:
		db, err = openPostgres(options)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", options.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, logger); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized",
			zap.String("driver", db.Dialector.Name()),
			zap.Duration("lock_timeout", options.LockTimeout))
	}
	return db, nil
}

// Migrate creates the schema and applies pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&accounts.Account{}, &assets.ImageAsset{}, &profiles.Profile{}, &migrationRecord{}); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

// openSQLite serializes all access through one connection; SQLite has no row locks, so
// the account-then-profile ordering degenerates to a database-wide writer lock.
func openSQLite(options Options) (*gorm.DB, error) {
	if strings.TrimSpace(options.Path) == "" {
		return nil, errMissingPath
	}
	db, err := gorm.Open(sqlite.Open(sqliteDSN(options.Path, options.LockTimeout)), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func openPostgres(options Options) (*gorm.DB, error) {
	if strings.TrimSpace(options.DSN) == "" {
		return nil, errMissingDSN
	}
	db, err := gorm.Open(postgres.Open(options.DSN), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(defaultPostgresMaxConns)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func sqliteDSN(path string, lockTimeout time.Duration) string {
	if lockTimeout <= 0 {
		return path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)", path, separator, lockTimeout.Milliseconds())
}
