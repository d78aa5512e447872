package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/peerflow/internal/activities"
	"github.com/MarcoPoloResearchLab/peerflow/internal/documents"
	"github.com/MarcoPoloResearchLab/peerflow/internal/ledger"
	"github.com/MarcoPoloResearchLab/peerflow/internal/templates"
	"github.com/MarcoPoloResearchLab/peerflow/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the configured database and migrates the schema.
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	switch driver {
	case DriverSQLite, "":
		return OpenSQLite(dsn, logger)
	case DriverPostgres:
		return OpenPostgres(dsn, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// SQLite runs with a single connection so that transactions serialize.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("database initialized", zap.String("driver", DriverSQLite), zap.String("path", path))
	}
	return db, nil
}

// OpenPostgres establishes a Postgres connection and performs schema migrations.
func OpenPostgres(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("database initialized", zap.String("driver", DriverPostgres))
	}
	return db, nil
}

// Models lists every table the service owns.
func Models() []any {
	models := activities.Models()
	models = append(models,
		&ledger.Account{},
		&ledger.Entry{},
		&documents.PaperVersion{},
		&users.Identity{},
		&users.RoleGrant{},
		&templates.TemplateRecord{},
		&migrationRecord{},
	)
	return models
}

// Migrate creates or updates tables and applies named data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
