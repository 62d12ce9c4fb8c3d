package database

import (
	"fmt"
	"os"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ticketgate/internal/access"
	"ticketgate/internal/catalog"
	"ticketgate/internal/distribution"
	"ticketgate/internal/subscription"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
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

	if err := db.AutoMigrate(
		&subscription.Subscriber{},
		&subscription.SubscriptionLink{},
		&catalog.StoredFile{},
		&distribution.DeliveryRecord{},
		&access.Administrator{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// EnsureFolders creates the storage folders the service writes into. Called
// once at process start.
func EnsureFolders(paths ...string) error {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create folder %s: %w", path, err)
		}
	}
	return nil
}
