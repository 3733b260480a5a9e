package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store wraps the gorm handle behind the query surface the gateway uses.
// A single Store is shared by the catalog, the selector, the orchestrator,
// and the accounting worker; gorm's connection pool handles concurrency.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open connects to the database named by dsn and returns a ready Store.
//
// The driver is picked from the DSN scheme:
//
//	postgres:// or postgresql:// → Postgres (recommended for production)
//	mysql://                     → MySQL (scheme stripped before dialing)
//	sqlite:// or a bare path     → SQLite file, or ":memory:"
func Open(dsn string, log *slog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: dsn must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}

	var dial gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dial = postgres.Open(dsn)
	case strings.HasPrefix(dsn, "mysql://"):
		dial = mysql.Open(strings.TrimPrefix(dsn, "mysql://"))
	case strings.HasPrefix(dsn, "sqlite://"):
		dial = sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	default:
		dial = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dial, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// OpenInMemory returns a Store backed by an in-process SQLite database.
// Used by tests and local quick-starts; schema is migrated immediately.
func OpenInMemory(log *slog.Logger) (*Store, error) {
	s, err := Open(":memory:", log)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates or updates the schema for all gateway tables.
func (s *Store) Migrate() error {
	err := s.db.AutoMigrate(
		&ModelVariant{},
		&Family{},
		&Request{},
		&RequestContent{},
		&Metrics{},
		&Transaction{},
		&APIKey{},
		&Wallet{},
	)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// DB exposes the raw gorm handle for tests.
func (s *Store) DB() *gorm.DB { return s.db }

// ── Catalog reads ─────────────────────────────────────────────────────────────

// Models returns every enabled model variant.
func (s *Store) Models(ctx context.Context) ([]ModelVariant, error) {
	var out []ModelVariant
	err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("model_id, provider").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: list models: %w", err)
	}
	return out, nil
}

// Families returns every family config, enabled or not; the catalog decides
// what to do with disabled entries.
func (s *Store) Families(ctx context.Context) ([]Family, error) {
	var out []Family
	if err := s.db.WithContext(ctx).Order("family_id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list families: %w", err)
	}
	return out, nil
}

// ── Auth & wallet ─────────────────────────────────────────────────────────────

// APIKeyByHash resolves an api key row by the SHA-256 hex digest of the
// bearer token. Returns (nil, nil) when no key matches.
func (s *Store) APIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	var key APIKey
	err := s.db.WithContext(ctx).Where("key_hash = ?", hash).First(&key).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("store: api key lookup: %w", err)
	}
	return &key, nil
}

// TouchAPIKey updates the key's last-used timestamp. Called in the
// background after a served request; failures are logged, not propagated.
func (s *Store) TouchAPIKey(ctx context.Context, name string) {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).
		Model(&APIKey{}).
		Where("name = ?", name).
		Update("last_used_at", now).Error
	if err != nil {
		s.log.Warn("api key touch failed",
			slog.String("key", name),
			slog.String("error", err.Error()),
		)
	}
}

// WalletBalance returns the user's current balance. A missing wallet row
// reads as zero.
func (s *Store) WalletBalance(ctx context.Context, userID string) (float64, error) {
	var w Wallet
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("store: wallet read: %w", err)
	}
	return w.Balance, nil
}
