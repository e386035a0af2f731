// Package store is the persistent relational store behind the six core
// tables (HostedIdentity, NeighborIdentity, Neighbor, Follower,
// NeighborhoodAction, RelatedIdentity), backed by gorm over sqlite or
// postgres, mirroring the teacher's dual-backend GORMStore.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/marmos91/profileserver/pkg/config"
	"github.com/marmos91/profileserver/pkg/identity"
)

// Store is the composition root for all persisted domain state. Every
// write path goes through Locks to honor the canonical lock ordering:
// HostedIdentity -> NeighborIdentity -> Neighbor -> Follower ->
// RelatedIdentity -> NeighborhoodAction.
type Store struct {
	db    *gorm.DB
	Locks *LockManager
}

// Open connects to the configured backend and runs schema migrations.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		dsn := cfg.DSN + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.Driver == "postgres" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&identity.HostedIdentity{},
		&identity.NeighborIdentity{},
		&identity.Neighbor{},
		&identity.Follower{},
		&identity.NeighborhoodAction{},
		&identity.RelatedIdentity{},
	); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db, Locks: newLockManager()}, nil
}

// DB returns the underlying gorm connection, for callers (tests,
// migrations tooling) that need it directly.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Healthcheck pings the underlying connection, for the admin API's
// readiness probe.
func (s *Store) Healthcheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
