package postgres

import (
	"context"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/jkaninda/wasmbridge/internal/storage"
)

// Store implements storage.Store over a GORM connection. The sqlite
// package builds the same Store on a SQLite dialector.
type Store struct {
	db     *gorm.DB
	driver string

	mu        sync.Mutex
	artifacts *ArtifactRepository
	audit     *AuditRepository
}

// NewStore wraps an open GORM connection.
func NewStore(db *gorm.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

func (s *Store) Artifacts() storage.ArtifactStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.artifacts == nil {
		s.artifacts = NewArtifactRepository(s.db)
	}
	return s.artifacts
}

func (s *Store) Audit() storage.AuditStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		s.audit = NewAuditRepository(s.db)
	}
	return s.audit
}

// Migrate creates or updates all tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto-migrating: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return ping(ctx, s.db) }

// Close releases the database connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string { return s.driver }

// GormDB returns the underlying *gorm.DB.
func (s *Store) GormDB() *gorm.DB { return s.db }

var _ storage.Store = (*Store)(nil)
