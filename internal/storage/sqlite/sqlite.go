// Package sqlite opens the storage.Store on a single SQLite file through the
// pure-Go glebarez driver. Models and repositories are shared with the
// postgres package; only the connection differs.
package sqlite

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/wasmbridge/internal/storage"
	pgstore "github.com/jkaninda/wasmbridge/internal/storage/postgres"
)

type Config struct {
	Path        string
	JournalMode string        // Default: "wal".
	BusyTimeout time.Duration // Default: 5s.
}

// Open returns a Store on cfg.Path, creating its directory. Call Migrate
// before first use.
func Open(cfg Config, logger *slog.Logger) (*pgstore.Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory for %s: %w", cfg.Path, err)
	}

	db, err := gorm.Open(sqlite.Open(dsn(cfg)), &gorm.Config{
		Logger:  pgstore.NewGormLogger(logger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", cfg.Path, err)
	}
	// SQLite allows a single writer. One connection avoids SQLITE_BUSY under load.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	logger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode(cfg)))
	return pgstore.NewStore(db, storage.DriverSQLite), nil
}

func journalMode(cfg Config) string {
	if cfg.JournalMode == "" {
		return "wal"
	}
	return strings.ToLower(cfg.JournalMode)
}

// dsn appends the connection pragmas to the file path.
func dsn(cfg Config) string {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		"journal_mode(" + journalMode(cfg) + ")",
		fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()),
		"foreign_keys(ON)",
	}
	return cfg.Path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")
}
