// Package storage defines persistence for compiled-module artifacts and the
// audit trail. Two backends are provided: SQLite (default, zero-config) and
// PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/wasmbridge/internal/digest"
	"github.com/jkaninda/wasmbridge/internal/security"
)

// ErrChecksumMismatch reports stored bytecode whose content no longer
// matches its recorded digest.
var ErrChecksumMismatch = errors.New("artifact checksum mismatch")

// Store is the persistence root. Both backends implement it.
type Store interface {
	Artifacts() ArtifactStore
	Audit() AuditStore

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// ArtifactStore holds WebAssembly bytecode by name. Content is verified
// against its checksum on every Get.
type ArtifactStore interface {
	// Put stores content under name, replacing any previous artifact with
	// that name.
	Put(ctx context.Context, name string, content []byte, labels map[string]string) (*ArtifactInfo, error)
	// Get returns the artifact by name, or by digest when ref is a
	// "blake3:<hex>" string.
	Get(ctx context.Context, ref string) (*Artifact, error)
	Stat(ctx context.Context, ref string) (*ArtifactInfo, error)
	List(ctx context.Context) ([]ArtifactInfo, error)
	Delete(ctx context.Context, ref string) error
}

// AuditStore persists audit events. Append-only.
type AuditStore interface {
	security.Auditor
	Query(ctx context.Context, filter AuditFilter) ([]security.AuditEvent, error)
}

// AuditFilter narrows an audit query. Zero fields match everything.
type AuditFilter struct {
	Action string
	Server string
	Since  time.Time
	Limit  int // Default: 100
}

// ArtifactInfo is artifact metadata without content.
type ArtifactInfo struct {
	ID        uuid.UUID         `json:"id"`
	Name      string            `json:"name"`
	Digest    digest.Digest     `json:"digest"`
	Size      int64             `json:"size"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Artifact is stored bytecode with its metadata.
type Artifact struct {
	ArtifactInfo
	Content []byte `json:"-"`
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
