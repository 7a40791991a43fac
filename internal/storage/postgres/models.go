package postgres

import (
	"time"

	"github.com/google/uuid"
)

// ArtifactModel maps to the "artifacts" table.
type ArtifactModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"not null;uniqueIndex"`
	Digest    string    `gorm:"not null;index"`
	Size      int64     `gorm:"not null"`
	Content   []byte    `gorm:"not null"`
	Labels    string    `gorm:"type:text;not null;default:'{}'"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ArtifactModel) TableName() string { return "artifacts" }

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: the audit log is append-only.
type AuditEventModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	CorrelationID string    `gorm:"index"`
	Action        string    `gorm:"not null;index"`
	Server        string    `gorm:"index"`
	Tool          string
	Module        string
	Details       string `gorm:"type:text;not null;default:'{}'"`
	Result        string `gorm:"not null"`
	DurationMS    int64
	Error         string
	CreatedAt     time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }

// Models lists every table in migration order.
func Models() []any {
	return []any{&ArtifactModel{}, &AuditEventModel{}}
}
