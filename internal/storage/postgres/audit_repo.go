package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/wasmbridge/internal/security"
	"github.com/jkaninda/wasmbridge/internal/storage"
)

// AuditRepository implements storage.AuditStore.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// LogAction inserts a single audit event.
func (r *AuditRepository) LogAction(ctx context.Context, event security.AuditEvent) error {
	model, err := toAuditModel(event)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Query returns matching audit events, newest first.
func (r *AuditRepository) Query(ctx context.Context, filter storage.AuditFilter) ([]security.AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	q := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit)
	if filter.Action != "" {
		q = q.Where("action = ?", filter.Action)
	}
	if filter.Server != "" {
		q = q.Where("server = ?", filter.Server)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since.UTC())
	}

	var models []AuditEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	events := make([]security.AuditEvent, len(models))
	for i := range models {
		events[i] = toAuditDomain(&models[i])
	}
	return events, nil
}

func toAuditModel(e security.AuditEvent) (AuditEventModel, error) {
	details := []byte("{}")
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return AuditEventModel{}, fmt.Errorf("encoding audit details: %w", err)
		}
		details = b
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return AuditEventModel{
		ID:            uuid.New(),
		CorrelationID: e.CorrelationID,
		Action:        e.Action,
		Server:        e.Server,
		Tool:          e.Tool,
		Module:        e.Module,
		Details:       string(details),
		Result:        e.Result,
		DurationMS:    e.DurationMS,
		Error:         e.Error,
		CreatedAt:     ts.UTC(),
	}, nil
}

func toAuditDomain(m *AuditEventModel) security.AuditEvent {
	var details map[string]any
	if m.Details != "" && m.Details != "{}" {
		// Details were written by toAuditModel; a decode failure leaves them empty.
		_ = json.Unmarshal([]byte(m.Details), &details)
	}
	return security.AuditEvent{
		Timestamp:     m.CreatedAt,
		CorrelationID: m.CorrelationID,
		Action:        m.Action,
		Server:        m.Server,
		Tool:          m.Tool,
		Module:        m.Module,
		Details:       details,
		Result:        m.Result,
		DurationMS:    m.DurationMS,
		Error:         m.Error,
	}
}

var _ storage.AuditStore = (*AuditRepository)(nil)
