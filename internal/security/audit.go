package security

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditLogger appends audit events to a JSONL sink, one event per line.
// Safe for concurrent use.
type AuditLogger struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer // nil for caller-owned writers
	logger *slog.Logger
}

// NewAuditLogger opens path for append (mode 0600), creating parent
// directories as needed.
func NewAuditLogger(path string, logger *slog.Logger) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	al := NewAuditWriter(f, logger)
	al.closer = f
	return al, nil
}

// NewAuditWriter writes events to w. Close does not close w.
func NewAuditWriter(w io.Writer, logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &AuditLogger{enc: enc, logger: logger}
}

func (a *AuditLogger) LogAction(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	a.mu.Lock()
	err := a.enc.Encode(event)
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("writing audit event %s: %w", event.Action, err)
	}

	a.logger.DebugContext(ctx, "audit event",
		slog.String("action", event.Action),
		slog.String("server", event.Server),
		slog.String("tool", event.Tool),
		slog.String("result", event.Result),
	)
	return nil
}

func (a *AuditLogger) Close() error {
	if a.closer == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closer.Close()
}
