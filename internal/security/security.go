// Package security holds the policy layer around the sandbox: immutable
// resource policies, the launch-command validator every process spawn goes
// through, and the append-only audit trail.
package security

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for security enforcement.
var (
	ErrCommandRejected    = errors.New("command rejected")
	ErrHostCallBudget     = errors.New("host call budget exhausted")
	ErrNetworkUnavailable = errors.New("direct network access is not available to sandboxed code")
)

// Audit results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// AuditEvent is a single entry in the append-only audit log.
type AuditEvent struct {
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Action        string         `json:"action"` // "connect", "disconnect", "call_tool", "execute"
	Server        string         `json:"server,omitempty"`
	Tool          string         `json:"tool,omitempty"`
	Module        string         `json:"module,omitempty"` // Content digest of executed bytecode.
	Details       map[string]any `json:"details,omitempty"`
	Result        string         `json:"result"`
	DurationMS    int64          `json:"duration_ms,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Auditor records audit events. Implementations must be safe for
// concurrent use; failures are the caller's to log, never to propagate.
type Auditor interface {
	LogAction(ctx context.Context, event AuditEvent) error
}

// NopAuditor discards every event.
type NopAuditor struct{}

func (NopAuditor) LogAction(context.Context, AuditEvent) error { return nil }

// MultiAuditor fans each event out to every auditor in order. All are
// attempted; the joined error reports every failure.
type MultiAuditor []Auditor

func (m MultiAuditor) LogAction(ctx context.Context, event AuditEvent) error {
	var errs []error
	for _, a := range m {
		if err := a.LogAction(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
