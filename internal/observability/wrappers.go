package observability

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/wasmbridge/internal/bridge"
	"github.com/jkaninda/wasmbridge/internal/domain"
	"github.com/jkaninda/wasmbridge/internal/sandbox"
	"github.com/jkaninda/wasmbridge/internal/security"
	"github.com/jkaninda/wasmbridge/internal/vfs"
)

// --- InstrumentedExecutor ---

// Executor is the sandbox surface the HTTP API and CLI drive.
type Executor interface {
	Execute(ctx context.Context, bytecode []byte, entryPoint string, args []string) (*sandbox.Outcome, error)
	ExecuteStaged(ctx context.Context, fs vfs.Reader, path, entryPoint string, args []string) (*sandbox.Outcome, error)
}

// InstrumentedExecutor wraps an Executor with metrics and tracing.
type InstrumentedExecutor struct {
	inner   Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedExecutor wraps an executor with observability.
func NewInstrumentedExecutor(inner Executor, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{inner: inner, metrics: metrics, tracer: tracer}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, bytecode []byte, entryPoint string, args []string) (*sandbox.Outcome, error) {
	ctx, span := e.startSpan(ctx, entryPoint, attribute.Int("sandbox.module_bytes", len(bytecode)))
	out, err := e.inner.Execute(ctx, bytecode, entryPoint, args)
	e.record(span, out, err)
	return out, err
}

func (e *InstrumentedExecutor) ExecuteStaged(ctx context.Context, fs vfs.Reader, path, entryPoint string, args []string) (*sandbox.Outcome, error) {
	ctx, span := e.startSpan(ctx, entryPoint, attribute.String("sandbox.path", path))
	out, err := e.inner.ExecuteStaged(ctx, fs, path, entryPoint, args)
	e.record(span, out, err)
	return out, err
}

func (e *InstrumentedExecutor) startSpan(ctx context.Context, entryPoint string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, nil
	}
	attrs = append(attrs, attribute.String("sandbox.entry_point", entryPoint))
	return e.tracer.Start(ctx, "sandbox.execute", trace.WithAttributes(attrs...))
}

func (e *InstrumentedExecutor) record(span trace.Span, out *sandbox.Outcome, err error) {
	status := "success"
	switch {
	case err != nil:
		status = domain.Kind(err)
	case out != nil && out.ExitCode != 0:
		status = "nonzero_exit"
	}

	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if out != nil {
			span.SetAttributes(
				attribute.String("sandbox.execution_id", out.ExecutionID),
				attribute.Bool("sandbox.cache_hit", out.CacheHit),
				attribute.Int("sandbox.host_calls", out.HostCalls),
				attribute.Int("sandbox.exit_code", int(out.ExitCode)),
			)
		}
		span.End()
	}

	if e.metrics == nil {
		return
	}
	e.metrics.SandboxExecutionsTotal.WithLabelValues(status).Inc()
	if out == nil {
		return
	}
	e.metrics.SandboxExecutionDuration.WithLabelValues(status).Observe(out.Elapsed.Seconds())
	e.metrics.SandboxHostCalls.Observe(float64(out.HostCalls))
	e.metrics.SandboxMemoryBytes.Observe(float64(out.MemoryUsageBytes))
	if out.CacheHit {
		e.metrics.SandboxModuleLookups.WithLabelValues("hit").Inc()
	} else {
		e.metrics.SandboxModuleLookups.WithLabelValues("miss").Inc()
		e.metrics.SandboxCompileDuration.Observe(out.CompileTime.Seconds())
	}
}

// --- InstrumentedBridge ---

// InstrumentedBridge records metrics and spans for tool calls and connects.
// Every other Bridge method passes through unchanged.
type InstrumentedBridge struct {
	*bridge.Bridge
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedBridge wraps a bridge with observability and exports its
// live connection and cache state to the collector.
func NewInstrumentedBridge(inner *bridge.Bridge, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedBridge {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	metrics.WatchBridge(inner.ConnectionCount, func() (int, uint64, uint64) {
		s := inner.CacheStats()
		return s.Size, s.Hits, s.Misses
	})
	return &InstrumentedBridge{Bridge: inner, metrics: metrics, tracer: tracer}
}

func (b *InstrumentedBridge) CallTool(ctx context.Context, serverID, tool string, params json.RawMessage) (json.RawMessage, error) {
	var span trace.Span
	if b.tracer != nil {
		ctx, span = b.tracer.Start(ctx, "bridge.call_tool",
			trace.WithAttributes(
				attribute.String("bridge.server", serverID),
				attribute.String("bridge.tool", tool),
			))
		defer span.End()
	}

	start := time.Now()
	res, err := b.Bridge.CallTool(ctx, serverID, tool, params)
	duration := time.Since(start).Seconds()

	status := callStatus(err)
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if b.metrics != nil {
		b.metrics.ToolCallsTotal.WithLabelValues(serverID, status).Inc()
		b.metrics.ToolCallDuration.WithLabelValues(serverID).Observe(duration)
		if errors.Is(err, domain.ErrSecurityViolation) {
			b.metrics.SecurityChecksTotal.WithLabelValues("rate_limit", "denied").Inc()
		}
	}
	return res, err
}

func (b *InstrumentedBridge) Connect(ctx context.Context, serverID string, spec bridge.LaunchSpec) error {
	var span trace.Span
	if b.tracer != nil {
		ctx, span = b.tracer.Start(ctx, "bridge.connect",
			trace.WithAttributes(
				attribute.String("bridge.server", serverID),
				attribute.String("bridge.transport", spec.Transport),
			))
		defer span.End()
	}

	err := b.Bridge.Connect(ctx, serverID, spec)
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	b.recordConnect(err)
	return err
}

func (b *InstrumentedBridge) ConnectCommand(ctx context.Context, serverID, command string) error {
	return b.Connect(ctx, serverID, bridge.LaunchSpec{Command: command})
}

func (b *InstrumentedBridge) recordConnect(err error) {
	if b.metrics == nil {
		return
	}
	b.metrics.ConnectionsTotal.WithLabelValues(callStatus(err)).Inc()
	if errors.Is(err, security.ErrCommandRejected) {
		b.metrics.SecurityChecksTotal.WithLabelValues("command", "denied").Inc()
	} else if err == nil {
		b.metrics.SecurityChecksTotal.WithLabelValues("command", "allowed").Inc()
	}
}

func callStatus(err error) string {
	if err == nil {
		return "success"
	}
	var te *bridge.ToolError
	if errors.As(err, &te) {
		return "tool_error"
	}
	return domain.Kind(err)
}

// --- Compile-time interface checks ---

var (
	_ Executor           = (*sandbox.Executor)(nil)
	_ Executor           = (*InstrumentedExecutor)(nil)
	_ sandbox.ToolCaller = (*InstrumentedBridge)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
