// Package sandbox runs untrusted WebAssembly modules in isolated, resource
// bounded instances. Sandboxed code never touches the host directly: its
// only way out is the small set of host functions exported under the
// "bridge" module, and every one of them is counted against the policy.
package sandbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jkaninda/wasmbridge/internal/security"
)

// ToolCaller forwards a host call to an external tool server.
// *bridge.Bridge satisfies it.
type ToolCaller interface {
	CallTool(ctx context.Context, server, tool string, params json.RawMessage) (json.RawMessage, error)
}

// Outcome is the structured result of one successful execution.
type Outcome struct {
	ExecutionID string

	// ExitValue is the first return value of the entry point, decoded by its
	// Wasm type (int32, int64, float32, float64), or nil for void entries
	// and WASI commands.
	ExitValue any
	// ExitCode is the WASI exit status. Zero unless the module called proc_exit.
	ExitCode uint32
	// Results holds the raw encoded return values.
	Results []uint64

	Stdout string
	Stderr string

	Elapsed     time.Duration // wall clock of the entry-point call
	CompileTime time.Duration // compile-or-fetch step
	CacheHit    bool

	// MemoryUsageBytes is the linear memory high-water mark. Wasm memory never
	// shrinks, so the final size is the peak.
	MemoryUsageBytes uint64
	HostCalls        int
}

func (o *Outcome) ElapsedMS() int64 { return o.Elapsed.Milliseconds() }

func (o *Outcome) MemoryUsageMB() float64 {
	return float64(o.MemoryUsageBytes) / (1024 * 1024)
}

const (
	defaultModuleCacheSize = 64
	// defaultOutputLimit caps captured stdout and stderr per execution.
	defaultOutputLimit = 1 << 20
)

// Option configures an Executor.
type Option func(*options)

type options struct {
	logger          *slog.Logger
	moduleCacheSize int
	compileCacheDir string
	auditor         security.Auditor
	outputLimit     int
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithModuleCacheSize bounds the number of compiled modules kept in memory.
func WithModuleCacheSize(n int) Option {
	return func(o *options) { o.moduleCacheSize = n }
}

// WithCompilationCacheDir persists compiled machine code across restarts.
// This sits below the in-memory ModuleCache and survives process exit.
func WithCompilationCacheDir(dir string) Option {
	return func(o *options) { o.compileCacheDir = dir }
}

func WithAuditor(a security.Auditor) Option {
	return func(o *options) { o.auditor = a }
}

// WithStdoutLimit caps captured stdout and stderr, in bytes, per execution.
func WithStdoutLimit(n int) Option {
	return func(o *options) { o.outputLimit = n }
}
