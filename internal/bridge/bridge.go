// Package bridge connects sandboxed code to external MCP tool servers.
// It owns a bounded registry of live connections and an LRU cache of tool
// results; sandboxed modules reach it only through host calls.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jkaninda/wasmbridge/internal/domain"
	"github.com/jkaninda/wasmbridge/internal/ratelimit"
	"github.com/jkaninda/wasmbridge/internal/security"
)

const (
	defaultCallTimeout    = 30 * time.Second
	defaultConnectTimeout = 30 * time.Second
)

var (
	errNotConnected = errors.New("no live connection")
	errSpecConflict = errors.New("a connect with a different launch spec is in progress")
)

// Bridge composes the connection registry, the result cache and the
// command validator. All methods are safe for concurrent use.
type Bridge struct {
	registry     *registry
	results      *resultCache
	cacheEnabled atomic.Bool
	connects     singleflight.Group

	pendingMu sync.Mutex
	pending   map[string]*pendingConnect // in-flight connects by server id

	dialer         Dialer
	limiter        *ratelimit.Limiter
	auditor        security.Auditor
	logger         *slog.Logger
	callTimeout    time.Duration
	connectTimeout time.Duration

	reaperMu   sync.Mutex
	stopReaper func()
}

// Option configures a Bridge.
type Option func(*Bridge)

func WithLogger(l *slog.Logger) Option { return func(b *Bridge) { b.logger = l } }

// WithDialer replaces the default MCP dialer.
func WithDialer(d Dialer) Option { return func(b *Bridge) { b.dialer = d } }

// WithCallTimeout bounds each live tool call. The caller's deadline still
// applies when it is earlier.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.callTimeout = d
		}
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.connectTimeout = d
		}
	}
}

// WithRateLimiter limits live tool calls per server.
func WithRateLimiter(l *ratelimit.Limiter) Option { return func(b *Bridge) { b.limiter = l } }

func WithAuditor(a security.Auditor) Option { return func(b *Bridge) { b.auditor = a } }

// New returns a bridge with an unlimited connection registry.
func New(cacheCapacity int, opts ...Option) (*Bridge, error) {
	return newBridge(cacheCapacity, 0, opts)
}

// NewWithLimits returns a bridge that admits at most maxConnections live
// connections. Connecting beyond the limit fails; nothing is evicted.
func NewWithLimits(cacheCapacity, maxConnections int, opts ...Option) (*Bridge, error) {
	if maxConnections <= 0 {
		return nil, &domain.ConfigError{Field: "max_connections", Reason: "must be greater than zero"}
	}
	return newBridge(cacheCapacity, maxConnections, opts)
}

func newBridge(cacheCapacity, maxConnections int, opts []Option) (*Bridge, error) {
	results, err := newResultCache(cacheCapacity)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		registry:       newRegistry(maxConnections),
		pending:        make(map[string]*pendingConnect),
		results:        results,
		dialer:         MCPDialer{},
		auditor:        security.NopAuditor{},
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		callTimeout:    defaultCallTimeout,
		connectTimeout: defaultConnectTimeout,
	}
	b.cacheEnabled.Store(true)
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// --- Connections ---

// ConnectCommand connects a stdio server launched by command.
func (b *Bridge) ConnectCommand(ctx context.Context, serverID, command string) error {
	return b.Connect(ctx, serverID, LaunchSpec{Transport: TransportStdio, Command: command})
}

// Connect validates spec, then opens a transport to serverID. The launch
// command is validated before anything is spawned. Connecting an id that is
// already live is a no-op; concurrent connects of one id dial once.
func (b *Bridge) Connect(ctx context.Context, serverID string, spec LaunchSpec) error {
	if err := validateServerID(serverID); err != nil {
		return err
	}
	spec, err := normalizeSpec(spec)
	if err != nil {
		b.audit(ctx, security.AuditEvent{
			Action: "connect_denied",
			Server: serverID,
			Result: security.ResultDenied,
			Error:  err.Error(),
		})
		b.logger.WarnContext(ctx, "connect rejected",
			slog.String("server", serverID),
			slog.String("error", err.Error()),
		)
		return err
	}

	p, err := b.joinPending(serverID, spec)
	if err != nil {
		b.logger.WarnContext(ctx, "connect rejected",
			slog.String("server", serverID),
			slog.String("error", err.Error()),
		)
		return err
	}

	// Every caller, leader or joiner, waits only as long as its own budget.
	wctx, cancel, budget := withBudget(ctx, b.connectTimeout)
	defer cancel()
	ch := b.connects.DoChan(serverID, func() (any, error) {
		return nil, b.connect(ctx, serverID, spec)
	})
	select {
	case res := <-ch:
		b.leavePending(serverID, p)
		return res.Err
	case <-wctx.Done():
		go func() {
			<-ch
			b.leavePending(serverID, p)
		}()
		return &domain.ConnectionFailedError{Server: serverID, Err: ctxError(wctx, "connect", budget)}
	}
}

// pendingConnect records the spec of an in-flight connect and how many
// callers are still attached to it.
type pendingConnect struct {
	spec    LaunchSpec
	waiters int
}

// joinPending attaches the caller to the in-flight connect of serverID,
// starting a new record when there is none. A caller whose spec differs
// from the in-flight one is refused.
func (b *Bridge) joinPending(serverID string, spec LaunchSpec) (*pendingConnect, error) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	p, ok := b.pending[serverID]
	if !ok {
		p = &pendingConnect{spec: spec}
		b.pending[serverID] = p
	} else if !sameSpec(p.spec, spec) {
		return nil, &domain.ConnectionFailedError{Server: serverID, Err: errSpecConflict}
	}
	p.waiters++
	return p, nil
}

func (b *Bridge) leavePending(serverID string, p *pendingConnect) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	p.waiters--
	if p.waiters == 0 && b.pending[serverID] == p {
		delete(b.pending, serverID)
	}
}

func sameSpec(a, b LaunchSpec) bool {
	return a.Transport == b.Transport &&
		a.Command == b.Command &&
		a.URL == b.URL &&
		slices.Equal(a.Args, b.Args) &&
		maps.Equal(a.Env, b.Env) &&
		maps.Equal(a.Headers, b.Headers)
}

func (b *Bridge) connect(ctx context.Context, serverID string, spec LaunchSpec) error {
	live, err := b.registry.reserve(serverID)
	if err != nil {
		b.audit(ctx, security.AuditEvent{
			Action: "connect_denied",
			Server: serverID,
			Result: security.ResultDenied,
			Error:  err.Error(),
		})
		current, max := b.ConnectionLimits()
		b.logger.WarnContext(ctx, "connect refused",
			slog.String("server", serverID),
			slog.Int("connections", current),
			slog.Int("max_connections", max),
			slog.String("error", err.Error()),
		)
		return err
	}
	if live {
		return nil
	}

	start := time.Now()
	dctx, cancel, budget := withBudget(ctx, b.connectTimeout)
	defer cancel()

	t, err := b.dial(dctx, serverID, spec, budget)
	if err != nil {
		b.registry.release(serverID)
		b.audit(ctx, security.AuditEvent{
			Action:     "connect",
			Server:     serverID,
			Result:     security.ResultFailure,
			DurationMS: time.Since(start).Milliseconds(),
			Error:      err.Error(),
		})
		return err
	}
	b.registry.commit(newConnection(serverID, spec.Transport, t))

	b.audit(ctx, security.AuditEvent{
		Action:     "connect",
		Server:     serverID,
		Details:    map[string]any{"transport": spec.Transport},
		Result:     security.ResultSuccess,
		DurationMS: time.Since(start).Milliseconds(),
	})
	b.logger.InfoContext(ctx, "server connected",
		slog.String("server", serverID),
		slog.String("transport", spec.Transport),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// dial runs the dialer under ctx and returns when ctx expires even if the
// dialer does not. A transport that arrives late is closed.
func (b *Bridge) dial(ctx context.Context, serverID string, spec LaunchSpec, budget time.Duration) (Transport, error) {
	type dialResult struct {
		t   Transport
		err error
	}
	ch := make(chan dialResult, 1)
	go func() {
		t, err := b.dialer.Dial(ctx, serverID, spec)
		ch <- dialResult{t, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if ctx.Err() != nil {
				return nil, &domain.ConnectionFailedError{Server: serverID, Err: ctxError(ctx, "connect", budget)}
			}
			return nil, &domain.ConnectionFailedError{Server: serverID, Err: r.err}
		}
		return r.t, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.t != nil {
				_ = r.t.Close()
			}
		}()
		return nil, &domain.ConnectionFailedError{Server: serverID, Err: ctxError(ctx, "connect", budget)}
	}
}

// Disconnect closes and forgets serverID. Unknown ids are ignored.
func (b *Bridge) Disconnect(serverID string) {
	c, ok := b.registry.remove(serverID)
	if !ok {
		return
	}
	b.limiter.Forget(serverID)
	if err := c.transport.Close(); err != nil {
		b.logger.Warn("closing transport",
			slog.String("server", serverID),
			slog.String("error", err.Error()),
		)
	}
	b.audit(context.Background(), security.AuditEvent{
		Action:  "disconnect",
		Server:  serverID,
		Details: map[string]any{"calls": c.calls.Load()},
		Result:  security.ResultSuccess,
	})
	b.logger.Info("server disconnected",
		slog.String("server", serverID),
		slog.Int64("calls", c.calls.Load()),
	)
}

// Close stops the reaper and disconnects every server.
func (b *Bridge) Close() error {
	b.reaperMu.Lock()
	if b.stopReaper != nil {
		b.stopReaper()
		b.stopReaper = nil
	}
	b.reaperMu.Unlock()
	for _, c := range b.registry.snapshot() {
		b.Disconnect(c.id)
	}
	return nil
}

// --- Tool calls ---

// CallTool invokes tool on serverID. With the cache enabled, a hit is served
// without any I/O; misses go to the live connection and successful results
// are cached.
func (b *Bridge) CallTool(ctx context.Context, serverID, tool string, params json.RawMessage) (json.RawMessage, error) {
	canon, err := CanonicalJSON(params)
	if err != nil {
		return nil, err
	}
	key := cacheKey(serverID, tool, canon)

	cacheOn := b.cacheEnabled.Load()
	if cacheOn {
		if v, ok := b.results.get(key); ok {
			b.logger.DebugContext(ctx, "tool result cache hit",
				slog.String("server", serverID),
				slog.String("tool", tool),
			)
			return v, nil
		}
	}

	conn, ok := b.registry.get(serverID)
	if !ok {
		return nil, &domain.ConnectionFailedError{Server: serverID, Err: errNotConnected}
	}
	if err := b.limiter.Allow(serverID); err != nil {
		return nil, &domain.SecurityViolationError{
			Reason: fmt.Sprintf("rate limit exceeded for server %q", serverID),
			Err:    err,
		}
	}

	start := time.Now()
	cctx, cancel, budget := withBudget(ctx, b.callTimeout)
	defer cancel()

	conn.touch()
	res, err := invoke(cctx, conn.transport, tool, canon)
	if err != nil {
		switch {
		case cctx.Err() != nil:
			err = ctxError(cctx, "call_tool", budget)
		case errors.As(err, new(*ToolError)):
		default:
			err = &domain.ConnectionFailedError{Server: serverID, Err: err}
		}
		b.audit(ctx, security.AuditEvent{
			Action:     "call_tool",
			Server:     serverID,
			Tool:       tool,
			Result:     security.ResultFailure,
			DurationMS: time.Since(start).Milliseconds(),
			Error:      err.Error(),
		})
		b.logger.WarnContext(ctx, "tool call failed",
			slog.String("server", serverID),
			slog.String("tool", tool),
			slog.String("kind", domain.Kind(err)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if cacheOn {
		b.results.put(key, res)
	}
	b.audit(ctx, security.AuditEvent{
		Action:     "call_tool",
		Server:     serverID,
		Tool:       tool,
		Result:     security.ResultSuccess,
		DurationMS: time.Since(start).Milliseconds(),
	})
	b.logger.DebugContext(ctx, "tool call completed",
		slog.String("server", serverID),
		slog.String("tool", tool),
		slog.Duration("duration", time.Since(start)),
		slog.Int("result_bytes", len(res)),
	)
	return res, nil
}

// invoke runs the transport call and returns when ctx expires even if the
// transport ignores cancellation.
func invoke(ctx context.Context, t Transport, tool string, params json.RawMessage) (json.RawMessage, error) {
	type reply struct {
		res json.RawMessage
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		res, err := t.CallTool(ctx, tool, params)
		ch <- reply{res, err}
	}()
	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ListTools returns the tools a connected server exposes.
func (b *Bridge) ListTools(ctx context.Context, serverID string) ([]ToolInfo, error) {
	conn, ok := b.registry.get(serverID)
	if !ok {
		return nil, &domain.ConnectionFailedError{Server: serverID, Err: errNotConnected}
	}
	cctx, cancel, budget := withBudget(ctx, b.callTimeout)
	defer cancel()
	tools, err := conn.transport.ListTools(cctx)
	if err != nil {
		if cctx.Err() != nil {
			return nil, ctxError(cctx, "list_tools", budget)
		}
		return nil, &domain.ConnectionFailedError{Server: serverID, Err: err}
	}
	return tools, nil
}

// --- Introspection ---

func (b *Bridge) CacheStats() CacheStats { return b.results.stats() }

func (b *Bridge) ConnectionCount() int { return b.registry.len() }

// ConnectionLimits returns the live count and the limit (0 = unlimited).
func (b *Bridge) ConnectionLimits() (current, max int) {
	return b.registry.len(), b.registry.max
}

// ConnectionCallCount returns how many live calls went to serverID.
func (b *Bridge) ConnectionCallCount(serverID string) (int, bool) {
	c, ok := b.registry.get(serverID)
	if !ok {
		return 0, false
	}
	return int(c.calls.Load()), true
}

// Servers lists live connections ordered by id.
func (b *Bridge) Servers() []ServerInfo {
	conns := b.registry.snapshot()
	out := make([]ServerInfo, len(conns))
	for i, c := range conns {
		out[i] = c.info()
	}
	return out
}

func (b *Bridge) EnableCache()  { b.cacheEnabled.Store(true) }
func (b *Bridge) DisableCache() { b.cacheEnabled.Store(false) }

func (b *Bridge) CacheEnabled() bool { return b.cacheEnabled.Load() }

func (b *Bridge) ClearCache() { b.results.clear() }

// --- helpers ---

func (b *Bridge) audit(ctx context.Context, ev security.AuditEvent) {
	if err := b.auditor.LogAction(ctx, ev); err != nil {
		b.logger.ErrorContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}
}

// withBudget derives a context bounded by d and by ctx's own deadline,
// returning the effective budget for error reporting.
func withBudget(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc, time.Duration) {
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < d {
			d = left
		}
	}
	cctx, cancel := context.WithTimeout(ctx, d)
	return cctx, cancel, d
}

func ctxError(ctx context.Context, op string, budget time.Duration) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s cancelled: %w", op, ctx.Err())
	}
	return &domain.TimeoutError{Operation: op, Duration: budget}
}
