package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"golang.org/x/sync/singleflight"

	"github.com/jkaninda/wasmbridge/internal/domain"
	"github.com/jkaninda/wasmbridge/internal/security"
	"github.com/jkaninda/wasmbridge/internal/vfs"
)

// WASICommandEntry is the conventional entry point of a WASI command. It
// takes its arguments through WASI args instead of Wasm parameters.
const WASICommandEntry = "_start"

// Executor compiles, caches and runs WebAssembly modules under one Policy.
//
// Security guarantees:
//   - Each Execute gets a fresh anonymous instance, closed when the call ends
//   - Linear memory cannot grow past the policy limit (memory.grow returns -1)
//   - The entry point is cancelled when the execution timeout elapses
//   - No environment, clock, randomness or network is exposed to the guest
//   - Preopened paths are mounted read-only
//   - Host calls are counted and capped per execution
type Executor struct {
	runtime wazero.Runtime
	policy  *security.Policy
	cache   *ModuleCache
	caller  ToolCaller
	logger  *slog.Logger
	auditor security.Auditor

	compileCache wazero.CompilationCache
	compiles     singleflight.Group
	outputLimit  int
}

// NewExecutor builds the runtime, links WASI and the bridge host module, and
// allocates the module cache. caller may be nil, in which case call_tool
// always fails inside the guest.
func NewExecutor(ctx context.Context, policy *security.Policy, caller ToolCaller, opts ...Option) (*Executor, error) {
	if policy == nil {
		policy = security.DefaultPolicy()
	}
	o := options{
		moduleCacheSize: defaultModuleCacheSize,
		outputLimit:     defaultOutputLimit,
		auditor:         security.NopAuditor{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	cache, err := NewModuleCache(o.moduleCacheSize)
	if err != nil {
		return nil, err
	}

	rc := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(policy.MemoryLimitPages()).
		WithCloseOnContextDone(true)

	var compileCache wazero.CompilationCache
	if o.compileCacheDir != "" {
		compileCache, err = wazero.NewCompilationCacheWithDir(o.compileCacheDir)
		if err != nil {
			return nil, &domain.ConfigError{Field: "compilation_cache_dir", Reason: err.Error()}
		}
		rc = rc.WithCompilationCache(compileCache)
	}

	r := wazero.NewRuntimeWithConfig(ctx, rc)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("instantiating WASI: %w", err)
	}
	if _, err := instantiateHostModule(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("instantiating %s host module: %w", HostModule, err)
	}

	if fuel, ok := policy.MaxFuel(); ok {
		o.logger.Warn("fuel metering is not supported by the runtime; execution timeout is the enforced CPU bound",
			slog.Uint64("max_fuel", fuel),
			slog.Duration("execution_timeout", policy.ExecutionTimeout()),
		)
	}
	if policy.AllowNetwork() {
		o.logger.Info("allow_network set; sandboxed code still reaches the network only through bridge host calls")
	}

	return &Executor{
		runtime:      r,
		policy:       policy,
		cache:        cache,
		caller:       caller,
		logger:       o.logger,
		auditor:      o.auditor,
		compileCache: compileCache,
		outputLimit:  o.outputLimit,
	}, nil
}

// Cache exposes the module cache for introspection.
func (e *Executor) Cache() *ModuleCache { return e.cache }

// Policy returns the policy every execution runs under.
func (e *Executor) Policy() *security.Policy { return e.policy }

// Close releases the runtime and every compiled module.
func (e *Executor) Close(ctx context.Context) error {
	e.cache.Clear()
	err := e.runtime.Close(ctx)
	if e.compileCache != nil {
		if cerr := e.compileCache.Close(ctx); err == nil {
			err = cerr
		}
	}
	return err
}

// ExecuteStaged runs bytecode that a collaborator staged in a virtual filesystem.
func (e *Executor) ExecuteStaged(ctx context.Context, fs vfs.Reader, path, entryPoint string, args []string) (*Outcome, error) {
	if !fs.Exists(path) {
		return nil, &domain.NotFoundError{Kind: "staged module", ID: path}
	}
	bytecode, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading staged module %s: %w", path, err)
	}
	return e.Execute(ctx, bytecode, entryPoint, args)
}

// Execute compiles-or-fetches bytecode, instantiates it in a fresh context
// and runs entryPoint to completion, timeout or fault.
func (e *Executor) Execute(ctx context.Context, bytecode []byte, entryPoint string, args []string) (*Outcome, error) {
	if entryPoint == "" {
		entryPoint = WASICommandEntry
	}
	execID := uuid.NewString()
	key := KeyForCode(bytecode)
	start := time.Now()

	out, err := e.execute(ctx, execID, key, bytecode, entryPoint, args)

	ev := security.AuditEvent{
		CorrelationID: execID,
		Action:        "execute",
		Module:        string(key),
		Details:       map[string]any{"entry_point": entryPoint},
		Result:        security.ResultSuccess,
		DurationMS:    time.Since(start).Milliseconds(),
	}
	if err != nil {
		ev.Result = security.ResultFailure
		if errors.Is(err, domain.ErrSecurityViolation) {
			ev.Result = security.ResultDenied
		}
		ev.Error = err.Error()
		ev.Details["error_kind"] = domain.Kind(err)
		e.logger.WarnContext(ctx, "sandbox execution failed",
			slog.String("execution_id", execID),
			slog.String("module", string(key)),
			slog.String("entry_point", entryPoint),
			slog.String("kind", domain.Kind(err)),
			slog.String("error", err.Error()),
		)
	} else {
		ev.Details["host_calls"] = out.HostCalls
		ev.Details["cache_hit"] = out.CacheHit
		e.logger.InfoContext(ctx, "sandbox execution completed",
			slog.String("execution_id", execID),
			slog.String("module", string(key)),
			slog.String("entry_point", entryPoint),
			slog.Uint64("exit_code", uint64(out.ExitCode)),
			slog.Duration("elapsed", out.Elapsed),
			slog.Bool("cache_hit", out.CacheHit),
			slog.Int("host_calls", out.HostCalls),
			slog.Uint64("memory_bytes", out.MemoryUsageBytes),
		)
	}
	if aerr := e.auditor.LogAction(ctx, ev); aerr != nil {
		e.logger.ErrorContext(ctx, "audit log failed", slog.String("error", aerr.Error()))
	}
	return out, err
}

// callResult carries the entry point's outcome out of the worker goroutine.
type callResult struct {
	results  []uint64
	exitCode uint32
	memBytes uint64
	stdout   string
	stderr   string
	elapsed  time.Duration
	err      error
}

func (e *Executor) execute(ctx context.Context, execID string, key Key, bytecode []byte, entryPoint string, args []string) (*Outcome, error) {
	// Created -> Compiled.
	compileStart := time.Now()
	mod, hit, err := e.module(ctx, key, bytecode)
	if err != nil {
		return nil, err
	}
	compileTime := time.Since(compileStart)
	released := false
	defer func() {
		if !released {
			mod.Release()
		}
	}()

	timeout := e.policy.ExecutionTimeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	deadline, _ := runCtx.Deadline()

	maxCalls := -1
	if n, ok := e.policy.MaxHostCalls(); ok {
		maxCalls = n
	}
	st := &execState{
		id:       execID,
		server:   e.caller,
		logger:   e.logger,
		deadline: deadline,
		maxCalls: maxCalls,
	}
	runCtx = withExecState(runCtx, st)

	// Compiled -> Instantiated.
	var stdout, stderr bytes.Buffer
	stdoutW := &limitedWriter{w: &stdout, remaining: e.outputLimit}
	stderrW := &limitedWriter{w: &stderr, remaining: e.outputLimit}
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions().
		WithArgs(append([]string{entryPoint}, args...)...).
		WithStdout(stdoutW).
		WithStderr(stderrW)
	if paths := e.policy.PreopenedPaths(); len(paths) > 0 {
		fsCfg := wazero.NewFSConfig()
		for _, p := range paths {
			fsCfg = fsCfg.WithReadOnlyDirMount(p, p)
		}
		cfg = cfg.WithFSConfig(fsCfg)
	}

	inst, err := e.runtime.InstantiateModule(runCtx, mod.Compiled(), cfg)
	if err != nil {
		if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, &domain.TimeoutError{Operation: "execute", Duration: timeout}
		}
		return nil, &domain.InstantiationError{Err: err}
	}

	fn := inst.ExportedFunction(entryPoint)
	if fn == nil {
		_ = inst.Close(ctx)
		return nil, &domain.InstantiationError{Err: fmt.Errorf("entry point %q is not exported", entryPoint)}
	}
	var params []uint64
	if entryPoint != WASICommandEntry {
		params, err = encodeArgs(fn.Definition().ParamTypes(), args)
		if err != nil {
			_ = inst.Close(ctx)
			return nil, err
		}
	}

	// Instantiated -> Running. The worker owns the instance and the module
	// reference from here on; on timeout it finishes closing them alone.
	released = true
	done := make(chan callResult, 1)
	go func() {
		defer mod.Release()
		defer func() { _ = inst.Close(context.Background()) }()

		callStart := time.Now()
		results, callErr := fn.Call(runCtx, params...)
		res := callResult{results: results, elapsed: time.Since(callStart), err: callErr}
		if mem := inst.Memory(); mem != nil {
			res.memBytes = uint64(mem.Size())
		}
		res.stdout, res.stderr = stdout.String(), stderr.String()
		if stdoutW.truncated() || stderrW.truncated() {
			e.logger.Debug("sandbox output truncated",
				slog.String("execution_id", execID),
				slog.Int("limit_bytes", e.outputLimit),
			)
		}
		done <- res
	}()

	var res callResult
	select {
	case res = <-done:
	case <-runCtx.Done():
		// The runtime closes the instance on context expiry; a host call
		// blocked in a transport that ignores cancellation must not hold
		// the caller past the deadline.
		select {
		case res = <-done:
		case <-time.After(timeoutGrace):
			if v := st.violation.Load(); v != nil {
				return nil, v
			}
			return nil, contextError(ctx, timeout)
		}
	}

	if v := st.violation.Load(); v != nil {
		return nil, v
	}

	out := &Outcome{
		ExecutionID:      execID,
		Results:          res.results,
		Stdout:           res.stdout,
		Stderr:           res.stderr,
		Elapsed:          res.elapsed,
		CompileTime:      compileTime,
		CacheHit:         hit,
		MemoryUsageBytes: res.memBytes,
		HostCalls:        int(st.calls.Load()),
	}

	if res.err != nil {
		var exitErr *sys.ExitError
		if errors.As(res.err, &exitErr) {
			switch exitErr.ExitCode() {
			case sys.ExitCodeDeadlineExceeded:
				return nil, &domain.TimeoutError{Operation: "execute", Duration: timeout}
			case sys.ExitCodeContextCanceled:
				return nil, contextError(ctx, timeout)
			}
			// proc_exit: a non-zero status is a result, not an error.
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		if runCtx.Err() != nil {
			return nil, contextError(ctx, timeout)
		}
		return nil, &domain.ExecutionError{Entry: entryPoint, Err: res.err}
	}

	if len(res.results) > 0 {
		out.ExitValue = decodeValue(fn.Definition().ResultTypes()[0], res.results[0])
	}
	return out, nil
}

// timeoutGrace bounds how long Execute waits for the worker after the
// deadline before returning without it.
const timeoutGrace = 250 * time.Millisecond

// contextError maps an expired execution context: a caller cancellation
// stays a cancellation, everything else is the execution deadline.
func contextError(parent context.Context, timeout time.Duration) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return fmt.Errorf("execution cancelled: %w", parent.Err())
	}
	return &domain.TimeoutError{Operation: "execute", Duration: timeout}
}

// module returns a retained compiled module for key, compiling on a miss.
// Concurrent misses on the same key compile once.
func (e *Executor) module(ctx context.Context, key Key, bytecode []byte) (*Module, bool, error) {
	if m, ok := e.cache.acquire(key); ok {
		return m, true, nil
	}
	for attempt := 0; attempt < 3; attempt++ {
		v, err, _ := e.compiles.Do(string(key), func() (any, error) {
			if m, ok := e.cache.Get(key); ok {
				return m, nil
			}
			// Joiners share this compile; the leader's cancellation must not fail them.
			compiled, err := e.runtime.CompileModule(context.WithoutCancel(ctx), bytecode)
			if err != nil {
				if isMemoryLimitError(err) {
					return nil, &domain.InstantiationError{Err: fmt.Errorf("module %s exceeds the %d MiB memory limit: %w",
						key, e.policy.MemoryLimitBytes()>>20, err)}
				}
				return nil, &domain.CompilationError{Key: string(key), Err: err}
			}
			m := NewModule(compiled)
			e.cache.Insert(key, m)
			e.logger.Debug("module compiled",
				slog.String("module", string(key)),
				slog.Int("size_bytes", len(bytecode)),
			)
			return m, nil
		})
		if err != nil {
			return nil, false, err
		}
		if m := v.(*Module); m.retain() {
			return m, false, nil
		}
		// Evicted and closed between insert and retain; compile again.
	}
	return nil, false, &domain.CompilationError{Key: string(key), Err: errors.New("module evicted before use; module cache too small")}
}

// isMemoryLimitError reports whether wazero rejected a well-formed module
// because its declared memory exceeds the runtime's page limit.
func isMemoryLimitError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "section memory") && strings.Contains(msg, "over limit")
}

// encodeArgs converts textual arguments to the entry point's parameter types.
func encodeArgs(types []api.ValueType, args []string) ([]uint64, error) {
	if len(types) != len(args) {
		return nil, &domain.ValidationError{
			Field:  "args",
			Reason: fmt.Sprintf("entry point takes %d parameters, got %d", len(types), len(args)),
		}
	}
	params := make([]uint64, len(args))
	for i, a := range args {
		var err error
		switch types[i] {
		case api.ValueTypeI32:
			var v int64
			if v, err = strconv.ParseInt(a, 10, 32); err == nil {
				params[i] = api.EncodeI32(int32(v))
			}
		case api.ValueTypeI64:
			var v int64
			if v, err = strconv.ParseInt(a, 10, 64); err == nil {
				params[i] = api.EncodeI64(v)
			}
		case api.ValueTypeF32:
			var v float64
			if v, err = strconv.ParseFloat(a, 32); err == nil {
				params[i] = api.EncodeF32(float32(v))
			}
		case api.ValueTypeF64:
			var v float64
			if v, err = strconv.ParseFloat(a, 64); err == nil {
				params[i] = api.EncodeF64(v)
			}
		default:
			err = fmt.Errorf("unsupported parameter type %s", api.ValueTypeName(types[i]))
		}
		if err != nil {
			return nil, &domain.ValidationError{Field: fmt.Sprintf("args[%d]", i), Reason: err.Error()}
		}
	}
	return params, nil
}

func decodeValue(t api.ValueType, v uint64) any {
	switch t {
	case api.ValueTypeI32:
		return api.DecodeI32(v)
	case api.ValueTypeI64:
		return int64(v)
	case api.ValueTypeF32:
		return api.DecodeF32(v)
	case api.ValueTypeF64:
		return api.DecodeF64(v)
	default:
		return v
	}
}
