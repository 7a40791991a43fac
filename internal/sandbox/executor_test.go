package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/wasmbridge/internal/domain"
	"github.com/jkaninda/wasmbridge/internal/security"
	"github.com/jkaninda/wasmbridge/internal/vfs"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCaller struct {
	mu     sync.Mutex
	calls  []string
	params []string
	result json.RawMessage
	err    error
}

func (f *fakeCaller) CallTool(_ context.Context, server, tool string, params json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, server+"/"+tool)
	f.params = append(f.params, string(params))
	return f.result, f.err
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []security.AuditEvent
}

func (a *recordingAuditor) LogAction(_ context.Context, ev security.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func newTestExecutor(t *testing.T, b *security.PolicyBuilder, caller ToolCaller, opts ...Option) *Executor {
	t.Helper()
	if b == nil {
		b = security.NewPolicyBuilder()
	}
	policy, err := b.Build()
	if err != nil {
		t.Fatalf("Build policy: %v", err)
	}
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	ex, err := NewExecutor(context.Background(), policy, caller, opts...)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	t.Cleanup(func() { _ = ex.Close(context.Background()) })
	return ex
}

// --- Execute ---

func TestExecute_ReturnsEntryValue(t *testing.T) {
	ex := newTestExecutor(t, nil, nil)

	out, err := ex.Execute(context.Background(), addModule(), "add", []string{"2", "40"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if v, ok := out.ExitValue.(int32); !ok || v != 42 {
		t.Errorf("ExitValue = %#v, want int32(42)", out.ExitValue)
	}
	if out.ExecutionID == "" {
		t.Error("ExecutionID should be set")
	}
	if out.HostCalls != 0 {
		t.Errorf("HostCalls = %d", out.HostCalls)
	}
}

func TestExecute_ColdThenWarmCache(t *testing.T) {
	ex := newTestExecutor(t, nil, nil)
	code := addModule()

	cold, err := ex.Execute(context.Background(), code, "add", []string{"1", "1"})
	if err != nil {
		t.Fatalf("cold Execute: %v", err)
	}
	if cold.CacheHit {
		t.Error("first execution should miss the cache")
	}
	if ex.Cache().Len() != 1 {
		t.Fatalf("cache Len after cold run = %d, want 1", ex.Cache().Len())
	}

	warm, err := ex.Execute(context.Background(), code, "add", []string{"2", "2"})
	if err != nil {
		t.Fatalf("warm Execute: %v", err)
	}
	if !warm.CacheHit {
		t.Error("second execution should hit the cache")
	}
	if warm.CompileTime >= cold.CompileTime {
		t.Errorf("warm compile-or-fetch %s should be faster than cold %s", warm.CompileTime, cold.CompileTime)
	}
	if ex.Cache().Len() != 1 {
		t.Errorf("cache Len after warm run = %d, want 1", ex.Cache().Len())
	}
}

func TestExecute_Timeout(t *testing.T) {
	ex := newTestExecutor(t, security.NewPolicyBuilder().ExecutionTimeout(time.Second), nil)

	start := time.Now()
	_, err := ex.Execute(context.Background(), spinModule(), "spin", nil)
	elapsed := time.Since(start)

	var te *domain.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want TimeoutError", err)
	}
	if te.Duration != time.Second || te.Operation != "execute" {
		t.Errorf("TimeoutError = %+v", te)
	}
	if elapsed > 3*time.Second {
		t.Errorf("timeout took %s, want <= 3s", elapsed)
	}
}

func TestExecute_MemoryLimit(t *testing.T) {
	ex := newTestExecutor(t, security.NewPolicyBuilder().MemoryLimitMB(1), nil)
	code := growModule()

	out, err := ex.Execute(context.Background(), code, "grow", nil)
	if err != nil {
		t.Fatalf("Execute grow: %v", err)
	}
	if v := out.ExitValue.(int32); v != -1 {
		t.Errorf("memory.grow past the limit returned %d, want -1", v)
	}
	if out.MemoryUsageBytes > 1<<20 {
		t.Errorf("memory grew to %d bytes, limit is 1 MB", out.MemoryUsageBytes)
	}

	_, err = ex.Execute(context.Background(), code, "grow_or_trap", nil)
	if !errors.Is(err, domain.ErrExecution) {
		t.Fatalf("error = %v, want execution fault", err)
	}
	if errors.Is(err, domain.ErrTimeout) || errors.Is(err, domain.ErrCompilation) {
		t.Error("execution fault must be distinguishable from timeout and compilation errors")
	}
}

func TestExecute_HostCallBudget(t *testing.T) {
	ex := newTestExecutor(t, security.NewPolicyBuilder().MaxHostCalls(5).ExecutionTimeout(5*time.Second), nil)

	_, err := ex.Execute(context.Background(), chattyModule(), "chatty", nil)
	if !errors.Is(err, domain.ErrSecurityViolation) {
		t.Fatalf("error = %v, want security violation", err)
	}
	if !errors.Is(err, security.ErrHostCallBudget) {
		t.Errorf("error = %v, want ErrHostCallBudget", err)
	}
}

func TestExecute_CallTool(t *testing.T) {
	caller := &fakeCaller{result: json.RawMessage(`{"ok":true}`)}
	ex := newTestExecutor(t, nil, caller)

	out, err := ex.Execute(context.Background(), toolModule(), "invoke", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := out.ExitValue.(int32); got != int32(len(`{"ok":true}`)) {
		t.Errorf("call_tool returned %d", got)
	}
	if len(caller.calls) != 1 || caller.calls[0] != "srv/echo" {
		t.Errorf("calls = %v", caller.calls)
	}
	if caller.params[0] != `{"x":1}` {
		t.Errorf("params = %s", caller.params[0])
	}
	if out.HostCalls != 1 {
		t.Errorf("HostCalls = %d, want 1", out.HostCalls)
	}

	out, err = ex.Execute(context.Background(), toolModule(), "invoke_and_read", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := out.ExitValue.(int32); got != int32(len(`{"ok":true}`)) {
		t.Errorf("read_result copied %d bytes", got)
	}
	if out.HostCalls != 2 {
		t.Errorf("HostCalls = %d, want 2", out.HostCalls)
	}
}

func TestExecute_CallToolError(t *testing.T) {
	caller := &fakeCaller{err: &domain.ConnectionFailedError{Server: "srv"}}
	ex := newTestExecutor(t, nil, caller)

	out, err := ex.Execute(context.Background(), toolModule(), "invoke", nil)
	if err != nil {
		t.Fatalf("a failed tool call is reported to the guest, not as an execution error: %v", err)
	}
	if got := out.ExitValue.(int32); got != -1 {
		t.Errorf("call_tool returned %d, want -1", got)
	}
}

func TestExecute_CallToolWithoutBridge(t *testing.T) {
	ex := newTestExecutor(t, nil, nil)
	out, err := ex.Execute(context.Background(), toolModule(), "invoke", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := out.ExitValue.(int32); got != -1 {
		t.Errorf("call_tool returned %d, want -1", got)
	}
}

func TestExecute_DeadlineHostCall(t *testing.T) {
	ex := newTestExecutor(t, security.NewPolicyBuilder().ExecutionTimeout(10*time.Second), nil)
	out, err := ex.Execute(context.Background(), deadlineModule(), "left", nil)
	if err != nil {
		t.Fatal(err)
	}
	left := out.ExitValue.(int64)
	if left <= 0 || left > 10_000 {
		t.Errorf("deadline_ms = %d, want (0, 10000]", left)
	}
}

func TestExecute_WASIExitCode(t *testing.T) {
	ex := newTestExecutor(t, nil, nil)
	out, err := ex.Execute(context.Background(), exitModule(), "", nil)
	if err != nil {
		t.Fatalf("a non-zero exit is a result: %v", err)
	}
	if out.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", out.ExitCode)
	}
}

// --- Failure families ---

func TestExecute_CompilationError(t *testing.T) {
	ex := newTestExecutor(t, nil, nil)
	_, err := ex.Execute(context.Background(), []byte("not wasm"), "run", nil)
	if !errors.Is(err, domain.ErrCompilation) {
		t.Fatalf("error = %v, want compilation error", err)
	}
	if ex.Cache().Len() != 0 {
		t.Error("failed compilation must not populate the cache")
	}
}

func TestExecute_DeclaredMemoryOverLimit(t *testing.T) {
	code := bigMemoryModule()

	small := newTestExecutor(t, security.NewPolicyBuilder().MemoryLimitMB(1), nil)
	_, err := small.Execute(context.Background(), code, "run", nil)
	if !errors.Is(err, domain.ErrInstantiation) || errors.Is(err, domain.ErrCompilation) {
		t.Fatalf("error = %v, want instantiation error", err)
	}
	if small.Cache().Len() != 0 {
		t.Error("a module over the memory limit must not be cached")
	}

	// The same bytes are valid under the default limit.
	if _, err := newTestExecutor(t, nil, nil).Execute(context.Background(), code, "run", nil); err != nil {
		t.Fatalf("default policy: %v", err)
	}
}

func TestModule_CompileIgnoresCallerCancellation(t *testing.T) {
	ex := newTestExecutor(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code := addModule()
	m, hit, err := ex.module(ctx, KeyForCode(code), code)
	if err != nil {
		t.Fatalf("module: %v", err)
	}
	defer m.Release()
	if hit || !ex.Cache().Contains(KeyForCode(code)) {
		t.Errorf("hit = %v, cached = %v; want a fresh cached compile", hit, ex.Cache().Contains(KeyForCode(code)))
	}
}

func TestExecute_UnsupportedImport(t *testing.T) {
	ex := newTestExecutor(t, nil, nil)
	_, err := ex.Execute(context.Background(), missingImportModule(), "run", nil)
	if !errors.Is(err, domain.ErrInstantiation) {
		t.Fatalf("error = %v, want instantiation error", err)
	}
}

func TestExecute_MissingEntryPoint(t *testing.T) {
	ex := newTestExecutor(t, nil, nil)
	_, err := ex.Execute(context.Background(), addModule(), "sub", nil)
	if !errors.Is(err, domain.ErrInstantiation) {
		t.Fatalf("error = %v, want instantiation error", err)
	}
}

func TestExecute_BadArguments(t *testing.T) {
	ex := newTestExecutor(t, nil, nil)
	for _, args := range [][]string{{"1"}, {"1", "x"}, {"1", "99999999999"}} {
		_, err := ex.Execute(context.Background(), addModule(), "add", args)
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("args %v: error = %v, want validation error", args, err)
		}
	}
}

// --- Concurrency ---

func TestExecute_ConcurrentIsolated(t *testing.T) {
	ex := newTestExecutor(t, nil, nil)
	code := addModule()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := ex.Execute(context.Background(), code, "add", []string{"20", "22"})
			if err != nil {
				errs <- err
				return
			}
			if out.ExitValue.(int32) != 42 {
				errs <- errors.New("wrong result")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if ex.Cache().Len() != 1 {
		t.Errorf("cache Len = %d, want 1", ex.Cache().Len())
	}
}

// --- Staging and audit ---

func TestExecuteStaged(t *testing.T) {
	ex := newTestExecutor(t, nil, nil)
	fs := vfs.NewMemFS()
	if err := fs.Stage([]vfs.File{{Path: "build/add.wasm", Content: addModule()}}); err != nil {
		t.Fatal(err)
	}

	out, err := ex.ExecuteStaged(context.Background(), fs, "build/add.wasm", "add", []string{"3", "4"})
	if err != nil {
		t.Fatalf("ExecuteStaged: %v", err)
	}
	if out.ExitValue.(int32) != 7 {
		t.Errorf("ExitValue = %v", out.ExitValue)
	}

	_, err = ex.ExecuteStaged(context.Background(), fs, "build/missing.wasm", "add", nil)
	if !errors.Is(err, domain.ErrResourceNotFound) {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestExecute_Audited(t *testing.T) {
	aud := &recordingAuditor{}
	ex := newTestExecutor(t, nil, nil, WithAuditor(aud))

	_, _ = ex.Execute(context.Background(), addModule(), "add", []string{"1", "2"})
	_, _ = ex.Execute(context.Background(), []byte("junk"), "add", nil)

	if len(aud.events) != 2 {
		t.Fatalf("events = %d, want 2", len(aud.events))
	}
	if aud.events[0].Result != security.ResultSuccess || aud.events[0].Module != string(KeyForCode(addModule())) {
		t.Errorf("first event = %+v", aud.events[0])
	}
	if aud.events[1].Result != security.ResultFailure || aud.events[1].Details["error_kind"] != "compilation_failed" {
		t.Errorf("second event = %+v", aud.events[1])
	}
}

func TestOutcomeUnits(t *testing.T) {
	o := &Outcome{Elapsed: 1500 * time.Millisecond, MemoryUsageBytes: 2 << 20}
	if o.ElapsedMS() != 1500 {
		t.Errorf("ElapsedMS = %d", o.ElapsedMS())
	}
	if o.MemoryUsageMB() != 2 {
		t.Errorf("MemoryUsageMB = %f", o.MemoryUsageMB())
	}
}

func TestLimitedWriter(t *testing.T) {
	var sink []byte
	w := &limitedWriter{w: writerFunc(func(p []byte) (int, error) {
		sink = append(sink, p...)
		return len(p), nil
	}), remaining: 4}

	n, err := w.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	_, _ = w.Write([]byte("gh"))
	if string(sink) != "abcd" {
		t.Errorf("sink = %q", sink)
	}
	if !w.truncated() {
		t.Error("truncated should be reported")
	}
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
