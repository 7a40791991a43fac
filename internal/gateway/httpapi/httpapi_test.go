package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/wasmbridge/internal/bridge"
	"github.com/jkaninda/wasmbridge/internal/digest"
	"github.com/jkaninda/wasmbridge/internal/domain"
	"github.com/jkaninda/wasmbridge/internal/ratelimit"
	"github.com/jkaninda/wasmbridge/internal/sandbox"
	"github.com/jkaninda/wasmbridge/internal/storage"
	"github.com/jkaninda/wasmbridge/internal/vfs"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Fakes ---

type stubExecutor struct {
	mu         sync.Mutex
	lastCode   []byte
	lastEntry  string
	lastArgs   []string
	stagedPath string
	err        error
}

func (e *stubExecutor) Execute(_ context.Context, bytecode []byte, entryPoint string, args []string) (*sandbox.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastCode, e.lastEntry, e.lastArgs = bytecode, entryPoint, args
	if e.err != nil {
		return nil, e.err
	}
	return &sandbox.Outcome{
		ExecutionID:      "exec-1",
		ExitValue:        int32(42),
		Stdout:           "hello\n",
		Elapsed:          1500 * time.Microsecond,
		CompileTime:      3 * time.Millisecond,
		MemoryUsageBytes: 2 << 20,
		HostCalls:        2,
	}, nil
}

func (e *stubExecutor) ExecuteStaged(ctx context.Context, fs vfs.Reader, path, entryPoint string, args []string) (*sandbox.Outcome, error) {
	e.mu.Lock()
	e.stagedPath = path
	e.mu.Unlock()
	if !fs.Exists(path) {
		return nil, &domain.NotFoundError{Kind: "staged module", ID: path}
	}
	code, err := fs.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, code, entryPoint, args)
}

type stubTransport struct{ fail bool }

func (s stubTransport) CallTool(_ context.Context, tool string, params json.RawMessage) (json.RawMessage, error) {
	if s.fail {
		return nil, &bridge.ToolError{Tool: tool, Message: "boom"}
	}
	return json.RawMessage(fmt.Sprintf(`{"tool":%q,"params":%s}`, tool, params)), nil
}

func (stubTransport) ListTools(context.Context) ([]bridge.ToolInfo, error) {
	return []bridge.ToolInfo{{Name: "read"}, {Name: "fail"}}, nil
}

func (stubTransport) Close() error { return nil }

func newStubBridge(t *testing.T, opts ...bridge.Option) *bridge.Bridge {
	t.Helper()
	opts = append([]bridge.Option{
		bridge.WithLogger(discardLogger()),
		bridge.WithDialer(bridge.DialerFunc(
			func(_ context.Context, id string, _ bridge.LaunchSpec) (bridge.Transport, error) {
				return stubTransport{fail: id == "broken"}, nil
			})),
	}, opts...)
	b, err := bridge.NewWithLimits(8, 2, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// memArtifacts is an in-memory storage.ArtifactStore.
type memArtifacts struct {
	mu    sync.Mutex
	items map[string]*storage.Artifact
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{items: map[string]*storage.Artifact{}}
}

func (m *memArtifacts) Put(_ context.Context, name string, content []byte, labels map[string]string) (*storage.ArtifactInfo, error) {
	if name == "" {
		return nil, &domain.ValidationError{Field: "name", Reason: "is required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a := &storage.Artifact{
		ArtifactInfo: storage.ArtifactInfo{Name: name, Digest: digest.Sum(content), Size: int64(len(content)), Labels: labels},
		Content:      content,
	}
	m.items[name] = a
	info := a.ArtifactInfo
	return &info, nil
}

func (m *memArtifacts) find(ref string) (*storage.Artifact, bool) {
	if a, ok := m.items[ref]; ok {
		return a, true
	}
	for _, a := range m.items {
		if a.Digest.String() == ref {
			return a, true
		}
	}
	return nil, false
}

func (m *memArtifacts) Get(_ context.Context, ref string) (*storage.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.find(ref)
	if !ok {
		return nil, &domain.NotFoundError{Kind: "artifact", ID: ref}
	}
	return a, nil
}

func (m *memArtifacts) Stat(ctx context.Context, ref string) (*storage.ArtifactInfo, error) {
	a, err := m.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &a.ArtifactInfo, nil
}

func (m *memArtifacts) List(context.Context) ([]storage.ArtifactInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.ArtifactInfo, 0, len(m.items))
	for _, a := range m.items {
		out = append(out, a.ArtifactInfo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memArtifacts) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.find(ref)
	if !ok {
		return &domain.NotFoundError{Kind: "artifact", ID: ref}
	}
	delete(m.items, a.Name)
	return nil
}

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

type fixture struct {
	svc       *Service
	exec      *stubExecutor
	bridge    *bridge.Bridge
	artifacts *memArtifacts
}

func newFixture(t *testing.T, opts ...bridge.Option) *fixture {
	t.Helper()
	f := &fixture{exec: &stubExecutor{}, bridge: newStubBridge(t, opts...), artifacts: newMemArtifacts()}
	f.svc = NewService(f.exec, f.bridge, f.artifacts, discardLogger())
	return f
}

// --- Execute ---

func TestExecute_InlineModule(t *testing.T) {
	f := newFixture(t)
	resp, err := f.svc.Execute(context.Background(), &ExecuteRequest{
		Module:     b64(wasmHeader),
		EntryPoint: "add",
		Args:       []string{"1", "2"},
	}, "corr-1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(f.exec.lastCode) != string(wasmHeader) || f.exec.lastEntry != "add" || len(f.exec.lastArgs) != 2 {
		t.Errorf("executor saw code=%x entry=%q args=%v", f.exec.lastCode, f.exec.lastEntry, f.exec.lastArgs)
	}
	if resp.CorrelationID != "corr-1" || resp.ExecutionID != "exec-1" {
		t.Errorf("ids = %q/%q", resp.CorrelationID, resp.ExecutionID)
	}
	if resp.ExitValue != int32(42) || resp.Stdout != "hello\n" || resp.HostCalls != 2 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.ElapsedMS != 1 || resp.CompileMS != 3 || resp.MemoryUsageMB != 2 {
		t.Errorf("timings = %d/%d/%v", resp.ElapsedMS, resp.CompileMS, resp.MemoryUsageMB)
	}
}

func TestExecute_FromArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	info, err := f.svc.PutArtifact(ctx, &PutArtifactRequest{Name: "app.wasm", Content: b64(wasmHeader)})
	if err != nil {
		t.Fatal(err)
	}

	for _, ref := range []string{"app.wasm", info.Digest.String()} {
		if _, err := f.svc.Execute(ctx, &ExecuteRequest{Artifact: ref}, "c"); err != nil {
			t.Errorf("Execute(%q): %v", ref, err)
		}
	}
	if _, err := f.svc.Execute(ctx, &ExecuteRequest{Artifact: "missing.wasm"}, "c"); statusFor(err) != http.StatusNotFound {
		t.Errorf("missing artifact status = %d", statusFor(err))
	}
}

func TestExecute_Staged(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Execute(context.Background(), &ExecuteRequest{
		Files: []StagedFile{
			{Path: "lib/helper.txt", Content: b64([]byte("x"))},
			{Path: "out/main.wasm", Content: b64(wasmHeader)},
		},
		Path: "out/main.wasm",
	}, "c")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if f.exec.stagedPath != "out/main.wasm" || string(f.exec.lastCode) != string(wasmHeader) {
		t.Errorf("staged path=%q code=%x", f.exec.stagedPath, f.exec.lastCode)
	}

	_, err = f.svc.Execute(context.Background(), &ExecuteRequest{
		Files: []StagedFile{{Path: "../escape.wasm", Content: b64(wasmHeader)}},
		Path:  "../escape.wasm",
	}, "c")
	if err == nil {
		t.Error("expected escaping path to be rejected")
	}
}

func TestExecute_RequestValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  ExecuteRequest
	}{
		{"no source", ExecuteRequest{}},
		{"two sources", ExecuteRequest{Module: b64(wasmHeader), Artifact: "app.wasm"}},
		{"bad base64", ExecuteRequest{Module: "!!!"}},
		{"files without path", ExecuteRequest{Module: b64(wasmHeader), Files: []StagedFile{{Path: "a", Content: ""}}}},
		{"bad staged content", ExecuteRequest{Path: "a.wasm", Files: []StagedFile{{Path: "a.wasm", Content: "%%"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Execute(context.Background(), &tt.req, "c")
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("error = %v, want validation error", err)
			}
			if statusFor(err) != http.StatusBadRequest {
				t.Errorf("status = %d", statusFor(err))
			}
		})
	}
}

func TestExecute_ErrorPassesThrough(t *testing.T) {
	f := newFixture(t)
	f.exec.err = &domain.TimeoutError{Operation: "execution", Duration: time.Second}
	_, err := f.svc.Execute(context.Background(), &ExecuteRequest{Module: b64(wasmHeader)}, "c")
	if statusFor(err) != http.StatusGatewayTimeout {
		t.Errorf("status = %d, err = %v", statusFor(err), err)
	}
}

func TestExecute_NoArtifactStore(t *testing.T) {
	svc := NewService(&stubExecutor{}, newStubBridge(t), nil, nil)
	_, err := svc.Execute(context.Background(), &ExecuteRequest{Artifact: "app.wasm"}, "c")
	if !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("error = %v", err)
	}
	if statusFor(err) != http.StatusServiceUnavailable {
		t.Errorf("status = %d", statusFor(err))
	}
}

// --- Tools and servers ---

func TestConnectCallDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.svc.Connect(ctx, &ConnectRequest{ID: "fs", LaunchSpec: bridge.LaunchSpec{Command: "fs-server"}})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if info.ID != "fs" || info.Transport != bridge.TransportStdio {
		t.Errorf("info = %+v", info)
	}

	resp, err := f.svc.CallTool(ctx, &CallToolRequest{Server: "fs", Tool: "read", Arguments: json.RawMessage(`{"path":"/x"}`)}, "c")
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if string(resp.Result) != `{"tool":"read","params":{"path":"/x"}}` {
		t.Errorf("result = %s", resp.Result)
	}

	tools, err := f.svc.Tools(ctx, "fs")
	if err != nil || len(tools) != 2 {
		t.Errorf("Tools = %v, %v", tools, err)
	}

	if err := f.svc.Disconnect("fs"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if len(f.svc.Servers()) != 0 {
		t.Error("server should be gone")
	}
	if err := f.svc.Disconnect("fs"); statusFor(err) != http.StatusNotFound {
		t.Errorf("second Disconnect status = %d", statusFor(err))
	}
}

func TestConnect_RejectedCommand(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Connect(context.Background(), &ConnectRequest{ID: "evil", LaunchSpec: bridge.LaunchSpec{Command: "sh -c 'rm -rf /'"}})
	if statusFor(err) != http.StatusForbidden {
		t.Errorf("status = %d, err = %v", statusFor(err), err)
	}
}

func TestConnect_Capacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := f.svc.Connect(ctx, &ConnectRequest{ID: id, LaunchSpec: bridge.LaunchSpec{Command: "srv"}}); err != nil {
			t.Fatal(err)
		}
	}
	_, err := f.svc.Connect(ctx, &ConnectRequest{ID: "c", LaunchSpec: bridge.LaunchSpec{Command: "srv"}})
	if statusFor(err) != http.StatusServiceUnavailable {
		t.Errorf("status = %d, err = %v", statusFor(err), err)
	}
}

func TestCallTool_Errors(t *testing.T) {
	f := newFixture(t, bridge.WithRateLimiter(ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1})))
	ctx := context.Background()

	if _, err := f.svc.CallTool(ctx, &CallToolRequest{Tool: "read"}, "c"); statusFor(err) != http.StatusBadRequest {
		t.Errorf("missing server status = %d", statusFor(err))
	}
	if _, err := f.svc.CallTool(ctx, &CallToolRequest{Server: "nope", Tool: "read"}, "c"); statusFor(err) != http.StatusBadGateway {
		t.Errorf("unconnected status = %d", statusFor(err))
	}

	if _, err := f.svc.Connect(ctx, &ConnectRequest{ID: "broken", LaunchSpec: bridge.LaunchSpec{Command: "srv"}}); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.CallTool(ctx, &CallToolRequest{Server: "broken", Tool: "fail"}, "c")
	if statusFor(err) != http.StatusBadGateway || errorBody(err).Kind != "tool_error" {
		t.Errorf("tool error status = %d body = %+v", statusFor(err), errorBody(err))
	}

	_, err = f.svc.CallTool(ctx, &CallToolRequest{Server: "broken", Tool: "fail"}, "c")
	if statusFor(err) != http.StatusTooManyRequests {
		t.Errorf("rate limited status = %d, err = %v", statusFor(err), err)
	}
}

// --- Cache ---

func TestCache_StatsAndClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Connect(ctx, &ConnectRequest{ID: "fs", LaunchSpec: bridge.LaunchSpec{Command: "srv"}}); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if _, err := f.svc.CallTool(ctx, &CallToolRequest{Server: "fs", Tool: "read"}, "c"); err != nil {
			t.Fatal(err)
		}
	}

	c := f.svc.Cache()
	if !c.Enabled || c.Size != 1 || c.Hits != 1 || c.Misses != 1 || c.Capacity != 8 {
		t.Errorf("cache = %+v", c)
	}
	if c.UsagePercent != 12.5 {
		t.Errorf("usage = %v", c.UsagePercent)
	}

	f.svc.ClearCache()
	if f.svc.Cache().Size != 0 {
		t.Error("cache should be empty after clear")
	}
}

// --- Artifacts ---

func TestArtifacts_PutListDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.PutArtifact(ctx, &PutArtifactRequest{Name: "a.wasm", Content: "not base64!"}); statusFor(err) != http.StatusBadRequest {
		t.Errorf("bad content status = %d", statusFor(err))
	}
	info, err := f.svc.PutArtifact(ctx, &PutArtifactRequest{Name: "a.wasm", Content: b64(wasmHeader), Labels: map[string]string{"v": "1"}})
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != int64(len(wasmHeader)) {
		t.Errorf("size = %d", info.Size)
	}

	list, err := f.svc.ListArtifacts(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %v, %v", list, err)
	}
	if err := f.svc.DeleteArtifact(ctx, "a.wasm"); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.DeleteArtifact(ctx, "a.wasm"); statusFor(err) != http.StatusNotFound {
		t.Errorf("second delete status = %d", statusFor(err))
	}
}

// --- Error mapping ---

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{&domain.ValidationError{Field: "x"}, http.StatusBadRequest},
		{&domain.SerializationError{Format: "json", Err: errors.New("eof")}, http.StatusBadRequest},
		{&domain.SecurityViolationError{Reason: "nope"}, http.StatusForbidden},
		{&domain.SecurityViolationError{Reason: "slow down", Err: ratelimit.ErrRateLimited}, http.StatusTooManyRequests},
		{&domain.NotFoundError{Kind: "artifact", ID: "x"}, http.StatusNotFound},
		{&domain.CompilationError{Err: errors.New("bad magic")}, http.StatusUnprocessableEntity},
		{&domain.InstantiationError{Err: errors.New("missing import")}, http.StatusUnprocessableEntity},
		{&domain.ExecutionError{Err: errors.New("unreachable")}, http.StatusUnprocessableEntity},
		{&domain.TimeoutError{Operation: "call_tool", Duration: time.Second}, http.StatusGatewayTimeout},
		{&domain.ConnectionFailedError{Server: "s", Err: domain.ErrCapacityExceeded}, http.StatusServiceUnavailable},
		{&domain.ConnectionFailedError{Server: "s", Err: errors.New("refused")}, http.StatusBadGateway},
		{&bridge.ToolError{Tool: "t", Message: "m"}, http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestErrorBody_HidesInternalErrors(t *testing.T) {
	body := errorBody(errors.New("password=hunter2"))
	if body.Error != "internal error" || body.Kind != "internal" {
		t.Errorf("body = %+v", body)
	}
	body = errorBody(&domain.NotFoundError{Kind: "artifact", ID: "x"})
	if body.Kind != "resource_not_found" {
		t.Errorf("kind = %q", body.Kind)
	}
}

// --- Authentication ---

func TestLookupKey(t *testing.T) {
	g := NewGateway(Config{APIKeys: map[string]string{"secret-1": "alice", "secret-2": "bob"}}, nil, nil, discardLogger())

	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer secret-1", "alice", true},
		{"Bearer secret-2", "bob", true},
		{"Bearer secret-3", "", false},
		{"secret-1", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := g.lookupKey(tt.header)
		if got != tt.want || ok != tt.ok {
			t.Errorf("lookupKey(%q) = %q, %v", tt.header, got, ok)
		}
	}
}

func TestNewGateway_DefaultBodyLimit(t *testing.T) {
	g := NewGateway(Config{}, nil, nil, discardLogger())
	if g.config.MaxRequestSize != defaultMaxRequestSize {
		t.Errorf("MaxRequestSize = %d", g.config.MaxRequestSize)
	}
	if err := g.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}
