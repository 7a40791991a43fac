package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jkaninda/wasmbridge/internal/bridge"
	"github.com/jkaninda/wasmbridge/internal/domain"
	"github.com/jkaninda/wasmbridge/internal/observability"
	"github.com/jkaninda/wasmbridge/internal/ratelimit"
	"github.com/jkaninda/wasmbridge/internal/sandbox"
	"github.com/jkaninda/wasmbridge/internal/storage"
	"github.com/jkaninda/wasmbridge/internal/vfs"
)

// ToolBridge is the bridge surface the API drives. *bridge.Bridge and
// *observability.InstrumentedBridge both satisfy it.
type ToolBridge interface {
	CallTool(ctx context.Context, serverID, tool string, params json.RawMessage) (json.RawMessage, error)
	Connect(ctx context.Context, serverID string, spec bridge.LaunchSpec) error
	Disconnect(serverID string)
	ListTools(ctx context.Context, serverID string) ([]bridge.ToolInfo, error)
	Servers() []bridge.ServerInfo
	CacheStats() bridge.CacheStats
	CacheEnabled() bool
	ClearCache()
}

// Service holds the request logic behind the HTTP handlers. Handlers only
// bind, authenticate and render.
type Service struct {
	executor  observability.Executor
	bridge    ToolBridge
	artifacts storage.ArtifactStore // nil = artifact endpoints disabled.
	logger    *slog.Logger
}

// NewService creates the API service. artifacts may be nil.
func NewService(exec observability.Executor, br ToolBridge, artifacts storage.ArtifactStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{executor: exec, bridge: br, artifacts: artifacts, logger: logger}
}

// --- Execute ---

// StagedFile is one file staged before execution. Content is base64.
type StagedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ExecuteRequest is the JSON body for POST /v1/execute. Exactly one of
// Module, Artifact or Path selects the bytecode.
type ExecuteRequest struct {
	Module     string       `json:"module,omitempty"`   // base64 Wasm bytecode
	Artifact   string       `json:"artifact,omitempty"` // stored artifact name or digest
	Files      []StagedFile `json:"files,omitempty"`
	Path       string       `json:"path,omitempty"` // staged file to run
	EntryPoint string       `json:"entry_point,omitempty"`
	Args       []string     `json:"args,omitempty"`
}

// ExecuteResponse is the JSON response for POST /v1/execute.
type ExecuteResponse struct {
	ExecutionID   string  `json:"execution_id"`
	CorrelationID string  `json:"correlation_id"`
	ExitValue     any     `json:"exit_value,omitempty"`
	ExitCode      uint32  `json:"exit_code"`
	Stdout        string  `json:"stdout"`
	Stderr        string  `json:"stderr"`
	ElapsedMS     int64   `json:"elapsed_ms"`
	CompileMS     int64   `json:"compile_ms"`
	CacheHit      bool    `json:"cache_hit"`
	MemoryUsageMB float64 `json:"memory_usage_mb"`
	HostCalls     int     `json:"host_calls"`
}

func (s *Service) Execute(ctx context.Context, req *ExecuteRequest, correlationID string) (*ExecuteResponse, error) {
	sources := 0
	for _, set := range []bool{req.Module != "", req.Artifact != "", req.Path != ""} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return nil, &domain.ValidationError{Field: "module", Reason: "exactly one of module, artifact or path is required"}
	}
	if len(req.Files) > 0 && req.Path == "" {
		return nil, &domain.ValidationError{Field: "files", Reason: "files require path"}
	}

	var (
		out *sandbox.Outcome
		err error
	)
	switch {
	case req.Module != "":
		code, derr := base64.StdEncoding.DecodeString(req.Module)
		if derr != nil {
			return nil, &domain.ValidationError{Field: "module", Reason: "not valid base64"}
		}
		out, err = s.executor.Execute(ctx, code, req.EntryPoint, req.Args)
	case req.Artifact != "":
		if s.artifacts == nil {
			return nil, &domain.ConfigError{Field: "storage", Reason: "artifact store not configured"}
		}
		art, aerr := s.artifacts.Get(ctx, req.Artifact)
		if aerr != nil {
			return nil, aerr
		}
		out, err = s.executor.Execute(ctx, art.Content, req.EntryPoint, req.Args)
	default:
		fs := vfs.NewMemFS()
		files := make([]vfs.File, len(req.Files))
		for i, f := range req.Files {
			b, derr := base64.StdEncoding.DecodeString(f.Content)
			if derr != nil {
				return nil, &domain.ValidationError{Field: "files", Reason: "content of " + f.Path + " is not valid base64"}
			}
			files[i] = vfs.File{Path: f.Path, Content: b}
		}
		if serr := fs.Stage(files); serr != nil {
			return nil, serr
		}
		out, err = s.executor.ExecuteStaged(ctx, fs, req.Path, req.EntryPoint, req.Args)
	}
	if err != nil {
		return nil, err
	}

	return &ExecuteResponse{
		ExecutionID:   out.ExecutionID,
		CorrelationID: correlationID,
		ExitValue:     out.ExitValue,
		ExitCode:      out.ExitCode,
		Stdout:        out.Stdout,
		Stderr:        out.Stderr,
		ElapsedMS:     out.ElapsedMS(),
		CompileMS:     out.CompileTime.Milliseconds(),
		CacheHit:      out.CacheHit,
		MemoryUsageMB: out.MemoryUsageMB(),
		HostCalls:     out.HostCalls,
	}, nil
}

// --- Tools ---

// CallToolRequest is the JSON body for POST /v1/tools/call.
type CallToolRequest struct {
	Server    string          `json:"server"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResponse is the JSON response for POST /v1/tools/call.
type CallToolResponse struct {
	Server        string          `json:"server"`
	Tool          string          `json:"tool"`
	Result        json.RawMessage `json:"result"`
	CorrelationID string          `json:"correlation_id"`
}

func (s *Service) CallTool(ctx context.Context, req *CallToolRequest, correlationID string) (*CallToolResponse, error) {
	if req.Server == "" {
		return nil, &domain.ValidationError{Field: "server", Reason: "is required"}
	}
	if req.Tool == "" {
		return nil, &domain.ValidationError{Field: "tool", Reason: "is required"}
	}
	args := req.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	res, err := s.bridge.CallTool(ctx, req.Server, req.Tool, args)
	if err != nil {
		return nil, err
	}
	return &CallToolResponse{Server: req.Server, Tool: req.Tool, Result: res, CorrelationID: correlationID}, nil
}

// --- Servers ---

// ConnectRequest is the JSON body for POST /v1/servers.
type ConnectRequest struct {
	ID string `json:"id"`
	bridge.LaunchSpec
}

func (s *Service) Connect(ctx context.Context, req *ConnectRequest) (*bridge.ServerInfo, error) {
	if req.ID == "" {
		return nil, &domain.ValidationError{Field: "id", Reason: "is required"}
	}
	if err := s.bridge.Connect(ctx, req.ID, req.LaunchSpec); err != nil {
		return nil, err
	}
	info, ok := s.server(req.ID)
	if !ok {
		// Reaped or disconnected between connect and lookup.
		return nil, &domain.NotFoundError{Kind: "server", ID: req.ID}
	}
	return &info, nil
}

func (s *Service) Disconnect(id string) error {
	if _, ok := s.server(id); !ok {
		return &domain.NotFoundError{Kind: "server", ID: id}
	}
	s.bridge.Disconnect(id)
	return nil
}

func (s *Service) Servers() []bridge.ServerInfo { return s.bridge.Servers() }

func (s *Service) Tools(ctx context.Context, id string) ([]bridge.ToolInfo, error) {
	return s.bridge.ListTools(ctx, id)
}

func (s *Service) server(id string) (bridge.ServerInfo, bool) {
	for _, info := range s.bridge.Servers() {
		if info.ID == id {
			return info, true
		}
	}
	return bridge.ServerInfo{}, false
}

// --- Cache ---

// CacheResponse is the JSON response for GET /v1/cache.
type CacheResponse struct {
	Enabled bool `json:"enabled"`
	bridge.CacheStats
	UsagePercent float64 `json:"usage_percent"`
}

func (s *Service) Cache() CacheResponse {
	stats := s.bridge.CacheStats()
	return CacheResponse{Enabled: s.bridge.CacheEnabled(), CacheStats: stats, UsagePercent: stats.UsagePercent()}
}

func (s *Service) ClearCache() { s.bridge.ClearCache() }

// --- Artifacts ---

// PutArtifactRequest is the JSON body for POST /v1/artifacts.
type PutArtifactRequest struct {
	Name    string            `json:"name"`
	Content string            `json:"content"` // base64 Wasm bytecode
	Labels  map[string]string `json:"labels,omitempty"`
}

func (s *Service) PutArtifact(ctx context.Context, req *PutArtifactRequest) (*storage.ArtifactInfo, error) {
	if s.artifacts == nil {
		return nil, &domain.ConfigError{Field: "storage", Reason: "artifact store not configured"}
	}
	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		return nil, &domain.ValidationError{Field: "content", Reason: "not valid base64"}
	}
	info, err := s.artifacts.Put(ctx, req.Name, content, req.Labels)
	if err != nil {
		return nil, err
	}
	s.logger.Info("artifact stored",
		slog.String("name", info.Name),
		slog.String("digest", info.Digest.String()),
		slog.Int64("size", info.Size),
	)
	return info, nil
}

func (s *Service) ListArtifacts(ctx context.Context) ([]storage.ArtifactInfo, error) {
	if s.artifacts == nil {
		return nil, &domain.ConfigError{Field: "storage", Reason: "artifact store not configured"}
	}
	return s.artifacts.List(ctx)
}

func (s *Service) DeleteArtifact(ctx context.Context, ref string) error {
	if s.artifacts == nil {
		return &domain.ConfigError{Field: "storage", Reason: "artifact store not configured"}
	}
	return s.artifacts.Delete(ctx, ref)
}

// --- Error mapping ---

// statusFor maps an error to its HTTP status code.
func statusFor(err error) int {
	var toolErr *bridge.ToolError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &toolErr):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrSerialization):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSecurityViolation):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrResourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrCompilation), errors.Is(err, domain.ErrInstantiation), errors.Is(err, domain.ErrExecution):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrCapacityExceeded), errors.Is(err, domain.ErrConfig):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrConnectionFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorBody renders err for a response. Internal errors are not echoed.
func errorBody(err error) ErrorBody {
	if statusFor(err) == http.StatusInternalServerError {
		return ErrorBody{Error: "internal error", Kind: "internal"}
	}
	var toolErr *bridge.ToolError
	if errors.As(err, &toolErr) {
		return ErrorBody{Error: err.Error(), Kind: "tool_error"}
	}
	return ErrorBody{Error: err.Error(), Kind: domain.Kind(err)}
}
