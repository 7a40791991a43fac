// Package httpapi exposes the sandbox and the tool bridge over HTTP.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 16 MB, modules are sent inline)
//   - Per-caller rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/wasmbridge/internal/bridge"
	"github.com/jkaninda/wasmbridge/internal/gateway"
	"github.com/jkaninda/wasmbridge/internal/observability"
	"github.com/jkaninda/wasmbridge/internal/ratelimit"
	"github.com/jkaninda/wasmbridge/internal/storage"
)

const defaultMaxRequestSize = 16 << 20 // 16 MB

// ErrorBody is the standard error response.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	Version        string
	APIKeys        map[string]string // API key -> caller ID.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 16 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	svc     *Service
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, svc *Service, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		svc:     svc,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	version := g.config.Version
	if version == "" {
		version = "dev"
	}
	g.okapi.WithOpenAPIDocs(okapi.OpenAPI{Title: "wasmbridge", Version: version})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	g.okapi.Use(g.limitBody)

	v1 := g.okapi.Group("/v1", g.authenticate)

	v1.Post("/execute", g.rateLimited(g.handleExecute),
		okapi.DocSummary("Run a WebAssembly module in the sandbox"),
		okapi.DocTags("Sandbox"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
		okapi.DocResponse(http.StatusGatewayTimeout, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	v1.Post("/tools/call", g.rateLimited(g.handleCallTool),
		okapi.DocSummary("Call a tool on a connected server"),
		okapi.DocTags("Tools"),
		okapi.DocRequestBody(CallToolRequest{}),
		okapi.DocResponse(CallToolResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		okapi.DocResponse(http.StatusGatewayTimeout, ErrorBody{}),
	)

	v1.Post("/servers", g.rateLimited(g.handleConnect),
		okapi.DocSummary("Connect a tool server"),
		okapi.DocTags("Servers"),
		okapi.DocRequestBody(ConnectRequest{}),
		okapi.DocResponse(http.StatusCreated, bridge.ServerInfo{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	v1.Get("/servers", g.handleListServers,
		okapi.DocSummary("List live connections"),
		okapi.DocTags("Servers"),
		okapi.DocResponse([]bridge.ServerInfo{}),
	)
	v1.Get("/servers/{id}/tools", g.handleListTools,
		okapi.DocSummary("List the tools a server exposes"),
		okapi.DocTags("Servers"),
		okapi.DocPathParam("id", "string", "Server ID"),
		okapi.DocResponse([]bridge.ToolInfo{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	v1.Delete("/servers/{id}", g.handleDisconnect,
		okapi.DocSummary("Disconnect a tool server"),
		okapi.DocTags("Servers"),
		okapi.DocPathParam("id", "string", "Server ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	v1.Get("/cache", g.handleCacheStats,
		okapi.DocSummary("Result cache statistics"),
		okapi.DocTags("Cache"),
		okapi.DocResponse(CacheResponse{}),
	)
	v1.Delete("/cache", g.handleCacheClear,
		okapi.DocSummary("Clear the result cache"),
		okapi.DocTags("Cache"),
		okapi.DocResponse(map[string]string{}),
	)

	v1.Post("/artifacts", g.rateLimited(g.handlePutArtifact),
		okapi.DocSummary("Store a module"),
		okapi.DocTags("Artifacts"),
		okapi.DocRequestBody(PutArtifactRequest{}),
		okapi.DocResponse(http.StatusCreated, storage.ArtifactInfo{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	v1.Get("/artifacts", g.handleListArtifacts,
		okapi.DocSummary("List stored modules"),
		okapi.DocTags("Artifacts"),
		okapi.DocResponse([]storage.ArtifactInfo{}),
	)
	v1.Delete("/artifacts/{ref}", g.handleDeleteArtifact,
		okapi.DocSummary("Delete a stored module"),
		okapi.DocTags("Artifacts"),
		okapi.DocPathParam("ref", "string", "Artifact name or blake3 digest"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // executions may run long
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http execute",
		slog.String("user_id", userID),
		slog.String("correlation_id", correlationID),
		slog.String("entry_point", req.EntryPoint),
	)

	resp, err := g.svc.Execute(c.Context(), &req, correlationID)
	if err != nil {
		return g.fail(c, correlationID, err)
	}
	return c.OK(resp)
}

func (g *Gateway) handleCallTool(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req CallToolRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http call_tool",
		slog.String("user_id", userID),
		slog.String("correlation_id", correlationID),
		slog.String("server", req.Server),
		slog.String("tool", req.Tool),
	)

	resp, err := g.svc.CallTool(c.Context(), &req, correlationID)
	if err != nil {
		return g.fail(c, correlationID, err)
	}
	return c.OK(resp)
}

func (g *Gateway) handleConnect(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req ConnectRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http connect",
		slog.String("user_id", userID),
		slog.String("correlation_id", correlationID),
		slog.String("server", req.ID),
		slog.String("transport", req.Transport),
	)

	info, err := g.svc.Connect(c.Context(), &req)
	if err != nil {
		return g.fail(c, correlationID, err)
	}
	return c.JSON(http.StatusCreated, info)
}

func (g *Gateway) handleListServers(c *okapi.Context) error {
	return c.OK(g.svc.Servers())
}

func (g *Gateway) handleListTools(c *okapi.Context) error {
	tools, err := g.svc.Tools(c.Context(), c.Param("id"))
	if err != nil {
		return g.fail(c, newCorrelationID(), err)
	}
	return c.OK(tools)
}

func (g *Gateway) handleDisconnect(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.svc.Disconnect(id); err != nil {
		return g.fail(c, newCorrelationID(), err)
	}
	g.logger.Info("http disconnect",
		slog.String("user_id", c.GetString("userID")),
		slog.String("server", id),
	)
	return c.OK(okapi.M{"status": "disconnected"})
}

func (g *Gateway) handleCacheStats(c *okapi.Context) error {
	return c.OK(g.svc.Cache())
}

func (g *Gateway) handleCacheClear(c *okapi.Context) error {
	g.svc.ClearCache()
	g.logger.Info("http cache cleared", slog.String("user_id", c.GetString("userID")))
	return c.OK(okapi.M{"status": "cleared"})
}

func (g *Gateway) handlePutArtifact(c *okapi.Context) error {
	var req PutArtifactRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	info, err := g.svc.PutArtifact(c.Context(), &req)
	if err != nil {
		return g.fail(c, newCorrelationID(), err)
	}
	return c.JSON(http.StatusCreated, info)
}

func (g *Gateway) handleListArtifacts(c *okapi.Context) error {
	list, err := g.svc.ListArtifacts(c.Context())
	if err != nil {
		return g.fail(c, newCorrelationID(), err)
	}
	return c.OK(list)
}

func (g *Gateway) handleDeleteArtifact(c *okapi.Context) error {
	if err := g.svc.DeleteArtifact(c.Context(), c.Param("ref")); err != nil {
		return g.fail(c, newCorrelationID(), err)
	}
	return c.OK(okapi.M{"status": "deleted"})
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// anonymousUser is the caller ID when no API keys are configured.
const anonymousUser = "anonymous"

// authenticate validates the bearer API key and stores the mapped caller ID.
// With no keys configured every caller is anonymous and shares one bucket.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("userID", anonymousUser)
			return next(c)
		}
		userID, ok := g.lookupKey(c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// lookupKey compares against every configured key so timing does not
// reveal which prefix matched.
func (g *Gateway) lookupKey(authHeader string) (string, bool) {
	apiKey, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || apiKey == "" {
		return "", false
	}
	userID := ""
	for key, id := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			userID = id
		}
	}
	return userID, userID != ""
}

// limitBody caps the request body at MaxRequestSize.
func (g *Gateway) limitBody(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		r := c.Request()
		if r.Body != nil {
			r.Body = http.MaxBytesReader(nil, r.Body, g.config.MaxRequestSize)
		}
		return next(c)
	}
}

// --- Helpers ---

// rateLimited applies the per-caller rate limit to a mutating route.
func (g *Gateway) rateLimited(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		userID := c.GetString("userID")
		if userID == "" {
			return c.AbortUnauthorized("Unauthorized")
		}
		if g.limiter != nil {
			if err := g.limiter.Allow(userID); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}
		return next(c)
	}
}

// fail logs err and writes the mapped status.
func (g *Gateway) fail(c *okapi.Context, correlationID string, err error) error {
	code := statusFor(err)
	attrs := []any{
		slog.String("correlation_id", correlationID),
		slog.Int("status", code),
		slog.String("error", err.Error()),
	}
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		g.logger.Error("http request failed", attrs...)
	} else {
		g.logger.Warn("http request rejected", attrs...)
	}
	return c.JSON(code, errorBody(err))
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
