package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/wasmbridge/internal/bridge"
	"github.com/jkaninda/wasmbridge/internal/config"
	"github.com/jkaninda/wasmbridge/internal/observability"
	"github.com/jkaninda/wasmbridge/internal/ratelimit"
	"github.com/jkaninda/wasmbridge/internal/sandbox"
	"github.com/jkaninda/wasmbridge/internal/secrets"
	"github.com/jkaninda/wasmbridge/internal/security"
	"github.com/jkaninda/wasmbridge/internal/storage"
	pgstore "github.com/jkaninda/wasmbridge/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/wasmbridge/internal/storage/sqlite"
)

// SharedComponents holds the subsystems commands are built from.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Obs    *observability.Observability
	Store  storage.Store // nil unless requested or audit.store is set.

	Auditor  security.Auditor
	Secrets  secrets.Provider // Resolves env:// and vault:// server settings.
	Bridge   *observability.InstrumentedBridge
	Sandbox  *sandbox.Executor     // nil unless requested.
	Executor observability.Executor // Instrumented Sandbox.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// needs selects the optional subsystems a command initializes.
type needs struct {
	store   bool
	sandbox bool
}

// initShared performs the initialization shared by every command.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger, n needs) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, version, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
	)

	// Storage (SQLite default, PostgreSQL optional).
	if n.store || cfg.Audit.Store {
		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(ctx); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		obs.Health.AddCheck("storage", store.Ping)
		logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	}

	// Audit trail.
	auditor, err := initAuditor(sc)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing audit log: %w", err)
	}
	sc.Auditor = auditor

	// Credential references in server settings.
	sp, err := initSecrets(cfg)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing secrets: %w", err)
	}
	sc.Secrets = sp

	// Bridge.
	br, err := initBridge(cfg, auditor, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing bridge: %w", err)
	}
	sc.Bridge = observability.NewInstrumentedBridge(br, obs.MetricsOrNil(), obs.TracerOrNil())
	sc.addCleanup(func() { _ = br.Close() })
	logger.Debug("bridge initialized",
		slog.Int("cache_capacity", cfg.Bridge.CacheCapacity),
		slog.Int("max_connections", cfg.Bridge.MaxConnections),
		slog.Bool("cache_enabled", br.CacheEnabled()),
	)

	// Sandbox.
	if n.sandbox {
		exec, err := initSandbox(ctx, cfg, sc.Bridge, auditor, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing sandbox: %w", err)
		}
		sc.Sandbox = exec
		sc.addCleanup(func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := exec.Close(closeCtx); err != nil {
				logger.Error("closing sandbox", slog.String("error", err.Error()))
			}
		})
		obs.MetricsOrNil().WatchModuleCache(exec.Cache().Len)
		sc.Executor = observability.NewInstrumentedExecutor(exec, obs.MetricsOrNil(), obs.TracerOrNil())
		logger.Debug("sandbox initialized",
			slog.Uint64("memory_limit_bytes", exec.Policy().MemoryLimitBytes()),
			slog.Duration("timeout", exec.Policy().ExecutionTimeout()),
			slog.Int("module_cache_size", exec.Cache().Capacity()),
		)
	}

	return sc, nil
}

func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	store, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return store, nil
}

// initAuditor combines the JSONL file and the store-backed audit log as
// configured. With neither enabled, events are discarded.
func initAuditor(sc *SharedComponents) (security.Auditor, error) {
	cfg := sc.Config
	var auditors security.MultiAuditor
	if cfg.Audit.Enabled {
		al, err := security.NewAuditLogger(cfg.AuditLogPath(), sc.Logger)
		if err != nil {
			return nil, err
		}
		sc.addCleanup(func() { _ = al.Close() })
		auditors = append(auditors, al)
		sc.Logger.Debug("audit log enabled", slog.String("path", cfg.AuditLogPath()))
	}
	if cfg.Audit.Store && sc.Store != nil {
		auditors = append(auditors, sc.Store.Audit())
	}
	switch len(auditors) {
	case 0:
		return security.NopAuditor{}, nil
	case 1:
		return auditors[0], nil
	default:
		return auditors, nil
	}
}

func initBridge(cfg *config.Config, auditor security.Auditor, logger *slog.Logger) (*bridge.Bridge, error) {
	br, err := bridge.NewWithLimits(cfg.Bridge.CacheCapacity, cfg.Bridge.MaxConnections,
		bridge.WithLogger(logger),
		bridge.WithAuditor(auditor),
		bridge.WithCallTimeout(cfg.Bridge.CallTimeout()),
		bridge.WithConnectTimeout(cfg.Bridge.ConnectTimeout()),
		bridge.WithRateLimiter(ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: cfg.Bridge.CallsPerMinute})),
	)
	if err != nil {
		return nil, err
	}
	if cfg.Bridge.CacheDisabled {
		br.DisableCache()
	}
	return br, nil
}

func initSandbox(ctx context.Context, cfg *config.Config, caller sandbox.ToolCaller, auditor security.Auditor, logger *slog.Logger) (*sandbox.Executor, error) {
	policy, err := cfg.Sandbox.Policy()
	if err != nil {
		return nil, err
	}
	opts := []sandbox.Option{
		sandbox.WithLogger(logger),
		sandbox.WithAuditor(auditor),
		sandbox.WithModuleCacheSize(cfg.Sandbox.ModuleCacheSize),
		sandbox.WithStdoutLimit(cfg.Sandbox.OutputLimitBytes()),
	}
	if cfg.Sandbox.CompilationCacheDir != "" {
		opts = append(opts, sandbox.WithCompilationCacheDir(cfg.Sandbox.CompilationCacheDir))
	}
	return sandbox.NewExecutor(ctx, policy, caller, opts...)
}

func initSecrets(cfg *config.Config) (secrets.Provider, error) {
	if cfg.Secrets == nil || cfg.Secrets.Vault == nil {
		return secrets.NewRouter(nil), nil
	}
	vault, err := secrets.NewVaultProvider(*cfg.Secrets.Vault)
	if err != nil {
		return nil, err
	}
	return secrets.NewRouter(vault), nil
}

// connectServer resolves credential references in srv and connects it.
func connectServer(ctx context.Context, sc *SharedComponents, srv config.ServerConfig) error {
	spec := bridge.SpecFromConfig(srv)
	var err error
	if spec.Env, err = secrets.ResolveMap(ctx, sc.Secrets, spec.Env); err != nil {
		return fmt.Errorf("server %s env: %w", srv.Name, err)
	}
	if spec.Headers, err = secrets.ResolveMap(ctx, sc.Secrets, spec.Headers); err != nil {
		return fmt.Errorf("server %s headers: %w", srv.Name, err)
	}
	return sc.Bridge.Connect(ctx, srv.Name, spec)
}

// connectServers connects the configured servers named in only, or all of
// them when only is empty. Failures are logged and skipped.
func connectServers(ctx context.Context, sc *SharedComponents, only ...string) int {
	connected := 0
	for _, srv := range sc.Config.Servers {
		if len(only) > 0 && !slices.Contains(only, srv.Name) {
			continue
		}
		if err := connectServer(ctx, sc, srv); err != nil {
			sc.Logger.Error("tool server failed, skipping",
				slog.String("server", srv.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		connected++
	}
	return connected
}

// loadConfig reads the config file. Without an explicit --config or
// WASMBRIDGE_CONFIG, a missing default file yields the built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := goutils.Env("WASMBRIDGE_CONFIG", configPath)
	explicit := cmd.Flags().Changed("config") || os.Getenv("WASMBRIDGE_CONFIG") != ""
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// newLogger writes JSON logs to stderr. One-shot commands log warnings only
// unless --verbose is set, so their stdout stays clean.
func newLogger(level slog.Level) *slog.Logger {
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// exitError carries a guest exit status out of a command.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("module exited with status %d", e.code) }

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
