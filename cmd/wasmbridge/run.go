package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/wasmbridge/internal/sandbox"
)

var (
	runEntry    string
	runArtifact bool
	runJSON     bool
	runServers  []string
)

var runCmd = &cobra.Command{
	Use:   "run <module.wasm|artifact> [args...]",
	Short: "Run a WebAssembly module in the sandbox",
	Long: `Run compiles (or fetches from cache) a module and calls its entry point.
Arguments after the module are parsed against the entry point's parameter
types. Configured tool servers are connected first so the module can reach
them through call_tool.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runModule,
}

func init() {
	runCmd.Flags().StringVarP(&runEntry, "entry", "e", sandbox.WASICommandEntry, "exported function to call")
	runCmd.Flags().BoolVar(&runArtifact, "artifact", false, "treat the first argument as a stored artifact name or digest")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the outcome as JSON")
	runCmd.Flags().StringSliceVar(&runServers, "server", nil, "connect only these configured servers (default: all)")
}

// RunOutcome is the JSON form of a completed execution.
type RunOutcome struct {
	ExecutionID   string  `json:"execution_id"`
	ExitValue     any     `json:"exit_value,omitempty"`
	ExitCode      uint32  `json:"exit_code"`
	Stdout        string  `json:"stdout"`
	Stderr        string  `json:"stderr"`
	ElapsedMS     int64   `json:"elapsed_ms"`
	CacheHit      bool    `json:"cache_hit"`
	MemoryUsageMB float64 `json:"memory_usage_mb"`
	HostCalls     int     `json:"host_calls"`
}

func runModule(cmd *cobra.Command, args []string) error {
	logger := newLogger(slog.LevelWarn)
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger, needs{store: runArtifact, sandbox: true})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	code, err := loadModule(ctx, sc, args[0])
	if err != nil {
		return err
	}
	connectServers(ctx, sc, runServers...)

	out, err := sc.Executor.Execute(ctx, code, runEntry, args[1:])
	if err != nil {
		return err
	}

	if runJSON {
		if err := printJSON(RunOutcome{
			ExecutionID:   out.ExecutionID,
			ExitValue:     out.ExitValue,
			ExitCode:      out.ExitCode,
			Stdout:        out.Stdout,
			Stderr:        out.Stderr,
			ElapsedMS:     out.ElapsedMS(),
			CacheHit:      out.CacheHit,
			MemoryUsageMB: out.MemoryUsageMB(),
			HostCalls:     out.HostCalls,
		}); err != nil {
			return err
		}
	} else {
		fmt.Fprint(os.Stdout, out.Stdout)
		fmt.Fprint(os.Stderr, out.Stderr)
		if out.ExitValue != nil {
			fmt.Fprintln(os.Stdout, out.ExitValue)
		}
	}

	if out.ExitCode != 0 {
		return &exitError{code: int(out.ExitCode)}
	}
	return nil
}

// loadModule reads bytecode from disk, or from the artifact store with --artifact.
func loadModule(ctx context.Context, sc *SharedComponents, ref string) ([]byte, error) {
	if !runArtifact {
		code, err := os.ReadFile(ref)
		if err != nil {
			return nil, fmt.Errorf("reading module: %w", err)
		}
		return code, nil
	}
	art, err := sc.Store.Artifacts().Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return art.Content, nil
}
