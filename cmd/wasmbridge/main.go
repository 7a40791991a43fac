// wasmbridge runs untrusted WebAssembly in a resource-bounded sandbox and
// bridges its host calls to external tool servers.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/wasmbridge/internal/config"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "wasmbridge",
	Short: "wasmbridge runs untrusted WebAssembly and bridges it to tool servers.",
	Long: `wasmbridge executes WebAssembly modules in isolated, resource-bounded
instances. Sandboxed code reaches the outside world only through host
functions that forward to MCP tool servers, with every call validated,
rate limited, cached and audited.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file (or WASMBRIDGE_CONFIG env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	rootCmd.AddCommand(serveCmd, runCmd, callCmd, toolsCmd, validateCmd, artifactCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// A guest exit status is passed through untouched.
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
