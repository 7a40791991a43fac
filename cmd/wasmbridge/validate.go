package main

import (
	"fmt"
	"strings"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/wasmbridge/internal/config"
	"github.com/jkaninda/wasmbridge/internal/security"
)

var validateCmd = &cobra.Command{
	Use:   "validate [command...]",
	Short: "Validate the config file, or check a server launch command",
	Long: `With no arguments, validate loads and checks the config file, including
every configured server's launch command. With arguments, it checks the
joined command line the way the bridge does before spawning a server.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		cleaned, err := security.ValidateCommand(strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Printf("ok: %s\n", cleaned)
		return nil
	}

	path := goutils.Env("WASMBRIDGE_CONFIG", configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if _, err := cfg.Sandbox.Policy(); err != nil {
		return fmt.Errorf("sandbox policy: %w", err)
	}
	for _, srv := range cfg.Servers {
		if srv.Command == "" {
			continue
		}
		if _, err := security.ValidateCommand(srv.Command); err != nil {
			return fmt.Errorf("server %q: %w", srv.Name, err)
		}
		for _, a := range srv.Args {
			if err := security.ValidateArgument(a); err != nil {
				return fmt.Errorf("server %q: %w", srv.Name, err)
			}
		}
	}
	fmt.Printf("ok: %s (%d servers, storage: %s)\n", path, len(cfg.Servers), cfg.StorageDriverName())
	return nil
}
