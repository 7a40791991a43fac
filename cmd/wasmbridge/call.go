package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/wasmbridge/internal/bridge"
)

var callCommand string

var callCmd = &cobra.Command{
	Use:   "call <server> <tool> [json-arguments]",
	Short: "Call a tool on a configured server",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runCall,
}

var toolsCmd = &cobra.Command{
	Use:   "tools <server>",
	Short: "List the tools a configured server exposes",
	Args:  cobra.ExactArgs(1),
	RunE:  runTools,
}

func init() {
	for _, cmd := range []*cobra.Command{callCmd, toolsCmd} {
		cmd.Flags().StringVar(&callCommand, "command", "", "launch an unconfigured stdio server with this command")
	}
}

func runCall(cmd *cobra.Command, args []string) error {
	params := json.RawMessage("{}")
	if len(args) == 3 {
		params = json.RawMessage(args[2])
	}
	return withServer(cmd, args[0], func(ctx context.Context, sc *SharedComponents) error {
		res, err := sc.Bridge.CallTool(ctx, args[0], args[1], params)
		if err != nil {
			return err
		}
		var pretty any
		if err := json.Unmarshal(res, &pretty); err != nil {
			fmt.Println(string(res))
			return nil
		}
		return printJSON(pretty)
	})
}

func runTools(cmd *cobra.Command, args []string) error {
	return withServer(cmd, args[0], func(ctx context.Context, sc *SharedComponents) error {
		tools, err := sc.Bridge.ListTools(ctx, args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tDESCRIPTION")
		for _, t := range tools {
			fmt.Fprintf(w, "%s\t%s\n", t.Name, t.Description)
		}
		return w.Flush()
	})
}

// withServer connects one server, from --command or the config file, and
// runs fn against it.
func withServer(cmd *cobra.Command, server string, fn func(context.Context, *SharedComponents) error) error {
	logger := newLogger(slog.LevelWarn)
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger, needs{})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if callCommand != "" {
		err = sc.Bridge.Connect(ctx, server, bridge.LaunchSpec{Command: callCommand})
	} else {
		err = connectConfigured(ctx, sc, server)
	}
	if err != nil {
		return err
	}
	return fn(ctx, sc)
}

func connectConfigured(ctx context.Context, sc *SharedComponents, server string) error {
	for _, srv := range sc.Config.Servers {
		if srv.Name == server {
			return connectServer(ctx, sc, srv)
		}
	}
	return fmt.Errorf("server %q is not configured (use --command to launch one)", server)
}
