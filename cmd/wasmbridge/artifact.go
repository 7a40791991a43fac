package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	artifactLabels []string
	artifactOutput string
)

var artifactCmd = &cobra.Command{
	Use:     "artifact",
	Aliases: []string{"artifacts"},
	Short:   "Manage stored WebAssembly modules",
}

var artifactPutCmd = &cobra.Command{
	Use:   "put <name> <module.wasm>",
	Short: "Store a module under a name",
	Args:  cobra.ExactArgs(2),
	RunE: withStore(func(ctx context.Context, sc *SharedComponents, args []string) error {
		content, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading module: %w", err)
		}
		labels, err := parseLabels(artifactLabels)
		if err != nil {
			return err
		}
		info, err := sc.Store.Artifacts().Put(ctx, args[0], content, labels)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s %d bytes\n", info.Name, info.Digest, info.Size)
		return nil
	}),
}

var artifactGetCmd = &cobra.Command{
	Use:   "get <name|digest>",
	Short: "Write a stored module to a file or stdout",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(ctx context.Context, sc *SharedComponents, args []string) error {
		art, err := sc.Store.Artifacts().Get(ctx, args[0])
		if err != nil {
			return err
		}
		if artifactOutput == "" || artifactOutput == "-" {
			_, err = os.Stdout.Write(art.Content)
			return err
		}
		return os.WriteFile(artifactOutput, art.Content, 0o644)
	}),
}

var artifactListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List stored modules",
	Args:    cobra.NoArgs,
	RunE: withStore(func(ctx context.Context, sc *SharedComponents, _ []string) error {
		list, err := sc.Store.Artifacts().List(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tDIGEST\tSIZE\tUPDATED")
		for _, a := range list {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", a.Name, a.Digest, a.Size, a.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	}),
}

var artifactRmCmd = &cobra.Command{
	Use:     "rm <name|digest>",
	Aliases: []string{"delete"},
	Short:   "Delete a stored module",
	Args:    cobra.ExactArgs(1),
	RunE: withStore(func(ctx context.Context, sc *SharedComponents, args []string) error {
		return sc.Store.Artifacts().Delete(ctx, args[0])
	}),
}

func init() {
	artifactPutCmd.Flags().StringSliceVarP(&artifactLabels, "label", "l", nil, "label as key=value (repeatable)")
	artifactGetCmd.Flags().StringVarP(&artifactOutput, "output", "o", "", "output file (default: stdout)")
	artifactCmd.AddCommand(artifactPutCmd, artifactGetCmd, artifactListCmd, artifactRmCmd)
}

// withStore wraps an artifact subcommand with config loading and a store.
func withStore(fn func(context.Context, *SharedComponents, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		logger := newLogger(slog.LevelWarn)
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		sc, err := initShared(ctx, cfg, logger, needs{store: true})
		if err != nil {
			return err
		}
		defer sc.Cleanup()
		return fn(ctx, sc, args)
	}
}

func parseLabels(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	labels := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid label %q, want key=value", p)
		}
		labels[k] = v
	}
	return labels, nil
}
