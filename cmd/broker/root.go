package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/contree/broker/internal/broker"
	"github.com/contree/broker/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd.
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// skipConfigAnnotation marks commands that don't need a constructed
// broker.Context (currently only "version").
const skipConfigAnnotation = "skipConfig"

// CLIContext bundles the resolved broker.Context and output flags.
// Created once in PersistentPreRunE.
type CLIContext struct {
	Broker *broker.Context
	JSON   bool
	Quiet  bool
}

type cliContextKey struct{}

func cliContextFrom(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		return nil
	}

	return cc
}

// mustCLIContext extracts the CLIContext or panics with an actionable
// message. Use in RunE handlers for commands that require it (no
// skipConfigAnnotation) — the command tree guarantees PersistentPreRunE
// has populated it before RunE runs.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context — ensure the command " +
			"does not skip config loading or explicitly builds it in its RunE")
	}

	return cc
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "contree-broker",
		Short:         "Operational CLI for the contree broker",
		Long:          "Diagnostic and maintenance commands for the caches and remote client the MCP server runs on top of.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return buildCLIContext(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			cc := cliContextFrom(cmd.Context())
			if cc == nil {
				return nil
			}

			return cc.Broker.Close(context.Background())
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newCacheCmd())
	cmd.AddCommand(newImagesCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// buildCLIContext resolves config via the four-layer chain, opens the
// broker.Context, and stores both in the command's context for RunE
// handlers to retrieve with mustCLIContext.
func buildCLIContext(cmd *cobra.Command) error {
	logger := buildLogger(nil)

	path := config.ResolvePath(flagConfigPath)

	cfg, err := config.Load(path, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	finalLogger := buildLogger(cfg)

	bc, err := broker.New(cmd.Context(), cfg, finalLogger)
	if err != nil {
		return fmt.Errorf("initializing broker context: %w", err)
	}

	cc := &CLIContext{Broker: bc, JSON: flagJSON, Quiet: flagQuiet}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// buildLogger builds an slog.Logger from the resolved config's log level
// and format (pass nil for pre-config bootstrap) with CLI flags overriding
// the level. Format "auto" picks JSON when stderr isn't a terminal (e.g.
// piped into another tool) and text otherwise.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelWarn
	format := "auto"

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}

		format = cfg.Logging.LogFormat
	}

	if flagVerbose {
		level = slog.LevelInfo
	}

	if flagDebug {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if format == "json" || (format == "auto" && !isatty.IsTerminal(os.Stderr.Fd())) {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
