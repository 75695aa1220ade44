// Command ownai runs the ownAI server and its maintenance commands.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ownai/ownai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand(os.Stdin).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		cancel()
		os.Exit(1)
	}
}

// rootOptions holds flags shared by every command.
type rootOptions struct {
	logLevel string
	stdin    io.Reader
}

func newRootCommand(stdin io.Reader) *cobra.Command {
	opts := &rootOptions{stdin: stdin}

	cmd := &cobra.Command{
		Use:           "ownai",
		Short:         "ownAI - run your own AI pipelines",
		Long:          "Serves stored AI pipelines over a streaming chat API, with knowledge retrieval and an MCP endpoint.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if present (non-fatal; production won't have one).
			_ = godotenv.Load()
			if opts.logLevel == "" {
				opts.logLevel = os.Getenv("OWNAI_LOG_LEVEL")
			}
			if _, err := parseLevel(opts.logLevel); err != nil {
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error); defaults to OWNAI_LOG_LEVEL")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newWorkerCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newAddUserCommand(opts))
	cmd.AddCommand(newSetPasswordCommand(opts))
	cmd.AddCommand(newAddPipelineCommand(opts))
	cmd.AddCommand(newAddKnowledgeCommand(opts))
	cmd.AddCommand(newIngestCommand(opts))
	cmd.AddCommand(newGenkeyCommand())

	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, chat and MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	logger := opts.logger(os.Stdout)
	slog.SetDefault(logger)

	app, err := ownai.New(ctx,
		ownai.WithVersion(version),
		ownai.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// logger builds the JSON logger for w at the configured level.
func (o *rootOptions) logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(o.logLevel)
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", s)
}
