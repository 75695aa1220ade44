package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/ownai/ownai/internal/chain"
	"github.com/ownai/ownai/internal/config"
	"github.com/ownai/ownai/internal/dispatch"
)

// newWorkerCommand is the child side of the process execution backend. It
// reads one job from stdin and streams its events to stdout, so logs go to
// stderr.
func newWorkerCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:    dispatch.WorkerCommand,
		Short:  "Run one pipeline job read from stdin (used by the process backend)",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.logger(os.Stderr)

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			compiler := chain.NewCompiler(&http.Client{Timeout: cfg.GenerationTimeout})
			if err := dispatch.ServeWorker(cmd.Context(), opts.stdin, cmd.OutOrStdout(), compiler); err != nil {
				logger.Error("worker: job failed", "error", err)
				return fmt.Errorf("worker: %w", err)
			}
			return nil
		},
	}
}
