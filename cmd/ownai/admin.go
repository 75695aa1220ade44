package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ownai/ownai"
	"github.com/ownai/ownai/internal/auth"
	"github.com/ownai/ownai/internal/chain"
	"github.com/ownai/ownai/internal/config"
	"github.com/ownai/ownai/internal/model"
	"github.com/ownai/ownai/internal/service/knowledge"
	"github.com/ownai/ownai/internal/storage"
)

// withDB loads the configuration, opens a migrated database and hands both
// to fn. Maintenance commands log to stderr so stdout stays readable.
func withDB(ctx context.Context, opts *rootOptions, fn func(config.Config, *storage.DB, *slog.Logger) error) error {
	logger := opts.logger(os.Stderr)
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := ownai.OpenDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close(context.Background())
	return fn(cfg, db, logger)
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), opts, func(config.Config, *storage.DB, *slog.Logger) error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "Database is up to date.")
				return err
			})
		},
	}
}

// passwordFlags reads a password from --password or, failing that, from the
// first line of stdin.
type passwordFlags struct {
	password string
}

func (p *passwordFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.password, "password", "", "password (read from stdin when omitted)")
}

func (p *passwordFlags) read(cmd *cobra.Command, stdin io.Reader) (string, error) {
	pw := p.password
	if pw == "" {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read password: %w", err)
		}
		pw = strings.TrimRight(line, "\r\n")
	}
	if err := model.ValidateNewPassword(pw); err != nil {
		return "", err
	}
	return pw, nil
}

func newAddUserCommand(opts *rootOptions) *cobra.Command {
	var pw passwordFlags
	cmd := &cobra.Command{
		Use:   "add-user <username>",
		Short: "Register a new user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := strings.TrimSpace(args[0])
			if username == "" {
				return errors.New("username must not be empty")
			}
			password, err := pw.read(cmd, opts.stdin)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			return withDB(cmd.Context(), opts, func(_ config.Config, db *storage.DB, _ *slog.Logger) error {
				if _, err := db.CreateUser(cmd.Context(), username, hash); err != nil {
					if errors.Is(err, storage.ErrConflict) {
						return fmt.Errorf("user %s is already registered", username)
					}
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Registration successful. Hello %s, nice to meet you!\n", username)
				return err
			})
		},
	}
	pw.register(cmd)
	return cmd
}

func newSetPasswordCommand(opts *rootOptions) *cobra.Command {
	var pw passwordFlags
	cmd := &cobra.Command{
		Use:   "set-password <username>",
		Short: "Set a new password for an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := pw.read(cmd, opts.stdin)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			return withDB(cmd.Context(), opts, func(_ config.Config, db *storage.DB, _ *slog.Logger) error {
				u, err := db.GetUserByUsername(cmd.Context(), args[0])
				if err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						return fmt.Errorf("user %s does not exist", args[0])
					}
					return err
				}
				if err := db.SetPassword(cmd.Context(), u.ID, hash); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Successfully set the password for %s.\n", u.Username)
				return err
			})
		},
	}
	pw.register(cmd)
	return cmd
}

func newAddPipelineCommand(opts *rootOptions) *cobra.Command {
	var public bool
	cmd := &cobra.Command{
		Use:   "add-pipeline <aifile>...",
		Short: "Import pipelines from aifiles, replacing pipelines of the same name",
		Long: `Import one or more aifiles (JSON, or YAML for .yaml/.yml files).

A pipeline with the same name is replaced. Running servers are notified so
they drop the stale compiled pipeline.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipelines := make([]model.Pipeline, 0, len(args))
			for _, path := range args {
				p, err := pipelineFromFile(path)
				if err != nil {
					return err
				}
				p.IsPublic = public
				pipelines = append(pipelines, p)
			}
			return withDB(cmd.Context(), opts, func(_ config.Config, db *storage.DB, logger *slog.Logger) error {
				for _, p := range pipelines {
					saved, created, err := db.UpsertPipelineByName(cmd.Context(), p)
					if err != nil {
						return fmt.Errorf("save pipeline %q: %w", p.Name, err)
					}
					if !created {
						if err := db.NotifyPipelineChanged(cmd.Context(), &saved.ID); err != nil {
							logger.Warn("notify pipeline change failed", "error", err, "pipeline_id", saved.ID)
						}
					}
					verb := "Updated"
					if created {
						verb = "Added"
					}
					if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s pipeline %q (id %d).\n", verb, saved.Name, saved.ID); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&public, "public", false, "allow anonymous chat with the imported pipelines")
	return cmd
}

// pipelineFromFile reads an aifile and derives the stored pipeline.
func pipelineFromFile(path string) (model.Pipeline, error) {
	a, err := chain.ReadAifile(path)
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	keys, err := a.InputKeys()
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return model.Pipeline{
		Name:        a.Name,
		InputKeys:   keys,
		InputLabels: a.InputLabels,
		Chain:       a.Chain,
		Greeting:    a.Greeting,
	}, nil
}

func newAddKnowledgeCommand(opts *rootOptions) *cobra.Command {
	var (
		chunkSize int
		public    bool
	)
	cmd := &cobra.Command{
		Use:   "add-knowledge <name>",
		Short: "Create a knowledge collection embedded with the configured provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), opts, func(cfg config.Config, db *storage.DB, _ *slog.Logger) error {
				req := model.KnowledgeRequest{
					Name:       args[0],
					Embeddings: cfg.EmbeddingProvider,
					ChunkSize:  chunkSize,
					IsPublic:   public,
				}
				if err := model.ValidateKnowledgeRequest(req); err != nil {
					return err
				}
				k, err := db.CreateKnowledge(cmd.Context(), model.Knowledge{
					Name:       req.Name,
					Embeddings: req.Embeddings,
					ChunkSize:  req.ChunkSize,
					IsPublic:   req.IsPublic,
				})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Added knowledge %q (id %d).\n", k.Name, k.ID)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&chunkSize, "chunk-size", model.DefaultChunkSize, "maximum characters per passage")
	cmd.Flags().BoolVar(&public, "public", false, "allow anonymous chat to retrieve from this collection")
	return cmd
}

func newIngestCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <knowledge-id> <file>...",
		Short: "Split, embed and store text files in a knowledge collection",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid knowledge id %q", args[0])
			}
			return withDB(cmd.Context(), opts, func(cfg config.Config, db *storage.DB, logger *slog.Logger) error {
				embedder, err := ownai.NewEmbeddingProvider(cfg, logger)
				if err != nil {
					return err
				}
				ingester := knowledge.NewIngester(db, embedder, cfg.EmbeddingProvider, logger)
				for _, path := range args[1:] {
					text, err := os.ReadFile(path) //nolint:gosec // path is an operator-supplied CLI argument
					if err != nil {
						return fmt.Errorf("read %s: %w", path, err)
					}
					n, err := ingester.Ingest(cmd.Context(), id, filepath.Base(path), string(text))
					if err != nil {
						return fmt.Errorf("ingest %s: %w", path, err)
					}
					if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: %d passages\n", path, n); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}
