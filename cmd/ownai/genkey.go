package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ownai/ownai/internal/auth"
)

func newGenkeyCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate a persistent Ed25519 key pair for signing tokens",
		Long: `Write jwt_private.pem and jwt_public.pem to --dir. Existing files are
never overwritten; delete them first to rotate keys.

Without persistent keys the server generates a fresh pair on every start,
which invalidates all issued tokens.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			privPath, pubPath, err := auth.WriteKeyPair(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "Wrote %s and %s.\n", privPath, pubPath); err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "Set OWNAI_JWT_PRIVATE_KEY=%s and OWNAI_JWT_PUBLIC_KEY=%s.\n", privPath, pubPath)
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data", "directory for the key files")
	return cmd
}
