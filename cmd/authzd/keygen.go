package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oauth2-server/security"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random master key",
		Long: `Generate a random 32 byte master key, base64 encoded.

Store it in OAUTH2_MASTER_KEY or in AWS Secrets Manager and point
OAUTH2_MASTER_KEY_SECRET_ID at it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := security.GenerateKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), security.KeyToBase64(key))
			return err
		},
	}
}
