package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dskow/telemock/internal/auth"
)

func newTokenCmd(g *globalFlags) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the admin API",
		Long: `Sign an HS256 JWT with admin.auth.jwt_secret, using the configured issuer and
audience. Without --scope the token carries the configured required scopes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.Admin.Auth.JWTSecret == "" {
				return errors.New("admin.auth.jwt_secret is not configured")
			}
			token, err := auth.NewToken(cfg.Admin.Auth, subject, scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "telemock-cli", "token subject (sub claim)")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scopes to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
