package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/navcam/dashcam/internal/auth"
	"github.com/navcam/dashcam/internal/middleware"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		scope   string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if scope != middleware.ScopeRead && scope != middleware.ScopeControl {
				return fmt.Errorf("scope must be %q or %q", middleware.ScopeRead, middleware.ScopeControl)
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			svc, err := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
			if err != nil {
				return err
			}
			tok, err := svc.Generate(subject, scope)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "ui", "Name of the client the token is for")
	cmd.Flags().StringVar(&scope, "scope", middleware.ScopeControl, "Token scope: read or control")
	return cmd
}
