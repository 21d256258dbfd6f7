package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/mxgate/internal/auth"
)

var (
	tokenClientID string
	tokenTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a token a foreground client uses to attach to the worker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Auth.Enabled() {
			return fmt.Errorf("auth.jwt_secret is not set; the worker accepts clients without a token")
		}
		ttl := tokenTTL
		if ttl <= 0 {
			if ttl, err = cfg.Auth.ExpiresIn(); err != nil {
				return fmt.Errorf("auth.jwt_expires_in: %w", err)
			}
		}
		signed, expiresAt, err := auth.GenerateClientToken(tokenClientID, cfg.Auth.JWTSecret, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), signed)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenClientID, "client-id", "", "Connection id the token binds to")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (default auth.jwt_expires_in)")
	_ = tokenCmd.MarkFlagRequired("client-id")
	rootCmd.AddCommand(tokenCmd)
}
