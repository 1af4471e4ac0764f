package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/pos-billing/internal/auth"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a cashier bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cashier, _ := cmd.Flags().GetString("cashier")
			secret, _ := cmd.Flags().GetString("secret")
			issuer, _ := cmd.Flags().GetString("issuer")
			audience, _ := cmd.Flags().GetString("audience")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if secret == "" {
				secret = os.Getenv("AUTH_JWT_SECRET")
			}
			if secret == "" {
				return errors.New("secret required: pass --secret or set AUTH_JWT_SECRET")
			}
			tokens := auth.Tokens{Secret: []byte(secret), Issuer: issuer, Audience: audience, TTL: ttl}
			raw, exp, err := tokens.Issue(cashier)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			log := cmdLogger(cmd)
			log.Info().Str("cashier", cashier).Time("expires_at", exp).Msg("token issued")
			return nil
		},
	}
	cmd.Flags().String("cashier", "", "cashier id placed in the token subject")
	cmd.Flags().String("secret", "", "HS256 secret (defaults to AUTH_JWT_SECRET)")
	cmd.Flags().String("issuer", envOr("AUTH_ISSUER", "pos-billing"), "token issuer")
	cmd.Flags().String("audience", envOr("AUTH_AUDIENCE", "pos-terminal"), "token audience")
	cmd.Flags().Duration("ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("cashier")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
