package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/spec-kit/dispatch-desk/internal/auth"
	"github.com/spec-kit/dispatch-desk/internal/domain"
)

var (
	tokenActorID string
	tokenRole    string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for local development",
	RunE: func(cmd *cobra.Command, args []string) error {
		actor := domain.Actor{ID: tokenActorID, Role: domain.Role(strings.ToUpper(tokenRole))}
		tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL())
		token, expiresAt, err := tokens.GenerateToken(actor)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format("2006-01-02 15:04:05 MST"))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenActorID, "id", "", "Actor id (token subject)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(domain.RoleDispatcher), "ADMIN, DISPATCHER, HERO or REQUESTER")
	_ = tokenCmd.MarkFlagRequired("id")
}
