package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/notehive/collab-gateway/internal/auth"
	"github.com/notehive/collab-gateway/internal/database"
	"github.com/notehive/collab-gateway/internal/users"
	"github.com/spf13/cobra"
)

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.TokenIssuer,
				Audience:      appConfig.TokenAudience,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "user", "", "User id placed in the token subject")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newUsersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage the identity directory",
	}
	cmd.AddCommand(newUsersAddCommand())
	return cmd
}

func newUsersAddCommand() *cobra.Command {
	var userID, username, email string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register or update a user profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			directory, err := users.NewService(users.ServiceConfig{Database: db})
			if err != nil {
				return err
			}
			registered, err := directory.Register(cmd.Context(), userID, username, email)
			if errors.Is(err, users.ErrInvalidIdentity) {
				return fmt.Errorf("username and email are required")
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), registered)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "id", "", "User id (generated when empty)")
	cmd.Flags().StringVar(&username, "username", "", "Display name")
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	return cmd
}
