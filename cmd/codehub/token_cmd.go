package main

import (
	"fmt"

	"github.com/codefionn/codehub/internal/store"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the worker registration token",
}

var tokenShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the registration token, creating it if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(db *store.DB) error {
			token, err := db.ReadRegistrationToken(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		})
	},
}

var tokenResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Replace the registration token",
	Long:  "Replace the registration token. Connected workers stay attached; new connections need the new token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(db *store.DB) error {
			token, err := db.ResetRegistrationToken(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenShowCmd)
	tokenCmd.AddCommand(tokenResetCmd)
}

func withStore(cmd *cobra.Command, fn func(db *store.DB) error) error {
	_, cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}
