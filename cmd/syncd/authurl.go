package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jun/drivesync/internal/app"
	"github.com/jun/drivesync/internal/auth"
)

var authURLCmd = &cobra.Command{
	Use:   "auth-url",
	Short: "Print the provider consent URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, closer, err := setup(cmd)
		if err != nil {
			return err
		}
		defer closer.Close()

		application, err := app.NewApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer application.Close()
		application.Auth.Initialize(cmd.Context())

		u, err := application.AuthURL()
		if errors.Is(err, auth.ErrConfigurationMissing) {
			return fmt.Errorf("provider is not configured: set GOOGLE_CLIENT_ID and the client secret")
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), u)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(authURLCmd)
}
