// Command syncd runs the sync engine as a long-lived service and offers
// one-shot operator commands.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jun/drivesync/internal/app"
	"github.com/jun/drivesync/internal/config"
	"github.com/jun/drivesync/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "syncd",
	Short:         "Continuous Google Drive metadata sync",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if file, _ := cmd.Flags().GetString("config"); file != "" {
			return os.Setenv("DRIVESYNC_CONFIG", file)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (overrides DRIVESYNC_CONFIG)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (overrides LOG_LEVEL)")
}

// setup loads configuration and the logger shared by every command.
func setup(cmd *cobra.Command) (*config.Config, *logrus.Logger, io.Closer, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	log, closer, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, closer, nil
}

// initialized builds the app and loads provider settings and the stored token.
func initialized(cmd *cobra.Command, cfg *config.Config, log *logrus.Logger) (*app.App, error) {
	application, err := app.NewApp(cmd.Context(), cfg, log)
	if err != nil {
		return nil, err
	}
	if !application.Auth.Initialize(cmd.Context()) {
		application.Close()
		return nil, fmt.Errorf("provider is not configured: set GOOGLE_CLIENT_ID and the client secret")
	}
	return application, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
