package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/matheus3301/bizsync/internal/daemon"
	"github.com/matheus3301/bizsync/internal/session"
)

var (
	sessionFlag  string
	logLevelFlag string
	quietFlag    bool
	configFlag   string
)

var rootCmd = &cobra.Command{
	Use:          "bizsyncd",
	Short:        "Real-time sync daemon for one identity",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionName, err := session.ResolveValid(sessionFlag)
		if err != nil {
			return err
		}

		app := fx.New(
			fx.StartTimeout(2*time.Minute),
			fx.NopLogger,
			daemon.Module(daemon.Params{
				SessionName: sessionName,
				ConfigPath:  configFlag,
				LogLevel:    logLevelFlag,
				Console:     !quietFlag,
			}),
		)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func main() {
	rootCmd.Flags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	rootCmd.Flags().StringVar(&configFlag, "config", "", "config file (default ~/.bizsync/config.toml)")
	rootCmd.Flags().StringVar(&logLevelFlag, "log-level", "info", "debug, info, warn or error")
	rootCmd.Flags().BoolVar(&quietFlag, "quiet", false, "do not mirror the log to stderr")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
