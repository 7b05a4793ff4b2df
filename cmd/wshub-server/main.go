package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/lk2023060901/wshub-go/application"
	"github.com/lk2023060901/wshub-go/internal/config"
	"github.com/lk2023060901/wshub-go/internal/json"
	"github.com/lk2023060901/wshub-go/pkg/log"
)

// Version 在构建时通过 -ldflags 注入。
var Version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:          "wshub-server",
		Short:        "wshub WebSocket server",
		Long:         "wshub WebSocket server with session lifecycle events and close handlers.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			loggers, err := application.SetupLogging(cfg)
			if err != nil {
				return err
			}
			defer log.Cleanup()
			defer func() { _ = log.Sync() }()
			app, err := application.New(cfg, application.WithModuleLoggers(loggers))
			if err != nil {
				return err
			}
			if err := registerRoutes(app); err != nil {
				return err
			}
			registerCloseHandlers(app)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file (yaml or json)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of wshub-server",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wshub-server %s\n", Version)
		},
	}

	checkConfigCmd := &cobra.Command{
		Use:   "checkconfig",
		Short: "Validate the configuration file and print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	rootCmd.AddCommand(versionCmd, checkConfigCmd)
	return rootCmd
}
