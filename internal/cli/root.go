package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"charon/internal/app"
	"charon/internal/config"
	"charon/internal/logging"
	"charon/internal/service"
	"charon/internal/strategy"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:           "charon",
	Short:         "Import NBP currency and gold rates and derive trading signals",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if appHandle != nil {
			appHandle.Close()
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, describeError(err))
		os.Exit(exitCode(err))
	}
}

// exitCode separates "not enough history" and "no such asset" from generic failures.
func exitCode(err error) int {
	switch {
	case errors.Is(err, strategy.ErrInsufficientData):
		return 2
	case errors.Is(err, service.ErrUnknownAsset):
		return 3
	default:
		return 1
	}
}

func describeError(err error) string {
	switch exitCode(err) {
	case 2:
		return "insufficient data: " + err.Error()
	case 3:
		return "not found: " + err.Error()
	default:
		return err.Error()
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(recomputeCmd)
	rootCmd.AddCommand(backtestCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(simulateCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
