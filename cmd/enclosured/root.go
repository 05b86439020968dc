package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"Enclosure-Core/internal/config"
	xerrors "Enclosure-Core/internal/errors"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "enclosured",
	Short:         "Enclosure control daemon",
	Long:          `enclosured drives the plugins of an enclosure from bus messages, schedules and runlevels.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

// Execute runs the command line and exits with the status of the failure:
// 1 for configuration and runtime errors, 2 for a startup stall, 3 for a
// routing overflow, or the code of an exit request.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "enclosured:", err)
		os.Exit(xerrors.ExitCodeOf(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"configuration file (default $"+config.EnvPath+" or configs/enclosure.yaml)")
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv(config.EnvPath); env != "" {
		return env
	}
	return "configs/enclosure.yaml"
}
