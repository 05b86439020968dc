package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"Enclosure-Core/internal/bus"
	"Enclosure-Core/internal/config"
	"Enclosure-Core/internal/daemon"
	"Enclosure-Core/pkg/logger"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration without connecting to the bus",
	Long:  `Loads the configuration, instantiates and configures every plugin, and resolves triggers, bindings and schedule targets.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := resolveConfigPath()
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := logger.Init(logger.Config{Level: "error"}); err != nil {
			return err
		}
		d, err := daemon.New(cfg, daemon.WithBus(bus.NewMemory(nil)))
		if err != nil {
			return err
		}
		defer d.Shutdown()
		fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %d plugins, %d triggers, %d schedule entries\n",
			path, len(d.Registry().Plugins()), len(cfg.Triggers), len(cfg.Schedule))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
