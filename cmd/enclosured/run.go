package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"Enclosure-Core/internal/config"
	"Enclosure-Core/internal/daemon"
	"Enclosure-Core/pkg/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon until it is signalled or asked to exit",
	RunE:  runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LoggerOptions()); err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	defer stop()

	d, err := daemon.New(cfg)
	if err != nil {
		logger.L().Error("daemon configuration rejected", "error", err)
		return err
	}
	if err := d.Run(ctx); err != nil {
		logger.L().Error("daemon stopped with error", "error", err)
		return err
	}
	return nil
}
