package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marketdesk/dasmon/internal/config"
	"github.com/marketdesk/dasmon/internal/logger"
	"github.com/marketdesk/dasmon/internal/registry"
)

const shutdownGrace = 30 * time.Second

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dasmon",
	Short: "Real-time monitor for trading terminal accounts",
	Long: "dasmon connects to each configured trading terminal, keeps live\n" +
		"position, order, trade and equity state per account, and streams\n" +
		"change notifications to subscribers.",
	RunE: run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "configs/dasmon.yaml", "path to configuration file")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.Log)
	defer logger.Sync(log)
	log.Info("starting terminal monitor",
		zap.Int("users", len(cfg.Users)),
		zap.Duration("poll_interval", cfg.PollInterval))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New(cfg, log)
	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return reg.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
