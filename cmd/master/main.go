package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"fleet/internal/config"
	"fleet/internal/master"
	"fleet/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "fleet-master",
	Short: "Fleet coordinator",
	Long: `Runs the fleet coordinator: nodes connect over websocket, report
capabilities and receive tasks; the HTTP surface exposes status and task
submission.`,
	SilenceUsage: true,
	RunE:         runMaster,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringP("config", "c", "", "config file (yaml)")
	flags.String("ws-addr", "", "websocket listen address (default :8765)")
	flags.String("http-addr", "", "HTTP listen address (default :8766)")
	flags.String("log-level", "", "log level: debug|info|warn|error")

	bind("master.ws_addr", "ws-addr")
	bind("master.http_addr", "http-addr")
	bind("log.level", "log-level")
}

func bind(key, flag string) {
	_ = viper.BindPFlag(key, rootCmd.Flags().Lookup(flag))
}

func runMaster(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(viper.GetViper(), path)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	// 优雅退出 (Graceful Shutdown): 等待 Ctrl+C 信号
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := master.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init coordinator: %w", err)
	}

	log.Info("starting coordinator",
		zap.String("ws_addr", cfg.Master.WSAddr),
		zap.String("http_addr", cfg.Master.HTTPAddr),
		zap.Int("seed_tasks", len(cfg.Master.SeedTasks)))
	if err := m.Run(ctx); err != nil {
		log.Error("coordinator stopped", zap.Error(err))
		return err
	}
	log.Info("coordinator stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
