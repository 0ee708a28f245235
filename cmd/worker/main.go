package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"fleet/internal/config"
	"fleet/internal/worker"
	"fleet/internal/worker/executor"
	"fleet/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:          "fleet-worker",
	Short:        "Fleet node agent",
	SilenceUsage: true,
	RunE:         runWorker,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringP("config", "c", "", "config file (yaml)")
	flags.String("url", "", "coordinator websocket URL (default ws://localhost:8765/)")
	flags.StringSlice("capabilities", nil, "extra capabilities to report")
	flags.Bool("docker", true, "run container tasks on the local Docker daemon")
	flags.String("log-level", "", "log level: debug|info|warn|error")

	_ = viper.BindPFlag("worker.coordinator_url", flags.Lookup("url"))
	_ = viper.BindPFlag("worker.capabilities", flags.Lookup("capabilities"))
	_ = viper.BindPFlag("worker.docker_enabled", flags.Lookup("docker"))
	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
}

func runWorker(cmd *cobra.Command, _ []string) error {
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 初始化执行器
	exec := executor.NewSet()
	executor.RegisterBuiltins(exec)
	if cfg.Worker.DockerEnabled {
		if docker := newDocker(ctx, cfg.Worker.DockerImage, log); docker != nil {
			defer docker.Close()
			exec.Register(executor.TypeContainer, docker)
		}
	}

	// 2. 启动 Agent
	agent := worker.NewAgent(worker.Config{
		URL:               cfg.Worker.CoordinatorURL,
		Capabilities:      cfg.Worker.Capabilities,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		PollInterval:      cfg.Worker.PollInterval,
		WriteTimeout:      cfg.Master.WriteTimeout,
	}, exec, log)

	log.Info("starting node agent", zap.String("coordinator", cfg.Worker.CoordinatorURL), zap.Strings("capabilities", exec.Capabilities()))
	err = agent.Run(ctx)
	log.Info("shutting down worker", zap.Int64("tasks_reported", agent.Completed()))
	return err
}

// newDocker returns nil when the daemon is unreachable; container tasks are
// then not advertised.
func newDocker(ctx context.Context, image string, log *zap.Logger) *executor.DockerExecutor {
	docker, err := executor.NewDockerExecutor(image, log)
	if err != nil {
		log.Warn("docker executor disabled", zap.Error(err))
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := docker.Ping(pingCtx); err != nil {
		log.Warn("docker daemon unreachable, container tasks disabled", zap.Error(err))
		_ = docker.Close()
		return nil
	}
	return docker
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
