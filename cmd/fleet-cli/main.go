package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:          "fleet-cli",
	Short:        "Submit and inspect fleet tasks",
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "config file (yaml), used by watch for etcd settings")
	pf.StringP("server", "s", "http://localhost:8766", "coordinator HTTP address")
	_ = viper.BindPFlag("cli.server", pf.Lookup("server"))

	rootCmd.AddCommand(submitCmd(), statusCmd(), taskCmd(), tasksCmd(), watchCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
