package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"fleet/internal/config"
	"fleet/pkg/model"
	"fleet/pkg/store"
)

func client() *apiClient { return newAPIClient(viper.GetString("cli.server")) }

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func submitCmd() *cobra.Command {
	var (
		count    int
		taskType string
		data     string
		priority int
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one or more tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if taskType == "" {
				return fmt.Errorf("--type is required")
			}
			var payload json.RawMessage
			if data != "" {
				if !json.Valid([]byte(data)) {
					return fmt.Errorf("--data must be valid JSON")
				}
				payload = json.RawMessage(data)
			}
			return submit(cmd.Context(), client(), count, submitRequest{TaskType: taskType, Data: payload, Priority: priority})
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of tasks to submit")
	cmd.Flags().StringVar(&taskType, "type", "", "task type, e.g. prime_calculation")
	cmd.Flags().StringVar(&data, "data", "", "task payload as a JSON object")
	cmd.Flags().IntVar(&priority, "priority", 1, "priority, higher runs first")
	return cmd
}

func submit(ctx context.Context, c *apiClient, count int, req submitRequest) error {
	fmt.Printf("🚀 Submitting %d %s task(s) at priority %d...\n", count, req.TaskType, req.Priority)

	var (
		wg     sync.WaitGroup
		failed atomic.Int64
	)
	start := time.Now()

	// 并发控制通道 (信号量)，限制同时只有 50 个协程在提交任务
	sem := make(chan struct{}, 50)
	for i := 0; i < count; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer func() {
				<-sem
				wg.Done()
			}()
			resp, err := c.Submit(ctx, req)
			if err != nil {
				failed.Add(1)
				fmt.Printf("❌ Failed to submit task: %v\n", err)
				return
			}
			if count == 1 {
				fmt.Printf("✅ %s\n", resp.Message)
				fmt.Printf("   fleet-cli task %s\n", resp.TaskID)
			} else if i%50 == 0 {
				fmt.Printf("-> Submitted batch around index %d...\n", i)
			}
		}(i)
	}
	wg.Wait()

	if count > 1 {
		d := time.Since(start)
		fmt.Printf("\n✅ Finished: %d submitted, %d failed in %v (%.2f/s)\n",
			int64(count)-failed.Load(), failed.Load(), d, float64(count)/d.Seconds())
	}
	if failed.Load() > 0 {
		return fmt.Errorf("%d submissions failed", failed.Load())
	}
	return nil
}

func getCmd(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := client().Raw(cmd.Context(), path)
			if err != nil {
				return err
			}
			return printJSON(v)
		},
	}
}

func statusCmd() *cobra.Command {
	return getCmd("status", "Show nodes, task counts and backends", "/status")
}

func tasksCmd() *cobra.Command {
	return getCmd("tasks", "List all tasks and the pending order", "/tasks")
}

func taskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "task <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := client().Raw(cmd.Context(), "/task/"+url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			return printJSON(v)
		},
	}
}

// watchCmd follows task changes in the coordinator's etcd mirror.
func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow task updates from the etcd state mirror",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(viper.GetViper(), path)
			if err != nil {
				return err
			}
			endpoints := cfg.Etcd.Endpoints
			if len(endpoints) == 0 {
				endpoints = []string{"localhost:2379"}
			}

			etcd, err := store.NewEtcdManager(endpoints, cfg.Etcd.DialTimeout, cfg.Etcd.Prefix, zap.NewNop())
			if err != nil {
				return err
			}
			defer etcd.Close()

			listCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			nodes, err := etcd.ListNodes(listCtx)
			if err != nil {
				return fmt.Errorf("list mirrored nodes: %w", err)
			}
			for _, n := range nodes {
				fmt.Printf("node %s %-12s %s completed=%d\n", n.ID, n.Status, n.Address, n.TasksCompleted)
			}
			existing, err := etcd.ListTasks(listCtx)
			if err != nil {
				return fmt.Errorf("list mirrored tasks: %w", err)
			}
			for _, t := range existing {
				printTask("---", t)
			}

			fmt.Printf("👀 Watching %stasks on %v (Ctrl+C to stop)\n", cfg.Etcd.Prefix, endpoints)
			for ev := range etcd.WatchTasks(cmd.Context()) {
				verb := "PUT"
				if ev.Type == store.TaskDelete {
					verb = "DEL"
				}
				printTask(verb, ev.Task)
			}
			return nil
		},
	}
}

func printTask(verb string, t *model.Task) {
	fmt.Printf("%s %s %-10s %-22s prio=%d node=%s\n", verb, t.ID, t.Status, t.Type, t.Priority, t.AssignedTo)
}
