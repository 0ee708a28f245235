// Package master wires the coordinator: registry, task store, assignment,
// sessions, external cluster backends, the HTTP surface and the optional
// etcd state mirror.
package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"fleet/internal/config"
	"fleet/internal/master/api"
	"fleet/internal/master/cluster"
	"fleet/internal/master/registry"
	"fleet/internal/master/scheduler"
	"fleet/internal/master/session"
	"fleet/internal/master/taskstore"
	"fleet/pkg/store"
)

type Master struct {
	cfg *config.Config
	log *zap.Logger

	Nodes   *registry.Registry
	Tasks   *taskstore.Store
	Sched   *scheduler.Scheduler
	Cluster *cluster.Manager
	Hub     *session.Hub
	API     *api.Server

	etcd   store.Store
	mirror *store.Mirror
}

// New builds every component. Backend probes run here, once.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Master, error) {
	m := &Master{cfg: cfg, log: log}

	var (
		nodeOpts []registry.Option
		taskOpts []taskstore.Option
	)
	if cfg.Etcd.Enabled() {
		etcd, err := store.NewEtcdManager(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, cfg.Etcd.Prefix, log)
		if err != nil {
			return nil, err
		}
		m.etcd = etcd
		m.mirror = store.NewMirror(etcd, 0, cfg.Etcd.DialTimeout, log)
		nodeOpts = append(nodeOpts, registry.WithObserver(m.mirror.ObserveNode))
		taskOpts = append(taskOpts, taskstore.WithObserver(m.mirror.ObserveTask))
		log.Info("etcd state mirror enabled", zap.Strings("endpoints", cfg.Etcd.Endpoints), zap.String("prefix", cfg.Etcd.Prefix))
	}

	m.Nodes = registry.New(log, nodeOpts...)
	m.Tasks = taskstore.New(log, taskOpts...)
	m.Sched = scheduler.NewScheduler(m.Tasks, m.Nodes, log)
	m.Cluster = cluster.NewManager(ctx, cluster.Options{
		ProbeTimeout:    cfg.Cluster.ProbeTimeout,
		RegisterTimeout: cfg.Cluster.RegisterTimeout,
	}, log, drivers(cfg.Cluster, log)...)

	m.Hub = session.NewHub(session.Config{NodeIDPrefix: cfg.Master.NodeIDPrefix}, m.Nodes, m.Tasks, m.Sched, m.Cluster, log)
	m.API = api.NewServer(api.Config{
		Addr:             cfg.Master.HTTPAddr,
		DispatchOnSubmit: cfg.Master.DispatchOnSubmit,
	}, m.Nodes, m.Tasks, m.Hub, m.Cluster, log)
	return m, nil
}

func drivers(cfg config.ClusterConfig, log *zap.Logger) []cluster.Driver {
	var ds []cluster.Driver
	if cfg.Kubernetes.Enabled {
		ds = append(ds, cluster.NewKubernetes(cfg.Kubernetes.Kubectl, cfg.Shape, nil))
	}
	if cfg.Slurm.Enabled {
		ds = append(ds, cluster.NewSlurm(cfg.Slurm.SpoolDir, cfg.Slurm.Partition, cfg.Shape, nil, log))
	}
	return ds
}

// Seed enqueues the configured startup tasks.
func (m *Master) Seed() error {
	for _, st := range m.cfg.Master.SeedTasks {
		data, err := st.Payload()
		if err != nil {
			return err
		}
		id, err := m.Tasks.Submit(st.Type, data, st.Priority)
		if err != nil {
			return fmt.Errorf("seed task %q: %w", st.Type, err)
		}
		m.log.Info("seeded task", zap.String("task_id", id), zap.String("task_type", st.Type), zap.Int("priority", st.Priority))
	}
	return nil
}

// Run serves the websocket and HTTP listeners until ctx is cancelled or one
// of them fails. Live sessions are closed on the way out.
func (m *Master) Run(ctx context.Context) error {
	wsLn, err := net.Listen("tcp", m.cfg.Master.WSAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", m.cfg.Master.WSAddr, err)
	}
	httpLn, err := net.Listen("tcp", m.cfg.Master.HTTPAddr)
	if err != nil {
		_ = wsLn.Close()
		return fmt.Errorf("listen %s: %w", m.cfg.Master.HTTPAddr, err)
	}
	return m.Serve(ctx, wsLn, httpLn)
}

func (m *Master) Serve(ctx context.Context, wsLn, httpLn net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if m.mirror != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.mirror.Run(ctx)
		}()
	}

	if err := m.Seed(); err != nil {
		cancel()
		wg.Wait()
		return err
	}

	wsServer := &http.Server{
		Handler:           session.NewEndpoint(ctx, m.Hub, m.cfg.Master.WriteTimeout),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.log.Info("websocket server started", zap.String("addr", wsLn.Addr().String()))
		if err := wsServer.Serve(wsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("websocket server: %w", err)
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := m.API.Serve(ctx, httpLn); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
			cancel()
		}
	}()

	<-ctx.Done()
	m.log.Info("shutting down coordinator")

	// hijacked websocket conns are not tracked by Shutdown
	m.Hub.CloseAll()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		m.log.Warn("websocket server shutdown", zap.Error(err))
	}

	wg.Wait()
	if m.etcd != nil {
		if err := m.etcd.Close(); err != nil {
			m.log.Warn("close etcd client", zap.Error(err))
		}
	}

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
