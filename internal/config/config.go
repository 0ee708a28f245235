// Package config loads coordinator and node-agent settings with viper.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"fleet/internal/master/cluster"
	"fleet/pkg/model"
)

// EnvPrefix is prepended to every environment override, e.g.
// FLEET_MASTER_HTTP_ADDR.
const EnvPrefix = "FLEET"

type Config struct {
	Master  MasterConfig  `mapstructure:"master"`
	Cluster ClusterConfig `mapstructure:"cluster"`
	Etcd    EtcdConfig    `mapstructure:"etcd"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Log     LogConfig     `mapstructure:"log"`
}

type MasterConfig struct {
	WSAddr           string        `mapstructure:"ws_addr"`
	HTTPAddr         string        `mapstructure:"http_addr"`
	NodeIDPrefix     string        `mapstructure:"node_id_prefix"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	DispatchOnSubmit bool          `mapstructure:"dispatch_on_submit"`
	SeedTasks        []SeedTask    `mapstructure:"seed_tasks"`
}

// SeedTask is a task enqueued when the coordinator starts.
type SeedTask struct {
	Type     string         `mapstructure:"type"`
	Data     map[string]any `mapstructure:"data"`
	Priority int            `mapstructure:"priority"`
}

// Payload encodes Data as the JSON object stored on the task.
func (s SeedTask) Payload() (json.RawMessage, error) {
	if len(s.Data) == 0 {
		return json.RawMessage(`{}`), nil
	}
	b, err := json.Marshal(s.Data)
	if err != nil {
		return nil, fmt.Errorf("seed task %q: %w", s.Type, err)
	}
	return b, nil
}

type ClusterConfig struct {
	Kubernetes      KubernetesConfig  `mapstructure:"kubernetes"`
	Slurm           SlurmConfig       `mapstructure:"slurm"`
	Shape           cluster.NodeShape `mapstructure:"node_shape"`
	ProbeTimeout    time.Duration     `mapstructure:"probe_timeout"`
	RegisterTimeout time.Duration     `mapstructure:"register_timeout"`
}

type KubernetesConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Kubectl string `mapstructure:"kubectl"`
}

type SlurmConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	SpoolDir  string `mapstructure:"spool_dir"`
	Partition string `mapstructure:"partition"`
}

type EtcdConfig struct {
	// Endpoints empty disables the state mirror.
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Prefix      string        `mapstructure:"prefix"`
}

func (e EtcdConfig) Enabled() bool { return len(e.Endpoints) > 0 }

type WorkerConfig struct {
	CoordinatorURL    string        `mapstructure:"coordinator_url"`
	Capabilities      []string      `mapstructure:"capabilities"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	DockerImage       string        `mapstructure:"docker_image"`
	DockerEnabled     bool          `mapstructure:"docker_enabled"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Master: MasterConfig{
			WSAddr:           ":8765",
			HTTPAddr:         ":8766",
			NodeIDPrefix:     "node",
			WriteTimeout:     10 * time.Second,
			DispatchOnSubmit: true,
		},
		Cluster: ClusterConfig{
			Kubernetes: KubernetesConfig{Enabled: true, Kubectl: "kubectl"},
			Slurm: SlurmConfig{
				Enabled:   true,
				SpoolDir:  filepath.Join(os.TempDir(), "fleet-slurm"),
				Partition: "fleet",
			},
			Shape: cluster.NodeShape{
				Capacity:    model.Resource{MilliCPU: 4000, Memory: 4 << 30},
				Allocatable: model.Resource{MilliCPU: 3000, Memory: 3 << 30},
				Pods:        10,
				Arch:        "arm64",
				OS:          "android",
			},
			ProbeTimeout:    5 * time.Second,
			RegisterTimeout: 10 * time.Second,
		},
		Etcd: EtcdConfig{
			DialTimeout: 5 * time.Second,
			Prefix:      "/fleet/",
		},
		Worker: WorkerConfig{
			CoordinatorURL:    "ws://localhost:8765/",
			Capabilities:      []string{"prime_calculation", "hash_computation", "matrix_multiplication"},
			HeartbeatInterval: 3 * time.Second,
			PollInterval:      2 * time.Second,
			DockerImage:       "alpine:latest",
			DockerEnabled:     true,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// SetDefaults registers every default on v so env overrides and
// Unmarshal see the full key set.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("master.ws_addr", d.Master.WSAddr)
	v.SetDefault("master.http_addr", d.Master.HTTPAddr)
	v.SetDefault("master.node_id_prefix", d.Master.NodeIDPrefix)
	v.SetDefault("master.write_timeout", d.Master.WriteTimeout)
	v.SetDefault("master.dispatch_on_submit", d.Master.DispatchOnSubmit)
	v.SetDefault("master.seed_tasks", []map[string]any{})

	v.SetDefault("cluster.kubernetes.enabled", d.Cluster.Kubernetes.Enabled)
	v.SetDefault("cluster.kubernetes.kubectl", d.Cluster.Kubernetes.Kubectl)
	v.SetDefault("cluster.slurm.enabled", d.Cluster.Slurm.Enabled)
	v.SetDefault("cluster.slurm.spool_dir", d.Cluster.Slurm.SpoolDir)
	v.SetDefault("cluster.slurm.partition", d.Cluster.Slurm.Partition)
	v.SetDefault("cluster.node_shape.capacity.milli_cpu", d.Cluster.Shape.Capacity.MilliCPU)
	v.SetDefault("cluster.node_shape.capacity.memory", d.Cluster.Shape.Capacity.Memory)
	v.SetDefault("cluster.node_shape.allocatable.milli_cpu", d.Cluster.Shape.Allocatable.MilliCPU)
	v.SetDefault("cluster.node_shape.allocatable.memory", d.Cluster.Shape.Allocatable.Memory)
	v.SetDefault("cluster.node_shape.pods", d.Cluster.Shape.Pods)
	v.SetDefault("cluster.node_shape.arch", d.Cluster.Shape.Arch)
	v.SetDefault("cluster.node_shape.os", d.Cluster.Shape.OS)
	v.SetDefault("cluster.probe_timeout", d.Cluster.ProbeTimeout)
	v.SetDefault("cluster.register_timeout", d.Cluster.RegisterTimeout)

	v.SetDefault("etcd.endpoints", d.Etcd.Endpoints)
	v.SetDefault("etcd.dial_timeout", d.Etcd.DialTimeout)
	v.SetDefault("etcd.prefix", d.Etcd.Prefix)

	v.SetDefault("worker.coordinator_url", d.Worker.CoordinatorURL)
	v.SetDefault("worker.capabilities", d.Worker.Capabilities)
	v.SetDefault("worker.heartbeat_interval", d.Worker.HeartbeatInterval)
	v.SetDefault("worker.poll_interval", d.Worker.PollInterval)
	v.SetDefault("worker.docker_image", d.Worker.DockerImage)
	v.SetDefault("worker.docker_enabled", d.Worker.DockerEnabled)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads path (optional) into v, applies FLEET_* env overrides and
// decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the coordinator cannot start with.
func (c *Config) Validate() error {
	if c.Master.NodeIDPrefix == "" {
		return fmt.Errorf("master.node_id_prefix must not be empty")
	}
	if c.Master.WriteTimeout <= 0 {
		return fmt.Errorf("master.write_timeout must be positive")
	}
	for i, st := range c.Master.SeedTasks {
		if st.Type == "" {
			return fmt.Errorf("master.seed_tasks[%d]: type is required", i)
		}
	}
	if c.Worker.HeartbeatInterval <= 0 || c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker intervals must be positive")
	}
	return nil
}
