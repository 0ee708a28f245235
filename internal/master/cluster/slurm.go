package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"go.uber.org/zap"

	"fleet/pkg/model"
)

// errNoMunge is reported for every registration while MUNGE is missing.
var errNoMunge = errors.New("MUNGE authentication service not available")

var slurmNodeTmpl = template.Must(template.New("slurm").Parse(`# fleet node {{.Node.ID}} (MUNGE authentication required)
NodeName={{.Node.ID}} CPUs={{.CPUs}} RealMemory={{.MemoryMiB}} State=UNKNOWN NodeAddr={{.Node.Address}} Feature=fleet,{{.Arch}} Weight=1
PartitionName={{.Partition}} Nodes={{.Node.ID}} Default=NO MaxTime=INFINITE State=UP
`))

// Slurm prepares slurm.conf fragments for connected nodes. Registration
// requires a working MUNGE setup on the coordinator host.
type Slurm struct {
	spoolDir  string
	partition string
	shape     NodeShape
	run       Runner
	log       *zap.Logger

	mungeOK bool
}

func NewSlurm(spoolDir, partition string, shape NodeShape, run Runner, log *zap.Logger) *Slurm {
	if run == nil {
		run = ExecRunner
	}
	if partition == "" {
		partition = "fleet"
	}
	return &Slurm{spoolDir: spoolDir, partition: partition, shape: shape, run: run, log: log.Named("slurm")}
}

func (s *Slurm) Backend() model.Backend { return model.BackendSLURM }

// Probe checks sinfo and, separately, MUNGE. A SLURM cluster without MUNGE
// still probes as available so each node is told why registration failed.
func (s *Slurm) Probe(ctx context.Context) error {
	if _, err := s.run(ctx, nil, "sinfo", "--version"); err != nil {
		return err
	}
	s.mungeOK = s.checkMunge(ctx)
	if !s.mungeOK {
		s.log.Warn("SLURM detected but MUNGE authentication is missing, registration will fail")
	}
	return nil
}

func (s *Slurm) checkMunge(ctx context.Context) bool {
	cred, err := s.run(ctx, []byte("test"), "munge")
	if err != nil {
		s.log.Debug("munge failed", zap.Error(err))
		return false
	}
	out, err := s.run(ctx, cred, "unmunge")
	if err != nil {
		s.log.Debug("unmunge failed", zap.Error(err))
		return false
	}
	return bytes.Contains(out, []byte("test"))
}

// MungeAvailable reports the cached MUNGE check.
func (s *Slurm) MungeAvailable() bool { return s.mungeOK }

func (s *Slurm) Register(_ context.Context, node *model.Node) error {
	if !s.mungeOK {
		return errNoMunge
	}
	if err := os.MkdirAll(s.spoolDir, 0o755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}

	var buf bytes.Buffer
	err := slurmNodeTmpl.Execute(&buf, struct {
		Node      *model.Node
		CPUs      int64
		MemoryMiB int64
		Arch      string
		Partition string
	}{node, s.shape.Capacity.CPUs(), s.shape.Capacity.MemoryMiB(), s.shape.Arch, s.partition})
	if err != nil {
		return fmt.Errorf("render slurm fragment: %w", err)
	}

	path := filepath.Join(s.spoolDir, node.ID+"-slurm.conf")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write slurm fragment: %w", err)
	}
	s.log.Info("SLURM node fragment written", zap.String("node_id", node.ID), zap.String("path", path))
	return nil
}
