package model

// Backend names an external scheduler a node can be registered into.
type Backend string

const (
	BackendKubernetes Backend = "kubernetes"
	BackendSLURM      Backend = "slurm"
)

func (b Backend) String() string { return string(b) }
