package cluster

import (
	"context"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"fleet/pkg/model"
)

// NodeShape is the resource view reported for every fleet node when it is
// registered into an external scheduler.
type NodeShape struct {
	Capacity    model.Resource `mapstructure:"capacity"`
	Allocatable model.Resource `mapstructure:"allocatable"`
	Pods        int            `mapstructure:"pods"`
	Arch        string         `mapstructure:"arch"`
	OS          string         `mapstructure:"os"`
}

// Kubernetes registers nodes with `kubectl apply`.
type Kubernetes struct {
	kubectl string
	shape   NodeShape
	run     Runner
}

func NewKubernetes(kubectl string, shape NodeShape, run Runner) *Kubernetes {
	if kubectl == "" {
		kubectl = "kubectl"
	}
	if run == nil {
		run = ExecRunner
	}
	return &Kubernetes{kubectl: kubectl, shape: shape, run: run}
}

func (k *Kubernetes) Backend() model.Backend { return model.BackendKubernetes }

func (k *Kubernetes) Probe(ctx context.Context) error {
	_, err := k.run(ctx, nil, k.kubectl, "cluster-info")
	return err
}

func (k *Kubernetes) Register(ctx context.Context, node *model.Node) error {
	manifest, err := NodeManifest(node, k.shape)
	if err != nil {
		return err
	}
	_, err = k.run(ctx, manifest, k.kubectl, "apply", "-f", "-")
	return err
}

type k8sNode struct {
	APIVersion string       `yaml:"apiVersion"`
	Kind       string       `yaml:"kind"`
	Metadata   k8sMeta      `yaml:"metadata"`
	Spec       k8sNodeSpec  `yaml:"spec"`
	Status     k8sNodeState `yaml:"status"`
}

type k8sMeta struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels"`
}

type k8sNodeSpec struct {
	Taints []k8sTaint `yaml:"taints"`
}

type k8sTaint struct {
	Key    string `yaml:"key"`
	Value  string `yaml:"value"`
	Effect string `yaml:"effect"`
}

type k8sNodeState struct {
	Addresses   []k8sAddress      `yaml:"addresses"`
	NodeInfo    k8sNodeInfo       `yaml:"nodeInfo"`
	Capacity    map[string]string `yaml:"capacity"`
	Allocatable map[string]string `yaml:"allocatable"`
}

type k8sAddress struct {
	Type    string `yaml:"type"`
	Address string `yaml:"address"`
}

type k8sNodeInfo struct {
	Architecture    string `yaml:"architecture"`
	OperatingSystem string `yaml:"operatingSystem"`
}

// NodeManifest renders the v1/Node object for n.
func NodeManifest(n *model.Node, shape NodeShape) ([]byte, error) {
	obj := k8sNode{
		APIVersion: "v1",
		Kind:       "Node",
		Metadata: k8sMeta{
			Name: n.ID,
			Labels: map[string]string{
				"node-type":    "fleet",
				"cluster-role": "compute",
				"architecture": shape.Arch,
			},
		},
		Spec: k8sNodeSpec{
			Taints: []k8sTaint{{Key: "fleet-node", Value: "true", Effect: "NoSchedule"}},
		},
		Status: k8sNodeState{
			Addresses: []k8sAddress{
				{Type: "InternalIP", Address: n.Address},
				{Type: "Hostname", Address: n.ID},
			},
			NodeInfo:    k8sNodeInfo{Architecture: shape.Arch, OperatingSystem: shape.OS},
			Capacity:    quantities(shape.Capacity, shape.Pods),
			Allocatable: quantities(shape.Allocatable, shape.Pods),
		},
	}
	b, err := yaml.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("render node manifest: %w", err)
	}
	return b, nil
}

func quantities(r model.Resource, pods int) map[string]string {
	return map[string]string{
		"cpu":    strconv.FormatInt(r.MilliCPU, 10) + "m",
		"memory": strconv.FormatInt(r.MemoryMiB(), 10) + "Mi",
		"pods":   strconv.Itoa(pods),
	}
}
