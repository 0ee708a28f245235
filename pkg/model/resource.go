package model

// Resource 节点资源规格 (注册到外部调度器时上报)
type Resource struct {
	MilliCPU int64 `json:"milli_cpu" yaml:"milli_cpu" mapstructure:"milli_cpu"`
	Memory   int64 `json:"memory" yaml:"memory" mapstructure:"memory"` // bytes
}

// CPUs returns whole cores, rounding down but never below one.
func (r Resource) CPUs() int64 {
	if r.MilliCPU < 1000 {
		return 1
	}
	return r.MilliCPU / 1000
}

// MemoryMiB returns the memory in mebibytes.
func (r Resource) MemoryMiB() int64 {
	return r.Memory / (1024 * 1024)
}
