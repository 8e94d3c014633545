package domain

import (
	"errors"
	"math"
)

// TaskResourceSpec is a per-task resource declaration. Declared is false when
// the workflow task omits a resource block entirely.
type TaskResourceSpec struct {
	TaskName  string  `json:"task_name" yaml:"taskName"`
	CPU       float64 `json:"cpu" yaml:"cpu"`
	MemoryGiB float64 `json:"memory_gib" yaml:"memoryGiB"`
	Declared  bool    `json:"declared" yaml:"declared"`
}

// ResourceBounds are the service-imposed limits for a single task.
type ResourceBounds struct {
	MinCPU       float64 `json:"min_cpu" yaml:"minCpu"`
	MaxCPU       float64 `json:"max_cpu" yaml:"maxCpu"`
	MinMemoryGiB float64 `json:"min_memory_gib" yaml:"minMemoryGiB"`
	MaxMemoryGiB float64 `json:"max_memory_gib" yaml:"maxMemoryGiB"`
}

func (b ResourceBounds) Validate() error {
	for _, v := range []float64{b.MinCPU, b.MaxCPU, b.MinMemoryGiB, b.MaxMemoryGiB} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("bounds must be finite")
		}
	}
	if b.MinCPU <= 0 {
		return errors.New("min cpu must be positive")
	}
	if b.MinMemoryGiB <= 0 {
		return errors.New("min memory must be positive")
	}
	if b.MaxCPU < b.MinCPU {
		return errors.New("max cpu must be >= min cpu")
	}
	if b.MaxMemoryGiB < b.MinMemoryGiB {
		return errors.New("max memory must be >= min memory")
	}
	return nil
}
