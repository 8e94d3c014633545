package resources

import (
	"errors"
	"math"

	"github.com/animus-labs/omicsflow/internal/domain"
)

// Defaults fill resource fields a task leaves undeclared.
type Defaults struct {
	CPU       float64 `json:"cpu" yaml:"cpu"`
	MemoryGiB float64 `json:"memory_gib" yaml:"memoryGiB"`
}

func (d Defaults) Validate() error {
	if !finite(d.CPU) || d.CPU <= 0 {
		return errors.New("default cpu must be positive")
	}
	if !finite(d.MemoryGiB) || d.MemoryGiB <= 0 {
		return errors.New("default memory must be positive")
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Change records one field ApplyDefaults filled in.
type Change struct {
	TaskName string  `json:"task_name"`
	Field    string  `json:"field"`
	From     float64 `json:"from"`
	To       float64 `json:"to"`
}

// ApplyDefaults returns a copy of tasks with missing fields set from defaults
// and the list of changes made. Declared values are kept even when they are
// out of bounds; Audit reports those.
func ApplyDefaults(tasks []domain.TaskResourceSpec, defaults Defaults) ([]domain.TaskResourceSpec, []Change, error) {
	if err := defaults.Validate(); err != nil {
		return nil, nil, domain.ConfigurationError("InvalidResourceDefaults", err, "defaults", err.Error())
	}
	out := make([]domain.TaskResourceSpec, len(tasks))
	var changes []Change
	for i, task := range tasks {
		next := task
		if !task.Declared || task.CPU == 0 {
			next.CPU = defaults.CPU
			changes = append(changes, Change{TaskName: task.TaskName, Field: FieldCPU, From: task.CPU, To: defaults.CPU})
		}
		if !task.Declared || task.MemoryGiB == 0 {
			next.MemoryGiB = defaults.MemoryGiB
			changes = append(changes, Change{TaskName: task.TaskName, Field: FieldMemoryGiB, From: task.MemoryGiB, To: defaults.MemoryGiB})
		}
		next.Declared = true
		out[i] = next
	}
	return out, changes, nil
}
