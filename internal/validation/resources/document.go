package resources

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/animus-labs/omicsflow/internal/domain"
)

const bytesPerGiB = 1 << 30

// ParseMemoryGiB converts a memory declaration into GiB. Bare numbers are
// GiB; suffixed values ("8GiB", "16 GB", "512Mi") go through humanize.
func ParseMemoryGiB(value string) (float64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, errors.New("memory value is empty")
	}
	if v, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("memory %q must be a finite number", value)
		}
		if v < 0 {
			return 0, fmt.Errorf("memory %q must not be negative", value)
		}
		return v, nil
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("parse memory %q: %w", value, err)
	}
	return float64(n) / bytesPerGiB, nil
}

// TasksDocument is the on-disk form of per-task resource declarations used by
// the CLI and the deployer API.
type TasksDocument struct {
	Bounds   *domain.ResourceBounds `yaml:"bounds,omitempty" json:"bounds,omitempty"`
	Defaults *Defaults              `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Tasks    []TaskDeclaration      `yaml:"tasks" json:"tasks"`
}

// TaskDeclaration keeps CPU and memory optional so an omitted block is
// distinguishable from a zero value.
type TaskDeclaration struct {
	Name   string   `yaml:"name" json:"name"`
	CPU    *float64 `yaml:"cpu,omitempty" json:"cpu,omitempty"`
	Memory string   `yaml:"memory,omitempty" json:"memory,omitempty"`
}

// Specs converts declarations to TaskResourceSpecs. Every malformed task is
// reported.
func (d TasksDocument) Specs() ([]domain.TaskResourceSpec, error) {
	out := make([]domain.TaskResourceSpec, 0, len(d.Tasks))
	var details []string
	for i, task := range d.Tasks {
		name := strings.TrimSpace(task.Name)
		if name == "" {
			details = append(details, fmt.Sprintf("tasks[%d].name is required", i))
			continue
		}
		spec := domain.TaskResourceSpec{TaskName: name, Declared: task.CPU != nil || strings.TrimSpace(task.Memory) != ""}
		if task.CPU != nil {
			if math.IsNaN(*task.CPU) || math.IsInf(*task.CPU, 0) {
				details = append(details, fmt.Sprintf("tasks[%d].cpu must be a finite number", i))
				continue
			}
			if *task.CPU < 0 {
				details = append(details, fmt.Sprintf("tasks[%d].cpu must not be negative", i))
				continue
			}
			spec.CPU = *task.CPU
		}
		if strings.TrimSpace(task.Memory) != "" {
			mem, err := ParseMemoryGiB(task.Memory)
			if err != nil {
				details = append(details, fmt.Sprintf("tasks[%d].memory: %v", i, err))
				continue
			}
			spec.MemoryGiB = mem
		}
		out = append(out, spec)
	}
	if len(details) > 0 {
		return nil, domain.ValidationFailure("MalformedTasksDocument", domain.ErrMalformedDocument, details)
	}
	return out, nil
}

// LoadTasksDocument decodes a YAML or JSON tasks document. Unknown fields are
// rejected.
func LoadTasksDocument(raw []byte) (TasksDocument, error) {
	var doc TasksDocument
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return TasksDocument{}, domain.ValidationFailure("MalformedTasksDocument", domain.ErrMalformedDocument, []string{"document is empty"})
		}
		return TasksDocument{}, domain.ValidationFailure("MalformedTasksDocument", domain.ErrMalformedDocument, []string{err.Error()})
	}
	return doc, nil
}
