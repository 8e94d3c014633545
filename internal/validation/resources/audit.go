package resources

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/omicsflow/internal/domain"
)

type FindingKind string

const (
	FindingMissing      FindingKind = "Missing"
	FindingBelowMinimum FindingKind = "BelowMinimum"
	FindingAboveMaximum FindingKind = "AboveMaximum"
	// FindingInvalid marks a declared value that is not a finite number.
	FindingInvalid FindingKind = "Invalid"
)

const (
	FieldCPU       = "cpu"
	FieldMemoryGiB = "memoryGiB"
)

// Finding is one resource violation for one task field. Bound is the limit
// that was crossed and is zero for Missing and Invalid.
type Finding struct {
	TaskName string      `json:"task_name"`
	Kind     FindingKind `json:"kind"`
	Field    string      `json:"field"`
	Value    float64     `json:"value"`
	Bound    float64     `json:"bound"`
}

func (f Finding) String() string {
	switch f.Kind {
	case FindingMissing:
		return fmt.Sprintf("%s %s: %s not declared", f.TaskName, f.Kind, f.Field)
	case FindingInvalid:
		return fmt.Sprintf("%s %s: %s is not a finite number", f.TaskName, f.Kind, f.Field)
	default:
		return fmt.Sprintf("%s %s: %s=%s bound=%s", f.TaskName, f.Kind, f.Field, formatFloat(f.Value), formatFloat(f.Bound))
	}
}

// Findings is an ordered audit result.
type Findings []Finding

// Err returns a ValidationError listing every finding, or nil.
func (fs Findings) Err() error {
	if len(fs) == 0 {
		return nil
	}
	details := make([]string, 0, len(fs))
	for _, f := range fs {
		details = append(details, f.String())
	}
	return domain.ValidationFailure("ResourceConstraintViolation", domain.ErrValidationFailed, details)
}

// Audit checks every task against bounds. Tasks are audited concurrently;
// findings keep input task order with cpu before memory. Inputs are never
// modified and values above a maximum are reported, not clamped.
func Audit(ctx context.Context, tasks []domain.TaskResourceSpec, bounds domain.ResourceBounds) (Findings, error) {
	if err := bounds.Validate(); err != nil {
		return nil, domain.ConfigurationError("InvalidResourceBounds", err, "bounds", err.Error())
	}

	perTask := make([][]Finding, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range tasks {
		task := tasks[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perTask[i] = auditTask(task, bounds)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := Findings{}
	for _, fs := range perTask {
		out = append(out, fs...)
	}
	return out, nil
}

func auditTask(task domain.TaskResourceSpec, bounds domain.ResourceBounds) []Finding {
	name := strings.TrimSpace(task.TaskName)
	var out []Finding
	check := func(field string, value, min, max float64) {
		switch {
		case !task.Declared || value == 0:
			out = append(out, Finding{TaskName: name, Kind: FindingMissing, Field: field})
		case math.IsNaN(value) || math.IsInf(value, 0):
			out = append(out, Finding{TaskName: name, Kind: FindingInvalid, Field: field})
		case value < min:
			out = append(out, Finding{TaskName: name, Kind: FindingBelowMinimum, Field: field, Value: value, Bound: min})
		case value > max:
			out = append(out, Finding{TaskName: name, Kind: FindingAboveMaximum, Field: field, Value: value, Bound: max})
		}
	}
	check(FieldCPU, task.CPU, bounds.MinCPU, bounds.MaxCPU)
	check(FieldMemoryGiB, task.MemoryGiB, bounds.MinMemoryGiB, bounds.MaxMemoryGiB)
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
