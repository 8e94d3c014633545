package resources

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/animus-labs/omicsflow/internal/domain"
)

var testBounds = domain.ResourceBounds{MinCPU: 2, MaxCPU: 96, MinMemoryGiB: 4, MaxMemoryGiB: 768}

func TestAudit(t *testing.T) {
	tests := []struct {
		name string
		task domain.TaskResourceSpec
		want []Finding
	}{
		{
			name: "within bounds",
			task: domain.TaskResourceSpec{TaskName: "align", CPU: 4, MemoryGiB: 8, Declared: true},
			want: nil,
		},
		{
			name: "below minimum",
			task: domain.TaskResourceSpec{TaskName: "align", CPU: 1, MemoryGiB: 2, Declared: true},
			want: []Finding{
				{TaskName: "align", Kind: FindingBelowMinimum, Field: FieldCPU, Value: 1, Bound: 2},
				{TaskName: "align", Kind: FindingBelowMinimum, Field: FieldMemoryGiB, Value: 2, Bound: 4},
			},
		},
		{
			name: "above maximum is not clamped",
			task: domain.TaskResourceSpec{TaskName: "call", CPU: 128, MemoryGiB: 8, Declared: true},
			want: []Finding{
				{TaskName: "call", Kind: FindingAboveMaximum, Field: FieldCPU, Value: 128, Bound: 96},
			},
		},
		{
			name: "undeclared",
			task: domain.TaskResourceSpec{TaskName: "qc"},
			want: []Finding{
				{TaskName: "qc", Kind: FindingMissing, Field: FieldCPU},
				{TaskName: "qc", Kind: FindingMissing, Field: FieldMemoryGiB},
			},
		},
		{
			name: "nan is reported",
			task: domain.TaskResourceSpec{TaskName: "align", CPU: math.NaN(), MemoryGiB: math.NaN(), Declared: true},
			want: []Finding{
				{TaskName: "align", Kind: FindingInvalid, Field: FieldCPU},
				{TaskName: "align", Kind: FindingInvalid, Field: FieldMemoryGiB},
			},
		},
		{
			name: "infinite memory is reported",
			task: domain.TaskResourceSpec{TaskName: "sort", CPU: 4, MemoryGiB: math.Inf(1), Declared: true},
			want: []Finding{
				{TaskName: "sort", Kind: FindingInvalid, Field: FieldMemoryGiB},
			},
		},
		{
			name: "memory omitted",
			task: domain.TaskResourceSpec{TaskName: "qc", CPU: 2, Declared: true},
			want: []Finding{
				{TaskName: "qc", Kind: FindingMissing, Field: FieldMemoryGiB},
			},
		},
	}

	for _, tt := range tests {
		input := []domain.TaskResourceSpec{tt.task}
		got, err := Audit(context.Background(), input, testBounds)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.name, err)
		}
		if len(got) != len(tt.want) || (len(got) > 0 && !reflect.DeepEqual([]Finding(got), tt.want)) {
			t.Fatalf("%s: unexpected findings %v", tt.name, got)
		}
		if !sameSpec(input[0], tt.task) {
			t.Fatalf("%s: input was modified", tt.name)
		}
	}
}

func sameSpec(a, b domain.TaskResourceSpec) bool {
	eq := func(x, y float64) bool { return x == y || (math.IsNaN(x) && math.IsNaN(y)) }
	return a.TaskName == b.TaskName && a.Declared == b.Declared && eq(a.CPU, b.CPU) && eq(a.MemoryGiB, b.MemoryGiB)
}

func TestAudit_KeepsTaskOrder(t *testing.T) {
	tasks := make([]domain.TaskResourceSpec, 0, 50)
	for i := 0; i < 50; i++ {
		tasks = append(tasks, domain.TaskResourceSpec{TaskName: string(rune('A' + i%26)), CPU: 1, MemoryGiB: 8, Declared: true})
	}
	first, err := Audit(context.Background(), tasks, testBounds)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(first) != 50 {
		t.Fatalf("expected 50 findings, got %d", len(first))
	}
	for i, f := range first {
		if f.TaskName != tasks[i].TaskName {
			t.Fatalf("finding %d out of order: %v", i, f)
		}
	}
	second, err := Audit(context.Background(), tasks, testBounds)
	if err != nil {
		t.Fatalf("audit repeat: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical findings")
	}

	err = first.Err()
	if !errors.Is(err, domain.ErrValidationFailed) || domain.ClassOf(err) != domain.ClassValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAudit_RejectsBadBounds(t *testing.T) {
	for _, bounds := range []domain.ResourceBounds{
		{MinCPU: 4, MaxCPU: 2, MinMemoryGiB: 1, MaxMemoryGiB: 2},
		{MinCPU: 2, MaxCPU: math.NaN(), MinMemoryGiB: 1, MaxMemoryGiB: 2},
	} {
		_, err := Audit(context.Background(), nil, bounds)
		if domain.ClassOf(err) != domain.ClassConfiguration {
			t.Fatalf("%+v: expected configuration error, got %v", bounds, err)
		}
	}
}

func TestAudit_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tasks := []domain.TaskResourceSpec{{TaskName: "a", CPU: 4, MemoryGiB: 8, Declared: true}}
	if _, err := Audit(ctx, tasks, testBounds); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	tasks := []domain.TaskResourceSpec{
		{TaskName: "align", CPU: 8, MemoryGiB: 32, Declared: true},
		{TaskName: "qc"},
		{TaskName: "sort", CPU: 200, Declared: true},
	}
	out, changes, err := ApplyDefaults(tasks, Defaults{CPU: 2, MemoryGiB: 4})
	if err != nil {
		t.Fatalf("apply defaults: %v", err)
	}
	if tasks[1].Declared || tasks[1].CPU != 0 {
		t.Fatalf("input was modified")
	}
	if out[0] != tasks[0] {
		t.Fatalf("declared task changed: %+v", out[0])
	}
	if out[1].CPU != 2 || out[1].MemoryGiB != 4 || !out[1].Declared {
		t.Fatalf("unexpected defaults %+v", out[1])
	}
	if out[2].CPU != 200 || out[2].MemoryGiB != 4 {
		t.Fatalf("expected declared cpu kept, got %+v", out[2])
	}
	want := []Change{
		{TaskName: "qc", Field: FieldCPU, From: 0, To: 2},
		{TaskName: "qc", Field: FieldMemoryGiB, From: 0, To: 4},
		{TaskName: "sort", Field: FieldMemoryGiB, From: 0, To: 4},
	}
	if !reflect.DeepEqual(changes, want) {
		t.Fatalf("unexpected changes %v", changes)
	}

	findings, err := Audit(context.Background(), out, testBounds)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(findings) != 1 || findings[0].Kind != FindingAboveMaximum {
		t.Fatalf("expected only the above-maximum finding, got %v", findings)
	}

	if _, _, err := ApplyDefaults(tasks, Defaults{CPU: math.NaN(), MemoryGiB: 4}); domain.ClassOf(err) != domain.ClassConfiguration {
		t.Fatalf("expected configuration error for nan default, got %v", err)
	}
}

func TestParseMemoryGiB(t *testing.T) {
	tests := []struct {
		value   string
		want    float64
		wantErr bool
	}{
		{value: "8", want: 8},
		{value: "8GiB", want: 8},
		{value: "16 Gi", want: 16},
		{value: "512MiB", want: 0.5},
		{value: "", wantErr: true},
		{value: "-1", wantErr: true},
		{value: "lots", wantErr: true},
		{value: "NaN", wantErr: true},
		{value: "+Inf", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseMemoryGiB(tt.value)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%q: expected err=%v, got %v", tt.value, tt.wantErr, err)
		}
		if !tt.wantErr && got != tt.want {
			t.Fatalf("%q: expected %v, got %v", tt.value, tt.want, got)
		}
	}
}

func TestTasksDocument(t *testing.T) {
	doc, err := LoadTasksDocument([]byte(`
bounds:
  minCpu: 2
  maxCpu: 96
  minMemoryGiB: 4
  maxMemoryGiB: 768
tasks:
  - name: align
    cpu: 1
    memory: 2GiB
  - name: qc
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	specs, err := doc.Specs()
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	if len(specs) != 2 || specs[0].MemoryGiB != 2 || !specs[0].Declared || specs[1].Declared {
		t.Fatalf("unexpected specs %+v", specs)
	}
	if doc.Bounds == nil || *doc.Bounds != testBounds {
		t.Fatalf("unexpected bounds %+v", doc.Bounds)
	}

	if _, err := LoadTasksDocument([]byte("tasks:\n  - name: a\n    gpu: 1\n")); !errors.Is(err, domain.ErrMalformedDocument) {
		t.Fatalf("expected malformed document for unknown field, got %v", err)
	}
	nanDoc, err := LoadTasksDocument([]byte("tasks:\n  - name: align\n    cpu: .nan\n    memory: NaN\n"))
	if err != nil {
		t.Fatalf("load nan document: %v", err)
	}
	_, err = nanDoc.Specs()
	var de *domain.Error
	if !errors.Is(err, domain.ErrMalformedDocument) || !errors.As(err, &de) || len(de.Details) != 1 {
		t.Fatalf("expected one malformed detail for non-finite values, got %v", err)
	}

	bad := TasksDocument{Tasks: []TaskDeclaration{{Name: ""}, {Name: "x", Memory: "much"}}}
	if _, err := bad.Specs(); !errors.Is(err, domain.ErrMalformedDocument) {
		t.Fatalf("expected malformed document, got %v", err)
	}
}
