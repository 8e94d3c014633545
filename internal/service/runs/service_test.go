package runs

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/animus-labs/omicsflow/internal/diagnostics"
	"github.com/animus-labs/omicsflow/internal/domain"
	"github.com/animus-labs/omicsflow/internal/platform/auditlog"
	"github.com/animus-labs/omicsflow/internal/platform/objectstore"
	"github.com/animus-labs/omicsflow/internal/repo/memory"
)

type fakeClient struct {
	started []domain.RunRequest
	run     domain.ServiceRun
	logs    []string
	err     error
}

func (f *fakeClient) StartRun(ctx context.Context, req domain.RunRequest) (domain.ServiceRun, error) {
	if f.err != nil {
		return domain.ServiceRun{}, f.err
	}
	f.started = append(f.started, req)
	return domain.ServiceRun{RunID: "run-1", Status: "STARTING"}, nil
}

func (f *fakeClient) GetRun(ctx context.Context, runID string) (domain.ServiceRun, error) {
	if f.err != nil {
		return domain.ServiceRun{}, f.err
	}
	return f.run, nil
}

func (f *fakeClient) GetLogs(ctx context.Context, runID string) ([]string, error) {
	return f.logs, nil
}

type fixture struct {
	service  *Service
	versions *memory.VersionStore
	runs     *memory.RunStore
	client   *fakeClient
	audit    *auditlog.Recorder
	store    *objectstore.Memory
}

var testInfo = AuditInfo{Actor: "tester", RequestID: "req-1", Service: "tests"}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		versions: memory.NewVersionStore(),
		runs:     memory.NewRunStore(),
		client:   &fakeClient{},
		audit:    &auditlog.Recorder{},
		store:    objectstore.NewMemory(),
	}
	f.service = New(f.versions, f.runs, f.client, f.audit, WithInputStore(f.store))
	if f.service == nil {
		t.Fatalf("expected service")
	}
	ctx := context.Background()
	for _, name := range []string{"1.0.0", "1.1.0"} {
		if _, err := f.versions.Insert(ctx, domain.WorkflowVersion{WorkflowID: "wf-1", VersionName: name}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if _, _, err := f.versions.Transition(ctx, domain.VersionKey{WorkflowID: "wf-1", VersionName: "1.0.0"}, domain.VersionActive, ""); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := f.store.Put(ctx, "inputs", "sample-1/reads.fq", bytes.NewReader([]byte("@r")), 2, "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	return f
}

func TestStart(t *testing.T) {
	f := newFixture(t)
	run, err := f.service.Start(context.Background(), testInfo, StartRequest{
		WorkflowID:  "wf-1",
		VersionName: "1.0.0",
		RoleARN:     "arn:aws:iam::123456789012:role/omics-runner",
		Parameters:  map[string]any{"reads": "s3://inputs/sample-1/reads.fq"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.RunID != "run-1" || run.Status != domain.RunPending || run.RoleARN != "arn:aws:iam::123456789012:role/omics-runner" {
		t.Fatalf("unexpected run %+v", run)
	}
	stored, err := f.runs.GetRun(context.Background(), "run-1")
	if err != nil || stored.VersionName != "1.0.0" {
		t.Fatalf("expected stored run, got %+v err=%v", stored, err)
	}
	records := f.audit.Events()
	if len(records) != 1 || records[0].Action != auditlog.ActionRunStarted {
		t.Fatalf("unexpected audit events %v", f.audit.Actions())
	}
	if !bytes.Contains(records[0].PayloadJSON, []byte("omics-runner")) {
		t.Fatalf("expected role arn in audit payload, got %s", records[0].PayloadJSON)
	}
}

func TestStart_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		req     StartRequest
		wantErr error
	}{
		{
			name:    "pending version",
			req:     StartRequest{WorkflowID: "wf-1", VersionName: "1.1.0", RoleARN: "arn:role"},
			wantErr: domain.ErrVersionNotActive,
		},
		{
			name:    "unknown version",
			req:     StartRequest{WorkflowID: "wf-1", VersionName: "9.0.0", RoleARN: "arn:role"},
			wantErr: domain.ErrNotFound,
		},
		{
			name:    "missing role",
			req:     StartRequest{WorkflowID: "wf-1", VersionName: "1.0.0"},
			wantErr: domain.ErrValidationFailed,
		},
		{
			name:    "namespaced parameter",
			req:     StartRequest{WorkflowID: "wf-1", VersionName: "1.0.0", RoleARN: "arn:role", Parameters: map[string]any{"main.reads": "x"}},
			wantErr: domain.ErrValidationFailed,
		},
		{
			name:    "missing input object",
			req:     StartRequest{WorkflowID: "wf-1", VersionName: "1.0.0", RoleARN: "arn:role", Parameters: map[string]any{"reads": "s3://inputs/absent.fq"}},
			wantErr: domain.ErrValidationFailed,
		},
	}
	for _, tt := range tests {
		f := newFixture(t)
		if _, err := f.service.Start(context.Background(), testInfo, tt.req); !errors.Is(err, tt.wantErr) {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.wantErr, err)
		}
		if len(f.client.started) != 0 || len(f.audit.Events()) != 0 {
			t.Fatalf("%s: expected no run to be started", tt.name)
		}
	}
}

func TestDiagnose(t *testing.T) {
	f := newFixture(t)
	exit := 137
	f.client.run = domain.ServiceRun{RunID: "run-1", Status: "FAILED", StatusClass: "customer", StatusCode: 400, TaskName: "sort", ExitCode: &exit}
	f.client.logs = []string{"run-1/task/sort/stderr"}

	got, err := f.service.Diagnose(context.Background(), testInfo, "run-1")
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if got.Failure.StatusClass != domain.StatusClassCustomer || got.Diagnosis.Retryable || got.Diagnosis.Category != domain.CategoryConfigurationInput {
		t.Fatalf("unexpected result %+v", got)
	}
	if got.Diagnosis.TaskName != "sort" || len(got.Diagnosis.LogRefs) != 1 {
		t.Fatalf("expected task and log refs, got %+v", got.Diagnosis)
	}
	if got.Diagnosis.SuggestedAction == diagnostics.ActionFixInput {
		t.Fatalf("expected memory hint for exit 137")
	}
	if actions := f.audit.Actions(); len(actions) != 1 || actions[0] != auditlog.ActionRunDiagnosed {
		t.Fatalf("unexpected audit actions %v", actions)
	}
}

func TestDiagnose_TransientFailure(t *testing.T) {
	f := newFixture(t)
	f.client.run = domain.ServiceRun{RunID: "run-2", Status: "FAILED", StatusClass: "SERVICE", StatusCode: 503}

	got, err := f.service.Diagnose(context.Background(), testInfo, "run-2")
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if !got.Diagnosis.Retryable || got.Diagnosis.SuggestedAction != diagnostics.ActionResubmit {
		t.Fatalf("unexpected diagnosis %+v", got.Diagnosis)
	}
}

func TestDiagnose_RunNotFailed(t *testing.T) {
	f := newFixture(t)
	f.client.run = domain.ServiceRun{RunID: "run-1", Status: "RUNNING"}
	if _, err := f.service.Diagnose(context.Background(), testInfo, "run-1"); !errors.Is(err, domain.ErrRunNotFailed) {
		t.Fatalf("expected run not failed, got %v", err)
	}
}

func TestDiagnose_PropagatesServiceErrors(t *testing.T) {
	f := newFixture(t)
	f.client.err = &domain.Error{Class: domain.ClassTransientService, Kind: "ServiceUnavailable", Err: domain.ErrServiceUnavailable}
	if _, err := f.service.Diagnose(context.Background(), testInfo, "run-1"); !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Fatalf("expected service unavailable, got %v", err)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if New(nil, memory.NewRunStore(), &fakeClient{}, &auditlog.Recorder{}) != nil {
		t.Fatalf("expected nil service without a version repository")
	}
}
