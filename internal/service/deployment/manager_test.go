package deployment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/animus-labs/omicsflow/internal/domain"
	"github.com/animus-labs/omicsflow/internal/platform/auditlog"
	"github.com/animus-labs/omicsflow/internal/platform/objectstore"
	"github.com/animus-labs/omicsflow/internal/repo"
	"github.com/animus-labs/omicsflow/internal/repo/memory"
	"github.com/animus-labs/omicsflow/internal/resolver"
	"github.com/animus-labs/omicsflow/internal/validation/bundle"
)

var testBounds = domain.ResourceBounds{MinCPU: 2, MaxCPU: 96, MinMemoryGiB: 4, MaxMemoryGiB: 768}

const testMapDocument = `
registryMappings:
  - upstreamRegistryUrl: quay.io
    ecrRepositoryPrefix: quay
`

var testInfo = AuditInfo{Actor: "tester", RequestID: "req-1", Service: "tests"}

type fakeService struct {
	mu            sync.Mutex
	registrations []domain.VersionRegistration
	createStatus  string
	createErr     error
	remote        domain.ServiceVersion
}

func (f *fakeService) EnsureWorkflow(ctx context.Context, workflowID string) error {
	return nil
}

func (f *fakeService) CreateVersion(ctx context.Context, reg domain.VersionRegistration) (domain.ServiceVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrations = append(f.registrations, reg)
	if f.createErr != nil {
		return domain.ServiceVersion{}, f.createErr
	}
	return domain.ServiceVersion{WorkflowID: reg.WorkflowID, VersionName: reg.VersionName, Status: f.createStatus}, nil
}

func (f *fakeService) GetVersion(ctx context.Context, workflowID, versionName string) (domain.ServiceVersion, error) {
	return f.remote, nil
}

type fixture struct {
	manager  *Manager
	versions *memory.VersionStore
	audit    *auditlog.Recorder
	service  *fakeService
	store    *objectstore.Memory
}

func newFixture(t *testing.T, mode resolver.Mode) fixture {
	t.Helper()
	maps, err := resolver.LoadMapSet([]byte(testMapDocument), resolver.Target{AccountID: "123456789012", Region: "us-east-1"})
	if err != nil {
		t.Fatalf("load map set: %v", err)
	}
	f := fixture{
		versions: memory.NewVersionStore(),
		audit:    &auditlog.Recorder{},
		service:  &fakeService{createStatus: "CREATING"},
		store:    objectstore.NewMemory(),
	}
	opts := Options{Bundle: bundle.DefaultOptions(), Bounds: testBounds, Mode: mode, Bucket: "bundles"}
	f.manager, err = New(f.versions, f.audit, opts, WithMapSet(maps), WithService(f.service, f.store))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return f
}

func testTree() fstest.MapFS {
	return fstest.MapFS{
		"main.wdl": {Data: []byte(`version 1.0
import "tasks/align.wdl" as align
workflow main {
  call align.run
}
`)},
		"tasks/align.wdl": {Data: []byte(`version 1.0
task run {
  runtime {
    docker: "quay.io/biocontainers/bwa:0.7.17"
  }
}
`)},
	}
}

func testSubmission(t *testing.T, version string) Submission {
	t.Helper()
	tree := testTree()
	entries, err := bundle.ScanFS(tree, bundle.ScanOptions{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	return Submission{
		WorkflowID:  "wf-1",
		VersionName: version,
		Entries:     entries,
		Tasks:       []domain.TaskResourceSpec{{TaskName: "run", CPU: 4, MemoryGiB: 16, Declared: true}},
		Source:      tree,
	}
}

func TestCreateVersion(t *testing.T) {
	f := newFixture(t, resolver.Strict)
	created, prep, err := f.manager.CreateVersion(context.Background(), testInfo, testSubmission(t, "1.0.0"))
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	if created.State != domain.VersionPending || created.ID == "" || created.BundleDigest == "" {
		t.Fatalf("unexpected version %+v", created)
	}
	if created.BundleDigest != prep.Report.Digest {
		t.Fatalf("expected bundle digest to be recorded")
	}
	if len(prep.Resolutions) != 1 || !strings.HasPrefix(prep.Resolutions[0].Resolved, "123456789012.dkr.ecr.us-east-1.amazonaws.com/quay/") {
		t.Fatalf("unexpected resolutions %+v", prep.Resolutions)
	}
	if got := f.audit.Actions(); len(got) != 1 || got[0] != auditlog.ActionVersionCreated {
		t.Fatalf("unexpected audit actions %v", got)
	}
	if events := f.audit.Events(); events[0].ResourceID != "wf-1@1.0.0" || events[0].Actor != "tester" {
		t.Fatalf("unexpected audit event %+v", events[0].Event)
	}
}

func TestCreateVersion_RejectsInvalidName(t *testing.T) {
	f := newFixture(t, resolver.Strict)
	for _, name := range []string{"1.0", "latest", "1.0.0.0", ""} {
		_, _, err := f.manager.CreateVersion(context.Background(), testInfo, testSubmission(t, name))
		if !errors.Is(err, domain.ErrInvalidVersionName) {
			t.Fatalf("%q: expected invalid version name, got %v", name, err)
		}
	}
	assertNoVersions(t, f)
}

func TestCreateVersion_AggregatesValidationFailures(t *testing.T) {
	f := newFixture(t, resolver.Strict)
	sub := testSubmission(t, "1.0.0")
	sub.Entries = sub.Entries[1:]
	sub.Tasks = []domain.TaskResourceSpec{{TaskName: "run", CPU: 1, MemoryGiB: 1024, Declared: true}}

	_, prep, err := f.manager.CreateVersion(context.Background(), testInfo, sub)
	if !errors.Is(err, domain.ErrValidationFailed) || domain.ClassOf(err) != domain.ClassValidation {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if !prep.Report.Has(bundle.IssueMissingEntrypoint) || len(prep.Findings) != 2 {
		t.Fatalf("expected bundle and resource issues, got %+v", prep)
	}
	var de *domain.Error
	if !errors.As(err, &de) || len(de.Details) != 3 {
		t.Fatalf("expected every issue in the error, got %v", err)
	}
	assertNoVersions(t, f)
}

func TestCreateVersion_StrictUnresolvedReference(t *testing.T) {
	f := newFixture(t, resolver.Strict)
	sub := testSubmission(t, "1.0.0")
	sub.Entries[0].Containers = []string{"ubuntu:22.04"}

	_, _, err := f.manager.CreateVersion(context.Background(), testInfo, sub)
	if !errors.Is(err, domain.ErrUnresolvedReference) || !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("expected unresolved reference, got %v", err)
	}
	assertNoVersions(t, f)
}

func TestCreateVersion_PermissiveFlagsUnresolved(t *testing.T) {
	f := newFixture(t, resolver.Permissive)
	sub := testSubmission(t, "1.0.0")
	sub.Entries[0].Containers = []string{"ubuntu:22.04"}

	_, prep, err := f.manager.CreateVersion(context.Background(), testInfo, sub)
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	flagged := prep.Flagged()
	if len(flagged) != 1 || flagged[0].Resolved != "ubuntu:22.04" || flagged[0].Source != "docker.io/library/ubuntu:22.04" {
		t.Fatalf("expected the unmatched reference returned unchanged, got %+v", flagged)
	}
	want := []string{auditlog.ActionVersionCreated, auditlog.ActionReferenceFlagged}
	if got := f.audit.Actions(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected audit actions %v", got)
	}
}

func TestCreateVersion_WithoutMapSet(t *testing.T) {
	tests := []struct {
		mode        resolver.Mode
		wantErr     bool
		wantActions []string
	}{
		{mode: resolver.Strict, wantErr: true},
		{mode: resolver.Permissive, wantActions: []string{auditlog.ActionVersionCreated, auditlog.ActionReferenceFlagged}},
	}
	for _, tt := range tests {
		versions := memory.NewVersionStore()
		audit := &auditlog.Recorder{}
		opts := Options{Bundle: bundle.DefaultOptions(), Bounds: testBounds, Mode: tt.mode, Bucket: "bundles"}
		manager, err := New(versions, audit, opts)
		if err != nil {
			t.Fatalf("%s: new manager: %v", tt.mode, err)
		}

		created, prep, err := manager.CreateVersion(context.Background(), testInfo, testSubmission(t, "1.0.0"))
		if tt.wantErr {
			if !errors.Is(err, domain.ErrUnresolvedReference) || !errors.Is(err, domain.ErrValidationFailed) {
				t.Fatalf("%s: expected unresolved reference, got %v", tt.mode, err)
			}
			if list, _ := versions.List(context.Background(), repo.VersionFilter{}); len(list) != 0 {
				t.Fatalf("%s: expected no versions, got %v", tt.mode, list)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: create version: %v", tt.mode, err)
		}
		if created.State != domain.VersionPending {
			t.Fatalf("%s: unexpected state %s", tt.mode, created.State)
		}
		flagged := prep.Flagged()
		if len(flagged) != 1 || flagged[0].Resolved != "quay.io/biocontainers/bwa:0.7.17" {
			t.Fatalf("%s: expected the container flagged, got %+v", tt.mode, prep.Resolutions)
		}
		if got := audit.Actions(); strings.Join(got, ",") != strings.Join(tt.wantActions, ",") {
			t.Fatalf("%s: unexpected audit actions %v", tt.mode, got)
		}
	}
}

func TestCreateVersion_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t, resolver.Strict)
	const workers = 8
	sub := testSubmission(t, "2.0.0")
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  int
		duplicates int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.manager.CreateVersion(context.Background(), testInfo, sub)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrDuplicateVersion):
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if successes != 1 || duplicates != workers-1 {
		t.Fatalf("expected 1 success and %d duplicates, got %d and %d", workers-1, successes, duplicates)
	}
}

func TestObserve(t *testing.T) {
	f := newFixture(t, resolver.Strict)
	created, _, err := f.manager.CreateVersion(context.Background(), testInfo, testSubmission(t, "1.0.0"))
	if err != nil {
		t.Fatalf("create version: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	active, err := f.manager.Observe(ctx, testInfo, created.Key(), domain.VersionActive, "")
	if err != nil {
		t.Fatalf("observe active: %v", err)
	}
	if active.State != domain.VersionActive {
		t.Fatalf("expected ACTIVE, got %s", active.State)
	}

	before := len(f.audit.Events())
	again, err := f.manager.Observe(context.Background(), testInfo, created.Key(), domain.VersionActive, "")
	if err != nil || again.State != domain.VersionActive {
		t.Fatalf("expected idempotent re-observe, got %+v err=%v", again, err)
	}
	if len(f.audit.Events()) != before {
		t.Fatalf("expected no audit event for a repeated state")
	}

	if _, err := f.manager.Observe(context.Background(), testInfo, created.Key(), domain.VersionFailed, "late failure"); !errors.Is(err, domain.ErrTerminalState) {
		t.Fatalf("expected terminal state, got %v", err)
	}
	if _, err := f.manager.Observe(context.Background(), testInfo, created.Key(), domain.VersionPending, ""); !errors.Is(err, domain.ErrTerminalState) {
		t.Fatalf("expected terminal state for PENDING, got %v", err)
	}
	if _, err := f.manager.Observe(context.Background(), testInfo, domain.VersionKey{WorkflowID: "wf-1", VersionName: "9.9.9"}, domain.VersionActive, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t, resolver.Strict)
	f.service.createStatus = "ACTIVE"
	sub := testSubmission(t, "1.0.0")
	created, prep, err := f.manager.CreateVersion(context.Background(), testInfo, sub)
	if err != nil {
		t.Fatalf("create version: %v", err)
	}

	registered, err := f.manager.Register(context.Background(), testInfo, created, sub, prep)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	wantURI := "s3://bundles/" + objectstore.BundleKey("wf-1", created.BundleDigest)
	if registered.State != domain.VersionActive || registered.DefinitionURI != wantURI {
		t.Fatalf("unexpected registered version %+v", registered)
	}
	if _, ok := f.store.Get("bundles", objectstore.BundleKey("wf-1", created.BundleDigest)); !ok {
		t.Fatalf("expected staged archive")
	}
	reg := f.service.registrations[0]
	if reg.DefinitionURI != wantURI || reg.Entrypoint != "main.wdl" || len(reg.Containers) != 1 || !strings.Contains(reg.Containers[0], ".dkr.ecr.") {
		t.Fatalf("unexpected registration %+v", reg)
	}
	want := []string{auditlog.ActionVersionCreated, auditlog.ActionVersionStaged, auditlog.ActionVersionTransitioned}
	if got := f.audit.Actions(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected audit actions %v", got)
	}
}

func TestRegister_RejectionFailsVersion(t *testing.T) {
	f := newFixture(t, resolver.Strict)
	f.service.createErr = &domain.Error{Class: domain.ClassValidation, Kind: "ServiceRejected", StatusCode: 400, Err: domain.ErrServiceRejected}
	sub := testSubmission(t, "1.0.0")
	created, prep, err := f.manager.CreateVersion(context.Background(), testInfo, sub)
	if err != nil {
		t.Fatalf("create version: %v", err)
	}

	failed, err := f.manager.Register(context.Background(), testInfo, created, sub, prep)
	if !errors.Is(err, domain.ErrServiceRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if failed.State != domain.VersionFailed || failed.StatusReason == "" {
		t.Fatalf("expected FAILED with reason, got %+v", failed)
	}
}

func TestRegister_TransientLeavesPending(t *testing.T) {
	f := newFixture(t, resolver.Strict)
	f.service.createErr = &domain.Error{Class: domain.ClassTransientService, Kind: "ServiceUnavailable", Err: domain.ErrServiceUnavailable}
	sub := testSubmission(t, "1.0.0")
	created, prep, err := f.manager.CreateVersion(context.Background(), testInfo, sub)
	if err != nil {
		t.Fatalf("create version: %v", err)
	}

	_, err = f.manager.Register(context.Background(), testInfo, created, sub, prep)
	if !domain.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	current, err := f.manager.Get(context.Background(), created.Key())
	if err != nil || current.State != domain.VersionPending {
		t.Fatalf("expected PENDING, got %+v err=%v", current, err)
	}
}

func TestSync(t *testing.T) {
	f := newFixture(t, resolver.Strict)
	created, _, err := f.manager.CreateVersion(context.Background(), testInfo, testSubmission(t, "1.0.0"))
	if err != nil {
		t.Fatalf("create version: %v", err)
	}

	f.service.remote = domain.ServiceVersion{Status: "CREATING"}
	pending, err := f.manager.Sync(context.Background(), testInfo, created.Key())
	if err != nil || pending.State != domain.VersionPending {
		t.Fatalf("expected PENDING, got %+v err=%v", pending, err)
	}

	f.service.remote = domain.ServiceVersion{Status: "FAILED", StatusReason: "definition rejected"}
	failed, err := f.manager.Sync(context.Background(), testInfo, created.Key())
	if err != nil || failed.State != domain.VersionFailed || failed.StatusReason != "definition rejected" {
		t.Fatalf("expected FAILED, got %+v err=%v", failed, err)
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	var k keyedMutex
	unlock := k.Lock("wf-1")
	unlock()
	if len(k.locks) != 0 {
		t.Fatalf("expected lock entry to be released")
	}
}

func assertNoVersions(t *testing.T, f fixture) {
	t.Helper()
	versions, err := f.versions.List(context.Background(), repo.VersionFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("expected nothing inserted, got %d versions", len(versions))
	}
}
