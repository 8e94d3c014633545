// Package runs starts runs of ACTIVE workflow versions and diagnoses the ones
// that fail.
package runs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/omicsflow/internal/diagnostics"
	"github.com/animus-labs/omicsflow/internal/domain"
	"github.com/animus-labs/omicsflow/internal/inputs"
	"github.com/animus-labs/omicsflow/internal/platform/auditlog"
	"github.com/animus-labs/omicsflow/internal/platform/metrics"
	"github.com/animus-labs/omicsflow/internal/platform/objectstore"
	"github.com/animus-labs/omicsflow/internal/repo"
)

type ServiceClient interface {
	StartRun(ctx context.Context, req domain.RunRequest) (domain.ServiceRun, error)
	GetRun(ctx context.Context, runID string) (domain.ServiceRun, error)
	GetLogs(ctx context.Context, runID string) ([]string, error)
}

type AuditInfo struct {
	Actor     string
	RequestID string
	Service   string
}

type Service struct {
	versions repo.WorkflowVersionRepository
	runs     repo.RunRepository
	client   ServiceClient
	audit    auditlog.Appender

	inputs  objectstore.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Service)

// WithInputStore checks that s3:// parameters exist before a run starts.
func WithInputStore(store objectstore.Store) Option {
	return func(s *Service) { s.inputs = store }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func New(versions repo.WorkflowVersionRepository, runRepo repo.RunRepository, client ServiceClient, audit auditlog.Appender, opts ...Option) *Service {
	if versions == nil || runRepo == nil || client == nil || audit == nil {
		return nil
	}
	s := &Service{
		versions: versions,
		runs:     runRepo,
		client:   client,
		audit:    audit,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type StartRequest struct {
	WorkflowID  string         `json:"workflow_id"`
	VersionName string         `json:"version_name"`
	RoleARN     string         `json:"role_arn"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	OutputURI   string         `json:"output_uri,omitempty"`
}

// Start launches a run. Only ACTIVE versions accept runs. The role ARN is
// passed through and recorded as given.
func (s *Service) Start(ctx context.Context, info AuditInfo, req StartRequest) (domain.Run, error) {
	roleARN := strings.TrimSpace(req.RoleARN)
	if roleARN == "" {
		return domain.Run{}, domain.ConfigurationError("MissingRoleARN", domain.ErrValidationFailed, "roleArn", "")
	}
	key := domain.VersionKey{WorkflowID: req.WorkflowID, VersionName: req.VersionName}
	version, err := s.versions.Get(ctx, key)
	if err != nil {
		return domain.Run{}, err
	}
	if version.State != domain.VersionActive {
		return domain.Run{}, &domain.Error{
			Class: domain.ClassConfiguration,
			Kind:  "VersionNotActive",
			Field: "version",
			Value: key.String(),
			Bound: string(version.State),
			Err:   domain.ErrVersionNotActive,
		}
	}
	if err := inputs.Check(req.Parameters); err != nil {
		return domain.Run{}, err
	}
	if s.inputs != nil {
		if err := inputs.CheckObjects(ctx, s.inputs, req.Parameters); err != nil {
			return domain.Run{}, err
		}
	}

	remote, err := s.client.StartRun(ctx, domain.RunRequest{
		WorkflowID:  key.WorkflowID,
		VersionName: key.VersionName,
		RoleARN:     roleARN,
		Parameters:  req.Parameters,
		OutputURI:   req.OutputURI,
	})
	if err != nil {
		return domain.Run{}, err
	}
	status := domain.NormalizeRunStatus(remote.Status)
	if status == "" {
		status = domain.RunPending
	}
	run := domain.Run{
		RunID:       remote.RunID,
		WorkflowID:  key.WorkflowID,
		VersionName: key.VersionName,
		RoleARN:     roleARN,
		Status:      status,
		Parameters:  req.Parameters,
		StartedAt:   s.now(),
	}

	// The service already accepted the run; record it even if the caller left.
	commitCtx := context.WithoutCancel(ctx)
	if err := s.runs.CreateRun(commitCtx, run); err != nil {
		return run, err
	}
	s.appendAudit(commitCtx, info, auditlog.ActionRunStarted, run.RunID, map[string]any{
		"workflow_id":  run.WorkflowID,
		"version_name": run.VersionName,
		"role_arn":     run.RoleARN,
		"status":       string(run.Status),
	})
	s.logger.Info("run started", "run_id", run.RunID, "workflow_id", run.WorkflowID, "version", run.VersionName)
	return run, nil
}

// Result pairs the failure artifact with the advice derived from it.
type Result struct {
	Failure   domain.RunFailure `json:"failure"`
	Diagnosis domain.Diagnosis  `json:"diagnosis"`
}

// Diagnose fetches a failed run and its log references from the service and
// classifies the failure. Runs that have not failed yield ErrRunNotFailed.
func (s *Service) Diagnose(ctx context.Context, info AuditInfo, runID string) (Result, error) {
	remote, err := s.client.GetRun(ctx, runID)
	if err != nil {
		return Result{}, err
	}
	status := domain.NormalizeRunStatus(remote.Status)
	if status != "" {
		if err := s.runs.UpdateRunStatus(ctx, runID, status); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return Result{}, err
		}
	}
	if status != domain.RunFailed {
		return Result{}, &domain.Error{Class: domain.ClassValidation, Kind: "RunNotFailed", Field: "status", Value: remote.Status, Err: domain.ErrRunNotFailed}
	}

	logRefs, err := s.client.GetLogs(ctx, runID)
	if err != nil {
		return Result{}, err
	}
	if remote.RunID == "" {
		remote.RunID = runID
	}
	failure := remote.Failure(logRefs)
	diagnosis := diagnostics.Classify(failure)
	s.metrics.Classification(string(diagnosis.Category))

	s.appendAudit(context.WithoutCancel(ctx), info, auditlog.ActionRunDiagnosed, runID, map[string]any{
		"status_class": string(failure.StatusClass),
		"status_code":  failure.StatusCode,
		"category":     string(diagnosis.Category),
		"retryable":    diagnosis.Retryable,
		"task_name":    failure.TaskName,
	})
	return Result{Failure: failure, Diagnosis: diagnosis}, nil
}

func (s *Service) Get(ctx context.Context, runID string) (domain.Run, error) {
	return s.runs.GetRun(ctx, runID)
}

func (s *Service) List(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	return s.runs.ListRuns(ctx, filter)
}

func (s *Service) appendAudit(ctx context.Context, info AuditInfo, action, runID string, payload map[string]any) {
	payload["service"] = info.Service
	actor := strings.TrimSpace(info.Actor)
	if actor == "" {
		actor = "system"
	}
	err := s.audit.Append(ctx, auditlog.Event{
		OccurredAt:   s.now(),
		Actor:        actor,
		Action:       action,
		ResourceType: "run",
		ResourceID:   runID,
		RequestID:    info.RequestID,
		Payload:      payload,
	})
	if err != nil {
		s.logger.Error("audit append failed", "action", action, "run_id", runID, "error", err)
	}
}
