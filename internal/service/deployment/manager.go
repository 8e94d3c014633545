package deployment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/omicsflow/internal/domain"
	"github.com/animus-labs/omicsflow/internal/platform/auditlog"
	"github.com/animus-labs/omicsflow/internal/platform/metrics"
	"github.com/animus-labs/omicsflow/internal/platform/objectstore"
	"github.com/animus-labs/omicsflow/internal/repo"
	"github.com/animus-labs/omicsflow/internal/resolver"
	"github.com/animus-labs/omicsflow/internal/validation/bundle"
)

// ServiceClient is the managed workflow service as the manager sees it.
type ServiceClient interface {
	EnsureWorkflow(ctx context.Context, workflowID string) error
	CreateVersion(ctx context.Context, reg domain.VersionRegistration) (domain.ServiceVersion, error)
	GetVersion(ctx context.Context, workflowID, versionName string) (domain.ServiceVersion, error)
}

type Options struct {
	Bundle bundle.Options
	Bounds domain.ResourceBounds
	Mode   resolver.Mode
	// Bucket receives staged definition archives.
	Bucket string
}

type AuditInfo struct {
	Actor     string
	RequestID string
	Service   string
}

type Manager struct {
	versions repo.WorkflowVersionRepository
	audit    auditlog.Appender
	opts     Options

	maps    *resolver.MapSet
	service ServiceClient
	store   objectstore.Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	locks keyedMutex
	now   func() time.Time
}

type Option func(*Manager)

// WithMapSet sets the rules Prepare resolves containers with. Without it no
// reference matches.
func WithMapSet(set *resolver.MapSet) Option {
	return func(m *Manager) { m.maps = set }
}

// WithService enables Register and Sync.
func WithService(client ServiceClient, store objectstore.Store) Option {
	return func(m *Manager) {
		m.service = client
		m.store = store
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func New(versions repo.WorkflowVersionRepository, audit auditlog.Appender, opts Options, extra ...Option) (*Manager, error) {
	if versions == nil || audit == nil {
		return nil, errors.New("version repository and audit appender are required")
	}
	if err := opts.Bounds.Validate(); err != nil {
		return nil, domain.ConfigurationError("InvalidResourceBounds", err, "bounds", err.Error())
	}
	m := &Manager{
		versions: versions,
		audit:    audit,
		opts:     opts,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range extra {
		opt(m)
	}
	return m, nil
}

// CreateVersion validates sub and inserts a PENDING version. It fails with
// ErrInvalidVersionName, ErrValidationFailed (carrying the preparation) or
// ErrDuplicateVersion.
func (m *Manager) CreateVersion(ctx context.Context, info AuditInfo, sub Submission) (domain.WorkflowVersion, Preparation, error) {
	if strings.TrimSpace(sub.WorkflowID) == "" {
		return domain.WorkflowVersion{}, Preparation{}, domain.ConfigurationError("InvalidWorkflowID", domain.ErrValidationFailed, "workflowId", sub.WorkflowID)
	}
	if err := domain.ValidateVersionName(sub.VersionName); err != nil {
		return domain.WorkflowVersion{}, Preparation{}, err
	}

	prep, err := m.Prepare(ctx, sub)
	if err != nil {
		return domain.WorkflowVersion{}, Preparation{}, err
	}
	if err := prep.Err(); err != nil {
		return domain.WorkflowVersion{}, prep, err
	}

	unlock := m.locks.Lock(sub.WorkflowID)
	defer unlock()

	created, err := m.versions.Insert(ctx, domain.WorkflowVersion{
		WorkflowID:   sub.WorkflowID,
		VersionName:  sub.VersionName,
		BundleDigest: prep.Report.Digest,
	})
	if err != nil {
		return domain.WorkflowVersion{}, prep, err
	}
	m.metrics.Transition(string(created.State))

	auditCtx := context.WithoutCancel(ctx)
	m.appendAudit(auditCtx, info, auditlog.ActionVersionCreated, created, map[string]any{
		"bundle_digest": created.BundleDigest.String(),
		"entrypoint":    prep.Report.Entrypoint,
		"containers":    len(prep.Report.Containers),
		"mode":          m.opts.Mode.String(),
	})
	for _, r := range prep.Flagged() {
		m.appendAudit(auditCtx, info, auditlog.ActionReferenceFlagged, created, map[string]any{
			"image": r.Source,
		})
	}
	m.logger.Info("workflow version created", "workflow_id", created.WorkflowID, "version", created.VersionName, "digest", created.BundleDigest)
	return created, prep, nil
}

// Observe applies a service-reported state. Re-observing the current state
// is a no-op; moving out of a terminal state fails with ErrTerminalState. The
// write is not abandoned when ctx is cancelled.
func (m *Manager) Observe(ctx context.Context, info AuditInfo, key domain.VersionKey, state domain.VersionState, reason string) (domain.WorkflowVersion, error) {
	if !state.Valid() {
		return domain.WorkflowVersion{}, &domain.Error{Class: domain.ClassValidation, Kind: "InvalidState", Field: "state", Value: string(state), Err: domain.ErrTerminalState}
	}
	if state == domain.VersionPending {
		current, err := m.versions.Get(ctx, key)
		if err != nil {
			return domain.WorkflowVersion{}, err
		}
		if err := domain.ValidateVersionTransition(current.State, state); err != nil {
			return current, err
		}
		return current, nil
	}

	commitCtx := context.WithoutCancel(ctx)
	updated, changed, err := m.versions.Transition(commitCtx, key, state, reason)
	if err != nil {
		return updated, err
	}
	if changed {
		m.metrics.Transition(string(updated.State))
		m.appendAudit(commitCtx, info, auditlog.ActionVersionTransitioned, updated, map[string]any{
			"from":   string(domain.VersionPending),
			"to":     string(updated.State),
			"reason": reason,
		})
		m.logger.Info("workflow version transitioned", "workflow_id", key.WorkflowID, "version", key.VersionName, "state", updated.State)
	}
	return updated, nil
}

func (m *Manager) Get(ctx context.Context, key domain.VersionKey) (domain.WorkflowVersion, error) {
	return m.versions.Get(ctx, key)
}

func (m *Manager) List(ctx context.Context, filter repo.VersionFilter) ([]domain.WorkflowVersion, error) {
	return m.versions.List(ctx, filter)
}

// CanRegister reports whether a workflow service and object store are wired.
func (m *Manager) CanRegister() bool {
	return m.service != nil && m.store != nil
}

// Register stages the definition archive of a PENDING version and creates
// the version in the service. A rejection by the service fails the version.
func (m *Manager) Register(ctx context.Context, info AuditInfo, version domain.WorkflowVersion, sub Submission, prep Preparation) (domain.WorkflowVersion, error) {
	if !m.CanRegister() {
		return version, domain.ConfigurationError("RegistrationDisabled", errors.New("no workflow service configured"), "service", "")
	}
	if sub.Source == nil {
		return version, domain.ConfigurationError("MissingSource", errors.New("definition tree is required to stage an archive"), "source", "")
	}
	if version.State != domain.VersionPending {
		return version, domain.ValidateVersionTransition(version.State, domain.VersionPending)
	}

	var archive bytes.Buffer
	if err := bundle.Archive(ctx, sub.Source, sub.Entries, &archive); err != nil {
		return version, fmt.Errorf("archive bundle: %w", err)
	}
	key := objectstore.BundleKey(version.WorkflowID, version.BundleDigest)
	obj, err := m.store.Put(ctx, m.opts.Bucket, key, bytes.NewReader(archive.Bytes()), int64(archive.Len()), "application/zip")
	if err != nil {
		return version, fmt.Errorf("stage bundle: %w", err)
	}
	staged, err := m.versions.SetDefinitionURI(ctx, version.Key(), obj.URI())
	if err != nil {
		return version, err
	}
	m.appendAudit(context.WithoutCancel(ctx), info, auditlog.ActionVersionStaged, staged, map[string]any{
		"definition_uri": staged.DefinitionURI,
		"bytes":          archive.Len(),
	})

	if err := m.service.EnsureWorkflow(ctx, staged.WorkflowID); err != nil {
		return m.rejected(ctx, info, staged, err)
	}
	remote, err := m.service.CreateVersion(ctx, domain.VersionRegistration{
		WorkflowID:    staged.WorkflowID,
		VersionName:   staged.VersionName,
		DefinitionURI: staged.DefinitionURI,
		BundleDigest:  staged.BundleDigest.String(),
		Entrypoint:    prep.Report.Entrypoint,
		Containers:    resolvedContainers(prep),
	})
	if err != nil {
		return m.rejected(ctx, info, staged, err)
	}
	return m.applyRemote(ctx, info, staged, remote)
}

// Sync pulls the service's view of a version and applies it.
func (m *Manager) Sync(ctx context.Context, info AuditInfo, key domain.VersionKey) (domain.WorkflowVersion, error) {
	if m.service == nil {
		return domain.WorkflowVersion{}, domain.ConfigurationError("SyncDisabled", errors.New("no workflow service configured"), "service", "")
	}
	current, err := m.versions.Get(ctx, key)
	if err != nil {
		return domain.WorkflowVersion{}, err
	}
	if current.State.Terminal() {
		return current, nil
	}
	remote, err := m.service.GetVersion(ctx, key.WorkflowID, key.VersionName)
	if err != nil {
		return current, err
	}
	return m.applyRemote(ctx, info, current, remote)
}

func (m *Manager) applyRemote(ctx context.Context, info AuditInfo, current domain.WorkflowVersion, remote domain.ServiceVersion) (domain.WorkflowVersion, error) {
	state := domain.NormalizeVersionState(remote.Status)
	if state == "" {
		m.logger.Warn("unknown service version status", "workflow_id", current.WorkflowID, "version", current.VersionName, "status", remote.Status)
		return current, nil
	}
	if state == domain.VersionPending {
		return current, nil
	}
	return m.Observe(ctx, info, current.Key(), state, remote.StatusReason)
}

// rejected fails the version when the service refused it. Transient failures
// leave it PENDING so a later Register or Sync can complete it.
func (m *Manager) rejected(ctx context.Context, info AuditInfo, version domain.WorkflowVersion, cause error) (domain.WorkflowVersion, error) {
	if !errors.Is(cause, domain.ErrServiceRejected) {
		return version, cause
	}
	failed, err := m.Observe(ctx, info, version.Key(), domain.VersionFailed, cause.Error())
	if err != nil {
		return version, errors.Join(cause, err)
	}
	return failed, cause
}

func resolvedContainers(prep Preparation) []string {
	if len(prep.Resolutions) == 0 {
		return prep.Report.Containers
	}
	out := make([]string, 0, len(prep.Resolutions))
	for _, r := range prep.Resolutions {
		out = append(out, r.Resolved)
	}
	return out
}

func (m *Manager) appendAudit(ctx context.Context, info AuditInfo, action string, version domain.WorkflowVersion, payload map[string]any) {
	payload["service"] = info.Service
	payload["workflow_id"] = version.WorkflowID
	payload["version_name"] = version.VersionName
	payload["state"] = string(version.State)
	actor := strings.TrimSpace(info.Actor)
	if actor == "" {
		actor = "system"
	}
	err := m.audit.Append(ctx, auditlog.Event{
		OccurredAt:   m.now(),
		Actor:        actor,
		Action:       action,
		ResourceType: "workflow_version",
		ResourceID:   version.Key().String(),
		RequestID:    info.RequestID,
		Payload:      payload,
	})
	if err != nil {
		m.logger.Error("audit append failed", "action", action, "resource_id", version.Key().String(), "error", err)
	}
}
