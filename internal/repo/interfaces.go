package repo

import (
	"context"

	"github.com/animus-labs/omicsflow/internal/domain"
)

type VersionFilter struct {
	WorkflowID string
	State      domain.VersionState
	Limit      int
}

// WorkflowVersionRepository stores WorkflowVersions keyed by
// (WorkflowID, VersionName).
type WorkflowVersionRepository interface {
	// Insert atomically creates a PENDING version. A second insert for the
	// same key fails with domain.ErrDuplicateVersion.
	Insert(ctx context.Context, version domain.WorkflowVersion) (domain.WorkflowVersion, error)
	Get(ctx context.Context, key domain.VersionKey) (domain.WorkflowVersion, error)
	List(ctx context.Context, filter VersionFilter) ([]domain.WorkflowVersion, error)
	// Transition moves a PENDING version to a terminal state. Applying the
	// current state again reports changed=false; any other move out of a
	// terminal state fails with domain.ErrTerminalState.
	Transition(ctx context.Context, key domain.VersionKey, to domain.VersionState, reason string) (version domain.WorkflowVersion, changed bool, err error)
	// SetDefinitionURI records where the staged archive lives. Only PENDING
	// versions accept it.
	SetDefinitionURI(ctx context.Context, key domain.VersionKey, uri string) (domain.WorkflowVersion, error)
}

type RunFilter struct {
	WorkflowID  string
	VersionName string
	Limit       int
}

// RunRepository records launched runs.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, runID string) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error
}

const DefaultListLimit = 100

// NormalizeLimit clamps a list limit to (0, DefaultListLimit].
func NormalizeLimit(limit int) int {
	if limit <= 0 || limit > DefaultListLimit {
		return DefaultListLimit
	}
	return limit
}
