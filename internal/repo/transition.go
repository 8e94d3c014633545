package repo

import (
	"fmt"

	"github.com/animus-labs/omicsflow/internal/domain"
)

// CheckTransition decides how a store applies to against the stored state.
// It returns apply=false for an idempotent re-observation.
func CheckTransition(current domain.WorkflowVersion, to domain.VersionState) (apply bool, err error) {
	if err := domain.ValidateVersionTransition(current.State, to); err != nil {
		return false, fmt.Errorf("%s: %w", current.Key(), err)
	}
	return current.State != to, nil
}
