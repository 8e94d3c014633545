package diagnostics

import (
	"regexp"

	"github.com/animus-labs/omicsflow/internal/domain"
)

const (
	ActionResubmit = "resubmit run unchanged."
	ActionFixInput = "inspect logRefs for the failing task, correct the workflow or input, create a new version, resubmit."
	ActionUnknown  = "inspect logRefs; the failure could not be attributed to the service or the workflow."

	memoryHint = " The task appears to have run out of memory; raise its memory declaration."
)

// exitOutOfMemory is the exit status of a task killed by the kernel OOM killer.
const exitOutOfMemory = 137

var oomPattern = regexp.MustCompile(`(?i)out ?of ?memory|\boom(killed)?\b|exit code 137`)

// Classify maps a run failure to retry advice. A status code in the 4xx or
// 5xx range decides the category even when the status class disagrees; the
// class is only consulted when the code is outside both ranges.
func Classify(failure domain.RunFailure) domain.Diagnosis {
	d := domain.Diagnosis{
		Category:        domain.CategoryUnknown,
		SuggestedAction: ActionUnknown,
		TaskName:        failure.TaskName,
	}
	if len(failure.LogRefs) > 0 {
		d.LogRefs = append([]string(nil), failure.LogRefs...)
	}

	switch {
	case failure.StatusCode >= 500 && failure.StatusCode <= 599:
		transient(&d)
	case failure.StatusCode >= 400 && failure.StatusCode <= 499:
		customer(&d, failure)
	case failure.StatusClass == domain.StatusClassService:
		transient(&d)
	case failure.StatusClass == domain.StatusClassCustomer:
		customer(&d, failure)
	}
	return d
}

func transient(d *domain.Diagnosis) {
	d.Retryable = true
	d.Category = domain.CategoryTransientService
	d.SuggestedAction = ActionResubmit
}

func customer(d *domain.Diagnosis, failure domain.RunFailure) {
	d.Retryable = false
	d.Category = domain.CategoryConfigurationInput
	d.SuggestedAction = ActionFixInput
	if outOfMemory(failure) {
		d.SuggestedAction += memoryHint
	}
}

func outOfMemory(failure domain.RunFailure) bool {
	if failure.ExitCode != nil && *failure.ExitCode == exitOutOfMemory {
		return true
	}
	return oomPattern.MatchString(failure.Message)
}
