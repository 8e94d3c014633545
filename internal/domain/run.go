package domain

import (
	"strings"
	"time"
)

// StatusClass is the service's attribution of a run failure.
type StatusClass string

const (
	StatusClassService  StatusClass = "SERVICE"
	StatusClassCustomer StatusClass = "CUSTOMER"
)

func NormalizeStatusClass(value string) StatusClass {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(StatusClassService):
		return StatusClassService
	case string(StatusClassCustomer):
		return StatusClassCustomer
	default:
		return ""
	}
}

// RunFailure is the failure artifact produced when a run terminates unsuccessfully.
type RunFailure struct {
	RunID       string      `json:"run_id,omitempty"`
	StatusClass StatusClass `json:"status_class,omitempty"`
	StatusCode  int         `json:"status_code"`
	LogRefs     []string    `json:"log_refs,omitempty"`
	TaskName    string      `json:"task_name,omitempty"`
	ExitCode    *int        `json:"exit_code,omitempty"`
	Message     string      `json:"message,omitempty"`
}

// FailureCategory is the classifier's verdict.
type FailureCategory string

const (
	CategoryTransientService   FailureCategory = "TransientServiceError"
	CategoryConfigurationInput FailureCategory = "ConfigurationOrInputError"
	CategoryUnknown            FailureCategory = "Unknown"
)

// Diagnosis is the advice returned for a RunFailure.
type Diagnosis struct {
	Retryable       bool            `json:"retryable"`
	Category        FailureCategory `json:"category"`
	SuggestedAction string          `json:"suggested_action"`
	LogRefs         []string        `json:"log_refs,omitempty"`
	TaskName        string          `json:"task_name,omitempty"`
}

// RunStatus is the service-reported state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "PENDING", "STARTING", "QUEUED":
		return RunPending
	case "RUNNING", "STOPPING":
		return RunRunning
	case "COMPLETED", "SUCCEEDED":
		return RunCompleted
	case "FAILED":
		return RunFailed
	case "CANCELLED", "CANCELED", "DELETED":
		return RunCancelled
	default:
		return ""
	}
}

// Run records a launched run. RoleARN is recorded as given and never evaluated.
type Run struct {
	RunID       string         `json:"run_id"`
	WorkflowID  string         `json:"workflow_id"`
	VersionName string         `json:"version_name"`
	RoleARN     string         `json:"role_arn"`
	Status      RunStatus      `json:"status"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
}
