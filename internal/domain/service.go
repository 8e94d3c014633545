package domain

// VersionRegistration is what the workflow service needs to create a
// version from a staged definition archive.
type VersionRegistration struct {
	WorkflowID    string   `json:"workflow_id"`
	VersionName   string   `json:"version_name"`
	DefinitionURI string   `json:"definition_uri"`
	BundleDigest  string   `json:"bundle_digest"`
	Entrypoint    string   `json:"entrypoint"`
	Containers    []string `json:"containers,omitempty"`
}

// ServiceVersion is the service's view of a workflow version.
type ServiceVersion struct {
	WorkflowID   string `json:"workflow_id"`
	VersionName  string `json:"version_name"`
	Status       string `json:"status"`
	StatusReason string `json:"status_reason,omitempty"`
}

// RunRequest starts a run of an ACTIVE version.
type RunRequest struct {
	WorkflowID  string         `json:"workflow_id"`
	VersionName string         `json:"version_name"`
	RoleARN     string         `json:"role_arn"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	OutputURI   string         `json:"output_uri,omitempty"`
}

// ServiceRun is the service's view of a run. Failure fields are set once
// the run has failed.
type ServiceRun struct {
	RunID       string `json:"run_id"`
	WorkflowID  string `json:"workflow_id,omitempty"`
	VersionName string `json:"version_name,omitempty"`
	Status      string `json:"status"`
	StatusClass string `json:"status_class,omitempty"`
	StatusCode  int    `json:"status_code,omitempty"`
	TaskName    string `json:"task_name,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Failure builds the RunFailure for a failed run.
func (r ServiceRun) Failure(logRefs []string) RunFailure {
	return RunFailure{
		RunID:       r.RunID,
		StatusClass: NormalizeStatusClass(r.StatusClass),
		StatusCode:  r.StatusCode,
		LogRefs:     logRefs,
		TaskName:    r.TaskName,
		ExitCode:    r.ExitCode,
		Message:     r.Message,
	}
}
