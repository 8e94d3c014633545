package domain

import (
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/mod/semver"
)

// VersionState is the lifecycle state of a WorkflowVersion.
type VersionState string

const (
	VersionPending VersionState = "PENDING"
	VersionActive  VersionState = "ACTIVE"
	VersionFailed  VersionState = "FAILED"
)

func (s VersionState) Valid() bool {
	switch s {
	case VersionPending, VersionActive, VersionFailed:
		return true
	default:
		return false
	}
}

func (s VersionState) Terminal() bool {
	return s == VersionActive || s == VersionFailed
}

// NormalizeVersionState maps service status strings to canonical states.
func NormalizeVersionState(value string) VersionState {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "PENDING", "CREATING", "UPDATING":
		return VersionPending
	case "ACTIVE", "READY":
		return VersionActive
	case "FAILED", "ERROR", "INACTIVE":
		return VersionFailed
	default:
		return ""
	}
}

// VersionKey identifies a WorkflowVersion.
type VersionKey struct {
	WorkflowID  string
	VersionName string
}

func (k VersionKey) String() string {
	return k.WorkflowID + "@" + k.VersionName
}

// WorkflowVersion is one immutable deployment of a workflow bundle.
type WorkflowVersion struct {
	ID            string        `json:"id"`
	WorkflowID    string        `json:"workflow_id"`
	VersionName   string        `json:"version_name"`
	BundleDigest  digest.Digest `json:"bundle_digest"`
	State         VersionState  `json:"state"`
	StatusReason  string        `json:"status_reason,omitempty"`
	DefinitionURI string        `json:"definition_uri,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (v WorkflowVersion) Key() VersionKey {
	return VersionKey{WorkflowID: v.WorkflowID, VersionName: v.VersionName}
}

// ValidateVersionName accepts MAJOR.MINOR.PATCH with optional pre-release and
// build metadata, and an optional leading "v".
func ValidateVersionName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name {
		return &Error{Class: ClassConfiguration, Kind: "InvalidVersionName", Field: "versionName", Value: name, Err: ErrInvalidVersionName}
	}
	v := trimmed
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	core := v
	if i := strings.Index(core, "+"); i >= 0 {
		core = core[:i]
	}
	if !semver.IsValid(v) || semver.Canonical(core) != core {
		return &Error{Class: ClassConfiguration, Kind: "InvalidVersionName", Field: "versionName", Value: name, Err: ErrInvalidVersionName}
	}
	return nil
}
