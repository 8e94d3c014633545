package domain

import (
	"fmt"
	"strings"
)

// EntryRole classifies a file inside a workflow bundle.
type EntryRole string

const (
	RoleEntrypoint EntryRole = "ENTRYPOINT"
	RoleImport     EntryRole = "IMPORT"
	RoleOther      EntryRole = "OTHER"
)

func (r EntryRole) Valid() bool {
	switch r {
	case RoleEntrypoint, RoleImport, RoleOther:
		return true
	default:
		return false
	}
}

// ParseEntryRole maps free-form role values to canonical roles.
func ParseEntryRole(value string) (EntryRole, error) {
	role := EntryRole(strings.ToUpper(strings.TrimSpace(value)))
	if role == "" {
		return RoleOther, nil
	}
	if !role.Valid() {
		return "", fmt.Errorf("unknown entry role %q", value)
	}
	return role, nil
}

// BundleEntry is the file-tree metadata the bundle validator consumes.
// Imports and Containers are produced by the packaging step's scanner.
type BundleEntry struct {
	RelativePath  string    `json:"relative_path" yaml:"relativePath"`
	Role          EntryRole `json:"role" yaml:"role"`
	SizeBytes     int64     `json:"size_bytes" yaml:"sizeBytes"`
	Imports       []string  `json:"imports,omitempty" yaml:"imports,omitempty"`
	Containers    []string  `json:"containers,omitempty" yaml:"containers,omitempty"`
	ContentDigest string    `json:"content_digest,omitempty" yaml:"contentDigest,omitempty"`
}
