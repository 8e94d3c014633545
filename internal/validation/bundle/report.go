package bundle

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/animus-labs/omicsflow/internal/domain"
)

// IssueKind names a structural rule a bundle violated.
type IssueKind string

const (
	IssueMultipleEntrypoints IssueKind = "MultipleEntrypoints"
	IssueMissingEntrypoint   IssueKind = "MissingEntrypoint"
	IssueEntrypointNotAtRoot IssueKind = "EntrypointNotAtRoot"
	IssueUnresolvedImport    IssueKind = "UnresolvedImport"
	IssuePathCollision       IssueKind = "PathCollision"
	IssueOversizedBundle     IssueKind = "OversizedBundle"
	IssueCircularImport      IssueKind = "CircularImport"
	IssueInvalidPath         IssueKind = "InvalidPath"
	IssueInvalidEntry        IssueKind = "InvalidEntry"
)

// Issue is one structural finding. Related lists the other paths involved
// (colliding entries, the import cycle, duplicate entrypoints).
type Issue struct {
	Kind    IssueKind `json:"kind"`
	Path    string    `json:"path,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Related []string  `json:"related,omitempty"`
}

func (i Issue) String() string {
	var b strings.Builder
	b.WriteString(string(i.Kind))
	if i.Path != "" {
		b.WriteString(" ")
		b.WriteString(i.Path)
	}
	if i.Detail != "" {
		fmt.Fprintf(&b, " (%s)", i.Detail)
	}
	if len(i.Related) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(i.Related, ", "))
	}
	return b.String()
}

// Report is the result of validating one bundle. Equal inputs always produce
// equal reports.
type Report struct {
	Entrypoint string        `json:"entrypoint,omitempty"`
	Issues     []Issue       `json:"issues"`
	Containers []string      `json:"containers"`
	EntryCount int           `json:"entry_count"`
	TotalBytes int64         `json:"total_bytes"`
	Digest     digest.Digest `json:"digest"`
}

// OK reports whether the bundle has no blocking issues.
func (r Report) OK() bool {
	return len(r.Issues) == 0
}

// Has reports whether any issue of kind was found.
func (r Report) Has(kind IssueKind) bool {
	for _, issue := range r.Issues {
		if issue.Kind == kind {
			return true
		}
	}
	return false
}

// Err returns a ValidationError describing every issue, or nil.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	details := make([]string, 0, len(r.Issues))
	for _, issue := range r.Issues {
		details = append(details, issue.String())
	}
	return domain.ValidationFailure("InvalidBundle", domain.ErrValidationFailed, details)
}

func sortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Detail < b.Detail
	})
}
