package deployment

import (
	"context"
	"errors"
	"io/fs"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/omicsflow/internal/domain"
	"github.com/animus-labs/omicsflow/internal/resolver"
	"github.com/animus-labs/omicsflow/internal/validation/bundle"
	"github.com/animus-labs/omicsflow/internal/validation/resources"
)

// Submission is one request to deploy a version.
type Submission struct {
	WorkflowID  string
	VersionName string
	Entries     []domain.BundleEntry
	Tasks       []domain.TaskResourceSpec
	// Source is the definition tree. It is only needed to stage the archive.
	Source fs.FS
}

// Preparation is the outcome of the pre-insert checks.
type Preparation struct {
	Report      bundle.Report         `json:"bundle"`
	Findings    resources.Findings    `json:"resource_findings"`
	Resolutions []resolver.Resolution `json:"resolutions,omitempty"`

	resolveErr error
}

// Flagged lists references no rule matched in permissive mode.
func (p Preparation) Flagged() []resolver.Resolution {
	var out []resolver.Resolution
	for _, r := range p.Resolutions {
		if r.Flagged {
			out = append(out, r)
		}
	}
	return out
}

// Err aggregates every blocking issue into one ValidationError. Strict-mode
// resolution failures also match domain.ErrUnresolvedReference.
func (p Preparation) Err() error {
	var details []string
	for _, err := range []error{p.Report.Err(), p.Findings.Err(), p.resolveErr} {
		var de *domain.Error
		if errors.As(err, &de) {
			details = append(details, de.Details...)
		}
	}
	if len(details) == 0 {
		return nil
	}
	cause := domain.ErrValidationFailed
	if p.resolveErr != nil {
		cause = errors.Join(domain.ErrValidationFailed, domain.ErrUnresolvedReference)
	}
	return domain.ValidationFailure("ValidationFailed", cause, details)
}

// Prepare runs the bundle validator and the resource auditor concurrently and
// then resolves the containers the bundle references. It never writes.
func (m *Manager) Prepare(ctx context.Context, sub Submission) (Preparation, error) {
	var prep Preparation
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		report, err := bundle.Validate(gctx, sub.Entries, m.opts.Bundle)
		prep.Report = report
		return err
	})
	g.Go(func() error {
		findings, err := resources.Audit(gctx, sub.Tasks, m.opts.Bounds)
		prep.Findings = findings
		return err
	})
	if err := g.Wait(); err != nil {
		return Preparation{}, err
	}

	for _, issue := range prep.Report.Issues {
		m.metrics.ValidationIssue(string(issue.Kind))
	}
	for _, f := range prep.Findings {
		m.metrics.AuditFinding(string(f.Kind), f.Field)
	}

	// Without a map set every container is unmatched, so strict mode still
	// fails and permissive mode still flags.
	if len(prep.Report.Containers) > 0 {
		resolutions, err := m.maps.ResolveAll(ctx, prep.Report.Containers, m.opts.Mode)
		if err != nil && !errors.Is(err, domain.ErrUnresolvedReference) {
			return Preparation{}, err
		}
		prep.Resolutions = resolutions
		prep.resolveErr = err
		for _, r := range resolutions {
			m.metrics.Resolution(string(r.Tier))
		}
	}
	return prep, nil
}
