package resolver

import (
	"context"
	"strings"

	"github.com/animus-labs/omicsflow/internal/domain"
)

// Mode controls what happens to references no rule matches.
type Mode int

const (
	// Permissive returns unmatched references unchanged and flags them.
	Permissive Mode = iota
	// Strict fails on any unmatched reference.
	Strict
)

func (m Mode) String() string {
	if m == Strict {
		return "strict"
	}
	return "permissive"
}

// Tier records which rule tier produced a resolution.
type Tier string

const (
	TierImage    Tier = "image"
	TierRegistry Tier = "registry"
	TierNone     Tier = "none"
)

// Resolution is the outcome of resolving one container reference.
type Resolution struct {
	Source   string `json:"source"`
	Resolved string `json:"resolved"`
	Tier     Tier   `json:"tier"`
	Rule     string `json:"rule,omitempty"`
	Flagged  bool   `json:"flagged,omitempty"`
}

// Unresolved reports whether no rule matched.
func (r Resolution) Unresolved() bool {
	return r.Tier == TierNone
}

// Resolve maps ref to its destination registry URI using set.
func Resolve(ref domain.ContainerReference, set *MapSet, mode Mode) (Resolution, error) {
	return set.Resolve(ref, mode)
}

// Resolve maps ref to its destination registry URI. An exact image rule wins
// over any registry rule and its destination is returned verbatim. A nil
// MapSet has no rules, so every reference is unmatched.
func (s *MapSet) Resolve(ref domain.ContainerReference, mode Mode) (Resolution, error) {
	if err := ref.Validate(); err != nil {
		return Resolution{}, invalidReference(ref.String(), err.Error())
	}
	canonical := ref
	canonical.RegistryHost = normalizeHost(ref.RegistryHost)
	if canonical.RegistryHost == dockerHubHost && !strings.Contains(canonical.RepositoryPath, "/") {
		canonical.RepositoryPath = "library/" + canonical.RepositoryPath
	}
	source := canonical.String()

	if s == nil {
		return unmatched(ref, source, mode)
	}
	for _, rule := range s.images {
		if rule.source == source {
			return Resolution{Source: source, Resolved: rule.destination, Tier: TierImage, Rule: rule.source}, nil
		}
	}

	for _, rule := range s.registries {
		if rule.host != canonical.RegistryHost {
			continue
		}
		rewritten := domain.ContainerReference{
			RegistryHost:   s.target.RegistryHost(),
			RepositoryPath: rule.prefix + "/" + canonical.RepositoryPath,
			Tag:            canonical.Tag,
			Digest:         canonical.Digest,
		}
		return Resolution{Source: source, Resolved: rewritten.String(), Tier: TierRegistry, Rule: rule.upstream}, nil
	}

	return unmatched(ref, source, mode)
}

// unmatched fails in strict mode. In permissive mode it returns the caller's
// reference as given and keeps the canonical form in Source.
func unmatched(ref domain.ContainerReference, source string, mode Mode) (Resolution, error) {
	if mode == Strict {
		return Resolution{Source: source, Resolved: "", Tier: TierNone}, &domain.Error{
			Class: domain.ClassValidation,
			Kind:  "UnresolvedReference",
			Field: "image",
			Value: source,
			Err:   domain.ErrUnresolvedReference,
		}
	}
	return Resolution{Source: source, Resolved: ref.String(), Tier: TierNone, Flagged: true}, nil
}

// ResolveString parses raw and resolves it. An unmatched reference in
// permissive mode comes back exactly as raw was written.
func (s *MapSet) ResolveString(raw string, mode Mode) (Resolution, error) {
	ref, err := ParseReference(raw)
	if err != nil {
		return Resolution{}, err
	}
	res, err := s.Resolve(ref, mode)
	if err == nil && res.Flagged {
		res.Resolved = strings.TrimSpace(raw)
	}
	return res, err
}

// ResolveAll resolves every reference in order. Failures are aggregated so a
// caller sees every unresolved or malformed reference at once. The context is
// checked between references.
func (s *MapSet) ResolveAll(ctx context.Context, refs []string, mode Mode) ([]Resolution, error) {
	out := make([]Resolution, 0, len(refs))
	var details []string
	for _, raw := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := s.ResolveString(raw, mode)
		if err != nil {
			details = append(details, err.Error())
			continue
		}
		out = append(out, res)
	}
	if len(details) > 0 {
		return out, domain.ValidationFailure("UnresolvedReference", domain.ErrUnresolvedReference, details)
	}
	return out, nil
}
