package resolver

import (
	"strings"

	"github.com/distribution/reference"

	"github.com/animus-labs/omicsflow/internal/domain"
)

const dockerHubHost = "docker.io"

var dockerHubAliases = map[string]struct{}{
	"docker.io":               {},
	"index.docker.io":         {},
	"registry-1.docker.io":    {},
	"registry.hub.docker.com": {},
}

// ParseReference parses a free-form image string into its canonical form:
// lower-cased host, Docker Hub aliases folded to docker.io, and an explicit
// "latest" tag when neither a tag nor a digest is present.
func ParseReference(raw string) (domain.ContainerReference, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return domain.ContainerReference{}, invalidReference(raw, "image reference is empty")
	}
	value = lowerHostComponent(value)

	named, err := reference.ParseNormalizedNamed(value)
	if err != nil {
		return domain.ContainerReference{}, invalidReference(raw, err.Error())
	}
	named = reference.TagNameOnly(named)

	out := domain.ContainerReference{
		RegistryHost:   normalizeHost(reference.Domain(named)),
		RepositoryPath: reference.Path(named),
	}
	if out.RegistryHost == dockerHubHost && !strings.Contains(out.RepositoryPath, "/") {
		out.RepositoryPath = "library/" + out.RepositoryPath
	}
	if tagged, ok := named.(reference.Tagged); ok {
		out.Tag = tagged.Tag()
	}
	if digested, ok := named.(reference.Digested); ok {
		out.Digest = digested.Digest()
	}
	if err := out.Validate(); err != nil {
		return domain.ContainerReference{}, invalidReference(raw, err.Error())
	}
	return out, nil
}

// Canonical returns the canonical string form of raw.
func Canonical(raw string) (string, error) {
	ref, err := ParseReference(raw)
	if err != nil {
		return "", err
	}
	return ref.String(), nil
}

// lowerHostComponent lower-cases the leading component when it names a registry host.
func lowerHostComponent(value string) string {
	i := strings.Index(value, "/")
	if i <= 0 {
		return value
	}
	host := value[:i]
	if !strings.ContainsAny(host, ".:") && !strings.EqualFold(host, "localhost") {
		return value
	}
	return strings.ToLower(host) + value[i:]
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimSuffix(host, "/")
	if _, ok := dockerHubAliases[host]; ok {
		return dockerHubHost
	}
	return host
}

func invalidReference(raw, detail string) error {
	return &domain.Error{
		Class:   domain.ClassValidation,
		Kind:    "InvalidContainerReference",
		Field:   "image",
		Value:   raw,
		Details: []string{detail},
		Err:     domain.ErrInvalidReference,
	}
}
