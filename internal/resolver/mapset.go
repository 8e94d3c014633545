package resolver

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"

	"github.com/animus-labs/omicsflow/internal/domain"
)

var (
	accountIDPattern = regexp.MustCompile(`^[0-9]{12}$`)
	regionPattern    = regexp.MustCompile(`^[a-z]{2}(-[a-z]+)+-[0-9]+$`)
	prefixPattern    = regexp.MustCompile(`^[a-z0-9]+(?:[._-][a-z0-9]+)*(?:/[a-z0-9]+(?:[._-][a-z0-9]+)*)*$`)
)

// MapDocument is the registry map document as supplied by operators.
type MapDocument struct {
	RegistryMappings []domain.RegistryMapping `yaml:"registryMappings" json:"registryMappings"`
	ImageMappings    []domain.ImageMapping    `yaml:"imageMappings" json:"imageMappings"`
}

// Target is the account and region that hosts the private registry.
type Target struct {
	AccountID string
	Region    string
}

func (t Target) Validate() error {
	if !accountIDPattern.MatchString(t.AccountID) {
		return domain.ConfigurationError("InvalidTarget", domain.ErrMalformedDocument, "accountId", t.AccountID)
	}
	if !regionPattern.MatchString(t.Region) {
		return domain.ConfigurationError("InvalidTarget", domain.ErrMalformedDocument, "region", t.Region)
	}
	return nil
}

// RegistryHost returns the account/region-qualified ECR host.
func (t Target) RegistryHost() string {
	return t.AccountID + ".dkr.ecr." + t.Region + ".amazonaws.com"
}

type imageRule struct {
	source      string
	destination string
}

type registryRule struct {
	host     string
	prefix   string
	upstream string
}

// MapSet is a compiled, immutable RegistryMapSet. Image rules are checked
// before registry rules and the first match wins within each tier.
type MapSet struct {
	target     Target
	images     []imageRule
	registries []registryRule
}

var mapDocumentSchema = func() *openapi3.Schema {
	registry := openapi3.NewObjectSchema().
		WithProperty("upstreamRegistryUrl", openapi3.NewStringSchema().WithMinLength(1)).
		WithProperty("ecrRepositoryPrefix", openapi3.NewStringSchema().WithMinLength(1)).
		WithoutAdditionalProperties()
	registry.Required = []string{"upstreamRegistryUrl", "ecrRepositoryPrefix"}

	image := openapi3.NewObjectSchema().
		WithProperty("sourceImage", openapi3.NewStringSchema().WithMinLength(1)).
		WithProperty("destinationImage", openapi3.NewStringSchema().WithMinLength(1)).
		WithoutAdditionalProperties()
	image.Required = []string{"sourceImage", "destinationImage"}

	return openapi3.NewObjectSchema().
		WithProperty("registryMappings", openapi3.NewArraySchema().WithItems(registry)).
		WithProperty("imageMappings", openapi3.NewArraySchema().WithItems(image)).
		WithoutAdditionalProperties()
}()

// LoadMapDocument decodes a YAML or JSON registry map document and checks it
// against the document schema.
func LoadMapDocument(raw []byte) (MapDocument, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return MapDocument{}, malformed("document is empty")
	}
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return MapDocument{}, malformed(fmt.Sprintf("decode: %v", err))
	}
	if err := mapDocumentSchema.VisitJSON(generic, openapi3.MultiErrors()); err != nil {
		return MapDocument{}, malformed(fmt.Sprintf("schema: %v", err))
	}
	var doc MapDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return MapDocument{}, malformed(fmt.Sprintf("decode: %v", err))
	}
	return doc, nil
}

// NewMapSet compiles doc for target. Ambiguous registry rules (two entries for
// the same upstream host) are rejected here rather than per lookup.
func NewMapSet(doc MapDocument, target Target) (*MapSet, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if len(doc.RegistryMappings) == 0 && len(doc.ImageMappings) == 0 {
		return nil, malformed("registryMappings or imageMappings must not be empty")
	}

	var issues []string
	set := &MapSet{target: target}

	for i, m := range doc.ImageMappings {
		source, err := Canonical(m.SourceImage)
		if err != nil {
			issues = append(issues, fmt.Sprintf("imageMappings[%d].sourceImage %q is not a valid image reference", i, m.SourceImage))
			continue
		}
		destination := strings.TrimSpace(m.DestinationImage)
		if _, err := ParseReference(destination); err != nil {
			issues = append(issues, fmt.Sprintf("imageMappings[%d].destinationImage %q is not a valid image reference", i, m.DestinationImage))
			continue
		}
		set.images = append(set.images, imageRule{source: source, destination: destination})
	}

	seen := make(map[string]int, len(doc.RegistryMappings))
	var duplicates []string
	for i, m := range doc.RegistryMappings {
		upstream := strings.TrimSpace(m.UpstreamRegistryURL)
		host := normalizeHost(upstream)
		if host == "" || strings.Contains(host, "/") {
			issues = append(issues, fmt.Sprintf("registryMappings[%d].upstreamRegistryUrl %q must be a registry host", i, m.UpstreamRegistryURL))
			continue
		}
		prefix := strings.Trim(strings.TrimSpace(m.ECRRepositoryPrefix), "/")
		if !prefixPattern.MatchString(prefix) {
			issues = append(issues, fmt.Sprintf("registryMappings[%d].ecrRepositoryPrefix %q is not a valid repository prefix", i, m.ECRRepositoryPrefix))
			continue
		}
		if first, ok := seen[host]; ok {
			duplicates = append(duplicates, fmt.Sprintf("registryMappings[%d] and registryMappings[%d] both map %q", first, i, host))
			continue
		}
		seen[host] = i
		set.registries = append(set.registries, registryRule{host: host, prefix: prefix, upstream: upstream})
	}

	if len(duplicates) > 0 {
		return nil, &domain.Error{
			Class:   domain.ClassConfiguration,
			Kind:    "AmbiguousRegistryMapping",
			Field:   "registryMappings",
			Details: append(duplicates, issues...),
			Err:     domain.ErrAmbiguousMapping,
		}
	}
	if len(issues) > 0 {
		return nil, &domain.Error{
			Class:   domain.ClassConfiguration,
			Kind:    "MalformedMapDocument",
			Details: issues,
			Err:     domain.ErrMalformedDocument,
		}
	}
	return set, nil
}

// LoadMapSet decodes raw and compiles it for target.
func LoadMapSet(raw []byte, target Target) (*MapSet, error) {
	doc, err := LoadMapDocument(raw)
	if err != nil {
		return nil, err
	}
	return NewMapSet(doc, target)
}

func (s *MapSet) Target() Target {
	return s.target
}

func (s *MapSet) Len() (images int, registries int) {
	return len(s.images), len(s.registries)
}

func malformed(detail string) error {
	return &domain.Error{
		Class:   domain.ClassConfiguration,
		Kind:    "MalformedMapDocument",
		Details: []string{detail},
		Err:     domain.ErrMalformedDocument,
	}
}
