package domain

import (
	_ "crypto/sha256"
	"errors"
	"strings"

	"github.com/opencontainers/go-digest"
)

// ContainerReference is a parsed container image identifier.
type ContainerReference struct {
	RegistryHost   string
	RepositoryPath string
	Tag            string
	Digest         digest.Digest
}

// Validate enforces that a reference names a repository and pins either a tag or a digest.
func (r ContainerReference) Validate() error {
	if strings.TrimSpace(r.RegistryHost) == "" {
		return errors.New("registry host is required")
	}
	if strings.TrimSpace(r.RepositoryPath) == "" {
		return errors.New("repository path is required")
	}
	if r.Tag == "" && r.Digest == "" {
		return errors.New("tag or digest is required")
	}
	if r.Digest != "" {
		if err := r.Digest.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Name returns host/path without tag or digest.
func (r ContainerReference) Name() string {
	return r.RegistryHost + "/" + r.RepositoryPath
}

func (r ContainerReference) String() string {
	out := r.Name()
	if r.Tag != "" {
		out += ":" + r.Tag
	}
	if r.Digest != "" {
		out += "@" + r.Digest.String()
	}
	return out
}

// RegistryMapping rewrites every reference hosted on UpstreamRegistryURL into
// the private registry under ECRRepositoryPrefix.
type RegistryMapping struct {
	UpstreamRegistryURL string `yaml:"upstreamRegistryUrl" json:"upstreamRegistryUrl"`
	ECRRepositoryPrefix string `yaml:"ecrRepositoryPrefix" json:"ecrRepositoryPrefix"`
}

// ImageMapping overrides a single image by exact canonical match.
type ImageMapping struct {
	SourceImage      string `yaml:"sourceImage" json:"sourceImage"`
	DestinationImage string `yaml:"destinationImage" json:"destinationImage"`
}
