package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/omicsflow/internal/platform/env"
)

type Config struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Region       string
	UseSSL       bool
	BundleBucket string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("S3_USE_SSL", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:     env.String("S3_ENDPOINT", ""),
		AccessKey:    env.String("S3_ACCESS_KEY", ""),
		SecretKey:    env.String("S3_SECRET_KEY", ""),
		Region:       env.String("S3_REGION", "us-east-1"),
		UseSSL:       useSSL,
		BundleBucket: env.String("S3_BUNDLE_BUCKET", "omicsflow-bundles"),
	}
	if !cfg.Enabled() {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Enabled reports whether an object store endpoint is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BundleBucket) == "" {
		return errors.New("bundle bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
