package main

import (
	"fmt"
	"strings"

	"github.com/animus-labs/omicsflow/internal/domain"
	"github.com/animus-labs/omicsflow/internal/platform/env"
	"github.com/animus-labs/omicsflow/internal/resolver"
	"github.com/animus-labs/omicsflow/internal/validation/bundle"
)

type engineConfig struct {
	MapFile        string
	Target         resolver.Target
	Mode           resolver.Mode
	Bounds         domain.ResourceBounds
	MaxBundleBytes int64
	MaxUploadBytes int64
}

func engineConfigFromEnv() (engineConfig, error) {
	mode, err := parseMode(env.String("RESOLVE_MODE", "strict"))
	if err != nil {
		return engineConfig{}, err
	}
	var bounds domain.ResourceBounds
	for _, f := range []struct {
		key string
		def float64
		dst *float64
	}{
		{key: "TASK_MIN_CPU", def: 2, dst: &bounds.MinCPU},
		{key: "TASK_MAX_CPU", def: 96, dst: &bounds.MaxCPU},
		{key: "TASK_MIN_MEMORY_GIB", def: 4, dst: &bounds.MinMemoryGiB},
		{key: "TASK_MAX_MEMORY_GIB", def: 768, dst: &bounds.MaxMemoryGiB},
	} {
		v, err := env.Float(f.key, f.def)
		if err != nil {
			return engineConfig{}, err
		}
		*f.dst = v
	}
	maxBundle, err := env.Bytes("MAX_BUNDLE_BYTES", bundle.DefaultMaxBundleBytes)
	if err != nil {
		return engineConfig{}, err
	}
	maxUpload, err := env.Bytes("MAX_UPLOAD_BYTES", 64<<20)
	if err != nil {
		return engineConfig{}, err
	}

	cfg := engineConfig{
		MapFile: strings.TrimSpace(env.String("REGISTRY_MAP_FILE", "")),
		Target: resolver.Target{
			AccountID: env.String("TARGET_ACCOUNT_ID", ""),
			Region:    env.String("TARGET_REGION", ""),
		},
		Mode:           mode,
		Bounds:         bounds,
		MaxBundleBytes: maxBundle,
		MaxUploadBytes: maxUpload,
	}
	if err := cfg.Validate(); err != nil {
		return engineConfig{}, err
	}
	return cfg, nil
}

func (c engineConfig) Validate() error {
	if err := c.Bounds.Validate(); err != nil {
		return fmt.Errorf("task bounds: %w", err)
	}
	if c.MaxBundleBytes < 0 {
		return fmt.Errorf("%sMAX_BUNDLE_BYTES must be >= 0", env.Prefix)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("%sMAX_UPLOAD_BYTES must be positive", env.Prefix)
	}
	if c.MapFile != "" {
		if err := c.Target.Validate(); err != nil {
			return fmt.Errorf("registry target: %w", err)
		}
	}
	return nil
}

func parseMode(value string) (resolver.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "strict":
		return resolver.Strict, nil
	case "permissive":
		return resolver.Permissive, nil
	default:
		return 0, fmt.Errorf("%sRESOLVE_MODE must be strict or permissive (got %q)", env.Prefix, value)
	}
}
