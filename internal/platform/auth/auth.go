package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/omicsflow/internal/platform/env"
)

// Mode selects how callers are identified.
type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode

	// RolesClaim and EmailClaim name the token claims mapped onto an Identity.
	RolesClaim string
	EmailClaim string

	OIDCIssuerURL string
	OIDCAudience  string

	DevSubject string
	DevEmail   string
	DevRoles   []string
}

func ParseMode(value string) (Mode, error) {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(value))); mode {
	case ModeOIDC, ModeDev, ModeDisabled:
		return mode, nil
	default:
		return "", fmt.Errorf("%sAUTH_MODE must be oidc, dev or disabled (got %q)", env.Prefix, value)
	}
}

func ConfigFromEnv() (Config, error) {
	mode, err := ParseMode(env.String("AUTH_MODE", string(ModeOIDC)))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Mode:          mode,
		RolesClaim:    strings.TrimSpace(env.String("AUTH_ROLES_CLAIM", "roles")),
		EmailClaim:    strings.TrimSpace(env.String("AUTH_EMAIL_CLAIM", "email")),
		OIDCIssuerURL: strings.TrimSpace(env.String("OIDC_ISSUER_URL", "")),
		OIDCAudience:  strings.TrimSpace(env.String("OIDC_AUDIENCE", "")),
		DevSubject:    strings.TrimSpace(env.String("DEV_AUTH_SUBJECT", "dev-user")),
		DevEmail:      strings.TrimSpace(env.String("DEV_AUTH_EMAIL", "dev-user@example.local")),
		DevRoles:      parseCSV(strings.Join(env.CSV("DEV_AUTH_ROLES", []string{RoleAdmin}), ",")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.RolesClaim == "" || c.EmailClaim == "" {
		return errors.New("roles and email claim names are required")
	}
	switch c.Mode {
	case ModeOIDC:
		if c.OIDCIssuerURL == "" || c.OIDCAudience == "" {
			return fmt.Errorf("%sOIDC_ISSUER_URL and %sOIDC_AUDIENCE are required in oidc mode", env.Prefix, env.Prefix)
		}
	case ModeDev:
		if c.DevSubject == "" {
			return fmt.Errorf("%sDEV_AUTH_SUBJECT is required in dev mode", env.Prefix)
		}
		if len(c.DevRoles) == 0 {
			return fmt.Errorf("%sDEV_AUTH_ROLES must name at least one role in dev mode", env.Prefix)
		}
		for _, role := range c.DevRoles {
			if _, ok := roleGrants[role]; !ok {
				return fmt.Errorf("unknown dev role %q", role)
			}
		}
	case ModeDisabled:
	case "":
		return errors.New("auth mode is required")
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	return nil
}

// parseCSV lower-cases and de-duplicates a comma-separated role list.
func parseCSV(value string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(value, ",") {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
