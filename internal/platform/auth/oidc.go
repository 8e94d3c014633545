package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// ClaimsVerifier verifies a raw bearer token and returns its claims.
type ClaimsVerifier func(ctx context.Context, rawToken string) (map[string]any, error)

// BearerAuthenticator authenticates API callers by an OIDC-issued bearer token.
type BearerAuthenticator struct {
	cfg    Config
	verify ClaimsVerifier
}

func NewOIDCAuthenticator(ctx context.Context, cfg Config) (*BearerAuthenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}

	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.OIDCAudience})

	return NewBearerAuthenticator(cfg, func(ctx context.Context, rawToken string) (map[string]any, error) {
		idToken, err := verifier.Verify(ctx, rawToken)
		if err != nil {
			return nil, err
		}
		var claims map[string]any
		if err := idToken.Claims(&claims); err != nil {
			return nil, err
		}
		return claims, nil
	}), nil
}

func NewBearerAuthenticator(cfg Config, verify ClaimsVerifier) *BearerAuthenticator {
	return &BearerAuthenticator{cfg: cfg, verify: verify}
}

func (a *BearerAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	rawToken := tokenFromHeader(r)
	if rawToken == "" {
		return Identity{}, ErrUnauthenticated
	}
	claims, err := a.verify(ctx, rawToken)
	if err != nil {
		return Identity{}, err
	}

	subject, _ := claims["sub"].(string)
	if strings.TrimSpace(subject) == "" {
		return Identity{}, fmt.Errorf("token has no subject")
	}
	return Identity{
		Subject: subject,
		Email:   extractStringClaim(claims, a.cfg.EmailClaim),
		Roles:   extractRolesClaim(claims, a.cfg.RolesClaim),
	}, nil
}

func tokenFromHeader(r *http.Request) string {
	value := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func extractStringClaim(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return s
}

func extractRolesClaim(claims map[string]any, key string) []string {
	switch typed := claims[key].(type) {
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return parseCSV(strings.Join(typed, ","))
	case string:
		return parseCSV(typed)
	default:
		return nil
	}
}
