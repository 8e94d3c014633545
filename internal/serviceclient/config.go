package serviceclient

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/animus-labs/omicsflow/internal/platform/env"
)

type Config struct {
	BaseURL     string
	CallTimeout time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

func ConfigFromEnv() (Config, error) {
	callTimeout, err := env.Duration("SERVICE_CALL_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxRetries, err := env.Int("SERVICE_MAX_RETRIES", 4)
	if err != nil {
		return Config{}, err
	}
	backoffBase, err := env.Duration("SERVICE_BACKOFF_BASE", 200*time.Millisecond)
	if err != nil {
		return Config{}, err
	}
	backoffCap, err := env.Duration("SERVICE_BACKOFF_CAP", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		BaseURL:      env.String("SERVICE_URL", ""),
		CallTimeout:  callTimeout,
		MaxRetries:   maxRetries,
		BackoffBase:  backoffBase,
		BackoffCap:   backoffCap,
		TokenURL:     env.String("SERVICE_TOKEN_URL", ""),
		ClientID:     env.String("SERVICE_CLIENT_ID", ""),
		ClientSecret: env.String("SERVICE_CLIENT_SECRET", ""),
		Scopes:       env.CSV("SERVICE_SCOPES", nil),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("SERVICE_URL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("SERVICE_URL must be an absolute http(s) url")
	}
	if c.CallTimeout <= 0 {
		return errors.New("SERVICE_CALL_TIMEOUT must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("SERVICE_MAX_RETRIES must be >= 0")
	}
	if c.BackoffBase <= 0 {
		return errors.New("SERVICE_BACKOFF_BASE must be positive")
	}
	if c.BackoffCap < c.BackoffBase {
		return errors.New("SERVICE_BACKOFF_CAP must be >= SERVICE_BACKOFF_BASE")
	}
	if c.ClientID != "" && (c.ClientSecret == "" || c.TokenURL == "") {
		return errors.New("SERVICE_CLIENT_SECRET and SERVICE_TOKEN_URL are required with SERVICE_CLIENT_ID")
	}
	return nil
}
