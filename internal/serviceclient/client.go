package serviceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/animus-labs/omicsflow/internal/domain"
	"github.com/animus-labs/omicsflow/internal/platform/metrics"
)

const maxErrorBody = 4 << 10

// Client talks JSON over HTTP to the managed workflow service.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New builds a client. When a client id is configured every request carries
// a bearer token from the OAuth2 client credentials flow.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse service url: %w", err)
	}
	c := &Client{cfg: cfg, base: base, http: &http.Client{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.ClientID != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		c.http = cc.Client(context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, c.http))
	}
	return c, nil
}

func (c *Client) EnsureWorkflow(ctx context.Context, workflowID string) error {
	path := "/workflows/" + url.PathEscape(workflowID)
	err := c.do(ctx, "create_workflow", http.MethodPut, path, map[string]any{"workflow_id": workflowID}, nil)
	var de *domain.Error
	if errors.As(err, &de) && de.StatusCode == http.StatusConflict {
		return nil
	}
	return err
}

func (c *Client) CreateVersion(ctx context.Context, reg domain.VersionRegistration) (domain.ServiceVersion, error) {
	var out domain.ServiceVersion
	path := "/workflows/" + url.PathEscape(reg.WorkflowID) + "/versions"
	err := c.do(ctx, "create_version", http.MethodPost, path, reg, &out)
	return out, err
}

func (c *Client) GetVersion(ctx context.Context, workflowID, versionName string) (domain.ServiceVersion, error) {
	var out domain.ServiceVersion
	path := "/workflows/" + url.PathEscape(workflowID) + "/versions/" + url.PathEscape(versionName)
	err := c.do(ctx, "get_version", http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) StartRun(ctx context.Context, req domain.RunRequest) (domain.ServiceRun, error) {
	var out domain.ServiceRun
	err := c.do(ctx, "start_run", http.MethodPost, "/runs", req, &out)
	return out, err
}

func (c *Client) GetRun(ctx context.Context, runID string) (domain.ServiceRun, error) {
	var out domain.ServiceRun
	err := c.do(ctx, "get_run", http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &out)
	return out, err
}

func (c *Client) GetLogs(ctx context.Context, runID string) ([]string, error) {
	var out struct {
		LogRefs []string `json:"log_refs"`
	}
	err := c.do(ctx, "get_logs", http.MethodGet, "/runs/"+url.PathEscape(runID)+"/logs", nil, &out)
	return out.LogRefs, err
}

// do performs one logical call. Transient failures (transport errors, 429 and
// 5xx) are retried with capped exponential backoff; each attempt gets its own
// timeout. Exhaustion yields ErrServiceUnavailable.
func (c *Client) do(ctx context.Context, operation, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", operation, err)
		}
		body = raw
	}

	start := time.Now()
	attempts := 0
	var lastTransient error
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempts++
		err := c.attempt(ctx, operation, method, path, body, out)
		if err != nil && domain.IsTransient(err) {
			lastTransient = err
			c.logger.Warn("service call failed", "operation", operation, "attempt", attempts, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})

	outcome := "ok"
	switch {
	case err == nil:
	case domain.IsTransient(err) && lastTransient != nil:
		outcome = "unavailable"
		err = &domain.Error{
			Class:      domain.ClassTransientService,
			Kind:       "ServiceUnavailable",
			Field:      operation,
			Value:      fmt.Sprintf("%d attempts", attempts),
			StatusCode: statusOf(lastTransient),
			Details:    []string{lastTransient.Error()},
			Err:        domain.ErrServiceUnavailable,
		}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		outcome = "cancelled"
	default:
		outcome = "rejected"
	}
	c.metrics.ServiceCall(operation, outcome, time.Since(start))
	return err
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.cfg.BackoffBase)
	b = retry.WithCappedDuration(c.cfg.BackoffCap, b)
	b = retry.WithJitterPercent(10, b)
	return retry.WithMaxRetries(uint64(c.cfg.MaxRetries), b)
}

func (c *Client) attempt(ctx context.Context, operation, method, path string, body []byte, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, c.base.String()+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", operation, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.Error{Class: domain.ClassTransientService, Kind: "TransportError", Field: operation, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: decode response: %w", operation, err)
		}
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return statusError(operation, resp.StatusCode, strings.TrimSpace(string(detail)))
}

func statusError(operation string, status int, detail string) error {
	e := &domain.Error{Field: operation, StatusCode: status}
	if detail != "" {
		e.Value = detail
	}
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		e.Class = domain.ClassTransientService
		e.Kind = "ServiceError"
		e.Err = domain.ErrServiceUnavailable
	case status == http.StatusNotFound:
		e.Class = domain.ClassValidation
		e.Kind = "NotFound"
		e.Err = domain.ErrNotFound
	default:
		e.Class = domain.ClassValidation
		e.Kind = "ServiceRejected"
		e.Err = domain.ErrServiceRejected
	}
	return e
}

func statusOf(err error) int {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.StatusCode
	}
	return 0
}
