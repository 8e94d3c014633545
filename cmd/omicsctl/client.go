package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/animus-labs/omicsflow/internal/platform/httpserver"
)

// apiClient talks to a running deployer.
type apiClient struct {
	baseURL   string
	token     string
	requestID string
	http      *http.Client
}

func newAPIClient(baseURL, token, requestID string) *apiClient {
	return &apiClient{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:     strings.TrimSpace(token),
		requestID: strings.TrimSpace(requestID),
		http:      &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *apiClient) do(req *http.Request) ([]byte, error) {
	if c.requestID != "" {
		req.Header.Set(httpserver.HeaderRequestID, c.requestID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, fmt.Errorf("%s %s: status=%d body=%s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// uploadVersion posts a definition archive as a new version.
func (c *apiClient) uploadVersion(workflowID, version, entrypoint string, archive []byte) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("version", version)
	if entrypoint != "" {
		q.Set("entrypoint", entrypoint)
	}
	endpoint := c.baseURL + "/workflows/" + url.PathEscape(workflowID) + "/versions?" + q.Encode()
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(archive))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/zip")
	body, err := c.do(req)
	return json.RawMessage(body), err
}
