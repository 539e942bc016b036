// Package cloudapi provides thin HTTP-API Sandbox Provider implementations
// for third-party sandbox hosts (Vercel, E2B, Daytona). Each satisfies
// sandbox.Provider with a best-effort approximation of that host's real
// wire format: these providers are not validated against the live services,
// since that integration surface is outside the orchestration engine's
// scope. The docker provider is the one fully-verified reference
// implementation; these exist so the engine can route a task to any
// configured ProviderType without special-casing the unimplemented ones.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/logger"
)

// httpClient is the shared request/response plumbing every cloud provider
// builds on: a bearer-authenticated JSON client against one base URL.
type httpClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *logger.Logger
}

func newHTTPClient(baseURL, token string, log *logger.Logger) *httpClient {
	return &httpClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  log,
	}
}

func (c *httpClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("cloud sandbox API request failed", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
