package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pipewatch/pipewatch/internal/core/domain"
)

// HTTPExecutor implements RecoveryExecutor over JSON HTTP. The CI
// integration behind the endpoint performs the actual re-run/resume/
// rollback and reports the outcome.
type HTTPExecutor struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPExecutor creates a new HTTP-based recovery executor.
func NewHTTPExecutor(endpoint string, timeout time.Duration) *HTTPExecutor {
	return &HTTPExecutor{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Execute posts the recovery request and decodes the executor's verdict.
// The caller bounds the call with its own context deadline.
func (e *HTTPExecutor) Execute(ctx context.Context, req Request) (domain.ExecutionResult, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("executor call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return domain.ExecutionResult{}, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var result domain.ExecutionResult
	if err := json.Unmarshal(body, &result); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}

// HTTPArtifactChecker verifies artifact retrievability against an
// artifact service with HEAD requests.
type HTTPArtifactChecker struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPArtifactChecker(baseURL string, timeout time.Duration) *HTTPArtifactChecker {
	return &HTTPArtifactChecker{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPArtifactChecker) Exists(ctx context.Context, artifactRef string) (bool, error) {
	u := fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(artifactRef))
	req, err := http.NewRequestWithContext(ctx, "HEAD", u, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("artifact check: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound, http.StatusGone:
		return false, nil
	default:
		return false, fmt.Errorf("artifact check http %d", resp.StatusCode)
	}
}

// HTTPDependencyChecker verifies dependency resolvability against a
// resolver service.
type HTTPDependencyChecker struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPDependencyChecker(baseURL string, timeout time.Duration) *HTTPDependencyChecker {
	return &HTTPDependencyChecker{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPDependencyChecker) Resolvable(ctx context.Context, depRef string) (bool, error) {
	u := fmt.Sprintf("%s?ref=%s", c.baseURL, url.QueryEscape(depRef))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("dependency check: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("dependency check http %d", resp.StatusCode)
	}
}
