package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pipewatch/pipewatch/internal/core/domain"
)

// Notifier delivers failure notices to humans. The issue/tracker
// formatting lives outside the engine.
type Notifier interface {
	Send(ctx context.Context, notice *domain.FailureNotice) error
}

// LogNotifier writes notices to the structured log. Default when no
// webhook is configured.
type LogNotifier struct{}

func (n *LogNotifier) Send(ctx context.Context, notice *domain.FailureNotice) error {
	slog.Warn("pipeline failure notice",
		"repository", notice.Repository,
		"failure_id", notice.FailureID,
		"category", notice.Category,
		"severity", notice.Severity,
		"retry_count", notice.RetryCount,
		"escalated", notice.Escalated,
		"suggestion", notice.Suggestion,
	)
	return nil
}

// WebhookNotifier posts notices as JSON to an external endpoint.
type WebhookNotifier struct {
	endpoint   string
	httpClient *http.Client
}

func NewWebhookNotifier(endpoint string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) Send(ctx context.Context, notice *domain.FailureNotice) error {
	jsonData, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notify http %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
