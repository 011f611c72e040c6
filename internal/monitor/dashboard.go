package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/pipewatch/pipewatch/internal/core/domain"
	"github.com/pipewatch/pipewatch/internal/metrics"
)

// DashboardSummary is the aggregate health view served to operators.
type DashboardSummary struct {
	GeneratedAt      time.Time                       `json:"generated_at"`
	Window           string                          `json:"window"`
	TotalRuns        int                             `json:"total_runs"`
	FailedRuns       int                             `json:"failed_runs"`
	FailureRate      float64                         `json:"failure_rate"`
	OpenFailures     int                             `json:"open_failures"`
	ActiveRecoveries int                             `json:"active_recoveries"`
	ByCategory       map[domain.FailureCategory]int  `json:"by_category"`
	BySeverity       map[domain.FailureSeverity]int  `json:"by_severity"`
	TopPatterns      []*domain.FailurePattern        `json:"top_patterns"`
	RecentRecoveries []RecoverySummary               `json:"recent_recoveries"`
}

// RecoverySummary is one recovery attempt trimmed for the dashboard.
type RecoverySummary struct {
	ID         string                `json:"id"`
	Repository string                `json:"repository"`
	FailureID  string                `json:"failure_id"`
	Type       domain.RecoveryType   `json:"type"`
	Status     domain.RecoveryStatus `json:"status"`
	Error      string                `json:"error,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
}

// topPatternLimit caps how many patterns the dashboard carries.
const topPatternLimit = 10

// Dashboard aggregates recent runs, failures, recoveries and patterns
// for one repository, or for all repositories when empty.
func (m *Monitor) Dashboard(ctx context.Context, repository string) (*DashboardSummary, error) {
	since := time.Now().Add(-m.cfg.Monitor.Window)

	runs, err := m.runs.ListRecent(ctx, repository, since)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	failures, err := m.failures.ListRecent(ctx, repository, since)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	recoveries, err := m.recoveries.ListRecent(ctx, repository, since)
	if err != nil {
		return nil, fmt.Errorf("list recoveries: %w", err)
	}
	openFailures, err := m.failures.CountOpen(ctx, repository)
	if err != nil {
		return nil, fmt.Errorf("count open failures: %w", err)
	}
	activeRecoveries, err := m.recoveries.CountActive(ctx, repository)
	if err != nil {
		return nil, fmt.Errorf("count active recoveries: %w", err)
	}
	patterns, err := m.analyzer.Analyze(ctx, repository)
	if err != nil {
		return nil, fmt.Errorf("analyze patterns: %w", err)
	}
	if len(patterns) > topPatternLimit {
		patterns = patterns[:topPatternLimit]
	}

	summary := &DashboardSummary{
		GeneratedAt:      time.Now(),
		Window:           m.cfg.Monitor.Window.String(),
		TotalRuns:        len(runs),
		OpenFailures:     openFailures,
		ActiveRecoveries: activeRecoveries,
		ByCategory:       make(map[domain.FailureCategory]int),
		BySeverity:       make(map[domain.FailureSeverity]int),
		TopPatterns:      patterns,
	}

	for _, run := range runs {
		if run.Status == domain.RunStatusFailure {
			summary.FailedRuns++
		}
	}
	if summary.TotalRuns > 0 {
		summary.FailureRate = float64(summary.FailedRuns) / float64(summary.TotalRuns)
	}

	for _, f := range failures {
		summary.ByCategory[f.Category]++
		summary.BySeverity[f.Severity]++
	}

	for _, r := range recoveries {
		summary.RecentRecoveries = append(summary.RecentRecoveries, RecoverySummary{
			ID:         r.ID,
			Repository: r.Repository,
			FailureID:  r.FailureID,
			Type:       r.Type,
			Status:     r.Status,
			Error:      r.Error,
			StartedAt:  r.StartedAt,
		})
	}

	metrics.OpenFailures.WithLabelValues(orAll(repository)).Set(float64(openFailures))
	metrics.ActiveRecoveries.WithLabelValues(orAll(repository)).Set(float64(activeRecoveries))

	return summary, nil
}

// HealthStatus is the liveness summary for the health endpoint.
type HealthStatus struct {
	Status           string    `json:"status"`
	OpenFailures     int       `json:"open_failures"`
	ActiveRecoveries int       `json:"active_recoveries"`
	CheckedAt        time.Time `json:"checked_at"`
}

// Health reports whether the engine's stores answer and how much work is
// outstanding.
func (m *Monitor) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{Status: "ok", CheckedAt: time.Now()}

	open, err := m.failures.CountOpen(ctx, "")
	if err != nil {
		status.Status = "degraded"
	} else {
		status.OpenFailures = open
	}

	active, err := m.recoveries.CountActive(ctx, "")
	if err != nil {
		status.Status = "degraded"
	} else {
		status.ActiveRecoveries = active
	}

	return status
}

func orAll(repository string) string {
	if repository == "" {
		return "all"
	}
	return repository
}
