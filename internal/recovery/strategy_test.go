package recovery

import (
	"testing"
	"time"

	"github.com/pipewatch/pipewatch/internal/core/config"
	"github.com/pipewatch/pipewatch/internal/core/domain"
)

func TestDetermine(t *testing.T) {
	tests := []struct {
		name                string
		category            domain.FailureCategory
		severity            domain.FailureSeverity
		requested           domain.RecoveryType
		checkpointAvailable bool
		priorCorruption     bool
		want                domain.RecoveryType
	}{
		{
			name:      "explicit request wins",
			category:  domain.CategoryLinting,
			severity:  domain.SeverityLow,
			requested: domain.RecoveryRollback,
			want:      domain.RecoveryRollback,
		},
		{
			name:     "critical forces rollback",
			category: domain.CategoryTesting,
			severity: domain.SeverityCritical,
			want:     domain.RecoveryRollback,
		},
		{
			name:            "prior corruption forces rollback",
			category:        domain.CategoryDeployment,
			severity:        domain.SeverityMedium,
			priorCorruption: true,
			want:            domain.RecoveryRollback,
		},
		{
			name:     "linting retries",
			category: domain.CategoryLinting,
			severity: domain.SeverityLow,
			want:     domain.RecoveryRetry,
		},
		{
			name:     "critical linting still retries",
			category: domain.CategoryLinting,
			severity: domain.SeverityCritical,
			want:     domain.RecoveryRetry,
		},
		{
			name:            "corrupted formatting still retries",
			category:        domain.CategoryFormatting,
			severity:        domain.SeverityLow,
			priorCorruption: true,
			want:            domain.RecoveryRetry,
		},
		{
			name:                "critical build with checkpoint resumes",
			category:            domain.CategoryBuild,
			severity:            domain.SeverityCritical,
			checkpointAvailable: true,
			want:                domain.RecoveryResume,
		},
		{
			name:     "formatting retries",
			category: domain.CategoryFormatting,
			severity: domain.SeverityLow,
			want:     domain.RecoveryRetry,
		},
		{
			name:                "testing with checkpoint resumes",
			category:            domain.CategoryTesting,
			severity:            domain.SeverityMedium,
			checkpointAvailable: true,
			want:                domain.RecoveryResume,
		},
		{
			name:     "testing without checkpoint retries",
			category: domain.CategoryTesting,
			severity: domain.SeverityMedium,
			want:     domain.RecoveryRetry,
		},
		{
			name:                "build with checkpoint resumes",
			category:            domain.CategoryBuild,
			severity:            domain.SeverityHigh,
			checkpointAvailable: true,
			want:                domain.RecoveryResume,
		},
		{
			name:                "unknown category defaults to retry",
			category:            domain.CategoryUnknown,
			severity:            domain.SeverityMedium,
			checkpointAvailable: true,
			want:                domain.RecoveryRetry,
		},
		{
			name:      "auto behaves like unset",
			category:  domain.CategoryFormatting,
			severity:  domain.SeverityLow,
			requested: domain.RecoveryAuto,
			want:      domain.RecoveryRetry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failure := &domain.PipelineFailure{Category: tt.category, Severity: tt.severity}
			got := Determine(failure, tt.requested, tt.checkpointAvailable, tt.priorCorruption)
			if got != tt.want {
				t.Errorf("Determine() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAttemptDelay(t *testing.T) {
	cfg := config.BackoffConfig{
		Initial:    30 * time.Second,
		Max:        15 * time.Minute,
		Multiplier: 2.0,
	}

	if d := AttemptDelay(cfg, 1); d != 30*time.Second {
		t.Errorf("attempt 1 delay = %v, want 30s", d)
	}
	if d := AttemptDelay(cfg, 2); d != time.Minute {
		t.Errorf("attempt 2 delay = %v, want 1m", d)
	}
	if d := AttemptDelay(cfg, 3); d != 2*time.Minute {
		t.Errorf("attempt 3 delay = %v, want 2m", d)
	}
	if d := AttemptDelay(cfg, 20); d != 15*time.Minute {
		t.Errorf("attempt 20 delay = %v, want capped at 15m", d)
	}
	if d := AttemptDelay(cfg, 0); d != 30*time.Second {
		t.Errorf("attempt 0 delay = %v, want clamped to initial", d)
	}
}
