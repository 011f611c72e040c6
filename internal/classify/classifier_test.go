package classify

import (
	"testing"

	"github.com/pipewatch/pipewatch/internal/core/domain"
)

func TestClassify_Categories(t *testing.T) {
	c := New(2)

	tests := []struct {
		name string
		in   Input
		want domain.FailureCategory
	}{
		{
			name: "pytest failure is testing",
			in:   Input{JobName: "unit-tests", Message: "pytest exited with code 1: 3 failed"},
			want: domain.CategoryTesting,
		},
		{
			name: "black reformat is formatting even though job says test",
			in:   Input{JobName: "test", Message: "black would reformat src/app.py"},
			want: domain.CategoryFormatting,
		},
		{
			name: "eslint is linting",
			in:   Input{JobName: "ci", StepName: "eslint", Message: "2 problems found"},
			want: domain.CategoryLinting,
		},
		{
			name: "npm install is dependency",
			in:   Input{JobName: "setup", Message: "npm install failed: ERESOLVE"},
			want: domain.CategoryDependency,
		},
		{
			name: "compile error is build",
			in:   Input{JobName: "compile", Message: "compilation failed: undefined reference to main"},
			want: domain.CategoryBuild,
		},
		{
			name: "helm rollout is deployment",
			in:   Input{JobName: "release", Message: "helm upgrade failed: rollout status timed out"},
			want: domain.CategoryDeployment,
		},
		{
			name: "deadline exceeded is timeout",
			in:   Input{JobName: "job", Message: "context deadline exceeded"},
			want: domain.CategoryTimeout,
		},
		{
			name: "connection refused is infrastructure",
			in:   Input{JobName: "job", Message: "dial tcp: connection refused"},
			want: domain.CategoryInfrastructure,
		},
		{
			name: "unmatched message is unknown",
			in:   Input{JobName: "job", Message: "exit status 1"},
			want: domain.CategoryUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := c.Classify(tt.in)
			if got != tt.want {
				t.Errorf("category = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassify_Severity(t *testing.T) {
	c := New(2)

	t.Run("base severity per category", func(t *testing.T) {
		_, sev := c.Classify(Input{Message: "flake8 found issues", Branch: "feature/x", PrimaryBranch: "main"})
		if sev != domain.SeverityLow {
			t.Errorf("linting severity = %s, want low", sev)
		}
		_, sev = c.Classify(Input{Message: "docker build failed", Branch: "feature/x", PrimaryBranch: "main"})
		if sev != domain.SeverityHigh {
			t.Errorf("build severity = %s, want high", sev)
		}
	})

	t.Run("primary branch forces critical", func(t *testing.T) {
		_, sev := c.Classify(Input{Message: "flake8 found issues", Branch: "main", PrimaryBranch: "main"})
		if sev != domain.SeverityCritical {
			t.Errorf("severity = %s, want critical", sev)
		}
	})

	t.Run("retry threshold escalates one level", func(t *testing.T) {
		_, sev := c.Classify(Input{Message: "pytest failed", RetryCount: 2})
		if sev != domain.SeverityHigh {
			t.Errorf("severity = %s, want high after escalation", sev)
		}
	})

	t.Run("escalation caps at critical", func(t *testing.T) {
		_, sev := c.Classify(Input{Message: "pytest failed", Branch: "main", PrimaryBranch: "main", RetryCount: 5})
		if sev != domain.SeverityCritical {
			t.Errorf("severity = %s, want critical", sev)
		}
	})

	t.Run("below threshold keeps base severity", func(t *testing.T) {
		_, sev := c.Classify(Input{Message: "pytest failed", RetryCount: 1})
		if sev != domain.SeverityMedium {
			t.Errorf("severity = %s, want medium", sev)
		}
	})
}
