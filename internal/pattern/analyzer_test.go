package pattern

import (
	"context"
	"testing"
	"time"

	"github.com/pipewatch/pipewatch/internal/core/domain"
	"github.com/pipewatch/pipewatch/internal/infra/storage/memory"
)

func TestSignature(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "line numbers collapse",
			in:   "Test failed at line 42",
			want: "test failed at line <n>",
		},
		{
			name: "commit hashes collapse",
			in:   "build failed for deadbeefcafe1234",
			want: "build failed for <hash>",
		},
		{
			name: "timestamps collapse",
			in:   "job aborted at 2026-08-23T10:15:30Z",
			want: "job aborted at <ts>",
		},
		{
			name: "whitespace collapses",
			in:   "error:   too\tmany   spaces",
			want: "error: too many spaces",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Signature(tt.in); got != tt.want {
				t.Errorf("Signature(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSignature_Truncates(t *testing.T) {
	long := ""
	for i := 0; i < 50; i++ {
		long += "verbose "
	}
	if got := Signature(long); len(got) > signatureLength {
		t.Errorf("signature length = %d, want at most %d", len(got), signatureLength)
	}
}

func TestSignature_EquivalentMessagesMatch(t *testing.T) {
	a := Signature("Test failed at line 42 in abc1234def")
	b := Signature("test failed at line 137 in 9f8e7d6c5")
	if a != b {
		t.Errorf("signatures differ: %q vs %q", a, b)
	}
}

func seedFailure(t *testing.T, repo *memory.FailureRepo, id, repository, message string, cat domain.FailureCategory, at time.Time) {
	t.Helper()
	err := repo.Save(context.Background(), &domain.PipelineFailure{
		ID:         id,
		RunID:      "run-" + id,
		Repository: repository,
		Message:    message,
		Category:   cat,
		Severity:   domain.SeverityMedium,
		Resolution: domain.ResolutionOpen,
		DetectedAt: at,
	})
	if err != nil {
		t.Fatalf("seed failure: %v", err)
	}
}

func TestAnalyze_GroupsRecurringFailures(t *testing.T) {
	store := memory.NewMemoryStorage()
	repo := memory.NewFailureRepo(store)
	analyzer := NewAnalyzer(repo, 7*24*time.Hour)

	now := time.Now()
	seedFailure(t, repo, "f1", "acme/api", "test failed at line 42", domain.CategoryTesting, now.Add(-3*time.Hour))
	seedFailure(t, repo, "f2", "acme/web", "test failed at line 99", domain.CategoryTesting, now.Add(-2*time.Hour))
	seedFailure(t, repo, "f3", "acme/api", "test failed at line 7", domain.CategoryTesting, now.Add(-time.Hour))
	seedFailure(t, repo, "f4", "acme/api", "flake8 E501 line too long", domain.CategoryLinting, now.Add(-time.Hour))
	seedFailure(t, repo, "f5", "acme/api", "flake8 E501 line too long", domain.CategoryLinting, now.Add(-30*time.Minute))
	// A singleton never forms a pattern.
	seedFailure(t, repo, "f6", "acme/api", "disk quota exceeded", domain.CategoryInfrastructure, now)

	patterns, err := analyzer.Analyze(context.Background(), "")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(patterns) != 2 {
		t.Fatalf("patterns = %d, want 2", len(patterns))
	}

	top := patterns[0]
	if top.Category != domain.CategoryTesting {
		t.Errorf("top pattern category = %s, want testing", top.Category)
	}
	if top.Count != 3 {
		t.Errorf("top pattern count = %d, want 3", top.Count)
	}
	if len(top.Repositories) != 2 {
		t.Errorf("top pattern repositories = %v, want 2 entries", top.Repositories)
	}
	if top.Suggestion == "" {
		t.Error("expected a remediation suggestion")
	}
	if !top.FirstSeen.Before(top.LastSeen) {
		t.Error("expected first seen before last seen")
	}
}

func TestAnalyze_TiesBreakOnRecency(t *testing.T) {
	store := memory.NewMemoryStorage()
	repo := memory.NewFailureRepo(store)
	analyzer := NewAnalyzer(repo, 7*24*time.Hour)

	now := time.Now()
	seedFailure(t, repo, "a1", "acme/api", "npm install failed", domain.CategoryDependency, now.Add(-5*time.Hour))
	seedFailure(t, repo, "a2", "acme/api", "npm install failed", domain.CategoryDependency, now.Add(-4*time.Hour))
	seedFailure(t, repo, "b1", "acme/api", "docker build failed", domain.CategoryBuild, now.Add(-2*time.Hour))
	seedFailure(t, repo, "b2", "acme/api", "docker build failed", domain.CategoryBuild, now.Add(-time.Hour))

	patterns, err := analyzer.Analyze(context.Background(), "acme/api")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(patterns) != 2 {
		t.Fatalf("patterns = %d, want 2", len(patterns))
	}
	if patterns[0].Category != domain.CategoryBuild {
		t.Errorf("first pattern = %s, want the more recent build pattern", patterns[0].Category)
	}
}
