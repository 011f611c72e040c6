package pattern

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pipewatch/pipewatch/internal/core/domain"
	"github.com/pipewatch/pipewatch/internal/infra/storage"
)

// signatureLength caps normalized messages so log tails don't explode
// the signature space.
const signatureLength = 120

var (
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(\.\d+)?(z|[+-]\d{2}:?\d{2})?`)
	hashPattern      = regexp.MustCompile(`\b[0-9a-f]{7,40}\b`)
	numberPattern    = regexp.MustCompile(`\d+`)
	spacePattern     = regexp.MustCompile(`\s+`)
)

var suggestions = map[domain.FailureCategory]string{
	domain.CategoryLinting:        "run the linter locally and fix the reported issues",
	domain.CategoryFormatting:     "run the formatter and commit the result",
	domain.CategoryTesting:        "reproduce the failing tests locally before retrying",
	domain.CategoryBuild:          "check compiler output and recent dependency changes",
	domain.CategoryDependency:     "pin or update the conflicting dependency and clear build caches",
	domain.CategoryTimeout:        "raise the step timeout or split the job",
	domain.CategoryInfrastructure: "check runner and upstream service availability",
	domain.CategoryDeployment:     "verify deployment credentials and the target environment",
	domain.CategoryUnknown:        "inspect the job logs",
}

// Signature normalizes a failure message so recurring failures with
// varying ids, hashes and timestamps group together.
func Signature(message string) string {
	s := strings.ToLower(strings.TrimSpace(message))
	s = timestampPattern.ReplaceAllString(s, "<ts>")
	s = hashPattern.ReplaceAllString(s, "<hash>")
	s = numberPattern.ReplaceAllString(s, "<n>")
	s = spacePattern.ReplaceAllString(s, " ")
	if len(s) > signatureLength {
		s = s[:signatureLength]
	}
	return s
}

// SuggestionFor returns the standing remediation advice for a category.
func SuggestionFor(category domain.FailureCategory) string {
	if s, ok := suggestions[category]; ok {
		return s
	}
	return suggestions[domain.CategoryUnknown]
}

// Analyzer groups recent failures into recurring patterns.
type Analyzer struct {
	failures storage.FailureRepository
	window   time.Duration
}

func NewAnalyzer(failures storage.FailureRepository, window time.Duration) *Analyzer {
	return &Analyzer{failures: failures, window: window}
}

// Analyze returns recurring failure patterns seen within the window,
// most frequent first, latest activity breaking ties. A pattern needs at
// least two member failures. Repository filters when non-empty.
func (a *Analyzer) Analyze(ctx context.Context, repository string) ([]*domain.FailurePattern, error) {
	failures, err := a.failures.ListRecent(ctx, repository, time.Now().Add(-a.window))
	if err != nil {
		return nil, fmt.Errorf("list recent failures: %w", err)
	}

	type key struct {
		category  domain.FailureCategory
		signature string
	}
	groups := make(map[key]*domain.FailurePattern)
	repos := make(map[key]map[string]bool)

	for _, f := range failures {
		k := key{category: f.Category, signature: Signature(f.Message)}
		p, ok := groups[k]
		if !ok {
			p = &domain.FailurePattern{
				Category:   f.Category,
				Signature:  k.signature,
				Suggestion: SuggestionFor(f.Category),
				FirstSeen:  f.DetectedAt,
				LastSeen:   f.DetectedAt,
			}
			groups[k] = p
			repos[k] = make(map[string]bool)
		}
		p.Count++
		repos[k][f.Repository] = true
		if f.DetectedAt.Before(p.FirstSeen) {
			p.FirstSeen = f.DetectedAt
		}
		if f.DetectedAt.After(p.LastSeen) {
			p.LastSeen = f.DetectedAt
		}
	}

	var patterns []*domain.FailurePattern
	for k, p := range groups {
		if p.Count < 2 {
			continue
		}
		for repo := range repos[k] {
			p.Repositories = append(p.Repositories, repo)
		}
		sort.Strings(p.Repositories)
		patterns = append(patterns, p)
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].LastSeen.After(patterns[j].LastSeen)
	})
	return patterns, nil
}
