package classify

import (
	"regexp"
	"strings"

	"github.com/pipewatch/pipewatch/internal/core/domain"
)

// Input is the failed job/step payload handed to the classifier.
type Input struct {
	JobName  string
	StepName string
	Message  string
	// Branch the run targeted; severity is forced to critical when it is
	// the repository's primary branch.
	Branch        string
	PrimaryBranch string
	// RetryCount of the failure so far; repeated failures escalate
	// severity one level once the configured threshold is reached.
	RetryCount int
}

type rule struct {
	category domain.FailureCategory
	pattern  *regexp.Regexp
}

// Ordered most-specific first; the first matching rule wins. Generic
// test/build phrasing sits near the end so tool-specific rules beat it.
var categoryRules = []rule{
	{domain.CategoryFormatting, regexp.MustCompile(`(?i)\b(black|isort|prettier|gofmt|goimports|rustfmt)\b|would reformat|format(ting)?[ -]?check`)},
	{domain.CategoryLinting, regexp.MustCompile(`(?i)\b(flake8|pylint|eslint|golangci-lint|ruff|staticcheck)\b|\blint(er|ing)?\b|syntax error|undefined name`)},
	{domain.CategoryDependency, regexp.MustCompile(`(?i)dependency .*(not found|conflict)|\b(npm|pip|yarn|bundle|go mod) (install|download|tidy)\b|requirements? not satisfied|unresolved (dependency|import)|module not found`)},
	{domain.CategoryTimeout, regexp.MustCompile(`(?i)\btimed? ?out\b|deadline exceeded|exceeded the maximum execution time`)},
	{domain.CategoryInfrastructure, regexp.MustCompile(`(?i)network (error|unreachable)|connection (refused|reset)|service unavailable|no space left|runner .*offline|dns`)},
	{domain.CategoryDeployment, regexp.MustCompile(`(?i)\bdeploy(ment)?\b|rollout|registry (error|unavailable)|helm|kubectl apply`)},
	{domain.CategoryBuild, regexp.MustCompile(`(?i)build (failed|error)|compil(e|ation) (failed|error)|cannot build|webpack|docker build|undefined reference|linker`)},
	{domain.CategoryTesting, regexp.MustCompile(`(?i)\btests?\b|\bspecs?\b|assert(ion)?|pytest|jest|coverage`)},
}

// Base severity per category. Escalation rules only ever upgrade it.
var baseSeverity = map[domain.FailureCategory]domain.FailureSeverity{
	domain.CategoryLinting:        domain.SeverityLow,
	domain.CategoryFormatting:     domain.SeverityLow,
	domain.CategoryTesting:        domain.SeverityMedium,
	domain.CategoryDependency:     domain.SeverityMedium,
	domain.CategoryTimeout:        domain.SeverityMedium,
	domain.CategoryBuild:          domain.SeverityHigh,
	domain.CategoryDeployment:     domain.SeverityHigh,
	domain.CategoryInfrastructure: domain.SeverityHigh,
	domain.CategoryUnknown:        domain.SeverityMedium,
}

// Classifier maps a failed job/step payload to (category, severity).
// Pure and deterministic: it never fails, unknown inputs fall back to
// unknown/medium.
type Classifier struct {
	retryThreshold int
}

// New creates a classifier. retryThreshold is the retry count at which a
// repeated failure is escalated one severity level.
func New(retryThreshold int) *Classifier {
	if retryThreshold <= 0 {
		retryThreshold = 2
	}
	return &Classifier{retryThreshold: retryThreshold}
}

// Classify returns the failure category and severity for a payload.
func (c *Classifier) Classify(in Input) (domain.FailureCategory, domain.FailureSeverity) {
	combined := strings.ToLower(in.JobName + " " + in.StepName + " " + in.Message)

	category := domain.CategoryUnknown
	for _, r := range categoryRules {
		if r.pattern.MatchString(combined) {
			category = r.category
			break
		}
	}

	severity := baseSeverity[category]

	// Failures on the primary branch block everyone.
	if in.Branch != "" && in.Branch == in.PrimaryBranch {
		severity = domain.SeverityCritical
	}

	if in.RetryCount >= c.retryThreshold {
		severity = severity.Escalate()
	}

	return category, severity
}
