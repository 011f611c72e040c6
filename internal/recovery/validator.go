package recovery

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/pipewatch/pipewatch/internal/core/domain"
	"github.com/pipewatch/pipewatch/internal/infra/executor"
)

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Validator decides whether a checkpoint can serve as a resume or
// rollback target. Stages run in a fixed order and the first failing
// stage short-circuits the rest; errors within a stage are collected
// before stopping.
//
// Stages: state completeness, environment consistency, artifact
// retrievability, dependency resolvability.
type Validator struct {
	requiredKeys []string
	artifacts    executor.ArtifactChecker
	dependencies executor.DependencyChecker
}

// NewValidator creates a checkpoint validator. Nil checkers skip their
// stage, for deployments without an artifact store or resolver service.
func NewValidator(
	requiredKeys []string,
	artifacts executor.ArtifactChecker,
	dependencies executor.DependencyChecker,
) *Validator {
	return &Validator{
		requiredKeys: requiredKeys,
		artifacts:    artifacts,
		dependencies: dependencies,
	}
}

func (v *Validator) Validate(ctx context.Context, cp *domain.WorkflowCheckpoint) domain.ValidationResult {
	checked := time.Now()

	if errs := v.checkState(cp); len(errs) > 0 {
		return domain.ValidationResult{Stage: "state", Errors: errs, CheckedAt: checked}
	}
	if errs := v.checkEnvironment(cp); len(errs) > 0 {
		return domain.ValidationResult{Stage: "environment", Errors: errs, CheckedAt: checked}
	}
	if errs := v.checkArtifacts(ctx, cp); len(errs) > 0 {
		return domain.ValidationResult{Stage: "artifacts", Errors: errs, CheckedAt: checked}
	}
	if errs := v.checkDependencies(ctx, cp); len(errs) > 0 {
		return domain.ValidationResult{Stage: "dependencies", Errors: errs, CheckedAt: checked}
	}

	return domain.ValidationResult{IsValid: true, CheckedAt: checked}
}

// checkState verifies the snapshot carries everything needed to restore
// execution context.
func (v *Validator) checkState(cp *domain.WorkflowCheckpoint) []string {
	var errs []string
	if cp.CommitSHA == "" {
		errs = append(errs, "missing commit sha")
	}
	for _, key := range v.requiredKeys {
		if cp.State[key] == "" {
			errs = append(errs, fmt.Sprintf("missing required state key %q", key))
		}
	}
	return errs
}

// checkEnvironment verifies every ${VAR} reference inside state values
// has a captured value in the environment snapshot.
func (v *Validator) checkEnvironment(cp *domain.WorkflowCheckpoint) []string {
	var errs []string
	for key, value := range cp.State {
		for _, match := range envRefPattern.FindAllStringSubmatch(value, -1) {
			name := match[1]
			if _, ok := cp.Environment[name]; !ok {
				errs = append(errs, fmt.Sprintf("state key %q references unset variable %q", key, name))
			}
		}
	}
	return errs
}

func (v *Validator) checkArtifacts(ctx context.Context, cp *domain.WorkflowCheckpoint) []string {
	if v.artifacts == nil {
		return nil
	}
	var errs []string
	for _, ref := range cp.Artifacts {
		ok, err := v.artifacts.Exists(ctx, ref)
		if err != nil {
			errs = append(errs, fmt.Sprintf("artifact %q: %v", ref, err))
			continue
		}
		if !ok {
			errs = append(errs, fmt.Sprintf("artifact %q no longer retrievable", ref))
		}
	}
	return errs
}

func (v *Validator) checkDependencies(ctx context.Context, cp *domain.WorkflowCheckpoint) []string {
	if v.dependencies == nil {
		return nil
	}
	var errs []string
	for _, ref := range cp.Dependencies {
		ok, err := v.dependencies.Resolvable(ctx, ref)
		if err != nil {
			errs = append(errs, fmt.Sprintf("dependency %q: %v", ref, err))
			continue
		}
		if !ok {
			errs = append(errs, fmt.Sprintf("dependency %q does not resolve", ref))
		}
	}
	return errs
}
