package recovery

import (
	"time"

	"github.com/pipewatch/pipewatch/internal/core/config"
	"github.com/pipewatch/pipewatch/internal/core/domain"
)

// Determine picks the recovery type for a failure. Pure decision table,
// evaluated top to bottom:
//
//  1. an explicitly requested type wins
//  2. linting and formatting failures re-run as-is
//  3. build, testing and dependency failures resume from a checkpoint
//     when a valid one exists
//  4. prior corruption or critical severity forces a rollback
//  5. everything else retries
func Determine(
	failure *domain.PipelineFailure,
	requested domain.RecoveryType,
	checkpointAvailable bool,
	priorCorruption bool,
) domain.RecoveryType {
	if requested != "" && requested != domain.RecoveryAuto {
		return requested
	}

	switch failure.Category {
	case domain.CategoryLinting, domain.CategoryFormatting:
		return domain.RecoveryRetry
	case domain.CategoryBuild, domain.CategoryTesting, domain.CategoryDependency:
		if checkpointAvailable {
			return domain.RecoveryResume
		}
	}

	if priorCorruption || failure.Severity == domain.SeverityCritical {
		return domain.RecoveryRollback
	}

	return domain.RecoveryRetry
}

// AttemptDelay returns the exponential backoff delay before the given
// automatic attempt (1-based). The first attempt waits the initial
// delay; later attempts grow by the multiplier, capped at the maximum.
func AttemptDelay(cfg config.BackoffConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.Initial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.Max > 0 && delay >= cfg.Max {
			return cfg.Max
		}
	}
	if cfg.Max > 0 && delay > cfg.Max {
		return cfg.Max
	}
	return delay
}
