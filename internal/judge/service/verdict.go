package service

import (
	"context"
	"math"

	"go.uber.org/zap"

	"judgebox/internal/judge/model"
	appErr "judgebox/pkg/errors"
	"judgebox/pkg/utils/logger"
)

// DeriveVerdict classifies a fully judged job. errs is index-aligned
// with results; a nil entry means the testcase ran to completion. The
// first testcase carrying an error decides the verdict; without errors
// the pass/fail pattern decides.
func DeriveVerdict(results []model.TestcaseVerdict, errs []error) model.Verdict {
	for _, err := range errs {
		if err == nil {
			continue
		}
		switch appErr.GetCode(err) {
		case appErr.ExecTimeout:
			return model.VerdictTimeLimit
		case appErr.ExecMemoryExceeded:
			return model.VerdictMemoryLimit
		case appErr.CompileFailed, appErr.CompileTimeout:
			return model.VerdictCompilationError
		default:
			return model.VerdictRuntimeError
		}
	}
	for _, r := range results {
		if !r.Passed {
			return model.VerdictWrongAnswer
		}
	}
	return model.VerdictAccepted
}

// ComputeScore converts per-testcase outcomes into a 0..100 score,
// weighted by testcase point values and rounded half up.
func ComputeScore(ctx context.Context, testcases []model.Testcase, results []model.TestcaseVerdict) int {
	total, achieved := 0, 0
	for i, tc := range testcases {
		total += tc.Point
		if i < len(results) && results[i].Passed {
			achieved += tc.Point
		}
	}
	if total <= 0 {
		logger.Warn(ctx, "testcases carry zero total points, scoring 0",
			zap.Int("testcases", len(testcases)))
		return 0
	}
	return int(math.Round(100 * float64(achieved) / float64(total)))
}
