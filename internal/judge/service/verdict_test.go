package service_test

import (
	"context"
	"testing"

	"judgebox/internal/judge/model"
	"judgebox/internal/judge/service"
	appErr "judgebox/pkg/errors"
)

func TestDeriveVerdict(t *testing.T) {
	t.Parallel()

	pass := model.TestcaseVerdict{Passed: true}
	fail := model.TestcaseVerdict{Passed: false}

	tests := []struct {
		name    string
		results []model.TestcaseVerdict
		errs    []error
		want    model.Verdict
	}{
		{
			name:    "all passed",
			results: []model.TestcaseVerdict{pass, pass},
			errs:    []error{nil, nil},
			want:    model.VerdictAccepted,
		},
		{
			name:    "no errors but a failed comparison",
			results: []model.TestcaseVerdict{pass, fail},
			errs:    []error{nil, nil},
			want:    model.VerdictWrongAnswer,
		},
		{
			name:    "timeout classifies",
			results: []model.TestcaseVerdict{fail, pass},
			errs:    []error{appErr.New(appErr.ExecTimeout), nil},
			want:    model.VerdictTimeLimit,
		},
		{
			name:    "memory kill classifies",
			results: []model.TestcaseVerdict{fail},
			errs:    []error{appErr.New(appErr.ExecMemoryExceeded)},
			want:    model.VerdictMemoryLimit,
		},
		{
			name:    "compile error classifies",
			results: []model.TestcaseVerdict{fail},
			errs:    []error{appErr.New(appErr.CompileFailed)},
			want:    model.VerdictCompilationError,
		},
		{
			name:    "runtime failure classifies",
			results: []model.TestcaseVerdict{fail},
			errs:    []error{appErr.New(appErr.ExecFailed)},
			want:    model.VerdictRuntimeError,
		},
		{
			name:    "output flood counts as runtime error",
			results: []model.TestcaseVerdict{fail},
			errs:    []error{appErr.New(appErr.ExecOutputExceeded)},
			want:    model.VerdictRuntimeError,
		},
		{
			name:    "first error wins over later errors",
			results: []model.TestcaseVerdict{pass, fail, fail},
			errs:    []error{nil, appErr.New(appErr.ExecTimeout), appErr.New(appErr.ExecFailed)},
			want:    model.VerdictTimeLimit,
		},
		{
			name:    "empty output counts as runtime error",
			results: []model.TestcaseVerdict{fail},
			errs:    []error{appErr.New(appErr.ExecNoOutput)},
			want:    model.VerdictRuntimeError,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := service.DeriveVerdict(tt.results, tt.errs); got != tt.want {
				t.Fatalf("DeriveVerdict = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestComputeScore(t *testing.T) {
	t.Parallel()

	tcs := func(points ...int) []model.Testcase {
		out := make([]model.Testcase, len(points))
		for i, p := range points {
			out[i] = model.Testcase{Point: p}
		}
		return out
	}
	res := func(passed ...bool) []model.TestcaseVerdict {
		out := make([]model.TestcaseVerdict, len(passed))
		for i, p := range passed {
			out[i] = model.TestcaseVerdict{Passed: p}
		}
		return out
	}

	tests := []struct {
		name      string
		testcases []model.Testcase
		results   []model.TestcaseVerdict
		want      int
	}{
		{"all passed", tcs(50, 50), res(true, true), 100},
		{"none passed", tcs(50, 50), res(false, false), 0},
		{"half the points", tcs(50, 50), res(true, false), 50},
		{"third rounds up", tcs(1, 1, 1), res(true, false, false), 33},
		{"two thirds rounds up", tcs(1, 1, 1), res(true, true, false), 67},
		{"exact half rounds up", tcs(1, 1, 1, 1, 1, 1, 1, 1), res(true, true, true, false, false, false, false, false), 38},
		{"weighted testcases", tcs(10, 90), res(true, false), 10},
		{"zero total points", tcs(0, 0), res(true, true), 0},
		{"no testcases", nil, nil, 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := service.ComputeScore(context.Background(), tt.testcases, tt.results); got != tt.want {
				t.Fatalf("ComputeScore = %d, want %d", got, tt.want)
			}
		})
	}
}
