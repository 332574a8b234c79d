package model

// Verdict is the lifecycle state of a submission. PENDING and RUNNING are
// transient; the rest are terminal classifications.
type Verdict string

const (
	VerdictPending          Verdict = "PENDING"
	VerdictRunning          Verdict = "RUNNING"
	VerdictAccepted         Verdict = "ACCEPTED"
	VerdictWrongAnswer      Verdict = "WRONG_ANSWER"
	VerdictTimeLimit        Verdict = "TIME_LIMIT_EXCEEDED"
	VerdictMemoryLimit      Verdict = "MEMORY_LIMIT_EXCEEDED"
	VerdictRuntimeError     Verdict = "RUNTIME_ERROR"
	VerdictCompilationError Verdict = "COMPILATION_ERROR"
)

// Terminal reports whether the verdict ends a submission's lifecycle.
func (v Verdict) Terminal() bool {
	switch v {
	case VerdictPending, VerdictRunning, "":
		return false
	}
	return true
}

// ExecutionResult captures the raw output of one sandboxed process.
type ExecutionResult struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exitCode"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
}

// TestcaseVerdict is the judged outcome of one testcase.
type TestcaseVerdict struct {
	TestcaseID      string `json:"testcaseId"`
	Input           string `json:"input"`
	Expected        string `json:"expected"`
	Actual          string `json:"actual"`
	Passed          bool   `json:"passed"`
	Stderr          string `json:"stderr,omitempty"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	Error           string `json:"error,omitempty"`
}

// Summary aggregates per-testcase outcomes.
type Summary struct {
	Passed      int     `json:"passed"`
	Total       int     `json:"total"`
	SuccessRate float64 `json:"successRate"`
}

// JudgeOutcome is the complete judged result for one job.
type JudgeOutcome struct {
	JobID            string            `json:"jobId"`
	Verdict          Verdict           `json:"verdict"`
	Score            int               `json:"score"`
	Summary          Summary           `json:"summary"`
	Results          []TestcaseVerdict `json:"results"`
	CompileOutput    string            `json:"compileOutput,omitempty"`
	ProcessingTimeMs int64             `json:"processingTimeMs"`
	FinishedAt       int64             `json:"finishedAt"`
}

// BuildSummary computes pass counts and success rate from testcase verdicts.
func BuildSummary(results []TestcaseVerdict) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Passed {
			s.Passed++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Passed) / float64(s.Total)
	}
	return s
}
