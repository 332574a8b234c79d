// Package model defines the judge pipeline data model: jobs, testcases,
// execution results and verdicts.
package model

import (
	"strconv"
	"strings"

	appErr "judgebox/pkg/errors"
)

// JobType distinguishes graded submissions from practice runs.
type JobType string

const (
	// JobTypeSubmission is a graded run: the verdict is persisted and
	// ranking points may be awarded.
	JobTypeSubmission JobType = "submission"
	// JobTypeRun is a practice run: judged and published, never persisted.
	JobTypeRun JobType = "run"
)

// Job is the unit of work carried through the queue.
type Job struct {
	JobID       string     `json:"jobId"`
	UserID      string     `json:"userId"`
	ProblemID   int64      `json:"problemId"`
	SourceCode  string     `json:"sourceCode"`
	Language    string     `json:"language"`
	Testcases   []Testcase `json:"testcases"`
	TimeLimitMs int64      `json:"timeLimitMs"`
	MemoryLimit string     `json:"memoryLimit"`
	CreatedAt   int64      `json:"createdAt"`
	JobType     JobType    `json:"jobType"`
}

// Testcase is one (input, expected output, point value) triple.
type Testcase struct {
	ID             string `json:"id"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
	Point          int    `json:"point"`
	IsPublic       bool   `json:"isPublic"`
}

// Problem carries the judge-facing fields of a stored problem.
type Problem struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	TimeLimitMs int64      `json:"timeLimitMs"`
	MemoryLimit string     `json:"memoryLimit"`
	Testcases   []Testcase `json:"testcases"`
}

// TotalPoints sums the point values of all testcases.
func (p Problem) TotalPoints() int {
	total := 0
	for _, tc := range p.Testcases {
		total += tc.Point
	}
	return total
}

// Validate checks the fields a job must carry before it can be judged.
func (j *Job) Validate() error {
	if j.JobID == "" {
		return appErr.ValidationError("jobId", "required")
	}
	if strings.TrimSpace(j.SourceCode) == "" {
		return appErr.ValidationError("sourceCode", "required")
	}
	if j.Language == "" {
		return appErr.ValidationError("language", "required")
	}
	if len(j.Testcases) == 0 {
		return appErr.ValidationError("testcases", "required")
	}
	if j.TimeLimitMs <= 0 {
		return appErr.ValidationError("timeLimitMs", "must be positive")
	}
	if j.MemoryLimit != "" {
		if _, err := ParseMemorySize(j.MemoryLimit); err != nil {
			return appErr.ValidationError("memoryLimit", "invalid format")
		}
	}
	switch j.JobType {
	case JobTypeSubmission, JobTypeRun, "":
	default:
		return appErr.ValidationError("jobType", "unknown job type")
	}
	return nil
}

// ParseMemorySize parses a docker-style size string ("128m", "1g", "512k",
// plain bytes) into bytes.
func ParseMemorySize(raw string) (int64, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return 0, appErr.ValidationError("memory", "required")
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "g"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "b"):
		s = strings.TrimSuffix(s, "b")
	}
	value, err := strconv.ParseInt(s, 10, 64)
	if err != nil || value <= 0 {
		return 0, appErr.ValidationError("memory", "invalid size")
	}
	return value * multiplier, nil
}
