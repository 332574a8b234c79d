// Package controller exposes the judge HTTP surface: synchronous
// execution, asynchronous submission intake, and status/health probes.
package controller

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"judgebox/internal/judge/model"
	"judgebox/internal/judge/service"
	"judgebox/pkg/utils/contextkey"
	"judgebox/pkg/utils/response"
)

// Prober reports whether the service should advertise itself healthy.
type Prober interface {
	Healthy(ctx context.Context) bool
}

// SandboxController serves the synchronous execute contract and the
// capacity/health probes.
type SandboxController struct {
	judge     *service.JudgeService
	admission *service.AdmissionController
	health    Prober
	startedAt time.Time
}

// NewSandboxController creates a new SandboxController.
func NewSandboxController(judge *service.JudgeService, admission *service.AdmissionController, health Prober, startedAt time.Time) *SandboxController {
	return &SandboxController{
		judge:     judge,
		admission: admission,
		health:    health,
		startedAt: startedAt,
	}
}

// Execute judges the request inline and returns the full result.
func (h *SandboxController) Execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	job := req.toJob()
	ctx := context.WithValue(c.Request.Context(), contextkey.JobID, job.JobID)
	outcome, err := h.judge.ExecuteJob(ctx, job)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, ExecuteResponse{
		Summary:        outcome.Summary,
		Results:        outcome.Results,
		ProcessingTime: outcome.ProcessingTimeMs,
	})
}

// Status reports live capacity and health.
func (h *SandboxController) Status(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		ActiveJobs:    h.admission.ActiveJobs(),
		MaxConcurrent: h.admission.MaxConcurrent(),
		IsHealthy:     h.health.Healthy(c.Request.Context()),
		Uptime:        int64(time.Since(h.startedAt).Seconds()),
	})
}

// Health is the load balancer probe.
func (h *SandboxController) Health(c *gin.Context) {
	if h.health.Healthy(c.Request.Context()) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
}

// ExecuteRequest is the synchronous execution payload.
type ExecuteRequest struct {
	Code        string            `json:"code" binding:"required"`
	Language    string            `json:"language" binding:"required"`
	Testcases   []ExecuteTestcase `json:"testcases"`
	TimeLimit   int64             `json:"timeLimit"`
	MemoryLimit string            `json:"memoryLimit"`
}

// ExecuteTestcase is one testcase of an execute request.
type ExecuteTestcase struct {
	ID     string `json:"id"`
	Input  string `json:"input"`
	Output string `json:"output"`
	Point  int    `json:"point"`
}

// ExecuteResponse is the judged result of an execute request.
type ExecuteResponse struct {
	Summary        model.Summary           `json:"summary"`
	Results        []model.TestcaseVerdict `json:"results"`
	ProcessingTime int64                   `json:"processingTime"`
}

// StatusResponse reports capacity and health for dashboards.
type StatusResponse struct {
	ActiveJobs    int   `json:"activeJobs"`
	MaxConcurrent int   `json:"maxConcurrent"`
	IsHealthy     bool  `json:"isHealthy"`
	Uptime        int64 `json:"uptime"`
}

func (r ExecuteRequest) toJob() *model.Job {
	job := &model.Job{
		JobID:       uuid.NewString(),
		SourceCode:  r.Code,
		Language:    r.Language,
		TimeLimitMs: r.TimeLimit,
		MemoryLimit: r.MemoryLimit,
		CreatedAt:   time.Now().Unix(),
		JobType:     model.JobTypeRun,
	}
	if job.TimeLimitMs <= 0 {
		job.TimeLimitMs = 3000
	}
	if job.MemoryLimit == "" {
		job.MemoryLimit = "256m"
	}
	job.Testcases = make([]model.Testcase, 0, len(r.Testcases))
	for i, tc := range r.Testcases {
		id := tc.ID
		if id == "" {
			id = "tc-" + strconv.Itoa(i+1)
		}
		job.Testcases = append(job.Testcases, model.Testcase{
			ID:             id,
			Input:          tc.Input,
			ExpectedOutput: tc.Output,
			Point:          tc.Point,
		})
	}
	return job
}
