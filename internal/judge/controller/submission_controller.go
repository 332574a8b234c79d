package controller

import (
	"strings"

	"github.com/gin-gonic/gin"

	"judgebox/internal/judge/service"
	"judgebox/pkg/utils/response"
)

// SubmissionController handles submission intake and status queries.
type SubmissionController struct {
	intake *service.IntakeService
}

// NewSubmissionController creates a new SubmissionController.
func NewSubmissionController(intake *service.IntakeService) *SubmissionController {
	return &SubmissionController{intake: intake}
}

// Create accepts a submission for asynchronous judging.
func (h *SubmissionController) Create(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	receipt, err := h.intake.Submit(c.Request.Context(), service.SubmitInput{
		UserID:         req.UserID,
		ProblemID:      req.ProblemID,
		SourceCode:     req.Code,
		Language:       req.Language,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Accepted(c, SubmitResponse{
		SubmissionID: receipt.SubmissionID,
		Status:       string(receipt.Status),
		QueueDepth:   receipt.QueueDepth,
		ReceivedAt:   receipt.ReceivedAt,
	})
}

// GetStatus returns the live snapshot for one submission.
func (h *SubmissionController) GetStatus(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	snap, err := h.intake.Status(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, snap)
}

// SubmitRequest defines the submission payload.
type SubmitRequest struct {
	UserID    string `json:"userId" binding:"required"`
	ProblemID int64  `json:"problemId" binding:"required"`
	Code      string `json:"code" binding:"required"`
	Language  string `json:"language" binding:"required"`
}

// SubmitResponse defines the submission receipt payload.
type SubmitResponse struct {
	SubmissionID string `json:"submissionId"`
	Status       string `json:"status"`
	QueueDepth   int64  `json:"queueDepth"`
	ReceivedAt   int64  `json:"receivedAt"`
}
