package model

// Severity grades a security finding.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Blocking reports whether a finding of this severity hard-gates execution.
func (s Severity) Blocking() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// SecurityEvent records one security finding for audit logging.
type SecurityEvent struct {
	Timestamp int64    `json:"timestamp"`
	Type      string   `json:"type"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	Details   string   `json:"details,omitempty"`
}

// ResultEvent is the pub/sub payload announcing a terminal verdict.
type ResultEvent struct {
	SubmissionID string          `json:"submissionId"`
	Data         ResultEventData `json:"data"`
}

// ResultEventData carries the verdict body of a ResultEvent.
type ResultEventData struct {
	Status Verdict           `json:"status"`
	Result []TestcaseVerdict `json:"result"`
	Score  int               `json:"score"`
}

// StatusSnapshot is the live judging progress stored for status queries.
type StatusSnapshot struct {
	SubmissionID string  `json:"submissionId"`
	Status       Verdict `json:"status"`
	TotalTests   int     `json:"totalTests"`
	DoneTests    int     `json:"doneTests"`
	Score        int     `json:"score"`
	ReceivedAt   int64   `json:"receivedAt"`
	FinishedAt   int64   `json:"finishedAt,omitempty"`
}
