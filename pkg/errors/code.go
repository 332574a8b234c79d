package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Intake & Security errors
// 12000-12999: Problem & Submission collaborator errors
// 13000-13999: Sandbox & Judge errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10004
	ServiceUnavailable  ErrorCode = 10005
	Timeout             ErrorCode = 10006

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache, queue & messaging errors (10200-10299)
	CacheError      ErrorCode = 10200
	QueueError      ErrorCode = 10201
	QueuePushFailed ErrorCode = 10202
	PublishFailed   ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	RequiredFieldEmpty ErrorCode = 10302

	// Object storage errors (10400-10499)
	StorageError         ErrorCode = 10400
	StorageUploadFailed  ErrorCode = 10401
	StorageArchiveFailed ErrorCode = 10402

	// ========== Intake & Security Errors (11000-11999) ==========

	// Security gate (11000-11099)
	SecurityViolation ErrorCode = 11000
	CodeTooLarge      ErrorCode = 11001

	// Intake (11100-11199)
	LanguageNotSupported ErrorCode = 11100
	SubmitTooFrequently  ErrorCode = 11101
	DuplicateSubmission  ErrorCode = 11102

	// ========== Problem & Submission Collaborator Errors (12000-12999) ==========

	ProblemNotFound    ErrorCode = 12000
	TestcaseInvalid    ErrorCode = 12001
	SubmissionNotFound ErrorCode = 12100
	SubmissionFailed   ErrorCode = 12101
	RankingUpdateError ErrorCode = 12200

	// ========== Sandbox & Judge Errors (13000-13999) ==========

	// Admission & workspace (13000-13099)
	SandboxAtCapacity ErrorCode = 13000
	WorkspaceFailed   ErrorCode = 13001

	// Compile step (13100-13199)
	CompileFailed  ErrorCode = 13100
	CompileTimeout ErrorCode = 13101

	// Run step (13200-13299)
	ExecFailed         ErrorCode = 13200
	ExecTimeout        ErrorCode = 13201
	ExecMemoryExceeded ErrorCode = 13202
	ExecOutputExceeded ErrorCode = 13203
	ExecNoOutput       ErrorCode = 13204

	// Judge pipeline (13900-13999)
	JudgeSystemError ErrorCode = 13900
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",

	// Cache, queue & messaging
	CacheError:      "Cache operation failed",
	QueueError:      "Job queue operation failed",
	QueuePushFailed: "Failed to enqueue job",
	PublishFailed:   "Failed to publish result event",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	RequiredFieldEmpty: "Required field is empty",

	// Object storage
	StorageError:         "Object storage operation failed",
	StorageUploadFailed:  "Failed to upload object",
	StorageArchiveFailed: "Failed to archive workspace",

	// Security gate
	SecurityViolation: "Code contains forbidden operations",
	CodeTooLarge:      "Code is too large",

	// Intake
	LanguageNotSupported: "Programming language not supported",
	SubmitTooFrequently:  "Submitting too frequently, please wait",
	DuplicateSubmission:  "Duplicate submission",

	// Collaborators
	ProblemNotFound:    "Problem not found",
	TestcaseInvalid:    "Invalid testcase data",
	SubmissionNotFound: "Submission not found",
	SubmissionFailed:   "Failed to persist submission",
	RankingUpdateError: "Failed to update ranking points",

	// Admission & workspace
	SandboxAtCapacity: "Sandbox is at maximum capacity, please try again later",
	WorkspaceFailed:   "Failed to prepare job workspace",

	// Compile step
	CompileFailed:  "Compilation error",
	CompileTimeout: "Compilation timed out",

	// Run step
	ExecFailed:         "Runtime error",
	ExecTimeout:        "Time limit exceeded",
	ExecMemoryExceeded: "Memory limit exceeded",
	ExecOutputExceeded: "Output limit exceeded",
	ExecNoOutput:       "Program produced no output",

	// Judge pipeline
	JudgeSystemError: "Judge system error",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == ProblemNotFound, c == SubmissionNotFound, c == RecordNotFound:
		return 404
	case c == TooManyRequests, c == SubmitTooFrequently:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c >= 11000 && c < 12000: // Security gate & intake errors
		return 400
	// The execute contract reports capacity exhaustion as a plain 400 so
	// synchronous callers retry with backoff instead of failing over.
	case c == SandboxAtCapacity:
		return 400
	case c == InvalidParams, c == TestcaseInvalid:
		return 400
	default:
		return 500
	}
}
