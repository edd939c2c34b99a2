package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Authentication errors
// 13000-13999: Submission & Execution errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError ErrorCode = 10100

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Message queue errors (10250-10299)
	QueuePublishFailed ErrorCode = 10250

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300

	// ========== Authentication Errors (11000-11999) ==========

	TokenExpired ErrorCode = 11003
	TokenInvalid ErrorCode = 11004

	// ========== Submission & Execution Errors (13000-13999) ==========

	// Intake (13000-13099)
	SubmissionNotFound   ErrorCode = 13000
	PayloadTooLarge      ErrorCode = 13001
	LanguageNotSupported ErrorCode = 13002
	InvalidLimits        ErrorCode = 13003

	// Scheduling (13100-13199)
	CapacityExceeded ErrorCode = 13100
	QueueTimeout     ErrorCode = 13101
	PoolClosed       ErrorCode = 13102
	SchedulerClosed  ErrorCode = 13103

	// Sandbox (13200-13299)
	IsolationSetupError ErrorCode = 13200
	ZombieProcess       ErrorCode = 13201
	ExecutorFault       ErrorCode = 13202
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	DatabaseError:      "Database operation failed",
	CacheError:         "Cache operation failed",
	QueuePublishFailed: "Failed to publish message",
	ValidationFailed:   "Validation failed",

	// Authentication
	TokenExpired: "Token has expired",
	TokenInvalid: "Invalid token",

	// Intake
	SubmissionNotFound:   "Submission not found",
	PayloadTooLarge:      "Source payload is too large",
	LanguageNotSupported: "Programming language not supported",
	InvalidLimits:        "Invalid resource limits",

	// Scheduling
	CapacityExceeded: "Execution queue is full, please try again later",
	QueueTimeout:     "Submission waited too long for a worker",
	PoolClosed:       "Worker pool is closed",
	SchedulerClosed:  "Scheduler is shutting down",

	// Sandbox
	IsolationSetupError: "Failed to set up isolated execution context",
	ZombieProcess:       "Sandboxed process could not be reaped",
	ExecutorFault:       "Sandbox executor internal error",
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
	case c >= 11000 && c < 12000: // Authentication errors
		return 401
	case c == Unauthorized:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == SubmissionNotFound:
		return 404
	case c == PayloadTooLarge:
		return 413
	case c == TooManyRequests, c == CapacityExceeded:
		return 429
	case c == ServiceUnavailable, c == PoolClosed, c == SchedulerClosed, c == QueueTimeout:
		return 503
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == LanguageNotSupported, c == InvalidLimits:
		return 400
	default:
		return 500
	}
}

// Admission reports whether the code rejects a request before any
// execution resource was consumed. Callers may retry these later.
func (c ErrorCode) Admission() bool {
	switch c {
	case PayloadTooLarge, CapacityExceeded, QueueTimeout, LanguageNotSupported, InvalidLimits:
		return true
	}
	return false
}
